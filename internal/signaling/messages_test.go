package signaling

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/danmuck/roverlink/internal/testutil/testlog"
)

func TestOfferRoundTripFields(t *testing.T) {
	testlog.Start(t)

	cands := []netip.AddrPort{netip.MustParseAddrPort("198.51.100.7:7000")}
	offer := NewOffer(0xdeadbeefcafe, "telemetry", cands)
	if err := offer.Validate(); err != nil {
		t.Fatalf("fresh offer must validate: %v", err)
	}
	if offer.ExchangeID == "" {
		t.Fatalf("offer must carry an exchange id")
	}

	token, err := offer.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if token != 0xdeadbeefcafe {
		t.Fatalf("token round trip broke: got %x", token)
	}

	got, err := offer.RemoteCandidates()
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 1 || got[0] != cands[0] {
		t.Fatalf("candidate round trip broke: got %v", got)
	}
}

func TestOfferValidateRejectsGaps(t *testing.T) {
	testlog.Start(t)

	base := NewOffer(0x77, "telemetry", []netip.AddrPort{netip.MustParseAddrPort("198.51.100.7:7000")})

	offer := base
	offer.ExchangeID = "  "
	if err := offer.Validate(); !errors.Is(err, ErrInvalidOffer) {
		t.Fatalf("blank exchange id must fail, got %v", err)
	}

	offer = base
	offer.LinkToken = "not-hex"
	if err := offer.Validate(); !errors.Is(err, ErrInvalidOffer) {
		t.Fatalf("bad token must fail, got %v", err)
	}

	offer = base
	offer.ChannelLabel = ""
	if err := offer.Validate(); !errors.Is(err, ErrInvalidOffer) {
		t.Fatalf("missing label must fail, got %v", err)
	}

	offer = base
	offer.Candidates = nil
	if err := offer.Validate(); !errors.Is(err, ErrInvalidOffer) {
		t.Fatalf("empty candidate list must fail, got %v", err)
	}

	offer = base
	offer.Candidates = []string{"not an address"}
	if err := offer.Validate(); !errors.Is(err, ErrInvalidOffer) {
		t.Fatalf("garbage candidate must fail, got %v", err)
	}
}

func TestAnswerValidateRejectsGaps(t *testing.T) {
	testlog.Start(t)

	base := Answer{
		ExchangeID: "xchg-1",
		LinkToken:  FormatToken(0x77),
		Candidates: []string{"192.0.2.9:9000"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("complete answer must validate: %v", err)
	}

	answer := base
	answer.ExchangeID = ""
	if err := answer.Validate(); !errors.Is(err, ErrInvalidAnswer) {
		t.Fatalf("blank exchange id must fail, got %v", err)
	}

	answer = base
	answer.LinkToken = "xyz"
	if err := answer.Validate(); !errors.Is(err, ErrInvalidAnswer) {
		t.Fatalf("bad token must fail, got %v", err)
	}

	answer = base
	answer.Candidates = nil
	if err := answer.Validate(); !errors.Is(err, ErrInvalidAnswer) {
		t.Fatalf("empty candidate list must fail, got %v", err)
	}
}

func TestTokenFormatIsFixedWidthHex(t *testing.T) {
	testlog.Start(t)

	if got := FormatToken(0x1); got != "0000000000000001" {
		t.Fatalf("expected zero-padded token, got %q", got)
	}
	v, err := ParseToken("0000000000000001")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected 1, got %d", v)
	}
	if _, err := ParseToken("zz"); err == nil {
		t.Fatalf("non-hex token must fail to parse")
	}
}
