// Package signaling negotiates link sessions over HTTP before any
// datagram flows: a peer posts an offer naming its link token and
// candidate addresses, and the host answers with its own.
package signaling

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrInvalidOffer  = errors.New("signaling: invalid offer")
	ErrInvalidAnswer = errors.New("signaling: invalid answer")
)

// Offer asks a host to adopt a new link session.
type Offer struct {
	ExchangeID   string   `json:"exchange_id"`
	LinkToken    string   `json:"link_token"`
	ChannelLabel string   `json:"channel_label"`
	Candidates   []string `json:"candidates"`
}

// Answer accepts an offer and lists the host's own candidates.
type Answer struct {
	ExchangeID string   `json:"exchange_id"`
	LinkToken  string   `json:"link_token"`
	Candidates []string `json:"candidates"`
}

// NewOffer builds an offer with a fresh exchange id.
func NewOffer(token uint64, label string, candidates []netip.AddrPort) Offer {
	return Offer{
		ExchangeID:   uuid.NewString(),
		LinkToken:    FormatToken(token),
		ChannelLabel: label,
		Candidates:   FormatCandidates(candidates),
	}
}

func (o Offer) Validate() error {
	if strings.TrimSpace(o.ExchangeID) == "" {
		return fmt.Errorf("%w: missing exchange id", ErrInvalidOffer)
	}
	if _, err := ParseToken(o.LinkToken); err != nil {
		return fmt.Errorf("%w: bad link token %q", ErrInvalidOffer, o.LinkToken)
	}
	if strings.TrimSpace(o.ChannelLabel) == "" {
		return fmt.Errorf("%w: missing channel label", ErrInvalidOffer)
	}
	if len(o.Candidates) == 0 {
		return fmt.Errorf("%w: no candidates", ErrInvalidOffer)
	}
	if _, err := ParseCandidates(o.Candidates); err != nil {
		return fmt.Errorf("%w: bad candidate list", ErrInvalidOffer)
	}
	return nil
}

// Token decodes the offer's link token field.
func (o Offer) Token() (uint64, error) {
	return ParseToken(o.LinkToken)
}

// RemoteCandidates decodes the offer's candidate list.
func (o Offer) RemoteCandidates() ([]netip.AddrPort, error) {
	return ParseCandidates(o.Candidates)
}

func (a Answer) Validate() error {
	if strings.TrimSpace(a.ExchangeID) == "" {
		return fmt.Errorf("%w: missing exchange id", ErrInvalidAnswer)
	}
	if _, err := ParseToken(a.LinkToken); err != nil {
		return fmt.Errorf("%w: bad link token %q", ErrInvalidAnswer, a.LinkToken)
	}
	if len(a.Candidates) == 0 {
		return fmt.Errorf("%w: no candidates", ErrInvalidAnswer)
	}
	if _, err := ParseCandidates(a.Candidates); err != nil {
		return fmt.Errorf("%w: bad candidate list", ErrInvalidAnswer)
	}
	return nil
}

// Token decodes the answer's link token field.
func (a Answer) Token() (uint64, error) {
	return ParseToken(a.LinkToken)
}

// RemoteCandidates decodes the answer's candidate list.
func (a Answer) RemoteCandidates() ([]netip.AddrPort, error) {
	return ParseCandidates(a.Candidates)
}

// FormatToken renders a link token the way it appears in logs and
// session identities.
func FormatToken(token uint64) string {
	return fmt.Sprintf("%016x", token)
}

func ParseToken(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("signaling: parse link token: %w", err)
	}
	return v, nil
}

func FormatCandidates(addrs []netip.AddrPort) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

func ParseCandidates(in []string) ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(in))
	for _, s := range in {
		ap, err := netip.ParseAddrPort(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("signaling: parse candidate %q: %w", s, err)
		}
		out = append(out, ap)
	}
	return out, nil
}
