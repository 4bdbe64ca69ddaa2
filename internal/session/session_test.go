package session

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/danmuck/roverlink/internal/engine"
	"github.com/danmuck/roverlink/internal/testutil/testlog"
)

// stubConn is a minimal connection machine for exercising the registry
// and sweep without a real transport.
type stubConn struct {
	accept     []byte
	closed     bool
	candidates []netip.AddrPort
	written    [][]byte
}

func (c *stubConn) PollOutput(now time.Time) engine.Output {
	return engine.DeadlineOutput(now.Add(100 * time.Millisecond))
}

func (c *stubConn) HandleReceive(time.Time, netip.AddrPort, netip.AddrPort, []byte) error {
	return nil
}

func (c *stubConn) HandleTick(time.Time) {}

func (c *stubConn) Accepts(_, _ netip.AddrPort, payload []byte) bool {
	return len(c.accept) > 0 && bytes.HasPrefix(payload, c.accept)
}

func (c *stubConn) AddLocalCandidate(addr netip.AddrPort) error {
	c.candidates = append(c.candidates, addr)
	return nil
}

func (c *stubConn) WriteChannel(_ engine.ChannelID, data []byte) (int, error) {
	c.written = append(c.written, append([]byte(nil), data...))
	return len(data), nil
}

func (c *stubConn) Disconnect() { c.closed = true }

func (c *stubConn) Closed() bool { return c.closed }

var (
	peerA  = netip.MustParseAddrPort("192.0.2.10:41000")
	peerB  = netip.MustParseAddrPort("192.0.2.20:42000")
	local  = netip.MustParseAddrPort("192.0.2.1:9999")
	local2 = netip.MustParseAddrPort("198.51.100.1:9999")
)

func TestSessionIDsMonotonic(t *testing.T) {
	testlog.Start(t)
	a := NewSession(&stubConn{}, Identity{Remote: peerA, LinkToken: 1})
	b := NewSession(&stubConn{}, Identity{Remote: peerB, LinkToken: 2})
	if b.ID <= a.ID {
		t.Fatalf("ids not monotonic: a=%d b=%d", a.ID, b.ID)
	}
}

func TestWriteRequiresOpenChannel(t *testing.T) {
	testlog.Start(t)
	conn := &stubConn{}
	s := NewSession(conn, Identity{Remote: peerA, LinkToken: 1})

	if _, err := s.Write([]byte("early")); !errors.Is(err, ErrChannelNotReady) {
		t.Fatalf("expected ErrChannelNotReady, got %v", err)
	}

	s.TrackEvent(engine.Event{Kind: engine.EventChannelOpened, Channel: 5, Label: "telemetry"})
	if !s.ChannelReady() {
		t.Fatalf("channel should be ready after open event")
	}
	n, err := s.Write([]byte("data"))
	if err != nil || n != 4 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	if len(conn.written) != 1 || !bytes.Equal(conn.written[0], []byte("data")) {
		t.Fatalf("machine did not receive the write: %v", conn.written)
	}

	s.TrackEvent(engine.Event{Kind: engine.EventChannelClosed, Channel: 9})
	if !s.ChannelReady() {
		t.Fatalf("close of a different channel must not clear readiness")
	}
	s.TrackEvent(engine.Event{Kind: engine.EventChannelClosed, Channel: 5})
	if s.ChannelReady() {
		t.Fatalf("channel should not be ready after close event")
	}
}
