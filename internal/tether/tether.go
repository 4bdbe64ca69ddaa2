// Package tether is a minimal poll-driven transport machine: link-token
// datagrams over a shared socket, a hello handshake, keepalive probes,
// candidate advertisement for path recovery, and one data channel. It
// performs no I/O of its own.
package tether

import (
	"errors"
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/roverlink/internal/engine"
	"github.com/danmuck/roverlink/internal/wire"
)

var (
	ErrConnClosed     = errors.New("tether: connection closed")
	ErrChannelNotOpen = errors.New("tether: channel not open")
	ErrTokenMismatch  = errors.New("tether: link token mismatch")
	ErrNoCandidates   = errors.New("tether: no remote candidates")
)

// DataChannelID is the single pre-agreed channel both roles use.
const DataChannelID engine.ChannelID = 1

type role uint8

const (
	roleOfferer role = iota + 1
	roleAnswerer
)

func (r role) String() string {
	if r == roleOfferer {
		return "offerer"
	}
	return "answerer"
}

// Conn is one tether machine. It implements engine.Conn and must only
// be driven from a single goroutine.
type Conn struct {
	cfg   Config
	role  role
	token uint64
	label string

	state   engine.State
	closed  bool
	locals  []netip.AddrPort
	remotes []netip.AddrPort

	// Path selected by the most recent valid inbound datagram.
	selectedRemote netip.AddrPort
	selectedLocal  netip.AddrPort

	lastInbound time.Time
	createdAt   time.Time

	seq        uint64
	outbox     []engine.Transmit
	events     []engine.Event
	nextHello  time.Time
	nextProbe  time.Time
	nextOpen   time.Time
	advertised []netip.AddrPort

	channelOpen    bool
	channelOpening bool
}

// NewOfferer builds the initiating side. Remote candidates come from
// the answer produced at the signaling boundary.
func NewOfferer(cfg Config, token uint64, label string, locals, remotes []netip.AddrPort, now time.Time) *Conn {
	c := newConn(cfg, roleOfferer, token, label, locals, remotes, now)
	c.nextHello = now
	return c
}

// NewAnswerer builds the accepting side from a received offer.
func NewAnswerer(cfg Config, token uint64, label string, locals, remotes []netip.AddrPort, now time.Time) *Conn {
	return newConn(cfg, roleAnswerer, token, label, locals, remotes, now)
}

func newConn(cfg Config, r role, token uint64, label string, locals, remotes []netip.AddrPort, now time.Time) *Conn {
	return &Conn{
		cfg:         cfg,
		role:        r,
		token:       token,
		label:       label,
		state:       engine.StateChecking,
		locals:      append([]netip.AddrPort(nil), locals...),
		remotes:     append([]netip.AddrPort(nil), remotes...),
		lastInbound: now,
		createdAt:   now,
	}
}

// Token exposes the link fingerprint for registry identity purposes.
func (c *Conn) Token() uint64 { return c.token }

// State reports the current connectivity state.
func (c *Conn) State() engine.State { return c.state }

func (c *Conn) Closed() bool { return c.closed }

// Disconnect queues a goodbye on the selected path and goes terminal.
func (c *Conn) Disconnect() {
	if c.closed {
		return
	}
	if c.selectedRemote.IsValid() {
		c.queue(wire.KindBye, c.selectedRemote, 0, nil)
	}
	c.goTerminal("local disconnect")
}

func (c *Conn) goTerminal(reason string) {
	if c.closed {
		return
	}
	if c.state != engine.StateDisconnected {
		c.setState(engine.StateDisconnected)
	}
	c.setState(engine.StateClosed)
	c.closed = true
	log.Debug().
		Str("role", c.role.String()).
		Uint64("token", c.token).
		Str("reason", reason).
		Msg("tether: terminal")
}

func (c *Conn) setState(s engine.State) {
	if c.state == s {
		return
	}
	c.state = s
	c.events = append(c.events, engine.Event{Kind: engine.EventStateChanged, State: s})
}

// AddLocalCandidate registers a fresh local address and forces an
// immediate probe round advertising it to every known remote, giving a
// stalled path a chance to re-form.
func (c *Conn) AddLocalCandidate(addr netip.AddrPort) error {
	if c.closed {
		return ErrConnClosed
	}
	if !addr.IsValid() {
		return errors.New("tether: invalid candidate address")
	}
	if !containsAddr(c.locals, addr) {
		c.locals = append(c.locals, addr)
	}
	if len(c.remotes) == 0 {
		return ErrNoCandidates
	}
	c.advertised = append(c.advertised, addr)
	c.nextProbe = time.Time{}
	c.nextHello = time.Time{}
	log.Debug().
		Str("role", c.role.String()).
		Uint64("token", c.token).
		Stringer("candidate", addr).
		Msg("tether: local candidate added, reprobing")
	return nil
}

// WriteChannel queues application bytes as one channel datagram.
func (c *Conn) WriteChannel(id engine.ChannelID, data []byte) (int, error) {
	if c.closed {
		return 0, ErrConnClosed
	}
	if !c.channelOpen || id != DataChannelID {
		return 0, ErrChannelNotOpen
	}
	dst := c.selectedRemote
	if !dst.IsValid() {
		return 0, ErrNoCandidates
	}
	err := c.queue(wire.KindChannelData, dst, 0, []wire.Attr{
		wire.NewAttrU16(wire.AttrChannelID, uint16(id)),
		wire.NewAttrBytes(wire.AttrPayload, data),
	})
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// PollOutput drains queued transmits, then queued events, then yields
// the next wake-up deadline.
func (c *Conn) PollOutput(now time.Time) engine.Output {
	if len(c.outbox) > 0 {
		t := c.outbox[0]
		c.outbox = c.outbox[1:]
		return engine.TransmitOutput(t)
	}
	if len(c.events) > 0 {
		ev := c.events[0]
		c.events = c.events[1:]
		return engine.EventOutput(ev)
	}
	return engine.DeadlineOutput(c.nextDeadline(now))
}

func (c *Conn) nextDeadline(now time.Time) time.Time {
	if c.closed {
		return now.Add(time.Hour)
	}
	deadline := c.lastInbound.Add(c.cfg.DisconnectAfter)
	if c.state == engine.StateChecking && c.role == roleOfferer {
		deadline = earliest(deadline, c.orNow(c.nextHello, now))
	}
	if c.state == engine.StateConnected {
		deadline = earliest(deadline, c.orNow(c.nextProbe, now))
		if c.channelOpening {
			deadline = earliest(deadline, c.orNow(c.nextOpen, now))
		}
	}
	return deadline
}

func (c *Conn) orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}

// HandleTick advances retransmission and liveness timers.
func (c *Conn) HandleTick(now time.Time) {
	if c.closed {
		return
	}
	if now.Sub(c.lastInbound) > c.cfg.DisconnectAfter {
		c.goTerminal("silence window exceeded")
		return
	}
	switch c.state {
	case engine.StateChecking:
		if c.role == roleOfferer && !now.Before(c.nextHello) {
			c.sendHellos(now)
		}
	case engine.StateConnected:
		if !now.Before(c.nextProbe) {
			c.sendProbes(now)
		}
		if c.channelOpening && c.role == roleOfferer && !now.Before(c.nextOpen) {
			c.sendChannelOpen(now)
		}
	}
}

func (c *Conn) sendHellos(now time.Time) {
	attrs := c.takeAdvertisements()
	for _, dst := range c.remotes {
		c.queue(wire.KindHello, dst, 0, attrs)
	}
	c.nextHello = now.Add(c.cfg.HandshakeInterval)
}

// sendProbes keeps the selected path warm. A pending candidate
// advertisement widens the round to every known remote so a dead path
// can be replaced.
func (c *Conn) sendProbes(now time.Time) {
	attrs := c.takeAdvertisements()
	if len(attrs) > 0 {
		for _, dst := range c.remotes {
			c.queue(wire.KindProbe, dst, wire.FlagRenegotiate, attrs)
		}
	} else if c.selectedRemote.IsValid() {
		c.queue(wire.KindProbe, c.selectedRemote, 0, nil)
	}
	c.nextProbe = now.Add(c.cfg.ProbeInterval)
}

func (c *Conn) takeAdvertisements() []wire.Attr {
	if len(c.advertised) == 0 {
		return nil
	}
	attrs := make([]wire.Attr, 0, len(c.advertised))
	for _, a := range c.advertised {
		attrs = append(attrs, wire.NewAttrAddrPort(wire.AttrCandidate, a))
	}
	c.advertised = nil
	return attrs
}

func (c *Conn) sendChannelOpen(now time.Time) {
	c.queue(wire.KindChannelOpen, c.selectedRemote, 0, []wire.Attr{
		wire.NewAttrU16(wire.AttrChannelID, uint16(DataChannelID)),
		wire.NewAttrString(wire.AttrChannelLabel, c.label),
	})
	c.nextOpen = now.Add(c.cfg.HandshakeInterval)
}

func (c *Conn) queue(kind uint16, dst netip.AddrPort, flags uint32, attrs []wire.Attr) error {
	c.seq++
	buf, err := wire.EncodeDatagram(wire.Datagram{
		Header: wire.Header{
			Kind:      kind,
			LinkToken: c.token,
			Seq:       c.seq,
			Flags:     flags,
		},
		Attrs: attrs,
	})
	if err != nil {
		return err
	}
	c.outbox = append(c.outbox, engine.Transmit{
		Src:     c.selectedLocal,
		Dst:     dst,
		Payload: buf,
	})
	return nil
}

func containsAddr(list []netip.AddrPort, a netip.AddrPort) bool {
	for _, v := range list {
		if v == a {
			return true
		}
	}
	return false
}

func earliest(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}
