package tether

import (
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/roverlink/internal/engine"
	"github.com/danmuck/roverlink/internal/wire"
)

// Accepts claims datagrams carrying this connection's link token. The
// sender's address is deliberately ignored so the claim survives path
// handover.
func (c *Conn) Accepts(_, _ netip.AddrPort, payload []byte) bool {
	if c.closed {
		return false
	}
	tok, ok := wire.PeekLinkToken(payload)
	return ok && tok == c.token
}

// HandleReceive consumes one attributed inbound datagram.
func (c *Conn) HandleReceive(now time.Time, src, dst netip.AddrPort, payload []byte) error {
	if c.closed {
		return ErrConnClosed
	}
	d, err := wire.DecodeDatagram(payload)
	if err != nil {
		return err
	}
	if d.Header.LinkToken != c.token {
		return ErrTokenMismatch
	}
	if err := wire.Validate(d.Header.Kind, d.Attrs); err != nil {
		return err
	}

	c.lastInbound = now
	c.followPath(src, dst)
	c.learnCandidates(d.Attrs)

	switch d.Header.Kind {
	case wire.KindHello:
		c.onHello(now, src)
	case wire.KindHelloAck:
		c.onHelloAck(now)
	case wire.KindProbe:
		c.queue(wire.KindProbeAck, src, 0, nil)
	case wire.KindProbeAck:
		// Path freshness is already recorded above.
	case wire.KindChannelOpen:
		c.onChannelOpen(d.Attrs, src)
	case wire.KindChannelOpenAck:
		c.onChannelOpenAck()
	case wire.KindChannelData:
		c.onChannelData(d.Attrs)
	case wire.KindChannelClose:
		c.onChannelClose(d.Attrs)
	case wire.KindBye:
		c.goTerminal("peer disconnect")
	}
	return nil
}

// followPath rebinds the selected address pair to wherever valid
// traffic last arrived from.
func (c *Conn) followPath(src, dst netip.AddrPort) {
	if c.selectedRemote != src && c.selectedRemote.IsValid() {
		log.Debug().
			Str("role", c.role.String()).
			Uint64("token", c.token).
			Stringer("from", c.selectedRemote).
			Stringer("to", src).
			Msg("tether: path moved")
	}
	c.selectedRemote = src
	c.selectedLocal = dst
	if !containsAddr(c.remotes, src) {
		c.remotes = append(c.remotes, src)
	}
}

func (c *Conn) learnCandidates(attrs []wire.Attr) {
	for _, a := range wire.GetAttrs(attrs, wire.AttrCandidate) {
		ap, err := a.AddrPort()
		if err != nil {
			log.Debug().Err(err).Uint64("token", c.token).Msg("tether: bad candidate attr")
			continue
		}
		if !containsAddr(c.remotes, ap) {
			c.remotes = append(c.remotes, ap)
		}
	}
}

func (c *Conn) onHello(now time.Time, src netip.AddrPort) {
	c.queue(wire.KindHelloAck, src, 0, nil)
	if c.role == roleAnswerer && c.state == engine.StateChecking {
		c.setState(engine.StateConnected)
		c.nextProbe = now.Add(c.cfg.ProbeInterval)
	}
}

func (c *Conn) onHelloAck(now time.Time) {
	if c.role != roleOfferer || c.state != engine.StateChecking {
		return
	}
	c.setState(engine.StateConnected)
	c.nextProbe = now.Add(c.cfg.ProbeInterval)
	c.channelOpening = true
	c.sendChannelOpen(now)
}

func (c *Conn) onChannelOpen(attrs []wire.Attr, src netip.AddrPort) {
	c.queue(wire.KindChannelOpenAck, src, 0, []wire.Attr{
		wire.NewAttrU16(wire.AttrChannelID, uint16(DataChannelID)),
	})
	if c.channelOpen {
		return
	}
	label := c.label
	if a, ok := wire.GetAttr(attrs, wire.AttrChannelLabel); ok {
		if s, err := a.String(); err == nil {
			label = s
		}
	}
	c.channelOpen = true
	c.events = append(c.events, engine.Event{
		Kind:    engine.EventChannelOpened,
		Channel: DataChannelID,
		Label:   label,
	})
}

func (c *Conn) onChannelOpenAck() {
	if !c.channelOpening {
		return
	}
	c.channelOpening = false
	c.channelOpen = true
	c.events = append(c.events, engine.Event{
		Kind:    engine.EventChannelOpened,
		Channel: DataChannelID,
		Label:   c.label,
	})
}

func (c *Conn) onChannelData(attrs []wire.Attr) {
	if !c.channelOpen {
		log.Debug().Uint64("token", c.token).Msg("tether: data before channel open, dropped")
		return
	}
	if !channelIDMatches(attrs) {
		return
	}
	payload, ok := wire.GetAttr(attrs, wire.AttrPayload)
	if !ok {
		return
	}
	data, err := payload.Bytes()
	if err != nil {
		return
	}
	c.events = append(c.events, engine.Event{
		Kind:    engine.EventChannelData,
		Channel: DataChannelID,
		Data:    data,
	})
}

func (c *Conn) onChannelClose(attrs []wire.Attr) {
	if !c.channelOpen || !channelIDMatches(attrs) {
		return
	}
	c.channelOpen = false
	c.events = append(c.events, engine.Event{
		Kind:    engine.EventChannelClosed,
		Channel: DataChannelID,
	})
}

func channelIDMatches(attrs []wire.Attr) bool {
	a, ok := wire.GetAttr(attrs, wire.AttrChannelID)
	if !ok {
		return false
	}
	id, err := a.U16()
	return err == nil && engine.ChannelID(id) == DataChannelID
}
