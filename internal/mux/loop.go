// Package mux runs the event loop: one goroutine, one socket, many
// sessions. It polls every machine for output, demultiplexes inbound
// datagrams to their owners, applies the health sweep, and sleeps no
// longer than the nearest deadline.
package mux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/roverlink/internal/engine"
	"github.com/danmuck/roverlink/internal/netutil"
	"github.com/danmuck/roverlink/internal/observability"
	"github.com/danmuck/roverlink/internal/session"
)

var ErrQueueFull = errors.New("mux: adoption queue full")

// Incoming is one freshly negotiated machine waiting for the loop to
// adopt it.
type Incoming struct {
	Conn   engine.Conn
	Remote session.Identity
}

// DataFunc receives application bytes surfaced by a session's channel.
type DataFunc func(s *session.Session, data []byte)

// OpenFunc runs when a session's channel becomes ready. It executes on
// the loop goroutine, so writing back through the session is safe.
type OpenFunc func(s *session.Session, label string)

// StatusFunc builds a broadcast payload. A nil return skips the round.
type StatusFunc func(now time.Time) []byte

// SessionStatus is a point-in-time view of one session.
type SessionStatus struct {
	ID           uint64    `json:"id"`
	Remote       string    `json:"remote"`
	ChannelReady bool      `json:"channel_ready"`
	LastActivity time.Time `json:"last_activity"`
	Failures     int       `json:"consecutive_failures"`
	Attempts     int       `json:"restart_attempts"`
	Exhausted    bool      `json:"exhausted"`
}

// Loop multiplexes one socket across every live session. All session
// and registry state is confined to the goroutine running Run; other
// goroutines interact only through Submit and Snapshot.
type Loop struct {
	cfg      Config
	pc       PacketConn
	reg      *session.Registry
	incoming chan Incoming
	onData   DataFunc
	onOpen   OpenFunc
	onStatus StatusFunc
	buf      []byte
	local    netip.AddrPort
	sweepAt  time.Time
	statusAt time.Time
	snapshot atomic.Pointer[[]SessionStatus]
}

func New(cfg Config, pc PacketConn) (*Loop, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Loop{
		cfg:      cfg,
		pc:       pc,
		reg:      session.NewRegistry(),
		incoming: make(chan Incoming, cfg.IncomingBuffer),
		buf:      make([]byte, cfg.ReadBufferBytes),
		local:    localAddrPort(pc),
	}
	l.snapshot.Store(&[]SessionStatus{})
	return l, nil
}

// Local reports the socket address the loop reads from.
func (l *Loop) Local() netip.AddrPort {
	return l.local
}

// OnChannelData installs the channel data callback. Set before Run.
func (l *Loop) OnChannelData(fn DataFunc) {
	l.onData = fn
}

// OnChannelOpen installs the channel-ready callback. Set before Run.
func (l *Loop) OnChannelOpen(fn OpenFunc) {
	l.onOpen = fn
}

// OnStatus installs the status broadcast builder. Set before Run.
func (l *Loop) OnStatus(fn StatusFunc) {
	l.onStatus = fn
}

// Submit hands a negotiated machine to the loop without blocking.
func (l *Loop) Submit(inc Incoming) error {
	select {
	case l.incoming <- inc:
		return nil
	default:
		return ErrQueueFull
	}
}

// Snapshot returns the most recent per-session view published by the
// loop. Safe from any goroutine.
func (l *Loop) Snapshot() []SessionStatus {
	return *l.snapshot.Load()
}

func (l *Loop) Run(ctx context.Context) error {
	now := time.Now()
	l.sweepAt = now.Add(l.cfg.Policy.SweepInterval)
	if l.cfg.StatusInterval > 0 {
		l.statusAt = now.Add(l.cfg.StatusInterval)
	}
	log.Info().
		Str("node", l.cfg.Node).
		Stringer("socket", l.local).
		Dur("sweep_interval", l.cfg.Policy.SweepInterval).
		Msg("mux: loop running")

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			log.Info().Str("node", l.cfg.Node).Msg("mux: loop stopped")
			return nil
		default:
		}
		if err := l.iterate(ctx); err != nil {
			return err
		}
	}
}

func (l *Loop) iterate(ctx context.Context) error {
	now := time.Now()
	l.evictClosed()
	l.adopt(now)

	deadline := l.pollSessions(now)

	wait := deadline.Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	if wait > l.cfg.PollCap {
		wait = l.cfg.PollCap
	}
	if err := l.pc.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return fmt.Errorf("mux: set read deadline: %w", err)
	}
	n, src, rerr := l.pc.ReadFromUDPAddrPort(l.buf)
	now = time.Now()
	switch {
	case rerr == nil:
		l.demux(now, src, l.buf[:n])
	case isTimeout(rerr):
		// Quiet socket; deadlines drive this iteration.
	case ctx.Err() != nil:
		return nil
	default:
		return fmt.Errorf("mux: socket read: %w", rerr)
	}

	if !l.sweepAt.After(now) {
		l.sweep(now)
	}
	if l.cfg.StatusInterval > 0 && !l.statusAt.After(now) {
		if l.onStatus != nil {
			l.broadcast(now)
		}
		l.statusAt = now.Add(l.cfg.StatusInterval)
	}

	l.reg.ForEach(func(s *session.Session, _ *session.Health) {
		s.Conn.HandleTick(now)
	})

	l.publishSnapshot()
	return nil
}

// pollSessions drains every machine's transmits and events, then folds
// all pending deadlines into the single wake-up for this iteration.
func (l *Loop) pollSessions(now time.Time) time.Time {
	deadline := now.Add(l.cfg.PollCap)
	l.reg.ForEach(func(s *session.Session, h *session.Health) {
		for {
			out := s.Conn.PollOutput(now)
			switch out.Kind {
			case engine.OutputTransmit:
				l.transmit(s, h, out.Transmit)
			case engine.OutputEvent:
				l.handleEvent(s, out.Event)
			case engine.OutputDeadline:
				if out.Deadline.Before(deadline) {
					deadline = out.Deadline
				}
				return
			default:
				return
			}
		}
	})
	if l.sweepAt.Before(deadline) {
		deadline = l.sweepAt
	}
	if l.cfg.StatusInterval > 0 && !l.statusAt.IsZero() && l.statusAt.Before(deadline) {
		deadline = l.statusAt
	}
	return deadline
}

func (l *Loop) transmit(s *session.Session, h *session.Health, t engine.Transmit) {
	if _, err := l.pc.WriteToUDPAddrPort(t.Payload, t.Dst); err != nil {
		h.MarkFailure()
		observability.RecordSendFailure(l.cfg.Node)
		log.Debug().
			Err(err).
			Uint64("session_id", s.ID).
			Stringer("dst", t.Dst).
			Msg("mux: send failed")
		return
	}
	observability.RecordDatagramTx(l.cfg.Node)
}

func (l *Loop) handleEvent(s *session.Session, ev engine.Event) {
	s.TrackEvent(ev)
	switch ev.Kind {
	case engine.EventStateChanged:
		log.Info().
			Uint64("session_id", s.ID).
			Stringer("state", ev.State).
			Msg("mux: session state changed")
	case engine.EventChannelOpened:
		log.Info().
			Uint64("session_id", s.ID).
			Uint16("channel", uint16(ev.Channel)).
			Str("label", ev.Label).
			Msg("mux: channel opened")
		if l.onOpen != nil {
			l.onOpen(s, ev.Label)
		}
	case engine.EventChannelClosed:
		log.Info().
			Uint64("session_id", s.ID).
			Uint16("channel", uint16(ev.Channel)).
			Msg("mux: channel closed")
	case engine.EventChannelData:
		if l.onData != nil {
			l.onData(s, ev.Data)
		}
	}
}

// demux routes one inbound datagram. Owned datagrams refresh their
// session's activity clock; unowned ones count against every live
// session, since any of them could be the one whose traffic went
// astray.
func (l *Loop) demux(now time.Time, src netip.AddrPort, payload []byte) {
	s, h, ok := l.reg.FindOwner(src, l.local, payload)
	if !ok {
		penalized := l.reg.MarkFailureAll()
		observability.RecordDatagramRx(l.cfg.Node, false)
		log.Debug().
			Stringer("src", src).
			Int("penalized", penalized).
			Msg("mux: unattributed datagram")
		return
	}
	observability.RecordDatagramRx(l.cfg.Node, true)
	h.MarkActivity(now)
	if err := s.Conn.HandleReceive(now, src, l.local, payload); err != nil {
		log.Warn().
			Err(err).
			Uint64("session_id", s.ID).
			Msg("mux: receive failed, disconnecting session")
		s.Conn.Disconnect()
	}
}

func (l *Loop) sweep(now time.Time) {
	started := time.Now()
	res := l.reg.Sweep(l.cfg.Policy, now, l.recoveryCandidate())
	for range res.Recovered {
		observability.RecordRecovery(l.cfg.Node)
	}
	observability.SetExhaustedSessions(l.cfg.Node, len(res.Exhausted))
	observability.ObserveSweep(l.cfg.Node, time.Since(started))
	l.sweepAt = now.Add(l.cfg.Policy.SweepInterval)
}

// recoveryCandidate is the fresh local address offered to degraded
// machines. A wildcard bind is substituted with a routable host
// address so the peer can actually reach what we advertise.
func (l *Loop) recoveryCandidate() netip.AddrPort {
	if !l.local.Addr().IsUnspecified() {
		return l.local
	}
	if host, ok := netutil.SelectHostAddr(); ok {
		return netip.AddrPortFrom(host, l.local.Port())
	}
	return l.local
}

func (l *Loop) broadcast(now time.Time) {
	payload := l.onStatus(now)
	if payload == nil {
		return
	}
	sent := 0
	l.reg.ForEach(func(s *session.Session, h *session.Health) {
		if !s.ChannelReady() {
			return
		}
		if _, err := s.Write(payload); err != nil {
			h.MarkFailure()
			observability.RecordSendFailure(l.cfg.Node)
			log.Debug().
				Err(err).
				Uint64("session_id", s.ID).
				Msg("mux: broadcast write failed")
			return
		}
		sent++
	})
	if sent > 0 {
		log.Debug().Int("sessions", sent).Msg("mux: status broadcast queued")
	}
}

func (l *Loop) adopt(now time.Time) {
	adopted := false
	for {
		select {
		case inc := <-l.incoming:
			s := l.reg.Insert(inc.Conn, inc.Remote, now)
			adopted = true
			log.Info().
				Uint64("session_id", s.ID).
				Stringer("remote", inc.Remote).
				Msg("mux: session adopted")
		default:
			if adopted {
				observability.SetLiveSessions(l.cfg.Node, l.reg.Len())
			}
			return
		}
	}
}

func (l *Loop) evictClosed() {
	evicted := l.reg.EvictClosed()
	for _, s := range evicted {
		log.Info().
			Uint64("session_id", s.ID).
			Stringer("remote", s.Remote).
			Msg("mux: session closed, evicted")
	}
	if len(evicted) > 0 {
		observability.SetLiveSessions(l.cfg.Node, l.reg.Len())
	}
}

// shutdown pushes goodbyes out before the loop exits.
func (l *Loop) shutdown() {
	now := time.Now()
	l.reg.ForEach(func(s *session.Session, h *session.Health) {
		s.Conn.Disconnect()
		for {
			out := s.Conn.PollOutput(now)
			switch out.Kind {
			case engine.OutputTransmit:
				l.transmit(s, h, out.Transmit)
			case engine.OutputEvent:
				// Terminal events have nowhere to go now.
			default:
				return
			}
		}
	})
}

func (l *Loop) publishSnapshot() {
	snap := make([]SessionStatus, 0, l.reg.Len())
	l.reg.ForEach(func(s *session.Session, h *session.Health) {
		snap = append(snap, SessionStatus{
			ID:           s.ID,
			Remote:       s.Remote.String(),
			ChannelReady: s.ChannelReady(),
			LastActivity: h.LastActivity,
			Failures:     h.ConsecutiveFailures,
			Attempts:     h.RestartAttempts,
			Exhausted:    l.cfg.Policy.Exhausted(h),
		})
	})
	l.snapshot.Store(&snap)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
