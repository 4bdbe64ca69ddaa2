// Package session holds the per-connection state the loop schedules:
// sessions wrapping one connection machine each, their health records,
// the registry that owns them, and the recovery policy.
package session

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/danmuck/roverlink/internal/engine"
)

var ErrChannelNotReady = errors.New("session: data channel not ready")

// nextSessionID is process-wide and never reused.
var nextSessionID atomic.Uint64

// Identity is the remote fingerprint a session is known by: the peer
// address observed at negotiation time plus the negotiated link token.
type Identity struct {
	Remote    netip.AddrPort
	LinkToken uint64
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%016x", id.Remote, id.LinkToken)
}

// Session binds one connection machine to a loop-owned identity and
// tracks readiness of its data channel.
type Session struct {
	ID     uint64
	Conn   engine.Conn
	Remote Identity

	channel engine.ChannelID
	ready   bool
}

// NewSession allocates the next session id. Ids are monotonic for the
// life of the process.
func NewSession(conn engine.Conn, remote Identity) *Session {
	return &Session{
		ID:     nextSessionID.Add(1),
		Conn:   conn,
		Remote: remote,
	}
}

// TrackEvent records channel lifecycle transitions surfaced by the
// machine. Other event kinds are left to the caller.
func (s *Session) TrackEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.EventChannelOpened:
		s.channel = ev.Channel
		s.ready = true
	case engine.EventChannelClosed:
		if ev.Channel == s.channel {
			s.ready = false
		}
	}
}

// ChannelReady reports whether the data channel is open.
func (s *Session) ChannelReady() bool {
	return s.ready
}

// Write queues application data on the open data channel.
func (s *Session) Write(data []byte) (int, error) {
	if !s.ready {
		return 0, ErrChannelNotReady
	}
	return s.Conn.WriteChannel(s.channel, data)
}
