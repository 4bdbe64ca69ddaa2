package session

import (
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/roverlink/internal/engine"
)

// Registry owns every live session and its health record. It is not
// safe for concurrent use: exactly one goroutine, the event loop, may
// touch it. Sessions born elsewhere reach that goroutine over a channel.
type Registry struct {
	order    []uint64
	sessions map[uint64]*Session
	health   map[uint64]*Health
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uint64]*Session),
		health:   make(map[uint64]*Health),
	}
}

// Insert wraps the machine in a new session and creates its health
// record with the activity clock started at now.
func (r *Registry) Insert(conn engine.Conn, remote Identity, now time.Time) *Session {
	s := NewSession(conn, remote)
	r.order = append(r.order, s.ID)
	r.sessions[s.ID] = s
	r.health[s.ID] = NewHealth(now)
	log.Debug().Uint64("session_id", s.ID).Stringer("remote", remote).Msg("session: registered")
	return s
}

// Remove deletes the session and its health record together. Removing
// an unknown id is a no-op.
func (r *Registry) Remove(id uint64) bool {
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	delete(r.health, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	log.Debug().Uint64("session_id", id).Msg("session: removed")
	return true
}

func (r *Registry) Get(id uint64) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) HealthFor(id uint64) (*Health, bool) {
	h, ok := r.health[id]
	return h, ok
}

func (r *Registry) Len() int {
	return len(r.sessions)
}

// ForEach visits every live session in insertion order. Sessions
// removed by fn are not revisited; sessions inserted by fn are not
// visited until the next pass.
func (r *Registry) ForEach(fn func(*Session, *Health)) {
	ids := append([]uint64(nil), r.order...)
	for _, id := range ids {
		s, ok := r.sessions[id]
		if !ok {
			continue
		}
		fn(s, r.health[id])
	}
}

// FindOwner returns the session whose machine claims the datagram. At
// most one session matches a given link token.
func (r *Registry) FindOwner(src, dst netip.AddrPort, payload []byte) (*Session, *Health, bool) {
	for _, id := range r.order {
		s := r.sessions[id]
		if s.Conn.Accepts(src, dst, payload) {
			return s, r.health[id], true
		}
	}
	return nil, nil, false
}

// MarkFailureAll records one delivery failure against every live
// session and returns how many were touched.
func (r *Registry) MarkFailureAll() int {
	n := 0
	for _, h := range r.health {
		h.MarkFailure()
		n++
	}
	return n
}

// EvictClosed removes every session whose machine reached terminal
// state and returns them for the caller to log.
func (r *Registry) EvictClosed() []*Session {
	var evicted []*Session
	for _, id := range append([]uint64(nil), r.order...) {
		s := r.sessions[id]
		if s.Conn.Closed() {
			r.Remove(id)
			evicted = append(evicted, s)
		}
	}
	return evicted
}
