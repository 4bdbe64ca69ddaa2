package session

import (
	"net/netip"
	"time"

	"github.com/rs/zerolog/log"
)

// SweepResult summarizes one pass of the health sweep.
type SweepResult struct {
	Recovered []uint64
	Exhausted []uint64
}

// Sweep applies the recovery policy to every live session in insertion
// order. Each candidate gets one renegotiation push: a fresh local
// candidate offered to its machine, one more restart attempt on the
// books, failure run cleared. Exhausted sessions are reported and left
// alone.
func (r *Registry) Sweep(p Policy, now time.Time, local netip.AddrPort) SweepResult {
	var res SweepResult
	r.ForEach(func(s *Session, h *Health) {
		switch p.Evaluate(h, now) {
		case DecisionRecover:
			if err := s.Conn.AddLocalCandidate(local); err != nil {
				log.Warn().
					Err(err).
					Uint64("session_id", s.ID).
					Stringer("candidate", local).
					Msg("session: recovery candidate rejected")
			}
			h.MarkRecovery()
			res.Recovered = append(res.Recovered, s.ID)
			log.Info().
				Uint64("session_id", s.ID).
				Int("attempt", h.RestartAttempts).
				Dur("inactive", h.Inactive(now)).
				Stringer("candidate", local).
				Msg("session: forcing renegotiation")
		case DecisionExhausted:
			res.Exhausted = append(res.Exhausted, s.ID)
			log.Warn().
				Uint64("session_id", s.ID).
				Int("attempts", h.RestartAttempts).
				Dur("inactive", h.Inactive(now)).
				Msg("session: recovery attempts exhausted")
		}
	})
	return res
}
