package session

import "time"

// Health tracks liveness counters for one session. It is pure state:
// all I/O and clock reads happen in the caller.
type Health struct {
	LastActivity        time.Time
	ConsecutiveFailures int
	RestartAttempts     int
}

func NewHealth(now time.Time) *Health {
	return &Health{LastActivity: now}
}

// MarkActivity records attributed inbound traffic. It touches only the
// activity timestamp; failure runs end only through recovery.
func (h *Health) MarkActivity(now time.Time) {
	h.LastActivity = now
}

// MarkFailure records one delivery failure.
func (h *Health) MarkFailure() {
	h.ConsecutiveFailures++
}

// MarkRecovery records one restart attempt and clears the failure run.
// The activity timestamp is left untouched.
func (h *Health) MarkRecovery() {
	h.RestartAttempts++
	h.ConsecutiveFailures = 0
}

// Inactive reports how long the session has gone without attributed
// traffic.
func (h *Health) Inactive(now time.Time) time.Duration {
	return now.Sub(h.LastActivity)
}
