package session

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidPolicy = errors.New("session: invalid recovery policy")

// Decision is the sweep's verdict for one health record.
type Decision uint8

const (
	// DecisionLeave: the session is not degraded enough to touch.
	DecisionLeave Decision = iota + 1
	// DecisionRecover: force renegotiation now.
	DecisionRecover
	// DecisionExhausted: degraded, but the attempt ceiling blocks
	// further recovery.
	DecisionExhausted
)

// Policy holds the recovery thresholds and the sweep cadence.
type Policy struct {
	InactivityThreshold time.Duration
	FailureThreshold    int
	MaxRestartAttempts  int
	SweepInterval       time.Duration
}

// DefaultPolicy returns the deployment defaults: sweep every 5s,
// recover after 10s of silence and more than 3 failures, give up after
// 3 restart attempts.
func DefaultPolicy() Policy {
	return Policy{
		InactivityThreshold: 10 * time.Second,
		FailureThreshold:    3,
		MaxRestartAttempts:  3,
		SweepInterval:       5 * time.Second,
	}
}

func (p Policy) Validate() error {
	if p.InactivityThreshold <= 0 {
		return fmt.Errorf("%w: inactivity threshold must be positive", ErrInvalidPolicy)
	}
	if p.FailureThreshold < 0 {
		return fmt.Errorf("%w: failure threshold must not be negative", ErrInvalidPolicy)
	}
	if p.MaxRestartAttempts < 0 {
		return fmt.Errorf("%w: attempt ceiling must not be negative", ErrInvalidPolicy)
	}
	if p.SweepInterval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive", ErrInvalidPolicy)
	}
	return nil
}

// Evaluate classifies one health record. A session is degraded only
// when the inactivity and failure thresholds are both exceeded; the
// attempt ceiling then decides between recovery and exhaustion.
func (p Policy) Evaluate(h *Health, now time.Time) Decision {
	if h.Inactive(now) <= p.InactivityThreshold {
		return DecisionLeave
	}
	if h.ConsecutiveFailures <= p.FailureThreshold {
		return DecisionLeave
	}
	if h.RestartAttempts >= p.MaxRestartAttempts {
		return DecisionExhausted
	}
	return DecisionRecover
}

// Exhausted reports whether the record's restart budget is spent.
func (p Policy) Exhausted(h *Health) bool {
	return h.RestartAttempts >= p.MaxRestartAttempts
}
