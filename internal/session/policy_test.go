package session

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/roverlink/internal/testutil/testlog"
)

func TestDefaultPolicyThresholds(t *testing.T) {
	testlog.Start(t)
	p := DefaultPolicy()
	if p.InactivityThreshold != 10*time.Second {
		t.Fatalf("inactivity threshold: %v", p.InactivityThreshold)
	}
	if p.FailureThreshold != 3 {
		t.Fatalf("failure threshold: %d", p.FailureThreshold)
	}
	if p.MaxRestartAttempts != 3 {
		t.Fatalf("attempt ceiling: %d", p.MaxRestartAttempts)
	}
	if p.SweepInterval != 5*time.Second {
		t.Fatalf("sweep interval: %v", p.SweepInterval)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
}

func TestPolicyValidateRejectsZeroIntervals(t *testing.T) {
	testlog.Start(t)
	p := DefaultPolicy()
	p.SweepInterval = 0
	if err := p.Validate(); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
	p = DefaultPolicy()
	p.InactivityThreshold = -time.Second
	if err := p.Validate(); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
}

func TestEvaluateInactivityAloneIsNotEnough(t *testing.T) {
	testlog.Start(t)
	p := DefaultPolicy()
	t0 := time.Unix(1700000000, 0)
	h := NewHealth(t0)

	// Silent for 11s but the failure run is below the threshold.
	h.ConsecutiveFailures = 3
	if got := p.Evaluate(h, t0.Add(11*time.Second)); got != DecisionLeave {
		t.Fatalf("inactivity alone must not trigger recovery: %v", got)
	}
}

func TestEvaluateFailuresAloneAreNotEnough(t *testing.T) {
	testlog.Start(t)
	p := DefaultPolicy()
	t0 := time.Unix(1700000000, 0)
	h := NewHealth(t0)

	// Plenty of failures but recent activity.
	h.ConsecutiveFailures = 10
	if got := p.Evaluate(h, t0.Add(9*time.Second)); got != DecisionLeave {
		t.Fatalf("failures alone must not trigger recovery: %v", got)
	}
}

func TestEvaluateThresholdsAreStrict(t *testing.T) {
	testlog.Start(t)
	p := DefaultPolicy()
	t0 := time.Unix(1700000000, 0)

	h := NewHealth(t0)
	h.ConsecutiveFailures = 4
	if got := p.Evaluate(h, t0.Add(10*time.Second)); got != DecisionLeave {
		t.Fatalf("inactivity exactly at threshold must not trigger: %v", got)
	}
	if got := p.Evaluate(h, t0.Add(10*time.Second+time.Millisecond)); got != DecisionRecover {
		t.Fatalf("inactivity past threshold with failures past threshold must trigger: %v", got)
	}

	h.ConsecutiveFailures = 3
	if got := p.Evaluate(h, t0.Add(11*time.Second)); got != DecisionLeave {
		t.Fatalf("failures exactly at threshold must not trigger: %v", got)
	}
}

func TestEvaluateCeilingBlocksRecovery(t *testing.T) {
	testlog.Start(t)
	p := DefaultPolicy()
	t0 := time.Unix(1700000000, 0)

	h := NewHealth(t0)
	h.ConsecutiveFailures = 4
	h.RestartAttempts = 2
	if got := p.Evaluate(h, t0.Add(11*time.Second)); got != DecisionRecover {
		t.Fatalf("attempts below ceiling must recover: %v", got)
	}

	h.RestartAttempts = 3
	if got := p.Evaluate(h, t0.Add(11*time.Second)); got != DecisionExhausted {
		t.Fatalf("attempts at ceiling must be exhausted: %v", got)
	}
	if !p.Exhausted(h) {
		t.Fatalf("Exhausted() should report spent budget")
	}
}
