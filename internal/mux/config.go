package mux

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/roverlink/internal/session"
)

var ErrInvalidConfig = errors.New("mux: invalid config")

// Config defines the loop's scheduling behavior.
type Config struct {
	// Node labels this loop in logs and metrics.
	Node string
	// PollCap bounds how long one iteration may sleep in the socket.
	PollCap time.Duration
	// ReadBufferBytes sizes the datagram receive buffer.
	ReadBufferBytes int
	// StatusInterval is the broadcast cadence for the status callback.
	// Zero disables broadcasting.
	StatusInterval time.Duration
	// IncomingBuffer is the capacity of the adoption queue between the
	// signaling boundary and the loop.
	IncomingBuffer int
	Policy         session.Policy
}

func DefaultConfig() Config {
	return Config{
		Node:            "roverlink",
		PollCap:         100 * time.Millisecond,
		ReadBufferBytes: 2000,
		StatusInterval:  0,
		IncomingBuffer:  16,
		Policy:          session.DefaultPolicy(),
	}
}

// WithDefaults fills unset fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Node == "" {
		c.Node = def.Node
	}
	if c.PollCap <= 0 {
		c.PollCap = def.PollCap
	}
	if c.ReadBufferBytes <= 0 {
		c.ReadBufferBytes = def.ReadBufferBytes
	}
	if c.IncomingBuffer <= 0 {
		c.IncomingBuffer = def.IncomingBuffer
	}
	if c.Policy == (session.Policy{}) {
		c.Policy = def.Policy
	}
	return c
}

func (c Config) Validate() error {
	if c.PollCap <= 0 {
		return fmt.Errorf("%w: poll cap must be positive", ErrInvalidConfig)
	}
	if c.ReadBufferBytes < 1200 {
		return fmt.Errorf("%w: read buffer too small for one datagram", ErrInvalidConfig)
	}
	if c.StatusInterval < 0 {
		return fmt.Errorf("%w: status interval must not be negative", ErrInvalidConfig)
	}
	return c.Policy.Validate()
}
