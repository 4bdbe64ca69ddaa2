package tether

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidConfig = errors.New("tether: invalid config")

// Config defines the machine's timing behavior.
type Config struct {
	// HandshakeInterval is the hello retransmit cadence while checking.
	HandshakeInterval time.Duration
	// ProbeInterval is the keepalive cadence while connected.
	ProbeInterval time.Duration
	// DisconnectAfter is how long the machine tolerates silence before
	// going terminal.
	DisconnectAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		HandshakeInterval: time.Second,
		ProbeInterval:     2 * time.Second,
		DisconnectAfter:   30 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.HandshakeInterval <= 0 {
		return fmt.Errorf("%w: handshake interval must be positive", ErrInvalidConfig)
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("%w: probe interval must be positive", ErrInvalidConfig)
	}
	if c.DisconnectAfter <= c.ProbeInterval {
		return fmt.Errorf("%w: disconnect window must exceed the probe interval", ErrInvalidConfig)
	}
	return nil
}

// NewLinkToken mints the random 64-bit fingerprint a connection is
// demultiplexed by.
func NewLinkToken() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("tether: link token: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}
