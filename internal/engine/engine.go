// Package engine defines the contract between the session loop and a
// transport negotiation machine. Implementations perform no I/O: they
// consume datagrams and clock ticks, and emit datagrams, events and
// wake-up deadlines through polling.
package engine

import (
	"net/netip"
	"time"
)

// ChannelID identifies one sub-channel within a connection.
type ChannelID uint16

// State is the connectivity state of a connection machine.
type State uint8

const (
	StateChecking State = iota + 1
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transmit is one outgoing datagram ready to be written to the socket.
type Transmit struct {
	Src     netip.AddrPort
	Dst     netip.AddrPort
	Payload []byte
}

// EventKind discriminates Event.
type EventKind uint8

const (
	EventStateChanged EventKind = iota + 1
	EventChannelOpened
	EventChannelClosed
	EventChannelData
)

// Event is one state transition or channel notification surfaced by the
// machine. Channel fields are set for channel events, State for
// EventStateChanged.
type Event struct {
	Kind    EventKind
	State   State
	Channel ChannelID
	Label   string
	Data    []byte
}

// OutputKind discriminates Output.
type OutputKind uint8

const (
	OutputTransmit OutputKind = iota + 1
	OutputEvent
	OutputDeadline
)

// Output is one result of polling: exactly one of a datagram to send,
// an event to handle, or, once both are drained, the deadline by which
// the machine must be ticked again.
type Output struct {
	Kind     OutputKind
	Transmit Transmit
	Event    Event
	Deadline time.Time
}

func TransmitOutput(t Transmit) Output {
	return Output{Kind: OutputTransmit, Transmit: t}
}

func EventOutput(e Event) Output {
	return Output{Kind: OutputEvent, Event: e}
}

func DeadlineOutput(d time.Time) Output {
	return Output{Kind: OutputDeadline, Deadline: d}
}

// Conn is one transport negotiation machine. A Conn is owned by exactly
// one session and is never called concurrently.
type Conn interface {
	// PollOutput never blocks and is called repeatedly until it yields
	// an OutputDeadline.
	PollOutput(now time.Time) Output

	// HandleReceive feeds one inbound datagram already attributed to
	// this connection. A non-nil error means the datagram was
	// unprocessable; the machine decides whether that is fatal.
	HandleReceive(now time.Time, src, dst netip.AddrPort, payload []byte) error

	// HandleTick advances the machine's clock.
	HandleTick(now time.Time)

	// Accepts reports whether an inbound datagram belongs to this
	// connection. It must not mutate state.
	Accepts(src, dst netip.AddrPort, payload []byte) bool

	// AddLocalCandidate offers the machine a fresh local address to
	// renegotiate connectivity through.
	AddLocalCandidate(addr netip.AddrPort) error

	// WriteChannel queues application data on an open sub-channel.
	WriteChannel(id ChannelID, data []byte) (int, error)

	// Disconnect forces the machine toward terminal closure.
	Disconnect()

	// Closed reports terminal state. Once true it never reverts.
	Closed() bool
}
