package mux

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/roverlink/internal/engine"
	"github.com/danmuck/roverlink/internal/session"
	"github.com/danmuck/roverlink/internal/testutil/testlog"
)

var (
	loopLocal = netip.MustParseAddrPort("192.0.2.10:9000")
	remoteA   = netip.MustParseAddrPort("198.51.100.4:7000")
	remoteB   = netip.MustParseAddrPort("198.51.100.5:7000")
)

type inbound struct {
	src     netip.AddrPort
	payload []byte
}

type outbound struct {
	dst     netip.AddrPort
	payload []byte
}

// fakeSocket is an in-memory PacketConn. Reads block until the next
// injected datagram or the configured deadline, whichever comes first.
type fakeSocket struct {
	local netip.AddrPort
	inbox chan inbound

	mu       sync.Mutex
	deadline time.Time
	sent     []outbound
	jammed   map[netip.AddrPort]bool
}

func newFakeSocket(local netip.AddrPort) *fakeSocket {
	return &fakeSocket{
		local:  local,
		inbox:  make(chan inbound, 32),
		jammed: make(map[netip.AddrPort]bool),
	}
}

func (f *fakeSocket) ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error) {
	f.mu.Lock()
	wait := time.Until(f.deadline)
	f.mu.Unlock()
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case in := <-f.inbox:
		return copy(b, in.payload), in.src, nil
	case <-timer.C:
		return 0, netip.AddrPort{}, os.ErrDeadlineExceeded
	}
}

func (f *fakeSocket) WriteToUDPAddrPort(b []byte, dst netip.AddrPort) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jammed[dst] {
		return 0, errors.New("destination jammed")
	}
	f.sent = append(f.sent, outbound{dst: dst, payload: append([]byte(nil), b...)})
	return len(b), nil
}

func (f *fakeSocket) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	f.deadline = t
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(f.local)
}

func (f *fakeSocket) Close() error { return nil }

func (f *fakeSocket) jam(dst netip.AddrPort) {
	f.mu.Lock()
	f.jammed[dst] = true
	f.mu.Unlock()
}

func (f *fakeSocket) inject(src netip.AddrPort, payload []byte) {
	f.inbox <- inbound{src: src, payload: append([]byte(nil), payload...)}
}

func (f *fakeSocket) sentTo(dst netip.AddrPort) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, o := range f.sent {
		if o.dst == dst {
			out = append(out, o.payload)
		}
	}
	return out
}

// scriptConn is a hand-driven machine for loop tests. It claims any
// payload starting with its prefix and replays whatever transmits and
// events the test loads into it.
type scriptConn struct {
	mu         sync.Mutex
	prefix     []byte
	outbox     []engine.Transmit
	events     []engine.Event
	received   [][]byte
	written    [][]byte
	candidates []netip.AddrPort
	byeDst     netip.AddrPort
	closed     bool
}

func (c *scriptConn) PollOutput(now time.Time) engine.Output {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outbox) > 0 {
		t := c.outbox[0]
		c.outbox = c.outbox[1:]
		return engine.TransmitOutput(t)
	}
	if len(c.events) > 0 {
		ev := c.events[0]
		c.events = c.events[1:]
		return engine.EventOutput(ev)
	}
	return engine.DeadlineOutput(now.Add(time.Hour))
}

func (c *scriptConn) HandleReceive(now time.Time, src, dst netip.AddrPort, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, append([]byte(nil), payload...))
	return nil
}

func (c *scriptConn) HandleTick(now time.Time) {}

func (c *scriptConn) Accepts(src, dst netip.AddrPort, payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prefix) > 0 && bytes.HasPrefix(payload, c.prefix)
}

func (c *scriptConn) AddLocalCandidate(addr netip.AddrPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, addr)
	return nil
}

func (c *scriptConn) WriteChannel(id engine.ChannelID, data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return len(data), nil
}

func (c *scriptConn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.byeDst.IsValid() {
		c.outbox = append(c.outbox, engine.Transmit{Src: loopLocal, Dst: c.byeDst, Payload: []byte("bye")})
	}
}

func (c *scriptConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *scriptConn) setClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *scriptConn) receivedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

func (c *scriptConn) writtenPayloads() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

func (c *scriptConn) candidateList() []netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]netip.AddrPort(nil), c.candidates...)
}

func testConfig() Config {
	return Config{
		Node:            "test",
		PollCap:         10 * time.Millisecond,
		ReadBufferBytes: 2000,
		IncomingBuffer:  4,
		Policy: session.Policy{
			InactivityThreshold: time.Hour,
			FailureThreshold:    3,
			MaxRestartAttempts:  3,
			SweepInterval:       time.Hour,
		},
	}
}

func startLoop(t *testing.T, l *Loop) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("loop exited with error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("loop did not stop")
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func submit(t *testing.T, l *Loop, c engine.Conn, remote netip.AddrPort, token uint64) {
	t.Helper()
	inc := Incoming{Conn: c, Remote: session.Identity{Remote: remote, LinkToken: token}}
	if err := l.Submit(inc); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func TestSubmitBackpressure(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.IncomingBuffer = 1
	l, err := New(cfg, newFakeSocket(loopLocal))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first := Incoming{Conn: &scriptConn{}, Remote: session.Identity{Remote: remoteA, LinkToken: 1}}
	if err := l.Submit(first); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second := Incoming{Conn: &scriptConn{}, Remote: session.Identity{Remote: remoteB, LinkToken: 2}}
	if err := l.Submit(second); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestLoopFlushesQueuedTransmits(t *testing.T) {
	testlog.Start(t)

	f := newFakeSocket(loopLocal)
	l, err := New(testConfig(), f)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn := &scriptConn{
		prefix: []byte("AA"),
		outbox: []engine.Transmit{{Src: loopLocal, Dst: remoteA, Payload: []byte("ping")}},
	}
	submit(t, l, conn, remoteA, 0x11)
	startLoop(t, l)

	waitFor(t, "transmit flush", func() bool {
		return len(f.sentTo(remoteA)) == 1
	})
	if got := f.sentTo(remoteA)[0]; !bytes.Equal(got, []byte("ping")) {
		t.Fatalf("unexpected payload on the wire: %q", got)
	}

	snap := l.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 session in snapshot, got %d", len(snap))
	}
	if snap[0].Failures != 0 {
		t.Fatalf("clean send must not count as a failure, got %d", snap[0].Failures)
	}
}

func TestUnattributedDatagramPenalizesEveryone(t *testing.T) {
	testlog.Start(t)

	f := newFakeSocket(loopLocal)
	l, err := New(testConfig(), f)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	connA := &scriptConn{prefix: []byte("AA")}
	connB := &scriptConn{prefix: []byte("BB")}
	submit(t, l, connA, remoteA, 0x21)
	submit(t, l, connB, remoteB, 0x22)
	startLoop(t, l)

	waitFor(t, "adoption", func() bool { return len(l.Snapshot()) == 2 })

	f.inject(remoteA, []byte("ZZ nobody claims this"))

	waitFor(t, "shared penalty", func() bool {
		snap := l.Snapshot()
		return len(snap) == 2 && snap[0].Failures == 1 && snap[1].Failures == 1
	})
	if connA.receivedCount() != 0 || connB.receivedCount() != 0 {
		t.Fatalf("unowned datagram must not reach any machine")
	}
}

func TestActivityDoesNotForgiveFailures(t *testing.T) {
	testlog.Start(t)

	f := newFakeSocket(loopLocal)
	l, err := New(testConfig(), f)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn := &scriptConn{prefix: []byte("AA")}
	submit(t, l, conn, remoteA, 0x31)
	startLoop(t, l)

	waitFor(t, "adoption", func() bool { return len(l.Snapshot()) == 1 })

	f.inject(remoteA, []byte("ZZ junk"))
	waitFor(t, "penalty", func() bool {
		snap := l.Snapshot()
		return len(snap) == 1 && snap[0].Failures == 1
	})

	before := l.Snapshot()[0].LastActivity
	f.inject(remoteA, []byte("AA legitimate traffic"))
	waitFor(t, "delivery", func() bool { return conn.receivedCount() == 1 })

	snap := l.Snapshot()
	if !snap[0].LastActivity.After(before) {
		t.Fatalf("owned datagram must refresh the activity clock")
	}
	if snap[0].Failures != 1 {
		t.Fatalf("activity must not clear the failure count, got %d", snap[0].Failures)
	}
}

func TestSendFailureCountsAgainstOwner(t *testing.T) {
	testlog.Start(t)

	f := newFakeSocket(loopLocal)
	f.jam(remoteB)
	l, err := New(testConfig(), f)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	connA := &scriptConn{
		prefix: []byte("AA"),
		outbox: []engine.Transmit{{Src: loopLocal, Dst: remoteA, Payload: []byte("fine")}},
	}
	connB := &scriptConn{
		prefix: []byte("BB"),
		outbox: []engine.Transmit{{Src: loopLocal, Dst: remoteB, Payload: []byte("doomed")}},
	}
	submit(t, l, connA, remoteA, 0x41)
	submit(t, l, connB, remoteB, 0x42)
	startLoop(t, l)

	waitFor(t, "send failure accounting", func() bool {
		snap := l.Snapshot()
		return len(snap) == 2 && snap[1].Failures == 1
	})
	snap := l.Snapshot()
	if snap[0].Failures != 0 {
		t.Fatalf("healthy session must not share the blame, got %d failures", snap[0].Failures)
	}
	if len(f.sentTo(remoteA)) != 1 {
		t.Fatalf("healthy transmit should still reach the wire")
	}
}

func TestClosedSessionIsEvicted(t *testing.T) {
	testlog.Start(t)

	f := newFakeSocket(loopLocal)
	l, err := New(testConfig(), f)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn := &scriptConn{prefix: []byte("AA")}
	submit(t, l, conn, remoteA, 0x51)
	startLoop(t, l)

	waitFor(t, "adoption", func() bool { return len(l.Snapshot()) == 1 })

	conn.setClosed()
	waitFor(t, "eviction", func() bool { return len(l.Snapshot()) == 0 })
}

func TestSweepRecoversDegradedSession(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.Policy = session.Policy{
		InactivityThreshold: 100 * time.Millisecond,
		FailureThreshold:    3,
		MaxRestartAttempts:  3,
		SweepInterval:       30 * time.Millisecond,
	}
	f := newFakeSocket(loopLocal)
	l, err := New(cfg, f)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn := &scriptConn{prefix: []byte("AA")}
	submit(t, l, conn, remoteA, 0x61)
	startLoop(t, l)

	waitFor(t, "adoption", func() bool { return len(l.Snapshot()) == 1 })
	for i := 0; i < 4; i++ {
		f.inject(remoteA, []byte("ZZ noise"))
	}

	waitFor(t, "recovery", func() bool {
		snap := l.Snapshot()
		return len(snap) == 1 && snap[0].Attempts == 1 && snap[0].Failures == 0
	})

	cands := conn.candidateList()
	if len(cands) != 1 {
		t.Fatalf("expected exactly one recovery candidate, got %d", len(cands))
	}
	if cands[0] != loopLocal {
		t.Fatalf("recovery must offer the loop's socket address, got %s", cands[0])
	}
}

func TestStatusBroadcastReachesReadySessions(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.StatusInterval = 25 * time.Millisecond
	f := newFakeSocket(loopLocal)
	l, err := New(cfg, f)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ready := &scriptConn{
		prefix: []byte("AA"),
		events: []engine.Event{{Kind: engine.EventChannelOpened, Channel: 1, Label: "telemetry"}},
	}
	idle := &scriptConn{prefix: []byte("BB")}
	submit(t, l, ready, remoteA, 0x71)
	submit(t, l, idle, remoteB, 0x72)
	l.OnStatus(func(now time.Time) []byte { return []byte("status") })
	startLoop(t, l)

	waitFor(t, "broadcast", func() bool { return len(ready.writtenPayloads()) >= 1 })
	if got := ready.writtenPayloads()[0]; !bytes.Equal(got, []byte("status")) {
		t.Fatalf("unexpected broadcast payload: %q", got)
	}
	if n := len(idle.writtenPayloads()); n != 0 {
		t.Fatalf("session without an open channel must be skipped, got %d writes", n)
	}
}

func TestShutdownSendsGoodbyes(t *testing.T) {
	testlog.Start(t)

	f := newFakeSocket(loopLocal)
	l, err := New(testConfig(), f)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conn := &scriptConn{prefix: []byte("AA"), byeDst: remoteA}
	submit(t, l, conn, remoteA, 0x81)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	waitFor(t, "adoption", func() bool { return len(l.Snapshot()) == 1 })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("loop exited with error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not stop")
	}

	byes := f.sentTo(remoteA)
	if len(byes) == 0 {
		t.Fatalf("expected a goodbye on the wire before exit")
	}
	if got := byes[len(byes)-1]; !bytes.Equal(got, []byte("bye")) {
		t.Fatalf("unexpected final payload: %q", got)
	}
	if !conn.Closed() {
		t.Fatalf("shutdown must disconnect every session")
	}
}
