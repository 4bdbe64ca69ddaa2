package mux

import (
	"fmt"
	"net"
	"net/netip"
	"time"
)

// PacketConn is the datagram socket surface the loop drives.
// *net.UDPConn satisfies it.
type PacketConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// Listen binds the loop's UDP socket.
func Listen(bind string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return nil, fmt.Errorf("mux: resolve %q: %w", bind, err)
	}
	pc, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("mux: listen %q: %w", bind, err)
	}
	return pc, nil
}

func localAddrPort(pc PacketConn) netip.AddrPort {
	if ua, ok := pc.LocalAddr().(*net.UDPAddr); ok {
		return ua.AddrPort()
	}
	if ap, err := netip.ParseAddrPort(pc.LocalAddr().String()); err == nil {
		return ap
	}
	return netip.AddrPort{}
}
