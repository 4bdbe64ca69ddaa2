// Package netutil resolves the host addresses a node can advertise to
// its peers.
package netutil

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

var ErrNoHostAddr = errors.New("netutil: no routable host address")

// SelectHostAddr picks the first routable unicast IPv4 address on any
// interface that is up. Loopback and link-local addresses never
// qualify; advertising those invites traffic from off-box peers that
// can never arrive.
func SelectHostAddr() (netip.Addr, bool) {
	addrs, err := Candidates()
	if err != nil || len(addrs) == 0 {
		return netip.Addr{}, false
	}
	return addrs[0], true
}

// Candidates lists every routable unicast IPv4 address on the host, in
// interface order.
func Candidates() ([]netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("netutil: list interfaces: %w", err)
	}
	var out []netip.Addr
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipn.IP.To4()
			if ip4 == nil {
				continue
			}
			addr, ok := netip.AddrFromSlice(ip4)
			if !ok || !Routable(addr) {
				continue
			}
			out = append(out, addr)
		}
	}
	return out, nil
}

// Routable reports whether an address is worth advertising.
func Routable(a netip.Addr) bool {
	return a.IsValid() &&
		!a.IsLoopback() &&
		!a.IsLinkLocalUnicast() &&
		!a.IsUnspecified() &&
		!a.IsMulticast()
}

// AdvertiseAddr resolves the address a node should publish for a bound
// socket. An explicit override wins; otherwise a wildcard bind is
// substituted with the first routable host address.
func AdvertiseAddr(bound netip.AddrPort, override string) (netip.AddrPort, error) {
	if override != "" {
		ap, err := netip.ParseAddrPort(override)
		if err == nil {
			return ap, nil
		}
		// Permit a bare host, reusing the bound port.
		addr, aerr := netip.ParseAddr(override)
		if aerr != nil {
			return netip.AddrPort{}, fmt.Errorf("netutil: parse advertise address %q: %w", override, err)
		}
		return netip.AddrPortFrom(addr, bound.Port()), nil
	}
	if !bound.Addr().IsUnspecified() {
		return bound, nil
	}
	host, ok := SelectHostAddr()
	if !ok {
		return netip.AddrPort{}, ErrNoHostAddr
	}
	return netip.AddrPortFrom(host, bound.Port()), nil
}
