// Package netaddr implements the overlay's Address value type: an IP
// address plus port, with the private/loopback/link-local/public
// classification used by the path-folding and NAT-mapping logic to decide
// which of a peer's offered addresses are worth dialing.
package netaddr

import (
	"fmt"
	"net"
	"strconv"
)

// Address is an IPv4 or IPv6 address with a port, as exchanged in Offer
// messages (spec §4.2) and published to the tracker (spec §6.3).
type Address struct {
	IP   net.IP
	Port uint16
}

// New returns an Address for ip and port, normalised to 4 or 16 bytes.
func New(ip net.IP, port uint16) Address {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	} else {
		ip = ip.To16()
	}
	return Address{IP: ip, Port: port}
}

// Parse parses a "host:port" string into an Address.
func Parse(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, fmt.Errorf("netaddr: parse %q: %w", hostport, err)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return Address{}, fmt.Errorf("netaddr: invalid IP %q", host)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("netaddr: invalid port %q: %w", portStr, err)
	}

	return New(ip, uint16(port)), nil
}

// String renders the Address as "host:port", bracketing IPv6 hosts.
func (a Address) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// IsPrivate reports whether the address is within an RFC 1918/4193 private
// range.
func (a Address) IsPrivate() bool {
	return a.IP.IsPrivate()
}

// IsLoopback reports whether the address is a loopback address.
func (a Address) IsLoopback() bool {
	return a.IP.IsLoopback()
}

// IsLinkLocal reports whether the address is link-local unicast or
// link-local multicast.
func (a Address) IsLinkLocal() bool {
	return a.IP.IsLinkLocalUnicast() || a.IP.IsLinkLocalMulticast()
}

// IsPublic reports whether the address is none of private, loopback, or
// link-local — i.e. it is a candidate for publication to peers and the
// tracker as an externally reachable address.
func (a Address) IsPublic() bool {
	return !a.IsPrivate() && !a.IsLoopback() && !a.IsLinkLocal() && a.IP != nil && !a.IP.IsUnspecified()
}

// Equal reports whether two addresses denote the same IP and port.
func (a Address) Equal(b Address) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// LocalAddresses enumerates this host's non-loopback interface addresses,
// used to build the Offer payload of spec §4.2 with the given port attached
// to each.
func LocalAddresses(port uint16) ([]Address, error) {
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("netaddr: enumerate interfaces: %w", err)
	}

	var out []Address
	for _, ifaceAddr := range ifaceAddrs {
		ipNet, ok := ifaceAddr.(*net.IPNet)
		if !ok {
			continue
		}
		addr := New(ipNet.IP, port)
		if addr.IsLoopback() {
			continue
		}
		out = append(out, addr)
	}
	return out, nil
}
