package util

import (
	"fmt"
	"net"
	"strconv"
)

// PeerAddress is a textual host and numeric port. Two addresses are equal
// when both parts are equal, no name resolution is involved.
type PeerAddress struct {
	Host string
	Port int
}

// NewPeerAddress builds a PeerAddress
func NewPeerAddress(host string, port int) PeerAddress {
	return PeerAddress{Host: host, Port: port}
}

// ParsePeerAddress parses "host:port"
func ParsePeerAddress(s string) (PeerAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return PeerAddress{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return PeerAddress{}, fmt.Errorf("invalid port in %q", s)
	}
	return PeerAddress{Host: host, Port: port}, nil
}

// FromNetAddr converts the source address of a received datagram
func FromNetAddr(addr net.Addr) PeerAddress {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return PeerAddress{Host: a.IP.String(), Port: a.Port}
	case *net.TCPAddr:
		return PeerAddress{Host: a.IP.String(), Port: a.Port}
	case nil:
		return PeerAddress{}
	}
	p, err := ParsePeerAddress(addr.String())
	if err != nil {
		return PeerAddress{}
	}
	return p
}

// IsZero reports whether the address is absent
func (a PeerAddress) IsZero() bool {
	return a.Host == ""
}

func (a PeerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// UDPAddr resolves the address for sending
func (a PeerAddress) UDPAddr() (*net.UDPAddr, error) {
	if ip := net.ParseIP(a.Host); ip != nil {
		return &net.UDPAddr{IP: ip, Port: a.Port}, nil
	}
	return net.ResolveUDPAddr("udp", a.String())
}
