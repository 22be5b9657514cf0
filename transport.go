package ice

import (
	"fmt"
	"net"
)

type Protocol string

const (
	UDP Protocol = "udp"
	TCP Protocol = "tcp"
)

type AddressFamily int

const (
	Unresolved AddressFamily = 0
	IPv4       AddressFamily = 4
	IPv6       AddressFamily = 6
)

func (f AddressFamily) String() string {
	switch f {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	}
	return "unresolved"
}

// IPAddress is a raw IP address: either 4 or 16 bytes, or an unresolved
// hostname. Being a string makes it usable as a map key and comparable
// with ==.
type IPAddress string

// TransportAddress is a transport-level address: an IP address plus port and
// protocol. It is a comparable value type, which candidate and pair
// bookkeeping relies on.
type TransportAddress struct {
	protocol  Protocol
	ip        IPAddress
	port      int
	family    AddressFamily
	linkLocal bool
}

// MakeTransportAddress converts a net.Addr. It panics on address types other
// than UDP and TCP.
func MakeTransportAddress(addr net.Addr) TransportAddress {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return makeTransportAddress(UDP, a.IP, a.Port)
	case *net.TCPAddr:
		return makeTransportAddress(TCP, a.IP, a.Port)
	default:
		panic("Unsupported net.Addr type: " + addr.String())
	}
}

func makeTransportAddress(protocol Protocol, ip net.IP, port int) TransportAddress {
	ta := TransportAddress{
		protocol:  protocol,
		port:      port,
		linkLocal: ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast(),
	}
	if ip4 := ip.To4(); ip4 != nil {
		ta.ip = IPAddress(ip4)
		ta.family = IPv4
	} else if ip16 := ip.To16(); ip16 != nil {
		ta.ip = IPAddress(ip16)
		ta.family = IPv6
	}
	return ta
}

// resolveTransportAddress builds a TransportAddress from the textual form
// used in SDP candidate lines. A name that does not parse as an IP literal is
// kept as-is, with the family left unresolved.
func resolveTransportAddress(protocol Protocol, host string, port int) TransportAddress {
	if ip := net.ParseIP(host); ip != nil {
		return makeTransportAddress(protocol, ip, port)
	}
	return TransportAddress{protocol: protocol, ip: IPAddress(host), port: port}
}

func (ta TransportAddress) resolved() bool {
	return ta.family != Unresolved
}

func (ta TransportAddress) netIP() net.IP {
	if !ta.resolved() {
		return nil
	}
	return net.IP(ta.ip)
}

// NetAddr converts back to a net.Addr, for handing transmits to a socket.
func (ta TransportAddress) NetAddr() net.Addr {
	switch ta.protocol {
	case TCP:
		return &net.TCPAddr{IP: ta.netIP(), Port: ta.port}
	default:
		return &net.UDPAddr{IP: ta.netIP(), Port: ta.port}
	}
}

func (ta TransportAddress) displayIP() string {
	if ta.resolved() {
		return ta.netIP().String()
	}
	return string(ta.ip)
}

// Port returns the transport-level port.
func (ta TransportAddress) Port() int {
	return ta.port
}

func (ta TransportAddress) String() string {
	if ta.family == IPv6 {
		return fmt.Sprintf("%s/[%s]:%d", ta.protocol, ta.displayIP(), ta.port)
	}
	return fmt.Sprintf("%s/%s:%d", ta.protocol, ta.displayIP(), ta.port)
}

// IsZero reports whether the address is the zero value, used for optional
// addresses such as a candidate's related address.
func (ta TransportAddress) IsZero() bool {
	return ta == TransportAddress{}
}

// Receive is an inbound datagram handed to the agent by the host. Contents
// is the raw payload; anything that does not look like STUN is ignored by
// the agent, so the host may forward every datagram from a shared socket.
type Receive struct {
	Source      TransportAddress
	Destination TransportAddress
	Contents    []byte
}

// Transmit is an outbound datagram the host must put on the wire, sourced
// from the Source address (a local candidate base).
type Transmit struct {
	Source      TransportAddress
	Destination TransportAddress
	Contents    []byte
}
