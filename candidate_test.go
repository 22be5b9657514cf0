package ice

import (
	"net"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func udp(ip string, port int) TransportAddress {
	return makeTransportAddress(UDP, net.ParseIP(ip), port)
}

func TestParseCandidate(t *testing.T) {
	desc := "candidate:0 1 udp 123456789 192.168.1.1 12345 typ host"
	c, err := ParseCandidateSDP(desc)
	if err != nil {
		t.Fatal(err)
	}

	assert.Equal(t, "0", c.Foundation())
	assert.Equal(t, 1, c.ComponentID())
	assert.Equal(t, UDP, c.addr.protocol)
	assert.Equal(t, IPAddress("\xc0\xa8\x01\x01"), c.addr.ip)
	assert.Equal(t, "192.168.1.1", c.addr.displayIP())
	assert.Equal(t, 12345, c.addr.port)
	assert.Equal(t, uint32(123456789), c.Priority())
	assert.Equal(t, Host, c.Kind())
}

func TestCandidateString(t *testing.T) {
	for _, desc := range []string{
		"candidate:0 1 udp 123456789 192.168.1.1 12345 typ host",
		"candidate:xI2n9fR3 1 udp 1686052607 89.98.1.7 61002 typ srflx raddr 192.168.1.1 rport 61002",
		"candidate:abcd 1 udp 41885439 10.0.0.17 3478 typ relay raddr 89.98.1.7 rport 61002",
	} {
		c, err := ParseCandidateSDP(desc)
		assert.NoError(t, err)
		assert.Equal(t, desc, c.String())
	}
}

func TestParseCandidateErrors(t *testing.T) {
	for _, desc := range []string{
		"candidate:0 1 udp",
		"candidate:0 0 udp 123 192.168.1.1 12345 typ host",   // component out of range
		"candidate:0 1 udp 123 192.168.1.1 12345 typ bogus",  // unknown type
		"candidate:0 1 udp 123 192.168.1.1 12345 typ host x", // unmatched attribute
	} {
		_, err := ParseCandidateSDP(desc)
		assert.Error(t, err, desc)
		assert.Equal(t, ErrBadCandidate, errors.Cause(err), desc)
	}
}

func TestHostCandidate(t *testing.T) {
	c, err := NewHostCandidate(udp("1.2.3.4", 5000))
	assert.NoError(t, err)
	assert.Equal(t, Host, c.Kind())
	assert.Equal(t, c.Addr(), c.Base())
	assert.Equal(t, 1, c.ComponentID())
	assert.NotEmpty(t, c.Foundation())
}

func TestBadHostCandidates(t *testing.T) {
	for _, addr := range []TransportAddress{
		udp("127.0.0.1", 5000),
		udp("0.0.0.0", 5000),
		udp("224.0.0.251", 5353),
		resolveTransportAddress(UDP, "foo.local", 5000),
	} {
		_, err := NewHostCandidate(addr)
		assert.Error(t, err, addr.String())
		assert.Equal(t, ErrBadCandidate, errors.Cause(err), addr.String())
	}
}

func TestCandidatePriority(t *testing.T) {
	c, _ := NewHostCandidate(udp("1.2.3.4", 5000))
	c.setLocalPreference(65534)

	// (2^24)*126 + (2^8)*65534 + (256 - 1)
	assert.Equal(t, uint32(126<<24+65534<<8+255), c.Priority())

	// As peer-reflexive, only the type preference changes.
	assert.Equal(t, uint32(110<<24+65534<<8+255), c.prioPrflx())
}

func TestSignalledPriorityWins(t *testing.T) {
	c, err := ParseCandidateSDP("candidate:0 1 udp 99 192.168.1.1 12345 typ host")
	assert.NoError(t, err)
	// The signalled value is used verbatim, not recomputed.
	assert.Equal(t, uint32(99), c.Priority())
}

func TestPeerReflexivePriority(t *testing.T) {
	c := NewPeerReflexiveCandidate(udp("9.9.9.9", 1000), udp("1.2.3.4", 5000), 0x42, "")
	assert.Equal(t, uint32(0x42), c.Priority())
	assert.Equal(t, uint32(0x42), c.prioPrflx())
}

func TestFoundation(t *testing.T) {
	a, _ := NewHostCandidate(udp("1.2.3.4", 5000))
	b, _ := NewHostCandidate(udp("1.2.3.4", 6000))
	c, _ := NewHostCandidate(udp("5.6.7.8", 5000))

	// Same kind, protocol and base IP: same foundation; different IP: different.
	assert.Equal(t, a.Foundation(), b.Foundation())
	assert.NotEqual(t, a.Foundation(), c.Foundation())

	// A server-reflexive candidate from the same base differs by kind.
	d, _ := NewServerReflexiveCandidate(udp("89.98.1.7", 5000), udp("1.2.3.4", 5000))
	assert.NotEqual(t, a.Foundation(), d.Foundation())
}
