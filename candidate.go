package ice

import (
	"bufio"
	"encoding/base32"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// An ICE candidate (either local or remote).
// See [RFC8445 §5.3] for a definition of fields.
type Candidate struct {
	kind CandidateKind

	// The transport address used on the wire.
	addr TransportAddress

	// The local source address that traffic for this candidate originates
	// from. Equal to addr for host candidates.
	base TransportAddress

	// Related address, purely informational.
	raddr TransportAddress

	component  int
	foundation string

	// Wire priority. Zero means "compute from kind and local preference",
	// which is the case for locally added candidates; remote and
	// peer-reflexive candidates carry the priority they were signalled with.
	prio uint32

	// Local preference, assigned by the agent when the candidate is added.
	localPref uint32

	// A discarded candidate stays in the table so that indexes remain
	// stable, but takes no further part in pairing.
	discarded bool

	// Extension attributes from the SDP candidate line.
	attrs []Attribute
}

type Attribute struct {
	name  string
	value string
}

type CandidateKind int

const (
	Host CandidateKind = iota
	PeerReflexive
	ServerReflexive
	Relayed
)

// [RFC8445 §5.1.2.1] type preference, 126 for host and 0 for relayed, with
// peer-reflexive above server-reflexive since discovering one means a
// working path exists.
func (k CandidateKind) preference() uint32 {
	switch k {
	case Host:
		return 126
	case PeerReflexive:
		return 110
	case ServerReflexive:
		return 100
	default:
		return 0
	}
}

func (k CandidateKind) String() string {
	switch k {
	case Host:
		return "host"
	case PeerReflexive:
		return "prflx"
	case ServerReflexive:
		return "srflx"
	default:
		return "relay"
	}
}

func candidateKindFromSDP(typ string) (CandidateKind, error) {
	switch typ {
	case "host":
		return Host, nil
	case "prflx":
		return PeerReflexive, nil
	case "srflx":
		return ServerReflexive, nil
	case "relay":
		return Relayed, nil
	}
	return Host, errors.Wrapf(ErrBadCandidate, "unknown candidate type %q", typ)
}

// NewHostCandidate creates a host candidate for a local socket address.
func NewHostCandidate(addr TransportAddress) (Candidate, error) {
	if err := checkAddress(addr); err != nil {
		return Candidate{}, err
	}
	return Candidate{
		kind:       Host,
		addr:       addr,
		base:       addr,
		component:  1,
		foundation: computeFoundation(Host, addr),
	}, nil
}

// NewServerReflexiveCandidate creates a server-reflexive candidate from the
// mapped address a STUN server reported for the given base.
func NewServerReflexiveCandidate(addr, base TransportAddress) (Candidate, error) {
	if err := checkAddress(addr); err != nil {
		return Candidate{}, err
	}
	return Candidate{
		kind:       ServerReflexive,
		addr:       addr,
		base:       base,
		raddr:      base,
		component:  1,
		foundation: computeFoundation(ServerReflexive, base),
	}, nil
}

// NewRelayedCandidate creates a relayed candidate for an address allocated
// on a TURN server.
func NewRelayedCandidate(addr, raddr TransportAddress) (Candidate, error) {
	if err := checkAddress(addr); err != nil {
		return Candidate{}, err
	}
	return Candidate{
		kind:       Relayed,
		addr:       addr,
		base:       addr,
		raddr:      raddr,
		component:  1,
		foundation: computeFoundation(Relayed, addr),
	}, nil
}

// NewPeerReflexiveCandidate creates a peer-reflexive candidate with an
// explicit wire priority. The foundation may be empty (for locally
// discovered candidates, until signalled) or temporary (for remote ones).
func NewPeerReflexiveCandidate(addr, base TransportAddress, prio uint32, foundation string) Candidate {
	return Candidate{
		kind:       PeerReflexive,
		addr:       addr,
		base:       base,
		component:  1,
		foundation: foundation,
		prio:       prio,
	}
}

func checkAddress(addr TransportAddress) error {
	if !addr.resolved() {
		return errors.Wrapf(ErrBadCandidate, "unresolved address %s", addr)
	}
	ip := addr.netIP()
	if ip.IsUnspecified() || ip.IsMulticast() || ip.IsLoopback() {
		return errors.Wrapf(ErrBadCandidate, "unusable address %s", addr)
	}
	return nil
}

// [RFC8445 §5.1.1.3] The foundation must be unique for each tuple of
// (candidate type, base IP address, protocol, STUN/TURN server).
func computeFoundation(kind CandidateKind, base TransportAddress) string {
	fingerprint := fmt.Sprintf("%s/%s/%s", kind, base.protocol, base.displayIP())
	hash := fnv.New64()
	hash.Write([]byte(fingerprint))
	return base32.StdEncoding.EncodeToString(hash.Sum(nil))[0:8]
}

func (c *Candidate) Kind() CandidateKind {
	return c.kind
}

func (c *Candidate) Addr() TransportAddress {
	return c.addr
}

func (c *Candidate) Base() TransportAddress {
	return c.base
}

func (c *Candidate) RelatedAddr() TransportAddress {
	return c.raddr
}

func (c *Candidate) Foundation() string {
	return c.foundation
}

func (c *Candidate) ComponentID() int {
	return c.component
}

func (c *Candidate) Discarded() bool {
	return c.discarded
}

func (c *Candidate) setDiscarded() {
	c.discarded = true
}

func (c *Candidate) setLocalPreference(pref uint32) {
	c.localPref = pref
}

func (c *Candidate) localPreference() uint32 {
	return c.localPref
}

// Priority returns the candidate's wire priority: the signalled value if
// there is one, otherwise [RFC8445 §5.1.2] computed from the kind's type
// preference and the agent-assigned local preference.
func (c *Candidate) Priority() uint32 {
	if c.prio != 0 {
		return c.prio
	}
	return c.computePriority(c.kind)
}

func (c *Candidate) computePriority(kind CandidateKind) uint32 {
	return kind.preference()<<24 + c.localPref<<8 + uint32(256-c.component)
}

// prioPrflx returns the priority this candidate would have if its kind were
// peer-reflexive. Used for the PRIORITY attribute of outgoing binding
// requests and for synthesizing discovered peer-reflexive locals.
func (c *Candidate) prioPrflx() uint32 {
	if c.prio != 0 && c.kind == PeerReflexive {
		return c.prio
	}
	return c.computePriority(PeerReflexive)
}

func (c *Candidate) addAttribute(name, value string) {
	c.attrs = append(c.attrs, Attribute{name, value})
}

// SDPString renders the candidate as an SDP candidate-attribute line,
//
//	candidate:{foundation} {component-id} {protocol} {priority} {address} {port} typ {type} ...
//
// see https://tools.ietf.org/html/draft-ietf-mmusic-ice-sip-sdp-24#section-4.1
func (c *Candidate) SDPString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "candidate:%s %d %s %d %s %d typ %s",
		c.foundation, c.component, c.addr.protocol, c.Priority(),
		c.addr.displayIP(), c.addr.port, c.kind)
	if c.kind != Host && !c.raddr.IsZero() {
		fmt.Fprintf(&b, " raddr %s rport %d", c.raddr.displayIP(), c.raddr.port)
	}
	for _, a := range c.attrs {
		fmt.Fprintf(&b, " %s %s", a.name, a.value)
	}
	return b.String()
}

func (c Candidate) String() string {
	return c.SDPString()
}

// ParseCandidateSDP parses an SDP candidate line as produced by SDPString.
func ParseCandidateSDP(desc string) (Candidate, error) {
	r := strings.NewReader(desc)

	var c Candidate
	var foundation, protocol, ip, typ string
	var prio uint32
	var port int
	_, err := fmt.Fscanf(r, "candidate:%s %d %s %d %s %d typ %s",
		&foundation, &c.component, &protocol, &prio, &ip, &port, &typ)
	if err != nil {
		return c, errors.Wrapf(ErrBadCandidate, "parse %q: %s", desc, err)
	}
	if c.component < 1 || c.component > 256 {
		return c, errors.Wrapf(ErrBadCandidate, "component ID out of range: %d", c.component)
	}
	c.foundation = foundation
	c.prio = prio
	if c.kind, err = candidateKindFromSDP(typ); err != nil {
		return c, err
	}
	c.addr = resolveTransportAddress(Protocol(strings.ToLower(protocol)), ip, port)
	// Remote candidates have no usable base; use the advertised address so
	// that redundancy checks remain well defined.
	c.base = c.addr

	// The rest of the candidate line consists of "name value" pairs.
	var raddrHost string
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)
	var name string
	for scanner.Scan() {
		if name == "" {
			name = scanner.Text()
			continue
		}
		value := scanner.Text()
		switch name {
		case "raddr":
			raddrHost = value
		case "rport":
			rport, err := strconv.Atoi(value)
			if err != nil {
				return c, errors.Wrapf(ErrBadCandidate, "bad rport %q", value)
			}
			c.raddr = resolveTransportAddress(c.addr.protocol, raddrHost, rport)
		default:
			c.addAttribute(name, value)
		}
		name = ""
	}
	if name != "" {
		return c, errors.Wrapf(ErrBadCandidate, "unmatched attribute name: %s", name)
	}

	return c, nil
}
