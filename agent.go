package ice

import (
	"crypto/rand"
	"encoding/binary"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pion/randutil"
	"github.com/pkg/errors"

	"github.com/halekai/ice/internal/mux"
)

// RFC 8445: https://tools.ietf.org/html/rfc8445

const defaultMaxCandidatePairs = 100

// Peer-reflexive remote candidates get a temporary foundation until a
// candidate exchange signals the real one. A counter keeps the temporary
// foundations distinct from each other.
const tempFoundationPrefix = "tmp_prflx"

// Credentials identify an agent's connectivity checks: the username fragment
// (a=ice-ufrag) and password (a=ice-pwd) exchanged over signalling.
type Credentials struct {
	UFrag    string
	Password string
}

const credentialRunes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// The values MUST be unguessable, with at least 128 bits of random number
// generator output used to generate the password, and at least 24 bits of
// output to generate the username fragment.
func generateCredentials() Credentials {
	ufrag, err := randutil.GenerateCryptoRandomString(8, credentialRunes)
	if err != nil {
		log.Panicf("Failed to generate ice-ufrag: %s", err)
	}
	password, err := randutil.GenerateCryptoRandomString(24, credentialRunes)
	if err != nil {
		log.Panicf("Failed to generate ice-pwd: %s", err)
	}
	return Credentials{UFrag: ufrag, Password: password}
}

// A binding request held back because the remote credentials are not known
// yet. Everything needed to answer it later is extracted up front.
type serverRequest struct {
	now           time.Time
	source        TransportAddress
	destination   TransportAddress
	transactionID string
	prio          uint32
	useCandidate  bool
	remoteUFrag   string
}

// Agent is a sans-I/O ICE agent for a single component (rtcp-mux style
// operation). The host feeds it datagrams and clock ticks and drains
// transmits and events; see the package documentation for the contract.
//
// The agent is strictly single-threaded: the host must serialize all calls.
type Agent struct {
	// Last time HandleTimeout ran, paced by the timing advance. Drives the
	// state forward; zero until the first tick.
	lastNow time.Time

	// Whether this agent is operating as ice-lite: a passive mode that only
	// answers binding requests, for servers multiplexing many agents on one
	// socket.
	iceLite bool

	// Checklist size cap. Zero means the default of 100.
	maxCandidatePairs int

	// Credentials for this side. Generated at construction, replaced on
	// ice-restart.
	localCredentials Credentials

	// Credentials for the remote side. Set when signalling delivers them.
	remoteCredentials *Credentials

	// If this side is controlling or controlled.
	controlling bool

	// Tie-breaker value for the ICE-CONTROLLING/ICE-CONTROLLED attribute.
	tieBreaker uint64

	state ConnectionState

	// All local candidates, in the order they were discovered. Discarded
	// candidates stay so indexes remain stable.
	localCandidates []Candidate

	// All remote candidates, in the order we got to know them.
	remoteCandidates []Candidate

	// The checklist: candidate pairs sorted by descending priority.
	candidatePairs []*CandidatePair

	// Outputs ready to be polled.
	transmits []Transmit
	events    []Event

	// Binding requests that arrived before the remote credentials.
	requestQueue []serverRequest

	// Time at which to check nominations, zero if none is scheduled.
	scheduledNomination time.Time

	// Whether any pair was ever nominated, to tell Disconnected from Failed.
	hadNomination bool

	// Whether the checklist was ever non-empty.
	everHadPairs bool

	tempFoundations int
}

// NewAgent creates an agent with freshly generated local credentials, in the
// controlled role.
func NewAgent() *Agent {
	var tb [8]byte
	rand.Read(tb[:])
	return &Agent{
		localCredentials: generateCredentials(),
		tieBreaker:       binary.BigEndian.Uint64(tb[:]),
		state:            ConnectionStateNew,
	}
}

// LocalCredentials returns this agent's ufrag and password, for signalling
// to the remote peer.
func (a *Agent) LocalCredentials() Credentials {
	return a.localCredentials
}

// SetLocalCredentials replaces the local credentials, as part of an
// ice-restart.
func (a *Agent) SetLocalCredentials(c Credentials) {
	a.localCredentials = c
}

// RemoteCredentials returns the remote ufrag and password, if known.
func (a *Agent) RemoteCredentials() (Credentials, bool) {
	if a.remoteCredentials == nil {
		return Credentials{}, false
	}
	return *a.remoteCredentials, true
}

// SetRemoteCredentials installs the credentials signalled by the remote
// peer. Until this is called, inbound binding requests are queued rather
// than answered, and no checks are sent.
func (a *Agent) SetRemoteCredentials(c Credentials) {
	log.Debug("Set remote credentials: %s", c.UFrag)
	a.remoteCredentials = &c
}

// Controlling reports whether this side is the controlling agent.
func (a *Agent) Controlling() bool {
	return a.controlling
}

// SetControlling sets the agent's role. Panics if called after the first
// tick, since a role change mid-session would corrupt pair priorities.
func (a *Agent) SetControlling(v bool) {
	if !a.lastNow.IsZero() {
		log.Panicf("SetControlling after first tick")
	}
	a.controlling = v
}

// SetIceLite switches the agent to ice-lite mode: only host candidates are
// accepted and the agent purely answers checks.
func (a *Agent) SetIceLite(v bool) {
	a.iceLite = v
}

// SetMaxCandidatePairs overrides the default checklist size cap of 100.
func (a *Agent) SetMaxCandidatePairs(n int) {
	a.maxCandidatePairs = n
}

// State returns the current connection state.
func (a *Agent) State() ConnectionState {
	return a.state
}

// Close makes the agent inert. Queued transmits and events can still be
// drained.
func (a *Agent) Close() {
	if a.state == ConnectionStateClosed {
		return
	}
	a.setConnectionState(ConnectionStateClosed)
	a.scheduledNomination = time.Time{}
	a.requestQueue = nil
}

// SelectedPair returns the local and remote candidates of the nominated
// pair, once there is one. The local candidate is the validated one, which
// may be a discovered peer-reflexive address.
func (a *Agent) SelectedPair() (local, remote Candidate, ok bool) {
	p := a.nominatedPair()
	if p == nil {
		return Candidate{}, Candidate{}, false
	}
	localIdx := p.localIdx
	if p.validIdx >= 0 {
		localIdx = p.validIdx
	}
	return a.localCandidates[localIdx], a.remoteCandidates[p.remoteIdx], true
}

// AddLocalCandidate adds a gathered local candidate: assigns its local
// preference, checks it for redundancy against existing candidates, pairs
// it against the known remote candidates, and emits a CandidateEvent.
func (a *Agent) AddLocalCandidate(c Candidate) error {
	log.Info("Add local candidate: %s", c)

	if c.component != 1 {
		return errors.Wrapf(ErrBadCandidate, "component %d (only 1 is supported)", c.component)
	}
	if a.iceLite && c.kind != Host {
		// An ice-lite agent never initiates checks, so reflexive and
		// relayed candidates are useless to it.
		return errors.Wrapf(ErrBadCandidate, "%s candidate in ice-lite mode", c.kind)
	}

	// The local preference MUST be an integer from 0 to 65535 inclusive and
	// unique within a candidate type. The standard assignment presupposes
	// all candidates are known up front, which does not hold with trickled
	// candidates, so each kind gets its own descending range instead:
	//
	//	49152 - 65535  host
	//	32768 - 49151  prflx
	//	16384 - 32767  srflx
	//	    0 - 16383  relay
	//
	// subdivided so that odd values are IPv6 and even values IPv4.
	counterStart := uint32(65535)
	switch c.kind {
	case PeerReflexive:
		counterStart = 49151
	case ServerReflexive:
		counterStart = 32767
	case Relayed:
		counterStart = 16383
	}
	if c.addr.family == IPv4 {
		counterStart--
	}
	sameKind := uint32(0)
	for i := range a.localCandidates {
		v := &a.localCandidates[i]
		if v.kind == c.kind && v.addr.family == c.addr.family {
			sameKind++
		}
	}
	c.setLocalPreference(counterStart - sameKind*2)

	// A candidate is redundant if its transport address and base equal those
	// of another candidate; the lower-priority one is eliminated. This must
	// happen after the local preference is set, since the priority used in
	// the comparison derives from it.
	for i := range a.localCandidates {
		other := &a.localCandidates[i]
		if other.addr != c.addr || other.base != c.base {
			continue
		}
		if c.Priority() < other.Priority() {
			log.Debug("Reject redundant candidate %s in favor of %s", c, other)
			return errors.Wrapf(ErrRedundantCandidate, "%s", c.addr)
		}
		// Stop using the current candidate in favor of the new one.
		log.Debug("Replace redundant candidate %s with %s", other, c)
		other.setDiscarded()
		a.discardCandidatePairs(i)
		break
	}

	var remoteIdxs []int
	for i := range a.remoteCandidates {
		v := &a.remoteCandidates[i]
		if !v.discarded && v.addr.family == c.addr.family {
			remoteIdxs = append(remoteIdxs, i)
		}
	}

	a.events = append(a.events, CandidateEvent{Candidate: c})
	a.localCandidates = append(a.localCandidates, c)

	a.formPairs([]int{len(a.localCandidates) - 1}, remoteIdxs)
	return nil
}

// AddRemoteCandidate adds a candidate signalled by the remote peer and pairs
// it against the known local candidates. A signalled candidate that matches
// a previously synthesized peer-reflexive remote replaces it, supplying the
// real foundation.
func (a *Agent) AddRemoteCandidate(c Candidate) error {
	log.Info("Add remote candidate: %s", c)

	// This is an rtcp-mux-only implementation; the only component we accept
	// is 1.
	if c.component != 1 {
		return errors.Wrapf(ErrBadCandidate, "component %d (only 1 is supported)", c.component)
	}

	remoteIdx := -1
	for i := range a.remoteCandidates {
		v := &a.remoteCandidates[i]
		if strings.HasPrefix(v.foundation, tempFoundationPrefix) &&
			v.kind == PeerReflexive && v.addr == c.addr && v.Priority() == c.Priority() {
			log.Debug("Replace temporary peer-reflexive candidate %s with %s", v, c)
			a.remoteCandidates[i] = c
			remoteIdx = i
			break
		}
	}
	if remoteIdx < 0 {
		a.remoteCandidates = append(a.remoteCandidates, c)
		remoteIdx = len(a.remoteCandidates) - 1
	}

	var localIdxs []int
	for i := range a.localCandidates {
		v := &a.localCandidates[i]
		if !v.discarded && v.addr.family == c.addr.family {
			localIdxs = append(localIdxs, i)
		}
	}

	a.formPairs(localIdxs, []int{remoteIdx})
	return nil
}

// InvalidateCandidate discards a local candidate, e.g. when the network
// interface it lives on goes away, and removes every pair referencing it.
// Returns true if the candidate was found and invalidated.
func (a *Agent) InvalidateCandidate(c Candidate) bool {
	log.Info("Invalidate candidate: %s", c)

	for i := range a.localCandidates {
		v := &a.localCandidates[i]
		if v.addr == c.addr && v.base == c.base && v.raddr == c.raddr && !v.discarded {
			v.setDiscarded()
			a.discardCandidatePairs(i)
			a.evaluateConnectionState()
			return true
		}
	}
	log.Debug("Candidate to discard not found: %s", c)
	return false
}

// Form pairs given index slices into the local and remote candidate tables.
func (a *Agent) formPairs(localIdxs, remoteIdxs []int) {
outer:
	for _, localIdx := range localIdxs {
		for _, remoteIdx := range remoteIdxs {
			local := &a.localCandidates[localIdx]
			remote := &a.remoteCandidates[remoteIdx]

			prio := calculatePairPrio(a.controlling, local.Priority(), remote.Priority())
			pair := newCandidatePair(localIdx, remoteIdx, prio)

			// [RFC8445 §6.1.2.4] Two candidate pairs are redundant if their
			// local candidates have the same base and their remote
			// candidates are identical. Only the higher-priority one stays.
			for i, check := range a.candidatePairs {
				checkLocal := check.localCandidate(a.localCandidates)
				checkRemote := check.remoteCandidate(a.remoteCandidates)

				if local.base == checkLocal.base && remote.addr == checkRemote.addr {
					if check.prio >= pair.prio {
						log.Debug("Reject redundant pair %s in favor of %s", pair, check)
					} else {
						log.Debug("Replace redundant pair %s with %s", check, pair)
						a.candidatePairs[i] = pair
					}
					continue outer
				}
			}

			log.Debug("Add new pair %s", pair)
			a.candidatePairs = append(a.candidatePairs, pair)
		}
	}

	a.sortCandidatePairs()

	// An agent MUST limit the total number of connectivity checks by
	// limiting the number of candidate pairs on the checklist. Trim from
	// the low-priority end.
	max := a.maxCandidatePairs
	if max == 0 {
		max = defaultMaxCandidatePairs
	}
	for len(a.candidatePairs) > max {
		p := a.candidatePairs[len(a.candidatePairs)-1]
		log.Debug("Remove overflow pair %s", p)
		a.candidatePairs = a.candidatePairs[:len(a.candidatePairs)-1]
	}

	if len(a.candidatePairs) > 0 {
		a.everHadPairs = true
	}
}

// Keep the checklist sorted from highest to lowest priority, with a stable
// order on the candidate indexes for equal priorities.
func (a *Agent) sortCandidatePairs() {
	sort.SliceStable(a.candidatePairs, func(i, j int) bool {
		pi, pj := a.candidatePairs[i], a.candidatePairs[j]
		if pi.prio != pj.prio {
			return pi.prio > pj.prio
		}
		if pi.localIdx != pj.localIdx {
			return pi.localIdx < pj.localIdx
		}
		return pi.remoteIdx < pj.remoteIdx
	})
}

// Discard candidate pairs that reference the given local candidate index.
func (a *Agent) discardCandidatePairs(localIdx int) {
	kept := a.candidatePairs[:0]
	for _, p := range a.candidatePairs {
		if p.localIdx != localIdx {
			kept = append(kept, p)
		}
	}
	a.candidatePairs = kept
}

func (a *Agent) setConnectionState(state ConnectionState) {
	if a.state == state {
		return
	}
	log.Info("State change: %s -> %s", a.state, state)
	a.state = state
	a.events = append(a.events, StateChangeEvent{State: state})
}

// Derive the connection state from the pair table. Connected/Completed hang
// off the nominated pair; Disconnected and Failed are reached when the table
// has been emptied by failure sweeps.
func (a *Agent) evaluateConnectionState() {
	if a.state == ConnectionStateNew || a.state == ConnectionStateClosed {
		return
	}
	switch {
	case a.nominatedPair() != nil:
		if a.inFlightPairs() == 0 {
			a.setConnectionState(ConnectionStateCompleted)
		} else {
			a.setConnectionState(ConnectionStateConnected)
		}
	case a.hadNomination:
		a.setConnectionState(ConnectionStateDisconnected)
	case len(a.candidatePairs) == 0 && a.everHadPairs && a.remoteCredentials != nil:
		a.setConnectionState(ConnectionStateFailed)
	}
}

func (a *Agent) nominatedPair() *CandidatePair {
	for _, p := range a.candidatePairs {
		if p.isNominated() {
			return p
		}
	}
	return nil
}

func (a *Agent) inFlightPairs() int {
	n := 0
	for _, p := range a.candidatePairs {
		if p.state == Waiting || p.state == InProgress {
			n++
		}
	}
	return n
}

// Accepts reports whether a datagram is a STUN message addressed to this
// agent instance: correct username halves and a valid message integrity.
// Hosts multiplexing several agents on one socket use this to route
// traffic; such a server should run in ice-lite mode so it never initiates
// checks of its own.
func (a *Agent) Accepts(data []byte) bool {
	msg, err := parseStunMessage(data)
	if err != nil || msg == nil {
		return false
	}
	return a.accepts(msg)
}

// The username for the credential is formed by concatenating the username
// fragment provided by the peer with the username fragment of the agent
// sending the request, separated by a colon. So on an inbound request, the
// left half must be our ufrag; the right half is the sender's.
func (a *Agent) accepts(msg *stunMessage) bool {
	if msg.isBindingRequest() {
		left, right, ok := msg.splitUsername()
		if !ok {
			return false
		}
		if left != a.localCredentials.UFrag {
			log.Debug("Message rejected, local ufrag mismatch: %s != %s", left, a.localCredentials.UFrag)
			return false
		}
		if a.remoteCredentials != nil && right != a.remoteCredentials.UFrag {
			log.Debug("Message rejected, remote ufrag mismatch: %s != %s", right, a.remoteCredentials.UFrag)
			return false
		}
	}

	// Inbound requests were signed with our password; inbound responses
	// with the remote one, same as the request they answer.
	var password string
	if msg.isResponse() {
		if a.remoteCredentials == nil {
			log.Debug("Message rejected, response before remote credentials")
			return false
		}
		password = a.remoteCredentials.Password
	} else {
		password = a.localCredentials.Password
	}
	if !msg.checkIntegrity(password) {
		log.Debug("Message rejected, integrity check failed")
		return false
	}
	return true
}

// HandleReceive feeds one inbound datagram to the agent. Anything that is
// not an acceptable STUN message is ignored, so the host may forward all
// traffic from a shared socket.
func (a *Agent) HandleReceive(now time.Time, receive Receive) {
	if a.state == ConnectionStateClosed {
		return
	}
	if !mux.MatchSTUN(receive.Contents) {
		return
	}
	msg, err := parseStunMessage(receive.Contents)
	if err != nil {
		log.Debug("Dropping datagram from %s: %s", receive.Source, err)
		return
	}
	if msg == nil {
		return
	}
	log.Debug("Handle receive %s -> %s: %s", receive.Source, receive.Destination, msg)

	if !a.accepts(msg) {
		return
	}

	switch {
	case msg.isBindingRequest():
		a.stunServerHandleMessage(now, receive.Source, receive.Destination, msg)
	case msg.isBindingSuccess():
		a.stunClientHandleResponse(now, msg)
	case msg.isIndication():
		// Keepalives need no reaction.
	default:
		// Error responses are ignored in this revision.
		log.Debug("Ignoring %s", msg)
	}
}

func (a *Agent) stunServerHandleMessage(now time.Time, source, destination TransportAddress, msg *stunMessage) {
	// The presence of PRIORITY and USERNAME is guarded by the parser.
	prio, _ := msg.getPriority()
	_, remoteUFrag, _ := msg.splitUsername()

	// Extract everything needed to answer, since handling may have to wait
	// for the remote credentials.
	req := serverRequest{
		now:           now,
		source:        source,
		destination:   destination,
		transactionID: msg.transactionID,
		prio:          prio,
		useCandidate:  msg.hasUseCandidate(),
		remoteUFrag:   remoteUFrag,
	}

	if a.remoteCredentials != nil {
		a.stunServerHandleRequest(now, req)
		return
	}

	// It is very likely that the initiating agent receives a binding
	// request before the candidate exchange delivers the peer's
	// credentials. Hold the request until they arrive.
	log.Debug("Enqueue STUN request from %s until remote credentials arrive", source)
	a.requestQueue = append(a.requestQueue, req)
	for len(a.requestQueue) > defaultMaxCandidatePairs {
		log.Debug("Remove overflow STUN request from %s", a.requestQueue[0].source)
		a.requestQueue = a.requestQueue[1:]
	}
}

// [RFC8445 §7.3] Respond to a binding request, synthesizing a
// peer-reflexive remote candidate and a pair as needed.
func (a *Agent) stunServerHandleRequest(now time.Time, req serverRequest) {
	if req.remoteUFrag != a.remoteCredentials.UFrag {
		// This check can be delayed for requests that were queued before
		// the credential exchange.
		log.Debug("STUN request rejected, remote ufrag mismatch: %s != %s",
			req.remoteUFrag, a.remoteCredentials.UFrag)
		return
	}

	if req.useCandidate && a.controlling {
		// The controlled side must not nominate.
		log.Debug("STUN request rejected, USE-CANDIDATE while local side is controlling")
		return
	}

	// If the source does not match an existing remote candidate, it
	// represents a new peer-reflexive remote candidate. It is added to the
	// remote table but deliberately not paired against all locals; only the
	// pair below is created.
	remoteIdx := -1
	for i := range a.remoteCandidates {
		v := &a.remoteCandidates[i]
		if !v.discarded && v.addr == req.source {
			remoteIdx = i
			break
		}
	}
	if remoteIdx < 0 {
		c := NewPeerReflexiveCandidate(req.source, req.source, req.prio, a.nextTempFoundation())
		log.Debug("Created peer-reflexive remote candidate from STUN request: %s", c)
		a.remoteCandidates = append(a.remoteCandidates, c)
		remoteIdx = len(a.remoteCandidates) - 1
	}

	// The local candidate is either a host candidate or a relayed one (for
	// requests received through a relay); it can never be server-reflexive.
	localIdx := -1
	for i := range a.localCandidates {
		v := &a.localCandidates[i]
		if (v.kind == Host || v.kind == Relayed) && v.addr == req.destination {
			localIdx = i
			break
		}
	}
	if localIdx < 0 {
		// Receiving traffic for an address that is neither a host nor a
		// relay candidate means the host wired a socket the agent was never
		// told about.
		log.Panicf("STUN request for %s, which is neither a host nor a relay candidate", req.destination)
	}

	pair := a.findPair(localIdx, remoteIdx)
	if pair == nil {
		local := &a.localCandidates[localIdx]
		remote := &a.remoteCandidates[remoteIdx]
		prio := calculatePairPrio(a.controlling, local.Priority(), remote.Priority())
		pair = newCandidatePair(localIdx, remoteIdx, prio)
		log.Debug("Created new pair for STUN request: %s", pair)
		a.candidatePairs = append(a.candidatePairs, pair)
		a.sortCandidatePairs()
		a.everHadPairs = true
	}

	pair.increaseRemoteBindingRequests()

	if a.controlling && !pair.isNominated() && pair.state == Succeeded && a.scheduledNomination.IsZero() {
		log.Debug("Schedule nomination check on request")
		a.scheduledNomination = now.Add(timingAdvance)
	}

	if !a.controlling && req.useCandidate && !pair.isNominated() {
		// The controlling side chose this pair. Answering the request is
		// all the agreement the controlled side has to signal.
		log.Info("Nominating %s on peer's request", pair)
		pair.nominate()
		a.hadNomination = true
		a.evaluateConnectionState()
	}

	local := pair.localCandidate(a.localCandidates)
	remote := pair.remoteCandidate(a.remoteCandidates)

	reply := newStunBindingResponse(req.transactionID, req.source)
	log.Debug("Send STUN reply %s -> %s: %s", local.base, remote.addr, reply)

	a.transmits = append(a.transmits, Transmit{
		Source:      local.base,
		Destination: remote.addr,
		Contents:    reply.sign(a.localCredentials.Password),
	})
}

// Send a binding request on the pair: a connectivity check, carrying the
// nomination flag when the controlling side has chosen this pair.
func (a *Agent) stunClientBindingRequest(now time.Time, pair *CandidatePair) {
	local := pair.localCandidate(a.localCandidates)
	remote := pair.remoteCandidate(a.remoteCandidates)

	username := a.remoteCredentials.UFrag + ":" + a.localCredentials.UFrag
	// Only the controlling side sends USE-CANDIDATE.
	useCandidate := a.controlling && pair.isNominated()

	transactionID := pair.newAttempt(now)
	binding := newStunBindingRequest(transactionID, username, a.controlling, a.tieBreaker,
		local.prioPrflx(), useCandidate)

	log.Debug("Send STUN request %s -> %s: %s", local.base, remote.addr, binding)

	a.transmits = append(a.transmits, Transmit{
		Source:      local.base,
		Destination: remote.addr,
		Contents:    binding.sign(a.remoteCredentials.Password),
	})
}

// [RFC8445 §7.2.5.2] Handle the success response to one of our checks.
func (a *Agent) stunClientHandleResponse(now time.Time, msg *stunMessage) {
	var pair *CandidatePair
	for _, p := range a.candidatePairs {
		if p.hasBindingAttempt(msg.transactionID) {
			pair = p
			break
		}
	}
	if pair == nil {
		// Fine: the response came in too late, after the pair was pruned.
		log.Debug("No pair found for %s", msg)
		return
	}

	// The presence of a mapped address is guarded by the parser.
	mapped, _ := msg.getMappedAddress()

	// If the mapped address does not match any local candidate, it is a
	// newly discovered peer-reflexive local candidate: base and priority
	// come from the candidate the request was sent from, and the foundation
	// stays empty until a candidate exchange supplies one. It is not paired
	// against the remote table; it only serves as the pair's valid local.
	validIdx := -1
	for i := range a.localCandidates {
		if a.localCandidates[i].addr == mapped {
			validIdx = i
			break
		}
	}
	if validIdx < 0 {
		sentFrom := pair.localCandidate(a.localCandidates)
		c := NewPeerReflexiveCandidate(mapped, sentFrom.base, sentFrom.prioPrflx(), "")
		log.Debug("Created peer-reflexive local candidate for mapped address %s", mapped)
		a.localCandidates = append(a.localCandidates, c)
		validIdx = len(a.localCandidates) - 1
	}

	pair.recordBindingResponse(now, msg.transactionID, validIdx)
	log.Debug("Check succeeded: %s rtt=%s", pair, pair.rtt)

	if a.controlling && !pair.isNominated() && pair.remoteBindingRequests() > 0 &&
		a.scheduledNomination.IsZero() {
		log.Debug("Schedule nomination check on response")
		a.scheduledNomination = now.Add(timingAdvance)
	}
}

// HandleTimeout drives the agent forward at the given instant: it answers a
// queued request, runs a due nomination, sweeps dead pairs, or fires the
// next connectivity check — at most one unit of work per tick, paced by the
// timing advance.
func (a *Agent) HandleTimeout(now time.Time) {
	if a.state == ConnectionStateClosed {
		return
	}
	if a.state == ConnectionStateNew {
		a.setConnectionState(ConnectionStateChecking)
	}

	// The generation of ordinary and triggered connectivity checks is
	// governed by timer Ta.
	if !a.lastNow.IsZero() && now.Before(a.lastNow.Add(timingAdvance)) {
		log.Debug("Stop timeout within timing advance of last")
		return
	}
	a.lastNow = now

	// No need hanging on to very old requests, whether or not the remote
	// credentials ever arrive.
	for len(a.requestQueue) > 0 && now.Sub(a.requestQueue[0].now) >= stunTimeout {
		log.Debug("Drop too old enqueued STUN request from %s", a.requestQueue[0].source)
		a.requestQueue = a.requestQueue[1:]
	}

	// Deliver one held request, now that the credentials are there.
	if a.remoteCredentials != nil && len(a.requestQueue) > 0 {
		req := a.requestQueue[0]
		a.requestQueue = a.requestQueue[1:]
		log.Debug("Handle enqueued STUN request from %s", req.source)
		a.stunServerHandleRequest(now, req)
		return
	}

	// Is a nomination check due?
	if !a.scheduledNomination.IsZero() && !now.Before(a.scheduledNomination) {
		a.scheduledNomination = time.Time{}
		a.attemptNomination()
		return
	}

	// Prune pairs that ran out of retries.
	kept := a.candidatePairs[:0]
	removed := false
	for _, p := range a.candidatePairs {
		if p.isStillPossible(now) {
			kept = append(kept, p)
		} else {
			log.Debug("Remove failed pair %s", p)
			removed = true
		}
	}
	a.candidatePairs = kept
	if removed {
		a.evaluateConnectionState()
	}

	if a.remoteCredentials == nil {
		return
	}

	// Fire the earliest due check.
	var due *CandidatePair
	var deadline time.Time
	for _, p := range a.candidatePairs {
		t := p.nextBindingAttempt(now)
		if due == nil || t.Before(deadline) {
			due, deadline = p, t
		}
	}
	if due != nil && !deadline.After(now) {
		a.stunClientBindingRequest(now, due)
	}
}

// Nominate the best usable pair: highest priority among those that both
// succeeded a check and have seen binding requests from the peer.
func (a *Agent) attemptNomination() {
	var best *CandidatePair
	for _, p := range a.candidatePairs {
		if p.state == Succeeded && p.remoteBindingRequests() > 0 {
			if best == nil || p.prio > best.prio {
				best = p
			}
		}
	}
	if best != nil && !best.isNominated() {
		log.Info("Nominating %s", best)
		best.nominate()
		// The next probe carries USE-CANDIDATE; get it out right away.
		best.triggerCheck()
		a.hadNomination = true
		a.evaluateConnectionState()
	}
}

// PollTransmit returns the next datagram to put on the wire, or nil.
func (a *Agent) PollTransmit() *Transmit {
	if len(a.transmits) == 0 {
		return nil
	}
	t := a.transmits[0]
	a.transmits = a.transmits[1:]
	return &t
}

// PollEvent returns the next lifecycle event, or nil.
func (a *Agent) PollEvent() Event {
	if len(a.events) == 0 {
		return nil
	}
	e := a.events[0]
	a.events = a.events[1:]
	return e
}

// PollTimeout returns the next time HandleTimeout should run. The second
// return is false until the first tick has happened, and after Close.
func (a *Agent) PollTimeout() (time.Time, bool) {
	if a.lastNow.IsZero() || a.state == ConnectionStateClosed {
		return time.Time{}, false
	}

	var next time.Time
	for _, p := range a.candidatePairs {
		t := p.nextBindingAttempt(a.lastNow)
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	if !a.scheduledNomination.IsZero() && (next.IsZero() || a.scheduledNomination.Before(next)) {
		next = a.scheduledNomination
	}
	// Held requests should be served as soon as the credentials are there.
	if len(a.requestQueue) > 0 && a.remoteCredentials != nil {
		next = a.lastNow
	}

	if next.IsZero() {
		return time.Time{}, false
	}
	// Time must advance by at least the timing advance.
	if floor := a.lastNow.Add(timingAdvance); next.Before(floor) {
		next = floor
	}
	return next, true
}

func (a *Agent) findPair(localIdx, remoteIdx int) *CandidatePair {
	for _, p := range a.candidatePairs {
		if p.localIdx == localIdx && p.remoteIdx == remoteIdx {
			return p
		}
	}
	return nil
}

func (a *Agent) nextTempFoundation() string {
	a.tempFoundations++
	return tempFoundationPrefix + strconv.Itoa(a.tempFoundations)
}
