package ice

import (
	"fmt"
	"time"
)

// Candidate pair states, [RFC8445 §6.1.2.6]. Frozen is not used: with a
// single component and a single checklist there is nothing to unfreeze
// against, so pairs start out Waiting.
type CheckState int

const (
	Waiting CheckState = iota
	InProgress
	Succeeded
	Failed
)

func (s CheckState) String() string {
	switch s {
	case Waiting:
		return "Waiting"
	case InProgress:
		return "InProgress"
	case Succeeded:
		return "Succeeded"
	default:
		return "Failed"
	}
}

const (
	// Initial retransmission timeout for connectivity checks (RFC 5389
	// §7.2.1, RTO), doubled on each unanswered attempt.
	stunRetryInterval = 500 * time.Millisecond

	// Ceiling for the per-attempt backoff.
	stunMaxRetryInterval = 8 * time.Second

	// Attempts per transaction before the pair fails: the initial request
	// plus 7 retransmits. With the backoff above, the waits sum to
	// 0.5+1+2+4+8+8+8+8 s = 39.5 s, i.e. stunTimeout.
	stunMaxAttempts = 8

	// How soon a pair that has a successful check is probed again. Keeps
	// NAT bindings alive and notices path loss.
	stunRecheckInterval = 2500 * time.Millisecond
)

// A binding attempt in flight: the transaction ID it was sent with, and when.
type bindingAttempt struct {
	transactionID string
	at            time.Time
}

// CandidatePair is a (local, remote) candidate pairing on the checklist.
// Candidates are referenced by index into the agent's candidate tables, so
// pairs stay valid as the tables grow.
type CandidatePair struct {
	localIdx  int
	remoteIdx int

	// Pair priority, [RFC8445 §6.1.2.3].
	prio uint64

	state CheckState

	// Binding attempts whose responses are still outstanding.
	attempts []bindingAttempt

	// Consecutive unanswered attempts. Reset when a response arrives.
	retries int

	lastAttempt time.Time
	lastSuccess time.Time

	// Round-trip time of the most recent successful check.
	rtt time.Duration

	// Number of binding requests the remote peer has sent on this pair.
	// Nomination requires evidence of traffic in both directions.
	remoteRequests uint32

	nominated bool

	// Index of the local candidate validated by a binding response. Usually
	// equals localIdx, but a response mapped to a different (possibly
	// peer-reflexive) local address points elsewhere.
	validIdx int
}

func newCandidatePair(localIdx, remoteIdx int, prio uint64) *CandidatePair {
	return &CandidatePair{
		localIdx:  localIdx,
		remoteIdx: remoteIdx,
		prio:      prio,
		state:     Waiting,
		validIdx:  -1,
	}
}

// [RFC8445 §6.1.2.3] pair priority. G is the controlling side's candidate
// priority and D the controlled side's.
func calculatePairPrio(controlling bool, localPrio, remotePrio uint32) uint64 {
	G, D := uint64(remotePrio), uint64(localPrio)
	if controlling {
		G, D = D, G
	}
	B := uint64(0)
	if G > D {
		B = 1
	}
	return min64(G, D)<<32 + max64(G, D)<<1 + B
}

func (p *CandidatePair) localCandidate(locals []Candidate) *Candidate {
	return &locals[p.localIdx]
}

func (p *CandidatePair) remoteCandidate(remotes []Candidate) *Candidate {
	return &remotes[p.remoteIdx]
}

// newAttempt reserves a fresh transaction ID, records the send time, and
// moves a Waiting pair to InProgress. The caller sends the actual request.
func (p *CandidatePair) newAttempt(now time.Time) string {
	transactionID := newTransactionID()
	p.attempts = append(p.attempts, bindingAttempt{transactionID, now})
	// Only the most recent attempts can still be answered.
	if len(p.attempts) > stunMaxAttempts {
		p.attempts = p.attempts[len(p.attempts)-stunMaxAttempts:]
	}
	p.retries++
	p.lastAttempt = now
	if p.state == Waiting {
		p.state = InProgress
	}
	return transactionID
}

func (p *CandidatePair) hasBindingAttempt(transactionID string) bool {
	for _, a := range p.attempts {
		if a.transactionID == transactionID {
			return true
		}
	}
	return false
}

// recordBindingResponse accepts a success response for an outstanding
// attempt: computes the RTT, notes which local candidate the response
// validated, and moves the pair to Succeeded.
func (p *CandidatePair) recordBindingResponse(now time.Time, transactionID string, validIdx int) {
	for _, a := range p.attempts {
		if a.transactionID == transactionID {
			p.rtt = now.Sub(a.at)
			break
		}
	}
	p.attempts = nil
	p.retries = 0
	p.lastSuccess = now
	p.validIdx = validIdx
	p.state = Succeeded
}

// nextBindingAttempt returns the time at which the next binding request
// should be sent on this pair: immediately if none was ever sent, on the
// recheck interval while the pair is healthy, and on exponential backoff
// while responses are outstanding.
func (p *CandidatePair) nextBindingAttempt(now time.Time) time.Time {
	if p.lastAttempt.IsZero() {
		return now
	}
	if !p.lastSuccess.IsZero() && !p.lastSuccess.Before(p.lastAttempt) {
		return p.lastSuccess.Add(stunRecheckInterval)
	}
	return p.lastAttempt.Add(retryBackoff(p.retries))
}

func retryBackoff(retries int) time.Duration {
	if retries < 1 {
		return 0
	}
	d := stunRetryInterval << uint(retries-1)
	if d > stunMaxRetryInterval {
		d = stunMaxRetryInterval
	}
	return d
}

// isStillPossible reports whether the pair can still produce a working
// path. Once the retry budget is spent and the final backoff has expired
// without a response, the pair transitions to Failed and should be pruned.
func (p *CandidatePair) isStillPossible(now time.Time) bool {
	if p.state == Failed {
		return false
	}
	if p.retries < stunMaxAttempts {
		return true
	}
	if now.Before(p.lastAttempt.Add(retryBackoff(p.retries))) {
		return true
	}
	p.state = Failed
	return false
}

func (p *CandidatePair) increaseRemoteBindingRequests() {
	p.remoteRequests++
}

func (p *CandidatePair) remoteBindingRequests() uint32 {
	return p.remoteRequests
}

// nominate marks the pair as the chosen path. One-shot: once set it never
// reverts, and the controlling side's subsequent probes carry USE-CANDIDATE.
func (p *CandidatePair) nominate() {
	p.nominated = true
}

func (p *CandidatePair) isNominated() bool {
	return p.nominated
}

// triggerCheck makes the next probe on this pair due immediately, without
// touching outstanding attempts. Used when a nomination should reach the
// peer before the regular recheck would fire.
func (p *CandidatePair) triggerCheck() {
	if p.state == Succeeded {
		p.lastAttempt = time.Time{}
		p.lastSuccess = time.Time{}
		p.retries = 0
	}
}

func (p *CandidatePair) State() CheckState {
	return p.state
}

// RTT of the most recent successful check, zero before the first success.
func (p *CandidatePair) RTT() time.Duration {
	return p.rtt
}

func (p *CandidatePair) String() string {
	nom := ""
	if p.nominated {
		nom = ", nominated"
	}
	return fmt.Sprintf("Pair(%d,%d)[%s%s]", p.localIdx, p.remoteIdx, p.state, nom)
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
