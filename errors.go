package ice

import "errors"

// Typed errors
var (
	// ErrBadCandidate is returned by candidate constructors and the agent's
	// Add methods when a candidate is unusable (bad address, wrong component).
	ErrBadCandidate = errors.New("ice: bad candidate")

	// ErrRedundantCandidate is returned when a local candidate shares its
	// (address, base) with a higher-priority candidate already added.
	ErrRedundantCandidate = errors.New("ice: redundant candidate")

	errSTUNMalformed        = errors.New("ice: STUN message is malformed")
	errSTUNBadFingerprint   = errors.New("ice: STUN fingerprint mismatch")
	errSTUNMissingAttribute = errors.New("ice: STUN attribute missing")
)
