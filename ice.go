// Package ice implements the core of an Interactive Connectivity
// Establishment agent, per RFC 8445: candidate bookkeeping, pair formation,
// STUN connectivity checks, nomination and connection-state tracking.
//
// The agent performs no I/O of its own. The embedding host feeds it inbound
// datagrams via Agent.HandleReceive and clock ticks via Agent.HandleTimeout,
// and drains outbound datagrams and lifecycle events with Agent.PollTransmit
// and Agent.PollEvent. Agent.PollTimeout tells the host when the next tick is
// due. Candidate gathering, signalling, DTLS and sockets all live outside
// this package.
package ice

import (
	"time"

	"github.com/halekai/ice/internal/logging"
)

var log = logging.DefaultLogger.WithTag("ice")

const (
	// Timing advance (Ta). ICE agents SHOULD use a default Ta value of 50 ms.
	// Consecutive connectivity checks are never paced closer than this.
	timingAdvance = 50 * time.Millisecond

	// Packets larger than the maximum transmission unit (MTU) of a path are
	// fragmented into smaller packets, or dropped. The MTU should be
	// discovered, but 1500 is typically a safe value.
	sizeMaximumTransmissionUnit = 1500
)
