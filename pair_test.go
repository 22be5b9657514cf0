package ice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var pairEpoch = time.Date(2019, 8, 30, 12, 0, 0, 0, time.UTC)

func TestPairPriority(t *testing.T) {
	// [RFC8445 §6.1.2.3] 2^32*MIN(G,D) + 2*MAX(G,D) + (G>D?1:0)
	const G, D = uint64(200), uint64(100)

	// We are controlled: G is the remote side, and G > D sets the low bit.
	assert.Equal(t, D<<32+G<<1+1, calculatePairPrio(false, 100, 200))
	// We are controlling: G is the local side.
	assert.Equal(t, D<<32+G<<1, calculatePairPrio(true, 100, 200))
	// Both peers compute the same priority for the same pair.
	assert.Equal(t, calculatePairPrio(false, 100, 200), calculatePairPrio(true, 200, 100))
}

func TestNewAttempt(t *testing.T) {
	p := newCandidatePair(0, 0, 1)
	assert.Equal(t, Waiting, p.State())

	id := p.newAttempt(pairEpoch)
	assert.Len(t, id, 12)
	assert.Equal(t, InProgress, p.State())
	assert.True(t, p.hasBindingAttempt(id))
	assert.False(t, p.hasBindingAttempt("0123456789AB"))

	// A second attempt gets a fresh ID; both remain outstanding.
	id2 := p.newAttempt(pairEpoch.Add(500 * time.Millisecond))
	assert.NotEqual(t, id, id2)
	assert.True(t, p.hasBindingAttempt(id))
	assert.True(t, p.hasBindingAttempt(id2))
}

func TestRecordBindingResponse(t *testing.T) {
	p := newCandidatePair(2, 3, 1)
	id := p.newAttempt(pairEpoch)

	p.recordBindingResponse(pairEpoch.Add(20*time.Millisecond), id, 2)

	assert.Equal(t, Succeeded, p.State())
	assert.Equal(t, 20*time.Millisecond, p.RTT())
	assert.Equal(t, 2, p.validIdx)
	assert.False(t, p.hasBindingAttempt(id))
	assert.Equal(t, 0, p.retries)
}

func TestNextBindingAttemptSchedule(t *testing.T) {
	p := newCandidatePair(0, 0, 1)

	// Never attempted: fire immediately.
	assert.Equal(t, pairEpoch, p.nextBindingAttempt(pairEpoch))

	// Unanswered attempts back off exponentially: 500ms, 1s, 2s, ...
	p.newAttempt(pairEpoch)
	assert.Equal(t, pairEpoch.Add(500*time.Millisecond), p.nextBindingAttempt(pairEpoch))

	now := pairEpoch.Add(500 * time.Millisecond)
	p.newAttempt(now)
	assert.Equal(t, now.Add(1*time.Second), p.nextBindingAttempt(now))

	// The backoff is capped at 8s.
	for i := 0; i < 4; i++ {
		now = p.nextBindingAttempt(now)
		p.newAttempt(now)
	}
	assert.Equal(t, now.Add(8*time.Second), p.nextBindingAttempt(now))
}

func TestRecheckAfterSuccess(t *testing.T) {
	p := newCandidatePair(0, 0, 1)
	id := p.newAttempt(pairEpoch)
	now := pairEpoch.Add(30 * time.Millisecond)
	p.recordBindingResponse(now, id, 0)

	assert.Equal(t, now.Add(stunRecheckInterval), p.nextBindingAttempt(now))
}

func TestRetryExhaustion(t *testing.T) {
	p := newCandidatePair(0, 0, 1)

	now := pairEpoch
	for i := 0; i < stunMaxAttempts; i++ {
		assert.True(t, p.isStillPossible(now), "attempt %d", i)
		now = p.nextBindingAttempt(now)
		p.newAttempt(now)
	}

	// Out of retries, but the final backoff has not expired yet.
	assert.True(t, p.isStillPossible(now))

	// The wait times sum to the total STUN transaction budget.
	final := p.nextBindingAttempt(now)
	assert.Equal(t, pairEpoch.Add(stunTimeout), final)

	assert.False(t, p.isStillPossible(final))
	assert.Equal(t, Failed, p.State())
	assert.False(t, p.isStillPossible(final.Add(time.Hour)))
}

func TestNominateOneShot(t *testing.T) {
	p := newCandidatePair(0, 0, 1)
	assert.False(t, p.isNominated())
	p.nominate()
	assert.True(t, p.isNominated())
	p.nominate()
	assert.True(t, p.isNominated())
}

func TestTriggerCheck(t *testing.T) {
	p := newCandidatePair(0, 0, 1)
	id := p.newAttempt(pairEpoch)
	now := pairEpoch.Add(10 * time.Millisecond)
	p.recordBindingResponse(now, id, 0)

	// A healthy pair waits out the recheck interval...
	assert.Equal(t, now.Add(stunRecheckInterval), p.nextBindingAttempt(now))

	// ...unless a check is triggered explicitly.
	p.triggerCheck()
	later := now.Add(time.Millisecond)
	assert.Equal(t, later, p.nextBindingAttempt(later))
	assert.Equal(t, Succeeded, p.State())
}
