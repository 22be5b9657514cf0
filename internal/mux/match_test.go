package mux

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchSTUN(t *testing.T) {
	stun := []byte{0x00, 0x01, 0x00, 0x00, 0x21, 0x12, 0xa4, 0x42}
	assert.True(t, MatchSTUN(stun))

	// Right first byte, wrong magic cookie.
	assert.False(t, MatchSTUN([]byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}))

	// Too short.
	assert.False(t, MatchSTUN([]byte{0x00, 0x01}))

	// DTLS and SRTP first bytes must not match.
	assert.False(t, MatchSTUN([]byte{22, 0, 0, 0, 0x21, 0x12, 0xa4, 0x42}))
	assert.False(t, MatchSTUN([]byte{128, 0, 0, 0, 0x21, 0x12, 0xa4, 0x42}))
}

func TestMatchRange(t *testing.T) {
	f := MatchRange(20, 63)
	assert.False(t, f(nil))
	assert.False(t, f([]byte{19}))
	assert.True(t, f([]byte{20}))
	assert.True(t, f([]byte{63}))
	assert.False(t, f([]byte{64}))
}
