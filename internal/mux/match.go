// Package mux classifies datagrams that arrive on a shared socket. An ICE
// agent shares its UDP port with DTLS and SRTP once a connection is up, so
// inbound packets have to be demultiplexed by inspecting the first byte, per
// RFC 7983.
package mux

// MatchFunc reports whether a packet belongs to a protocol.
type MatchFunc func(b []byte) bool

// MatchRange matches the first byte against an inclusive range.
func MatchRange(lower, upper byte) MatchFunc {
	return func(b []byte) bool {
		if len(b) < 1 {
			return false
		}
		return b[0] >= lower && b[0] <= upper
	}
}

// MatchSTUN reports whether the packet looks like a STUN message: first byte
// in [0, 3] (the two topmost bits of the message type are zero) and the magic
// cookie in bytes 4..8.
func MatchSTUN(b []byte) bool {
	return len(b) >= 8 &&
		b[0] < 4 &&
		b[4] == 0x21 && b[5] == 0x12 && b[6] == 0xa4 && b[7] == 0x42
}

// MatchDTLS matches DTLS record packets.
var MatchDTLS = MatchRange(20, 63)

// MatchSRTP matches SRTP/SRTCP packets.
var MatchSRTP = MatchRange(128, 191)
