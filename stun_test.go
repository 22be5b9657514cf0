package ice

import (
	"bytes"
	"net"
	"testing"
)

// A binding request captured from a live session: USERNAME, PRIORITY,
// ICE-CONTROLLED, MESSAGE-INTEGRITY and FINGERPRINT attributes.
var sampleBindingRequest = []byte{
	0x00, 0x01, 0x00, 0x4c, 0x21, 0x12, 0xa4, 0x42,
	0x56, 0x41, 0x66, 0x33, 0x5a, 0x49, 0x73, 0x4c,
	0x31, 0x64, 0x2f, 0x46, 0x00, 0x06, 0x00, 0x09,
	0x74, 0x6c, 0x47, 0x61, 0x3a, 0x6e, 0x33, 0x45,
	0x33, 0x00, 0x00, 0x00, 0xc0, 0x57, 0x00, 0x04,
	0x00, 0x01, 0x00, 0x0a, 0x80, 0x29, 0x00, 0x08,
	0x57, 0xfa, 0x3a, 0xdb, 0xb9, 0x81, 0x0a, 0xdd,
	0x00, 0x24, 0x00, 0x04, 0x6e, 0x7f, 0x1e, 0xff,
	0x00, 0x08, 0x00, 0x14, 0x16, 0xae, 0x21, 0xab,
	0x58, 0xa5, 0xba, 0x5f, 0x5d, 0x1d, 0xfe, 0xde,
	0xc5, 0x65, 0x52, 0xf5, 0x6f, 0x08, 0x60, 0x37,
	0x80, 0x28, 0x00, 0x04, 0x31, 0xfd, 0x4e, 0x69,
}

func TestParseStunMessage(t *testing.T) {
	msg, err := parseStunMessage(sampleBindingRequest)
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil {
		t.Fatal("Sample packet not recognized as STUN")
	}
	if !msg.isBindingRequest() {
		t.Errorf("Expected a binding request: %s", msg)
	}

	left, right, ok := msg.splitUsername()
	if !ok || left != "tlGa" || right != "n3E3" {
		t.Errorf("USERNAME not split correctly: %q %q", left, right)
	}
	prio, ok := msg.getPriority()
	if !ok || prio != 0x6e7f1eff {
		t.Errorf("Wrong PRIORITY: %#x", prio)
	}
	if msg.hasUseCandidate() || msg.iceControlling() {
		t.Errorf("Unexpected attributes in %s", msg)
	}

	// Re-serializing must reproduce the original bytes.
	if b2 := msg.bytes(); !bytes.Equal(sampleBindingRequest, b2) {
		t.Errorf("Serialized STUN message not equal to original: %x", b2)
	}
}

func TestParseNotStun(t *testing.T) {
	for _, data := range [][]byte{
		nil,
		{0x01},
		[]byte("regular application data that is no STUN"),
		{0x80, 0x01, 0x00, 0x00, 0x21, 0x12, 0xa4, 0x42, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, // top bits set
		{0x00, 0x01, 0x00, 0x00, 0x21, 0x12, 0xa4, 0x43, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, // bad cookie
	} {
		msg, err := parseStunMessage(data)
		if msg != nil || err != nil {
			t.Errorf("Expected (nil, nil) for %x, got (%v, %v)", data, msg, err)
		}
	}
}

func TestParseTruncated(t *testing.T) {
	// Chop the sample packet mid-attribute.
	_, err := parseStunMessage(sampleBindingRequest[:40])
	if err == nil {
		t.Error("Expected error for truncated message")
	}
}

func TestBadFingerprint(t *testing.T) {
	data := make([]byte, len(sampleBindingRequest))
	copy(data, sampleBindingRequest)
	data[len(data)-1] ^= 0xff

	_, err := parseStunMessage(data)
	if err == nil {
		t.Error("Expected fingerprint error for corrupted message")
	}
}

func TestBindingRequestRoundTrip(t *testing.T) {
	const password = "the quick brown fox"
	transactionID := "0123456789AB"

	req := newStunBindingRequest(transactionID, "leftFrag:rightFrag", true, 0x1122334455667788, 0x6e7f1eff, true)
	wire := req.sign(password)

	msg, err := parseStunMessage(wire)
	if err != nil {
		t.Fatal(err)
	}
	if msg.transactionID != transactionID {
		t.Errorf("Transaction ID not preserved: %x", msg.transactionID)
	}
	left, right, _ := msg.splitUsername()
	if left != "leftFrag" || right != "rightFrag" {
		t.Errorf("USERNAME not preserved: %q %q", left, right)
	}
	if prio, _ := msg.getPriority(); prio != 0x6e7f1eff {
		t.Errorf("PRIORITY not preserved: %#x", prio)
	}
	if !msg.hasUseCandidate() {
		t.Error("USE-CANDIDATE not preserved")
	}
	if !msg.iceControlling() {
		t.Error("ICE-CONTROLLING not preserved")
	}

	if !msg.checkIntegrity(password) {
		t.Error("Integrity check failed under the signing password")
	}
	if msg.checkIntegrity("some other password") {
		t.Error("Integrity check passed under the wrong password")
	}
}

func TestBindingResponseRoundTrip(t *testing.T) {
	const password = "hello"
	transactionID := "0123456789AB"

	for _, source := range []*net.UDPAddr{
		{IP: net.IPv4(1, 2, 3, 4), Port: 5678},
		{IP: net.ParseIP("2001:db8::17"), Port: 443},
	} {
		mapped := MakeTransportAddress(source)
		resp := newStunBindingResponse(transactionID, mapped)
		wire := resp.sign(password)

		msg, err := parseStunMessage(wire)
		if err != nil {
			t.Fatal(err)
		}
		if !msg.isBindingSuccess() {
			t.Errorf("Expected a success response: %s", msg)
		}
		got, ok := msg.getMappedAddress()
		if !ok || got != mapped {
			t.Errorf("XOR-MAPPED-ADDRESS round trip: %s != %s", got, mapped)
		}
		if !msg.checkIntegrity(password) {
			t.Error("Integrity check failed under the signing password")
		}
	}
}

func TestMissingAttribute(t *testing.T) {
	// A request without PRIORITY must be rejected by the parser.
	msg := newStunMessage(stunRequest, stunBindingMethod, "0123456789AB")
	msg.addAttribute(stunAttrUsername, []byte("a:b"))
	wire := msg.sign("pw")

	if _, err := parseStunMessage(wire); err == nil {
		t.Error("Expected error for request without PRIORITY")
	}
}

func TestBindingIndication(t *testing.T) {
	msg, err := parseStunMessage(BindingIndication())
	if err != nil {
		t.Fatal(err)
	}
	if !msg.isIndication() {
		t.Errorf("Expected an indication: %s", msg)
	}
}

func TestPad4(t *testing.T) {
	vals := []uint16{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	answers := []int{0, 3, 2, 1, 0, 3, 2, 1, 0, 3}
	for i, val := range vals {
		if pad4(val) != answers[i] {
			t.Errorf("pad4(%d) == %d != %d", val, pad4(val), answers[i])
		}
	}
}
