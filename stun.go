package ice

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/halekai/ice/internal/packet"
)

// STUN (Session Traversal Utilities for NAT)
// RFC 5389 (https://tools.ietf.org/html/rfc5389), with the ICE attributes
// from RFC 8445.

// Allowed STUN message classes.
const (
	stunRequest         = 0
	stunIndication      = 1
	stunSuccessResponse = 2
	stunErrorResponse   = 3
)

const stunBindingMethod = 0x1

const stunHeaderLength = 20
const stunMagicCookie = 0x2112A442

const (
	stunAttrMappedAddress    = 0x0001
	stunAttrUsername         = 0x0006
	stunAttrMessageIntegrity = 0x0008
	stunAttrErrorCode        = 0x0009
	stunAttrXorMappedAddress = 0x0020
	stunAttrPriority         = 0x0024
	stunAttrUseCandidate     = 0x0025
	stunAttrSoftware         = 0x8022
	stunAttrFingerprint      = 0x8028
	stunAttrIceControlled    = 0x8029
	stunAttrIceControlling   = 0x802A
)

const stunMagicCookieBytes = "\x21\x12\xA4\x42"

// Total retransmission budget for a STUN transaction, per RFC 5389 §7.2.1
// with the default RTO of 500 ms. Queued server-side requests older than
// this are dropped too.
const stunTimeout = 39500 * time.Millisecond

// hmacSHA1 computes the 20-byte MESSAGE-INTEGRITY hash. A variable so that
// an embedding host can substitute its own byte-oriented implementation.
var hmacSHA1 = func(key, data []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// SetHMACSHA1 replaces the HMAC-SHA1 primitive used for MESSAGE-INTEGRITY.
// Must be called before any agent is created.
func SetHMACSHA1(f func(key, data []byte) []byte) {
	hmacSHA1 = f
}

type stunMessage struct {
	// Message length in bytes, NOT including the 20-byte header.
	length uint16

	// Message class, 2 bits.
	class uint16

	// Message method, 12 bits.
	method uint16

	// Globally unique transaction ID, 12 bytes.
	transactionID string

	// Attributes with meaning determined by the class and method.
	attributes []*stunAttribute

	// Original wire bytes, present on parsed messages only. Needed for
	// integrity and fingerprint verification.
	raw []byte

	// Byte offsets of the MESSAGE-INTEGRITY and FINGERPRINT attribute
	// headers within raw. Zero when the attribute is absent.
	integrityOffset   int
	fingerprintOffset int
}

// Figure 4: Format of STUN Attributes
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|         Type                  |            Length             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                         Value (variable)                ....
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type stunAttribute struct {
	Type   uint16
	Length uint16
	Value  []byte
}

// Return the total size of the attribute in bytes, including the header and
// padding.
func (attr *stunAttribute) numBytes() int {
	return 4 + int(attr.Length) + pad4(attr.Length)
}

// Return the number of extra bytes needed to pad the given length to a
// 4-byte boundary. The result will be either 0, 1, 2, or 3.
func pad4(n uint16) int {
	return -int(n) & 3
}

var zeros = make([]byte, 32)

// parseStunMessage reads a STUN message from a datagram. Returns (nil, nil)
// if the data is not a STUN message at all, so that callers can pass
// arbitrary traffic from a shared socket.
func parseStunMessage(data []byte) (*stunMessage, error) {
	msg := parseStunHeader(data)
	if msg == nil {
		return nil, nil
	}
	if len(data) < stunHeaderLength+int(msg.length) {
		return nil, errors.Wrapf(errSTUNMalformed, "truncated at %d of %d bytes",
			len(data), stunHeaderLength+int(msg.length))
	}
	msg.raw = data[:stunHeaderLength+int(msg.length)]

	// Parse attributes.
	r := packet.NewReader(msg.raw[stunHeaderLength:])
	for r.Remaining() > 0 {
		if err := r.CheckRemaining(4); err != nil {
			return nil, errors.Wrap(errSTUNMalformed, err.Error())
		}
		offset := stunHeaderLength + r.Offset()
		typ := r.ReadUint16()
		length := r.ReadUint16()
		if err := r.CheckRemaining(int(length) + pad4(length)); err != nil {
			return nil, errors.Wrapf(errSTUNMalformed, "attribute %#x: %s", typ, err)
		}
		value := make([]byte, length)
		copy(value, r.ReadSlice(int(length)))
		r.Skip(pad4(length)) // discard bytes until next 4-byte boundary

		switch typ {
		case stunAttrMessageIntegrity:
			msg.integrityOffset = offset
		case stunAttrFingerprint:
			msg.fingerprintOffset = offset
		}
		msg.attributes = append(msg.attributes, &stunAttribute{typ, length, value})
	}

	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// validate verifies the fingerprint and the presence of the attributes that
// the connectivity-check protocol relies on, so that the rest of the agent
// can use accessors without re-checking.
func (msg *stunMessage) validate() error {
	if msg.fingerprintOffset != 0 {
		attr, _ := msg.attribute(stunAttrFingerprint)
		b := make([]byte, msg.fingerprintOffset)
		copy(b, msg.raw[:msg.fingerprintOffset])
		// The length must cover up to and including the FINGERPRINT attribute.
		binary.BigEndian.PutUint16(b[2:4], uint16(msg.fingerprintOffset-stunHeaderLength+8))
		crc := crc32.ChecksumIEEE(b) ^ 0x5354554e
		if len(attr) != 4 || binary.BigEndian.Uint32(attr) != crc {
			return errSTUNBadFingerprint
		}
	}

	var required []uint16
	switch {
	case msg.isBindingRequest():
		required = []uint16{stunAttrUsername, stunAttrPriority, stunAttrMessageIntegrity, stunAttrFingerprint}
	case msg.isBindingSuccess():
		required = []uint16{stunAttrMessageIntegrity, stunAttrFingerprint}
		if !msg.hasAttribute(stunAttrXorMappedAddress) && !msg.hasAttribute(stunAttrMappedAddress) {
			return errors.Wrap(errSTUNMissingAttribute, "MAPPED-ADDRESS")
		}
	}
	for _, typ := range required {
		if !msg.hasAttribute(typ) {
			return errors.Wrap(errSTUNMissingAttribute, stunAttrName(typ))
		}
	}
	return nil
}

// Figure 2: Format of STUN Message Header
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|0 0|     STUN Message Type     |         Message Length        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                         Magic Cookie                          |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                                                               |
//	|                     Transaction ID (96 bits)                  |
//	|                                                               |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// Returns nil if the data does not look like a STUN message.
func parseStunHeader(data []byte) *stunMessage {
	if len(data) < stunHeaderLength {
		return nil
	}
	r := packet.NewReader(data)

	// The top two bits of the message type must be 0.
	messageType := r.ReadUint16()
	if messageType>>14 != 0 {
		return nil
	}

	// The length must be a multiple of 4 bytes.
	length := r.ReadUint16()
	if length%4 != 0 {
		return nil
	}

	// The magic cookie must be present.
	if r.ReadUint32() != stunMagicCookie {
		return nil
	}

	class, method := decomposeMessageType(messageType)
	return &stunMessage{
		length:        length,
		class:         class,
		method:        method,
		transactionID: string(r.ReadSlice(12)),
	}
}

// Figure 3: Format of STUN Message Type Field
//
//	 0                 1
//	 2  3  4 5 6 7 8 9 0 1 2 3 4 5
//	+--+--+-+-+-+-+-+-+-+-+-+-+-+-+
//	|M |M |M|M|M|C|M|M|M|C|M|M|M|M|
//	|11|10|9|8|7|1|6|5|4|0|3|2|1|0|
//	+--+--+-+-+-+-+-+-+-+-+-+-+-+-+
const classMask1 = 0x0100  // 0b0000000100000000
const classMask2 = 0x0010  // 0b0000000000010000
const methodMask1 = 0x3e00 // 0b0011111000000000
const methodMask2 = 0x00e0 // 0b0000000011100000
const methodMask3 = 0x000f // 0b0000000000001111

func composeMessageType(class uint16, method uint16) uint16 {
	t := (class<<7)&classMask1 | (class<<4)&classMask2
	t |= (method<<2)&methodMask1 | (method<<1)&methodMask2 | (method & methodMask3)
	return t
}

func decomposeMessageType(t uint16) (uint16, uint16) {
	class := (t&classMask1)>>7 | (t&classMask2)>>4
	method := (t&methodMask1)>>2 | (t&methodMask2)>>1 | (t & methodMask3)
	return class, method
}

// If transactionID is empty, a random transaction ID will be generated.
func newStunMessage(class uint16, method uint16, transactionID string) *stunMessage {
	if class>>2 != 0 {
		log.Panicf("Invalid STUN message class: %#x", class)
	}
	if method>>12 != 0 {
		log.Panicf("Invalid STUN method: %#x", method)
	}

	if transactionID == "" {
		transactionID = newTransactionID()
	} else if len(transactionID) != 12 {
		log.Panicf("Invalid transaction ID: %x", transactionID)
	}
	return &stunMessage{
		class:         class,
		method:        method,
		transactionID: transactionID,
	}
}

func newTransactionID() string {
	buf := make([]byte, 12)
	rand.Read(buf)
	return string(buf)
}

func newStunBindingRequest(transactionID, username string, controlling bool, tieBreaker uint64, prio uint32, useCandidate bool) *stunMessage {
	msg := newStunMessage(stunRequest, stunBindingMethod, transactionID)
	msg.addAttribute(stunAttrUsername, []byte(username))
	role := uint16(stunAttrIceControlled)
	if controlling {
		role = stunAttrIceControlling
	}
	tb := make([]byte, 8)
	binary.BigEndian.PutUint64(tb, tieBreaker)
	msg.addAttribute(role, tb)
	msg.addPriority(prio)
	if useCandidate {
		msg.addAttribute(stunAttrUseCandidate, nil)
	}
	return msg
}

func newStunBindingResponse(transactionID string, mapped TransportAddress) *stunMessage {
	msg := newStunMessage(stunSuccessResponse, stunBindingMethod, transactionID)
	msg.setXorMappedAddress(mapped)
	return msg
}

func newStunBindingIndication() *stunMessage {
	return newStunMessage(stunIndication, stunBindingMethod, "")
}

// BindingIndication returns a serialized STUN binding indication, which a
// host may send periodically on the selected pair as a keepalive.
func BindingIndication() []byte {
	msg := newStunBindingIndication()
	msg.addFingerprint()
	return msg.bytes()
}

func (msg *stunMessage) addAttribute(t uint16, v []byte) *stunAttribute {
	l := uint16(len(v))
	vcopy := make([]byte, l)
	copy(vcopy, v)
	attr := &stunAttribute{t, l, vcopy}
	msg.attributes = append(msg.attributes, attr)
	msg.length += uint16(attr.numBytes())
	return attr
}

func (msg *stunMessage) attribute(t uint16) ([]byte, bool) {
	for _, attr := range msg.attributes {
		if attr.Type == t {
			return attr.Value, true
		}
	}
	return nil, false
}

func (msg *stunMessage) hasAttribute(t uint16) bool {
	_, ok := msg.attribute(t)
	return ok
}

// bytes serializes the message. The buffer is allocated at the datagram MTU
// and truncated to the actual length.
func (msg *stunMessage) bytes() []byte {
	w := packet.NewWriterSize(sizeMaximumTransmissionUnit)
	w.WriteUint16(composeMessageType(msg.class, msg.method))
	w.WriteUint16(msg.length)
	w.WriteUint32(stunMagicCookie)
	w.WriteString(msg.transactionID)
	for _, attr := range msg.attributes {
		w.WriteUint16(attr.Type)
		w.WriteUint16(attr.Length)
		w.WriteSlice(attr.Value)
		w.Align(4)
	}
	return w.Bytes()
}

// sign appends MESSAGE-INTEGRITY and FINGERPRINT and returns the wire bytes.
func (msg *stunMessage) sign(password string) []byte {
	msg.addMessageIntegrity(password)
	msg.addFingerprint()
	return msg.bytes()
}

// RFC 5389 Section 15.4. MESSAGE-INTEGRITY
func (msg *stunMessage) addMessageIntegrity(password string) {
	// Add a dummy MESSAGE-INTEGRITY attribute, such that it is included in
	// msg.length.
	attr := msg.addAttribute(stunAttrMessageIntegrity, zeros[0:20])

	// Compute the hash of the message contents up to *just before* the
	// MESSAGE-INTEGRITY attribute.
	b := msg.bytes()
	beforeMessageIntegrity := len(b) - attr.numBytes()
	copy(attr.Value, hmacSHA1([]byte(password), b[0:beforeMessageIntegrity]))
}

// checkIntegrity verifies the MESSAGE-INTEGRITY attribute of a parsed
// message against the given password. It is a predicate rather than a parse
// error: a message that arrives before credentials are known must still be
// inspectable.
func (msg *stunMessage) checkIntegrity(password string) bool {
	if msg.integrityOffset == 0 || msg.raw == nil {
		return false
	}
	attr, _ := msg.attribute(stunAttrMessageIntegrity)

	b := make([]byte, msg.integrityOffset)
	copy(b, msg.raw[:msg.integrityOffset])
	// The length must cover up to and including the MESSAGE-INTEGRITY
	// attribute, regardless of what follows it (i.e. the FINGERPRINT).
	binary.BigEndian.PutUint16(b[2:4], uint16(msg.integrityOffset-stunHeaderLength+24))

	return hmac.Equal(attr, hmacSHA1([]byte(password), b))
}

// RFC 5389 Section 15.5. FINGERPRINT
func (msg *stunMessage) addFingerprint() {
	// Add a dummy FINGERPRINT attribute, such that it is included in
	// msg.length.
	attr := msg.addAttribute(stunAttrFingerprint, zeros[0:4])

	// Compute the CRC32 of the message up to *just before* the FINGERPRINT.
	b := msg.bytes()
	beforeFingerprint := len(b) - attr.numBytes()
	crc := crc32.ChecksumIEEE(b[0:beforeFingerprint])

	binary.BigEndian.PutUint32(attr.Value, crc^0x5354554e)
}

func (msg *stunMessage) isBindingRequest() bool {
	return msg.class == stunRequest && msg.method == stunBindingMethod
}

func (msg *stunMessage) isBindingSuccess() bool {
	return msg.class == stunSuccessResponse && msg.method == stunBindingMethod
}

func (msg *stunMessage) isIndication() bool {
	return msg.class == stunIndication
}

func (msg *stunMessage) isResponse() bool {
	return msg.class == stunSuccessResponse || msg.class == stunErrorResponse
}

func (msg *stunMessage) addPriority(p uint32) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, p)
	msg.addAttribute(stunAttrPriority, v)
}

func (msg *stunMessage) getPriority() (uint32, bool) {
	attr, ok := msg.attribute(stunAttrPriority)
	if !ok || len(attr) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(attr), true
}

// Check if the STUN message has a USE-CANDIDATE attribute.
func (msg *stunMessage) hasUseCandidate() bool {
	return msg.hasAttribute(stunAttrUseCandidate)
}

func (msg *stunMessage) iceControlling() bool {
	return msg.hasAttribute(stunAttrIceControlling)
}

// splitUsername splits the USERNAME attribute on the first colon. The left
// half is the receiving agent's username fragment, the right half the
// sender's.
func (msg *stunMessage) splitUsername() (left, right string, ok bool) {
	attr, found := msg.attribute(stunAttrUsername)
	if !found {
		return "", "", false
	}
	i := strings.IndexByte(string(attr), ':')
	if i < 0 {
		return "", "", false
	}
	return string(attr[:i]), string(attr[i+1:]), true
}

func (msg *stunMessage) getMappedAddress() (TransportAddress, bool) {
	if attr, ok := msg.attribute(stunAttrXorMappedAddress); ok {
		return extractAddr(attr, msg.transactionID, true)
	}
	if attr, ok := msg.attribute(stunAttrMappedAddress); ok {
		return extractAddr(attr, msg.transactionID, false)
	}
	return TransportAddress{}, false
}

func extractAddr(value []byte, transactionID string, doXor bool) (TransportAddress, bool) {
	if len(value) < 8 {
		return TransportAddress{}, false
	}
	port := int(binary.BigEndian.Uint16(value[2:4]))

	var ip []byte
	switch value[1] {
	case 0x01: // IPv4
		ip = make([]byte, 4)
		copy(ip, value[4:8])
	case 0x02: // IPv6
		if len(value) < 20 {
			return TransportAddress{}, false
		}
		ip = make([]byte, 16)
		copy(ip, value[4:20])
	default:
		return TransportAddress{}, false
	}

	if doXor {
		port ^= stunMagicCookie >> 16
		xorBytes(ip[0:4], stunMagicCookieBytes)
		xorBytes(ip[4:], transactionID)
	}
	return makeTransportAddress(UDP, ip, port), true
}

func (msg *stunMessage) setXorMappedAddress(ta TransportAddress) {
	ip := ta.netIP()

	var value []byte
	if ip4 := ip.To4(); ip4 != nil {
		value = make([]byte, 8)
		value[1] = 0x01
		copy(value[4:8], ip4)
	} else {
		value = make([]byte, 20)
		value[1] = 0x02
		copy(value[4:20], ip.To16())
	}
	binary.BigEndian.PutUint16(value[2:4], uint16(ta.port))

	xorBytes(value[2:4], stunMagicCookieBytes[0:2])
	xorBytes(value[4:8], stunMagicCookieBytes)
	xorBytes(value[8:], msg.transactionID)
	msg.addAttribute(stunAttrXorMappedAddress, value)
}

func xorBytes(dest []byte, xor string) {
	for i := range dest {
		dest[i] ^= xor[i]
	}
}

func stunAttrName(t uint16) string {
	switch t {
	case stunAttrMappedAddress:
		return "MAPPED-ADDRESS"
	case stunAttrUsername:
		return "USERNAME"
	case stunAttrMessageIntegrity:
		return "MESSAGE-INTEGRITY"
	case stunAttrErrorCode:
		return "ERROR-CODE"
	case stunAttrXorMappedAddress:
		return "XOR-MAPPED-ADDRESS"
	case stunAttrPriority:
		return "PRIORITY"
	case stunAttrUseCandidate:
		return "USE-CANDIDATE"
	case stunAttrSoftware:
		return "SOFTWARE"
	case stunAttrFingerprint:
		return "FINGERPRINT"
	case stunAttrIceControlled:
		return "ICE-CONTROLLED"
	case stunAttrIceControlling:
		return "ICE-CONTROLLING"
	}
	return fmt.Sprintf("%#04x", t)
}

func (msg *stunMessage) String() string {
	b := new(strings.Builder)
	switch msg.class {
	case stunRequest:
		b.WriteString("STUN request")
	case stunIndication:
		b.WriteString("STUN indication")
	case stunSuccessResponse:
		b.WriteString("STUN success response")
	case stunErrorResponse:
		b.WriteString("STUN error response")
	}
	if msg.method != stunBindingMethod {
		fmt.Fprintf(b, ", method %x", msg.method)
	}
	fmt.Fprintf(b, ", tid=%s", hex.EncodeToString([]byte(msg.transactionID)))
	for _, attr := range msg.attributes {
		switch attr.Type {
		case stunAttrMappedAddress, stunAttrXorMappedAddress:
			if addr, ok := msg.getMappedAddress(); ok {
				fmt.Fprintf(b, ", %s %s", stunAttrName(attr.Type), addr)
			}
		case stunAttrUsername:
			fmt.Fprintf(b, ", USERNAME %s", string(attr.Value))
		case stunAttrPriority:
			if prio, ok := msg.getPriority(); ok {
				fmt.Fprintf(b, ", PRIORITY %d", prio)
			}
		case stunAttrUseCandidate, stunAttrIceControlled, stunAttrIceControlling:
			fmt.Fprintf(b, ", %s", stunAttrName(attr.Type))
		case stunAttrSoftware, stunAttrFingerprint, stunAttrMessageIntegrity:
			// Ignore these
		default:
			fmt.Fprintf(b, ", attribute %s", stunAttrName(attr.Type))
		}
	}
	return b.String()
}
