// Package stun implements the subset of RFC 5389 STUN and RFC 5766
// TURN needed for ICE: message building and parsing, binding
// transactions for reflexive address discovery, connectivity-check
// attributes (USERNAME, MESSAGE-INTEGRITY, PRIORITY, USE-CANDIDATE),
// and client-side TURN allocation for relay candidate acquisition.
package stun

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// MagicCookie is the fixed RFC 5389 cookie in every message header.
const MagicCookie = 0x2112A442

// HeaderSize is the fixed STUN header length.
const HeaderSize = 20

// Message types.
const (
	TypeBindingRequest  = 0x0001
	TypeBindingSuccess  = 0x0101
	TypeBindingError    = 0x0111
	TypeAllocateRequest = 0x0003
	TypeAllocateSuccess = 0x0103
	TypeAllocateError   = 0x0113
	TypeRefreshRequest  = 0x0004
	TypeRefreshSuccess  = 0x0104
	TypeRefreshError    = 0x0114
)

// Attribute types.
const (
	AttrMappedAddress      = 0x0001
	AttrUsername           = 0x0006
	AttrMessageIntegrity   = 0x0008
	AttrErrorCode          = 0x0009
	AttrLifetime           = 0x000D
	AttrXorRelayedAddress  = 0x0016
	AttrRequestedTransport = 0x0019
	AttrXorMappedAddress   = 0x0020
	AttrPriority           = 0x0024
	AttrUseCandidate       = 0x0025
	AttrRealm              = 0x0014
	AttrNonce              = 0x0015
	AttrIceControlled      = 0x8029
	AttrIceControlling     = 0x802A
)

const messageIntegrityLength = 20

var (
	// ErrNotSTUN is returned when a buffer does not start with a STUN header.
	ErrNotSTUN = errors.New("stun: not a STUN message")

	// ErrBadCookie is returned when the magic cookie is wrong.
	ErrBadCookie = errors.New("stun: invalid magic cookie")

	// ErrIntegrityMismatch is returned when MESSAGE-INTEGRITY verification fails.
	ErrIntegrityMismatch = errors.New("stun: message integrity mismatch")

	// ErrAttributeNotFound is returned when a requested attribute is absent.
	ErrAttributeNotFound = errors.New("stun: attribute not found")
)

// TransactionID is the random 96-bit transaction identifier.
type TransactionID [12]byte

// NewTransactionID returns a cryptographically random transaction id.
func NewTransactionID() (TransactionID, error) {
	var id TransactionID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generate transaction id: %w", err)
	}
	return id, nil
}

// Attribute is one TLV attribute. Value excludes padding.
type Attribute struct {
	Type  uint16
	Value []byte
}

// Message is a parsed or under-construction STUN message.
type Message struct {
	Type          uint16
	TransactionID TransactionID
	Attributes    []Attribute
}

// New builds an empty message of the given type with a fresh
// transaction id.
func New(msgType uint16) (*Message, error) {
	id, err := NewTransactionID()
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, TransactionID: id}, nil
}

// Add appends a raw attribute.
func (m *Message) Add(attrType uint16, value []byte) {
	m.Attributes = append(m.Attributes, Attribute{Type: attrType, Value: value})
}

// Get returns the first attribute of the given type.
func (m *Message) Get(attrType uint16) ([]byte, bool) {
	for _, a := range m.Attributes {
		if a.Type == attrType {
			return a.Value, true
		}
	}
	return nil, false
}

// Marshal serializes the message without MESSAGE-INTEGRITY.
func (m *Message) Marshal() []byte {
	body := marshalAttributes(m.Attributes)
	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint16(buf[0:2], m.Type)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(body)))
	binary.BigEndian.PutUint32(buf[4:8], MagicCookie)
	copy(buf[8:20], m.TransactionID[:])
	copy(buf[HeaderSize:], body)
	return buf
}

// MarshalWithIntegrity serializes the message and appends a
// MESSAGE-INTEGRITY attribute computed with the given key. Per RFC
// 5389 the HMAC covers the message with the header length adjusted to
// include the integrity attribute itself.
func (m *Message) MarshalWithIntegrity(key []byte) []byte {
	body := marshalAttributes(m.Attributes)
	total := len(body) + 4 + messageIntegrityLength

	buf := make([]byte, HeaderSize+len(body), HeaderSize+total)
	binary.BigEndian.PutUint16(buf[0:2], m.Type)
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	binary.BigEndian.PutUint32(buf[4:8], MagicCookie)
	copy(buf[8:20], m.TransactionID[:])
	copy(buf[HeaderSize:], body)

	mac := hmac.New(sha1.New, key)
	mac.Write(buf)
	digest := mac.Sum(nil)

	attr := make([]byte, 4+messageIntegrityLength)
	binary.BigEndian.PutUint16(attr[0:2], AttrMessageIntegrity)
	binary.BigEndian.PutUint16(attr[2:4], messageIntegrityLength)
	copy(attr[4:], digest)
	return append(buf, attr...)
}

// Parse decodes a STUN message from buf. The first two bits must be
// zero and the magic cookie must match.
func Parse(buf []byte) (*Message, error) {
	if len(buf) < HeaderSize {
		return nil, ErrNotSTUN
	}
	if buf[0]&0xC0 != 0 {
		return nil, ErrNotSTUN
	}
	if binary.BigEndian.Uint32(buf[4:8]) != MagicCookie {
		return nil, ErrBadCookie
	}
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if len(buf) < HeaderSize+length {
		return nil, fmt.Errorf("stun: truncated message: have %d want %d", len(buf)-HeaderSize, length)
	}

	m := &Message{Type: binary.BigEndian.Uint16(buf[0:2])}
	copy(m.TransactionID[:], buf[8:20])

	attrs := buf[HeaderSize : HeaderSize+length]
	offset := 0
	for offset+4 <= len(attrs) {
		attrType := binary.BigEndian.Uint16(attrs[offset : offset+2])
		attrLen := int(binary.BigEndian.Uint16(attrs[offset+2 : offset+4]))
		offset += 4
		if offset+attrLen > len(attrs) {
			return nil, fmt.Errorf("stun: truncated attribute 0x%04x", attrType)
		}
		value := make([]byte, attrLen)
		copy(value, attrs[offset:offset+attrLen])
		m.Attributes = append(m.Attributes, Attribute{Type: attrType, Value: value})
		offset += attrLen
		if pad := offset % 4; pad != 0 {
			offset += 4 - pad
		}
	}
	return m, nil
}

// IsSTUN reports whether buf plausibly starts a STUN message. Used to
// demultiplex STUN from RTP and DTLS sharing one socket.
func IsSTUN(buf []byte) bool {
	return len(buf) >= HeaderSize &&
		buf[0]&0xC0 == 0 &&
		binary.BigEndian.Uint32(buf[4:8]) == MagicCookie
}

// VerifyIntegrity checks the MESSAGE-INTEGRITY attribute of a raw
// message against the given key. Attributes after MESSAGE-INTEGRITY
// (such as FINGERPRINT) are ignored per RFC 5389.
func VerifyIntegrity(raw, key []byte) error {
	if len(raw) < HeaderSize {
		return ErrNotSTUN
	}
	offset := HeaderSize
	for offset+4 <= len(raw) {
		attrType := binary.BigEndian.Uint16(raw[offset : offset+2])
		attrLen := int(binary.BigEndian.Uint16(raw[offset+2 : offset+4]))
		if attrType == AttrMessageIntegrity {
			if attrLen != messageIntegrityLength || offset+4+attrLen > len(raw) {
				return ErrIntegrityMismatch
			}
			// Recompute over the message up to this attribute, with the
			// header length adjusted to end just past it.
			covered := make([]byte, offset)
			copy(covered, raw[:offset])
			binary.BigEndian.PutUint16(covered[2:4],
				uint16(offset-HeaderSize+4+messageIntegrityLength))
			mac := hmac.New(sha1.New, key)
			mac.Write(covered)
			if !hmac.Equal(mac.Sum(nil), raw[offset+4:offset+4+attrLen]) {
				return ErrIntegrityMismatch
			}
			return nil
		}
		offset += 4 + attrLen
		if pad := offset % 4; pad != 0 {
			offset += 4 - pad
		}
	}
	return ErrAttributeNotFound
}

// AddXorMappedAddress appends an XOR-MAPPED-ADDRESS attribute.
func (m *Message) AddXorMappedAddress(addr *net.UDPAddr) {
	m.Add(AttrXorMappedAddress, xorAddress(addr, m.TransactionID))
}

// XorMappedAddress extracts and decodes the XOR-MAPPED-ADDRESS attribute.
func (m *Message) XorMappedAddress() (*net.UDPAddr, error) {
	value, ok := m.Get(AttrXorMappedAddress)
	if !ok {
		return nil, ErrAttributeNotFound
	}
	return unxorAddress(value, m.TransactionID)
}

// XorRelayedAddress extracts the TURN XOR-RELAYED-ADDRESS attribute.
func (m *Message) XorRelayedAddress() (*net.UDPAddr, error) {
	value, ok := m.Get(AttrXorRelayedAddress)
	if !ok {
		return nil, ErrAttributeNotFound
	}
	return unxorAddress(value, m.TransactionID)
}

// ErrorCode extracts the ERROR-CODE attribute as class*100+number.
func (m *Message) ErrorCode() (int, string, bool) {
	value, ok := m.Get(AttrErrorCode)
	if !ok || len(value) < 4 {
		return 0, "", false
	}
	code := int(value[2]&0x07)*100 + int(value[3])
	return code, string(value[4:]), true
}

func xorAddress(addr *net.UDPAddr, txID TransactionID) []byte {
	ip4 := addr.IP.To4()
	port := uint16(addr.Port) ^ uint16(MagicCookie>>16)
	if ip4 != nil {
		value := make([]byte, 8)
		value[1] = 0x01
		binary.BigEndian.PutUint16(value[2:4], port)
		binary.BigEndian.PutUint32(value[4:8],
			binary.BigEndian.Uint32(ip4)^MagicCookie)
		return value
	}

	value := make([]byte, 20)
	value[1] = 0x02
	binary.BigEndian.PutUint16(value[2:4], port)
	xorKey := make([]byte, 16)
	binary.BigEndian.PutUint32(xorKey[0:4], MagicCookie)
	copy(xorKey[4:16], txID[:])
	ip16 := addr.IP.To16()
	for i := 0; i < 16; i++ {
		value[4+i] = ip16[i] ^ xorKey[i]
	}
	return value
}

func unxorAddress(value []byte, txID TransactionID) (*net.UDPAddr, error) {
	if len(value) < 8 {
		return nil, errors.New("stun: xor address too short")
	}
	family := binary.BigEndian.Uint16(value[0:2])
	port := binary.BigEndian.Uint16(value[2:4]) ^ uint16(MagicCookie>>16)

	switch family {
	case 0x01:
		raw := binary.BigEndian.Uint32(value[4:8]) ^ MagicCookie
		ip := net.IPv4(byte(raw>>24), byte(raw>>16), byte(raw>>8), byte(raw))
		return &net.UDPAddr{IP: ip, Port: int(port)}, nil
	case 0x02:
		if len(value) < 20 {
			return nil, errors.New("stun: IPv6 xor address too short")
		}
		xorKey := make([]byte, 16)
		binary.BigEndian.PutUint32(xorKey[0:4], MagicCookie)
		copy(xorKey[4:16], txID[:])
		ip := make(net.IP, 16)
		for i := 0; i < 16; i++ {
			ip[i] = value[4+i] ^ xorKey[i]
		}
		return &net.UDPAddr{IP: ip, Port: int(port)}, nil
	default:
		return nil, fmt.Errorf("stun: unsupported address family %d", family)
	}
}

func marshalAttributes(attrs []Attribute) []byte {
	var size int
	for _, a := range attrs {
		size += 4 + len(a.Value)
		if pad := len(a.Value) % 4; pad != 0 {
			size += 4 - pad
		}
	}
	buf := make([]byte, size)
	offset := 0
	for _, a := range attrs {
		binary.BigEndian.PutUint16(buf[offset:offset+2], a.Type)
		binary.BigEndian.PutUint16(buf[offset+2:offset+4], uint16(len(a.Value)))
		offset += 4
		copy(buf[offset:], a.Value)
		offset += len(a.Value)
		if pad := offset % 4; pad != 0 {
			offset += 4 - pad
		}
	}
	return buf
}
