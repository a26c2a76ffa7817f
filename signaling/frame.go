package signaling

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// MaxFrameLength is the largest value the length field may carry.
// The length field covers the type byte plus the payload, so the
// largest accepted payload is MaxFrameLength-1 bytes. A frame whose
// length field exceeds this is rejected before any payload allocation.
const MaxFrameLength = 1 << 20 // 1 MiB

var (
	// ErrFrameTooLarge is returned when the length field exceeds MaxFrameLength.
	ErrFrameTooLarge = errors.New("signaling: frame exceeds maximum length")

	// ErrEmptyFrame is returned when the length field is zero; every frame
	// carries at least the type byte.
	ErrEmptyFrame = errors.New("signaling: frame length must cover the type byte")

	// ErrInvalidUTF8 is returned when a payload is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("signaling: payload is not valid UTF-8")
)

// Frame is one decoded wire frame: a type byte and its raw JSON payload.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// EncodeFrame serializes a message into a complete wire frame:
// 4-byte big-endian length, type byte, JSON payload.
func EncodeFrame(typ MessageType, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return EncodeRawFrame(typ, body)
}

// EncodeRawFrame frames an already-serialized payload. Used by the relay
// to forward SDP and ICE messages verbatim.
func EncodeRawFrame(typ MessageType, body []byte) ([]byte, error) {
	length := 1 + len(body)
	if length > MaxFrameLength {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, 4+length)
	binary.BigEndian.PutUint32(frame[0:4], uint32(length))
	frame[4] = byte(typ)
	copy(frame[5:], body)
	return frame, nil
}

// WriteFrame encodes a message and writes the full frame to w.
func WriteFrame(w io.Writer, typ MessageType, payload any) error {
	frame, err := EncodeFrame(typ, payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write %s frame: %w", typ, err)
	}
	return nil
}

// ReadFrame reads one complete frame from r. The length field is
// validated against MaxFrameLength before the payload is allocated,
// and the payload must be valid UTF-8.
func ReadFrame(r io.Reader) (*Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, ErrEmptyFrame
	}
	if length > MaxFrameLength {
		return nil, ErrFrameTooLarge
	}

	var typ [1]byte
	if _, err := io.ReadFull(r, typ[:]); err != nil {
		return nil, fmt.Errorf("read frame type: %w", err)
	}

	payload := make([]byte, length-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	if !utf8.Valid(payload) {
		return nil, ErrInvalidUTF8
	}

	return &Frame{Type: MessageType(typ[0]), Payload: payload}, nil
}

// Decode unmarshals the frame payload into v. Unknown JSON fields are
// ignored; missing required fields are the caller's concern.
func (f *Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}
