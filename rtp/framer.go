package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// DefaultMTU leaves room for IP and UDP headers on common paths.
const DefaultMTU = 1200

// ErrEmptyNAL is returned when an access unit contains an empty NAL.
var ErrEmptyNAL = errors.New("rtp: empty NAL unit")

// Framer turns encoded access units into marshaled RTP packets. Video
// and control packets share one SSRC and one sequence space. Not safe
// for concurrent use; the sender goroutine owns it.
type Framer struct {
	ssrc    uint32
	seq     uint16
	baseTS  uint32
	mtu     int
	fps     uint32
	frameNo uint64
	log     *logrus.Entry
}

// NewFramer creates a framer with a random SSRC, starting sequence
// number, and timestamp base.
func NewFramer(mtu int, fps uint32) (*Framer, error) {
	if mtu <= 64 {
		return nil, fmt.Errorf("rtp: mtu %d too small", mtu)
	}
	if fps == 0 {
		return nil, errors.New("rtp: fps cannot be zero")
	}
	var seed [10]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("rtp: seed framer: %w", err)
	}
	return &Framer{
		ssrc:   binary.BigEndian.Uint32(seed[0:4]),
		seq:    binary.BigEndian.Uint16(seed[4:6]),
		baseTS: binary.BigEndian.Uint32(seed[6:10]),
		mtu:    mtu,
		fps:    fps,
		log:    logrus.WithField("component", "rtp-framer"),
	}, nil
}

// SSRC returns the stream's synchronization source.
func (f *Framer) SSRC() uint32 { return f.ssrc }

// PacketizeAccessUnit emits the RTP packets for one access unit. All
// packets share the unit's timestamp; the marker bit is set only on
// the final packet. NALs larger than the single-packet threshold are
// fragmented as FU-A.
func (f *Framer) PacketizeAccessUnit(nals [][]byte) ([][]byte, error) {
	if len(nals) == 0 {
		return nil, errors.New("rtp: access unit with no NALs")
	}
	ts := f.baseTS + uint32(f.frameNo*uint64(ClockRate)/uint64(f.fps))
	f.frameNo++

	var out [][]byte
	for i, nal := range nals {
		if len(nal) == 0 {
			return nil, ErrEmptyNAL
		}
		lastNAL := i == len(nals)-1
		packets, err := f.packetizeNAL(nal, ts, lastNAL)
		if err != nil {
			return nil, err
		}
		out = append(out, packets...)
	}
	return out, nil
}

// packetizeNAL emits one packet for a small NAL or an FU-A run for a
// large one. marker is applied to the final packet when this is the
// access unit's last NAL.
func (f *Framer) packetizeNAL(nal []byte, ts uint32, lastNAL bool) ([][]byte, error) {
	single := f.mtu - 12
	if len(nal) <= single {
		raw, err := f.marshal(PayloadTypeH264, ts, lastNAL, nal)
		if err != nil {
			return nil, err
		}
		return [][]byte{raw}, nil
	}

	header := nal[0]
	body := nal[1:]
	chunkSize := f.mtu - 12 - 2

	var out [][]byte
	for offset := 0; offset < len(body); offset += chunkSize {
		end := offset + chunkSize
		if end > len(body) {
			end = len(body)
		}
		first := offset == 0
		last := end == len(body)

		payload := make([]byte, 2+end-offset)
		payload[0] = fuIndicator(header)
		payload[1] = fuHeader(first, last, header)
		copy(payload[2:], body[offset:end])

		raw, err := f.marshal(PayloadTypeH264, ts, lastNAL && last, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// PacketizeControl emits one control packet carrying an encoded
// message. Control packets never fragment; oversize messages are an
// error.
func (f *Framer) PacketizeControl(message []byte, ts uint32) ([]byte, error) {
	if len(message) > f.mtu-12 {
		return nil, fmt.Errorf("rtp: control message of %d bytes exceeds mtu", len(message))
	}
	return f.marshal(PayloadTypeControl, ts, true, message)
}

func (f *Framer) marshal(payloadType uint8, ts uint32, marker bool, payload []byte) ([]byte, error) {
	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    payloadType,
			SequenceNumber: f.seq,
			Timestamp:      ts,
			SSRC:           f.ssrc,
		},
		Payload: payload,
	}
	f.seq++
	raw, err := packet.Marshal()
	if err != nil {
		return nil, fmt.Errorf("rtp: marshal packet: %w", err)
	}
	return raw, nil
}
