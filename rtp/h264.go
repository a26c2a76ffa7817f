// Package rtp packetizes H.264 access units for transmission and
// reorders and reassembles them on receive. It uses pion/rtp for the
// wire format and implements FU-A fragmentation per RFC 6184, a
// wraparound-aware jitter buffer, and fragment reassembly.
package rtp

// Payload types negotiated in the SDP.
const (
	// PayloadTypeH264 carries video.
	PayloadTypeH264 = 96
	// PayloadTypeControl carries in-band UTF-8 JSON control messages
	// in the same sequence space as the video stream.
	PayloadTypeControl = 127
)

// ClockRate is the RTP video clock.
const ClockRate = 90000

// fuaType is the NAL unit type of an FU-A fragment.
const fuaType = 28

// nalForbidden, nalRefIdc and nalType split an H.264 NAL header byte.
func nalForbidden(h byte) bool { return h&0x80 != 0 }
func nalRefIdc(h byte) byte    { return h & 0x60 }
func nalType(h byte) byte      { return h & 0x1F }

// fuIndicator builds the first byte of an FU-A payload: the original
// F and NRI bits with type 28.
func fuIndicator(nalHeader byte) byte {
	return nalHeader&0xE0 | fuaType
}

// fuHeader builds the second byte: start and end flags plus the
// original NAL type. The reserved bit stays zero.
func fuHeader(start, end bool, nalHeader byte) byte {
	h := nalType(nalHeader)
	if start {
		h |= 0x80
	}
	if end {
		h |= 0x40
	}
	return h
}

func fuStart(h byte) bool   { return h&0x80 != 0 }
func fuEnd(h byte) bool     { return h&0x40 != 0 }
func fuNalType(h byte) byte { return h & 0x1F }

// seqLess compares sequence numbers with wraparound: a precedes b
// when the forward distance from a to b is shorter than the reverse.
func seqLess(a, b uint16) bool {
	return a != b && int16(b-a) > 0
}

// seqDiff returns the forward distance from a to b.
func seqDiff(a, b uint16) uint16 {
	return b - a
}
