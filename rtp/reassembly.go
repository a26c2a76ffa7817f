package rtp

import (
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// Reassembler rebuilds NAL units from the jitter buffer's playout
// order and groups them into access units. FU-A fragments must be
// contiguous in sequence; any gap aborts the assembly in progress.
type Reassembler struct {
	buffer *JitterBuffer

	// FU-A assembly in progress, keyed by ssrc and timestamp.
	active    bool
	ssrc      uint32
	ts        uint32
	nextSeq   uint16
	nalHeader byte
	fragments []byte

	// NALs of the current access unit, flushed on the marker.
	unit [][]byte

	log *logrus.Entry
}

// NewReassembler shares the jitter buffer's failure counter.
func NewReassembler(buffer *JitterBuffer) *Reassembler {
	return &Reassembler{
		buffer: buffer,
		log:    logrus.WithField("component", "reassembly"),
	}
}

// Process consumes one in-order packet and returns a complete access
// unit when the packet closes one, or nil.
func (r *Reassembler) Process(packet *rtp.Packet) [][]byte {
	if len(packet.Payload) == 0 {
		return nil
	}

	switch nalType(packet.Payload[0]) {
	case fuaType:
		r.processFragment(packet)
	default:
		// A whole NAL travels as the payload unchanged.
		r.abortIfStale(packet)
		nal := make([]byte, len(packet.Payload))
		copy(nal, packet.Payload)
		r.unit = append(r.unit, nal)
	}

	if packet.Marker && len(r.unit) > 0 {
		unit := r.unit
		r.unit = nil
		return unit
	}
	return nil
}

// processFragment advances or aborts the FU-A assembly.
func (r *Reassembler) processFragment(packet *rtp.Packet) {
	if len(packet.Payload) < 3 {
		r.fail("short FU-A payload")
		return
	}
	indicator := packet.Payload[0]
	header := packet.Payload[1]
	chunk := packet.Payload[2:]

	if fuStart(header) {
		if r.active {
			r.fail("new fragment run while assembly in progress")
		}
		r.active = true
		r.ssrc = packet.SSRC
		r.ts = packet.Timestamp
		r.nextSeq = packet.SequenceNumber + 1
		r.nalHeader = indicator&0xE0 | fuNalType(header)
		r.fragments = append(r.fragments[:0], chunk...)
		if fuEnd(header) {
			r.emit()
		}
		return
	}

	if !r.active {
		r.fail("continuation fragment with no assembly in progress")
		return
	}
	if packet.SSRC != r.ssrc || packet.Timestamp != r.ts || packet.SequenceNumber != r.nextSeq {
		r.fail("fragment gap")
		return
	}
	r.nextSeq = packet.SequenceNumber + 1
	r.fragments = append(r.fragments, chunk...)

	if fuEnd(header) {
		r.emit()
	}
}

// emit closes the assembly and appends the reconstructed NAL to the
// current access unit.
func (r *Reassembler) emit() {
	nal := make([]byte, 1+len(r.fragments))
	nal[0] = r.nalHeader
	copy(nal[1:], r.fragments)
	r.unit = append(r.unit, nal)
	r.active = false
	r.fragments = r.fragments[:0]
}

// abortIfStale drops a partial assembly when a non-fragment packet
// interrupts it.
func (r *Reassembler) abortIfStale(packet *rtp.Packet) {
	if r.active {
		r.fail("assembly interrupted by whole NAL")
	}
	_ = packet
}

func (r *Reassembler) fail(reason string) {
	if r.buffer != nil {
		r.buffer.addReassemblyFailure()
	}
	r.log.WithField("reason", reason).Debug("reassembly aborted")
	r.active = false
	r.fragments = r.fragments[:0]
}
