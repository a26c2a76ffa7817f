package rtp

import (
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// Jitter buffer defaults.
const (
	DefaultTargetDelay = 50 * time.Millisecond
	DefaultMaxDelay    = 200 * time.Millisecond
)

// Stats counts buffer and reassembly events.
type Stats struct {
	Received           uint64
	Lost               uint64
	Duplicates         uint64
	Dropped            uint64
	ReassemblyFailures uint64
}

// JitterBuffer reorders packets by sequence number before playout.
// The head is held back until it has aged past the target delay, and
// a little longer when the packet before it is still missing.
type JitterBuffer struct {
	mu sync.Mutex

	entries  []jitterEntry
	capacity int

	targetDelay time.Duration

	lastPopped uint16
	popped     bool
	gapSince   time.Time

	stats Stats
	log   *logrus.Entry
}

type jitterEntry struct {
	packet  *rtp.Packet
	arrived time.Time
}

// NewJitterBuffer sizes the buffer from the maximum delay and the
// expected packet rate.
func NewJitterBuffer(targetDelay, maxDelay time.Duration, packetsPerSecond int) *JitterBuffer {
	if targetDelay <= 0 {
		targetDelay = DefaultTargetDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	capacity := int(maxDelay.Seconds() * float64(packetsPerSecond))
	if capacity < 16 {
		capacity = 16
	}
	return &JitterBuffer{
		capacity:    capacity,
		targetDelay: targetDelay,
		log:         logrus.WithField("component", "jitter"),
	}
}

// Push inserts a packet in sequence order. Packets older than the
// playout head and duplicates are dropped.
func (b *JitterBuffer) Push(packet *rtp.Packet) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Received++
	seq := packet.SequenceNumber

	if b.popped && !seqLess(b.lastPopped, seq) {
		b.stats.Dropped++
		return false
	}

	idx := len(b.entries)
	for i, e := range b.entries {
		if e.packet.SequenceNumber == seq {
			b.stats.Duplicates++
			return false
		}
		if seqLess(seq, e.packet.SequenceNumber) {
			idx = i
			break
		}
	}

	b.entries = append(b.entries, jitterEntry{})
	copy(b.entries[idx+1:], b.entries[idx:])
	b.entries[idx] = jitterEntry{packet: packet, arrived: time.Now()}
	return true
}

// Pop returns the next packet due for playout, or nil when nothing is
// ready yet. Missing sequence numbers ahead of a released head are
// counted as lost.
func (b *JitterBuffer) Pop() *rtp.Packet {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return nil
	}
	now := time.Now()
	head := b.entries[0]
	full := len(b.entries) >= b.capacity
	aged := now.Sub(head.arrived) >= b.targetDelay

	if !aged && !full {
		return nil
	}

	if b.popped {
		expected := b.lastPopped + 1
		if head.packet.SequenceNumber != expected && !full {
			// Hold the head back once more in case the gap fills.
			if b.gapSince.IsZero() {
				b.gapSince = now
				return nil
			}
			if now.Sub(b.gapSince) < b.targetDelay {
				return nil
			}
		}
		if head.packet.SequenceNumber != expected {
			lost := seqDiff(expected, head.packet.SequenceNumber)
			b.stats.Lost += uint64(lost)
			b.log.WithFields(logrus.Fields{
				"expected": expected,
				"got":      head.packet.SequenceNumber,
				"lost":     lost,
			}).Debug("sequence gap at playout")
		}
	}

	b.entries = b.entries[1:]
	b.lastPopped = head.packet.SequenceNumber
	b.popped = true
	b.gapSince = time.Time{}
	return head.packet
}

// Stats returns a snapshot of the counters.
func (b *JitterBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// addReassemblyFailure is called by the reassembler sharing this
// buffer's statistics.
func (b *JitterBuffer) addReassemblyFailure() {
	b.mu.Lock()
	b.stats.ReassemblyFailures++
	b.mu.Unlock()
}
