package audio

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Buffer restores sender order for frames that arrive over a network that may
// reorder or drop them. Frames are released in sequence; a gap longer than
// maxGap is given up on and counted as lost.
type Buffer struct {
	senderID uint32

	ready    [][]int16          // in-order frames not yet drained
	pending  map[uint32][]int16 // out-of-order frames
	lastSeq  uint32             // last released sequence
	expected uint32             // next sequence to release
	started  bool
	maxGap   uint32

	lastUpdate   time.Time
	totalPackets uint64
	lostCount    uint64
	duplicates   uint64

	mu sync.Mutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	SenderID     uint32  `json:"sender_id"`
	TotalPackets uint64  `json:"total_packets"`
	LostPackets  uint64  `json:"lost_packets"`
	Duplicates   uint64  `json:"duplicates"`
	LossRate     float64 `json:"loss_rate"`
	ReadyFrames  int     `json:"ready_frames"`
	PendingSeqs  int     `json:"pending_sequences"`
	LastSequence uint32  `json:"last_sequence"`
}

// NewBuffer creates a reorder buffer for one sender
func NewBuffer(senderID uint32, maxGap uint32) *Buffer {
	if maxGap == 0 {
		maxGap = 8
	}
	return &Buffer{
		senderID:   senderID,
		pending:    make(map[uint32][]int16),
		maxGap:     maxGap,
		lastUpdate: time.Now(),
	}
}

// Add inserts a frame with its sequence number
func (b *Buffer) Add(sequence uint32, samples []int16) error {
	if len(samples) == 0 {
		return fmt.Errorf("empty frame for sequence %d", sequence)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastUpdate = time.Now()
	b.totalPackets++

	if !b.started {
		b.started = true
		b.expected = sequence
		b.lastSeq = sequence - 1
	}

	switch {
	case sequence == b.expected:
		b.ready = append(b.ready, samples)
		b.lastSeq = sequence
		b.expected = sequence + 1
		b.releasePending()

	case sequence > b.expected:
		if _, dup := b.pending[sequence]; dup {
			b.duplicates++
			return fmt.Errorf("duplicate packet: seq=%d", sequence)
		}
		b.pending[sequence] = samples

		if sequence-b.expected > b.maxGap {
			for seq := b.expected; seq < sequence; seq++ {
				if _, ok := b.pending[seq]; !ok {
					b.lostCount++
				}
			}
			b.skipTo(sequence)
		}

	default:
		b.duplicates++
		return fmt.Errorf("ignoring old/duplicate packet: seq=%d, lastSeq=%d", sequence, b.lastSeq)
	}

	return nil
}

// skipTo abandons everything before seq and releases what is contiguous from there
func (b *Buffer) skipTo(seq uint32) {
	var stale []uint32
	for s := range b.pending {
		if s < seq {
			stale = append(stale, s)
		}
	}
	slices.Sort(stale)
	for _, s := range stale {
		b.ready = append(b.ready, b.pending[s])
		delete(b.pending, s)
	}
	b.expected = seq
	b.releasePending()
}

func (b *Buffer) releasePending() {
	for {
		samples, ok := b.pending[b.expected]
		if !ok {
			return
		}
		b.ready = append(b.ready, samples)
		delete(b.pending, b.expected)
		b.lastSeq = b.expected
		b.expected++
	}
}

// Flush gives up on every missing frame and releases all pending ones
func (b *Buffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return
	}
	var maxSeq uint32
	for s := range b.pending {
		if s > maxSeq {
			maxSeq = s
		}
	}
	for seq := b.expected; seq <= maxSeq; seq++ {
		if _, ok := b.pending[seq]; !ok {
			b.lostCount++
		}
	}
	b.skipTo(maxSeq + 1)
	b.lastSeq = maxSeq
}

// Drain returns the frames released so far, in order
func (b *Buffer) Drain() [][]int16 {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.ready
	b.ready = nil
	return out
}

// GetStats returns buffer statistics
func (b *Buffer) GetStats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	lossRate := float64(0)
	if total := b.totalPackets + b.lostCount; total > 0 {
		lossRate = float64(b.lostCount) / float64(total)
	}

	return BufferStats{
		SenderID:     b.senderID,
		TotalPackets: b.totalPackets,
		LostPackets:  b.lostCount,
		Duplicates:   b.duplicates,
		LossRate:     lossRate,
		ReadyFrames:  len(b.ready),
		PendingSeqs:  len(b.pending),
		LastSequence: b.lastSeq,
	}
}

// LastUpdate returns when the buffer last received a frame
func (b *Buffer) LastUpdate() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdate
}
