package audio

import (
	"sync"
	"testing"
)

func frame(marker int16) []int16 {
	return []int16{marker, marker, marker, marker}
}

func markers(frames [][]int16) []int16 {
	out := make([]int16, len(frames))
	for i, f := range frames {
		out[i] = f[0]
	}
	return out
}

func equalMarkers(a, b []int16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBufferInOrder(t *testing.T) {
	b := NewBuffer(1, 4)

	for seq := uint32(100); seq < 105; seq++ {
		if err := b.Add(seq, frame(int16(seq))); err != nil {
			t.Fatalf("Add(%d) failed: %v", seq, err)
		}
	}

	got := markers(b.Drain())
	if !equalMarkers(got, []int16{100, 101, 102, 103, 104}) {
		t.Errorf("Unexpected order %v", got)
	}
	if len(b.Drain()) != 0 {
		t.Errorf("Drain should empty the ready queue")
	}
}

func TestBufferReordering(t *testing.T) {
	b := NewBuffer(1, 4)

	order := []uint32{1, 3, 2, 5, 4}
	for _, seq := range order {
		if err := b.Add(seq, frame(int16(seq))); err != nil {
			t.Fatalf("Add(%d) failed: %v", seq, err)
		}
	}

	got := markers(b.Drain())
	if !equalMarkers(got, []int16{1, 2, 3, 4, 5}) {
		t.Errorf("Expected reordered frames, got %v", got)
	}

	stats := b.GetStats()
	if stats.LastSequence != 5 || stats.PendingSeqs != 0 || stats.LostPackets != 0 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestBufferGapGivesUp(t *testing.T) {
	b := NewBuffer(1, 2)

	_ = b.Add(1, frame(1))
	_ = b.Add(3, frame(3)) // waiting for 2
	if got := markers(b.Drain()); !equalMarkers(got, []int16{1}) {
		t.Fatalf("Expected only frame 1, got %v", got)
	}

	_ = b.Add(6, frame(6)) // gap of 4 from expected 2 exceeds maxGap
	got := markers(b.Drain())
	if !equalMarkers(got, []int16{3, 6}) {
		t.Errorf("Expected 3 and 6 after giving up, got %v", got)
	}

	stats := b.GetStats()
	if stats.LostPackets != 3 {
		t.Errorf("Expected 3 lost packets (2, 4, 5), got %d", stats.LostPackets)
	}
	if stats.LossRate <= 0 {
		t.Errorf("Expected positive loss rate")
	}
}

func TestBufferDuplicatesAndFlush(t *testing.T) {
	b := NewBuffer(1, 8)

	_ = b.Add(10, frame(10))
	if err := b.Add(10, frame(10)); err == nil {
		t.Errorf("Expected error for duplicate")
	}
	_ = b.Add(13, frame(13))
	if err := b.Add(13, frame(13)); err == nil {
		t.Errorf("Expected error for duplicate pending frame")
	}
	_ = b.Add(12, frame(12))

	b.Drain()
	b.Flush()

	got := markers(b.Drain())
	if !equalMarkers(got, []int16{12, 13}) {
		t.Errorf("Expected flushed frames 12, 13, got %v", got)
	}
	if stats := b.GetStats(); stats.Duplicates != 2 || stats.LostPackets != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}

	if err := b.Add(14, nil); err == nil {
		t.Errorf("Expected error for empty frame")
	}
}

func TestBufferConcurrentAccess(t *testing.T) {
	b := NewBuffer(1, 1000)
	_ = b.Add(0, frame(0))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 1; i <= 50; i++ {
				_ = b.Add(uint32(w*50+i), frame(1))
			}
		}(w)
	}
	wg.Wait()
	b.Flush()

	if got := len(b.Drain()); got != 201 {
		t.Errorf("Expected 201 frames, got %d", got)
	}
}
