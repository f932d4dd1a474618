package squelch

import (
	"math"
	"testing"
)

func tone(n int, amplitude float64) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(amplitude * math.Cos(2*math.Pi*1875*float64(i)/48000))
	}
	return samples
}

func TestNewDetector(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		smoothing float64
		valid     bool
	}{
		{"valid", 200, 0.3, true},
		{"no smoothing", 200, 0, true},
		{"zero threshold", 0, 0.3, false},
		{"smoothing of one", 200, 1, false},
		{"negative smoothing", 200, -0.1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDetector(tt.threshold, tt.smoothing)
			if tt.valid && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("Expected error, got none")
			}
		})
	}
}

func TestRMS(t *testing.T) {
	if RMS(nil) != 0 {
		t.Errorf("Expected 0 for empty frame")
	}

	square := []int16{100, -100, 100, -100}
	if got := RMS(square); got != 100 {
		t.Errorf("Expected 100, got %f", got)
	}

	// A full-period cosine has RMS amplitude/sqrt(2).
	got := RMS(tone(1024, 1000))
	if math.Abs(got-1000/math.Sqrt2) > 5 {
		t.Errorf("Expected ~707, got %f", got)
	}
}

func TestDetectorAttackAndRelease(t *testing.T) {
	d, err := NewDetector(200, 0.5)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}

	silence := make([]int16, 1024)

	res, err := d.Process(silence)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Active {
		t.Errorf("Silence should not be active")
	}

	res, _ = d.Process(tone(1024, 4000))
	if !res.Active {
		t.Errorf("Signal frame should be active immediately")
	}

	// Release: level decays by half each silent frame from ~2828.
	activeAfter := 0
	for i := 0; i < 10; i++ {
		res, _ = d.Process(silence)
		if res.Active {
			activeAfter++
		}
	}
	if activeAfter == 0 || activeAfter == 10 {
		t.Errorf("Expected a finite release tail, got %d active frames", activeAfter)
	}

	stats := d.GetStats()
	if stats.TotalFrames != 12 {
		t.Errorf("Expected 12 frames, got %d", stats.TotalFrames)
	}
	if stats.ActiveFrames != uint64(1+activeAfter) {
		t.Errorf("Expected %d active frames, got %d", 1+activeAfter, stats.ActiveFrames)
	}

	if _, err := d.Process(nil); err == nil {
		t.Errorf("Expected error for empty frame")
	}
}

func TestDetectorUpdateThresholdAndReset(t *testing.T) {
	d, _ := NewDetector(200, 0)

	if err := d.UpdateThreshold(-1); err == nil {
		t.Errorf("Expected error for negative threshold")
	}
	if err := d.UpdateThreshold(5000); err != nil {
		t.Fatalf("UpdateThreshold failed: %v", err)
	}
	if d.Threshold() != 5000 {
		t.Errorf("Expected threshold 5000, got %f", d.Threshold())
	}

	res, _ := d.Process(tone(1024, 1000))
	if res.Active {
		t.Errorf("Quiet tone should be below raised threshold")
	}

	d.Reset()
	if d.GetStats().TotalFrames != 0 {
		t.Errorf("Expected stats to be cleared")
	}
}
