package squelch

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Detector decides whether a captured frame carries a transmission, using
// RMS energy with instant attack and smoothed release.
type Detector struct {
	threshold float64 // RMS amplitude
	smoothing float64 // weight of the previous level on release

	level float64

	// Statistics
	totalFrames   uint64
	activeFrames  uint64
	peakLevel     float64
	lastProcessed time.Time

	mu sync.Mutex
}

// Result represents the outcome of analysing one frame
type Result struct {
	RMS      float64   `json:"rms"`
	Level    float64   `json:"level"`
	Active   bool      `json:"active"`
	Index    uint64    `json:"index"`
	Observed time.Time `json:"observed"`
}

// Stats represents detector statistics
type Stats struct {
	Threshold        float64   `json:"threshold"`
	TotalFrames      uint64    `json:"total_frames"`
	ActiveFrames     uint64    `json:"active_frames"`
	ActivePercentage float64   `json:"active_percentage"`
	PeakLevel        float64   `json:"peak_level"`
	LastProcessed    time.Time `json:"last_processed"`
}

// NewDetector creates a detector with the given RMS threshold and release smoothing
func NewDetector(threshold, smoothing float64) (*Detector, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("threshold must be positive, got %f", threshold)
	}

	if smoothing < 0 || smoothing >= 1 {
		return nil, fmt.Errorf("smoothing must be between 0 and 1 (exclusive), got %f", smoothing)
	}

	return &Detector{
		threshold: threshold,
		smoothing: smoothing,
	}, nil
}

// Process analyses a frame of samples
func (d *Detector) Process(samples []int16) (*Result, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	rms := RMS(samples)

	d.mu.Lock()
	defer d.mu.Unlock()

	if rms >= d.level {
		d.level = rms
	} else {
		d.level = d.smoothing*d.level + (1-d.smoothing)*rms
	}

	active := rms >= d.threshold || d.level >= d.threshold

	d.totalFrames++
	if active {
		d.activeFrames++
	}
	if rms > d.peakLevel {
		d.peakLevel = rms
	}
	d.lastProcessed = time.Now()

	return &Result{
		RMS:      rms,
		Level:    d.level,
		Active:   active,
		Index:    d.totalFrames - 1,
		Observed: d.lastProcessed,
	}, nil
}

// RMS returns the root-mean-square amplitude of the samples
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}

	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	return math.Sqrt(energy / float64(len(samples)))
}

// GetStats returns current detector statistics
func (d *Detector) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	activePercentage := float64(0)
	if d.totalFrames > 0 {
		activePercentage = float64(d.activeFrames) / float64(d.totalFrames) * 100
	}

	return Stats{
		Threshold:        d.threshold,
		TotalFrames:      d.totalFrames,
		ActiveFrames:     d.activeFrames,
		ActivePercentage: activePercentage,
		PeakLevel:        d.peakLevel,
		LastProcessed:    d.lastProcessed,
	}
}

// UpdateThreshold changes the activity threshold
func (d *Detector) UpdateThreshold(threshold float64) error {
	if threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %f", threshold)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.threshold = threshold
	return nil
}

// Threshold returns the current activity threshold
func (d *Detector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threshold
}

// Reset clears the smoothed level and statistics
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.level = 0
	d.totalFrames = 0
	d.activeFrames = 0
	d.peakLevel = 0
	d.lastProcessed = time.Time{}
}
