package audio

import "sync"

// SegmentState represents where the segmenter is within a burst
type SegmentState int

const (
	StateIdle SegmentState = iota
	StateCollecting
	StateTrailing
)

func (s SegmentState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateTrailing:
		return "trailing"
	default:
		return "unknown"
	}
}

// SegmenterConfig contains the burst detection parameters
type SegmenterConfig struct {
	HangoverFrames int // silent frames that end a burst
	MaxSamples     int // bursts longer than this are cut
	PrerollFrames  int // silent frames kept ahead of a burst
}

// SegmenterStats represents segmenter statistics
type SegmenterStats struct {
	State          string `json:"state"`
	BurstsEmitted  uint64 `json:"bursts_emitted"`
	BurstsCut      uint64 `json:"bursts_cut"`
	CurrentSamples int    `json:"current_samples"`
}

// Segmenter turns a stream of captured frames into bursts: runs of active
// frames bounded by silence, each handed to the decoder as one waveform.
type Segmenter struct {
	config SegmenterConfig
	state  SegmentState

	preroll [][]int16
	burst   []int16
	silent  int

	emitted uint64
	cut     uint64

	mu sync.Mutex
}

// NewSegmenter creates a segmenter
func NewSegmenter(config SegmenterConfig) *Segmenter {
	if config.HangoverFrames < 1 {
		config.HangoverFrames = 1
	}
	if config.PrerollFrames < 0 {
		config.PrerollFrames = 0
	}
	return &Segmenter{config: config}
}

// Feed adds one frame and its activity flag. It returns a completed burst,
// or nil while a burst is still open or nothing is being heard.
func (s *Segmenter) Feed(frame []int16, active bool) []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle:
		if !active {
			s.pushPreroll(frame)
			return nil
		}
		for _, f := range s.preroll {
			s.burst = append(s.burst, f...)
		}
		s.preroll = nil
		s.burst = append(s.burst, frame...)
		s.state = StateCollecting

	case StateCollecting, StateTrailing:
		s.burst = append(s.burst, frame...)
		if active {
			s.silent = 0
			s.state = StateCollecting
		} else {
			s.silent++
			s.state = StateTrailing
			if s.silent >= s.config.HangoverFrames {
				s.emitted++
				return s.finish()
			}
		}
	}

	if s.config.MaxSamples > 0 && len(s.burst) >= s.config.MaxSamples {
		s.cut++
		return s.finish()
	}

	return nil
}

// Flush returns the open burst, if any, and resets to idle
func (s *Segmenter) Flush() []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle {
		s.preroll = nil
		return nil
	}
	s.emitted++
	return s.finish()
}

func (s *Segmenter) finish() []int16 {
	burst := s.burst
	s.burst = nil
	s.silent = 0
	s.state = StateIdle
	return burst
}

func (s *Segmenter) pushPreroll(frame []int16) {
	if s.config.PrerollFrames == 0 {
		return
	}
	s.preroll = append(s.preroll, frame)
	if len(s.preroll) > s.config.PrerollFrames {
		s.preroll = s.preroll[1:]
	}
}

// State returns the current segmenter state
func (s *Segmenter) State() SegmentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsIdle reports whether no burst is open
func (s *Segmenter) IsIdle() bool {
	return s.State() == StateIdle
}

// GetStats returns segmenter statistics
func (s *Segmenter) GetStats() SegmenterStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SegmenterStats{
		State:          s.state.String(),
		BurstsEmitted:  s.emitted,
		BurstsCut:      s.cut,
		CurrentSamples: len(s.burst),
	}
}
