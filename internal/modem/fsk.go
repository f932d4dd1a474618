package modem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"time"
	"unicode/utf8"
)

// Audio format shared by every profile
const (
	SampleRate      = 48000
	SamplesPerFrame = 1024

	syncByte = 0x5A

	// frame overhead: sync, 2 length bytes, 4 crc bytes
	headerBytes  = 3
	trailerBytes = 4

	// peak of the summed tones relative to int16 full scale
	headroom = 0.9
)

var (
	ErrEmptyPayload   = errors.New("payload is empty")
	ErrPayloadTooLong = errors.New("payload too long")
)

// Modem converts text to and from a waveform
type Modem interface {
	Encode(text string) ([]int16, error)
	Decode(samples []int16) (string, bool)
}

// FSK is a multi-tone frequency-shift keying modem. Each symbol carries one
// nibble per tone group; group g sends value v on
// BaseFrequency + (g*16+v)*FrequencyStep. A transmission is
// sync | length | payload | crc32, nibble-packed across the groups.
type FSK struct {
	profile       Profile
	symbolSamples int
	maxLength     int
	amplitude     float64
	coeffs        [][]float64 // per group, per value
}

// NewFSK creates a modem for the profile. maxLength bounds payloads in characters.
func NewFSK(profile Profile, maxLength int) (*FSK, error) {
	if profile.Tones < 1 || profile.FramesPerTx < 3 || profile.FramesPerTx%3 != 0 {
		return nil, fmt.Errorf("unsupported profile %s", profile)
	}
	if profile.MaxFrequency() >= SampleRate/2 {
		return nil, fmt.Errorf("profile %s exceeds the Nyquist frequency", profile.Name)
	}
	if maxLength < 1 {
		return nil, fmt.Errorf("max length must be positive, got %d", maxLength)
	}

	m := &FSK{
		profile:       profile,
		symbolSamples: profile.SymbolSamples(SamplesPerFrame),
		maxLength:     maxLength,
		amplitude:     headroom * math.MaxInt16 / float64(profile.Tones),
		coeffs:        make([][]float64, profile.Tones),
	}
	for g := range m.coeffs {
		m.coeffs[g] = make([]float64, 16)
		for v := 0; v < 16; v++ {
			m.coeffs[g][v] = 2 * math.Cos(2*math.Pi*profile.Frequency(g, v)/SampleRate)
		}
	}

	return m, nil
}

// Profile returns the modem's protocol profile
func (m *FSK) Profile() Profile {
	return m.profile
}

// Airtime estimates how long a payload of n bytes takes to play
func (m *FSK) Airtime(n int) time.Duration {
	samples := m.symbolCount(n) * m.symbolSamples
	return time.Duration(samples) * time.Second / SampleRate
}

func (m *FSK) symbolCount(payloadBytes int) int {
	nibbles := 2 * (headerBytes + payloadBytes + trailerBytes)
	return (nibbles + m.profile.Tones - 1) / m.profile.Tones
}

// Encode renders text as a waveform at full scale
func (m *FSK) Encode(text string) ([]int16, error) {
	if text == "" {
		return nil, ErrEmptyPayload
	}
	if n := utf8.RuneCountInString(text); n > m.maxLength {
		return nil, fmt.Errorf("%w: %d characters (max %d)", ErrPayloadTooLong, n, m.maxLength)
	}

	frame := make([]byte, 0, headerBytes+len(text)+trailerBytes)
	frame = append(frame, syncByte)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(text)))
	frame = append(frame, text...)
	frame = binary.BigEndian.AppendUint32(frame, crc32.ChecksumIEEE(frame))

	nibbles := make([]int, 0, 2*len(frame))
	for _, b := range frame {
		nibbles = append(nibbles, int(b>>4), int(b&0x0F))
	}

	tones := m.profile.Tones
	symbols := (len(nibbles) + tones - 1) / tones
	out := make([]int16, symbols*m.symbolSamples)

	for s := 0; s < symbols; s++ {
		freqs := make([]float64, tones)
		for g := 0; g < tones; g++ {
			v := 0
			if i := s*tones + g; i < len(nibbles) {
				v = nibbles[i]
			}
			freqs[g] = 2 * math.Pi * m.profile.Frequency(g, v) / SampleRate
		}

		base := s * m.symbolSamples
		for i := 0; i < m.symbolSamples; i++ {
			var sum float64
			for _, w := range freqs {
				sum += math.Cos(w * float64(i))
			}
			out[base+i] = int16(math.Round(m.amplitude * sum))
		}
	}

	return out, nil
}

// Decode recovers text from a captured burst. It reports false for silence,
// foreign signals, truncated bursts and checksum mismatches.
func (m *FSK) Decode(samples []int16) (string, bool) {
	start := onset(samples)
	if start < 0 {
		return "", false
	}
	samples = samples[start:]

	tones := m.profile.Tones
	var nibbles []int
	readUntil := func(count int) bool {
		for len(nibbles) < count {
			s := len(nibbles) / tones
			if (s+1)*m.symbolSamples > len(samples) {
				return false
			}
			values, ok := m.demodulate(samples[s*m.symbolSamples : (s+1)*m.symbolSamples])
			if !ok {
				return false
			}
			nibbles = append(nibbles, values...)
		}
		return true
	}

	if !readUntil(2 * headerBytes) {
		return "", false
	}
	header := packNibbles(nibbles[:2*headerBytes])
	if header[0] != syncByte {
		return "", false
	}
	length := int(binary.BigEndian.Uint16(header[1:3]))
	if length == 0 || length > 4*m.maxLength {
		return "", false
	}

	total := headerBytes + length + trailerBytes
	if !readUntil(2 * total) {
		return "", false
	}
	frame := packNibbles(nibbles[:2*total])

	body := frame[:headerBytes+length]
	if binary.BigEndian.Uint32(frame[headerBytes+length:]) != crc32.ChecksumIEEE(body) {
		return "", false
	}

	text := string(body[headerBytes:])
	if !utf8.ValidString(text) || utf8.RuneCountInString(text) > m.maxLength {
		return "", false
	}
	return text, true
}

// demodulate picks the strongest tone in each group. A group whose winner
// does not clearly dominate the runner-up marks the symbol as unreadable.
func (m *FSK) demodulate(symbol []int16) ([]int, bool) {
	values := make([]int, len(m.coeffs))
	for g, coeffs := range m.coeffs {
		best, second := -1.0, -1.0
		for v, c := range coeffs {
			p := goertzel(symbol, c)
			if p > best {
				second = best
				best = p
				values[g] = v
			} else if p > second {
				second = p
			}
		}
		if best <= 0 || best < 2*second {
			return nil, false
		}
	}
	return values, true
}

func goertzel(samples []int16, coeff float64) float64 {
	var s1, s2 float64
	for _, x := range samples {
		s0 := float64(x) + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	return s1*s1 + s2*s2 - coeff*s1*s2
}

// onset finds the first sample of a transmission. Every symbol starts with
// all tones in phase, so the first sample of a burst is its loudest.
func onset(samples []int16) int {
	peak := 0
	for _, s := range samples {
		a := int(s)
		if a < 0 {
			a = -a
		}
		if a > peak {
			peak = a
		}
	}
	if peak < 64 {
		return -1
	}

	threshold := peak / 4
	for i, s := range samples {
		a := int(s)
		if a < 0 {
			a = -a
		}
		if a >= threshold {
			return i
		}
	}
	return -1
}

func packNibbles(nibbles []int) []byte {
	out := make([]byte, len(nibbles)/2)
	for i := range out {
		out[i] = byte(nibbles[2*i]<<4 | nibbles[2*i+1])
	}
	return out
}
