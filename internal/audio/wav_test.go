package audio

import (
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func sine(n int, freq float64, sampleRate int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(16383 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return samples
}

func TestEncodeDecodeWAV(t *testing.T) {
	samples := sine(4800, 1875, 48000)

	data, err := EncodeWAV(samples, 48000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	if expected := wavHeaderSize + len(samples)*2; len(data) != expected {
		t.Errorf("Expected WAV size %d, got %d", expected, len(data))
	}

	info, err := GetWAVInfo(data)
	if err != nil {
		t.Fatalf("GetWAVInfo failed: %v", err)
	}
	if info.SampleRate != 48000 || info.Channels != 1 || info.BitsPerSample != 16 {
		t.Errorf("Unexpected info %+v", info)
	}
	if info.Duration != 100*time.Millisecond {
		t.Errorf("Expected 100ms, got %v", info.Duration)
	}

	decoded, rate, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if rate != 48000 {
		t.Errorf("Expected sample rate 48000, got %d", rate)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(decoded))
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Fatalf("Sample %d mismatch: expected %d, got %d", i, samples[i], decoded[i])
		}
	}
}

func TestEncodeWAVErrors(t *testing.T) {
	if _, err := EncodeWAV(nil, 48000); err == nil {
		t.Errorf("Expected error for empty samples")
	}
	if _, err := EncodeWAV([]int16{1, 2}, 0); err == nil {
		t.Errorf("Expected error for zero sample rate")
	}
}

func TestDecodeWAVInvalid(t *testing.T) {
	valid, err := EncodeWAV([]int16{1, 2, 3, 4}, 48000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	tests := []struct {
		name     string
		data     []byte
		errorMsg string
	}{
		{
			name:     "too short",
			data:     []byte("RIFF"),
			errorMsg: "too short",
		},
		{
			name: "not riff",
			data: func() []byte {
				d := append([]byte(nil), valid...)
				copy(d, "RIFX")
				return d
			}(),
			errorMsg: "missing RIFF header",
		},
		{
			name: "stereo",
			data: func() []byte {
				d := append([]byte(nil), valid...)
				d[22] = 2
				return d
			}(),
			errorMsg: "only mono",
		},
		{
			name:     "truncated data",
			data:     valid[:len(valid)-2],
			errorMsg: "truncated",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeWAV(tt.data)
			if err == nil {
				t.Fatalf("Expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestWAVFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	samples := sine(1024, 15000, 48000)

	if err := WriteWAVFile(path, samples, 48000); err != nil {
		t.Fatalf("WriteWAVFile failed: %v", err)
	}

	decoded, rate, err := ReadWAVFile(path)
	if err != nil {
		t.Fatalf("ReadWAVFile failed: %v", err)
	}
	if rate != 48000 || len(decoded) != len(samples) {
		t.Errorf("Unexpected result: rate=%d samples=%d", rate, len(decoded))
	}

	if _, _, err := ReadWAVFile(filepath.Join(t.TempDir(), "missing.wav")); err == nil {
		t.Errorf("Expected error for missing file")
	}
}
