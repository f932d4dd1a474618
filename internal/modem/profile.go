package modem

import (
	"fmt"
	"strings"
)

// Profile describes one modem protocol: the frequency band and the
// speed/reliability tradeoff.
type Profile struct {
	ID            int     `json:"id"`
	Name          string  `json:"name"`
	BaseFrequency float64 `json:"base_frequency"` // Hz
	FrequencyStep float64 `json:"frequency_step"` // Hz between adjacent tones
	Tones         int     `json:"tones"`          // simultaneous tone groups
	FramesPerTx   int     `json:"frames_per_tx"`  // 3, 6 or 9; larger is slower and sturdier
	Ultrasound    bool    `json:"ultrasound"`
	Description   string  `json:"description"`
}

// Well-known profile ids
const (
	AudibleNormal = iota
	AudibleFast
	AudibleFastest
	UltrasoundNormal
	UltrasoundFast
	UltrasoundFastest
	DualToneNormal
	DualToneFast
	DualToneFastest

	// DefaultTxProfile is the general-purpose transmit profile.
	DefaultTxProfile = AudibleFast

	// DefaultPOSProfile is inaudible and short, suited to checkout counters.
	DefaultPOSProfile = UltrasoundFastest
)

const toneStep = 46.875

var profiles = []Profile{
	{AudibleNormal, "Audible Normal", 1875, toneStep, 6, 9, false,
		"Standard audible protocol with good balance of speed and reliability"},
	{AudibleFast, "Audible Fast", 1875, toneStep, 6, 6, false,
		"Faster audible transmission with moderate reliability"},
	{AudibleFastest, "Audible Fastest", 1875, toneStep, 6, 3, false,
		"Fastest audible transmission with lower reliability"},
	{UltrasoundNormal, "Ultrasound Normal", 15000, toneStep, 6, 9, true,
		"Inaudible transmission with good reliability"},
	{UltrasoundFast, "Ultrasound Fast", 15000, toneStep, 6, 6, true,
		"Faster inaudible transmission with moderate reliability"},
	{UltrasoundFastest, "Ultrasound Fastest", 15000, toneStep, 6, 3, true,
		"Fastest inaudible transmission for quick POS transactions"},
	{DualToneNormal, "Dual-Tone Normal", 1125, toneStep, 2, 9, false,
		"Low band for talking buttons and low-quality speakers"},
	{DualToneFast, "Dual-Tone Fast", 1125, toneStep, 2, 6, false,
		"Faster dual-tone transmission"},
	{DualToneFastest, "Dual-Tone Fastest", 1125, toneStep, 2, 3, false,
		"Fastest dual-tone transmission"},
}

// Profiles returns a copy of the profile table ordered by id
func Profiles() []Profile {
	out := make([]Profile, len(profiles))
	copy(out, profiles)
	return out
}

// ProfileByID looks up a profile by its numeric id
func ProfileByID(id int) (Profile, error) {
	if id < 0 || id >= len(profiles) {
		return Profile{}, fmt.Errorf("unknown modem profile id %d", id)
	}
	return profiles[id], nil
}

// ProfileByName looks up a profile by name, ignoring case and separators
func ProfileByName(name string) (Profile, error) {
	key := normalizeName(name)
	for _, p := range profiles {
		if normalizeName(p.Name) == key {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("unknown modem profile %q", name)
}

func normalizeName(s string) string {
	r := strings.NewReplacer(" ", "", "-", "", "_", "")
	return strings.ToLower(r.Replace(s))
}

// MaxFrequency is the highest tone the profile can emit
func (p Profile) MaxFrequency() float64 {
	return p.BaseFrequency + float64(p.Tones*16)*p.FrequencyStep
}

// SymbolSamples is how many samples one symbol lasts for the given frame size.
// Every multiple of the frame size keeps the tones orthogonal.
func (p Profile) SymbolSamples(samplesPerFrame int) int {
	return p.FramesPerTx / 3 * samplesPerFrame
}

// Frequency returns the tone carrying value v (0-15) in tone group g
func (p Profile) Frequency(g, v int) float64 {
	return p.BaseFrequency + float64(g*16+v)*p.FrequencyStep
}

func (p Profile) String() string {
	return fmt.Sprintf("Profile{ID:%d, Name:%s, Band:%.0f-%.0fHz, Tones:%d, FramesPerTx:%d}",
		p.ID, p.Name, p.BaseFrequency, p.MaxFrequency(), p.Tones, p.FramesPerTx)
}
