// Package prompts generates the built-in tone prompts used during calls.
// The files are plain PCM WAV (8kHz, mono, 16-bit) so the media engine can
// play them without transcoding. Generation is idempotent: existing files
// are left untouched so operators can replace them with recordings.
package prompts

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
)

const (
	// BeepFile is the short attention beep played when the caller has been
	// silent past the listen timeout.
	BeepFile = "beep.wav"

	// ChimeFile is the two-tone chime played before announcement messages.
	ChimeFile = "chime.wav"
)

const sampleRate = 8000

// segment is one piece of a generated prompt. freq 0 means silence.
type segment struct {
	freq       float64
	durationMs int
	amplitude  float64
}

var defaultPrompts = map[string][]segment{
	BeepFile: {
		{0, 100, 0},
		{880, 250, 0.45},
		{0, 100, 0},
	},
	ChimeFile: {
		{0, 80, 0},
		{600, 140, 0.4},
		{0, 60, 0},
		{900, 140, 0.4},
		{0, 80, 0},
	},
}

// Ensure writes any missing tone prompts into dir. Files already present
// are kept as-is.
func Ensure(dir string, logger *slog.Logger) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating prompt directory: %w", err)
	}
	for name, segs := range defaultPrompts {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := writeToneWAV(path, segs); err != nil {
			return fmt.Errorf("generating prompt %s: %w", name, err)
		}
		logger.Debug("generated tone prompt", "file", name)
	}
	return nil
}

// writeToneWAV renders the segments as a PCM16 mono WAV file. Tones get a
// short linear fade at both ends to avoid clicks on playback.
func writeToneWAV(path string, segs []segment) error {
	var samples []int16
	for _, s := range segs {
		n := sampleRate * s.durationMs / 1000
		if s.freq == 0 {
			samples = append(samples, make([]int16, n)...)
			continue
		}
		fade := sampleRate * 5 / 1000 // 5ms
		if fade*2 > n {
			fade = n / 2
		}
		for i := 0; i < n; i++ {
			v := s.amplitude * math.Sin(2*math.Pi*s.freq*float64(i)/sampleRate)
			switch {
			case i < fade:
				v *= float64(i) / float64(fade)
			case i >= n-fade:
				v *= float64(n-1-i) / float64(fade)
			}
			samples = append(samples, int16(v*math.MaxInt16))
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dataSize := uint32(len(samples) * 2)

	// RIFF header
	f.Write([]byte("RIFF"))
	binary.Write(f, binary.LittleEndian, uint32(36+dataSize))
	f.Write([]byte("WAVE"))

	// fmt chunk
	f.Write([]byte("fmt "))
	binary.Write(f, binary.LittleEndian, uint32(16))           // chunk size
	binary.Write(f, binary.LittleEndian, uint16(1))            // PCM
	binary.Write(f, binary.LittleEndian, uint16(1))            // mono
	binary.Write(f, binary.LittleEndian, uint32(sampleRate))   // sample rate
	binary.Write(f, binary.LittleEndian, uint32(sampleRate*2)) // byte rate
	binary.Write(f, binary.LittleEndian, uint16(2))            // block align
	binary.Write(f, binary.LittleEndian, uint16(16))           // bits per sample

	// data chunk
	f.Write([]byte("data"))
	binary.Write(f, binary.LittleEndian, dataSize)
	return binary.Write(f, binary.LittleEndian, samples)
}
