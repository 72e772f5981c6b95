package devices

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/voicebridge/voicebridge/internal/database/models"
)

type seedDevice struct {
	Extension      string `json:"extension"`
	Name           string `json:"name"`
	SIPAuthID      string `json:"sipAuthId"`
	SIPPassword    string `json:"sipPassword"`
	Voice          string `json:"voice"`
	Language       string `json:"language"`
	Greeting       string `json:"greeting"`
	ThinkingPhrase string `json:"thinkingPhrase"`
	Personality    string `json:"personality"`
}

// ImportSeed loads devices from a JSON file into an empty device table.
// It is a no-op when the table already has rows or when path is empty,
// so restarts never duplicate or clobber edited devices.
func (r *Registry) ImportSeed(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	n, err := r.repo.Count(ctx)
	if err != nil {
		return fmt.Errorf("counting devices: %w", err)
	}
	if n > 0 {
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading device seed: %w", err)
	}
	var seeds []seedDevice
	if err := json.Unmarshal(raw, &seeds); err != nil {
		return fmt.Errorf("parsing device seed: %w", err)
	}

	imported := 0
	for _, s := range seeds {
		d := s.toModel()
		if err := ValidateDevice(d); err != nil {
			r.logger.Warn("skipping seed device", "extension", s.Extension, "error", err)
			continue
		}
		if d.Language == "" {
			d.Language = r.def.Language
		}
		if err := r.repo.Create(ctx, d); err != nil {
			return fmt.Errorf("seeding device %s: %w", d.Extension, err)
		}
		imported++
	}
	r.logger.Info("device seed imported", "path", path, "devices", imported)
	return nil
}

func (s seedDevice) toModel() *models.Device {
	return &models.Device{
		Extension:      s.Extension,
		Name:           s.Name,
		SIPAuthID:      s.SIPAuthID,
		SIPPassword:    s.SIPPassword,
		Voice:          s.Voice,
		Language:       s.Language,
		Greeting:       s.Greeting,
		ThinkingPhrase: s.ThinkingPhrase,
		Personality:    s.Personality,
	}
}
