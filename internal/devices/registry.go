// Package devices holds the in-memory registry of telephony devices.
// The registry is read-mostly: lookups take an RLock while reload builds
// fresh tables off to the side and swaps them in under a short write lock.
package devices

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/voicebridge/voicebridge/internal/database"
	"github.com/voicebridge/voicebridge/internal/database/models"
)

var extensionRe = regexp.MustCompile(`^\d{3,6}$`)

// ValidExtension reports whether s is a 3 to 6 digit extension.
func ValidExtension(s string) bool {
	return extensionRe.MatchString(s)
}

// ValidateDevice checks the fields a stored device must carry. It is used
// by the API handlers before writes and by the registry when loading rows.
func ValidateDevice(d *models.Device) error {
	if !ValidExtension(d.Extension) {
		return fmt.Errorf("extension must be 3-6 digits, got %q", d.Extension)
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	if d.SIPAuthID != "" && d.SIPAuthID == d.Extension {
		return fmt.Errorf("sip auth id must differ from the extension")
	}
	return nil
}

// Registry owns all Device records. Active calls hold the returned
// pointers; they are never copied and never mutated after a swap.
type Registry struct {
	repo   database.DeviceRepository
	logger *slog.Logger
	def    *models.Device

	mu     sync.RWMutex
	byExt  map[string]*models.Device
	byName map[string]*models.Device
	list   []*models.Device
}

// New creates a Registry backed by repo. defaultLanguage seeds the reserved
// default device, which answers lookups that match nothing.
func New(repo database.DeviceRepository, logger *slog.Logger, defaultLanguage string) *Registry {
	return &Registry{
		repo:   repo,
		logger: logger.With("component", "devices"),
		def: &models.Device{
			Name:           "default",
			Language:       defaultLanguage,
			Greeting:       "Hello! How can I help you today?",
			ThinkingPhrase: "One moment.",
			Personality:    "You are a helpful voice assistant. Keep answers short and speakable.",
		},
		byExt:  map[string]*models.Device{},
		byName: map[string]*models.Device{},
	}
}

// Reload re-reads the device table and atomically replaces the lookup
// tables. Malformed rows are logged and skipped; a row with credentials
// equal to its extension keeps its place but loses the credentials.
func (r *Registry) Reload(ctx context.Context) error {
	rows, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	byExt := make(map[string]*models.Device, len(rows))
	byName := make(map[string]*models.Device, len(rows))
	list := make([]*models.Device, 0, len(rows))

	for i := range rows {
		d := rows[i]
		if !ValidExtension(d.Extension) || strings.TrimSpace(d.Name) == "" {
			r.logger.Warn("skipping malformed device row", "extension", d.Extension, "name", d.Name)
			continue
		}
		if d.SIPAuthID != "" && d.SIPAuthID == d.Extension {
			r.logger.Warn("device auth id equals extension, dropping credentials", "extension", d.Extension)
			d.SIPAuthID = ""
			d.SIPPassword = ""
		}
		if d.Language == "" {
			d.Language = r.def.Language
		}
		byExt[d.Extension] = &d
		byName[strings.ToLower(d.Name)] = &d
		list = append(list, &d)
	}

	r.mu.Lock()
	r.byExt = byExt
	r.byName = byName
	r.list = list
	r.mu.Unlock()

	r.logger.Info("device registry loaded", "devices", len(list))
	return nil
}

// Lookup finds a device by extension, then by case-insensitive name.
// The second return is false when nothing matched.
func (r *Registry) Lookup(identifier string) (*models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.byExt[identifier]; ok {
		return d, true
	}
	if d, ok := r.byName[strings.ToLower(identifier)]; ok {
		return d, true
	}
	return nil, false
}

// Get behaves like Lookup but falls back to the reserved default device,
// so callers never see nil.
func (r *Registry) Get(identifier string) *models.Device {
	if d, ok := r.Lookup(identifier); ok {
		return d
	}
	return r.def
}

// Default returns the reserved default device.
func (r *Registry) Default() *models.Device {
	return r.def
}

// All returns the loaded devices. The default device is not listed.
func (r *Registry) All() []*models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Device, len(r.list))
	copy(out, r.list)
	return out
}

// Registrable returns the devices that carry SIP credentials.
func (r *Registry) Registrable() []*models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Device
	for _, d := range r.list {
		if d.Registrable() {
			out = append(out, d)
		}
	}
	return out
}
