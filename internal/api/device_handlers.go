package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/database/models"
	"github.com/voicebridge/voicebridge/internal/devices"
)

// deviceRequest is the body for POST /api/devices.
type deviceRequest struct {
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

// deviceUpdateRequest is the body for PUT /api/devices/{extension}. Nil
// fields are left unchanged; the extension itself is immutable.
type deviceUpdateRequest struct {
	Name           *string `json:"name"`
	SIPAuthID      *string `json:"sipAuthId"`
	SIPPassword    *string `json:"sipPassword"`
	Voice          *string `json:"voice"`
	Language       *string `json:"language"`
	Greeting       *string `json:"greeting"`
	ThinkingPhrase *string `json:"thinkingPhrase"`
	Personality    *string `json:"personality"`
}

// deviceResponse is the public view of a device. The SIP password never
// leaves the server.
type deviceResponse struct {
	Extension      string `json:"extension"`
	Name           string `json:"name"`
	SIPAuthID      string `json:"sipAuthId,omitempty"`
	Voice          string `json:"voice,omitempty"`
	Language       string `json:"language,omitempty"`
	Greeting       string `json:"greeting,omitempty"`
	ThinkingPhrase string `json:"thinkingPhrase,omitempty"`
	Personality    string `json:"personality,omitempty"`
	Registrable    bool   `json:"registrable"`
	CreatedAt      string `json:"createdAt,omitempty"`
	UpdatedAt      string `json:"updatedAt,omitempty"`
}

func deviceToResponse(d *models.Device) deviceResponse {
	resp := deviceResponse{
		Extension:      d.Extension,
		Name:           d.Name,
		SIPAuthID:      d.SIPAuthID,
		Voice:          d.Voice,
		Language:       d.Language,
		Greeting:       d.Greeting,
		ThinkingPhrase: d.ThinkingPhrase,
		Personality:    d.Personality,
		Registrable:    d.Registrable(),
	}
	if !d.CreatedAt.IsZero() {
		resp.CreatedAt = d.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !d.UpdatedAt.IsZero() {
		resp.UpdatedAt = d.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// validateDeviceStrings checks the writable fields shared by create and
// update. Extension format and credential rules live in devices.ValidateDevice.
func validateDeviceStrings(d *models.Device) string {
	if msg := validateRequiredStringLen("name", d.Name, maxNameLen); msg != "" {
		return msg
	}
	if msg := validateNoControlChars("name", d.Name); msg != "" {
		return msg
	}
	if msg := validateStringLen("sipAuthId", d.SIPAuthID, maxShortStringLen); msg != "" {
		return msg
	}
	if msg := validateStringLen("sipPassword", d.SIPPassword, maxPasswordLen); msg != "" {
		return msg
	}
	if msg := validateStringLen("voice", d.Voice, maxShortStringLen); msg != "" {
		return msg
	}
	if d.Language != "" && !config.SupportedLanguage(d.Language) {
		return "language is not supported"
	}
	if msg := validateStringLen("greeting", d.Greeting, maxLongStringLen); msg != "" {
		return msg
	}
	if msg := validateStringLen("thinkingPhrase", d.ThinkingPhrase, maxLongStringLen); msg != "" {
		return msg
	}
	if msg := validateStringLen("personality", d.Personality, maxPromptLen); msg != "" {
		return msg
	}
	return ""
}

// handleListDevices returns all stored devices. The reserved default
// device is synthesized, not stored, so it is not listed.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	all := s.registry.All()
	out := make([]deviceResponse, 0, len(all))
	for _, d := range all {
		out = append(out, deviceToResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": out,
		"count":   len(out),
	})
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	d := &models.Device{
		Extension:      strings.TrimSpace(req.Extension),
		Name:           strings.TrimSpace(req.Name),
		SIPAuthID:      req.SIPAuthID,
		SIPPassword:    req.SIPPassword,
		Voice:          req.Voice,
		Language:       req.Language,
		Greeting:       req.Greeting,
		ThinkingPhrase: req.ThinkingPhrase,
		Personality:    req.Personality,
	}
	if msg := validateDeviceStrings(d); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := devices.ValidateDevice(d); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := s.deviceRepo.GetByExtension(r.Context(), d.Extension)
	if err != nil {
		s.logger.Error("device lookup failed", "extension", d.Extension, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create device")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "device already exists")
		return
	}
	byName, err := s.deviceRepo.GetByName(r.Context(), d.Name)
	if err != nil {
		s.logger.Error("device lookup failed", "name", d.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create device")
		return
	}
	if byName != nil {
		writeError(w, http.StatusConflict, "device name already in use")
		return
	}

	if err := s.deviceRepo.Create(r.Context(), d); err != nil {
		s.logger.Error("device create failed", "extension", d.Extension, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create device")
		return
	}
	s.reloadRegistry(r.Context())

	if d.Registrable() {
		// Start failure is not fatal here; with no registrar configured
		// devices still place calls through the outbound proxy.
		if err := s.registrar.Start(d); err != nil {
			s.logger.Debug("registration not started", "extension", d.Extension, "error", err)
		}
	}

	s.logger.Info("device created", "extension", d.Extension, "name", d.Name)
	writeJSON(w, http.StatusCreated, deviceToResponse(d))
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	ext := chi.URLParam(r, "extension")
	existing, err := s.deviceRepo.GetByExtension(r.Context(), ext)
	if err != nil {
		s.logger.Error("device lookup failed", "extension", ext, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update device")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	var req deviceUpdateRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	d := *existing
	if req.Name != nil {
		d.Name = strings.TrimSpace(*req.Name)
	}
	if req.SIPAuthID != nil {
		d.SIPAuthID = *req.SIPAuthID
	}
	if req.SIPPassword != nil {
		d.SIPPassword = *req.SIPPassword
	}
	if req.Voice != nil {
		d.Voice = *req.Voice
	}
	if req.Language != nil {
		d.Language = *req.Language
	}
	if req.Greeting != nil {
		d.Greeting = *req.Greeting
	}
	if req.ThinkingPhrase != nil {
		d.ThinkingPhrase = *req.ThinkingPhrase
	}
	if req.Personality != nil {
		d.Personality = *req.Personality
	}

	if msg := validateDeviceStrings(&d); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := devices.ValidateDevice(&d); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name != nil && !strings.EqualFold(d.Name, existing.Name) {
		byName, err := s.deviceRepo.GetByName(r.Context(), d.Name)
		if err != nil {
			s.logger.Error("device lookup failed", "name", d.Name, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to update device")
			return
		}
		if byName != nil && byName.Extension != ext {
			writeError(w, http.StatusConflict, "device name already in use")
			return
		}
	}

	if err := s.deviceRepo.Update(r.Context(), &d); err != nil {
		s.logger.Error("device update failed", "extension", ext, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update device")
		return
	}
	s.reloadRegistry(r.Context())

	// Only credential changes force a re-registration; a personality edit
	// must not bounce an otherwise healthy registration.
	if req.SIPAuthID != nil || req.SIPPassword != nil {
		s.registrar.Stop(ext)
		if d.Registrable() {
			if err := s.registrar.Start(&d); err != nil {
				s.logger.Debug("registration not started", "extension", ext, "error", err)
			}
		}
	}

	s.logger.Info("device updated", "extension", ext)
	writeJSON(w, http.StatusOK, deviceToResponse(&d))
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	ext := chi.URLParam(r, "extension")
	existing, err := s.deviceRepo.GetByExtension(r.Context(), ext)
	if err != nil {
		s.logger.Error("device lookup failed", "extension", ext, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete device")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	if err := s.deviceRepo.Delete(r.Context(), ext); err != nil {
		s.logger.Error("device delete failed", "extension", ext, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete device")
		return
	}
	s.registrar.Stop(ext)
	s.reloadRegistry(r.Context())

	s.logger.Info("device deleted", "extension", ext)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "extension": ext})
}

// handleReloadDevices re-reads the device table (picking up rows written
// outside the API) and reconciles registrations against it. Running
// registrations are left alone; credential changes go through PUT.
func (s *Server) handleReloadDevices(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Reload(r.Context()); err != nil {
		s.logger.Error("device reload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload devices")
		return
	}

	registrable := s.registry.Registrable()
	want := make(map[string]bool, len(registrable))
	started := 0
	for _, d := range registrable {
		want[d.Extension] = true
		if _, ok := s.registrar.Status(d.Extension); !ok {
			if err := s.registrar.Start(d); err != nil {
				s.logger.Debug("registration not started", "extension", d.Extension, "error", err)
			} else {
				started++
			}
		}
	}
	stopped := 0
	for _, st := range s.registrar.Statuses() {
		if !want[st.Extension] {
			s.registrar.Stop(st.Extension)
			stopped++
		}
	}

	count := len(s.registry.All())
	s.logger.Info("devices reloaded", "devices", count, "registrations_started", started, "registrations_stopped", stopped)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":              true,
		"devices":              count,
		"registrationsStarted": started,
		"registrationsStopped": stopped,
	})
}

// reloadRegistry refreshes the in-memory device registry after a write. The
// row is already persisted, so a refresh failure is logged rather than
// surfaced; the next reload or restart heals it.
func (s *Server) reloadRegistry(ctx context.Context) {
	if err := s.registry.Reload(ctx); err != nil {
		s.logger.Error("registry refresh failed", "error", err)
	}
}
