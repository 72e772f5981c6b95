package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voicebridge/voicebridge/internal/call"
	"github.com/voicebridge/voicebridge/internal/database/models"
)

// outboundCallRequest is the body for POST /api/outbound-call.
type outboundCallRequest struct {
	To             string `json:"to"`
	Message        string `json:"message"`
	Mode           string `json:"mode"`
	Device         string `json:"device"`
	CallerID       string `json:"callerId"`
	TimeoutSeconds *int   `json:"timeoutSeconds"`
	WebhookURL     string `json:"webhookUrl"`
	Context        string `json:"context"`
}

func (req *outboundCallRequest) validate() string {
	if msg := validateDialTarget("to", req.To); msg != "" {
		return msg
	}
	if msg := validateRequiredStringLen("message", req.Message, maxLongStringLen); msg != "" {
		return msg
	}
	if msg := validateNoControlChars("message", req.Message); msg != "" {
		return msg
	}
	switch req.Mode {
	case "", string(call.ModeAnnounce), string(call.ModeConversation):
	default:
		return "mode must be announce or conversation"
	}
	if msg := validateStringLen("device", req.Device, maxNameLen); msg != "" {
		return msg
	}
	if msg := validateStringLen("callerId", req.CallerID, maxShortStringLen); msg != "" {
		return msg
	}
	if msg := validateNoControlChars("callerId", req.CallerID); msg != "" {
		return msg
	}
	if msg := validateIntRange("timeoutSeconds", req.TimeoutSeconds, 5, 120); msg != "" {
		return msg
	}
	if msg := validateWebhookURL("webhookUrl", req.WebhookURL); msg != "" {
		return msg
	}
	if msg := validateStringLen("context", req.Context, maxPromptLen); msg != "" {
		return msg
	}
	return ""
}

type outboundCallResponse struct {
	Success bool   `json:"success"`
	CallID  string `json:"callId"`
	Status  string `json:"status"`
}

// handleOutboundCall validates the request, resolves the bot device and
// hands the call to the dialer. It returns 202 as soon as the session is
// created; progress is observable via GET /api/call/{callID} and the
// webhook events.
func (s *Server) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	var req outboundCallRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	var device *models.Device
	if req.Device != "" {
		d, ok := s.registry.Lookup(req.Device)
		if !ok {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		device = d
	} else {
		device = s.registry.Default()
	}

	if !s.engine.Healthy(r.Context()) {
		writeError(w, http.StatusServiceUnavailable, "media engine unavailable")
		return
	}

	mode := call.ModeAnnounce
	if req.Mode == string(call.ModeConversation) {
		mode = call.ModeConversation
	}
	if mode == call.ModeConversation && !s.ai.Configured() {
		writeError(w, http.StatusServiceUnavailable, "ai gateway is not configured")
		return
	}

	ringTimeout := s.cfg.RingTimeout()
	if req.TimeoutSeconds != nil {
		ringTimeout = time.Duration(*req.TimeoutSeconds) * time.Second
	}

	sess := s.placer.PlaceCall(call.Params{
		Direction:     call.DirectionOutbound,
		Mode:          mode,
		Device:        device,
		Remote:        req.To,
		CallerID:      req.CallerID,
		Message:       req.Message,
		PromptContext: req.Context,
		WebhookURL:    req.WebhookURL,
		RingTimeout:   ringTimeout,
	})

	s.logger.Info("outbound call queued",
		"call_id", sess.ID(),
		"to", req.To,
		"device", device.Extension,
		"mode", mode)

	writeJSON(w, http.StatusAccepted, outboundCallResponse{
		Success: true,
		CallID:  sess.ID(),
		Status:  "queued",
	})
}

// handleGetCall returns the snapshot for one call, active or recently ended.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	sess := s.calls.Get(chi.URLParam(r, "callID"))
	if sess == nil {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// handleListCalls returns snapshots for every session still held in memory,
// oldest first.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	sessions := s.calls.Sessions()
	snaps := make([]call.Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		snaps = append(snaps, sess.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"calls": snaps,
		"count": len(snaps),
	})
}

// handleHangupCall requests termination of an active call. Hanging up a
// call that already ended succeeds without effect; only evicted or unknown
// IDs report not found.
func (s *Server) handleHangupCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "callID")
	if !s.calls.Hangup(id) {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	s.logger.Info("hangup requested", "call_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "callId": id})
}
