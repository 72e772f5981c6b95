package api

import (
	"net/http"
	"time"

	"github.com/voicebridge/voicebridge/internal/database/models"
)

// handleHealth reports liveness plus component readiness. The endpoint
// always answers 200 so orchestrators do not restart the process over a
// degraded media engine; readiness lives in the body.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	engineUp := s.engine.Healthy(r.Context())
	status := "ok"
	if !engineUp {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            status,
		"engine":            engineUp,
		"aiConfigured":      s.ai.Configured(),
		"activeCalls":       s.calls.ActiveCount(),
		"registeredDevices": s.registrar.RegisteredCount(),
		"uptimeSeconds":     int(time.Since(s.started).Seconds()),
	})
}

// handleRegistrations returns the registrar's view of every device it
// manages, sorted by extension.
func (s *Server) handleRegistrations(w http.ResponseWriter, r *http.Request) {
	statuses := s.registrar.Statuses()
	writeJSON(w, http.StatusOK, map[string]any{
		"registrations": statuses,
		"count":         len(statuses),
	})
}

type callLogEntry struct {
	CallID     string `json:"callId"`
	Direction  string `json:"direction"`
	Mode       string `json:"mode"`
	Extension  string `json:"extension"`
	Remote     string `json:"remote"`
	FinalState string `json:"finalState"`
	Reason     string `json:"reason,omitempty"`
	TurnCount  int    `json:"turnCount"`
	Duration   int    `json:"duration"`
	CreatedAt  string `json:"createdAt"`
	AnsweredAt string `json:"answeredAt,omitempty"`
	EndedAt    string `json:"endedAt,omitempty"`
}

func callRecordToEntry(rec *models.CallRecord) callLogEntry {
	e := callLogEntry{
		CallID:     rec.CallID,
		Direction:  rec.Direction,
		Mode:       rec.Mode,
		Extension:  rec.Extension,
		Remote:     rec.Remote,
		FinalState: rec.FinalState,
		Reason:     rec.Reason,
		TurnCount:  rec.TurnCount,
		Duration:   rec.DurationSecs,
		CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if rec.AnsweredAt != nil {
		e.AnsweredAt = rec.AnsweredAt.UTC().Format(time.RFC3339)
	}
	if rec.EndedAt != nil {
		e.EndedAt = rec.EndedAt.UTC().Format(time.RFC3339)
	}
	return e
}

// handleCallLog returns recent terminal call records, newest first.
func (s *Server) handleCallLog(w http.ResponseWriter, r *http.Request) {
	limit, msg := parseLimit(r, 50, 500)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	records, err := s.callLog.ListRecent(r.Context(), limit)
	if err != nil {
		s.logger.Error("call log query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load call log")
		return
	}

	out := make([]callLogEntry, 0, len(records))
	for i := range records {
		out = append(out, callRecordToEntry(&records[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": out,
		"count":   len(out),
	})
}
