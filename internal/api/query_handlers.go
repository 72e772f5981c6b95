package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voicebridge/voicebridge/internal/database/models"
)

// jsonDirective is layered into the system prompt when format=json so the
// model answers with machine-readable output instead of conversational prose.
const jsonDirective = "Respond with a single raw JSON object only. Do not use code fences, markdown, or any prose around it."

// queryRequest is the body for POST /api/query.
type queryRequest struct {
	Target         string   `json:"target"`
	Query          string   `json:"query"`
	Format         string   `json:"format"`
	Timeout        *int     `json:"timeout"`
	RequiredFields []string `json:"requiredFields"`
}

func (req *queryRequest) validate() string {
	if msg := validateRequiredStringLen("target", req.Target, maxNameLen); msg != "" {
		return msg
	}
	if msg := validateRequiredStringLen("query", req.Query, maxLongStringLen); msg != "" {
		return msg
	}
	if msg := validateNoControlChars("query", req.Query); msg != "" {
		return msg
	}
	switch req.Format {
	case "", "text", "json":
	default:
		return "format must be text or json"
	}
	if msg := validateIntRange("timeout", req.Timeout, 1, 120); msg != "" {
		return msg
	}
	if len(req.RequiredFields) > 32 {
		return "requiredFields exceeds maximum length"
	}
	for _, f := range req.RequiredFields {
		if f == "" {
			return "requiredFields must not contain empty strings"
		}
		if msg := validateStringLen("requiredFields entry", f, maxShortStringLen); msg != "" {
			return msg
		}
	}
	return ""
}

type queryDevice struct {
	Name      string `json:"name"`
	Extension string `json:"extension"`
}

type queryReply struct {
	Raw    string         `json:"raw"`
	Data   map[string]any `json:"data"`
	Format string         `json:"format"`
}

type queryMeta struct {
	DurationMS int64 `json:"duration_ms"`
}

type queryResponse struct {
	Success  bool        `json:"success"`
	Device   queryDevice `json:"device"`
	Response queryReply  `json:"response"`
	Meta     queryMeta   `json:"meta"`
}

// handleQuery asks a device's personality a one-shot question and returns
// the answer synchronously. No call is placed; the device only supplies the
// system prompt. With format=json the reply is parsed, repaired once if
// needed, and returned as structured data alongside the verbatim text.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	device, ok := s.registry.Lookup(req.Target)
	if !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if !s.ai.Configured() {
		writeError(w, http.StatusServiceUnavailable, "ai gateway is not configured")
		return
	}

	timeout := s.cfg.AITimeout()
	if req.Timeout != nil {
		timeout = time.Duration(*req.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	// Each query gets a throwaway gateway session so it never pollutes an
	// active call's conversation.
	sessionID := "query-" + uuid.NewString()
	defer s.ai.EndSession(sessionID)

	format := req.Format
	if format == "" {
		format = "text"
	}

	start := time.Now()
	raw, err := s.ai.Query(ctx, req.Query, sessionID, querySystemPrompt(device, format, req.RequiredFields))
	if err != nil {
		s.logger.Error("personality query failed", "target", req.Target, "error", err)
		writeError(w, http.StatusServiceUnavailable, "ai gateway error")
		return
	}

	resp := queryResponse{
		Success:  true,
		Device:   queryDevice{Name: device.Name, Extension: device.Extension},
		Response: queryReply{Raw: raw, Format: format},
	}

	if format == "json" {
		data, parsed := parseJSONReply(raw, req.RequiredFields)
		if !parsed {
			repaired, rerr := s.ai.Query(ctx, repairPrompt(req.Query, req.RequiredFields), sessionID, jsonDirective)
			if rerr == nil {
				resp.Response.Raw = repaired
				data, parsed = parseJSONReply(repaired, req.RequiredFields)
			}
		}
		if !parsed {
			resp.Success = false
			resp.Meta.DurationMS = time.Since(start).Milliseconds()
			s.logger.Warn("personality query returned unparseable json", "target", req.Target)
			writeJSONError(w, http.StatusUnprocessableEntity, resp, "ai reply was not valid json")
			return
		}
		resp.Response.Data = data
	}

	resp.Meta.DurationMS = time.Since(start).Milliseconds()
	writeJSON(w, http.StatusOK, resp)
}

// querySystemPrompt combines the device personality with the structured
// output directives. The personality comes first so format instructions win
// any conflict about output shape.
func querySystemPrompt(device *models.Device, format string, required []string) string {
	var sb strings.Builder
	if p := strings.TrimSpace(device.Personality); p != "" {
		sb.WriteString(p)
	}
	if format == "json" {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(jsonDirective)
		if len(required) > 0 {
			sb.WriteString(" The object must contain the fields: ")
			sb.WriteString(strings.Join(required, ", "))
			sb.WriteString(".")
		}
	}
	return sb.String()
}

// repairPrompt re-asks the original question after an unparseable reply.
func repairPrompt(query string, required []string) string {
	var sb strings.Builder
	sb.WriteString("Your previous reply could not be parsed. ")
	sb.WriteString(jsonDirective)
	if len(required) > 0 {
		sb.WriteString(" The object must contain the fields: ")
		sb.WriteString(strings.Join(required, ", "))
		sb.WriteString(".")
	}
	sb.WriteString("\n\nOriginal request: ")
	sb.WriteString(query)
	return sb.String()
}

// parseJSONReply decodes a model reply into a JSON object, tolerating code
// fences, and checks the required fields are present.
func parseJSONReply(raw string, required []string) (map[string]any, bool) {
	var data map[string]any
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &data); err != nil {
		return nil, false
	}
	for _, f := range required {
		if _, ok := data[f]; !ok {
			return nil, false
		}
	}
	return data, true
}

// stripCodeFences removes a leading ```lang line and a trailing ``` from a
// model reply. Models fence JSON out of habit even when told not to.
func stripCodeFences(s string) string {
	out := strings.TrimSpace(s)
	if !strings.HasPrefix(out, "```") {
		return out
	}
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		out = out[i+1:]
	} else {
		out = strings.TrimPrefix(out, "```")
	}
	out = strings.TrimSpace(out)
	out = strings.TrimSuffix(out, "```")
	return strings.TrimSpace(out)
}
