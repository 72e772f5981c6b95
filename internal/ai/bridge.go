// Package ai talks to the conversational gateway that produces the bot's
// replies. The bridge keeps no conversation state of its own: the gateway
// owns the history, keyed by an opaque session string derived from the call
// id.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/voicebridge/voicebridge/internal/config"
)

// sessionPrefix scopes gateway sessions to phone calls.
const sessionPrefix = "claude-phone-"

// voiceContext is prepended to every prompt so the gateway answers in a way
// that survives being spoken aloud.
const voiceContext = "You are answering a live phone call. Reply with short, " +
	"natural spoken sentences. Never use markdown, bullet points, code, URLs " +
	"or emoji; everything you write will be read out by a speech synthesizer. " +
	"If you need to list things, say them as a sentence."

// Bridge is the HTTP client for the conversation gateway.
type Bridge struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a gateway client with the configured per-attempt timeout.
func New(cfg *config.Config, logger *slog.Logger) *Bridge {
	return &Bridge{
		baseURL:    strings.TrimRight(cfg.AIGatewayURL, "/"),
		httpClient: &http.Client{Timeout: cfg.AITimeout()},
		logger:     logger.With("component", "ai"),
	}
}

// Configured reports whether a gateway URL is set.
func (b *Bridge) Configured() bool {
	return b.baseURL != ""
}

type processRequest struct {
	Text    string `json:"text"`
	Session string `json:"session,omitempty"`
}

type processResponse struct {
	Response struct {
		Speech struct {
			Plain struct {
				Speech string `json:"speech"`
			} `json:"plain"`
		} `json:"speech"`
	} `json:"response"`
}

// Ask sends the user's text to the gateway and returns the reply. The prompt
// is framed for speech output. When the gateway answers 5xx or reports its
// session file locked, the request is retried exactly once under a fresh
// session key; any other failure is surfaced as-is.
func (b *Bridge) Ask(ctx context.Context, prompt, callID, devicePrompt string) (string, error) {
	if !b.Configured() {
		return "", fmt.Errorf("ai: gateway URL is not configured")
	}

	session := ""
	if callID != "" {
		session = sessionPrefix + callID
	}
	return b.send(ctx, buildPrompt(devicePrompt, prompt), session)
}

// Query sends a one-shot prompt without the spoken-reply framing; the caller
// controls the entire system prompt. The personality query endpoint uses this
// so a raw-JSON directive is not undercut by the voice preamble.
func (b *Bridge) Query(ctx context.Context, prompt, sessionID, systemPrompt string) (string, error) {
	if !b.Configured() {
		return "", fmt.Errorf("ai: gateway URL is not configured")
	}

	session := ""
	if sessionID != "" {
		session = sessionPrefix + sessionID
	}

	var sb strings.Builder
	if p := strings.TrimSpace(systemPrompt); p != "" {
		sb.WriteString(p)
		sb.WriteString("\n\n")
	}
	sb.WriteString(prompt)
	return b.send(ctx, sb.String(), session)
}

// send performs the round trip with the single locked-or-5xx retry shared by
// Ask and Query.
func (b *Bridge) send(ctx context.Context, text, session string) (string, error) {
	reply, retryable, err := b.process(ctx, text, session)
	if err == nil {
		return reply, nil
	}
	if !retryable {
		return "", err
	}

	retrySession := session
	if retrySession != "" {
		retrySession = fmt.Sprintf("%s-retry-%d", session, time.Now().UnixMilli())
	}
	b.logger.Warn("ai gateway busy, retrying once with a fresh session",
		"session", retrySession,
		"error", err,
	)
	reply, _, err = b.process(ctx, text, retrySession)
	return reply, err
}

// process performs one gateway round trip. The second return value says
// whether the failure is the retryable kind (upstream fault or locked
// session) rather than a caller mistake.
func (b *Bridge) process(ctx context.Context, text, session string) (string, bool, error) {
	body, err := json.Marshal(processRequest{Text: text, Session: session})
	if err != nil {
		return "", false, fmt.Errorf("ai: marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/conversation/process", bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("ai: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("ai: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", false, fmt.Errorf("ai: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode >= 500 ||
			resp.StatusCode == http.StatusLocked ||
			bytes.Contains(bytes.ToLower(respBody), []byte("locked"))
		return "", retryable, fmt.Errorf("ai: gateway returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed processResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", false, fmt.Errorf("ai: decoding response: %w", err)
	}

	reply := strings.TrimSpace(parsed.Response.Speech.Plain.Speech)
	if reply == "" {
		// A 200 with no speech usually means the gateway could not open
		// its session; the body says so when that is the case.
		retryable := bytes.Contains(bytes.ToLower(respBody), []byte("locked"))
		return "", retryable, fmt.Errorf("ai: gateway returned no speech")
	}
	return reply, false, nil
}

// EndSession tells the gateway the call is over so it can release the
// session. Best-effort: failures are logged and swallowed.
func (b *Bridge) EndSession(callID string) {
	if !b.Configured() || callID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"session": sessionPrefix + callID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/conversation/end", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.logger.Debug("ai session end failed", "call_id", callID, "error", err)
		return
	}
	resp.Body.Close()
}

// buildPrompt stacks the device personality, the voice context and the
// user's text into the single prompt string the gateway expects.
func buildPrompt(devicePrompt, text string) string {
	var sb strings.Builder
	if p := strings.TrimSpace(devicePrompt); p != "" {
		sb.WriteString(p)
		sb.WriteString("\n\n")
	}
	sb.WriteString(voiceContext)
	sb.WriteString("\n\n")
	sb.WriteString(text)
	return sb.String()
}
