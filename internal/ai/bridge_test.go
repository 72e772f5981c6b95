package ai

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestBridge(url string) *Bridge {
	return &Bridge{
		baseURL:    url,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func speechResponse(text string) map[string]any {
	return map[string]any{
		"response": map[string]any{
			"speech": map[string]any{
				"plain": map[string]any{"speech": text},
			},
		},
	}
}

func TestAskSendsSessionAndLayeredPrompt(t *testing.T) {
	var got processRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversation/process" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(speechResponse("the answer"))
	}))
	defer srv.Close()

	b := newTestBridge(srv.URL)

	reply, err := b.Ask(context.Background(), "what time is it", "call-7", "You are a grumpy butler.")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if reply != "the answer" {
		t.Errorf("reply = %q", reply)
	}
	if got.Session != "claude-phone-call-7" {
		t.Errorf("session = %q, want call-derived key", got.Session)
	}

	// Personality first, then the voice context, then the user text.
	iPersona := strings.Index(got.Text, "grumpy butler")
	iContext := strings.Index(got.Text, "phone call")
	iUser := strings.Index(got.Text, "what time is it")
	if iPersona == -1 || iContext == -1 || iUser == -1 {
		t.Fatalf("prompt missing a layer: %q", got.Text)
	}
	if !(iPersona < iContext && iContext < iUser) {
		t.Errorf("prompt layers out of order: %q", got.Text)
	}
}

func TestAskWithoutCallIDOmitsSession(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		json.NewEncoder(w).Encode(speechResponse("ok"))
	}))
	defer srv.Close()

	if _, err := newTestBridge(srv.URL).Ask(context.Background(), "hi", "", ""); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if _, present := raw["session"]; present {
		t.Error("session field sent without a call id")
	}
}

func TestAskRetriesOnceOnLockedSession(t *testing.T) {
	var sessions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req processRequest
		json.NewDecoder(r.Body).Decode(&req)
		sessions = append(sessions, req.Session)
		if len(sessions) == 1 {
			http.Error(w, "session file locked", http.StatusLocked)
			return
		}
		json.NewEncoder(w).Encode(speechResponse("recovered"))
	}))
	defer srv.Close()

	reply, err := newTestBridge(srv.URL).Ask(context.Background(), "hi", "call-9", "")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if reply != "recovered" {
		t.Errorf("reply = %q", reply)
	}
	if len(sessions) != 2 {
		t.Fatalf("attempts = %d, want 2", len(sessions))
	}
	if sessions[0] != "claude-phone-call-9" {
		t.Errorf("first session = %q", sessions[0])
	}
	if !strings.HasPrefix(sessions[1], "claude-phone-call-9-retry-") {
		t.Errorf("retry session = %q, want -retry-<ms> suffix", sessions[1])
	}
}

func TestAskRetriesOnceOnServerError(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "internal", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestBridge(srv.URL).Ask(context.Background(), "hi", "call-1", "")
	if err == nil {
		t.Fatal("want error after both attempts fail")
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want exactly 2", attempts)
	}
}

func TestAskDoesNotRetryClientErrors(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestBridge(srv.URL).Ask(context.Background(), "hi", "call-1", "")
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("err = %v, want surfaced 400", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestEndSessionIsBestEffort(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversation/end" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		http.Error(w, "gateway on fire", http.StatusInternalServerError)
	}))
	defer srv.Close()

	// Must not panic or block on a failing gateway.
	newTestBridge(srv.URL).EndSession("call-3")
	if got["session"] != "claude-phone-call-3" {
		t.Errorf("session = %q", got["session"])
	}

	// No-ops without a call id or URL.
	newTestBridge(srv.URL).EndSession("")
	newTestBridge("").EndSession("call-3")
}

func TestAskUnconfigured(t *testing.T) {
	if _, err := newTestBridge("").Ask(context.Background(), "hi", "", ""); err == nil {
		t.Error("want error when gateway URL missing")
	}
}

func TestQuerySkipsVoicePreamble(t *testing.T) {
	var got processRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(speechResponse(`{"ok":true}`))
	}))
	defer srv.Close()

	reply, err := newTestBridge(srv.URL).Query(context.Background(),
		"approve reboot?", "query-1", "Reply with a single raw JSON object only.")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if reply != `{"ok":true}` {
		t.Errorf("reply = %q", reply)
	}
	if got.Session != "claude-phone-query-1" {
		t.Errorf("session = %q", got.Session)
	}
	if strings.Contains(got.Text, "phone call") {
		t.Errorf("voice preamble leaked into query prompt: %q", got.Text)
	}
	iSys := strings.Index(got.Text, "raw JSON object")
	iUser := strings.Index(got.Text, "approve reboot?")
	if iSys == -1 || iUser == -1 || iSys > iUser {
		t.Errorf("prompt layers wrong: %q", got.Text)
	}
}

func TestQueryRetriesOnServerError(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "internal", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := newTestBridge(srv.URL).Query(context.Background(), "hi", "q-1", ""); err == nil {
		t.Fatal("want error after both attempts fail")
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want exactly 2", attempts)
	}
}
