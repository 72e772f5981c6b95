package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func uploadAudio(t *testing.T, srv *Server, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/audio", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/octet-stream")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestAudioUploadRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	payload := append([]byte("RIFF\x24\x00\x00\x00WAVE"), 0x00, 0xFF, 0x7E, 0x81)
	w := uploadAudio(t, srv, payload)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	data, _ := decodeEnvelope(t, w)
	url, _ := data["url"].(string)
	if !strings.HasPrefix(url, "http://10.0.0.5:3000/audio-files/") {
		t.Fatalf("expected absolute engine-reachable url, got %q", url)
	}
	if !strings.HasSuffix(url, ".wav") {
		t.Errorf("expected .wav extension from RIFF sniff, got %q", url)
	}
	if data["size"] != float64(len(payload)) {
		t.Errorf("expected size %d, got %v", len(payload), data["size"])
	}

	// The stored file must come back byte-identical.
	path := strings.TrimPrefix(url, "http://10.0.0.5:3000")
	fetch := doRequest(t, srv, http.MethodGet, path, "")
	if fetch.Code != http.StatusOK {
		t.Fatalf("expected 200 fetching %q, got %d", path, fetch.Code)
	}
	if !bytes.Equal(fetch.Body.Bytes(), payload) {
		t.Error("fetched audio differs from the uploaded bytes")
	}
	if ct := fetch.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("expected audio/wav, got %q", ct)
	}
}

func TestAudioUploadDetectsMP3(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	w := uploadAudio(t, srv, append([]byte("ID3"), 0x04, 0x00, 0x01, 0x02))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	data, _ := decodeEnvelope(t, w)
	if url, _ := data["url"].(string); !strings.HasSuffix(url, ".mp3") {
		t.Errorf("expected .mp3 extension, got %q", url)
	}
}

func TestAudioUploadEmpty(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	w := uploadAudio(t, srv, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	_, errMsg := decodeEnvelope(t, w)
	if errMsg != "request body must not be empty" {
		t.Errorf("unexpected message %q", errMsg)
	}
}

func TestAudioUploadTooLarge(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	w := uploadAudio(t, srv, bytes.Repeat([]byte{0x55}, maxAudioUploadBytes+1))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
	_, errMsg := decodeEnvelope(t, w)
	if errMsg != "audio upload exceeds 10MB" {
		t.Errorf("unexpected message %q", errMsg)
	}
}

func TestAudioFetchUnknownFile(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	w := doRequest(t, srv, http.MethodGet, "/audio-files/nope.wav", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected json error envelope, got %q", ct)
	}
}

func TestAudioFetchRejectsTraversal(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	w := doRequest(t, srv, http.MethodGet, "/audio-files/../voicebridge.db", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for traversal, got %d", w.Code)
	}
}

func TestStaticServesPromptFile(t *testing.T) {
	srv, deps := newTestServer(t, nil)

	staticDir := deps.cfg.StaticPath()
	if err := os.MkdirAll(staticDir, 0o755); err != nil {
		t.Fatalf("creating static dir: %v", err)
	}
	payload := []byte("RIFF\x10\x00\x00\x00WAVEbeep")
	if err := os.WriteFile(filepath.Join(staticDir, "beep.wav"), payload, 0o644); err != nil {
		t.Fatalf("writing prompt file: %v", err)
	}

	w := doRequest(t, srv, http.MethodGet, "/static/beep.wav", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), payload) {
		t.Error("served file differs from the stored prompt")
	}
	if ct := w.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("expected audio/wav, got %q", ct)
	}
}

func TestStaticRejectsTraversal(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	w := doRequest(t, srv, http.MethodGet, "/static/../config.env", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for traversal, got %d", w.Code)
	}
}

func TestStaticUnknownFile(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	w := doRequest(t, srv, http.MethodGet, "/static/missing.wav", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
