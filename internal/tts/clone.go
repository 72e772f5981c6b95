package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voicebridge/voicebridge/internal/audiostore"
)

// cloneProvider posts to a self-hosted GPU voice-cloning server. It is
// enabled by configuring the server URL and is meant for deployments where
// the latency of a local GPU round trip beats the cloud stages.
type cloneProvider struct {
	url    string
	client *http.Client
}

func newCloneProvider(url string) *cloneProvider {
	return &cloneProvider{
		url: url,
		// Cold model loads on the GPU box take a while.
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *cloneProvider) Name() string { return "clone" }

func (p *cloneProvider) Available() bool { return p.url != "" }

func (p *cloneProvider) Synthesize(ctx context.Context, text, language, voiceHint string) ([]byte, string, error) {
	payload := map[string]string{
		"text":     text,
		"language": language,
	}
	if voiceHint != "" {
		payload["voice"] = voiceHint
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("voice clone request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "", fmt.Errorf("voice clone server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, "", fmt.Errorf("reading voice clone response: %w", err)
	}
	return data, audiostore.DetectExtension(data), nil
}
