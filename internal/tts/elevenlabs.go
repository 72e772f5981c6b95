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
)

const (
	elevenLabsEndpoint = "https://api.elevenlabs.io/v1/text-to-speech"

	// elevenLabsModel handles every language the devices can carry.
	elevenLabsModel = "eleven_multilingual_v2"

	// elevenLabsDefaultVoice is used when the device has no voice id of its
	// own ("Rachel", the stock voice every account has).
	elevenLabsDefaultVoice = "21m00Tcm4TlvDq8ikWAM"
)

// elevenLabsProvider clones voices by opaque voice id through the
// ElevenLabs REST API.
type elevenLabsProvider struct {
	key      string
	endpoint string
	client   *http.Client
}

func newElevenLabsProvider(key string) *elevenLabsProvider {
	return &elevenLabsProvider{
		key:      key,
		endpoint: elevenLabsEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *elevenLabsProvider) Name() string { return "elevenlabs" }

func (p *elevenLabsProvider) Available() bool { return p.key != "" }

func (p *elevenLabsProvider) Synthesize(ctx context.Context, text, language, voiceHint string) ([]byte, string, error) {
	voiceID := voiceHint
	if voiceID == "" {
		voiceID = elevenLabsDefaultVoice
	}

	body, err := json.Marshal(map[string]string{
		"text":     text,
		"model_id": elevenLabsModel,
	})
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/"+voiceID, bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", p.key)
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "", fmt.Errorf("elevenlabs returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, "", fmt.Errorf("reading elevenlabs response: %w", err)
	}
	return data, ".mp3", nil
}
