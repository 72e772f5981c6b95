package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const googleTTSEndpoint = "https://texttospeech.googleapis.com/v1/text:synthesize"

// googleTTSLanguages maps device language codes to the voice catalogue's
// regioned codes. Unlike the recognizer, the voice catalogue already uses
// the modern Hebrew code.
var googleTTSLanguages = map[string]string{
	"en": "en-US",
	"he": "he-IL",
	"ar": "ar-XA",
	"ru": "ru-RU",
	"fr": "fr-FR",
	"es": "es-ES",
}

// googleProvider calls the Google Cloud Text-to-Speech REST API.
type googleProvider struct {
	key      string
	endpoint string
	client   *http.Client
}

func newGoogleProvider(key string) *googleProvider {
	return &googleProvider{
		key:      key,
		endpoint: googleTTSEndpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *googleProvider) Name() string { return "google" }

func (p *googleProvider) Available() bool { return p.key != "" }

type googleSynthesizeRequest struct {
	Input       googleSynthesisInput `json:"input"`
	Voice       googleVoiceSelection `json:"voice"`
	AudioConfig googleAudioConfig    `json:"audioConfig"`
}

type googleSynthesisInput struct {
	Text string `json:"text"`
}

type googleVoiceSelection struct {
	LanguageCode string `json:"languageCode"`
	Name         string `json:"name,omitempty"`
}

type googleAudioConfig struct {
	AudioEncoding string `json:"audioEncoding"`
}

func (p *googleProvider) Synthesize(ctx context.Context, text, language, voiceHint string) ([]byte, string, error) {
	lang, ok := googleTTSLanguages[language]
	if !ok {
		lang = language
	}

	voice := googleVoiceSelection{LanguageCode: lang}
	// Device voice ids are opaque; only use one that belongs to this
	// catalogue, e.g. "en-US-Neural2-C".
	if strings.HasPrefix(voiceHint, lang+"-") {
		voice.Name = voiceHint
	}

	body, err := json.Marshal(googleSynthesizeRequest{
		Input:       googleSynthesisInput{Text: text},
		Voice:       voice,
		AudioConfig: googleAudioConfig{AudioEncoding: "MP3"},
	})
	if err != nil {
		return nil, "", fmt.Errorf("encoding synthesize request: %w", err)
	}

	url := p.endpoint + "?key=" + p.key
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("google synthesize request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "", fmt.Errorf("google synthesize returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed struct {
		AudioContent string `json:"audioContent"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, "", fmt.Errorf("decoding synthesize response: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(parsed.AudioContent)
	if err != nil {
		return nil, "", fmt.Errorf("decoding audio content: %w", err)
	}
	return data, ".mp3", nil
}
