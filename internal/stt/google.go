package stt

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

const googleSTTEndpoint = "https://speech.googleapis.com/v1/speech:recognize"

// googleSTTLanguages maps the short device language codes to the regioned
// codes the recognizer vocabulary expects. Hebrew still uses the legacy
// "iw" code there.
var googleSTTLanguages = map[string]string{
	"en": "en-US",
	"he": "iw-IL",
	"ar": "ar-IL",
	"ru": "ru-RU",
	"fr": "fr-FR",
	"es": "es-ES",
}

// googleProvider calls the Google Cloud Speech REST API with an API key.
type googleProvider struct {
	key      string
	endpoint string
	client   *http.Client
}

func newGoogleProvider(key string) *googleProvider {
	return &googleProvider{
		key:      key,
		endpoint: googleSTTEndpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *googleProvider) Name() string { return "google" }

func (p *googleProvider) Available() bool { return p.key != "" }

type googleRecognizeRequest struct {
	Config googleRecognizeConfig `json:"config"`
	Audio  googleRecognizeAudio  `json:"audio"`
}

type googleRecognizeConfig struct {
	Encoding        string `json:"encoding"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	LanguageCode    string `json:"languageCode"`
}

type googleRecognizeAudio struct {
	Content string `json:"content"`
}

type googleRecognizeResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"results"`
}

func (p *googleProvider) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error) {
	lang, ok := googleSTTLanguages[language]
	if !ok {
		lang = language
	}

	body, err := json.Marshal(googleRecognizeRequest{
		Config: googleRecognizeConfig{
			Encoding:        "LINEAR16",
			SampleRateHertz: sampleRate,
			LanguageCode:    lang,
		},
		Audio: googleRecognizeAudio{
			Content: base64.StdEncoding.EncodeToString(pcm),
		},
	})
	if err != nil {
		return "", fmt.Errorf("encoding recognize request: %w", err)
	}

	url := p.endpoint + "?key=" + p.key
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("google recognize request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("google recognize returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed googleRecognizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding recognize response: %w", err)
	}

	// Long audio comes back as multiple results; join their best alternatives.
	var parts []string
	for _, r := range parsed.Results {
		if len(r.Alternatives) > 0 && r.Alternatives[0].Transcript != "" {
			parts = append(parts, r.Alternatives[0].Transcript)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " ")), nil
}
