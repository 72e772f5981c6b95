package stt

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// whisperProvider transcribes through the OpenAI Whisper API.
type whisperProvider struct {
	key    string
	client openai.Client
}

func newWhisperProvider(key string) *whisperProvider {
	p := &whisperProvider{key: key}
	if key != "" {
		p.client = openai.NewClient(
			option.WithAPIKey(key),
			option.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		)
	}
	return p
}

func (p *whisperProvider) Name() string { return "whisper" }

func (p *whisperProvider) Available() bool { return p.key != "" }

func (p *whisperProvider) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error) {
	wav := EncodeWAV(pcm, sampleRate)

	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(wav), "utterance.wav", "audio/wav"),
		Model: openai.AudioModelWhisper1,
	}
	// Whisper takes plain ISO 639-1 codes, which is what devices carry.
	if language != "" {
		params.Language = openai.String(language)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("whisper transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
