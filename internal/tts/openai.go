package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// openaiVoices are the voice names the speech API accepts. A device voice
// hint matching one of these selects it; anything else falls back to alloy.
var openaiVoices = map[string]openai.AudioSpeechNewParamsVoice{
	"alloy":   openai.AudioSpeechNewParamsVoiceAlloy,
	"echo":    openai.AudioSpeechNewParamsVoiceEcho,
	"fable":   openai.AudioSpeechNewParamsVoiceFable,
	"onyx":    openai.AudioSpeechNewParamsVoiceOnyx,
	"nova":    openai.AudioSpeechNewParamsVoiceNova,
	"shimmer": openai.AudioSpeechNewParamsVoiceShimmer,
}

// openaiProvider renders speech through the OpenAI audio API. The model
// infers the language from the text itself.
type openaiProvider struct {
	key    string
	client openai.Client
}

func newOpenAIProvider(key string) *openaiProvider {
	p := &openaiProvider{key: key}
	if key != "" {
		p.client = openai.NewClient(
			option.WithAPIKey(key),
			option.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		)
	}
	return p
}

func (p *openaiProvider) Name() string { return "openai" }

func (p *openaiProvider) Available() bool { return p.key != "" }

func (p *openaiProvider) Synthesize(ctx context.Context, text, language, voiceHint string) ([]byte, string, error) {
	voice := openai.AudioSpeechNewParamsVoiceAlloy
	if v, ok := openaiVoices[voiceHint]; ok {
		voice = v
	}

	resp, err := p.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModelTTS1,
		Input:          text,
		Voice:          voice,
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return nil, "", fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, "", fmt.Errorf("reading openai speech response: %w", err)
	}
	return data, ".mp3", nil
}
