package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// gttsLanguages maps device language codes for the translate-backed web TTS.
// Its vocabulary still spells Hebrew with the legacy code.
var gttsLanguages = map[string]string{
	"he": "iw",
}

// gttsProvider shells out to gtts-cli, the free translate-backed web TTS.
// It needs no credentials, only the binary and network, which makes it the
// last resort that is almost always available.
type gttsProvider struct {
	path string
}

func newGTTSProvider() *gttsProvider {
	path, _ := exec.LookPath("gtts-cli")
	return &gttsProvider{path: path}
}

func (p *gttsProvider) Name() string { return "gtts" }

func (p *gttsProvider) Available() bool { return p.path != "" }

func (p *gttsProvider) Synthesize(ctx context.Context, text, language, voiceHint string) ([]byte, string, error) {
	lang := language
	if mapped, ok := gttsLanguages[language]; ok {
		lang = mapped
	}

	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	// "-" reads the text from stdin; MP3 lands on stdout.
	cmd := exec.CommandContext(ctx, p.path, "--lang", lang, "--nocheck", "-")
	cmd.Stdin = strings.NewReader(text)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = io.Discard

	if err := cmd.Run(); err != nil {
		return nil, "", fmt.Errorf("gtts-cli: %w", err)
	}
	if out.Len() == 0 {
		return nil, "", fmt.Errorf("gtts-cli produced no output")
	}
	return out.Bytes(), ".mp3", nil
}
