// Package stt turns captured utterance audio into text. Providers are tried
// in a fixed order; a stage whose credentials or host tooling are missing is
// skipped. The first provider that answers wins, even when the answer is an
// empty transcript (silence is a valid recognition result).
package stt

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voicebridge/voicebridge/internal/config"
)

// Provider is a single speech-to-text backend. Input is always mono 16-bit
// little-endian PCM.
type Provider interface {
	Name() string
	// Available reports whether the provider can be attempted at all
	// (credentials configured, required host binaries present).
	Available() bool
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error)
}

// ProviderStat is a point-in-time snapshot of one chain entry, exported for
// the metrics collector.
type ProviderStat struct {
	Name     string
	Attempts uint64
	Failures uint64
}

type chainEntry struct {
	provider Provider
	attempts atomic.Uint64
	failures atomic.Uint64
}

// Chain runs the ordered provider fallback.
type Chain struct {
	entries []*chainEntry
	logger  *slog.Logger
}

// NewChain assembles the provider chain from the configured credentials.
// Order: cloud STT, free web STT, Whisper.
func NewChain(cfg *config.Config, logger *slog.Logger) *Chain {
	providers := []Provider{
		newGoogleProvider(cfg.CloudSTTKey),
		newWebSpeechProvider(),
		newWhisperProvider(cfg.OpenAIKey),
	}
	c := &Chain{logger: logger.With("component", "stt")}
	for _, p := range providers {
		c.entries = append(c.entries, &chainEntry{provider: p})
	}
	return c
}

// newChainFromProviders is the test seam.
func newChainFromProviders(logger *slog.Logger, providers ...Provider) *Chain {
	c := &Chain{logger: logger}
	for _, p := range providers {
		c.entries = append(c.entries, &chainEntry{provider: p})
	}
	return c
}

// Transcribe runs pcm through the chain and returns the first successful
// transcript. An empty string with a nil error means the provider heard no
// speech.
func (c *Chain) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}

	var lastErr error
	for _, e := range c.entries {
		if !e.provider.Available() {
			continue
		}
		e.attempts.Add(1)
		start := time.Now()
		text, err := e.provider.Transcribe(ctx, pcm, sampleRate, language)
		if err != nil {
			e.failures.Add(1)
			lastErr = err
			c.logger.Warn("stt provider failed, trying next",
				"provider", e.provider.Name(),
				"error", err,
			)
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}
		c.logger.Debug("transcription complete",
			"provider", e.provider.Name(),
			"duration_ms", time.Since(start).Milliseconds(),
			"chars", len(text),
		)
		return text, nil
	}

	if lastErr == nil {
		return "", fmt.Errorf("no speech-to-text provider is configured")
	}
	return "", fmt.Errorf("all speech-to-text providers failed: %w", lastErr)
}

// Stats returns per-provider attempt and failure counts.
func (c *Chain) Stats() []ProviderStat {
	stats := make([]ProviderStat, len(c.entries))
	for i, e := range c.entries {
		stats[i] = ProviderStat{
			Name:     e.provider.Name(),
			Attempts: e.attempts.Load(),
			Failures: e.failures.Load(),
		}
	}
	return stats
}
