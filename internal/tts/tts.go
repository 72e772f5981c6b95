// Package tts renders reply text to an audio artifact the media engine can
// fetch over HTTP. Providers run in a fixed fallback order; a stage whose
// key, URL or host binary is missing is skipped, and any stage failure
// demotes to the next. Only when every configured stage has failed does
// synthesis surface an error.
package tts

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voicebridge/voicebridge/internal/audiostore"
	"github.com/voicebridge/voicebridge/internal/config"
)

// Provider is a single text-to-speech backend. It returns the rendered audio
// bytes and the file extension they should be stored under.
type Provider interface {
	Name() string
	Available() bool
	Synthesize(ctx context.Context, text, language, voiceHint string) (data []byte, ext string, err error)
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

// Chain runs the ordered provider fallback and stores the winning artifact.
type Chain struct {
	entries []*chainEntry
	store   *audiostore.Store
	baseURL string
	logger  *slog.Logger
}

// NewChain assembles the provider chain from the configured credentials.
// Order: cloud TTS, GPU voice clone, free web TTS, OpenAI, ElevenLabs.
func NewChain(cfg *config.Config, store *audiostore.Store, logger *slog.Logger) *Chain {
	providers := []Provider{
		newGoogleProvider(cfg.CloudTTSKey),
		newCloneProvider(cfg.MossTTSURL),
		newGTTSProvider(),
		newOpenAIProvider(cfg.OpenAIKey),
		newElevenLabsProvider(cfg.ElevenLabsKey),
	}
	c := &Chain{
		store:   store,
		baseURL: fmt.Sprintf("http://%s:%d", cfg.AdvertiseIP(), cfg.HTTPPort),
		logger:  logger.With("component", "tts"),
	}
	for _, p := range providers {
		c.entries = append(c.entries, &chainEntry{provider: p})
	}
	return c
}

// newChainFromProviders is the test seam.
func newChainFromProviders(store *audiostore.Store, baseURL string, logger *slog.Logger, providers ...Provider) *Chain {
	c := &Chain{store: store, baseURL: baseURL, logger: logger}
	for _, p := range providers {
		c.entries = append(c.entries, &chainEntry{provider: p})
	}
	return c
}

// Synthesize renders text and returns an absolute URL the media engine can
// fetch the artifact from.
func (c *Chain) Synthesize(ctx context.Context, text, language, voiceHint string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("cannot synthesize empty text")
	}

	var lastErr error
	for _, e := range c.entries {
		if !e.provider.Available() {
			continue
		}
		e.attempts.Add(1)
		start := time.Now()
		data, ext, err := e.provider.Synthesize(ctx, text, language, voiceHint)
		if err != nil {
			e.failures.Add(1)
			lastErr = err
			c.logger.Warn("tts provider failed, trying next",
				"provider", e.provider.Name(),
				"error", err,
			)
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}
		if len(data) == 0 {
			e.failures.Add(1)
			lastErr = fmt.Errorf("%s returned no audio", e.provider.Name())
			continue
		}
		url, err := c.store.Save(data, ext)
		if err != nil {
			return "", err
		}
		c.logger.Debug("synthesis complete",
			"provider", e.provider.Name(),
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", len(data),
		)
		return c.baseURL + url, nil
	}

	if lastErr == nil {
		return "", fmt.Errorf("no text-to-speech provider is configured")
	}
	return "", fmt.Errorf("all text-to-speech providers failed: %w", lastErr)
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
