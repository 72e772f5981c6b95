// Package webhook delivers call lifecycle notifications to the webhook URL
// attached to a session. Delivery is best effort: one attempt per event,
// failures are logged, never retried.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/voicebridge/voicebridge/internal/call"
)

const attemptTimeout = 5 * time.Second

// Payload is the body POSTed for each lifecycle transition.
type Payload struct {
	CallID    string `json:"callId"`
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	To        string `json:"to"`
	Duration  int    `json:"duration"`
	Reason    string `json:"reason,omitempty"`
}

// Notifier consumes lifecycle events and posts them out.
type Notifier struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewNotifier creates a webhook notifier.
func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{
		httpClient: &http.Client{Timeout: attemptTimeout},
		logger:     logger.With("component", "webhook"),
	}
}

// Run drains events until the channel closes or ctx is cancelled.
// Deliveries happen inline, so events for one call leave in order.
func (n *Notifier) Run(ctx context.Context, events <-chan call.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.WebhookURL == "" {
				continue
			}
			n.deliver(ctx, ev)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, ev call.Event) {
	payload := Payload{
		CallID:    ev.CallID,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
		Event:     ev.State.Label(),
		To:        ev.To,
		Duration:  ev.Duration,
		Reason:    ev.Reason,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Warn("webhook payload marshal failed", "call_id", ev.CallID, "error", err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ev.WebhookURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("webhook request invalid", "call_id", ev.CallID, "url", ev.WebhookURL, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed",
			"call_id", ev.CallID, "event", payload.Event, "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		n.logger.Warn("webhook rejected",
			"call_id", ev.CallID, "event", payload.Event, "status", resp.StatusCode)
		return
	}
	n.logger.Debug("webhook delivered", "call_id", ev.CallID, "event", payload.Event)
}
