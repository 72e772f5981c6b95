// Package engine adapts the external media engine's admin API for the call
// core. The engine terminates RTP; this process only tells it what to do:
// allocate an endpoint, complete SDP negotiation, play a URL, fork the
// caller's audio to our WebSocket, tear down.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/voicebridge/voicebridge/internal/config"
)

// Client talks to the media engine admin API.
type Client struct {
	baseURL    string
	secret     string
	rtpPortMin int
	rtpPortMax int
	externalIP string

	// Control operations are quick; playback blocks for the length of the
	// audio and is bounded by the caller's context instead.
	httpClient *http.Client
	playClient *http.Client

	logger *slog.Logger
}

// NewClient creates a media engine client from the configuration.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    cfg.EngineURL(),
		secret:     cfg.EngineSecret,
		rtpPortMin: cfg.RTPPortMin,
		rtpPortMax: cfg.RTPPortMax,
		externalIP: cfg.AdvertiseIP(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		playClient: &http.Client{},
		logger:     logger.With("component", "engine"),
	}
}

// Healthy reports whether the engine answers its health endpoint. The
// control API refuses outbound calls while this is false.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return false
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type createEndpointRequest struct {
	RTPPortMin int `json:"rtpPortMin"`
	RTPPortMax int `json:"rtpPortMax"`
}

type createEndpointResponse struct {
	ID  string `json:"id"`
	SDP string `json:"sdp"`
}

// CreateEndpoint allocates media resources on the engine and returns a
// handle whose local SDP already advertises the externally reachable
// address.
func (c *Client) CreateEndpoint(ctx context.Context) (*Endpoint, error) {
	var created createEndpointResponse
	status, err := c.do(ctx, http.MethodPost, "/v1/endpoints", createEndpointRequest{
		RTPPortMin: c.rtpPortMin,
		RTPPortMax: c.rtpPortMax,
	}, &created)
	if err != nil {
		return nil, fmt.Errorf("engine: creating endpoint: %w", err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, fmt.Errorf("engine: creating endpoint: status %d", status)
	}
	if created.ID == "" || created.SDP == "" {
		return nil, fmt.Errorf("engine: endpoint response missing id or sdp")
	}

	localSDP, err := rewriteSDPAddress(created.SDP, c.externalIP)
	if err != nil {
		return nil, fmt.Errorf("engine: rewriting local sdp: %w", err)
	}

	c.logger.Debug("endpoint created", "endpoint_id", created.ID)
	return &Endpoint{id: created.ID, localSDP: localSDP, client: c}, nil
}

// authorize attaches the shared admin secret when one is configured.
func (c *Client) authorize(req *http.Request) {
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}
}

// do performs one JSON round trip against the admin API. The HTTP status is
// returned even on non-2xx so callers can treat specific codes (404 on
// delete) as success.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshalling request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("engine returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
