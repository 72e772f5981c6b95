package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Endpoint is one allocated media leg on the engine. A call session owns
// exactly one and must Destroy it on every exit path; Destroy is safe to
// call any number of times.
type Endpoint struct {
	id       string
	localSDP string
	client   *Client

	destroyOnce sync.Once
	destroyErr  error
}

// ID returns the engine's endpoint identifier.
func (e *Endpoint) ID() string { return e.id }

// LocalSDP returns the offer/answer SDP for this endpoint, already
// advertising the external address.
func (e *Endpoint) LocalSDP() string { return e.localSDP }

type modifyRequest struct {
	SDP string `json:"sdp"`
}

// Modify hands the peer's SDP to the engine, completing media negotiation.
func (e *Endpoint) Modify(ctx context.Context, remoteSDP string) error {
	status, err := e.client.do(ctx, http.MethodPost, "/v1/endpoints/"+e.id+"/modify", modifyRequest{SDP: remoteSDP}, nil)
	if err != nil {
		return fmt.Errorf("engine: modifying endpoint %s: %w", e.id, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("engine: modifying endpoint %s: status %d", e.id, status)
	}
	return nil
}

type playRequest struct {
	URL string `json:"url"`
}

// Play asks the engine to fetch and play the audio at url into the call.
// It blocks until playback finishes. Cancelling ctx aborts the wait and
// tells the engine to stop its output.
func (e *Endpoint) Play(ctx context.Context, url string) error {
	body, err := json.Marshal(playRequest{URL: url})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.client.baseURL+"/v1/endpoints/"+e.id+"/play", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	e.client.authorize(req)

	resp, err := e.client.playClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled mid-playback. The engine is still streaming the
			// file into the call until told otherwise.
			e.stop()
			return ctx.Err()
		}
		return fmt.Errorf("engine: playing on endpoint %s: %w", e.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine: playing on endpoint %s: status %d", e.id, resp.StatusCode)
	}
	return nil
}

// stop interrupts whatever the endpoint is playing. Used after a cancelled
// Play, and harmless when nothing is playing.
func (e *Endpoint) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := e.client.do(ctx, http.MethodPost, "/v1/endpoints/"+e.id+"/stop", nil, nil); err != nil {
		e.client.logger.Debug("endpoint stop failed", "endpoint_id", e.id, "error", err)
	}
}

type forkRequest struct {
	URL    string `json:"url"`
	CallID string `json:"callId"`
}

// ForkAudio tells the engine to duplicate the caller's inbound audio as raw
// 16-bit mono PCM onto the given WebSocket URL, stamped with callID.
func (e *Endpoint) ForkAudio(ctx context.Context, wsURL, callID string) error {
	status, err := e.client.do(ctx, http.MethodPost, "/v1/endpoints/"+e.id+"/fork", forkRequest{URL: wsURL, CallID: callID}, nil)
	if err != nil {
		return fmt.Errorf("engine: forking audio on endpoint %s: %w", e.id, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("engine: forking audio on endpoint %s: status %d", e.id, status)
	}
	return nil
}

// Destroy releases the endpoint on the engine. Only the first call does
// anything; an endpoint the engine no longer knows (404) counts as
// destroyed.
func (e *Endpoint) Destroy(ctx context.Context) error {
	e.destroyOnce.Do(func() {
		status, err := e.client.do(ctx, http.MethodDelete, "/v1/endpoints/"+e.id, nil, nil)
		if status == http.StatusNotFound {
			return
		}
		if err != nil {
			e.destroyErr = fmt.Errorf("engine: destroying endpoint %s: %w", e.id, err)
			return
		}
		e.client.logger.Debug("endpoint destroyed", "endpoint_id", e.id)
	})
	return e.destroyErr
}
