package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const engineSDP = "v=0\r\n" +
	"o=- 3913000000 3913000000 IN IP4 127.0.0.1\r\n" +
	"s=voicebridge-engine\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 20002 RTP/AVP 0 8 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=sendrecv\r\n"

func testClient(url string) *Client {
	return &Client{
		baseURL:    url,
		secret:     "shh",
		rtpPortMin: 20000,
		rtpPortMax: 30000,
		externalIP: "192.168.1.50",
		httpClient: &http.Client{Timeout: 5 * time.Second},
		playClient: &http.Client{},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestCreateEndpointRewritesSDP(t *testing.T) {
	var gotAuth string
	var gotReq createEndpointRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/endpoints" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(createEndpointResponse{ID: "ep-1", SDP: engineSDP})
	}))
	defer srv.Close()

	ep, err := testClient(srv.URL).CreateEndpoint(context.Background())
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}
	if ep.ID() != "ep-1" {
		t.Errorf("id = %q", ep.ID())
	}
	if gotAuth != "Bearer shh" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotReq.RTPPortMin != 20000 || gotReq.RTPPortMax != 30000 {
		t.Errorf("rtp range = %d-%d", gotReq.RTPPortMin, gotReq.RTPPortMax)
	}

	sdp := ep.LocalSDP()
	if strings.Contains(sdp, "127.0.0.1") {
		t.Errorf("local sdp still advertises the engine's bind address:\n%s", sdp)
	}
	if !strings.Contains(sdp, "c=IN IP4 192.168.1.50") {
		t.Errorf("connection line not rewritten:\n%s", sdp)
	}
	if !strings.Contains(sdp, "m=audio 20002") {
		t.Errorf("media line must survive the rewrite:\n%s", sdp)
	}
}

func TestCreateEndpointRejectsIncompleteResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(createEndpointResponse{ID: "ep-1"})
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL).CreateEndpoint(context.Background()); err == nil {
		t.Error("want error when the engine omits the sdp")
	}
}

func TestPlayBlocksUntilComplete(t *testing.T) {
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req playRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotURL = req.URL
		time.Sleep(30 * time.Millisecond) // playback in progress
	}))
	defer srv.Close()

	ep := &Endpoint{id: "ep-1", client: testClient(srv.URL)}

	start := time.Now()
	if err := ep.Play(context.Background(), "http://host/audio-files/x.mp3"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("Play returned before the engine finished")
	}
	if gotURL != "http://host/audio-files/x.mp3" {
		t.Errorf("url = %q", gotURL)
	}
}

func TestPlayCancellationStopsPlayback(t *testing.T) {
	stopped := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/play"):
			// Drain the body so the server watches the connection and
			// cancels r.Context() when the client gives up.
			io.Copy(io.Discard, r.Body)
			<-r.Context().Done() // block until the client gives up
		case strings.HasSuffix(r.URL.Path, "/stop"):
			stopped <- struct{}{}
		}
	}))
	defer srv.Close()

	ep := &Endpoint{id: "ep-1", client: testClient(srv.URL)}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- ep.Play(ctx, "http://host/a.wav") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Play did not return after cancellation")
	}

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("engine never told to stop playback")
	}
}

func TestModifyAndForkAudio(t *testing.T) {
	var paths []string
	var fork forkRequest
	var modify modifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch {
		case strings.HasSuffix(r.URL.Path, "/modify"):
			json.NewDecoder(r.Body).Decode(&modify)
		case strings.HasSuffix(r.URL.Path, "/fork"):
			json.NewDecoder(r.Body).Decode(&fork)
		}
	}))
	defer srv.Close()

	ep := &Endpoint{id: "ep-9", client: testClient(srv.URL)}

	if err := ep.Modify(context.Background(), "v=0 remote"); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if err := ep.ForkAudio(context.Background(), "ws://192.168.1.50:3001/fork/call-1", "call-1"); err != nil {
		t.Fatalf("ForkAudio: %v", err)
	}

	if paths[0] != "/v1/endpoints/ep-9/modify" || paths[1] != "/v1/endpoints/ep-9/fork" {
		t.Errorf("paths = %v", paths)
	}
	if modify.SDP != "v=0 remote" {
		t.Errorf("modify sdp = %q", modify.SDP)
	}
	if fork.URL != "ws://192.168.1.50:3001/fork/call-1" || fork.CallID != "call-1" {
		t.Errorf("fork = %+v", fork)
	}
}

func TestDestroyIdempotent(t *testing.T) {
	var deletes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deletes.Add(1)
		}
	}))
	defer srv.Close()

	ep := &Endpoint{id: "ep-1", client: testClient(srv.URL)}

	if err := ep.Destroy(context.Background()); err != nil {
		t.Fatalf("first Destroy: %v", err)
	}
	if err := ep.Destroy(context.Background()); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	if n := deletes.Load(); n != 1 {
		t.Errorf("DELETE count = %d, want 1", n)
	}
}

func TestDestroyTreats404AsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	ep := &Endpoint{id: "gone", client: testClient(srv.URL)}
	if err := ep.Destroy(context.Background()); err != nil {
		t.Errorf("Destroy of unknown endpoint = %v, want nil", err)
	}
}

func TestHealthy(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			t.Errorf("path = %q", r.URL.Path)
		}
	}))
	defer up.Close()
	if !testClient(up.URL).Healthy(context.Background()) {
		t.Error("healthy engine reported unhealthy")
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	defer down.Close()
	if testClient(down.URL).Healthy(context.Background()) {
		t.Error("unhealthy engine reported healthy")
	}

	if testClient("http://127.0.0.1:1").Healthy(context.Background()) {
		t.Error("unreachable engine reported healthy")
	}
}

func TestRewriteSDPAddress(t *testing.T) {
	out, err := rewriteSDPAddress(engineSDP, "10.0.0.7")
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if strings.Contains(out, "127.0.0.1") {
		t.Errorf("old address survived:\n%s", out)
	}
	for _, want := range []string{"o=-", "IN IP4 10.0.0.7", "m=audio 20002", "a=rtpmap:0 PCMU/8000"} {
		if !strings.Contains(out, want) {
			t.Errorf("rewritten sdp missing %q:\n%s", want, out)
		}
	}

	if _, err := rewriteSDPAddress("not sdp", "10.0.0.7"); err == nil {
		t.Error("want error for malformed sdp")
	}
}
