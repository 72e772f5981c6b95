package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voicebridge/voicebridge/internal/audiostore"
	"github.com/voicebridge/voicebridge/internal/call"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/database/models"
	"github.com/voicebridge/voicebridge/internal/devices"
	"github.com/voicebridge/voicebridge/internal/sip"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDeviceRepo is an in-memory DeviceRepository keyed by extension.
type fakeDeviceRepo struct {
	mu      sync.Mutex
	devices map[string]models.Device
	err     error
}

func newFakeDeviceRepo(seed ...models.Device) *fakeDeviceRepo {
	repo := &fakeDeviceRepo{devices: make(map[string]models.Device)}
	for _, d := range seed {
		repo.devices[d.Extension] = d
	}
	return repo
}

func (f *fakeDeviceRepo) Create(ctx context.Context, d *models.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	f.devices[d.Extension] = *d
	return nil
}

func (f *fakeDeviceRepo) GetByExtension(ctx context.Context, extension string) (*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	d, ok := f.devices[extension]
	if !ok {
		return nil, nil
	}
	out := d
	return &out, nil
}

func (f *fakeDeviceRepo) GetByName(ctx context.Context, name string) (*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, d := range f.devices {
		if strings.EqualFold(d.Name, name) {
			out := d
			return &out, nil
		}
	}
	return nil, nil
}

func (f *fakeDeviceRepo) List(ctx context.Context) ([]models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Extension < out[j].Extension })
	return out, nil
}

func (f *fakeDeviceRepo) Update(ctx context.Context, d *models.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	d.UpdatedAt = time.Now()
	f.devices[d.Extension] = *d
	return nil
}

func (f *fakeDeviceRepo) Delete(ctx context.Context, extension string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	delete(f.devices, extension)
	return nil
}

func (f *fakeDeviceRepo) Count(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.devices)), nil
}

// fakeCallLog records terminal calls in memory, newest last.
type fakeCallLog struct {
	mu      sync.Mutex
	records []models.CallRecord
	err     error
}

func (f *fakeCallLog) Create(ctx context.Context, rec *models.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, *rec)
	return nil
}

func (f *fakeCallLog) GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.records {
		if f.records[i].CallID == callID {
			out := f.records[i]
			return &out, nil
		}
	}
	return nil, nil
}

func (f *fakeCallLog) ListRecent(ctx context.Context, limit int) ([]models.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.CallRecord, 0, limit)
	for i := len(f.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.records[i])
	}
	return out, nil
}

func (f *fakeCallLog) DeleteOlderThan(ctx context.Context, cutoff string) (int64, error) {
	return 0, nil
}

// fakePlacer creates real sessions but never dials.
type fakePlacer struct {
	calls *call.Manager
	mu    sync.Mutex
	last  call.Params
}

func (f *fakePlacer) PlaceCall(p call.Params) *call.Session {
	f.mu.Lock()
	f.last = p
	f.mu.Unlock()
	return f.calls.Create(p)
}

func (f *fakePlacer) lastParams() call.Params {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fakeEngine struct{ healthy bool }

func (f *fakeEngine) Healthy(ctx context.Context) bool { return f.healthy }

// fakeAI serves canned replies in order, holding the last one.
type fakeAI struct {
	mu         sync.Mutex
	configured bool
	replies    []string
	err        error
	prompts    []string
	systems    []string
	sessions   []string
	ended      []string
}

func (f *fakeAI) Configured() bool { return f.configured }

func (f *fakeAI) Query(ctx context.Context, prompt, sessionID, systemPrompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.systems = append(f.systems, systemPrompt)
	f.sessions = append(f.sessions, sessionID)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "", nil
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return reply, nil
}

func (f *fakeAI) EndSession(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, sessionID)
}

func (f *fakeAI) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// fakeRegistrar tracks Start/Stop calls and serves canned statuses.
type fakeRegistrar struct {
	mu       sync.Mutex
	statuses map[string]sip.DeviceRegistration
	started  []string
	stopped  []string
	startErr error
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{statuses: make(map[string]sip.DeviceRegistration)}
}

func (f *fakeRegistrar) Start(device *models.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, device.Extension)
	f.statuses[device.Extension] = sip.DeviceRegistration{
		Extension: device.Extension,
		Name:      device.Name,
		Status:    sip.StatusRegistered,
	}
	return nil
}

func (f *fakeRegistrar) Stop(extension string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, extension)
	delete(f.statuses, extension)
}

func (f *fakeRegistrar) Status(extension string) (sip.DeviceRegistration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[extension]
	return st, ok
}

func (f *fakeRegistrar) Statuses() []sip.DeviceRegistration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sip.DeviceRegistration, 0, len(f.statuses))
	for _, st := range f.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Extension < out[j].Extension })
	return out
}

func (f *fakeRegistrar) RegisteredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, st := range f.statuses {
		if st.Status == sip.StatusRegistered {
			n++
		}
	}
	return n
}

func (f *fakeRegistrar) startedExts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func (f *fakeRegistrar) stoppedExts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

// testDeps exposes each fake so tests can prime failures and inspect calls.
type testDeps struct {
	repo      *fakeDeviceRepo
	registry  *devices.Registry
	placer    *fakePlacer
	calls     *call.Manager
	engine    *fakeEngine
	ai        *fakeAI
	registrar *fakeRegistrar
	callLog   *fakeCallLog
	audio     *audiostore.Store
	metrics   http.Handler
	cfg       *config.Config
}

func newTestServer(t *testing.T, mutate func(*testDeps)) (*Server, *testDeps) {
	t.Helper()
	logger := discardLogger()

	repo := newFakeDeviceRepo(models.Device{
		Extension:   "101",
		Name:        "Cephanie",
		SIPAuthID:   "cephanie",
		SIPPassword: "sip-secret",
		Language:    "en",
		Personality: "You are Cephanie, the operations assistant.",
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	})
	registry := devices.New(repo, logger, "en")
	if err := registry.Reload(context.Background()); err != nil {
		t.Fatalf("seeding registry: %v", err)
	}

	callLog := &fakeCallLog{}
	calls := call.NewManager(context.Background(), callLog, logger)

	audio, err := audiostore.New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("audio store: %v", err)
	}

	d := &testDeps{
		repo:      repo,
		registry:  registry,
		placer:    &fakePlacer{calls: calls},
		calls:     calls,
		engine:    &fakeEngine{healthy: true},
		ai:        &fakeAI{configured: true, replies: []string{"ok"}},
		registrar: newFakeRegistrar(),
		callLog:   callLog,
		audio:     audio,
		cfg: &config.Config{
			DataDir:         t.TempDir(),
			HTTPPort:        3000,
			ExternalAddress: "10.0.0.5",
			RingTimeoutSec:  30,
			AITimeoutSec:    30,
			LanguageDefault: "en",
			MaxTurns:        10,
		},
	}
	if mutate != nil {
		mutate(d)
	}

	srv := NewServer(Deps{
		Config:    d.cfg,
		Calls:     d.calls,
		Placer:    d.placer,
		Registry:  d.registry,
		Devices:   d.repo,
		Registrar: d.registrar,
		CallLog:   d.callLog,
		Engine:    d.engine,
		AI:        d.ai,
		Audio:     d.audio,
		Metrics:   d.metrics,
		Logger:    logger,
	})
	t.Cleanup(srv.Close)
	return srv, d
}

// testIPCounter hands each request its own client IP so the per-IP rate
// limiters never throttle unrelated test cases.
var testIPCounter atomic.Uint64

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return doRequestAuth(t, srv, method, path, body, "")
}

func doRequestAuth(t *testing.T, srv *Server, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("X-Real-IP", fmt.Sprintf("198.51.100.%d", testIPCounter.Add(1)%200+1))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

// decodeEnvelope unwraps the {data, error} envelope. Every handler returns
// an object payload, so data decodes into a map.
func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) (map[string]any, string) {
	t.Helper()
	var env struct {
		Data  map[string]any `json:"data"`
		Error string         `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return env.Data, env.Error
}

func TestServerCloseStopsLimiters(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	// Close runs again via t.Cleanup; both must be safe.
	srv.Close()
}

func TestUnknownRouteReturns404(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	w := doRequest(t, srv, http.MethodGet, "/api/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestSecurityHeadersOnAPIRoutes(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	w := doRequest(t, srv, http.MethodGet, "/health", "")
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("expected nosniff header, got %q", got)
	}
}
