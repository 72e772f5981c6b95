// Package api implements the HTTP control surface: outbound call
// initiation, call status, device management, the synchronous personality
// query, and serving of generated audio. All JSON responses share the
// {data, error} envelope.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/voicebridge/voicebridge/internal/api/middleware"
	"github.com/voicebridge/voicebridge/internal/audiostore"
	"github.com/voicebridge/voicebridge/internal/call"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/database"
	"github.com/voicebridge/voicebridge/internal/database/models"
	"github.com/voicebridge/voicebridge/internal/devices"
	"github.com/voicebridge/voicebridge/internal/sip"
)

// CallPlacer starts an outbound call session and returns it immediately;
// dialing happens in the background.
type CallPlacer interface {
	PlaceCall(p call.Params) *call.Session
}

// AIGateway is the slice of the conversation gateway the API consumes.
type AIGateway interface {
	Configured() bool
	Query(ctx context.Context, prompt, sessionID, systemPrompt string) (string, error)
	EndSession(sessionID string)
}

// EngineProbe reports media engine readiness.
type EngineProbe interface {
	Healthy(ctx context.Context) bool
}

// DeviceRegistrar is the slice of the SIP registrar the API drives.
type DeviceRegistrar interface {
	Start(device *models.Device) error
	Stop(extension string)
	Status(extension string) (sip.DeviceRegistration, bool)
	Statuses() []sip.DeviceRegistration
	RegisteredCount() int
}

// Deps carries everything the HTTP layer serves or controls.
type Deps struct {
	Config    *config.Config
	Calls     *call.Manager
	Placer    CallPlacer
	Registry  *devices.Registry
	Devices   database.DeviceRepository
	Registrar DeviceRegistrar
	CallLog   database.CallLogRepository
	Engine    EngineProbe
	AI        AIGateway
	Audio     *audiostore.Store
	Metrics   http.Handler
	Logger    *slog.Logger
}

// Server holds handler dependencies and the chi router.
type Server struct {
	cfg        *config.Config
	calls      *call.Manager
	placer     CallPlacer
	registry   *devices.Registry
	deviceRepo database.DeviceRepository
	registrar  DeviceRegistrar
	callLog    database.CallLogRepository
	engine     EngineProbe
	ai         AIGateway
	audio      *audiostore.Store
	metrics    http.Handler
	logger     *slog.Logger

	router      *chi.Mux
	apiLimiter  *middleware.IPRateLimiter
	dialLimiter *middleware.IPRateLimiter
	authLimiter *middleware.IPRateLimiter
	started     time.Time
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps) *Server {
	logger := deps.Logger.With("component", "api")
	s := &Server{
		cfg:        deps.Config,
		calls:      deps.Calls,
		placer:     deps.Placer,
		registry:   deps.Registry,
		deviceRepo: deps.Devices,
		registrar:  deps.Registrar,
		callLog:    deps.CallLog,
		engine:     deps.Engine,
		ai:         deps.AI,
		audio:      deps.Audio,
		metrics:    deps.Metrics,
		logger:     logger,

		router:      chi.NewRouter(),
		apiLimiter:  middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig(), logger),
		dialLimiter: middleware.NewIPRateLimiter(middleware.DialRateLimitConfig(), logger),
		authLimiter: middleware.NewIPRateLimiter(middleware.AuthRateLimitConfig(), logger),
		started:     time.Now(),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter cleanup goroutines.
func (s *Server) Close() {
	s.apiLimiter.Stop()
	s.dialLimiter.Stop()
	s.authLimiter.Stop()
}

// routes configures the middleware stack and mounts all endpoints.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders)
	if origins := middleware.ParseCORSOrigins(s.cfg.CORSOrigins); len(origins) > 0 {
		r.Use(middleware.CORS(origins))
	}

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	// The media engine and the provider helpers fetch and push audio
	// without credentials, so these stay outside the auth group.
	r.Post("/audio", s.handleAudioUpload)
	r.Get("/static/*", s.handleStatic)
	r.Get(audiostore.URLPrefix+"/*", s.handleAudioFile)

	r.Route("/api", func(r chi.Router) {
		r.With(middleware.RateLimit(s.authLimiter)).Post("/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			if s.cfg.APIAuthSecret != "" {
				r.Use(middleware.RequireAuth([]byte(s.cfg.APIAuthSecret)))
			}
			r.Use(middleware.RateLimit(s.apiLimiter))

			r.With(middleware.RateLimit(s.dialLimiter)).Post("/outbound-call", s.handleOutboundCall)
			r.Get("/calls", s.handleListCalls)
			r.Route("/call/{callID}", func(r chi.Router) {
				r.Get("/", s.handleGetCall)
				r.Post("/hangup", s.handleHangupCall)
			})

			r.Post("/query", s.handleQuery)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Post("/", s.handleCreateDevice)
				r.Post("/reload", s.handleReloadDevices)
				r.Put("/{extension}", s.handleUpdateDevice)
				r.Delete("/{extension}", s.handleDeleteDevice)
			})

			r.Get("/registrations", s.handleRegistrations)
			r.Get("/call-log", s.handleCallLog)
		})
	})

	s.logger.Info("api routes mounted", "auth", s.cfg.APIAuthSecret != "")
}
