package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voicebridge/voicebridge/internal/ai"
	"github.com/voicebridge/voicebridge/internal/api"
	"github.com/voicebridge/voicebridge/internal/audiofork"
	"github.com/voicebridge/voicebridge/internal/audiostore"
	"github.com/voicebridge/voicebridge/internal/call"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/convo"
	"github.com/voicebridge/voicebridge/internal/database"
	"github.com/voicebridge/voicebridge/internal/devices"
	"github.com/voicebridge/voicebridge/internal/engine"
	"github.com/voicebridge/voicebridge/internal/metrics"
	"github.com/voicebridge/voicebridge/internal/prompts"
	sipserver "github.com/voicebridge/voicebridge/internal/sip"
	"github.com/voicebridge/voicebridge/internal/stt"
	"github.com/voicebridge/voicebridge/internal/tts"
	"github.com/voicebridge/voicebridge/internal/webhook"
)

const (
	audioSweepInterval = 2 * time.Minute
	audioMaxAge        = 10 * time.Minute

	shutdownTimeout = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting voicebridge",
		"http_port", cfg.HTTPPort,
		"ws_port", cfg.WSPort,
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
	)

	// Open the device/call-log store and run migrations.
	db, err := database.Open(cfg.DatabasePath(), cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Application context for call tasks and background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	deviceRepo := database.NewDeviceRepository(db)
	callLog := database.NewCallLogRepository(db)

	// Device registry: seed an empty table, then load what is there.
	// Bad device data degrades, never blocks startup.
	registry := devices.New(deviceRepo, logger, cfg.LanguageDefault)
	if err := registry.ImportSeed(appCtx, cfg.DeviceSeedFile); err != nil {
		slog.Error("device seed import failed", "path", cfg.DeviceSeedFile, "error", err)
	}
	if err := registry.Reload(appCtx); err != nil {
		slog.Error("failed to load devices", "error", err)
	}

	// Audio store for synthesized speech and uploads. Without it no call
	// can speak, so failure here is fatal.
	store, err := audiostore.New(cfg.AudioPath(), logger)
	if err != nil {
		slog.Error("failed to create audio store", "error", err)
		os.Exit(1)
	}
	store.StartSweeper(appCtx, audioSweepInterval, audioMaxAge)

	// Tone prompts (beep, chime) served from the static dir. Calls still
	// run without them, the engine just 404s the prompt fetch.
	if err := prompts.Ensure(cfg.StaticPath(), logger); err != nil {
		slog.Warn("failed to generate tone prompts", "error", err)
	}

	ttsChain := tts.NewChain(cfg, store, logger)
	sttChain := stt.NewChain(cfg, logger)

	bridge := ai.New(cfg, logger)
	if !bridge.Configured() {
		slog.Warn("ai gateway not configured, conversation mode disabled")
	}

	media := engine.NewClient(cfg, logger)
	probeCtx, probeCancel := context.WithTimeout(appCtx, 3*time.Second)
	if !media.Healthy(probeCtx) {
		slog.Warn("media engine unreachable", "url", cfg.EngineURL())
	}
	probeCancel()

	forks := audiofork.NewServer(cfg, logger)

	calls := call.NewManager(appCtx, callLog, logger)
	calls.StartSweeper(appCtx)

	// Lifecycle webhooks ride the manager's event stream.
	notifier := webhook.NewNotifier(logger)
	go notifier.Run(appCtx, calls.Events())

	sipSrv, err := sipserver.NewServer(cfg, registry, calls, media, logger)
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}

	runner := convo.NewRunner(cfg, calls, sipSrv.Dialer(), forks, ttsChain, sttChain, bridge, logger)
	sipSrv.SetAnsweredHandler(runner.HandleAnswered)
	sipSrv.SetDTMFHandler(runner.HandleDTMF)

	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}
	sipSrv.StartRegistrations()

	// Forks that connect before their call's loop asks for them sit in the
	// session table until claimed; drain the announcements so the buffer
	// never fills.
	go func() {
		for {
			select {
			case <-appCtx.Done():
				return
			case sess := <-forks.Watcher():
				logger.Debug("fork connected ahead of its call", "call_id", sess.CallID())
			}
		}
	}()

	// Prometheus collector over the live subsystems.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(calls, sipSrv.Registrar(), sttChain, ttsChain, forks, time.Now()))

	apiSrv := api.NewServer(api.Deps{
		Config:    cfg,
		Calls:     calls,
		Placer:    runner,
		Registry:  registry,
		Devices:   deviceRepo,
		Registrar: sipSrv.Registrar(),
		CallLog:   callLog,
		Engine:    media,
		AI:        bridge,
		Audio:     store,
		Metrics:   promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		Logger:    logger,
	})

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      apiSrv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Fork connections stream audio for the length of a call, so the fork
	// listener only bounds the handshake.
	forkSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WSPort),
		Handler:           forks,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)

	g.Go(func() error {
		slog.Info("api server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("fork server listening", "addr", forkSrv.Addr)
		if err := forkSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("fork server: %w", err)
		}
		return nil
	})

	// Shutdown fan-in: a signal or a listener error cancels gctx, then the
	// SIP layer unregisters, call tasks are cancelled, and both HTTP
	// servers drain.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down servers")

		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		sipSrv.Stop()
		appCancel()

		if err := httpSrv.Shutdown(shutCtx); err != nil {
			slog.Error("api server shutdown error", "error", err)
		}
		if err := forkSrv.Shutdown(shutCtx); err != nil {
			slog.Error("fork server shutdown error", "error", err)
		}
		apiSrv.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("voicebridge stopped")
}
