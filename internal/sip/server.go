// Package sip binds the sipgo stack to the call engine: it keeps devices
// registered with the PBX, answers INVITEs routed to their extensions, and
// places outbound calls through the configured proxy.
package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/voicebridge/voicebridge/internal/call"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/devices"
	"github.com/voicebridge/voicebridge/internal/engine"
)

// Server wraps the sipgo SIP stack with voicebridge's handlers.
type Server struct {
	cfg       *config.Config
	ua        *sipgo.UserAgent
	srv       *sipgo.Server
	client    *sipgo.Client
	registrar *Registrar
	dialer    *Dialer
	inbound   *Inbound
	dialogs   *DialogTable
	registry  *devices.Registry
	onDTMF    func(sessionID string)
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewServer creates a SIP server with all handlers registered.
func NewServer(cfg *config.Config, registry *devices.Registry, calls *call.Manager, media *engine.Client, logger *slog.Logger) (*Server, error) {
	logger = logger.With("component", "sip")

	host := cfg.SIPDomain
	if host == "" {
		host = cfg.AdvertiseIP()
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("VoiceBridge"),
		sipgo.WithUserAgentHostname(host),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	dialogs := NewDialogTable()

	s := &Server{
		cfg:       cfg,
		ua:        ua,
		srv:       srv,
		client:    client,
		registrar: NewRegistrar(ua, cfg, logger),
		dialer:    NewDialer(cfg, client, media, dialogs, logger),
		inbound:   NewInbound(cfg, registry, calls, media, client, dialogs, logger),
		dialogs:   dialogs,
		registry:  registry,
		logger:    logger,
	}

	s.registerHandlers()
	return s, nil
}

// registerHandlers attaches SIP method handlers to the server.
func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.inbound.HandleInvite)
	s.srv.OnAck(s.inbound.HandleAck)
	s.srv.OnBye(s.inbound.HandleBye)
	s.srv.OnCancel(s.inbound.HandleCancel)
	s.srv.OnOptions(s.handleOptions)
	s.srv.OnInfo(s.handleInfo)
}

// SetAnsweredHandler installs the conversation entry point for inbound
// calls.
func (s *Server) SetAnsweredHandler(fn AnsweredFunc) { s.inbound.SetAnsweredHandler(fn) }

// SetDTMFHandler installs the callback invoked when a caller presses # on
// the keypad via SIP INFO.
func (s *Server) SetDTMFHandler(fn func(sessionID string)) { s.onDTMF = fn }

// Registrar returns the device registration manager.
func (s *Server) Registrar() *Registrar { return s.registrar }

// Dialer returns the outbound call dialer.
func (s *Server) Dialer() *Dialer { return s.dialer }

// Dialogs returns the established dialog table.
func (s *Server) Dialogs() *DialogTable { return s.dialogs }

// Start begins listening on UDP and TCP and registers every credentialed
// device. It returns once the listeners are spawned.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip udp listener starting", "addr", addr)
		if err := s.srv.ListenAndServe(ctx, "udp", addr); err != nil {
			s.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip tcp listener starting", "addr", addr)
		if err := s.srv.ListenAndServe(ctx, "tcp", addr); err != nil {
			s.logger.Error("sip tcp listener stopped", "error", err)
		}
	}()

	s.StartRegistrations()
	return nil
}

// StartRegistrations (re)starts registration for every device that carries
// SIP credentials. Called at boot and after device reloads.
func (s *Server) StartRegistrations() {
	if s.cfg.SIPRegistrar == "" {
		s.logger.Info("no sip registrar configured, device registration disabled")
		return
	}
	for _, device := range s.registry.Registrable() {
		if err := s.registrar.Start(device); err != nil {
			s.logger.Error("failed to start registration",
				"extension", device.Extension,
				"error", err,
			)
		}
	}
}

// Stop gracefully shuts down listeners, registrations, and goroutines.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	s.registrar.StopAll()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// handleOptions responds to keepalive pings from the PBX.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip options received",
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))

	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}

// handleInfo processes SIP INFO requests. A # keypress finalizes whatever
// the caller is saying, for endpoints that signal DTMF out of band.
func (s *Server) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to info", "error", err)
	}

	ct := req.ContentType()
	if ct == nil {
		s.logger.Debug("sip info without content-type", "sip_call_id", callID)
		return
	}

	info, err := parseInfoDTMF(ct.Value(), req.Body())
	if err != nil {
		s.logger.Debug("sip info with unsupported content type",
			"content_type", ct.Value(),
			"sip_call_id", callID,
		)
		return
	}

	s.logger.Info("sip info dtmf received",
		"signal", info.Signal,
		"duration", info.Duration,
		"sip_call_id", callID,
	)

	if info.Signal != "#" || s.onDTMF == nil {
		return
	}
	if dialog := s.dialogs.ByCallID(callID); dialog != nil {
		s.onDTMF(dialog.SessionID())
	}
}
