package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/voicebridge/voicebridge/internal/call"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/database/models"
	"github.com/voicebridge/voicebridge/internal/devices"
	"github.com/voicebridge/voicebridge/internal/engine"
)

// ackTimeout bounds how long an answered call waits for the peer's ACK
// before its resources are reclaimed.
const ackTimeout = 15 * time.Second

// AnsweredFunc is invoked once an inbound call is fully established (ACK
// received, media negotiated). The callee owns endpoint and dialog.
type AnsweredFunc func(sess *call.Session, device *models.Device, endpoint *engine.Endpoint, dialog *Dialog)

// ringingInvite is an inbound INVITE we have sent 180 for but not yet
// answered; the window where a CANCEL can still abort it.
type ringingInvite struct {
	sess *call.Session
	tx   sip.ServerTransaction
	req  *sip.Request
}

// pendingAnswer is an answered call waiting for the peer's ACK.
type pendingAnswer struct {
	sess     *call.Session
	device   *models.Device
	endpoint *engine.Endpoint
	dialog   *Dialog
	timer    *time.Timer
}

// Inbound answers calls the PBX routes to registered extensions: it
// resolves the device from the dialed extension, negotiates media with the
// engine, and hands the established call to the conversation runner.
type Inbound struct {
	cfg      *config.Config
	registry *devices.Registry
	calls    *call.Manager
	media    *engine.Client
	client   *sipgo.Client
	dialogs  *DialogTable
	logger   *slog.Logger

	onAnswered AnsweredFunc

	mu       sync.Mutex
	ringing  map[string]*ringingInvite // keyed by SIP Call-ID
	awaiting map[string]*pendingAnswer
}

// NewInbound creates the inbound INVITE handler.
func NewInbound(cfg *config.Config, registry *devices.Registry, calls *call.Manager, media *engine.Client, client *sipgo.Client, dialogs *DialogTable, logger *slog.Logger) *Inbound {
	return &Inbound{
		cfg:      cfg,
		registry: registry,
		calls:    calls,
		media:    media,
		client:   client,
		dialogs:  dialogs,
		logger:   logger.With("subsystem", "inbound"),
		ringing:  make(map[string]*ringingInvite),
		awaiting: make(map[string]*pendingAnswer),
	}
}

// SetAnsweredHandler installs the conversation entry point. Must be called
// before the server starts accepting requests.
func (h *Inbound) SetAnsweredHandler(fn AnsweredFunc) { h.onAnswered = fn }

// HandleInvite processes a new inbound call.
func (h *Inbound) HandleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	// A To tag marks an in-dialog re-INVITE. We never renegotiate.
	if to := req.To(); to != nil {
		if _, ok := to.Params.Get("tag"); ok {
			h.logger.Debug("rejecting re-invite", "call_id", callID)
			h.respond(req, tx, 488, "Not Acceptable Here")
			return
		}
	}

	if err := tx.Respond(sip.NewResponseFromRequest(req, 100, "Trying", nil)); err != nil {
		h.logger.Error("failed to send 100 trying", "call_id", callID, "error", err)
	}

	extension := ""
	if to := req.To(); to != nil {
		extension = to.Address.User
	}
	device, ok := h.registry.Lookup(extension)
	if !ok {
		// Unknown extensions land on the default device, so a PBX routing
		// a whole DID range here still gets answered.
		device = h.registry.Default()
	}
	if device == nil {
		h.logger.Warn("inbound call for unknown extension", "extension", extension, "call_id", callID)
		h.respond(req, tx, 404, "Not Found")
		return
	}

	remote := ""
	if from := req.From(); from != nil {
		remote = from.Address.User
	}

	sess := h.calls.Create(call.Params{
		Direction: call.DirectionInbound,
		Mode:      call.ModeConversation,
		Device:    device,
		Remote:    remote,
	})
	ctx := sess.Context()

	h.logger.Info("inbound call",
		"call_id", sess.ID(),
		"sip_call_id", callID,
		"from", remote,
		"extension", device.Extension,
	)

	if err := sess.Transition(call.StateRinging); err != nil {
		h.respond(req, tx, 500, "Internal Server Error")
		return
	}

	localTag := sip.GenerateTagN(16)

	ringingRes := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if to := ringingRes.To(); to != nil {
		to.Params.Add("tag", localTag)
	}
	if err := tx.Respond(ringingRes); err != nil {
		h.logger.Error("failed to send 180 ringing", "call_id", sess.ID(), "error", err)
		sess.Fail("service_unavailable")
		return
	}

	h.mu.Lock()
	h.ringing[callID] = &ringingInvite{sess: sess, tx: tx, req: req}
	h.mu.Unlock()

	endpoint, err := h.media.CreateEndpoint(ctx)
	if err != nil {
		h.logger.Error("failed to allocate endpoint", "call_id", sess.ID(), "error", err)
		if h.takeRinging(callID) != nil {
			h.respond(req, tx, 503, "Service Unavailable")
			sess.Fail("service_unavailable")
		}
		return
	}

	// The INVITE carried the offer; hand it to the engine and answer with
	// the endpoint's SDP.
	if len(req.Body()) > 0 {
		if err := endpoint.Modify(ctx, string(req.Body())); err != nil {
			h.logger.Error("media negotiation failed", "call_id", sess.ID(), "error", err)
			h.destroyEndpoint(endpoint)
			if h.takeRinging(callID) != nil {
				h.respond(req, tx, 488, "Not Acceptable Here")
				sess.Fail("media_failure")
			}
			return
		}
	}

	// CANCEL may have won the race while we were talking to the engine.
	if h.takeRinging(callID) == nil {
		h.destroyEndpoint(endpoint)
		return
	}

	if err := sess.Transition(call.StateAccepted); err != nil {
		h.destroyEndpoint(endpoint)
		h.respond(req, tx, 480, "Temporarily Unavailable")
		return
	}

	okRes := sip.NewResponseFromRequest(req, 200, "OK", []byte(endpoint.LocalSDP()))
	okRes.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	contact := fmt.Sprintf("<sip:%s@%s:%d>", device.Extension, h.cfg.AdvertiseIP(), h.cfg.SIPPort)
	okRes.AppendHeader(sip.NewHeader("Contact", contact))
	localTo := ""
	if to := okRes.To(); to != nil {
		to.Params.Add("tag", localTag)
		localTo = to.Value()
	}
	if err := tx.Respond(okRes); err != nil {
		h.logger.Error("failed to send 200 ok", "call_id", sess.ID(), "error", err)
		h.destroyEndpoint(endpoint)
		sess.Fail("service_unavailable")
		return
	}

	dialog := newUASDialog(sess.ID(), req, localTo, h.client, h.dialogs, h.logger)
	h.dialogs.add(dialog)

	pa := &pendingAnswer{sess: sess, device: device, endpoint: endpoint, dialog: dialog}
	pa.timer = time.AfterFunc(ackTimeout, func() { h.ackTimedOut(callID) })
	h.mu.Lock()
	h.awaiting[callID] = pa
	h.mu.Unlock()
}

// HandleAck confirms an answered inbound call and starts the conversation.
func (h *Inbound) HandleAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	pa := h.takeAwaiting(callID)
	if pa == nil {
		h.logger.Debug("ack without pending call", "sip_call_id", callID, "source", req.Source())
		return
	}
	pa.timer.Stop()

	if err := pa.sess.Transition(call.StateAnswered); err != nil {
		h.logger.Info("ack for finished call", "call_id", pa.sess.ID(), "error", err)
		h.destroyEndpoint(pa.endpoint)
		pa.dialog.markPeerClosed()
		return
	}

	h.logger.Info("inbound call answered", "call_id", pa.sess.ID())

	if h.onAnswered == nil {
		h.logger.Error("no conversation runner configured", "call_id", pa.sess.ID())
		h.teardown(pa, "service_unavailable")
		return
	}
	go h.onAnswered(pa.sess, pa.device, pa.endpoint, pa.dialog)
}

// HandleBye ends an established call at the peer's request.
func (h *Inbound) HandleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	dialog := h.dialogs.ByCallID(callID)
	if dialog == nil {
		h.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	h.respond(req, tx, 200, "OK")
	dialog.markPeerClosed()

	// BYE can beat the ACK; reclaim the endpoint ourselves in that case.
	if pa := h.takeAwaiting(callID); pa != nil {
		pa.timer.Stop()
		h.destroyEndpoint(pa.endpoint)
		pa.sess.Complete()
		return
	}

	h.logger.Info("peer hung up", "call_id", dialog.SessionID(), "sip_call_id", callID)
	h.calls.Hangup(dialog.SessionID())
}

// HandleCancel aborts a ringing inbound call.
func (h *Inbound) HandleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	ri := h.takeRinging(callID)
	if ri == nil {
		h.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	h.respond(req, tx, 200, "OK")

	terminated := sip.NewResponseFromRequest(ri.req, 487, "Request Terminated", nil)
	if err := ri.tx.Respond(terminated); err != nil {
		h.logger.Error("failed to send 487", "call_id", ri.sess.ID(), "error", err)
	}

	h.logger.Info("inbound call cancelled by peer", "call_id", ri.sess.ID())
	ri.sess.Fail("cancelled")
}

// ackTimedOut reclaims an answered call whose ACK never arrived.
func (h *Inbound) ackTimedOut(callID string) {
	pa := h.takeAwaiting(callID)
	if pa == nil {
		return
	}
	h.logger.Warn("no ack received, tearing down", "call_id", pa.sess.ID())
	h.teardown(pa, "no_ack")
}

func (h *Inbound) teardown(pa *pendingAnswer, reason string) {
	byeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pa.dialog.Bye(byeCtx); err != nil {
		h.logger.Debug("teardown bye failed", "call_id", pa.sess.ID(), "error", err)
	}
	h.destroyEndpoint(pa.endpoint)
	pa.sess.Fail(reason)
}

func (h *Inbound) takeRinging(callID string) *ringingInvite {
	h.mu.Lock()
	defer h.mu.Unlock()
	ri, ok := h.ringing[callID]
	if !ok {
		return nil
	}
	delete(h.ringing, callID)
	return ri
}

func (h *Inbound) takeAwaiting(callID string) *pendingAnswer {
	h.mu.Lock()
	defer h.mu.Unlock()
	pa, ok := h.awaiting[callID]
	if !ok {
		return nil
	}
	delete(h.awaiting, callID)
	return pa
}

func (h *Inbound) destroyEndpoint(endpoint *engine.Endpoint) {
	destroyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := endpoint.Destroy(destroyCtx); err != nil {
		h.logger.Warn("failed to destroy endpoint", "endpoint_id", endpoint.ID(), "error", err)
	}
}

func (h *Inbound) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to send response",
			"code", code,
			"error", err,
		)
	}
}
