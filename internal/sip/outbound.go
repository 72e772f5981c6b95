package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/voicebridge/voicebridge/internal/call"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/database/models"
	"github.com/voicebridge/voicebridge/internal/engine"
)

var errRingTimeout = errors.New("ring timeout")

// Dialer places outbound calls through the configured proxy. It speaks
// early offer: the media endpoint is allocated first and its SDP rides in
// the INVITE.
type Dialer struct {
	cfg     *config.Config
	client  *sipgo.Client
	media   *engine.Client
	dialogs *DialogTable
	logger  *slog.Logger
}

// NewDialer creates an outbound call dialer.
func NewDialer(cfg *config.Config, client *sipgo.Client, media *engine.Client, dialogs *DialogTable, logger *slog.Logger) *Dialer {
	return &Dialer{
		cfg:     cfg,
		client:  client,
		media:   media,
		dialogs: dialogs,
		logger:  logger.With("subsystem", "dialer"),
	}
}

// Dial places the call for sess as the given device and drives the session
// through DIALING, RINGING, and ANSWERED as the SIP leg progresses. On
// failure the session is FAILED with a mapped reason, the endpoint is
// released, and an error comes back; a cancelled sess context (hangup)
// CANCELs the INVITE and leaves the terminal transition to the caller. On
// success the caller owns the returned endpoint and dialog.
func (dl *Dialer) Dial(ctx context.Context, sess *call.Session, device *models.Device) (*engine.Endpoint, *Dialog, error) {
	if dl.cfg.OutboundProxy == "" {
		sess.Fail("service_unavailable")
		return nil, nil, fmt.Errorf("no outbound proxy configured")
	}

	endpoint, err := dl.media.CreateEndpoint(ctx)
	if err != nil {
		sess.Fail("service_unavailable")
		return nil, nil, fmt.Errorf("allocating endpoint: %w", err)
	}

	result := dl.sendInvite(ctx, sess, device, endpoint.LocalSDP())
	if result.err != nil || !result.answered {
		dl.destroyEndpoint(endpoint)
	}

	if result.err != nil {
		if ctx.Err() != nil {
			// Hangup while ringing. The owner applies the terminal state.
			return nil, nil, ctx.Err()
		}
		if errors.Is(result.err, errRingTimeout) {
			sess.Fail("no_answer")
			return nil, nil, result.err
		}
		sess.Fail("service_unavailable")
		return nil, nil, result.err
	}

	if !result.answered {
		reason := failureReason(result.status)
		dl.logger.Info("outbound call not answered",
			"call_id", sess.ID(),
			"status", result.status,
			"reason", reason,
		)
		sess.Fail(reason)
		return nil, nil, fmt.Errorf("call failed with status %d %s", result.status, result.reason)
	}

	if err := sess.Transition(call.StateAnswered); err != nil {
		// Hung up in the instant between 2xx and here. Confirm the SIP
		// leg, then put it straight back down.
		dl.logger.Info("peer answered a finished call", "call_id", sess.ID(), "error", err)
		dl.ackAndHangup(result)
		dl.destroyEndpoint(endpoint)
		return nil, nil, err
	}

	if err := endpoint.Modify(ctx, string(result.res.Body())); err != nil {
		dl.logger.Error("media negotiation failed", "call_id", sess.ID(), "error", err)
		dl.ackAndHangup(result)
		dl.destroyEndpoint(endpoint)
		sess.Fail("media_failure")
		return nil, nil, err
	}

	ack := buildACKFor2xx(result.req, result.res)
	if err := dl.client.WriteRequest(ack); err != nil {
		dl.logger.Error("failed to send ack", "call_id", sess.ID(), "error", err)
		dl.destroyEndpoint(endpoint)
		sess.Fail("media_failure")
		return nil, nil, err
	}
	result.tx.Terminate()

	dialog := newUACDialog(sess.ID(), result.req, result.res, dl.client, dl.dialogs, dl.logger)
	dl.dialogs.add(dialog)

	dl.logger.Info("outbound call answered",
		"call_id", sess.ID(),
		"to", sess.Remote(),
		"extension", device.Extension,
	)
	return endpoint, dialog, nil
}

// dialResult is the outcome of the INVITE exchange.
type dialResult struct {
	answered bool
	status   int
	reason   string
	req      *sip.Request
	res      *sip.Response
	tx       sip.ClientTransaction
	err      error
}

// sendInvite sends the INVITE and waits for the final response, answering
// one digest challenge with the device's credentials along the way.
func (dl *Dialer) sendInvite(ctx context.Context, sess *call.Session, device *models.Device, localSDP string) *dialResult {
	target := rewriteDialString(sess.Remote())
	recipientStr := fmt.Sprintf("sip:%s@%s", target, dl.cfg.OutboundProxy)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return &dialResult{err: fmt.Errorf("parsing proxy uri: %w", err)}
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport("UDP")
	req.SetBody([]byte(localSDP))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	// The SIP Call-ID is the session id, so everything that touches the
	// wire correlates with the call record.
	callID := sip.CallIDHeader(sess.ID())
	req.AppendHeader(&callID)

	from := &sip.FromHeader{
		DisplayName: callerDisplay(device, sess.CallerID()),
		Address: sip.Uri{
			Scheme: "sip",
			User:   device.Extension,
			Host:   dl.cfg.SIPDomain,
		},
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)

	contact := fmt.Sprintf("<sip:%s@%s:%d>", device.Extension, dl.cfg.AdvertiseIP(), dl.cfg.SIPPort)
	req.AppendHeader(sip.NewHeader("Contact", contact))

	ringTimeout := sess.RingTimeout()
	if ringTimeout <= 0 {
		ringTimeout = time.Duration(dl.cfg.RingTimeoutSec) * time.Second
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, ringTimeout)
	defer cancelDial()

	dl.logger.Debug("sending invite",
		"call_id", sess.ID(),
		"recipient", recipientStr,
		"ring_timeout", ringTimeout.String(),
	)

	tx, err := dl.client.TransactionRequest(dialCtx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return &dialResult{err: fmt.Errorf("sending invite: %w", err)}
	}

	result := dl.awaitFinal(dialCtx, ctx, sess, req, tx)

	if result.err == nil && (result.status == 401 || result.status == 407) {
		result.tx.Terminate()
		result = dl.retryWithAuth(dialCtx, ctx, sess, device, req, result.res, recipientStr)
		if result.err == nil && (result.status == 401 || result.status == 407) {
			// Credentials rejected twice: give up.
			result.tx.Terminate()
			return &dialResult{status: result.status, reason: "auth rejected"}
		}
	}
	return result
}

// retryWithAuth re-sends the INVITE with a digest answer to a 401/407.
func (dl *Dialer) retryWithAuth(dialCtx, sessCtx context.Context, sess *call.Session, device *models.Device, req *sip.Request, challengeRes *sip.Response, recipientStr string) *dialResult {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challengeRes.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	challenge := challengeRes.GetHeader(authHeader)
	if challenge == nil {
		return &dialResult{err: fmt.Errorf("received %d but no %s header", challengeRes.StatusCode, authHeader)}
	}

	chal, err := digest.ParseChallenge(challenge.Value())
	if err != nil {
		return &dialResult{err: fmt.Errorf("parsing auth challenge: %w", err)}
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      recipientStr,
		Username: device.SIPAuthID,
		Password: device.SIPPassword,
	})
	if err != nil {
		return &dialResult{err: fmt.Errorf("computing digest: %w", err)}
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	tx, err := dl.client.TransactionRequest(dialCtx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return &dialResult{err: fmt.Errorf("sending authenticated invite: %w", err)}
	}

	return dl.awaitFinal(dialCtx, sessCtx, sess, authReq, tx)
}

// awaitFinal collects responses until a final one arrives. Provisionals
// drive the session: 180 moves it to RINGING, 183 is logged. A cancelled
// sessCtx (hangup) or an expired dialCtx (ring timeout) CANCELs the INVITE.
func (dl *Dialer) awaitFinal(dialCtx, sessCtx context.Context, sess *call.Session, req *sip.Request, tx sip.ClientTransaction) *dialResult {
	for {
		var res *sip.Response
		select {
		case <-dialCtx.Done():
			dl.sendCancel(req)
			tx.Terminate()
			if sessCtx.Err() != nil {
				return &dialResult{err: sessCtx.Err()}
			}
			return &dialResult{err: errRingTimeout}
		case <-tx.Done():
			tx.Terminate()
			if txErr := tx.Err(); txErr != nil {
				return &dialResult{err: fmt.Errorf("invite transaction: %w", txErr)}
			}
			return &dialResult{err: fmt.Errorf("invite transaction ended without final response")}
		case res = <-tx.Responses():
		}

		switch {
		case res.StatusCode == 100:
			continue

		case res.StatusCode == 180:
			if err := sess.Transition(call.StateRinging); err != nil {
				dl.logger.Debug("ignoring 180", "call_id", sess.ID(), "error", err)
			}

		case res.StatusCode == 183:
			dl.logger.Debug("early media from peer", "call_id", sess.ID())

		case res.StatusCode >= 200 && res.StatusCode < 300:
			return &dialResult{answered: true, req: req, res: res, tx: tx}

		case res.StatusCode >= 300:
			tx.Terminate()
			return &dialResult{status: res.StatusCode, reason: res.Reason, res: res, req: req, tx: tx}
		}
	}
}

// sendCancel aborts an unanswered INVITE.
func (dl *Dialer) sendCancel(inviteReq *sip.Request) {
	cancelReq := buildCANCEL(inviteReq)

	cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cancelTx, err := dl.client.TransactionRequest(cancelCtx, cancelReq, sipgo.ClientRequestBuild)
	if err != nil {
		dl.logger.Debug("failed to send cancel", "error", err)
		return
	}
	cancelTx.Terminate()
}

// ackAndHangup confirms an answered leg we no longer want and immediately
// ends it.
func (dl *Dialer) ackAndHangup(result *dialResult) {
	ack := buildACKFor2xx(result.req, result.res)
	if err := dl.client.WriteRequest(ack); err != nil {
		dl.logger.Debug("failed to ack unwanted answer", "error", err)
	}
	result.tx.Terminate()

	d := newUACDialog("", result.req, result.res, dl.client, NewDialogTable(), dl.logger)
	byeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Bye(byeCtx); err != nil {
		dl.logger.Debug("failed to hang up unwanted answer", "error", err)
	}
}

func (dl *Dialer) destroyEndpoint(endpoint *engine.Endpoint) {
	destroyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := endpoint.Destroy(destroyCtx); err != nil {
		dl.logger.Warn("failed to destroy endpoint", "endpoint_id", endpoint.ID(), "error", err)
	}
}

// rewriteDialString converts an E.164 destination into the proxy's dial
// plan: 9 for an outside line, the + and one leading country 1 dropped.
// Extensions pass through verbatim.
func rewriteDialString(to string) string {
	if !strings.HasPrefix(to, "+") {
		return to
	}
	digits := strings.TrimPrefix(to, "+")
	digits = strings.TrimPrefix(digits, "1")
	return "9" + digits
}

// callerDisplay picks the From display name: an explicit caller id wins
// over the device name.
func callerDisplay(device *models.Device, callerID string) string {
	if callerID != "" {
		return callerID
	}
	return device.Name
}

// failureReason maps a final SIP failure status to a call failure reason.
func failureReason(status int) string {
	switch status {
	case 486:
		return "busy"
	case 480, 408:
		return "no_answer"
	case 404:
		return "not_found"
	case 603:
		return "rejected"
	case 503:
		return "service_unavailable"
	case 401, 407:
		return "auth_failed"
	default:
		return fmt.Sprintf("failed_%d", status)
	}
}
