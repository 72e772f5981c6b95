package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// Dialog is one established call leg. It remembers enough of the INVITE
// exchange to build in-dialog requests, which for this system means the
// BYE that ends the call.
type Dialog struct {
	sessionID string
	callID    string // SIP Call-ID
	localFrom string // From value for requests we send, with our tag
	remoteTo  string // To value for requests we send, with the peer's tag
	target    sip.Uri
	transport string
	client    *sipgo.Client
	table     *DialogTable
	logger    *slog.Logger

	mu     sync.Mutex
	seq    uint32
	closed bool
}

// newUACDialog captures a dialog we originated, from the final INVITE
// request (post-build, so its CSeq and tags are settled) and the peer's
// 2xx answer.
func newUACDialog(sessionID string, req *sip.Request, res *sip.Response, client *sipgo.Client, table *DialogTable, logger *slog.Logger) *Dialog {
	d := &Dialog{
		sessionID: sessionID,
		target:    *req.Recipient.Clone(),
		transport: req.Transport(),
		client:    client,
		table:     table,
		logger:    logger,
		seq:       1,
	}
	// Read dialog state from the parsed response where possible: the peer
	// echoes Call-ID, From, and CSeq back verbatim, and To carries its tag.
	if cid := res.CallID(); cid != nil {
		d.callID = cid.Value()
	} else if cid := req.CallID(); cid != nil {
		d.callID = cid.Value()
	}
	if from := res.From(); from != nil {
		d.localFrom = from.Value()
	} else if from := req.From(); from != nil {
		d.localFrom = from.Value()
	}
	if to := res.To(); to != nil {
		d.remoteTo = to.Value()
	}
	if contact := res.Contact(); contact != nil {
		d.target = *contact.Address.Clone()
	}
	// In-dialog requests continue the INVITE's sequence.
	if cseq := res.CSeq(); cseq != nil {
		d.seq = cseq.SeqNo + 1
	} else if cseq := req.CSeq(); cseq != nil {
		d.seq = cseq.SeqNo + 1
	}
	return d
}

// newUASDialog captures a dialog the peer originated. localTo is the To
// value we answered with, tag included.
func newUASDialog(sessionID string, req *sip.Request, localTo string, client *sipgo.Client, table *DialogTable, logger *slog.Logger) *Dialog {
	d := &Dialog{
		sessionID: sessionID,
		localFrom: localTo,
		transport: req.Transport(),
		client:    client,
		table:     table,
		logger:    logger,
		seq:       1,
	}
	if cid := req.CallID(); cid != nil {
		d.callID = cid.Value()
	}
	if from := req.From(); from != nil {
		d.remoteTo = from.Value()
		d.target = *from.Address.Clone()
	}
	if contact := req.Contact(); contact != nil {
		d.target = *contact.Address.Clone()
	}
	return d
}

// SessionID returns the call session this dialog belongs to.
func (d *Dialog) SessionID() string { return d.sessionID }

// CallID returns the SIP Call-ID of the dialog.
func (d *Dialog) CallID() string { return d.callID }

// Bye ends the dialog, sending a BYE to the peer. Only the first call
// does anything; a dialog the peer already ended is just dropped.
func (d *Dialog) Bye(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	bye := d.buildBYE()
	d.mu.Unlock()

	d.table.remove(d)

	tx, err := d.client.TransactionRequest(ctx, bye, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	defer tx.Terminate()

	res, err := getResponse(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for bye response: %w", err)
	}
	if res.StatusCode != 200 {
		d.logger.Debug("bye rejected",
			"call_id", d.callID,
			"status", res.StatusCode,
		)
	}
	return nil
}

// markPeerClosed records that the peer ended the dialog, so a later local
// Bye becomes a no-op.
func (d *Dialog) markPeerClosed() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.table.remove(d)
}

// buildBYE assembles the in-dialog BYE. Callers hold d.mu.
func (d *Dialog) buildBYE() *sip.Request {
	bye := sip.NewRequest(sip.BYE, *d.target.Clone())
	bye.SetTransport(d.transport)

	bye.AppendHeader(sip.NewHeader("From", d.localFrom))
	bye.AppendHeader(sip.NewHeader("To", d.remoteTo))
	bye.AppendHeader(sip.NewHeader("Call-ID", d.callID))

	cseq := sip.CSeqHeader{SeqNo: d.seq, MethodName: sip.BYE}
	d.seq++
	bye.AppendHeader(&cseq)

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	return bye
}

// buildACKFor2xx builds the ACK confirming a 2xx to our INVITE. Per RFC
// 3261 §13.2.2.4 the ACK keeps the INVITE's CSeq number with the method
// changed, takes To from the response so it carries the remote tag, and
// addresses the peer's Contact.
func buildACKFor2xx(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}

	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())

	return ack
}

// buildCANCEL builds the CANCEL for an unanswered INVITE. It must match
// the INVITE transaction: same Request-URI, top Via (same branch), From,
// To, Call-ID, and CSeq number with the method changed.
func buildCANCEL(inviteReq *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, *inviteReq.Recipient.Clone())
	cancel.SetTransport(inviteReq.Transport())

	if len(inviteReq.GetHeaders("Via")) > 0 {
		sip.CopyHeaders("Via", inviteReq, cancel)
	}
	if h := inviteReq.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := cancel.CSeq(); cseq != nil {
		cseq.MethodName = sip.CANCEL
	}

	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)

	return cancel
}

// DialogTable tracks established dialogs so incoming BYE and INFO
// requests and API hangups can find their call.
type DialogTable struct {
	mu        sync.RWMutex
	byCallID  map[string]*Dialog
	bySession map[string]*Dialog
}

// NewDialogTable creates an empty dialog table.
func NewDialogTable() *DialogTable {
	return &DialogTable{
		byCallID:  make(map[string]*Dialog),
		bySession: make(map[string]*Dialog),
	}
}

func (t *DialogTable) add(d *Dialog) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byCallID[d.callID] = d
	t.bySession[d.sessionID] = d
}

func (t *DialogTable) remove(d *Dialog) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.byCallID[d.callID]; ok && cur == d {
		delete(t.byCallID, d.callID)
	}
	if cur, ok := t.bySession[d.sessionID]; ok && cur == d {
		delete(t.bySession, d.sessionID)
	}
}

// ByCallID returns the dialog for a SIP Call-ID, or nil.
func (t *DialogTable) ByCallID(callID string) *Dialog {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byCallID[callID]
}

// BySession returns the dialog for a call session id, or nil.
func (t *DialogTable) BySession(sessionID string) *Dialog {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bySession[sessionID]
}

// Count returns the number of established dialogs.
func (t *DialogTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byCallID)
}
