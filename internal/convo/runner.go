// Package convo drives answered calls: it speaks the greeting, listens for
// utterances, turns them into text, asks the AI gateway, and speaks the
// replies, looping until the caller hangs up, goes quiet, or the turn
// budget runs out. Announce-mode calls play their message once instead.
package convo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voicebridge/voicebridge/internal/ai"
	"github.com/voicebridge/voicebridge/internal/audiofork"
	"github.com/voicebridge/voicebridge/internal/call"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/database/models"
	"github.com/voicebridge/voicebridge/internal/engine"
	"github.com/voicebridge/voicebridge/internal/prompts"
	"github.com/voicebridge/voicebridge/internal/sip"
	"github.com/voicebridge/voicebridge/internal/stt"
	"github.com/voicebridge/voicebridge/internal/tts"
)

const (
	// maxAIFailures ends the call after this many consecutive failed turns.
	maxAIFailures = 3

	teardownTimeout = 5 * time.Second
)

// Runner owns the post-answer life of every call.
type Runner struct {
	cfg    *config.Config
	calls  *call.Manager
	dialer *sip.Dialer
	forks  *audiofork.Server
	tts    *tts.Chain
	stt    *stt.Chain
	ai     *ai.Bridge
	logger *slog.Logger
}

// NewRunner wires the conversation loop to its collaborators.
func NewRunner(cfg *config.Config, calls *call.Manager, dialer *sip.Dialer, forks *audiofork.Server, ttsChain *tts.Chain, sttChain *stt.Chain, bridge *ai.Bridge, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		calls:  calls,
		dialer: dialer,
		forks:  forks,
		tts:    ttsChain,
		stt:    sttChain,
		ai:     bridge,
		logger: logger.With("component", "convo"),
	}
}

// PlaceCall creates an outbound session and starts dialing in the
// background. The returned session is already queryable by id.
func (r *Runner) PlaceCall(p call.Params) *call.Session {
	sess := r.calls.Create(p)
	go r.runOutbound(sess)
	return sess
}

// HandleAnswered is the entry point for inbound calls, invoked by the SIP
// layer once the caller's ACK lands.
func (r *Runner) HandleAnswered(sess *call.Session, device *models.Device, endpoint *engine.Endpoint, dialog *sip.Dialog) {
	r.logger.Info("inbound call answered",
		"call_id", sess.ID(),
		"extension", device.Extension,
		"from", sess.Remote(),
	)
	r.runCall(sess, endpoint, dialog)
}

// HandleDTMF finalizes the in-progress utterance when the caller presses #.
func (r *Runner) HandleDTMF(sessionID string) {
	if r.forks.ForceFinalize(sessionID) {
		r.logger.Debug("utterance finalized by keypad", "call_id", sessionID)
	}
}

// runOutbound dials and, when answered, runs the call. Dial failures have
// already moved the session to FAILED with a reason; a hangup while dialing
// is a clean end.
func (r *Runner) runOutbound(sess *call.Session) {
	if err := sess.Transition(call.StateDialing); err != nil {
		r.logger.Warn("outbound call dead before dialing", "call_id", sess.ID(), "error", err)
		return
	}

	endpoint, dialog, err := r.dialer.Dial(sess.Context(), sess, sess.Device())
	if err != nil {
		if sess.Context().Err() != nil {
			sess.Complete()
		}
		return
	}

	r.runCall(sess, endpoint, dialog)
}

// runCall dispatches on mode and tears the call down afterwards, whatever
// path ended it.
func (r *Runner) runCall(sess *call.Session, endpoint *engine.Endpoint, dialog *sip.Dialog) {
	defer r.teardown(sess, endpoint, dialog)

	if sess.Mode() == call.ModeAnnounce {
		r.runAnnounce(sess, endpoint)
		return
	}
	r.runConversation(sess, endpoint)
}

// teardown releases the call's resources in dependency order: media first
// so the engine stops streaming, then the SIP dialog, then the gateway
// session. Completing an already-terminal session is a no-op.
func (r *Runner) teardown(sess *call.Session, endpoint *engine.Endpoint, dialog *sip.Dialog) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if endpoint != nil {
		if err := endpoint.Destroy(ctx); err != nil {
			r.logger.Warn("endpoint teardown failed", "call_id", sess.ID(), "error", err)
		}
	}
	if dialog != nil {
		if err := dialog.Bye(ctx); err != nil {
			r.logger.Debug("bye failed", "call_id", sess.ID(), "error", err)
		}
	}
	if sess.Mode() == call.ModeConversation {
		r.ai.EndSession(sess.ID())
	}
	sess.Complete()
}

// runAnnounce plays a chime and the message once. The deferred teardown
// hangs up.
func (r *Runner) runAnnounce(sess *call.Session, endpoint *engine.Endpoint) {
	ctx := sess.Context()
	if err := sess.Transition(call.StateSpeaking); err != nil {
		return
	}

	r.playPrompt(ctx, sess, endpoint, prompts.ChimeFile)

	lang := r.language(sess.Device())
	if err := r.speak(ctx, sess, endpoint, sess.Message(), lang); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("announcement failed", "call_id", sess.ID(), "error", err)
		sess.Fail("announce_failure")
		return
	}

	r.logger.Info("announcement delivered", "call_id", sess.ID(), "to", sess.Remote())
}

// runConversation is the main loop: greeting, then listen/transcribe/ask/
// reply until something ends the call.
func (r *Runner) runConversation(sess *call.Session, endpoint *engine.Endpoint) {
	ctx := sess.Context()
	device := sess.Device()
	lang := r.language(device)
	callID := sess.ID()

	// The greeting plays before the fork opens, so nothing the bot says
	// here can echo back into the recognizer.
	if greeting := greetingText(sess); greeting != "" {
		if err := sess.Transition(call.StateSpeaking); err != nil {
			return
		}
		if err := r.speak(ctx, sess, endpoint, greeting, lang); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("greeting failed", "call_id", callID, "error", err)
		}
	}

	expectCh := r.forks.Expect(callID, audiofork.DefaultExpectTimeout)
	if err := endpoint.ForkAudio(ctx, r.forks.ForkURL(callID), callID); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("audio fork request failed", "call_id", callID, "error", err)
		sess.Fail("media_failure")
		return
	}

	var fork *audiofork.Session
	select {
	case <-ctx.Done():
		return
	case fork = <-expectCh:
	}
	if fork == nil {
		// The engine accepted the fork request but never connected. The
		// call stays up; the silence handling below will end it politely.
		r.logger.Warn("continuing without an audio fork", "call_id", callID)
	}
	var utterances <-chan audiofork.Utterance
	if fork != nil {
		utterances = fork.Utterances()
	}

	listenTimeout := time.Duration(r.cfg.ListenTimeoutSec) * time.Second
	aiFailures := 0
	beeped := false

	for {
		if ctx.Err() != nil {
			return
		}
		if sess.TurnCount() >= r.cfg.MaxTurns {
			r.logger.Info("turn budget exhausted", "call_id", callID, "turns", sess.TurnCount())
			return
		}
		if err := sess.Transition(call.StateListening); err != nil {
			return
		}
		r.forks.SetCapture(callID, true)

		utter, ok := awaitUtterance(ctx, utterances, listenTimeout)
		if !ok {
			return
		}
		if utter == nil {
			// Silence. One beep buys the caller another listen window;
			// staying quiet through that too ends the call.
			if beeped {
				r.logger.Info("caller stayed quiet, ending call", "call_id", callID)
				return
			}
			beeped = true
			r.playPrompt(ctx, sess, endpoint, prompts.BeepFile)
			continue
		}
		beeped = false

		transcript, err := r.stt.Transcribe(ctx, utter.PCM, utter.SampleRate, lang)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("transcription failed", "call_id", callID, "error", err)
			continue
		}
		transcript = strings.TrimSpace(transcript)
		if transcript == "" {
			continue
		}
		r.logger.Info("caller said", "call_id", callID, "chars", len(transcript))

		if !r.cfg.BargeIn {
			r.forks.SetCapture(callID, false)
		}
		if err := sess.Transition(call.StateSpeaking); err != nil {
			return
		}

		reply, err := r.think(ctx, sess, endpoint, transcript, lang)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			aiFailures++
			r.logger.Error("ai turn failed",
				"call_id", callID,
				"consecutive", aiFailures,
				"error", err,
			)
			if aiFailures >= maxAIFailures {
				sess.Fail("ai_unavailable")
				return
			}
			if err := r.speak(ctx, sess, endpoint, apology(lang), lang); err != nil && ctx.Err() != nil {
				return
			}
			continue
		}
		aiFailures = 0

		if err := r.speak(ctx, sess, endpoint, reply, lang); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("reply playback failed", "call_id", callID, "error", err)
		}
		sess.AddTurn(transcript, reply)
	}
}

// think plays the device's filler phrase while the gateway produces the
// real answer. The reply is not returned until the filler has finished, so
// the bot never talks over itself.
func (r *Runner) think(ctx context.Context, sess *call.Session, endpoint *engine.Endpoint, transcript, lang string) (string, error) {
	var reply string
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		reply, err = r.ai.Ask(gctx, transcript, sess.ID(), r.devicePrompt(sess))
		return err
	})

	if phrase := sess.Device().ThinkingPhrase; phrase != "" {
		g.Go(func() error {
			if err := r.speak(gctx, sess, endpoint, phrase, lang); err != nil && gctx.Err() == nil {
				r.logger.Debug("thinking phrase failed", "call_id", sess.ID(), "error", err)
			}
			// A silent filler never fails the turn.
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return "", err
	}
	return reply, nil
}

// speak synthesizes text and plays it, blocking until playback ends or ctx
// cancels. Artifacts are rendered fresh every time so the audio sweeper can
// never delete a file out from under a replay.
func (r *Runner) speak(ctx context.Context, sess *call.Session, endpoint *engine.Endpoint, text, lang string) error {
	url, err := r.tts.Synthesize(ctx, text, lang, sess.Device().Voice)
	if err != nil {
		return err
	}
	return endpoint.Play(ctx, url)
}

// playPrompt plays one of the generated tone prompts. Best-effort: a failed
// tone never changes the call's course.
func (r *Runner) playPrompt(ctx context.Context, sess *call.Session, endpoint *engine.Endpoint, name string) {
	url := fmt.Sprintf("http://%s:%d/static/%s", r.cfg.AdvertiseIP(), r.cfg.HTTPPort, name)
	if err := endpoint.Play(ctx, url); err != nil && ctx.Err() == nil {
		r.logger.Debug("prompt playback failed", "call_id", sess.ID(), "prompt", name, "error", err)
	}
}

// devicePrompt layers the per-call context onto the device personality.
func (r *Runner) devicePrompt(sess *call.Session) string {
	personality := strings.TrimSpace(sess.Device().Personality)
	extra := strings.TrimSpace(sess.PromptContext())
	switch {
	case personality == "":
		return extra
	case extra == "":
		return personality
	default:
		return personality + "\n\n" + extra
	}
}

// language picks the device language, falling back to the configured
// default and then English.
func (r *Runner) language(device *models.Device) string {
	if device.Language != "" {
		return device.Language
	}
	if r.cfg.LanguageDefault != "" {
		return r.cfg.LanguageDefault
	}
	return "en"
}

// greetingText picks the opener: an explicit message wins, then the device
// greeting. Empty means skip the greeting.
func greetingText(sess *call.Session) string {
	if msg := strings.TrimSpace(sess.Message()); msg != "" {
		return msg
	}
	return strings.TrimSpace(sess.Device().Greeting)
}

// awaitUtterance waits for the next utterance. A nil utterance with ok true
// means the listen window timed out; ok false means the call is over or the
// fork closed.
func awaitUtterance(ctx context.Context, utterances <-chan audiofork.Utterance, timeout time.Duration) (*audiofork.Utterance, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, false
	case u, ok := <-utterances:
		if !ok {
			return nil, false
		}
		return &u, true
	case <-timer.C:
		return nil, true
	}
}
