package audiofork

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Session is the per-connection receive side of one call's audio fork. The
// conversation loop consumes Utterances(); the SIP layer may force-finalize
// on keypad input. All methods are safe for concurrent use.
type Session struct {
	callID  string
	logger  *slog.Logger
	counter *atomic.Uint64 // server-wide accepted-utterance tally

	mu       sync.Mutex
	detector *vad
	closed   bool
	gotAudio bool

	utterances chan Utterance
}

func newSession(callID string, params Params, counter *atomic.Uint64, logger *slog.Logger) *Session {
	return &Session{
		callID:     callID,
		logger:     logger,
		counter:    counter,
		detector:   newVAD(params),
		utterances: make(chan Utterance, 4),
	}
}

// CallID returns the call this fork belongs to.
func (s *Session) CallID() string { return s.callID }

// Utterances delivers finalized utterances in arrival order. The channel is
// closed when the fork connection ends.
func (s *Session) Utterances() <-chan Utterance { return s.utterances }

// SetCapture opens or closes the listening window. While closed, incoming
// audio is discarded and any partial utterance is dropped.
func (s *Session) SetCapture(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.detector.setCapture(enabled)
}

// ForceFinalize ends the utterance in progress right now, as when the
// caller presses "#". Returns whether an utterance was actually emitted.
func (s *Session) ForceFinalize() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	return s.emit(s.detector.forceFinalize())
}

// handleText processes the optional leading metadata frame. Frames arriving
// after audio has started are ignored.
func (s *Session) handleText(data []byte) {
	var meta struct {
		SampleRate int `json:"sampleRate"`
	}
	if err := json.Unmarshal(data, &meta); err != nil || meta.SampleRate <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gotAudio {
		s.logger.Debug("metadata frame after audio started, ignoring", "call_id", s.callID)
		return
	}
	s.detector.setSampleRate(meta.SampleRate)
}

// handleBinary feeds one PCM chunk through the detector.
func (s *Session) handleBinary(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.gotAudio = true
	s.emit(s.detector.process(chunk))
}

// emit pushes a finalized utterance to the consumer. Emission never blocks
// the read loop: if the consumer lags four utterances behind, the oldest
// news is stale anyway. Callers hold s.mu.
func (s *Session) emit(u *Utterance) bool {
	if u == nil {
		return false
	}
	u.CallID = s.callID
	select {
	case s.utterances <- *u:
		if s.counter != nil {
			s.counter.Add(1)
		}
		s.logger.Debug("utterance finalized",
			"call_id", s.callID,
			"reason", u.Reason,
			"duration_ms", u.Duration.Milliseconds(),
			"speech_ms", u.Speech.Milliseconds(),
		)
		return true
	default:
		s.logger.Warn("utterance dropped, consumer not keeping up", "call_id", s.callID)
		return false
	}
}

// close ends the session; any partial utterance is discarded.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.utterances)
}
