// Package audiofork receives the caller's audio from the media engine over
// WebSocket and segments it into utterances for the conversation loop. One
// connection carries one call: the trailing URL path segment is the call id,
// an optional leading JSON text frame declares the sample rate, and every
// binary frame is raw 16-bit mono PCM.
package audiofork

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/voicebridge/voicebridge/internal/config"
)

// DefaultExpectTimeout is how long the conversation loop waits for the
// engine to open the fork before carrying on without one.
const DefaultExpectTimeout = 8 * time.Second

// Server accepts fork connections and owns the per-call sessions. It
// implements http.Handler; the caller runs it on the fork port.
type Server struct {
	params      Params
	externalURL string
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	expects  map[string]chan *Session

	// watcher announces sessions nobody expected (engine-initiated forks).
	watcher chan *Session

	utterancesTotal atomic.Uint64
}

// NewServer creates the fork server with production VAD parameters.
func NewServer(cfg *config.Config, logger *slog.Logger) *Server {
	return &Server{
		params:      DefaultParams(),
		externalURL: fmt.Sprintf("ws://%s:%d", cfg.AdvertiseIP(), cfg.WSPort),
		logger:      logger.With("component", "audiofork"),
		sessions:    make(map[string]*Session),
		expects:     make(map[string]chan *Session),
		watcher:     make(chan *Session, 8),
	}
}

// ForkURL returns the externally reachable WebSocket URL the engine should
// stream the given call's audio to.
func (s *Server) ForkURL(callID string) string {
	return s.externalURL + "/" + callID
}

// Expect pre-registers interest in callID's fork connection. The returned
// channel delivers the session when it connects (immediately, if it already
// has) and is closed without a value if none arrives within timeout.
func (s *Server) Expect(callID string, timeout time.Duration) <-chan *Session {
	if timeout <= 0 {
		timeout = DefaultExpectTimeout
	}
	ch := make(chan *Session, 1)

	s.mu.Lock()
	if sess, ok := s.sessions[callID]; ok {
		s.mu.Unlock()
		ch <- sess
		return ch
	}
	s.expects[callID] = ch
	s.mu.Unlock()

	time.AfterFunc(timeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.expects[callID] == ch {
			delete(s.expects, callID)
			close(ch)
			s.logger.Warn("audio fork never connected", "call_id", callID)
		}
	})
	return ch
}

// Watcher announces fork sessions that arrived without an expectation.
func (s *Server) Watcher() <-chan *Session { return s.watcher }

// Session returns the live session for callID, or nil.
func (s *Server) Session(callID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[callID]
}

// SetCapture gates utterance accumulation for callID. Unknown ids are a
// no-op: the fork may simply not have connected yet.
func (s *Server) SetCapture(callID string, enabled bool) {
	if sess := s.Session(callID); sess != nil {
		sess.SetCapture(enabled)
	}
}

// ForceFinalize ends callID's in-progress utterance immediately. Driven by
// SIP INFO keypad events.
func (s *Server) ForceFinalize(callID string) bool {
	sess := s.Session(callID)
	if sess == nil {
		return false
	}
	return sess.ForceFinalize()
}

// UtteranceCount reports how many utterances have been accepted since start.
func (s *Server) UtteranceCount() uint64 { return s.utterancesTotal.Load() }

// ServeHTTP accepts one fork connection and pumps it until close.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callID := strings.Trim(r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:], "/")
	if callID == "" {
		http.Error(w, "missing call id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("fork accept failed", "call_id", callID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	sess := newSession(callID, s.params, &s.utterancesTotal, s.logger)
	s.register(sess)
	defer s.unregister(sess)

	s.logger.Info("audio fork connected", "call_id", callID, "remote", r.RemoteAddr)
	s.readLoop(r.Context(), conn, sess)
}

func (s *Server) register(sess *Session) {
	s.mu.Lock()
	if old, ok := s.sessions[sess.callID]; ok {
		// A reconnect for the same call replaces the stale session.
		old.close()
	}
	s.sessions[sess.callID] = sess
	expect := s.expects[sess.callID]
	delete(s.expects, sess.callID)
	s.mu.Unlock()

	if expect != nil {
		expect <- sess
		return
	}
	select {
	case s.watcher <- sess:
	default:
		s.logger.Warn("unexpected fork session dropped from watcher", "call_id", sess.callID)
	}
}

func (s *Server) unregister(sess *Session) {
	s.mu.Lock()
	if s.sessions[sess.callID] == sess {
		delete(s.sessions, sess.callID)
	}
	s.mu.Unlock()
	sess.close()
	s.logger.Info("audio fork closed", "call_id", sess.callID)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *Session) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				s.logger.Debug("fork read ended", "call_id", sess.callID, "error", err)
			}
			return
		}
		switch typ {
		case websocket.MessageText:
			sess.handleText(data)
		case websocket.MessageBinary:
			sess.handleBinary(data)
		}
	}
}
