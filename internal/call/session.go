package call

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voicebridge/voicebridge/internal/database/models"
)

// State is the lifecycle position of a call session.
type State string

const (
	StateCreated   State = "CREATED"
	StateDialing   State = "DIALING"
	StateRinging   State = "RINGING"
	StateAccepted  State = "ACCEPTED"
	StateAnswered  State = "ANSWERED"
	StateSpeaking  State = "SPEAKING"
	StateListening State = "LISTENING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether the state absorbs all further transitions.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// Label is the lowercased form used in JSON bodies and webhook events.
func (s State) Label() string { return strings.ToLower(string(s)) }

// Direction distinguishes who placed the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Mode selects what happens once the call is answered.
type Mode string

const (
	ModeAnnounce     Mode = "announce"
	ModeConversation Mode = "conversation"
)

// Turn is one user/assistant exchange in a conversation call.
type Turn struct {
	Timestamp time.Time `json:"timestamp"`
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
}

// Event is one lifecycle transition. Events leave the manager's channel in
// the order the transitions were applied.
type Event struct {
	CallID     string
	State      State
	Reason     string
	To         string
	Duration   int // seconds since answer, 0 before
	WebhookURL string
	Timestamp  time.Time
}

// Legal moves between non-terminal states. Any non-terminal state may also
// move to COMPLETED or FAILED; that is handled separately.
var transitions = map[State][]State{
	StateCreated:   {StateDialing, StateRinging},
	StateDialing:   {StateRinging, StateAnswered},
	StateRinging:   {StateAccepted, StateAnswered},
	StateAccepted:  {StateAnswered},
	StateAnswered:  {StateSpeaking, StateListening},
	StateSpeaking:  {StateListening},
	StateListening: {StateSpeaking},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Params describes a session to create.
type Params struct {
	Direction     Direction
	Mode          Mode
	Device        *models.Device
	Remote        string // dialed number or calling party
	CallerID      string
	Message       string // announce text or conversation opener
	PromptContext string // extra context layered into the device prompt
	WebhookURL    string
	RingTimeout   time.Duration
}

// Session is the authoritative in-memory record for one call. Identity and
// request fields are immutable; state, timestamps and turns are guarded by
// the mutex so that exactly one transition is in flight at a time.
type Session struct {
	id            string
	direction     Direction
	mode          Mode
	device        *models.Device
	remote        string
	callerID      string
	message       string
	promptContext string
	webhookURL    string
	ringTimeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	events       chan<- Event
	onTerminal   func(*Session)
	terminalOnce sync.Once

	mu       sync.Mutex
	state    State
	reason   string
	created  time.Time
	answered *time.Time
	ended    *time.Time
	turns    []Turn
}

func (s *Session) ID() string                 { return s.id }
func (s *Session) Direction() Direction       { return s.direction }
func (s *Session) Mode() Mode                 { return s.mode }
func (s *Session) Device() *models.Device     { return s.device }
func (s *Session) Remote() string             { return s.remote }
func (s *Session) CallerID() string           { return s.callerID }
func (s *Session) Message() string            { return s.message }
func (s *Session) PromptContext() string      { return s.promptContext }
func (s *Session) WebhookURL() string         { return s.webhookURL }
func (s *Session) RingTimeout() time.Duration { return s.ringTimeout }

// Context is cancelled when the session reaches a terminal state or a
// hangup is requested. All child work of the call runs under it.
func (s *Session) Context() context.Context { return s.ctx }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns the terminal reason code, if any.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Transition moves the session to a non-terminal state. Re-entering the
// current state is a no-op; anything the state machine does not permit is
// an error and leaves the session unchanged.
func (s *Session) Transition(to State) error {
	return s.transition(to, "")
}

// Complete ends the session cleanly.
func (s *Session) Complete() {
	_ = s.transition(StateCompleted, "")
}

// Fail ends the session with a reason code (busy, no_answer, ...).
func (s *Session) Fail(reason string) {
	_ = s.transition(StateFailed, reason)
}

// Hangup requests teardown. The owning call task observes the cancelled
// context, releases its resources and applies the terminal transition.
func (s *Session) Hangup() {
	s.logger.Info("hangup requested", "call_id", s.id)
	s.cancel()
}

func (s *Session) transition(to State, reason string) error {
	s.mu.Lock()
	from := s.state
	if from.Terminal() {
		s.mu.Unlock()
		if to.Terminal() {
			// Late teardown paths racing each other; first one won.
			return nil
		}
		return fmt.Errorf("call %s already %s", s.id, from)
	}
	if to == from {
		s.mu.Unlock()
		return nil
	}
	if !to.Terminal() && !allowed(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("call %s cannot move %s -> %s", s.id, from, to)
	}

	now := time.Now().UTC()
	s.state = to
	switch {
	case to == StateAnswered:
		s.answered = &now
	case to.Terminal():
		s.ended = &now
		s.reason = reason
	}
	ev := Event{
		CallID:     s.id,
		State:      to,
		Reason:     s.reason,
		To:         s.remote,
		Duration:   s.durationLocked(now),
		WebhookURL: s.webhookURL,
		Timestamp:  now,
	}
	// Emitting under the lock keeps the channel ordering identical to the
	// transition ordering.
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("lifecycle event dropped, consumer not keeping up",
			"call_id", s.id, "state", to)
	}
	s.mu.Unlock()

	if reason != "" {
		s.logger.Info("call state", "call_id", s.id, "from", from, "to", to, "reason", reason)
	} else {
		s.logger.Info("call state", "call_id", s.id, "from", from, "to", to)
	}

	if to.Terminal() {
		s.terminalOnce.Do(func() {
			s.cancel()
			if s.onTerminal != nil {
				s.onTerminal(s)
			}
		})
	}
	return nil
}

func (s *Session) durationLocked(now time.Time) int {
	if s.answered == nil {
		return 0
	}
	end := now
	if s.ended != nil {
		end = *s.ended
	}
	return int(end.Sub(*s.answered).Seconds())
}

// Duration returns whole seconds since answer (zero before answer, frozen
// after the call ends).
func (s *Session) Duration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durationLocked(time.Now().UTC())
}

// AddTurn records one completed exchange.
func (s *Session) AddTurn(user, assistant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, Turn{Timestamp: time.Now().UTC(), User: user, Assistant: assistant})
}

// TurnCount returns how many exchanges have completed.
func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Turns returns a copy of the conversation history.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Snapshot is the read-only view served by the status API.
type Snapshot struct {
	CallID     string     `json:"callId"`
	State      string     `json:"state"`
	Direction  Direction  `json:"direction"`
	Mode       Mode       `json:"mode"`
	Device     string     `json:"device"`
	Extension  string     `json:"extension,omitempty"`
	To         string     `json:"to"`
	Reason     string     `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	AnsweredAt *time.Time `json:"answeredAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	Duration   int        `json:"duration"`
	TurnCount  int        `json:"turnCount"`
	Turns      []Turn     `json:"turns,omitempty"`
}

// Snapshot captures the session for the status API. Conversation history is
// included only for conversation-mode calls.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		CallID:    s.id,
		State:     s.state.Label(),
		Direction: s.direction,
		Mode:      s.mode,
		Device:    s.device.Name,
		Extension: s.device.Extension,
		To:        s.remote,
		Reason:    s.reason,
		CreatedAt: s.created,
		Duration:  s.durationLocked(time.Now().UTC()),
		TurnCount: len(s.turns),
	}
	if s.answered != nil {
		t := *s.answered
		snap.AnsweredAt = &t
	}
	if s.ended != nil {
		t := *s.ended
		snap.EndedAt = &t
	}
	if s.mode == ModeConversation && len(s.turns) > 0 {
		snap.Turns = make([]Turn, len(s.turns))
		copy(snap.Turns, s.turns)
	}
	return snap
}

// record builds the terminal call-log row.
func (s *Session) record() *models.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &models.CallRecord{
		CallID:     s.id,
		Direction:  string(s.direction),
		Mode:       string(s.mode),
		Extension:  s.device.Extension,
		Remote:     s.remote,
		FinalState: s.state.Label(),
		Reason:     s.reason,
		TurnCount:  len(s.turns),
		CreatedAt:  s.created,
		AnsweredAt: s.answered,
		EndedAt:    s.ended,
	}
	if s.ended != nil {
		rec.DurationSecs = s.durationLocked(*s.ended)
	}
	return rec
}

// endedBefore reports whether the session reached a terminal state before
// the cutoff. Non-terminal sessions never qualify.
func (s *Session) endedBefore(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended != nil && s.ended.Before(cutoff)
}
