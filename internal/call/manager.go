// Package call holds the authoritative per-call session records: the state
// machine, the conversation history, and the manager that tracks live
// sessions, evicts finished ones after a grace window, and writes the
// terminal call-log row exactly once.
package call

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicebridge/voicebridge/internal/database"
)

const (
	// graceWindow keeps terminal sessions queryable before eviction.
	graceWindow = 60 * time.Second

	sweepInterval  = 15 * time.Second
	recordDeadline = 5 * time.Second
)

// Manager tracks all call sessions in memory. Lookups are concurrent; the
// per-session state machines serialize their own mutations.
type Manager struct {
	records database.CallLogRepository
	logger  *slog.Logger
	root    context.Context

	mu       sync.RWMutex
	sessions map[string]*Session
	totals   map[totalsKey]uint64

	events chan Event
}

type totalsKey struct {
	direction   Direction
	disposition string
}

// CallTotal is one (direction, disposition) counter for metrics.
type CallTotal struct {
	Direction   string
	Disposition string
	Count       uint64
}

// NewManager creates the session table. Sessions derive their contexts from
// root, so process shutdown tears down every live call.
func NewManager(root context.Context, records database.CallLogRepository, logger *slog.Logger) *Manager {
	return &Manager{
		records:  records,
		logger:   logger.With("component", "call"),
		root:     root,
		sessions: make(map[string]*Session),
		totals:   make(map[totalsKey]uint64),
		events:   make(chan Event, 128),
	}
}

// Create registers a new session in CREATED state and returns it.
func (m *Manager) Create(p Params) *Session {
	ctx, cancel := context.WithCancel(m.root)
	sess := &Session{
		id:            uuid.NewString(),
		direction:     p.Direction,
		mode:          p.Mode,
		device:        p.Device,
		remote:        p.Remote,
		callerID:      p.CallerID,
		message:       p.Message,
		promptContext: p.PromptContext,
		webhookURL:    p.WebhookURL,
		ringTimeout:   p.RingTimeout,
		ctx:           ctx,
		cancel:        cancel,
		logger:        m.logger,
		events:        m.events,
		onTerminal:    m.sessionEnded,
		state:         StateCreated,
		created:       time.Now().UTC(),
	}

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	m.logger.Info("call session created",
		"call_id", sess.id,
		"direction", sess.direction,
		"mode", sess.mode,
		"device", sess.device.Name,
		"to", sess.remote,
	)
	return sess
}

// Get returns the session for the call id, or nil when unknown or evicted.
func (m *Manager) Get(callID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[callID]
}

// Sessions returns every tracked session (live plus grace window), oldest
// first.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].created.Before(out[j].created) })
	return out
}

// ActiveCount returns how many sessions have not reached a terminal state.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if !s.State().Terminal() {
			n++
		}
	}
	return n
}

// Totals snapshots the per-direction, per-disposition call counters.
func (m *Manager) Totals() []CallTotal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CallTotal, 0, len(m.totals))
	for k, v := range m.totals {
		out = append(out, CallTotal{Direction: string(k.direction), Disposition: k.disposition, Count: v})
	}
	return out
}

// Hangup cancels the session's context; the owning call task completes the
// teardown. Returns false when the call id is unknown.
func (m *Manager) Hangup(callID string) bool {
	sess := m.Get(callID)
	if sess == nil {
		return false
	}
	sess.Hangup()
	return true
}

// Events delivers lifecycle transitions, in order, to a single consumer.
func (m *Manager) Events() <-chan Event { return m.events }

// sessionEnded runs once per session, on its terminal transition. It bumps
// the counters and persists the call record.
func (m *Manager) sessionEnded(sess *Session) {
	disposition := "completed"
	if sess.State() == StateFailed {
		disposition = "failed"
		if r := sess.Reason(); r != "" {
			disposition = r
		}
	}

	m.mu.Lock()
	m.totals[totalsKey{direction: sess.direction, disposition: disposition}]++
	m.mu.Unlock()

	if m.records == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordDeadline)
	defer cancel()
	if err := m.records.Create(ctx, sess.record()); err != nil {
		m.logger.Error("writing call record failed", "call_id", sess.id, "error", err)
	}
}

// StartSweeper evicts terminal sessions once their grace window passes. It
// runs until ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(time.Now().UTC().Add(-graceWindow))
			}
		}
	}()
}

func (m *Manager) sweep(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.endedBefore(cutoff) {
			delete(m.sessions, id)
			m.logger.Debug("call session evicted", "call_id", id)
		}
	}
}
