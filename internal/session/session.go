// Package session keeps one [agent.Agent] per conversation.
//
// A session is identified by "<tenant>_<uuid>" and bound to its tenant for
// life. Turns on the same session are serialised; different sessions run
// concurrently. Idle sessions are removed by [Manager.Sweep].
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/procagent/internal/agent"
	"github.com/MrWong99/procagent/internal/db"
	"github.com/MrWong99/procagent/internal/observe"
)

var (
	// ErrNotFound is returned for an unknown session ID.
	ErrNotFound = errors.New("session: not found")

	// ErrTenantMismatch is returned when an existing session is addressed
	// with a different tenant.
	ErrTenantMismatch = errors.New("session: tenant does not own session")

	// ErrClosed is returned after [Manager.Close].
	ErrClosed = errors.New("session: manager closed")
)

// Factory builds the agent for a new session of tenant.
type Factory func(ctx context.Context, tenant string) (*agent.Agent, error)

// Info describes a session.
type Info struct {
	ID         string    `json:"sessionId"`
	Tenant     string    `json:"tenantId"`
	CreatedAt  time.Time `json:"createdAt"`
	LastActive time.Time `json:"lastActive"`
	Messages   int       `json:"messages"`
}

// Session is one conversation.
type Session struct {
	ID        string
	Tenant    string
	CreatedAt time.Time

	mu         sync.Mutex
	agent      *agent.Agent
	lastActive time.Time
	now        func() time.Time
}

// Chat runs one turn. Concurrent calls on the same session are serialised.
// The tenant is attached to ctx so tenant-routed adapters reach the right
// shard.
func (s *Session) Chat(ctx context.Context, message string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.now()
	ctx = db.WithTenant(ctx, s.Tenant)
	reply, err := s.agent.Chat(ctx, message)
	s.lastActive = s.now()
	return reply, err
}

// Reset clears the conversation.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agent.Reset()
	s.lastActive = s.now()
}

// Info returns a snapshot of the session. It waits for a running turn.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:         s.ID,
		Tenant:     s.Tenant,
		CreatedAt:  s.CreatedAt,
		LastActive: s.lastActive,
		Messages:   len(s.agent.History()),
	}
}

// Agent returns the session's agent. Callers must not use it concurrently
// with [Session.Chat].
func (s *Session) Agent() *agent.Agent { return s.agent }

func (s *Session) idleSince() (time.Time, bool) {
	if !s.mu.TryLock() {
		return time.Time{}, false
	}
	defer s.mu.Unlock()
	return s.lastActive, true
}

// Option configures a [Manager].
type Option func(*Manager)

// WithTTL removes sessions idle for longer than d on [Manager.Sweep]. Zero
// keeps sessions until deleted.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) { m.ttl = d }
}

// WithMetrics maintains the active session gauge on met.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the live sessions. All methods are safe for concurrent use.
type Manager struct {
	factory Factory
	ttl     time.Duration
	metrics *observe.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager returns a Manager creating agents with factory.
func NewManager(factory Factory, opts ...Option) *Manager {
	m := &Manager{
		factory:  factory,
		logger:   slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// NewID returns a fresh session ID for tenant.
func NewID(tenant string) string {
	return tenant + "_" + uuid.NewString()
}

// GetOrCreate returns the session id, creating it for tenant when it does not
// exist. An empty id always creates a new session with a generated ID. The
// second result reports whether the session was created.
func (m *Manager) GetOrCreate(ctx context.Context, tenant, id string) (*Session, bool, error) {
	if err := db.ValidateTenant(tenant); err != nil {
		return nil, false, fmt.Errorf("session: %w", err)
	}
	if id != "" {
		s, err := m.Get(id)
		if err == nil {
			if s.Tenant != tenant {
				return nil, false, fmt.Errorf("%w: %s", ErrTenantMismatch, id)
			}
			return s, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	} else {
		id = NewID(tenant)
	}

	a, err := m.factory(ctx, tenant)
	if err != nil {
		return nil, false, fmt.Errorf("session: create agent for tenant %s: %w", tenant, err)
	}
	now := m.now()
	s := &Session{
		ID:         id,
		Tenant:     tenant,
		CreatedAt:  now,
		agent:      a,
		lastActive: now,
		now:        m.now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	if existing, ok := m.sessions[id]; ok {
		// Lost a creation race for the same ID.
		if existing.Tenant != tenant {
			return nil, false, fmt.Errorf("%w: %s", ErrTenantMismatch, id)
		}
		return existing, false, nil
	}
	m.sessions[id] = s
	m.gauge(ctx, 1)
	m.logger.Info("session created", "session_id", id, "tenant", tenant)
	return s, true, nil
}

// Get returns the session id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Reset clears the conversation of session id.
func (m *Manager) Reset(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.Reset()
	m.logger.Info("session reset", "session_id", id)
	return nil
}

// Delete removes session id. A turn already running on it completes.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.sessions, id)
	m.gauge(ctx, -1)
	m.logger.Info("session deleted", "session_id", id)
	return nil
}

// IDs returns the live session IDs in lexical order.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// List returns a snapshot of every live session ordered by ID.
func (m *Manager) List() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep removes sessions idle since before now minus the TTL and returns how
// many were removed. Sessions with a turn in progress are kept.
func (m *Manager) Sweep(ctx context.Context, now time.Time) int {
	if m.ttl <= 0 {
		return 0
	}
	cutoff := now.Add(-m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		last, idle := s.idleSince()
		if !idle || !last.Before(cutoff) {
			continue
		}
		delete(m.sessions, id)
		removed++
		m.logger.Info("session expired", "session_id", id, "idle", now.Sub(last))
	}
	if removed > 0 {
		m.gauge(ctx, -int64(removed))
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if m.ttl <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx, m.now())
		}
	}
}

// Close drops every session. Later calls fail with [ErrClosed].
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	n := len(m.sessions)
	clear(m.sessions)
	m.gauge(context.Background(), -int64(n))
	return nil
}

func (m *Manager) gauge(ctx context.Context, delta int64) {
	if m.metrics != nil && delta != 0 {
		m.metrics.ActiveSessions.Add(ctx, delta)
	}
}
