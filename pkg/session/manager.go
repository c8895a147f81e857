package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rexxy-sasori/rlm/pkg/models"
	"github.com/rexxy-sasori/rlm/pkg/sandbox"
)

var (
	// ErrCapacityExhausted is returned by Create when the manager already
	// holds the configured maximum number of live sessions.
	ErrCapacityExhausted = errors.New("session capacity exhausted")

	// ErrNoSuchSession is returned by Execute for unknown or destroyed
	// session identifiers.
	ErrNoSuchSession = errors.New("no such session")
)

const (
	DefaultMaxSessions  = 100
	DefaultIdleTTL      = 10 * time.Minute
	DefaultAbsoluteTTL  = time.Hour
	DefaultReapInterval = 30 * time.Second
)

// Config bounds the session population.
type Config struct {
	MaxSessions int
	IdleTTL     time.Duration
	AbsoluteTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	if c.AbsoluteTTL <= 0 {
		c.AbsoluteTTL = DefaultAbsoluteTTL
	}
	return c
}

// Manager manages sessions in memory.
type Manager struct {
	cfg     Config
	runtime *sandbox.Runtime

	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewManager creates a new session manager backed by the given runtime.
func NewManager(runtime *sandbox.Runtime, cfg Config) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		runtime:  runtime,
		sessions: make(map[string]*Session),
	}
}

// Create allocates a session with a fresh interpreter state. The owner tag
// is an optional label carried for observability. At capacity Create fails
// with ErrCapacityExhausted; existing sessions are never evicted to make
// room.
func (m *Manager) Create(ownerTag string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.cfg.MaxSessions {
		return nil, fmt.Errorf("%w: %d sessions live", ErrCapacityExhausted, len(m.sessions))
	}

	state, err := m.runtime.NewState()
	if err != nil {
		return nil, fmt.Errorf("failed to create session state: %w", err)
	}

	now := time.Now()
	session := &Session{
		ID:         uuid.New().String(),
		CreatedAt:  now,
		OwnerTag:   ownerTag,
		lastUsedAt: now,
		state:      state,
	}
	m.sessions[session.ID] = session
	return session, nil
}

// Execute runs code against the identified session. Executions against the
// same session are serialized in arrival order; a zero timeout uses the
// runtime default. Sandbox-level failures are reported inside Outputs, not
// as an error.
func (m *Manager) Execute(ctx context.Context, sessionID, code string, timeout time.Duration) (*models.Outputs, error) {
	m.mu.RLock()
	session, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchSession, sessionID)
	}

	session.execMu.Lock()
	defer session.execMu.Unlock()

	// The session may have been destroyed while this caller waited.
	if session.isDestroyed() {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchSession, sessionID)
	}

	limits := m.runtime.DefaultLimits()
	if timeout > 0 {
		limits.WallTimeout = timeout
	}
	out := m.runtime.Execute(ctx, session.state, code, limits)
	session.touch()
	return out, nil
}

// Destroy removes a session and releases its interpreter state. It waits
// for an in-flight execution to finish first. Destroying an unknown or
// already-destroyed session is a no-op.
func (m *Manager) Destroy(sessionID string) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	session.execMu.Lock()
	defer session.execMu.Unlock()
	session.markDestroyed()
	session.state.Close()
}

// Get retrieves a session snapshot by ID.
func (m *Manager) Get(sessionID string) (Snapshot, error) {
	m.mu.RLock()
	session, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNoSuchSession, sessionID)
	}
	return session.Snapshot(), nil
}

// List returns snapshots of all live sessions, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snapshots = append(snapshots, s.Snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].CreatedAt.Equal(snapshots[j].CreatedAt) {
			return snapshots[i].ID < snapshots[j].ID
		}
		return snapshots[i].CreatedAt.Before(snapshots[j].CreatedAt)
	})
	return snapshots
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close destroys all sessions. Used at shutdown.
func (m *Manager) Close() {
	for _, snap := range m.List() {
		m.Destroy(snap.ID)
	}
}

// reapExpired destroys sessions past a TTL at the given instant and returns
// how many were destroyed.
func (m *Manager) reapExpired(now time.Time) int {
	m.mu.RLock()
	expired := make([]string, 0)
	for id, s := range m.sessions {
		if s.expired(now, m.cfg.IdleTTL, m.cfg.AbsoluteTTL) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.Destroy(id)
	}
	return len(expired)
}
