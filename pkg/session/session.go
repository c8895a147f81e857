// Package session owns the lifecycle of sandbox execution sessions: creation
// against a capacity limit, serialized execution, idempotent destruction and
// TTL-based reaping.
package session

import (
	"sync"
	"time"

	"github.com/rexxy-sasori/rlm/pkg/sandbox"
)

// Session binds one sandbox interpreter state to a stable identifier.
// Executions against a session are serialized: a second caller blocks until
// the in-flight execution finishes.
type Session struct {
	ID        string
	CreatedAt time.Time

	// OwnerTag is an opaque caller-supplied label, recorded for
	// observability only. It never influences lookup or eviction.
	OwnerTag string

	// execMu serializes executions and is also what Destroy waits on, so a
	// destroy never tears the state down under a running execution.
	execMu sync.Mutex

	mu               sync.Mutex
	lastUsedAt       time.Time
	executionCounter int64
	destroyed        bool

	state *sandbox.State
}

// Snapshot is a read-only copy of a session's metadata.
type Snapshot struct {
	ID               string    `json:"id"`
	CreatedAt        time.Time `json:"created_at"`
	LastUsedAt       time.Time `json:"last_used_at"`
	ExecutionCounter int64     `json:"execution_counter"`
}

// Snapshot returns a consistent copy of the session's metadata.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		ID:               s.ID,
		CreatedAt:        s.CreatedAt,
		LastUsedAt:       s.lastUsedAt,
		ExecutionCounter: s.executionCounter,
	}
}

// touch records a completed execution.
func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastUsedAt = time.Now()
	s.executionCounter++
}

func (s *Session) markDestroyed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
}

func (s *Session) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// expired reports whether the session is past either TTL at the given
// instant.
func (s *Session) expired(now time.Time, idleTTL, absoluteTTL time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if absoluteTTL > 0 && now.Sub(s.CreatedAt) > absoluteTTL {
		return true
	}
	if idleTTL > 0 && now.Sub(s.lastUsedAt) > idleTTL {
		return true
	}
	return false
}
