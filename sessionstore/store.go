// Package sessionstore persists gateway resume state. The default store
// is in-memory; the Redis store lets a restarted process resume sessions
// instead of re-identifying every shard.
package sessionstore

import (
	"context"
	"sync"
)

// SessionState is everything needed to RESUME a gateway session.
type SessionState struct {
	SessionID  string `json:"session_id"`
	Sequence   int64  `json:"sequence"`
	ResumeURL  string `json:"resume_url"`
	ShardID    int    `json:"shard_id"`
	ShardCount int    `json:"shard_count"`
}

// Valid reports whether the state can seed a RESUME.
func (s SessionState) Valid() bool { return s.SessionID != "" }

// Store saves and loads per-shard session state.
type Store interface {
	Save(ctx context.Context, shardID int, state SessionState) error
	Load(ctx context.Context, shardID int) (SessionState, bool, error)
	Clear(ctx context.Context, shardID int) error
}

// Memory is the default in-process Store.
type Memory struct {
	mu     sync.RWMutex
	states map[int]SessionState
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{states: make(map[int]SessionState)}
}

func (m *Memory) Save(_ context.Context, shardID int, state SessionState) error {
	m.mu.Lock()
	m.states[shardID] = state
	m.mu.Unlock()
	return nil
}

func (m *Memory) Load(_ context.Context, shardID int) (SessionState, bool, error) {
	m.mu.RLock()
	st, ok := m.states[shardID]
	m.mu.RUnlock()
	return st, ok, nil
}

func (m *Memory) Clear(_ context.Context, shardID int) error {
	m.mu.Lock()
	delete(m.states, shardID)
	m.mu.Unlock()
	return nil
}
