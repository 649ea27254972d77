package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"blacksky.com/maurice/internal/store"
)

// PendingMatch is the proposal awaiting the user's confirmation. It lives for
// exactly one turn.
type PendingMatch struct {
	Name       string            `json:"name"`
	Candidates []store.UserMatch `json:"candidates"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Top is the best-ranked candidate, the one a confirmation merges into.
func (p *PendingMatch) Top() store.UserMatch {
	return p.Candidates[0]
}

// SessionStore keeps per-session pending matches. Get returns nil, nil when
// the session has none.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*PendingMatch, error)
	Put(ctx context.Context, sessionID string, p *PendingMatch) error
	Delete(ctx context.Context, sessionID string) error
}

type memoryEntry struct {
	match   *PendingMatch
	expires time.Time
}

// MemorySessions is a process-local SessionStore.
type MemorySessions struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemorySessions(ttl time.Duration) *MemorySessions {
	return &MemorySessions{ttl: ttl, entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemorySessions) Get(_ context.Context, sessionID string) (*PendingMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return nil, nil
	}
	if m.ttl > 0 && m.now().After(e.expires) {
		delete(m.entries, sessionID)
		return nil, nil
	}
	return e.match, nil
}

func (m *MemorySessions) Put(_ context.Context, sessionID string, p *PendingMatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	// drop expired proposals from sessions that never came back
	for id, e := range m.entries {
		if m.ttl > 0 && now.After(e.expires) {
			delete(m.entries, id)
		}
	}
	m.entries[sessionID] = memoryEntry{match: p, expires: now.Add(m.ttl)}
	return nil
}

func (m *MemorySessions) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sessionID)
	return nil
}

// RedisSessions shares pending matches between server replicas.
type RedisSessions struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisSessions(client *redis.Client, ttl time.Duration) *RedisSessions {
	return &RedisSessions{client: client, ttl: ttl, prefix: "maurice:pending:"}
}

func (r *RedisSessions) key(sessionID string) string {
	return r.prefix + sessionID
}

func (r *RedisSessions) Get(ctx context.Context, sessionID string) (*PendingMatch, error) {
	raw, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pending match: %w", err)
	}
	var p PendingMatch
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode pending match: %w", err)
	}
	return &p, nil
}

func (r *RedisSessions) Put(ctx context.Context, sessionID string, p *PendingMatch) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode pending match: %w", err)
	}
	if err := r.client.Set(ctx, r.key(sessionID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store pending match: %w", err)
	}
	return nil
}

func (r *RedisSessions) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete pending match: %w", err)
	}
	return nil
}
