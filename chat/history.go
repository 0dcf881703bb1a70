package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"

	defaultHistoryTTL     = 24 * time.Hour
	historyCacheTimeout   = 300 * time.Millisecond
	defaultHistorySession = "default"
)

// Turn is one entry of a session transcript.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HistoryStore persists session transcripts keyed by principal and session.
type HistoryStore interface {
	Load(ctx context.Context, principal, session string) ([]Turn, error)
	Save(ctx context.Context, principal, session string, turns []Turn) error
	Clear(ctx context.Context, principal, session string) error
}

type redisHistory struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisHistory stores transcripts as JSON values that expire after ttl of
// inactivity.
func NewRedisHistory(client *redis.Client, ttl time.Duration) HistoryStore {
	if ttl <= 0 {
		ttl = defaultHistoryTTL
	}
	return &redisHistory{client: client, ttl: ttl}
}

func historyKey(principal, session string) string {
	session = strings.TrimSpace(session)
	if session == "" {
		session = defaultHistorySession
	}
	return fmt.Sprintf("chat:history:%s:%s", principal, session)
}

func (r *redisHistory) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= historyCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, historyCacheTimeout)
}

func (r *redisHistory) Load(ctx context.Context, principal, session string) ([]Turn, error) {
	ctx, cancel := r.cacheContext(ctx)
	defer cancel()

	data, err := r.client.Get(ctx, historyKey(principal, session)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chat: load history: %w", err)
	}
	var turns []Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("chat: decode history: %w", err)
	}
	return turns, nil
}

func (r *redisHistory) Save(ctx context.Context, principal, session string, turns []Turn) error {
	payload, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("chat: encode history: %w", err)
	}
	ctx, cancel := r.cacheContext(ctx)
	defer cancel()
	if err := r.client.Set(ctx, historyKey(principal, session), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("chat: store history: %w", err)
	}
	return nil
}

func (r *redisHistory) Clear(ctx context.Context, principal, session string) error {
	ctx, cancel := r.cacheContext(ctx)
	defer cancel()
	if err := r.client.Del(ctx, historyKey(principal, session)).Err(); err != nil {
		return fmt.Errorf("chat: clear history: %w", err)
	}
	return nil
}

// MemoryHistory keeps transcripts in process memory. Used when Redis is not
// available.
type MemoryHistory struct {
	mu    sync.RWMutex
	turns map[string][]Turn
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{turns: make(map[string][]Turn)}
}

func (m *MemoryHistory) Load(_ context.Context, principal, session string) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.turns[historyKey(principal, session)]
	out := make([]Turn, len(stored))
	copy(out, stored)
	return out, nil
}

func (m *MemoryHistory) Save(_ context.Context, principal, session string, turns []Turn) error {
	stored := make([]Turn, len(turns))
	copy(stored, turns)
	m.mu.Lock()
	m.turns[historyKey(principal, session)] = stored
	m.mu.Unlock()
	return nil
}

func (m *MemoryHistory) Clear(_ context.Context, principal, session string) error {
	m.mu.Lock()
	delete(m.turns, historyKey(principal, session))
	m.mu.Unlock()
	return nil
}
