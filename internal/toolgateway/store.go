package toolgateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/secflow/engine/internal/domain"
)

// sessionStore persists ToolSession rows, guarded per spec §5 by a
// reader-writer discipline the caller (Gateway) enforces: creation and
// revocation are writes, tool calls only read.
type sessionStore interface {
	put(ctx context.Context, s *domain.ToolSession) error
	get(ctx context.Context, id string) (*domain.ToolSession, bool, error)
	delete(ctx context.Context, id string) error
}

// memoryStore is the in-process fallback used when no Redis address is
// configured (SPEC_FULL.md §12: "falls back to in-memory when
// unconfigured"), and the default in tests.
type memoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*domain.ToolSession
}

func newMemoryStore() *memoryStore {
	return &memoryStore{byID: make(map[string]*domain.ToolSession)}
}

func (m *memoryStore) put(_ context.Context, s *domain.ToolSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[s.ID] = s
	return nil
}

func (m *memoryStore) get(_ context.Context, id string) (*domain.ToolSession, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	return s, ok, nil
}

func (m *memoryStore) delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
	return nil
}

// redisStore backs the session table with Redis so a multi-process
// deployment shares session state (SPEC_FULL.md §12 domain stack: "a
// distributed session table with an in-memory fallback").
type redisStore struct {
	rdb *redis.Client
}

func newRedisStore(rdb *redis.Client) *redisStore {
	return &redisStore{rdb: rdb}
}

func sessionKey(id string) string { return "secflow:toolsession:" + id }

func (r *redisStore) put(ctx context.Context, s *domain.ToolSession) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	return r.rdb.Set(ctx, sessionKey(s.ID), raw, ttl).Err()
}

func (r *redisStore) get(ctx context.Context, id string) (*domain.ToolSession, bool, error) {
	raw, err := r.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var s domain.ToolSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, err
	}
	return &s, true, nil
}

func (r *redisStore) delete(ctx context.Context, id string) error {
	return r.rdb.Del(ctx, sessionKey(id)).Err()
}
