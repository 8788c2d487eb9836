// Package progress publishes commit progress snapshots so that any API
// instance can answer progress polls for a session.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/listing-import/internal/importer"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a snapshot outlives its last update.
const DefaultTTL = time.Hour

// Store saves and loads the latest progress snapshot per session.
type Store interface {
	Save(ctx context.Context, sessionID string, p importer.Progress) error
	Load(ctx context.Context, sessionID string) (importer.Progress, bool, error)
	Delete(ctx context.Context, sessionID string) error
}

// RedisStore keeps snapshots as JSON under import:progress:<id>.
type RedisStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{redis: client, ttl: ttl}
}

func key(sessionID string) string {
	return fmt.Sprintf("import:progress:%s", sessionID)
}

func (s *RedisStore) Save(ctx context.Context, sessionID string, p importer.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, key(sessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save progress %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (importer.Progress, bool, error) {
	var p importer.Progress
	data, err := s.redis.Get(ctx, key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return p, false, nil
	}
	if err != nil {
		return p, false, fmt.Errorf("load progress %s: %w", sessionID, err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, false, fmt.Errorf("decode progress %s: %w", sessionID, err)
	}
	return p, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	return s.redis.Del(ctx, key(sessionID)).Err()
}

// MemoryStore is the single-instance Store used when Redis is not configured.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]importer.Progress
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]importer.Progress)}
}

func (s *MemoryStore) Save(_ context.Context, sessionID string, p importer.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[sessionID] = p
	return nil
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (importer.Progress, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.items[sessionID]
	return p, ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, sessionID)
	return nil
}
