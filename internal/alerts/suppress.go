package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const suppressKeyPrefix = "alerts:fired:"

// Suppressor remembers which rules already fired so a standing condition
// notifies once until it clears.
type Suppressor interface {
	// Acquire reports whether key was free and marks it taken.
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisSuppressor keeps fired markers in Redis so every evaluator process
// shares them. Markers expire after TTL even if never released.
type RedisSuppressor struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedisSuppressor(client *redis.Client, ttl time.Duration) *RedisSuppressor {
	return &RedisSuppressor{Client: client, TTL: ttl}
}

func (s *RedisSuppressor) Acquire(ctx context.Context, key string) (bool, error) {
	ok, err := s.Client.SetNX(ctx, suppressKeyPrefix+key, "1", s.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("mark %s fired: %w", key, err)
	}
	return ok, nil
}

func (s *RedisSuppressor) Release(ctx context.Context, key string) error {
	if err := s.Client.Del(ctx, suppressKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("clear %s: %w", key, err)
	}
	return nil
}

type MemorySuppressor struct {
	TTL time.Duration

	mu    sync.Mutex
	fired map[string]time.Time
	now   func() time.Time
}

func NewMemorySuppressor(ttl time.Duration) *MemorySuppressor {
	return &MemorySuppressor{TTL: ttl, fired: make(map[string]time.Time), now: time.Now}
}

func (s *MemorySuppressor) Acquire(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if at, ok := s.fired[key]; ok && (s.TTL <= 0 || now.Sub(at) < s.TTL) {
		return false, nil
	}
	s.fired[key] = now
	return true, nil
}

func (s *MemorySuppressor) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.fired, key)
	s.mu.Unlock()
	return nil
}
