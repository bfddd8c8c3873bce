package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"report-scheduler/internal/clock"
)

// State holds the router's TTL-bound markers. Nothing is ever deleted
// explicitly; every key expires on its own.
type State interface {
	// ArmDigest sets the digest marker if absent and reports whether it was set.
	ArmDigest(ctx context.Context, key string, ttl time.Duration) (bool, error)
	InCooldown(ctx context.Context, key string) (bool, error)
	SetCooldown(ctx context.Context, key string, ttl time.Duration) error
	WindowCount(ctx context.Context, entity string) (int64, error)
	// IncrWindow bumps the entity's send counter, starting the window on the
	// first increment.
	IncrWindow(ctx context.Context, entity string, window time.Duration) (int64, error)
}

func digestKey(key string) string   { return "notify:digest:" + key }
func cooldownKey(key string) string { return "notify:cooldown:" + key }
func windowKey(entity string) string {
	return "notify:window:" + entity
}

// RedisState keeps markers in Redis.
type RedisState struct {
	client redis.UniversalClient
}

func NewRedisState(client redis.UniversalClient) *RedisState {
	return &RedisState{client: client}
}

func (s *RedisState) ArmDigest(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, digestKey(key), 1, ttl).Result()
}

func (s *RedisState) InCooldown(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, cooldownKey(key)).Result()
	return n > 0, err
}

func (s *RedisState) SetCooldown(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Set(ctx, cooldownKey(key), 1, ttl).Err()
}

func (s *RedisState) WindowCount(ctx context.Context, entity string) (int64, error) {
	n, err := s.client.Get(ctx, windowKey(entity)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

var incrWindowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then redis.call('PEXPIRE', KEYS[1], ARGV[1]) end
return n
`)

func (s *RedisState) IncrWindow(ctx context.Context, entity string, window time.Duration) (int64, error) {
	n, err := incrWindowScript.Run(ctx, s.client, []string{windowKey(entity)}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("incr window: %w", err)
	}
	return n, nil
}

// MemoryState is a process-local State driven by a clock.
type MemoryState struct {
	mu      sync.Mutex
	clock   clock.Clock
	expires map[string]time.Time
	counts  map[string]int64
}

func NewMemoryState(clk clock.Clock) *MemoryState {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryState{clock: clk, expires: make(map[string]time.Time), counts: make(map[string]int64)}
}

func (s *MemoryState) live(key string) bool {
	exp, ok := s.expires[key]
	if ok && s.clock.Now().Before(exp) {
		return true
	}
	delete(s.expires, key)
	delete(s.counts, key)
	return false
}

func (s *MemoryState) ArmDigest(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := digestKey(key)
	if s.live(k) {
		return false, nil
	}
	s.expires[k] = s.clock.Now().Add(ttl)
	return true, nil
}

func (s *MemoryState) InCooldown(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live(cooldownKey(key)), nil
}

func (s *MemoryState) SetCooldown(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expires[cooldownKey(key)] = s.clock.Now().Add(ttl)
	return nil
}

func (s *MemoryState) WindowCount(_ context.Context, entity string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := windowKey(entity)
	if !s.live(k) {
		return 0, nil
	}
	return s.counts[k], nil
}

func (s *MemoryState) IncrWindow(_ context.Context, entity string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := windowKey(entity)
	if !s.live(k) {
		s.expires[k] = s.clock.Now().Add(window)
	}
	s.counts[k]++
	return s.counts[k], nil
}
