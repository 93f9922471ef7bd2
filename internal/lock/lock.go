// Package lock provides a short-lived mutual exclusion lock shared across processes.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another holder owns the key.
var ErrLocked = errors.New("lock: already held")

// Release frees a lock. Releasing an expired or foreign lock is a no-op.
type Release func(ctx context.Context) error

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// Redis locks with SET NX PX and a random token, released by compare-and-delete.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ Locker = (*Redis)(nil)

func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (l *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	k := l.prefix + key
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocked
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.rdb, []string{k}, token).Err()
	}, nil
}

// Memory is an in-process Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]memLock
	now  func() time.Time
}

type memLock struct {
	token     string
	expiresAt time.Time
}

var _ Locker = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{held: make(map[string]memLock), now: time.Now}
}

func (l *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expiresAt) {
		return nil, ErrLocked
	}
	token := uuid.NewString()
	l.held[key] = memLock{token: token, expiresAt: now.Add(ttl)}
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[key]; ok && cur.token == token {
			delete(l.held, key)
		}
		return nil
	}, nil
}
