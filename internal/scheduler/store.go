package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store persists job definitions so every process sees the same registrations.
type Store interface {
	Save(ctx context.Context, d Definition) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]Definition, error)
}

// RedisStore keeps definitions in one hash: name -> JSON definition.
type RedisStore struct {
	rdb redis.UniversalClient
	key string
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb redis.UniversalClient, key string) *RedisStore {
	if key == "" {
		key = "scheduler:jobs"
	}
	return &RedisStore{rdb: rdb, key: key}
}

func (s *RedisStore) Save(ctx context.Context, d Definition) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.key, d.Name, b).Err()
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	return s.rdb.HDel(ctx, s.key, name).Err()
}

func (s *RedisStore) List(ctx context.Context) ([]Definition, error) {
	raw, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	defs := make([]Definition, 0, len(raw))
	for name, v := range raw {
		var d Definition
		if err := json.Unmarshal([]byte(v), &d); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", name, err)
		}
		defs = append(defs, d)
	}
	sortDefs(defs)
	return defs, nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	defs map[string]Definition
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{defs: make(map[string]Definition)}
}

func (s *MemoryStore) Save(_ context.Context, d Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[d.Name] = d
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, name)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defs := make([]Definition, 0, len(s.defs))
	for _, d := range s.defs {
		defs = append(defs, d)
	}
	sortDefs(defs)
	return defs, nil
}

func sortDefs(defs []Definition) {
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
}
