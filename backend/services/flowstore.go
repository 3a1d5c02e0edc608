// ABOUTME: Persistence for in-progress login attempts
// ABOUTME: In-memory and Redis stores with version-checked saves and TTL expiry

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glebsterx/yandex-smart-home/backend/cache"
	"github.com/glebsterx/yandex-smart-home/backend/flow"
)

var (
	ErrFlowNotFound = errors.New("flow not found")
	ErrFlowConflict = errors.New("flow was modified concurrently")
	ErrFlowBackend  = errors.New("flow store backend unavailable")
)

// FlowStore keeps non-terminal attempts between caller round trips.
type FlowStore interface {
	Create(ctx context.Context, a flow.Attempt) error
	Get(ctx context.Context, id string) (flow.Attempt, error)
	// Save replaces the stored attempt only if its version still equals
	// expectedVersion.
	Save(ctx context.Context, a flow.Attempt, expectedVersion int64) error
	// Delete removes the attempt and returns what was stored.
	Delete(ctx context.Context, id string) (flow.Attempt, bool, error)
	Kind() string
}

// MemoryFlowStore keeps attempts in process memory.
type MemoryFlowStore struct {
	cache *cache.Cache[flow.Attempt]
}

// NewMemoryFlowStore creates a store whose entries expire after ttl.
// onExpire, if set, receives each attempt dropped by expiry.
func NewMemoryFlowStore(ttl time.Duration, onExpire func(flow.Attempt)) *MemoryFlowStore {
	var evict func(string, flow.Attempt)
	if onExpire != nil {
		evict = func(_ string, a flow.Attempt) {
			slog.Info("Flow expired", "flow_id", a.ID, "state", a.State.Step())
			onExpire(a)
		}
	}
	return &MemoryFlowStore{cache: cache.NewWithEviction(ttl, evict)}
}

func (s *MemoryFlowStore) Kind() string { return "memory" }

// Close stops background expiry.
func (s *MemoryFlowStore) Close() {
	s.cache.Close()
}

func (s *MemoryFlowStore) Create(ctx context.Context, a flow.Attempt) error {
	return s.cache.Update(flowKey(a.ID), func(_ flow.Attempt, found bool) (flow.Attempt, error) {
		if found {
			return flow.Attempt{}, fmt.Errorf("%w: id %s already in use", ErrFlowConflict, a.ID)
		}
		return a, nil
	})
}

func (s *MemoryFlowStore) Get(ctx context.Context, id string) (flow.Attempt, error) {
	a, ok := s.cache.Get(flowKey(id))
	if !ok {
		return flow.Attempt{}, ErrFlowNotFound
	}
	return a, nil
}

func (s *MemoryFlowStore) Save(ctx context.Context, a flow.Attempt, expectedVersion int64) error {
	return s.cache.Update(flowKey(a.ID), func(cur flow.Attempt, found bool) (flow.Attempt, error) {
		if !found {
			return flow.Attempt{}, ErrFlowNotFound
		}
		if cur.Version != expectedVersion {
			return flow.Attempt{}, ErrFlowConflict
		}
		return a, nil
	})
}

func (s *MemoryFlowStore) Delete(ctx context.Context, id string) (flow.Attempt, bool, error) {
	a, ok := s.cache.Get(flowKey(id))
	s.cache.Clear(flowKey(id))
	return a, ok, nil
}

// RedisFlowStore keeps attempts in Redis so any broker replica can serve a flow.
type RedisFlowStore struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisFlowStore creates a store using keys "<prefix>:<flow id>".
func NewRedisFlowStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisFlowStore {
	if prefix == "" {
		prefix = "yflow"
	}
	return &RedisFlowStore{redis: client, prefix: prefix, ttl: ttl}
}

func (s *RedisFlowStore) Kind() string { return "redis" }

// Ping reports whether Redis is reachable.
func (s *RedisFlowStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

func (s *RedisFlowStore) key(id string) string {
	return s.prefix + ":" + id
}

func (s *RedisFlowStore) Create(ctx context.Context, a flow.Attempt) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode flow: %w", err)
	}
	ok, err := s.redis.SetNX(ctx, s.key(a.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFlowBackend, err)
	}
	if !ok {
		return fmt.Errorf("%w: id %s already in use", ErrFlowConflict, a.ID)
	}
	return nil
}

func (s *RedisFlowStore) Get(ctx context.Context, id string) (flow.Attempt, error) {
	data, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return flow.Attempt{}, ErrFlowNotFound
		}
		return flow.Attempt{}, fmt.Errorf("%w: %v", ErrFlowBackend, err)
	}
	return decodeAttempt(data)
}

func (s *RedisFlowStore) Save(ctx context.Context, a flow.Attempt, expectedVersion int64) error {
	const maxRetries = 4
	key := s.key(a.ID)

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode flow: %w", err)
	}

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			cur, err := decodeAttempt(raw)
			if err != nil {
				return err
			}
			if cur.Version != expectedVersion {
				return ErrFlowConflict
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, s.ttl)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.Nil):
			return ErrFlowNotFound
		case errors.Is(err, ErrFlowConflict):
			return err
		default:
			return fmt.Errorf("%w: %v", ErrFlowBackend, err)
		}
	}
	return ErrFlowConflict
}

func (s *RedisFlowStore) Delete(ctx context.Context, id string) (flow.Attempt, bool, error) {
	data, err := s.redis.GetDel(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return flow.Attempt{}, false, nil
		}
		return flow.Attempt{}, false, fmt.Errorf("%w: %v", ErrFlowBackend, err)
	}
	a, err := decodeAttempt(data)
	if err != nil {
		return flow.Attempt{}, true, err
	}
	return a, true, nil
}

func decodeAttempt(data []byte) (flow.Attempt, error) {
	var a flow.Attempt
	if err := json.Unmarshal(data, &a); err != nil {
		return flow.Attempt{}, fmt.Errorf("decode flow: %w", err)
	}
	return a, nil
}

func flowKey(id string) string {
	return "flow:" + id
}
