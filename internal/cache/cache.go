// Package cache keeps short-lived keyed entries in Redis: OAuth login state
// and the per-user sync guard.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "unical:"

// ErrStateNotFound is returned for unknown, expired or already used state.
var ErrStateNotFound = errors.New("oauth state not found or expired")

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

// StateStore holds OAuth state values that can be consumed exactly once.
type StateStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewStateStore(rdb redis.Cmdable, ttl time.Duration) *StateStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StateStore{rdb: rdb, ttl: ttl}
}

func stateKey(state string) string {
	return keyPrefix + "oauth:state:" + state
}

// Put stores value under state until the TTL elapses.
func (s *StateStore) Put(ctx context.Context, state, value string) error {
	if state == "" {
		return errors.New("empty oauth state")
	}
	if err := s.rdb.Set(ctx, stateKey(state), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("store oauth state: %w", err)
	}
	return nil
}

// Consume returns and deletes the value stored under state.
func (s *StateStore) Consume(ctx context.Context, state string) (string, error) {
	if state == "" {
		return "", ErrStateNotFound
	}
	value, err := s.rdb.GetDel(ctx, stateKey(state)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrStateNotFound
	}
	if err != nil {
		return "", fmt.Errorf("consume oauth state: %w", err)
	}
	return value, nil
}

// SyncGuard is a per-user in-flight flag with a pending marker. The lock
// expires after ttl so a crashed holder cannot block a user forever.
type SyncGuard struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewSyncGuard(rdb redis.Cmdable, ttl time.Duration) *SyncGuard {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &SyncGuard{rdb: rdb, ttl: ttl}
}

func lockKey(userID int64) string {
	return keyPrefix + "sync:lock:" + strconv.FormatInt(userID, 10)
}

func pendingKey(userID int64) string {
	return keyPrefix + "sync:pending:" + strconv.FormatInt(userID, 10)
}

func (g *SyncGuard) Acquire(ctx context.Context, userID int64) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, lockKey(userID), "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire sync lock: %w", err)
	}
	return ok, nil
}

func (g *SyncGuard) Release(ctx context.Context, userID int64) error {
	if err := g.rdb.Del(ctx, lockKey(userID)).Err(); err != nil {
		return fmt.Errorf("release sync lock: %w", err)
	}
	return nil
}

func (g *SyncGuard) MarkPending(ctx context.Context, userID int64) error {
	if err := g.rdb.Set(ctx, pendingKey(userID), "1", g.ttl).Err(); err != nil {
		return fmt.Errorf("mark sync pending: %w", err)
	}
	return nil
}

func (g *SyncGuard) TakePending(ctx context.Context, userID int64) (bool, error) {
	_, err := g.rdb.GetDel(ctx, pendingKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("take sync pending: %w", err)
	}
	return true, nil
}
