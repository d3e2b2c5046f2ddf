package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xiaohuo/verifybot/internal/verifybot"
)

// RedisSessions stores sessions as JSON values with a native key TTL, so
// Redis expires them passively and no sweep is needed.
type RedisSessions struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisSessions(client *redis.Client, prefix string, ttl time.Duration) *RedisSessions {
	return &RedisSessions{client: client, prefix: prefix + "session:", ttl: ttl}
}

func (r *RedisSessions) key(userID string) string {
	return r.prefix + userID
}

func (r *RedisSessions) Get(ctx context.Context, userID string) (verifybot.Session, error) {
	val, err := r.client.Get(ctx, r.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return verifybot.NewSession(userID), nil
	}
	if err != nil {
		return verifybot.Session{}, fmt.Errorf("%w: reading session: %w", ErrUnavailable, err)
	}

	var s verifybot.Session
	if err := json.Unmarshal(val, &s); err != nil {
		// Undecodable values are dropped; the user starts over.
		r.client.Del(ctx, r.key(userID))
		return verifybot.NewSession(userID), nil
	}
	s.UserID = userID
	return s, nil
}

func (r *RedisSessions) Set(ctx context.Context, s verifybot.Session) error {
	s.ExpiresAt = time.Now().Add(r.ttl)
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(s.UserID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: writing session: %w", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisSessions) Reset(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, r.key(userID)).Err(); err != nil {
		return fmt.Errorf("%w: deleting session: %w", ErrUnavailable, err)
	}
	return nil
}

// RedisVerdicts caches verdicts as "1"/"0" strings with a native TTL.
type RedisVerdicts struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisVerdicts(client *redis.Client, prefix string, ttl time.Duration) *RedisVerdicts {
	return &RedisVerdicts{client: client, prefix: prefix + "verify:", ttl: ttl}
}

func (r *RedisVerdicts) Get(ctx context.Context, key verifybot.VerdictKey) (bool, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+verdictID(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("%w: reading verdict: %w", ErrUnavailable, err)
	}
	return val == "1", true, nil
}

func (r *RedisVerdicts) Put(ctx context.Context, key verifybot.VerdictKey, authorized bool) error {
	val := "0"
	if authorized {
		val = "1"
	}
	if err := r.client.Set(ctx, r.prefix+verdictID(key), val, r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: writing verdict: %w", ErrUnavailable, err)
	}
	return nil
}
