package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed SessionStore for multi-node gates that
// share session state.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	closed bool
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix. Default: "driftsync:session:".
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *RedisStore) {
		r.prefix = prefix
	}
}

// NewRedisStore creates a store over an existing Redis client. The
// client is shared and not closed by Close.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	r := &RedisStore{
		client: client,
		prefix: "driftsync:session:",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisStore) key(sessionID string) string {
	return r.prefix + sessionID
}

// Save stores session data with a TTL derived from expiresAt.
func (r *RedisStore) Save(ctx context.Context, sessionID string, data []byte, expiresAt time.Time) error {
	if r.closed {
		return ErrClosed
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return r.Delete(ctx, sessionID)
	}
	return r.client.Set(ctx, r.key(sessionID), data, ttl).Err()
}

// Load returns the stored data, or (nil, nil) when the key is absent.
func (r *RedisStore) Load(ctx context.Context, sessionID string) ([]byte, error) {
	if r.closed {
		return nil, ErrClosed
	}
	data, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Delete removes a session record.
func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if r.closed {
		return ErrClosed
	}
	return r.client.Del(ctx, r.key(sessionID)).Err()
}

// Touch extends a record's TTL.
func (r *RedisStore) Touch(ctx context.Context, sessionID string, expiresAt time.Time) error {
	if r.closed {
		return ErrClosed
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return r.Delete(ctx, sessionID)
	}
	return r.client.Expire(ctx, r.key(sessionID), ttl).Err()
}

// Close marks the store closed without closing the shared client.
func (r *RedisStore) Close() error {
	r.closed = true
	return nil
}
