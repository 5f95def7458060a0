package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix namespaces session keys in a shared Redis. A prefix query
// parameter on the backend URI replaces it.
const RedisKeyPrefix = "turnstile:session:"

const (
	redisPoolSize     = 100
	redisMaxIdleConns = 10
	redisIdleTimeout  = 5 * time.Minute
	redisDialCheck    = 5 * time.Second
)

// RedisBackend keeps sessions in Redis and leaves expiry to Redis TTLs
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend connects to the Redis server at uri, e.g.
// redis://:password@host:6379/0?prefix=myapp:turnstile:
func NewRedisBackend(uri string) (*RedisBackend, error) {
	prefix := RedisKeyPrefix

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URI: %w", err)
	}
	q := u.Query()
	if q.Has("prefix") {
		prefix = q.Get("prefix")
		q.Del("prefix")
		u.RawQuery = q.Encode()
	}

	opts, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URI: %w", err)
	}
	opts.PoolSize = redisPoolSize
	opts.MaxIdleConns = redisMaxIdleConns
	opts.ConnMaxIdleTime = redisIdleTimeout

	rb := &RedisBackend{
		client: redis.NewClient(opts),
		prefix: prefix,
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisDialCheck)
	defer cancel()

	if err := rb.client.Ping(ctx).Err(); err != nil {
		_ = rb.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	return rb, nil
}

func (rb *RedisBackend) key(k string) string {
	return rb.prefix + k
}

// Store saves data with a TTL
func (rb *RedisBackend) Store(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return rb.client.Set(ctx, rb.key(key), data, ttl).Err()
}

// Get retrieves data by key. An expired key is indistinguishable from an
// unknown one, both are ErrNotFound.
func (rb *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	return notFound(rb.client.Get(ctx, rb.key(key)).Bytes())
}

// Take retrieves and deletes data with a single GETDEL
func (rb *RedisBackend) Take(ctx context.Context, key string) ([]byte, error) {
	return notFound(rb.client.GetDel(ctx, rb.key(key)).Bytes())
}

// Delete removes data by key
func (rb *RedisBackend) Delete(ctx context.Context, key string) error {
	return rb.client.Del(ctx, rb.key(key)).Err()
}

// Close closes the connection pool
func (rb *RedisBackend) Close() error {
	return rb.client.Close()
}

func notFound(data []byte, err error) ([]byte, error) {
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}
