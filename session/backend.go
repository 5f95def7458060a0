// Package session stores short-lived records for the Turnstile handlers:
// the return URI of a visitor sent to the challenge page and the cookie
// values of visitors that passed it.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned for unknown keys
	ErrNotFound = errors.New("session not found")

	// ErrExpired is returned for keys whose TTL has passed
	ErrExpired = errors.New("session expired")
)

// Backend is a TTL key-value store
type Backend interface {
	// Store saves data under key until ttl elapses, replacing any previous value
	Store(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Get returns the data stored under key
	Get(ctx context.Context, key string) ([]byte, error)

	// Take returns the data stored under key and removes it. Of several
	// concurrent Takes for one key, at most one succeeds.
	Take(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting an unknown key is not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}

type opener func(u *url.URL, raw string) (Backend, error)

var openers = map[string]opener{
	"memory": func(*url.URL, string) (Backend, error) {
		return NewMemoryBackend(0), nil
	},
	"file": func(u *url.URL, raw string) (Backend, error) {
		if u.Path == "" {
			return nil, fmt.Errorf("file session backend needs a directory: %s", raw)
		}
		return NewFileBackend(u.Path)
	},
	"redis": func(_ *url.URL, raw string) (Backend, error) {
		return NewRedisBackend(raw)
	},
	"rediss": func(_ *url.URL, raw string) (Backend, error) {
		return NewRedisBackend(raw)
	},
}

// NewBackend opens the backend a URI names:
//
//	memory://
//	file:///var/lib/caddy/turnstile
//	redis://host:6379/0[?prefix=...]
//	rediss://host:6380/0
func NewBackend(uri string) (Backend, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid session backend URI: %w", err)
	}

	open, ok := openers[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("unsupported session backend: %q", u.Scheme)
	}
	return open(u, uri)
}

// IsMissing reports whether err means the key is absent or expired
func IsMissing(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired)
}

// Interface guards
var (
	_ Backend = (*MemoryBackend)(nil)
	_ Backend = (*FileBackend)(nil)
	_ Backend = (*RedisBackend)(nil)
)
