package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultMaxEntries caps a MemoryBackend created with maxSize <= 0
const DefaultMaxEntries = 10000

const memorySweepInterval = time.Minute

var errClosed = errors.New("session backend closed")

// MemoryBackend keeps sessions in process memory. When full it evicts the
// entry closest to expiry.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	maxSize int
	now     func() time.Time
	done    chan struct{}
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// NewMemoryBackend creates an in-memory backend holding at most maxSize
// entries
func NewMemoryBackend(maxSize int) *MemoryBackend {
	if maxSize <= 0 {
		maxSize = DefaultMaxEntries
	}

	mb := &MemoryBackend{
		entries: make(map[string]memoryEntry),
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go mb.sweep(memorySweepInterval)

	return mb
}

// Store saves a copy of data with a TTL
func (mb *MemoryBackend) Store(_ context.Context, key string, data []byte, ttl time.Duration) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.entries == nil {
		return errClosed
	}

	if _, replacing := mb.entries[key]; !replacing && len(mb.entries) >= mb.maxSize {
		mb.evictSoonest()
	}

	mb.entries[key] = memoryEntry{
		data:      append([]byte(nil), data...),
		expiresAt: mb.now().Add(ttl),
	}
	return nil
}

// Get returns the data stored under key
func (mb *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	return mb.lookup(key)
}

// Take returns the data stored under key and removes it
func (mb *MemoryBackend) Take(_ context.Context, key string) ([]byte, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	data, err := mb.lookup(key)
	delete(mb.entries, key)
	return data, err
}

// lookup must be called with mu held
func (mb *MemoryBackend) lookup(key string) ([]byte, error) {
	entry, ok := mb.entries[key]
	switch {
	case !ok:
		return nil, ErrNotFound
	case entry.expired(mb.now()):
		return nil, ErrExpired
	}
	return entry.data, nil
}

// Delete removes key
func (mb *MemoryBackend) Delete(_ context.Context, key string) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	delete(mb.entries, key)
	return nil
}

// Len returns the number of stored entries, expired ones included
func (mb *MemoryBackend) Len() int {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return len(mb.entries)
}

// Close drops all entries and stops the sweeper
func (mb *MemoryBackend) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.entries != nil {
		mb.entries = nil
		close(mb.done)
	}
	return nil
}

// evictSoonest must be called with mu held
func (mb *MemoryBackend) evictSoonest() {
	var (
		victim  string
		soonest time.Time
		found   bool
	)
	for key, entry := range mb.entries {
		if !found || entry.expiresAt.Before(soonest) {
			victim, soonest, found = key, entry.expiresAt, true
		}
	}
	if found {
		delete(mb.entries, victim)
	}
}

func (mb *MemoryBackend) removeExpired(now time.Time) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	for key, entry := range mb.entries {
		if entry.expired(now) {
			delete(mb.entries, key)
		}
	}
}

func (mb *MemoryBackend) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-mb.done:
			return
		case now := <-ticker.C:
			mb.removeExpired(now)
		}
	}
}
