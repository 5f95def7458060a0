package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileBackend stores one JSON file per session in a directory
type FileBackend struct {
	dir  string
	done chan struct{}
}

type fileEntry struct {
	Data      []byte    `json:"data"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewFileBackend creates a new file-based session backend
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	fb := &FileBackend{
		dir:  dir,
		done: make(chan struct{}),
	}

	go fb.cleanup(5 * time.Minute)

	return fb, nil
}

// Store saves data with a TTL. The file is written to a temporary name and
// renamed so readers never see a partial entry.
func (fb *FileBackend) Store(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	content, err := json.Marshal(fileEntry{
		Data:      data,
		ExpiresAt: time.Now().Add(ttl),
	})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(fb.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), fb.keyToFilename(key))
}

// Get retrieves data by key
func (fb *FileBackend) Get(ctx context.Context, key string) ([]byte, error) {
	filename := fb.keyToFilename(key)

	entry, err := readFileEntry(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if time.Now().After(entry.ExpiresAt) {
		os.Remove(filename)
		return nil, ErrExpired
	}

	return entry.Data, nil
}

// Take returns the data stored under key and removes it. The file is first
// renamed to a claim name, so only one concurrent caller can read it.
func (fb *FileBackend) Take(ctx context.Context, key string) ([]byte, error) {
	filename := fb.keyToFilename(key)

	claim, err := os.CreateTemp(fb.dir, ".take-*")
	if err != nil {
		return nil, fmt.Errorf("failed to claim session file: %w", err)
	}
	claim.Close()
	defer os.Remove(claim.Name())

	if err := os.Rename(filename, claim.Name()); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	entry, err := readFileEntry(claim.Name())
	if err != nil {
		return nil, err
	}
	if time.Now().After(entry.ExpiresAt) {
		return nil, ErrExpired
	}
	return entry.Data, nil
}

// Delete removes data by key
func (fb *FileBackend) Delete(ctx context.Context, key string) error {
	err := os.Remove(fb.keyToFilename(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Close stops the cleanup goroutine. Files are left in place.
func (fb *FileBackend) Close() error {
	select {
	case <-fb.done:
	default:
		close(fb.done)
	}
	return nil
}

// keyToFilename converts a key to a safe filename
func (fb *FileBackend) keyToFilename(key string) string {
	hash := sha256.Sum256([]byte(key))
	return filepath.Join(fb.dir, hex.EncodeToString(hash[:]))
}

func readFileEntry(path string) (*fileEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entry fileEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("corrupted session file: %w", err)
	}
	return &entry, nil
}

// removeExpired deletes expired and unreadable session files
func (fb *FileBackend) removeExpired(now time.Time) {
	entries, err := os.ReadDir(fb.dir)
	if err != nil {
		return
	}

	for _, e := range entries {
		if e.IsDir() || len(e.Name()) != sha256.Size*2 {
			continue
		}
		path := filepath.Join(fb.dir, e.Name())
		entry, err := readFileEntry(path)
		if err != nil || now.After(entry.ExpiresAt) {
			os.Remove(path)
		}
	}
}

func (fb *FileBackend) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-fb.done:
			return
		case now := <-ticker.C:
			fb.removeExpired(now)
		}
	}
}
