// Package archive persists the canonical payload bytes of anchored records
// so that re-verification remains possible after the source system mutates
// or deletes the original row. Payloads are keyed by their record digest,
// which makes writes idempotent.
package archive

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotArchived is returned by Get when no payload was archived under the
// given digest.
var ErrNotArchived = fmt.Errorf("archive: payload not found")

// Store is the contract for payload archival backends.
type Store interface {
	// Put persists the canonical payload bytes under the record digest.
	// Storing the same digest twice is a no-op.
	Put(ctx context.Context, digest string, data []byte) error
	// Get retrieves archived payload bytes by record digest.
	Get(ctx context.Context, digest string) ([]byte, error)
	// Exists checks whether a payload is archived under the digest.
	Exists(ctx context.Context, digest string) (bool, error)
	// Delete removes an archived payload.
	Delete(ctx context.Context, digest string) error
}

// FileStore is a filesystem-backed implementation of Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a payload archive rooted at the given directory.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// blobPath validates the digest is plain hex before building a path from it,
// so a crafted digest can never escape the base directory.
func (s *FileStore) blobPath(digest string) (string, error) {
	if digest == "" {
		return "", fmt.Errorf("archive: empty digest")
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("archive: invalid digest %q: %w", digest, err)
	}
	return filepath.Join(s.baseDir, digest+".blob"), nil
}

func (s *FileStore) Put(ctx context.Context, digest string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.blobPath(digest)
	if err != nil {
		return err
	}

	// Idempotent: the digest names the content, so an existing blob is
	// the same blob.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	// Write to temp, then rename.
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write payload blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to commit payload blob: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, digest string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path, err := s.blobPath(digest)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotArchived
		}
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(f)
}

func (s *FileStore) Exists(ctx context.Context, digest string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path, err := s.blobPath(digest)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *FileStore) Delete(ctx context.Context, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.blobPath(digest)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
