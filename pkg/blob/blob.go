// Package blob stores attachment content by address. Addresses are
// content hashes ("sha256:<hex>"), so writes are idempotent and the
// same PDF attached to two messages is stored once. Backends: local
// filesystem (default), S3, and GCS (build tag gcs).
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound means no blob lives at the address.
var ErrNotFound = errors.New("blob: not found")

// Store is content-addressed blob storage.
type Store interface {
	// Put persists data and returns its address. Idempotent.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves the blob at the address.
	Get(ctx context.Context, address string) ([]byte, error)
	// Exists reports whether the address is populated.
	Exists(ctx context.Context, address string) (bool, error)
	// Delete removes the blob. Missing blobs are not an error.
	Delete(ctx context.Context, address string) error
}

// Address computes the content address for data.
func Address(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// parseAddress validates "sha256:<hex>" and returns the raw hex.
func parseAddress(address string) (string, error) {
	raw, ok := strings.CutPrefix(address, "sha256:")
	if !ok {
		return "", fmt.Errorf("blob: invalid address format %q", address)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("blob: invalid address hex: %w", err)
	}
	return raw, nil
}

// FileStore keeps blobs under one directory, one file per address.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: shared attachment directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("blob: ensure dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// Put writes via a temp file and rename, so a crash never leaves a
// half-written blob at a valid address.
func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	address := Address(data)
	raw, _ := parseAddress(address)
	path := filepath.Join(s.baseDir, raw+".blob")

	if _, err := os.Stat(path); err == nil {
		return address, nil
	}
	tmp := path + ".tmp"
	//nolint:gosec // G306: attachments are not secrets
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("blob: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("blob: commit: %w", err)
	}
	return address, nil
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, address string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.baseDir, raw+".blob")) //nolint:gosec // address validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
		}
		return nil, err
	}
	defer f.Close() //nolint:errcheck
	return io.ReadAll(f)
}

// Exists implements Store.
func (s *FileStore) Exists(_ context.Context, address string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseAddress(address)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(s.baseDir, raw+".blob"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Delete implements Store.
func (s *FileStore) Delete(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := parseAddress(address)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(s.baseDir, raw+".blob"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: delete: %w", err)
	}
	return nil
}
