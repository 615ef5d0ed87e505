// Package blobstore stores export artifacts. It defines the Store interface
// with an in-memory implementation for tests, a filesystem implementation
// and an S3-compatible implementation (AWS S3 or MinIO). All stores are
// create-only: an existing key is never overwritten.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrNotFound   = errors.New("artifact not found")
	ErrExists     = errors.New("artifact already exists")
	ErrInvalidKey = errors.New("invalid artifact key")
)

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// Object describes a stored artifact.
type Object struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
	Location    string    `json:"location"`
}

// Store defines the contract for artifact storage backends.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (*Object, error)
	Open(ctx context.Context, key string) (io.ReadCloser, *Object, error)
}

// ValidateKey accepts slash separated relative keys without dot segments.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	if path.Clean(key) != key {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// readAll buffers r and returns its content with the SHA-256 hex digest.
func readAll(r io.Reader) ([]byte, string, error) {
	h := sha256.New()
	data, err := io.ReadAll(io.TeeReader(r, h))
	if err != nil {
		return nil, "", fmt.Errorf("read artifact: %w", err)
	}
	return data, hex.EncodeToString(h.Sum(nil)), nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedObject struct {
	object  Object
	content []byte
}

// MemoryStore is a thread-safe, in-memory Store for tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*storedObject
}

// NewMemoryStore returns a ready-to-use MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*storedObject)}
}

func (s *MemoryStore) Put(_ context.Context, key string, r io.Reader, contentType string) (*Object, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, hash, err := readAll(r)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, key)
	}
	obj := Object{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        hash,
		CreatedAt:   time.Now().UTC(),
		Location:    "memory://" + key,
	}
	s.objects[key] = &storedObject{object: obj, content: data}
	out := obj
	return &out, nil
}

func (s *MemoryStore) Open(_ context.Context, key string) (io.ReadCloser, *Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.objects[key]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	obj := stored.object
	return io.NopCloser(bytes.NewReader(stored.content)), &obj, nil
}

// Keys returns the stored keys; used by tests.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}

// ---------------------------------------------------------------------------
// Construction from configuration
// ---------------------------------------------------------------------------

// Config selects a backend: S3 when Bucket is set, else the filesystem
// under Dir.
type Config struct {
	Dir       string
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// Open returns the Store described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch {
	case cfg.Bucket != "":
		return NewS3Store(ctx, S3Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			PathStyle: cfg.PathStyle,
		})
	case cfg.Dir != "":
		return NewFSStore(cfg.Dir)
	}
	return nil, errors.New("no artifact store configured: set OUTPUT_DIR or S3_BUCKET")
}
