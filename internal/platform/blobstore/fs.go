package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
)

// FSStore writes artifacts below a root directory. Content is written to a
// temporary file and linked into place, so readers never see partial files.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &FSStore{root: abs}, nil
}

func (s *FSStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FSStore) Put(ctx context.Context, key string, r io.Reader, contentType string) (*Object, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	dst := s.path(key)
	if _, err := os.Stat(dst); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, key)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".partial-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	data, hash, err := readAll(r)
	if err != nil {
		tmp.Close()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		tmp.Close()
		return nil, err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Link(tmp.Name(), dst); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrExists, key)
		}
		return nil, fmt.Errorf("publish artifact: %w", err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return nil, err
	}
	return &Object{
		Key:         key,
		ContentType: contentType,
		Size:        info.Size(),
		Hash:        hash,
		CreatedAt:   info.ModTime().UTC(),
		Location:    dst,
	}, nil
}

func (s *FSStore) Open(_ context.Context, key string) (io.ReadCloser, *Object, error) {
	if err := ValidateKey(key); err != nil {
		return nil, nil, err
	}
	dst := s.path(key)
	f, err := os.Open(dst)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, &Object{
		Key:         key,
		ContentType: mime.TypeByExtension(filepath.Ext(dst)),
		Size:        info.Size(),
		CreatedAt:   info.ModTime().UTC(),
		Location:    dst,
	}, nil
}
