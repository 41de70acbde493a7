// Package localblob keeps inbox attachments on the local disk or in memory.
// It backs ingestion when no GCS bucket is configured.
package localblob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dvloznov/teamledger/internal/domain"
	"github.com/dvloznov/teamledger/internal/infra/gcs"
)

const (
	memScheme  = "mem://"
	fileScheme = "file://"
)

// BlobStore writes attachments under <dir>/<team>/<inbox>/<name>. With an
// empty dir the bytes stay in process memory.
type BlobStore struct {
	dir string

	mu  sync.RWMutex
	mem map[string][]byte
}

// New creates a BlobStore rooted at dir, creating it if needed. An empty
// dir selects the in-memory store.
func New(dir string) (*BlobStore, error) {
	if dir == "" {
		return &BlobStore{mem: make(map[string][]byte)}, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("New: resolving %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("New: creating %s: %w", abs, err)
	}
	return &BlobStore{dir: abs}, nil
}

// Put stores data and returns its URI. Like the GCS store, objects are
// write-once: a retried upload of an existing object returns the same URI.
func (b *BlobStore) Put(ctx context.Context, teamID domain.TeamID, inboxID, name, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	object := gcs.ObjectName("", teamID, inboxID, name)

	if b.dir == "" {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.mem[object]; !ok {
			b.mem[object] = append([]byte(nil), data...)
		}
		return memScheme + object, nil
	}

	path := filepath.Join(b.dir, filepath.FromSlash(object))
	uri := fileScheme + filepath.ToSlash(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("Put: creating folder for %s: %w", uri, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return uri, nil
		}
		return "", fmt.Errorf("Put: opening %s: %w", uri, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("Put: writing %s: %w", uri, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("Put: finalizing %s: %w", uri, err)
	}
	return uri, nil
}

// Get returns the bytes behind a URI returned by Put.
func (b *BlobStore) Get(ctx context.Context, uri string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case b.dir == "" && strings.HasPrefix(uri, memScheme):
		b.mu.RLock()
		defer b.mu.RUnlock()
		data, ok := b.mem[strings.TrimPrefix(uri, memScheme)]
		if !ok {
			return nil, domain.NotFoundf("Get", "attachment %s not found", uri)
		}
		return append([]byte(nil), data...), nil

	case b.dir != "" && strings.HasPrefix(uri, fileScheme):
		path := filepath.FromSlash(strings.TrimPrefix(uri, fileScheme))
		rel, err := filepath.Rel(b.dir, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, domain.Validationf("Get", "attachment %s is outside %s", uri, b.dir)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, domain.NotFoundf("Get", "attachment %s not found", uri)
			}
			return nil, fmt.Errorf("Get: reading %s: %w", uri, err)
		}
		return data, nil
	}
	return nil, domain.Validationf("Get", "unsupported attachment URI %q", uri)
}
