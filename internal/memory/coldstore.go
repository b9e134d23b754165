package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ObjectStore is the durability tier for offloaded artifact payloads and
// session backups. Cold implementations (S3, GCS) live in the enclosing
// application; the core only needs put/get and an availability probe.
type ObjectStore interface {
	// Put stores data under key and returns a locator for later Get.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, locator string) ([]byte, error)
	Available() bool
}

// DirObjectStore is the filesystem-backed tier. It is always available and
// serves as the local fallback when no cold backend is configured.
type DirObjectStore struct {
	Root string
}

func NewDirObjectStore(root string) *DirObjectStore {
	return &DirObjectStore{Root: root}
}

func (s *DirObjectStore) Available() bool { return s != nil && s.Root != "" }

func (s *DirObjectStore) path(key string) (string, error) {
	key = filepath.Clean(strings.TrimLeft(key, "/"))
	if key == "." || strings.HasPrefix(key, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.Root, key), nil
}

func (s *DirObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.path(key)
	if err != nil {
		return "", err
	}
	// Directories are recreated on every write so an external cleanup
	// cannot wedge the store.
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := atomicWrite(path, data); err != nil {
		return "", err
	}
	return key, nil
}

func (s *DirObjectStore) Get(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(locator)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("object %s: %w", locator, ErrNotFound)
		}
		return nil, err
	}
	return data, nil
}

// atomicWrite writes via a temp file in the same directory and renames, so
// readers never observe a partial file.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
