package offlinekit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	storeDirMode  = 0o700
	storeFileMode = 0o600
)

// FileStore keeps one file per key under root. Keys are path-escaped so any
// string is a valid key; writes go through a temp file and a rename.
type FileStore struct {
	root string
	mu   sync.RWMutex
}

var _ KeyValueStore = (*FileStore)(nil)

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, storeDirMode); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.pathForKey(key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("key %q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("read key %q: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.pathForKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.root, ".put-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file for %q: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write key %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file for %q: %w", key, err)
	}
	if err := os.Chmod(tmpName, storeFileMode); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod key %q: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit key %q: %w", key, err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.pathForKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete key %q: %w", key, err)
	}
	return nil
}

func (s *FileStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list store: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || e.Type()&fs.ModeSymlink != 0 {
			continue
		}
		key, err := url.PathUnescape(e.Name())
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) pathForKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("store key is empty")
	}
	name := url.PathEscape(key)
	// Leading dots are reserved for temp files.
	if strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid store key %q", key)
	}
	return filepath.Join(s.root, name), nil
}
