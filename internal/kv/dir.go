package kv

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	fileSuffix = ".kv"
	tempPrefix = ".tmp-"
)

// DirStore implements Store with one file per key inside a directory.
// Several processes may share the directory; Watch reports the keys they
// change. Writes go through a temp file and rename so readers never see a
// partial value.
type DirStore struct {
	dir   string
	quota int
	log   *zap.Logger

	mu  sync.Mutex
	own map[string]ownWrite // last state this process wrote, used to filter watch events
}

type ownWrite struct {
	value   string
	removed bool
}

// NewDirStore creates the directory if needed and returns a store over it.
func NewDirStore(dir string, quota int, log *zap.Logger) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("kv: creating %s: %w", dir, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DirStore{
		dir:   dir,
		quota: quota,
		log:   log,
		own:   make(map[string]ownWrite),
	}, nil
}

var (
	_ Store   = (*DirStore)(nil)
	_ Watcher = (*DirStore)(nil)
)

func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key)) + fileSuffix
}

func decodeKey(name string) (string, bool) {
	if !strings.HasSuffix(name, fileSuffix) || strings.HasPrefix(name, ".") {
		return "", false
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, fileSuffix))
	if err != nil {
		return "", false
	}
	return string(b), true
}

func (s *DirStore) path(key string) string {
	return filepath.Join(s.dir, encodeKey(key))
}

func (s *DirStore) Get(key string) (string, bool, error) {
	b, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: reading %q: %w", key, err)
	}
	return string(b), true, nil
}

func (s *DirStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quota > 0 {
		total, err := s.usage()
		if err != nil {
			return err
		}
		oldSize := 0
		if info, err := os.Stat(s.path(key)); err == nil {
			oldSize = len(key) + int(info.Size())
		}
		if err := checkQuota(s.quota, total, oldSize, key, value); err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("kv: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("kv: writing %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("kv: closing %q: %w", key, err)
	}

	s.own[key] = ownWrite{value: value}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("kv: renaming %q: %w", key, err)
	}
	return nil
}

func (s *DirStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.own[key] = ownWrite{removed: true}
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("kv: removing %q: %w", key, err)
	}
	return nil
}

func (s *DirStore) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("kv: listing %s: %w", s.dir, err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if k, ok := decodeKey(e.Name()); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// usage sums key and file sizes. Caller holds s.mu.
func (s *DirStore) usage() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("kv: listing %s: %w", s.dir, err)
	}
	total := 0
	for _, e := range entries {
		k, ok := decodeKey(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += len(k) + int(info.Size())
	}
	return total, nil
}

// Watch reports keys changed by other processes. Events caused by this
// store's own writes are filtered out by comparing the file content with
// what was last written here.
func (s *DirStore) Watch(ctx context.Context) (<-chan Change, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("kv: creating watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("kv: watching %s: %w", s.dir, err)
	}

	ch := make(chan Change, 16)
	go func() {
		defer close(ch)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				key, ok := decodeKey(filepath.Base(ev.Name))
				if !ok || !s.isExternal(key) {
					continue
				}
				select {
				case ch <- Change{Key: key}:
				default:
					s.log.Debug("kv: watch buffer full, dropping change", zap.String("key", key))
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("kv: watcher error", zap.Error(err))
			}
		}
	}()
	return ch, nil
}

func (s *DirStore) isExternal(key string) bool {
	value, exists, err := s.Get(key)
	if err != nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.own[key]
	if !ok {
		return true
	}
	if last.removed {
		return exists
	}
	return !exists || value != last.value
}
