package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	ledgerFile = ".ledger.json"
	runsFile   = ".runs.json"
)

// Filesystem stores artifacts as files below a root directory. The push
// ledger and run history are kept as JSON files in the same directory.
type Filesystem struct {
	root string

	mu     sync.Mutex
	ledger map[string]string
	runs   map[string]RunRecord
}

var _ Store = (*Filesystem)(nil)

// NewFilesystem opens (creating if needed) a store rooted at dir.
func NewFilesystem(dir string) (*Filesystem, error) {
	if dir == "" {
		return nil, errors.New("storage directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	s := &Filesystem{
		root:   dir,
		ledger: make(map[string]string),
		runs:   make(map[string]RunRecord),
	}
	if err := s.load(ledgerFile, &s.ledger); err != nil {
		return nil, err
	}
	if err := s.load(runsFile, &s.runs); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Filesystem) path(key string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(filepath.Base(key), ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *Filesystem) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *Filesystem) Put(ctx context.Context, key string, data []byte) (string, error) {
	p, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dir for %s: %w", key, err)
	}
	if err := writeAtomic(p, data); err != nil {
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	clean, _ := CleanKey(key)
	return clean, nil
}

func (s *Filesystem) Pushed(ctx context.Context, key PushKey) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.ledger[key.String()]
	return v, ok, nil
}

func (s *Filesystem) RecordPush(ctx context.Context, key PushKey, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger[key.String()] = value
	return s.save(ledgerFile, s.ledger)
}

func (s *Filesystem) SaveRun(ctx context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
	return s.save(runsFile, s.runs)
}

func (s *Filesystem) Runs(ctx context.Context, projectID string, limit int) ([]RunRecord, error) {
	s.mu.Lock()
	var out []RunRecord
	for _, r := range s.runs {
		if r.ProjectID == projectID {
			out = append(out, r)
		}
	}
	s.mu.Unlock()
	return sortRuns(out, limit), nil
}

// Purge removes artifact files last modified before the cutoff, then empty
// directories, then old run records.
func (s *Filesystem) Purge(ctx context.Context, before time.Time) (int, error) {
	n := 0
	var dirs []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != s.root {
				dirs = append(dirs, p)
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(before) {
			if err := os.Remove(p); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("purge artifacts: %w", err)
	}
	// deepest first so parents empty out
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i])
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, r := range s.runs {
		if !r.Finished.IsZero() && r.Finished.Before(before) {
			delete(s.runs, id)
			removed++
		}
	}
	if removed > 0 {
		if err := s.save(runsFile, s.runs); err != nil {
			return n, err
		}
	}
	return n + removed, nil
}

func (s *Filesystem) Close() error { return nil }

func (s *Filesystem) load(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.root, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// save must be called with s.mu held.
func (s *Filesystem) save(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return writeAtomic(filepath.Join(s.root, name), data)
}

func writeAtomic(p string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}
