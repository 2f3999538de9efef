package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Store. Data is lost when the process exits.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject
	ledger  map[PushKey]string
	runs    map[string]RunRecord
	now     func() time.Time
}

type memObject struct {
	data    []byte
	created time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty memory store.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string]memObject),
		ledger:  make(map[PushKey]string),
		runs:    make(map[string]RunRecord),
		now:     time.Now,
	}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *Memory) Put(ctx context.Context, key string, data []byte) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.objects[key] = memObject{data: append([]byte(nil), data...), created: m.now()}
	m.mu.Unlock()
	return key, nil
}

// Keys returns the number of stored artifacts.
func (m *Memory) Keys() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func (m *Memory) Pushed(ctx context.Context, key PushKey) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.ledger[key]
	return v, ok, nil
}

func (m *Memory) RecordPush(ctx context.Context, key PushKey, value string) error {
	m.mu.Lock()
	m.ledger[key] = value
	m.mu.Unlock()
	return nil
}

func (m *Memory) SaveRun(ctx context.Context, r RunRecord) error {
	m.mu.Lock()
	m.runs[r.ID] = r
	m.mu.Unlock()
	return nil
}

func (m *Memory) Runs(ctx context.Context, projectID string, limit int) ([]RunRecord, error) {
	m.mu.RLock()
	var out []RunRecord
	for _, r := range m.runs {
		if r.ProjectID == projectID {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	return sortRuns(out, limit), nil
}

func (m *Memory) Purge(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, obj := range m.objects {
		if obj.created.Before(before) {
			delete(m.objects, k)
			n++
		}
	}
	for id, r := range m.runs {
		if !r.Finished.IsZero() && r.Finished.Before(before) {
			delete(m.runs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }
