package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"testctx/internal/dataset"
)

// Memory is an in-process Live store. It is safe for concurrent use.
type Memory struct {
	mu     sync.RWMutex
	data   *dataset.TestDataSet
	name   string
	seq    int
	closed bool
	// disposable marks the store as a throwaway fixture store.
	disposable bool
}

// NewMemory creates a memory store seeded with the given records.
func NewMemory(name string, seed ...dataset.Record) *Memory {
	m := &Memory{data: dataset.New(), name: name}
	for _, r := range seed {
		m.data.Add(r.Kind, r.Clone())
	}
	return m
}

// NewDisposableMemory creates an empty memory store that reports itself as
// disposable, for use as an isolated-mode store.
func NewDisposableMemory(name string) *Memory {
	m := NewMemory(name)
	m.disposable = true
	return m
}

// MemoryFactory returns a DisposableFactory producing memory stores.
func MemoryFactory() DisposableFactory {
	return func(ctx context.Context, runID string) (Disposable, error) {
		return NewDisposableMemory(runID), nil
	}
}

// Info implements RowStore.
func (m *Memory) Info() ConnectionInfo {
	return ConnectionInfo{Driver: "mem", Database: m.name, Disposable: m.disposable}
}

// Rows implements RowStore.
func (m *Memory) Rows(ctx context.Context, kind string) ([]dataset.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneAll(m.data.Records(kind)), nil
}

// FindMarked implements Live.
func (m *Memory) FindMarked(ctx context.Context, kind, marker string) ([]dataset.Record, error) {
	rows, err := m.Rows(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, r := range rows {
		if r.IsTest || strings.HasPrefix(r.Name, marker) || strings.HasPrefix(r.ID, marker) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Get implements RowStore.
func (m *Memory) Get(ctx context.Context, kind, id string) (dataset.Record, error) {
	if err := ctx.Err(); err != nil {
		return dataset.Record{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.data.Find(kind, id)
	if !ok {
		return dataset.Record{}, NotFound(kind, id)
	}
	return r.Clone(), nil
}

// Create implements RowStore. Records without an id get a generated one.
func (m *Memory) Create(ctx context.Context, rec dataset.Record) (dataset.Record, error) {
	if err := ctx.Err(); err != nil {
		return dataset.Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		m.seq++
		rec.ID = fmt.Sprintf("%s-%d", rec.Kind, m.seq)
	}
	if _, exists := m.data.Find(rec.Kind, rec.ID); exists {
		return dataset.Record{}, fmt.Errorf("record %s/%s already exists", rec.Kind, rec.ID)
	}
	m.data.Add(rec.Kind, rec.Clone())
	return rec, nil
}

// Update implements RowStore.
func (m *Memory) Update(ctx context.Context, rec dataset.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Find(rec.Kind, rec.ID); !ok {
		return NotFound(rec.Kind, rec.ID)
	}
	m.data.Upsert(rec.Clone())
	return nil
}

// Delete implements RowStore.
func (m *Memory) Delete(ctx context.Context, kind, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.data.Remove(kind, id) {
		return NotFound(kind, id)
	}
	return nil
}

// Ping implements Live.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("memory store %s is closed", m.name)
	}
	return ctx.Err()
}

// Close implements Live.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Load implements Disposable.
func (m *Memory) Load(ctx context.Context, ds *dataset.TestDataSet) error {
	for _, r := range ds.All() {
		if _, err := m.Create(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot implements Disposable.
func (m *Memory) Snapshot(ctx context.Context) (*dataset.TestDataSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Clone(), nil
}

// Discard implements Disposable.
func (m *Memory) Discard() error {
	m.mu.Lock()
	m.data = dataset.New()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func cloneAll(rows []dataset.Record) []dataset.Record {
	out := make([]dataset.Record, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}
