package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"testctx/internal/dataset"
	"testctx/internal/fixture"
	"testctx/internal/mode"
	"testctx/internal/store"
)

// Metadata describes where a context came from.
type Metadata struct {
	CreatedAt     time.Time     `json:"created_at" yaml:"createdAt"`
	Mode          mode.TestMode `json:"mode" yaml:"mode"`
	SchemaVersion string        `json:"schema_version" yaml:"schemaVersion"`
	RunID         string        `json:"run_id" yaml:"runId"`
	// Bundle is the fixture bundle name in isolated mode.
	Bundle string `json:"bundle,omitempty" yaml:"bundle,omitempty"`
	// Expectations are the documented outcomes of the loaded bundle.
	Expectations fixture.Expectations `json:"expectations,omitempty" yaml:"expectations,omitempty"`
	// Created lists the records written through the context that cleanup
	// will remove, oldest first.
	Created []dataset.Record `json:"created,omitempty" yaml:"created,omitempty"`
}

// writeStore is the store a context's writer delegates to. In production
// mode it is a safety guard around the live store.
type writeStore interface {
	Get(ctx context.Context, kind, id string) (dataset.Record, error)
	Create(ctx context.Context, rec dataset.Record) (dataset.Record, error)
	Update(ctx context.Context, rec dataset.Record) error
	Delete(ctx context.Context, kind, id string) error
}

// DataContext is the handle test code uses to reach its data. Reads come
// from the TestData snapshot; writes go through the provider-backed writer,
// which keeps the snapshot in sync.
type DataContext struct {
	Mode       mode.TestMode
	Connection store.ConnectionInfo
	Metadata   Metadata

	mu       sync.RWMutex
	testData *dataset.TestDataSet

	writer    writeStore
	onCreate  func(dataset.Record) error
	onForget  func(dataset.Record) error
	cleanupFn func(ctx context.Context) []*CleanupFailure

	cleanupOnce     sync.Once
	cleanupFailures []*CleanupFailure
}

func newDataContext(m mode.TestMode, runID, schemaVersion string, data *dataset.TestDataSet, conn store.ConnectionInfo) *DataContext {
	if data == nil {
		data = dataset.New()
	}
	return &DataContext{
		Mode:       m,
		Connection: conn,
		Metadata: Metadata{
			CreatedAt:     time.Now(),
			Mode:          m,
			SchemaVersion: schemaVersion,
			RunID:         runID,
		},
		testData: data,
	}
}

// TestData returns a copy of the current data.
func (dc *DataContext) TestData() *dataset.TestDataSet {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return dc.testData.Clone()
}

// Records returns the records of kind in insertion order.
func (dc *DataContext) Records(kind string) []dataset.Record {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return dc.testData.Records(kind)
}

// Record returns the i-th record of kind.
func (dc *DataContext) Record(kind string, i int) (dataset.Record, error) {
	rows := dc.Records(kind)
	if i < 0 || i >= len(rows) {
		return dataset.Record{}, fmt.Errorf("no %s at index %d (have %d)", kind, i, len(rows))
	}
	return rows[i], nil
}

// Find looks up a record by id.
func (dc *DataContext) Find(kind, id string) (dataset.Record, bool) {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return dc.testData.Find(kind, id)
}

// Count returns the number of records of kind.
func (dc *DataContext) Count(kind string) int {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return dc.testData.Count(kind)
}

// Created returns the records created through this context.
func (dc *DataContext) Created() []dataset.Record {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	out := make([]dataset.Record, len(dc.Metadata.Created))
	copy(out, dc.Metadata.Created)
	return out
}

// Create writes a new record and tracks it for cleanup.
func (dc *DataContext) Create(ctx context.Context, rec dataset.Record) (dataset.Record, error) {
	if dc.writer == nil {
		return dataset.Record{}, fmt.Errorf("%s context is read-only", dc.Mode)
	}
	created, err := dc.writer.Create(ctx, rec)
	if err != nil {
		return dataset.Record{}, err
	}

	dc.mu.Lock()
	n := len(dc.Metadata.Created)
	dc.Metadata.Created = append(dc.Metadata.Created[:n:n], created)
	dc.testData.Add(created.Kind, created)
	dc.mu.Unlock()

	if dc.onCreate != nil {
		if err := dc.onCreate(created); err != nil {
			return created, fmt.Errorf("created %s but failed to record it for cleanup: %w", created, err)
		}
	}
	return created, nil
}

// Update replaces a record.
func (dc *DataContext) Update(ctx context.Context, rec dataset.Record) error {
	if dc.writer == nil {
		return fmt.Errorf("%s context is read-only", dc.Mode)
	}
	if err := dc.writer.Update(ctx, rec); err != nil {
		return err
	}
	dc.mu.Lock()
	dc.testData.Upsert(rec)
	dc.mu.Unlock()
	return nil
}

// Delete removes a record. Deleting a record created in this run also
// drops it from the cleanup list.
func (dc *DataContext) Delete(ctx context.Context, kind, id string) error {
	if dc.writer == nil {
		return fmt.Errorf("%s context is read-only", dc.Mode)
	}
	if err := dc.writer.Delete(ctx, kind, id); err != nil {
		return err
	}

	dc.mu.Lock()
	dc.testData.Remove(kind, id)
	var forgotten *dataset.Record
	for i, r := range dc.Metadata.Created {
		if r.Kind == kind && r.ID == id {
			forgotten = &r
			dc.Metadata.Created = append(dc.Metadata.Created[:i:i], dc.Metadata.Created[i+1:]...)
			break
		}
	}
	dc.mu.Unlock()

	if forgotten != nil && dc.onForget != nil {
		if err := dc.onForget(*forgotten); err != nil {
			return fmt.Errorf("deleted %s but failed to update cleanup manifest: %w", forgotten, err)
		}
	}
	return nil
}

// Cleanup releases everything the context holds. Only the first call has
// any effect; later calls return the same failures.
func (dc *DataContext) Cleanup(ctx context.Context) []*CleanupFailure {
	dc.cleanupOnce.Do(func() {
		if dc.cleanupFn != nil {
			dc.cleanupFailures = dc.cleanupFn(ctx)
		}
	})
	return dc.cleanupFailures
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
