// Package store defines the key->rows interfaces the providers consume and
// an in-memory implementation.
//
// Backends:
//   - sqlitestore: disposable per-run SQLite database for isolated mode
//   - pglive: PostgreSQL live store
//   - kubelive: ConfigMap-backed live store in a Kubernetes namespace
//   - Memory: in-process store, used for mem:// descriptors and tests
package store

import (
	"context"
	"errors"
	"fmt"

	"testctx/internal/dataset"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// NotFound wraps ErrNotFound with the record coordinates.
func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
}

// ConnectionInfo describes where data lives.
type ConnectionInfo struct {
	Driver   string `json:"driver" yaml:"driver"`
	Host     string `json:"host,omitempty" yaml:"host,omitempty"`
	Database string `json:"database,omitempty" yaml:"database,omitempty"`
	// Disposable is true when the connection points at a throwaway test store.
	Disposable bool `json:"disposable" yaml:"disposable"`
}

func (c ConnectionInfo) String() string {
	if c.Host == "" {
		return fmt.Sprintf("%s:%s", c.Driver, c.Database)
	}
	return fmt.Sprintf("%s://%s/%s", c.Driver, c.Host, c.Database)
}

// RowStore is the opaque key->rows interface shared by every backend.
type RowStore interface {
	Rows(ctx context.Context, kind string) ([]dataset.Record, error)
	Get(ctx context.Context, kind, id string) (dataset.Record, error)
	Create(ctx context.Context, rec dataset.Record) (dataset.Record, error)
	Update(ctx context.Context, rec dataset.Record) error
	Delete(ctx context.Context, kind, id string) error
	Info() ConnectionInfo
}

// Disposable is a per-run store that isolated mode loads fixtures into.
type Disposable interface {
	RowStore
	// Load inserts every record of ds in order.
	Load(ctx context.Context, ds *dataset.TestDataSet) error
	// Snapshot reads the whole store back in insertion order.
	Snapshot(ctx context.Context) (*dataset.TestDataSet, error)
	// Discard drops the store. Calling it twice is a no-op.
	Discard() error
}

// DisposableFactory creates a fresh disposable store for a run.
type DisposableFactory func(ctx context.Context, runID string) (Disposable, error)

// Live is the live system's store, accessed only through marked records.
type Live interface {
	RowStore
	// FindMarked returns records of kind whose name or id starts with
	// marker, or that carry the explicit test flag. Callers re-validate.
	FindMarked(ctx context.Context, kind, marker string) ([]dataset.Record, error)
	// Ping checks reachability.
	Ping(ctx context.Context) error
	Close() error
}
