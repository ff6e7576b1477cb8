// Package sqlitestore implements the disposable per-run store used by
// isolated mode. Each run gets its own SQLite file, which is deleted on
// Discard, so no run can observe another run's leftovers.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"testctx/internal/dataset"
	"testctx/internal/store"
	"testctx/pkg/logging"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	kind    TEXT NOT NULL,
	id      TEXT NOT NULL,
	name    TEXT NOT NULL,
	is_test INTEGER NOT NULL DEFAULT 0,
	fields  TEXT NOT NULL DEFAULT '{}',
	UNIQUE (kind, id)
);
CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind, seq);
`

// Store is a disposable SQLite-backed store.
type Store struct {
	db          *sql.DB
	path        string
	discardOnce sync.Once
	discardErr  error
}

// Factory returns a DisposableFactory creating stores under dir.
func Factory(dir string) store.DisposableFactory {
	return func(ctx context.Context, runID string) (store.Disposable, error) {
		return Open(ctx, dir, runID)
	}
}

// Open creates a fresh store file for runID under dir. An existing file with
// the same name is removed first.
func Open(ctx context.Context, dir, runID string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create fixture store directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("testctx-%s.db", runID))
	removeFiles(path)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixture store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		logging.Debug("IsolatedProvider", "Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		removeFiles(path)
		return nil, fmt.Errorf("failed to initialize fixture store schema: %w", err)
	}

	logging.Debug("IsolatedProvider", "Opened disposable store %s", path)
	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Info implements store.RowStore.
func (s *Store) Info() store.ConnectionInfo {
	return store.ConnectionInfo{
		Driver:     "sqlite",
		Host:       "localhost",
		Database:   s.path,
		Disposable: true,
	}
}

// Load implements store.Disposable. All rows are inserted in one transaction.
func (s *Store) Load(ctx context.Context, ds *dataset.TestDataSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin fixture load: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records (kind, id, name, is_test, fields) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare fixture insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range ds.All() {
		fields, err := encodeFields(rec.Fields)
		if err != nil {
			return fmt.Errorf("record %s: %w", rec, err)
		}
		if _, err := stmt.ExecContext(ctx, rec.Kind, rec.ID, rec.Name, boolToInt(rec.IsTest), fields); err != nil {
			return fmt.Errorf("failed to insert %s: %w", rec, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit fixture load: %w", err)
	}
	return nil
}

// Snapshot implements store.Disposable.
func (s *Store) Snapshot(ctx context.Context) (*dataset.TestDataSet, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, id, name, is_test, fields FROM records ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture store: %w", err)
	}
	defer rows.Close()

	ds := dataset.New()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		ds.Add(rec.Kind, rec)
	}
	return ds, rows.Err()
}

// Rows implements store.RowStore.
func (s *Store) Rows(ctx context.Context, kind string) ([]dataset.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, id, name, is_test, fields FROM records WHERE kind = ? ORDER BY seq`, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", kind, err)
	}
	defer rows.Close()

	var out []dataset.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get implements store.RowStore.
func (s *Store) Get(ctx context.Context, kind, id string) (dataset.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT kind, id, name, is_test, fields FROM records WHERE kind = ? AND id = ?`, kind, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return dataset.Record{}, store.NotFound(kind, id)
	}
	return rec, err
}

// Create implements store.RowStore. Records without an id get a UUID.
func (s *Store) Create(ctx context.Context, rec dataset.Record) (dataset.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return dataset.Record{}, err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO records (kind, id, name, is_test, fields) VALUES (?, ?, ?, ?, ?)`,
		rec.Kind, rec.ID, rec.Name, boolToInt(rec.IsTest), fields); err != nil {
		return dataset.Record{}, fmt.Errorf("failed to create %s: %w", rec, err)
	}
	return rec, nil
}

// Update implements store.RowStore.
func (s *Store) Update(ctx context.Context, rec dataset.Record) error {
	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE records SET name = ?, is_test = ?, fields = ? WHERE kind = ? AND id = ?`,
		rec.Name, boolToInt(rec.IsTest), fields, rec.Kind, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", rec, err)
	}
	return requireAffected(res, rec.Kind, rec.ID)
}

// Delete implements store.RowStore.
func (s *Store) Delete(ctx context.Context, kind, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND id = ?`, kind, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", kind, id, err)
	}
	return requireAffected(res, kind, id)
}

// Discard implements store.Disposable.
func (s *Store) Discard() error {
	s.discardOnce.Do(func() {
		if err := s.db.Close(); err != nil {
			s.discardErr = fmt.Errorf("failed to close fixture store: %w", err)
		}
		if err := removeFiles(s.path); err != nil && s.discardErr == nil {
			s.discardErr = err
		}
		logging.Debug("IsolatedProvider", "Discarded disposable store %s", s.path)
	})
	return s.discardErr
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (dataset.Record, error) {
	var (
		rec    dataset.Record
		isTest int
		fields string
	)
	if err := sc.Scan(&rec.Kind, &rec.ID, &rec.Name, &isTest, &fields); err != nil {
		return dataset.Record{}, err
	}
	rec.IsTest = isTest != 0
	if fields != "" && fields != "{}" {
		if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
			return dataset.Record{}, fmt.Errorf("failed to decode fields of %s/%s: %w", rec.Kind, rec.ID, err)
		}
	}
	return rec, nil
}

func encodeFields(fields map[string]interface{}) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode fields: %w", err)
	}
	return string(b), nil
}

func requireAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.NotFound(kind, id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func removeFiles(path string) error {
	var firstErr error
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return firstErr
}
