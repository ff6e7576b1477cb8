// Package pglive implements the live store on PostgreSQL. Every entity kind
// maps to a table of the same name with at least the columns id, name and
// is_test; any other column is surfaced as a record field.
package pglive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"testctx/internal/dataset"
	"testctx/internal/store"
	"testctx/pkg/logging"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	colID     = "id"
	colName   = "name"
	colIsTest = "is_test"
)

// Store is a pgxpool-backed live store.
type Store struct {
	pool *pgxpool.Pool
	info store.ConnectionInfo
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres descriptor: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	s := &Store{
		pool: pool,
		info: store.ConnectionInfo{
			Driver:   "postgres",
			Host:     cfg.ConnConfig.Host,
			Database: cfg.ConnConfig.Database,
		},
	}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logging.Debug("ProductionProvider", "Connected to live store %s", s.info)
	return s, nil
}

// Info implements store.RowStore.
func (s *Store) Info() store.ConnectionInfo {
	return s.info
}

// Ping implements store.Live.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("live store unreachable: %w", err)
	}
	return nil
}

// Close implements store.Live.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// FindMarked implements store.Live.
func (s *Store) FindMarked(ctx context.Context, kind, marker string) ([]dataset.Record, error) {
	q := fmt.Sprintf(`SELECT to_jsonb(t) FROM %s t
		WHERE t.%s IS TRUE OR starts_with(t.%s::text, $1) OR starts_with(t.%s::text, $1)
		ORDER BY t.%s`,
		table(kind), ident(colIsTest), ident(colName), ident(colID), ident(colID))
	return s.query(ctx, kind, q, marker)
}

// Rows implements store.RowStore.
func (s *Store) Rows(ctx context.Context, kind string) ([]dataset.Record, error) {
	q := fmt.Sprintf(`SELECT to_jsonb(t) FROM %s t ORDER BY t.%s`, table(kind), ident(colID))
	return s.query(ctx, kind, q)
}

// Get implements store.RowStore.
func (s *Store) Get(ctx context.Context, kind, id string) (dataset.Record, error) {
	q := fmt.Sprintf(`SELECT to_jsonb(t) FROM %s t WHERE t.%s::text = $1`, table(kind), ident(colID))
	var row map[string]interface{}
	if err := s.pool.QueryRow(ctx, q, id).Scan(&row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dataset.Record{}, store.NotFound(kind, id)
		}
		return dataset.Record{}, fmt.Errorf("failed to get %s/%s: %w", kind, id, err)
	}
	return fromRow(kind, row), nil
}

// Create implements store.RowStore.
func (s *Store) Create(ctx context.Context, rec dataset.Record) (dataset.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	cols, args := columns(rec)
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		table(rec.Kind), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := s.pool.Exec(ctx, q, args...); err != nil {
		return dataset.Record{}, fmt.Errorf("failed to create %s: %w", rec, err)
	}
	return rec, nil
}

// Update implements store.RowStore.
func (s *Store) Update(ctx context.Context, rec dataset.Record) error {
	cols, args := columns(rec)
	sets := make([]string, 0, len(cols)-1)
	for i, c := range cols {
		if c == ident(colID) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", c, i+1))
	}
	q := fmt.Sprintf(`UPDATE %s SET %s WHERE %s::text = $1`, table(rec.Kind), strings.Join(sets, ", "), ident(colID))
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", rec, err)
	}
	if tag.RowsAffected() == 0 {
		return store.NotFound(rec.Kind, rec.ID)
	}
	return nil
}

// Delete implements store.RowStore.
func (s *Store) Delete(ctx context.Context, kind, id string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE %s::text = $1`, table(kind), ident(colID))
	tag, err := s.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", kind, id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.NotFound(kind, id)
	}
	return nil
}

func (s *Store) query(ctx context.Context, kind, q string, args ...interface{}) ([]dataset.Record, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", kind, err)
	}
	defer rows.Close()

	var out []dataset.Record
	for rows.Next() {
		var row map[string]interface{}
		if err := rows.Scan(&row); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", kind, err)
		}
		out = append(out, fromRow(kind, row))
	}
	return out, rows.Err()
}

// columns returns the sanitized column list and matching arguments for rec.
// The id column is always first.
func columns(rec dataset.Record) ([]string, []interface{}) {
	cols := []string{ident(colID), ident(colName), ident(colIsTest)}
	args := []interface{}{rec.ID, rec.Name, rec.IsTest}

	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		switch k {
		case colID, colName, colIsTest:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cols = append(cols, ident(k))
		args = append(args, rec.Fields[k])
	}
	return cols, args
}

func fromRow(kind string, row map[string]interface{}) dataset.Record {
	rec := dataset.Record{Kind: kind}
	for k, v := range row {
		switch k {
		case colID:
			rec.ID = fmt.Sprint(v)
		case colName:
			if v != nil {
				rec.Name = fmt.Sprint(v)
			}
		case colIsTest:
			b, _ := v.(bool)
			rec.IsTest = b
		default:
			if rec.Fields == nil {
				rec.Fields = make(map[string]interface{})
			}
			rec.Fields[k] = v
		}
	}
	return rec
}

func table(kind string) string {
	return pgx.Identifier(strings.Split(kind, ".")).Sanitize()
}

func ident(col string) string {
	return pgx.Identifier{col}.Sanitize()
}
