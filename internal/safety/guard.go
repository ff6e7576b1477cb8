package safety

import (
	"context"
	"fmt"
	"strings"

	"testctx/internal/dataset"
	"testctx/pkg/logging"
)

// Op names a mutating operation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Violation is raised when a mutation targets a record that is not test-safe.
// It is always fatal: never retried and never downgraded to a warning.
type Violation struct {
	Op     Op
	Record dataset.Record
	Issues []string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("safety violation: refusing to %s %s: %s", v.Op, v.Record, strings.Join(v.Issues, "; "))
}

// Store is the set of mutating operations the guard protects.
type Store interface {
	Get(ctx context.Context, kind, id string) (dataset.Record, error)
	Create(ctx context.Context, rec dataset.Record) (dataset.Record, error)
	Update(ctx context.Context, rec dataset.Record) error
	Delete(ctx context.Context, kind, id string) error
}

// Guard validates the target of every mutation before delegating to the
// wrapped store. Reads pass through unchecked.
type Guard struct {
	validator   *Validator
	next        Store
	onViolation func(*Violation)
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithViolationHook registers a callback invoked for every blocked mutation.
func WithViolationHook(fn func(*Violation)) GuardOption {
	return func(g *Guard) {
		g.onViolation = fn
	}
}

// NewGuard wraps next.
func NewGuard(validator *Validator, next Store, opts ...GuardOption) *Guard {
	g := &Guard{validator: validator, next: next}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check validates a mutation target without performing it.
func (g *Guard) Check(op Op, rec dataset.Record) error {
	res := g.validator.IsTestSafe(rec)
	if res.Safe {
		return nil
	}
	v := &Violation{Op: op, Record: rec, Issues: res.Issues}
	logging.Error("SafetyGuard", v, "blocked %s of %s", op, rec)
	if g.onViolation != nil {
		g.onViolation(v)
	}
	return v
}

// Get passes through to the wrapped store.
func (g *Guard) Get(ctx context.Context, kind, id string) (dataset.Record, error) {
	return g.next.Get(ctx, kind, id)
}

// Create validates the new record, then creates it.
func (g *Guard) Create(ctx context.Context, rec dataset.Record) (dataset.Record, error) {
	if err := g.Check(OpCreate, rec); err != nil {
		return dataset.Record{}, err
	}
	return g.next.Create(ctx, rec)
}

// Update validates both the stored target and the replacement, so a test
// can neither touch a real record nor strip the marker from its own.
func (g *Guard) Update(ctx context.Context, rec dataset.Record) error {
	current, err := g.next.Get(ctx, rec.Kind, rec.ID)
	if err != nil {
		return fmt.Errorf("load update target %s/%s: %w", rec.Kind, rec.ID, err)
	}
	if err := g.Check(OpUpdate, current); err != nil {
		return err
	}
	if err := g.Check(OpUpdate, rec); err != nil {
		return err
	}
	return g.next.Update(ctx, rec)
}

// Delete validates the stored target, then deletes it.
func (g *Guard) Delete(ctx context.Context, kind, id string) error {
	current, err := g.next.Get(ctx, kind, id)
	if err != nil {
		return fmt.Errorf("load delete target %s/%s: %w", kind, id, err)
	}
	if err := g.Check(OpDelete, current); err != nil {
		return err
	}
	return g.next.Delete(ctx, kind, id)
}
