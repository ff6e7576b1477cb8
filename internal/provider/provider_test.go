package provider

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"testctx/internal/dataset"
	"testctx/internal/fixture"
	"testctx/internal/mode"
	"testctx/internal/safety"
	"testctx/internal/store"
	"testctx/internal/store/sqlitestore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingDisposable counts Discard calls on a memory store.
type countingDisposable struct {
	*store.Memory
	discards int32
}

func (c *countingDisposable) Discard() error {
	atomic.AddInt32(&c.discards, 1)
	return c.Memory.Discard()
}

// sharedLive keeps a memory store open across provider cleanups.
type sharedLive struct {
	*store.Memory
}

func (sharedLive) Close() error { return nil }

func liveOpener(m *store.Memory) LiveOpener {
	return func(ctx context.Context) (store.Live, error) {
		return sharedLive{m}, nil
	}
}

func markedLive() *store.Memory {
	return store.NewMemory("live",
		dataset.Record{Kind: dataset.KindCustomers, ID: "c1", Name: "TEST_customer", Fields: map[string]interface{}{"owner": "qa-team"}},
		dataset.Record{Kind: dataset.KindCustomers, ID: "c2", Name: "Real Customer"},
		dataset.Record{Kind: dataset.KindRoutes, ID: "r1", Name: "TEST_route", Fields: map[string]interface{}{"lat": 40.75, "lng": -73.99}},
		dataset.Record{Kind: dataset.KindTickets, ID: "t1", Name: "TEST_ticket", Fields: map[string]interface{}{"lat": 40.76, "lng": -73.98}},
		dataset.Record{Kind: dataset.KindTickets, ID: "t2", Name: "Real ticket"},
	)
}

func nycValidator() *safety.Validator {
	return safety.NewValidator(safety.Policy{
		Boundary:      &safety.Boundary{MinLat: 40.5, MaxLat: 41.0, MinLng: -74.3, MaxLng: -73.7},
		AllowedOwners: []string{"qa-team"},
	})
}

func TestIsolated_SetupValidateOptimalAssignment(t *testing.T) {
	ctx := context.Background()
	p := NewIsolatedProvider(IsolatedConfig{
		Bundle: "optimal-assignment",
		Stores: sqlitestore.Factory(t.TempDir()),
	})

	dc, err := p.SetupContext(ctx, mode.Isolated, "run-iso")
	require.NoError(t, err)
	defer p.CleanupContext(ctx, dc)

	ok, rep := p.ValidateContext(ctx, dc)
	assert.True(t, ok, rep.ValidationErrors)
	assert.Equal(t, mode.Isolated, dc.Mode)
	assert.True(t, dc.Connection.Disposable)
	assert.Equal(t, 3, dc.Count(dataset.KindTickets))
	assert.Equal(t, 3, dc.Count(dataset.KindRoutes))
	assert.Equal(t, "optimal-assignment", dc.Metadata.Bundle)

	assignments, err := dataset.Assignments(dc.TestData())
	require.NoError(t, err)
	assert.Equal(t, dc.Metadata.Expectations.NearestRoute, assignments)
}

func TestIsolated_IdenticalStateAcrossRuns(t *testing.T) {
	ctx := context.Background()
	p := NewIsolatedProvider(IsolatedConfig{Bundle: "optimal-assignment", Stores: sqlitestore.Factory(t.TempDir())})

	first, err := p.SetupContext(ctx, mode.Isolated, "run-a")
	require.NoError(t, err)
	_, err = first.Create(ctx, dataset.Record{Kind: dataset.KindTickets, ID: "TEST_extra", Name: "TEST_extra"})
	require.NoError(t, err)
	p.CleanupContext(ctx, first)

	second, err := p.SetupContext(ctx, mode.Isolated, "run-b")
	require.NoError(t, err)
	defer p.CleanupContext(ctx, second)
	assert.Equal(t, 3, second.Count(dataset.KindTickets))
}

func TestIsolated_MissingBundle(t *testing.T) {
	p := NewIsolatedProvider(IsolatedConfig{Bundle: "does-not-exist", Stores: sqlitestore.Factory(t.TempDir())})
	_, err := p.SetupContext(context.Background(), mode.Isolated, "run")

	var setupErr *SetupError
	require.True(t, errors.As(err, &setupErr))
	assert.Equal(t, mode.Isolated, setupErr.Mode)
	assert.Contains(t, err.Error(), "does-not-exist")
	assert.True(t, errors.Is(err, fixture.ErrBundleNotFound))
}

func TestIsolated_NoStoreConfigured(t *testing.T) {
	p := NewIsolatedProvider(IsolatedConfig{Bundle: "basic-customers"})
	_, err := p.SetupContext(context.Background(), mode.Isolated, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TESTCTX_FIXTURE_DB_DIR")
}

func TestIsolated_CleanupTwiceDiscardsOnce(t *testing.T) {
	ctx := context.Background()
	disposable := &countingDisposable{Memory: store.NewDisposableMemory("fixtures")}
	p := NewIsolatedProvider(IsolatedConfig{
		Bundle: "basic-customers",
		Stores: func(ctx context.Context, runID string) (store.Disposable, error) { return disposable, nil },
	})

	dc, err := p.SetupContext(ctx, mode.Isolated, "run")
	require.NoError(t, err)

	assert.Empty(t, p.CleanupContext(ctx, dc))
	assert.Empty(t, p.CleanupContext(ctx, dc))
	assert.Equal(t, int32(1), atomic.LoadInt32(&disposable.discards))
}

func TestIsolated_ValidateRejectsWrongMode(t *testing.T) {
	p := NewIsolatedProvider(IsolatedConfig{})
	dc := newDataContext(mode.Production, "run", "v1", dataset.New(), store.ConnectionInfo{})
	ok, rep := p.ValidateContext(context.Background(), dc)
	assert.False(t, ok)
	assert.NotEmpty(t, rep.ValidationErrors)
}

func TestValidate_CancelledContextIsFalse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewProductionProvider(ProductionConfig{Open: liveOpener(markedLive())})
	dc, err := p.SetupContext(context.Background(), mode.Production, "run")
	require.NoError(t, err)

	ok, _ := p.ValidateContext(ctx, dc)
	assert.False(t, ok)
}

func TestProduction_SetupValidate(t *testing.T) {
	ctx := context.Background()
	p := NewProductionProvider(ProductionConfig{Open: liveOpener(markedLive()), Validator: nycValidator()})

	dc, err := p.SetupContext(ctx, mode.Production, "run-prod")
	require.NoError(t, err)
	defer p.CleanupContext(ctx, dc)

	ok, rep := p.ValidateContext(ctx, dc)
	assert.True(t, ok, rep.ValidationErrors)
	assert.Equal(t, mode.Production, dc.Mode)
	assert.False(t, dc.Connection.Disposable)
	for _, rec := range dc.TestData().All() {
		assert.True(t, nycValidator().IsTestSafe(rec).Safe, rec.String())
	}
}

func TestProduction_OneUnsafeRecordFailsValidation(t *testing.T) {
	ctx := context.Background()
	live := markedLive()
	_, err := live.Create(ctx, dataset.Record{Kind: dataset.KindRoutes, ID: "r-far", Name: "TEST_far_route",
		Fields: map[string]interface{}{"lat": 51.5, "lng": -0.12}})
	require.NoError(t, err)

	p := NewProductionProvider(ProductionConfig{Open: liveOpener(live), Validator: nycValidator()})
	dc, err := p.SetupContext(ctx, mode.Production, "run")
	require.NoError(t, err)
	defer p.CleanupContext(ctx, dc)

	ok, rep := p.ValidateContext(ctx, dc)
	assert.False(t, ok)
	require.Len(t, rep.ValidationErrors, 1)
	assert.Contains(t, rep.ValidationErrors[0], "outside test boundary")
}

func TestProduction_MissingKindNamesConvention(t *testing.T) {
	live := store.NewMemory("live",
		dataset.Record{Kind: dataset.KindCustomers, ID: "c1", Name: "TEST_c"},
		dataset.Record{Kind: dataset.KindTickets, ID: "t1", Name: "TEST_t"},
	)
	p := NewProductionProvider(ProductionConfig{Open: liveOpener(live)})

	dc, err := p.SetupContext(context.Background(), mode.Production, "run")
	assert.Nil(t, dc)
	var setupErr *SetupError
	require.True(t, errors.As(err, &setupErr))
	assert.Contains(t, setupErr.Reason, `"routes"`)
	assert.Contains(t, setupErr.Reason, `create fixtures matching convention "TEST_*"`)
}

func TestProduction_UnreachableLiveStore(t *testing.T) {
	p := NewProductionProvider(ProductionConfig{Open: func(ctx context.Context) (store.Live, error) {
		return nil, errors.New("connection refused")
	}})
	_, err := p.SetupContext(context.Background(), mode.Production, "run")
	var setupErr *SetupError
	require.True(t, errors.As(err, &setupErr))
	assert.Equal(t, "live store unreachable", setupErr.Reason)
}

func TestProduction_CleanupDeletesOnlyCreatedRecords(t *testing.T) {
	ctx := context.Background()
	live := markedLive()
	manifests := NewManifests(t.TempDir())
	p := NewProductionProvider(ProductionConfig{Open: liveOpener(live), Validator: nycValidator(), Manifests: manifests})

	dc, err := p.SetupContext(ctx, mode.Production, "run-clean")
	require.NoError(t, err)

	created, err := dc.Create(ctx, dataset.Record{Kind: dataset.KindTickets, Name: "TEST_new_ticket",
		Fields: map[string]interface{}{"lat": 40.7, "lng": -74.0}})
	require.NoError(t, err)
	assert.Len(t, dc.Created(), 1)
	require.Len(t, dc.Metadata.Created, 1)
	assert.Equal(t, created.ID, dc.Metadata.Created[0].ID)
	assert.Equal(t, "TEST_new_ticket", dc.Metadata.Created[0].Name)
	assert.Equal(t, 2, dc.Count(dataset.KindTickets))

	man, err := manifests.Load("run-clean")
	require.NoError(t, err)
	require.Len(t, man.Records, 1)
	assert.Equal(t, created.ID, man.Records[0].ID)

	assert.Empty(t, p.CleanupContext(ctx, dc))
	assert.Empty(t, p.CleanupContext(ctx, dc))

	_, err = live.Get(ctx, dataset.KindTickets, created.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	for _, id := range []string{"t1", "t2"} {
		_, err := live.Get(ctx, dataset.KindTickets, id)
		assert.NoError(t, err, "pre-existing %s must survive cleanup", id)
	}
	_, err = os.Stat(filepath.Join(manifests.Dir(), "run-clean.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestProduction_GuardBlocksUnmarkedWrites(t *testing.T) {
	ctx := context.Background()
	live := markedLive()
	var violations int
	p := NewProductionProvider(ProductionConfig{
		Open:        liveOpener(live),
		Validator:   nycValidator(),
		OnViolation: func(*safety.Violation) { violations++ },
	})
	dc, err := p.SetupContext(ctx, mode.Production, "run")
	require.NoError(t, err)
	defer p.CleanupContext(ctx, dc)

	_, err = dc.Create(ctx, dataset.Record{Kind: dataset.KindTickets, Name: "Unmarked"})
	var v *safety.Violation
	require.True(t, errors.As(err, &v))

	err = dc.Delete(ctx, dataset.KindTickets, "t2")
	require.True(t, errors.As(err, &v))

	err = dc.Update(ctx, dataset.Record{Kind: dataset.KindCustomers, ID: "c1", Name: "Stripped marker"})
	require.True(t, errors.As(err, &v))

	assert.Equal(t, 3, violations)
	assert.Empty(t, dc.Created())
	real, err := live.Get(ctx, dataset.KindTickets, "t2")
	require.NoError(t, err)
	assert.Equal(t, "Real ticket", real.Name)
	c1, err := live.Get(ctx, dataset.KindCustomers, "c1")
	require.NoError(t, err)
	assert.Equal(t, "TEST_customer", c1.Name)
}

func TestProduction_DeleteOfCreatedRecordForgetsIt(t *testing.T) {
	ctx := context.Background()
	manifests := NewManifests(t.TempDir())
	p := NewProductionProvider(ProductionConfig{Open: liveOpener(markedLive()), Manifests: manifests})
	dc, err := p.SetupContext(ctx, mode.Production, "run-forget")
	require.NoError(t, err)

	rec, err := dc.Create(ctx, dataset.Record{Kind: dataset.KindRoutes, Name: "TEST_tmp"})
	require.NoError(t, err)
	kept, err := dc.Create(ctx, dataset.Record{Kind: dataset.KindRoutes, Name: "TEST_kept"})
	require.NoError(t, err)
	require.Len(t, dc.Metadata.Created, 2)

	require.NoError(t, dc.Delete(ctx, rec.Kind, rec.ID))
	require.Len(t, dc.Metadata.Created, 1)
	assert.Equal(t, kept.ID, dc.Metadata.Created[0].ID)

	require.NoError(t, dc.Delete(ctx, kept.Kind, kept.ID))
	assert.Empty(t, dc.Created())
	assert.Empty(t, dc.Metadata.Created)
	_, err = manifests.Load("run-forget")
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, p.CleanupContext(ctx, dc))
}

func TestManifests_ReplayRemovesLeftovers(t *testing.T) {
	ctx := context.Background()
	live := markedLive()
	manifests := NewManifests(t.TempDir())

	leftover, err := live.Create(ctx, dataset.Record{Kind: dataset.KindTickets, Name: "TEST_leftover"})
	require.NoError(t, err)
	require.NoError(t, manifests.Append("crashed-run", "mem://live", leftover))
	require.NoError(t, manifests.Append("crashed-run", "mem://live", dataset.Record{Kind: dataset.KindTickets, ID: "gone", Name: "TEST_gone"}))

	list, err := manifests.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "mem://live", list[0].Store)

	res := manifests.Replay(ctx, list[0], live, safety.NewValidator(safety.Policy{}))
	assert.Empty(t, res.Failures)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.Missing)

	_, err = live.Get(ctx, dataset.KindTickets, leftover.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	list, err = manifests.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestManifests_ReplayRefusesUnmarkedTargets(t *testing.T) {
	ctx := context.Background()
	live := markedLive()
	manifests := NewManifests(t.TempDir())
	require.NoError(t, manifests.Append("tampered", "mem://live", dataset.Record{Kind: dataset.KindTickets, ID: "t2", Name: "TEST_claims"}))

	man, err := manifests.Load("tampered")
	require.NoError(t, err)
	res := manifests.Replay(ctx, man, live, safety.NewValidator(safety.Policy{}))
	require.Len(t, res.Failures, 1)

	_, err = live.Get(ctx, dataset.KindTickets, "t2")
	assert.NoError(t, err)
	_, err = manifests.Load("tampered")
	assert.NoError(t, err, "manifest must be kept when replay fails")
}

func TestCleanupFailure_Message(t *testing.T) {
	rec := dataset.Record{Kind: "tickets", ID: "t9", Name: "TEST_t9"}
	f := &CleanupFailure{Mode: mode.Production, RunID: "r1", Record: &rec, Reason: "failed to delete created record", Err: errors.New("timeout")}
	assert.Equal(t, "production cleanup for run r1: failed to delete created record (record tickets/t9 (TEST_t9) requires manual removal): timeout", f.Error())
}
