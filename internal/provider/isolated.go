package provider

import (
	"context"
	"fmt"

	"testctx/internal/fixture"
	"testctx/internal/mode"
	"testctx/internal/report"
	"testctx/internal/store"
	"testctx/pkg/logging"
)

const isolatedSubsystem = "IsolatedProvider"

// IsolatedConfig configures the isolated provider.
type IsolatedConfig struct {
	Loader *fixture.Loader
	// Bundle is the base fixture bundle.
	Bundle string
	// Overrides replaces individual entity kinds with rows from other bundles.
	Overrides map[string]string
	// Stores creates the per-run disposable store.
	Stores        store.DisposableFactory
	SchemaVersion string
}

// IsolatedProvider loads a fixture bundle into a fresh disposable store
// for every run.
type IsolatedProvider struct {
	cfg IsolatedConfig
}

// NewIsolatedProvider creates an isolated provider.
func NewIsolatedProvider(cfg IsolatedConfig) *IsolatedProvider {
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = DefaultSchemaVersion
	}
	if cfg.Loader == nil {
		cfg.Loader = fixture.NewLoader("")
	}
	return &IsolatedProvider{cfg: cfg}
}

// Mode implements Provider.
func (p *IsolatedProvider) Mode() mode.TestMode {
	return mode.Isolated
}

// WithBundle returns a copy of the provider using a different base bundle.
func (p *IsolatedProvider) WithBundle(name string) *IsolatedProvider {
	if name == "" || name == p.cfg.Bundle {
		return p
	}
	cfg := p.cfg
	cfg.Bundle = name
	return &IsolatedProvider{cfg: cfg}
}

// SetupContext implements Provider.
func (p *IsolatedProvider) SetupContext(ctx context.Context, m mode.TestMode, runID string) (*DataContext, error) {
	if m != mode.Isolated {
		return nil, &SetupError{Mode: m, Reason: "isolated provider cannot serve this mode"}
	}
	if p.cfg.Bundle == "" {
		return nil, &SetupError{Mode: m, Reason: "no fixture bundle configured (set TESTCTX_FIXTURE_BUNDLE)"}
	}
	if p.cfg.Stores == nil {
		return nil, &SetupError{Mode: m, Reason: "no disposable store configured (set TESTCTX_FIXTURE_DB_DIR)"}
	}

	bundle, err := p.cfg.Loader.Compose(p.cfg.Bundle, p.cfg.Overrides)
	if err != nil {
		return nil, &SetupError{Mode: m, Reason: fmt.Sprintf("fixture bundle %q unavailable", p.cfg.Bundle), Err: err}
	}

	disposable, err := p.cfg.Stores(ctx, runID)
	if err != nil {
		return nil, &SetupError{Mode: m, Reason: "failed to create disposable store", Err: err}
	}

	dc := newDataContext(mode.Isolated, runID, p.cfg.SchemaVersion, nil, disposable.Info())
	dc.Metadata.Bundle = bundle.Name
	dc.Metadata.Expectations = bundle.Expectations
	dc.writer = disposable
	dc.cleanupFn = func(ctx context.Context) []*CleanupFailure {
		return p.discard(dc, disposable)
	}

	if err := disposable.Load(ctx, bundle.DataSet()); err != nil {
		return dc, &SetupError{Mode: m, Reason: fmt.Sprintf("failed to load fixture bundle %q", bundle.Name), Err: err}
	}
	snapshot, err := disposable.Snapshot(ctx)
	if err != nil {
		return dc, &SetupError{Mode: m, Reason: "failed to read back fixtures", Err: err}
	}
	dc.testData = snapshot

	logging.Info(isolatedSubsystem, "Loaded bundle %s (%d records) for run %s", bundle.Name, snapshot.Len(), runID)
	return dc, nil
}

// ValidateContext implements Provider.
func (p *IsolatedProvider) ValidateContext(ctx context.Context, dc *DataContext) (bool, report.Report) {
	return safeValidate(isolatedSubsystem, mode.Isolated, func() (bool, report.Report) {
		rep := validateCommon(ctx, isolatedSubsystem, mode.Isolated, dc)
		if dc != nil && !dc.Connection.Disposable {
			rep.Fail("isolated context is not backed by a disposable store (%s)", dc.Connection)
		}
		return rep.Passed, rep
	})
}

// CleanupContext implements Provider.
func (p *IsolatedProvider) CleanupContext(ctx context.Context, dc *DataContext) []*CleanupFailure {
	if dc == nil {
		return nil
	}
	return dc.Cleanup(ctx)
}

func (p *IsolatedProvider) discard(dc *DataContext, disposable store.Disposable) []*CleanupFailure {
	if err := disposable.Discard(); err != nil {
		f := &CleanupFailure{Mode: mode.Isolated, RunID: dc.Metadata.RunID, Reason: fmt.Sprintf("failed to discard store %s", dc.Connection), Err: err}
		logging.Error(isolatedSubsystem, err, "%s", f.Error())
		return []*CleanupFailure{f}
	}
	logging.Debug(isolatedSubsystem, "Discarded store for run %s", dc.Metadata.RunID)
	return nil
}
