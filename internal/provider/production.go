package provider

import (
	"context"
	"fmt"

	"testctx/internal/dataset"
	"testctx/internal/mode"
	"testctx/internal/report"
	"testctx/internal/safety"
	"testctx/internal/store"
	"testctx/internal/store/dial"
	"testctx/pkg/logging"
)

const productionSubsystem = "ProductionProvider"

// DefaultRequiredKinds are the entity kinds a production context must find.
var DefaultRequiredKinds = []string{dataset.KindCustomers, dataset.KindRoutes, dataset.KindTickets}

// LiveOpener opens the live store for one run.
type LiveOpener func(ctx context.Context) (store.Live, error)

// ProductionConfig configures the production provider.
type ProductionConfig struct {
	// Descriptor is the live store connection descriptor.
	Descriptor string
	// Token replaces the credentials in Descriptor when set.
	Token string
	// Open overrides how the live store is opened. Defaults to dial.Live.
	Open          LiveOpener
	Validator     *safety.Validator
	RequiredKinds []string
	// Manifests records created records on disk. Nil disables the manifest.
	Manifests     *Manifests
	SchemaVersion string
	// OnViolation is called for every mutation the guard blocks.
	OnViolation func(*safety.Violation)
}

// ProductionProvider reads pre-existing marked records from the live store.
// It never creates baseline fixtures.
type ProductionProvider struct {
	cfg ProductionConfig
}

// NewProductionProvider creates a production provider.
func NewProductionProvider(cfg ProductionConfig) *ProductionProvider {
	if cfg.Validator == nil {
		cfg.Validator = safety.NewValidator(safety.Policy{})
	}
	if len(cfg.RequiredKinds) == 0 {
		cfg.RequiredKinds = DefaultRequiredKinds
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = DefaultSchemaVersion
	}
	if cfg.Open == nil {
		descriptor, token := cfg.Descriptor, cfg.Token
		cfg.Open = func(ctx context.Context) (store.Live, error) {
			return dial.Live(ctx, descriptor, token)
		}
	}
	return &ProductionProvider{cfg: cfg}
}

// Mode implements Provider.
func (p *ProductionProvider) Mode() mode.TestMode {
	return mode.Production
}

// WithRequiredKinds returns a copy of the provider requiring kinds.
func (p *ProductionProvider) WithRequiredKinds(kinds []string) *ProductionProvider {
	if len(kinds) == 0 {
		return p
	}
	cfg := p.cfg
	cfg.RequiredKinds = kinds
	return &ProductionProvider{cfg: cfg}
}

// SetupContext implements Provider.
func (p *ProductionProvider) SetupContext(ctx context.Context, m mode.TestMode, runID string) (*DataContext, error) {
	if m != mode.Production {
		return nil, &SetupError{Mode: m, Reason: "production provider cannot serve this mode"}
	}

	live, err := p.cfg.Open(ctx)
	if err != nil {
		return nil, &SetupError{Mode: m, Reason: "live store unreachable", Err: err}
	}
	if err := live.Ping(ctx); err != nil {
		live.Close()
		return nil, &SetupError{Mode: m, Reason: "live store unreachable", Err: err}
	}

	marker := p.cfg.Validator.Marker()
	data := dataset.New()
	for _, kind := range p.cfg.RequiredKinds {
		rows, err := live.FindMarked(ctx, kind, marker)
		if err != nil {
			live.Close()
			return nil, &SetupError{Mode: m, Reason: fmt.Sprintf("failed to read %s from live store", kind), Err: err}
		}
		if len(rows) == 0 {
			live.Close()
			return nil, &SetupError{Mode: m, Reason: fmt.Sprintf("no test records of kind %q in live store; create fixtures matching convention %q", kind, marker+"*")}
		}
		data.Add(kind, rows...)
	}

	dc := newDataContext(mode.Production, runID, p.cfg.SchemaVersion, data, live.Info())
	var opts []safety.GuardOption
	if p.cfg.OnViolation != nil {
		opts = append(opts, safety.WithViolationHook(p.cfg.OnViolation))
	}
	dc.writer = safety.NewGuard(p.cfg.Validator, live, opts...)
	if p.cfg.Manifests != nil {
		descriptor := p.cfg.Descriptor
		dc.onCreate = func(rec dataset.Record) error {
			return p.cfg.Manifests.Append(runID, descriptor, rec)
		}
		dc.onForget = func(rec dataset.Record) error {
			return p.cfg.Manifests.Forget(runID, rec)
		}
	}
	dc.cleanupFn = func(ctx context.Context) []*CleanupFailure {
		return p.cleanup(ctx, dc, live)
	}

	logging.Info(productionSubsystem, "Found %d marked records in %s for run %s", data.Len(), live.Info(), runID)
	return dc, nil
}

// ValidateContext implements Provider.
func (p *ProductionProvider) ValidateContext(ctx context.Context, dc *DataContext) (bool, report.Report) {
	return safeValidate(productionSubsystem, mode.Production, func() (bool, report.Report) {
		rep := validateCommon(ctx, productionSubsystem, mode.Production, dc)
		if dc == nil {
			return false, rep
		}
		if dc.Connection.Disposable {
			rep.Fail("production context points at a disposable store (%s)", dc.Connection)
		}
		data := dc.TestData()
		for _, kind := range p.cfg.RequiredKinds {
			if data.Count(kind) == 0 {
				rep.Fail("no test records of kind %q", kind)
			}
		}
		if res := p.cfg.Validator.ValidateAll(data.All()); !res.Safe {
			for _, issue := range res.Issues {
				rep.Fail("unsafe record: %s", issue)
			}
		}
		if !rep.Passed {
			logging.Warn(productionSubsystem, "Production context for run %s rejected: %v", dc.Metadata.RunID, rep.ValidationErrors)
		}
		return rep.Passed, rep
	})
}

// CleanupContext implements Provider.
func (p *ProductionProvider) CleanupContext(ctx context.Context, dc *DataContext) []*CleanupFailure {
	if dc == nil {
		return nil
	}
	return dc.Cleanup(ctx)
}

// cleanup deletes only the records created during the run, newest first.
// Pre-existing marked records are never touched.
func (p *ProductionProvider) cleanup(ctx context.Context, dc *DataContext, live store.Live) []*CleanupFailure {
	defer live.Close()

	var failures []*CleanupFailure
	created := dc.Created()
	for i := len(created) - 1; i >= 0; i-- {
		rec := created[i]
		err := dc.writer.Delete(ctx, rec.Kind, rec.ID)
		if err != nil && !isNotFound(err) {
			r := rec
			f := &CleanupFailure{Mode: mode.Production, RunID: dc.Metadata.RunID, Record: &r, Reason: "failed to delete created record", Err: err}
			logging.Error(productionSubsystem, err, "%s", f.Error())
			failures = append(failures, f)
			continue
		}
		logging.Debug(productionSubsystem, "Deleted created record %s", rec)
	}

	if p.cfg.Manifests != nil {
		if len(failures) == 0 {
			if err := p.cfg.Manifests.Remove(dc.Metadata.RunID); err != nil {
				failures = append(failures, &CleanupFailure{Mode: mode.Production, RunID: dc.Metadata.RunID, Reason: "failed to remove cleanup manifest", Err: err})
			}
		} else {
			logging.Warn(productionSubsystem, "Cleanup manifest kept at %s for manual follow-up", p.cfg.Manifests.path(dc.Metadata.RunID))
		}
	}
	return failures
}
