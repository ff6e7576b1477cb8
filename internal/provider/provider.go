// Package provider produces DataContexts for the isolated and production
// modes behind one contract.
package provider

import (
	"context"

	"testctx/internal/mode"
	"testctx/internal/report"
	"testctx/pkg/logging"
)

// DefaultSchemaVersion tags contexts whose provider has no explicit version.
const DefaultSchemaVersion = "v1"

// Provider sets up, validates and cleans up contexts for a single mode.
type Provider interface {
	// Mode returns the mode the provider serves.
	Mode() mode.TestMode
	// SetupContext builds a context for runID. On failure a partial context
	// may be returned together with the error so its state can be cleaned.
	SetupContext(ctx context.Context, m mode.TestMode, runID string) (*DataContext, error)
	// ValidateContext never errors and never panics. A cancelled or timed
	// out ctx yields false.
	ValidateContext(ctx context.Context, dc *DataContext) (bool, report.Report)
	// CleanupContext is best effort; failures are returned, never raised.
	CleanupContext(ctx context.Context, dc *DataContext) []*CleanupFailure
}

// validateCommon runs the checks shared by every mode.
func validateCommon(ctx context.Context, subsystem string, want mode.TestMode, dc *DataContext) report.Report {
	rep := report.New(string(want))
	if dc == nil {
		rep.Fail("no data context")
		return rep
	}
	if err := ctx.Err(); err != nil {
		rep.Fail("validation interrupted: %v", err)
		return rep
	}
	if dc.Mode != want {
		rep.Fail("context mode %q does not match provider mode %q", dc.Mode, want)
	}
	data := dc.TestData()
	rep.RecordCounts = data.Counts()
	if data.Len() == 0 {
		rep.Fail("context has no test data")
	}
	for _, kind := range data.Kinds() {
		if data.Count(kind) == 0 {
			rep.Warn("entity kind %s is present but empty", kind)
		}
	}
	if !rep.Passed {
		logging.Warn(subsystem, "Context validation failed for run %s: %v", dc.Metadata.RunID, rep.ValidationErrors)
	}
	return rep
}

// safeValidate converts a panic inside a validation function into a failed report.
func safeValidate(subsystem string, m mode.TestMode, fn func() (bool, report.Report)) (ok bool, rep report.Report) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(subsystem, nil, "Context validation panicked: %v", r)
			rep = report.New(string(m))
			rep.Fail("validation panicked: %v", r)
			ok = false
		}
	}()
	return fn()
}
