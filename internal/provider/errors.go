package provider

import (
	"fmt"
	"strings"

	"testctx/internal/dataset"
	"testctx/internal/mode"
)

// SetupError means a provider could not produce a context. The context
// manager treats it as a reason to try the next fallback mode.
type SetupError struct {
	Mode   mode.TestMode
	Reason string
	Err    error
}

func (e *SetupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s setup failed: %s: %v", e.Mode, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s setup failed: %s", e.Mode, e.Reason)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// ValidationFailure means a context was produced but did not pass validation.
type ValidationFailure struct {
	Mode   mode.TestMode
	Issues []string
}

func (e *ValidationFailure) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("%s context failed validation", e.Mode)
	}
	return fmt.Sprintf("%s context failed validation: %s", e.Mode, strings.Join(e.Issues, "; "))
}

// CleanupFailure describes a cleanup step that did not complete. It is
// logged and reported as a warning, never returned as a scenario error.
type CleanupFailure struct {
	Mode  mode.TestMode
	RunID string
	// Record is set when the failure concerns one created record.
	Record *dataset.Record
	Reason string
	Err    error
}

func (e *CleanupFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s cleanup for run %s: %s", e.Mode, e.RunID, e.Reason)
	if e.Record != nil {
		fmt.Fprintf(&b, " (record %s requires manual removal)", e.Record)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *CleanupFailure) Unwrap() error {
	return e.Err
}
