// Package report defines the structured validation/debug report produced by
// context validation and element validation.
package report

import (
	"fmt"
	"sort"
	"strings"
)

// FailingSelector names an element that failed validation and the selector tried.
type FailingSelector struct {
	Element  string `json:"element" yaml:"element"`
	Selector string `json:"selector" yaml:"selector"`
	Reason   string `json:"reason" yaml:"reason"`
}

// Report is returned by validation operations; rendering is left to the caller.
type Report struct {
	Mode             string            `json:"mode" yaml:"mode"`
	Passed           bool              `json:"passed" yaml:"passed"`
	ExpectedElements int               `json:"expected_elements,omitempty" yaml:"expectedElements,omitempty"`
	FoundElements    int               `json:"found_elements,omitempty" yaml:"foundElements,omitempty"`
	FailingSelectors []FailingSelector `json:"failing_selectors,omitempty" yaml:"failingSelectors,omitempty"`
	ValidationErrors []string          `json:"validation_errors,omitempty" yaml:"validationErrors,omitempty"`
	Warnings         []string          `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	// RecordCounts holds record counts per entity kind for context reports.
	RecordCounts map[string]int `json:"record_counts,omitempty" yaml:"recordCounts,omitempty"`
}

// New returns a passing report for mode.
func New(mode string) Report {
	return Report{Mode: mode, Passed: true}
}

// Fail records a validation error and marks the report failed.
func (r *Report) Fail(format string, args ...interface{}) {
	r.Passed = false
	r.ValidationErrors = append(r.ValidationErrors, fmt.Sprintf(format, args...))
}

// FailSelector records a failing element.
func (r *Report) FailSelector(element, selector, reason string) {
	r.Passed = false
	r.FailingSelectors = append(r.FailingSelectors, FailingSelector{Element: element, Selector: selector, Reason: reason})
}

// Warn records a non-fatal note.
func (r *Report) Warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Merge folds other into r.
func (r *Report) Merge(other Report) {
	r.Passed = r.Passed && other.Passed
	r.ExpectedElements += other.ExpectedElements
	r.FoundElements += other.FoundElements
	r.FailingSelectors = append(r.FailingSelectors, other.FailingSelectors...)
	r.ValidationErrors = append(r.ValidationErrors, other.ValidationErrors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	if len(other.RecordCounts) > 0 {
		if r.RecordCounts == nil {
			r.RecordCounts = make(map[string]int, len(other.RecordCounts))
		}
		for k, v := range other.RecordCounts {
			r.RecordCounts[k] += v
		}
	}
}

// Summary is a one-line description.
func (r Report) Summary() string {
	var b strings.Builder
	status := "passed"
	if !r.Passed {
		status = "failed"
	}
	fmt.Fprintf(&b, "mode=%s %s", r.Mode, status)
	if r.ExpectedElements > 0 {
		fmt.Fprintf(&b, " elements=%d/%d", r.FoundElements, r.ExpectedElements)
	}
	if len(r.RecordCounts) > 0 {
		kinds := make([]string, 0, len(r.RecordCounts))
		for k := range r.RecordCounts {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		parts := make([]string, 0, len(kinds))
		for _, k := range kinds {
			parts = append(parts, fmt.Sprintf("%s=%d", k, r.RecordCounts[k]))
		}
		fmt.Fprintf(&b, " records[%s]", strings.Join(parts, " "))
	}
	if n := len(r.ValidationErrors) + len(r.FailingSelectors); n > 0 {
		fmt.Fprintf(&b, " issues=%d", n)
	}
	return b.String()
}
