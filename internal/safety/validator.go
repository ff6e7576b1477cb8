// Package safety decides whether a record may be touched by a test run.
//
// The Validator is a pure predicate over a record. The Guard applies it to
// the target of every mutation against live data, right before the store
// is called.
package safety

import (
	"fmt"
	"strings"

	"testctx/internal/dataset"
)

// DefaultMarker is the name prefix identifying test-owned records.
const DefaultMarker = "TEST_"

// Boundary is a latitude/longitude box that test records must stay inside.
type Boundary struct {
	MinLat float64 `yaml:"minLat"`
	MaxLat float64 `yaml:"maxLat"`
	MinLng float64 `yaml:"minLng"`
	MaxLng float64 `yaml:"maxLng"`
}

// Contains reports whether p lies inside the box, edges included.
func (b Boundary) Contains(p dataset.Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

func (b Boundary) String() string {
	return fmt.Sprintf("lat [%g, %g] lng [%g, %g]", b.MinLat, b.MaxLat, b.MinLng, b.MaxLng)
}

// Policy configures the validator.
type Policy struct {
	// Marker is the name/identifier prefix convention.
	Marker string `yaml:"marker"`
	// Boundary, when set, confines records carrying coordinates.
	Boundary *Boundary `yaml:"boundary,omitempty"`
	// AllowedOwners, when non-empty, confines records carrying an owner field.
	AllowedOwners []string `yaml:"allowedOwners,omitempty"`
}

// Result is the outcome of validating one record.
type Result struct {
	Safe   bool
	Issues []string
}

// Validator checks records against a Policy.
type Validator struct {
	policy Policy
}

// NewValidator creates a validator. An empty marker uses DefaultMarker.
func NewValidator(policy Policy) *Validator {
	if strings.TrimSpace(policy.Marker) == "" {
		policy.Marker = DefaultMarker
	}
	return &Validator{policy: policy}
}

// Marker returns the active marker convention.
func (v *Validator) Marker() string {
	return v.policy.Marker
}

// HasMarker reports whether the record carries the test marker.
func (v *Validator) HasMarker(rec dataset.Record) bool {
	if rec.IsTest {
		return true
	}
	return strings.HasPrefix(rec.Name, v.policy.Marker) || strings.HasPrefix(rec.ID, v.policy.Marker)
}

// IsTestSafe validates a single record.
func (v *Validator) IsTestSafe(rec dataset.Record) Result {
	var issues []string

	if !v.HasMarker(rec) {
		issues = append(issues, fmt.Sprintf("%s lacks test marker: name or id must start with %q or is_test must be set", rec, v.policy.Marker))
	}

	if v.policy.Boundary != nil && (rec.Has(dataset.FieldLatitude) || rec.Has(dataset.FieldLongitude)) {
		p, ok := rec.Location()
		switch {
		case !ok:
			issues = append(issues, fmt.Sprintf("%s has incomplete or non-numeric coordinates", rec))
		case !v.policy.Boundary.Contains(p):
			issues = append(issues, fmt.Sprintf("%s at (%g, %g) is outside test boundary %s", rec, p.Lat, p.Lng, v.policy.Boundary))
		}
	}

	if len(v.policy.AllowedOwners) > 0 && rec.Has(dataset.FieldOwner) {
		owner := rec.Str(dataset.FieldOwner)
		if !contains(v.policy.AllowedOwners, owner) {
			issues = append(issues, fmt.Sprintf("%s is owned by %q, allowed owners: %s", rec, owner, strings.Join(v.policy.AllowedOwners, ", ")))
		}
	}

	return Result{Safe: len(issues) == 0, Issues: issues}
}

// ValidateAll validates every record and returns the combined issues.
func (v *Validator) ValidateAll(records []dataset.Record) Result {
	var issues []string
	for _, rec := range records {
		issues = append(issues, v.IsTestSafe(rec).Issues...)
	}
	return Result{Safe: len(issues) == 0, Issues: issues}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
