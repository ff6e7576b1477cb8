// Package dataset holds the record model shared by the fixture loader, the
// stores and the data context.
package dataset

import (
	"fmt"
	"sort"
	"strconv"
)

// Well-known entity kinds.
const (
	KindCustomers = "customers"
	KindRoutes    = "routes"
	KindTickets   = "tickets"
)

// Well-known field names inspected by the safety validator and the geometry helpers.
const (
	FieldLatitude  = "lat"
	FieldLongitude = "lng"
	FieldOwner     = "owner"
	FieldCapacity  = "capacity"
	FieldRouteID   = "route_id"
)

// Record is one typed row of test data.
type Record struct {
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty"`
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	// IsTest is the explicit test marker flag.
	IsTest bool                   `yaml:"is_test,omitempty" json:"is_test,omitempty"`
	Fields map[string]interface{} `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// String returns a short identifier for logs and error messages.
func (r Record) String() string {
	return fmt.Sprintf("%s/%s (%s)", r.Kind, r.ID, r.Name)
}

// Clone returns a deep copy of the record's top level fields.
func (r Record) Clone() Record {
	out := r
	if r.Fields != nil {
		out.Fields = make(map[string]interface{}, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// Has reports whether the field is present.
func (r Record) Has(key string) bool {
	_, ok := r.Fields[key]
	return ok
}

// String field accessor. Non-string values are formatted.
func (r Record) Str(key string) string {
	v, ok := r.Fields[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Float returns a numeric field. YAML, JSON and SQL decoding produce
// different numeric types, all of which are accepted.
func (r Record) Float(key string) (float64, bool) {
	v, ok := r.Fields[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// Location returns the record's coordinates if both are present.
func (r Record) Location() (Point, bool) {
	lat, okLat := r.Float(FieldLatitude)
	lng, okLng := r.Float(FieldLongitude)
	if !okLat || !okLng {
		return Point{}, false
	}
	return Point{Lat: lat, Lng: lng}, true
}

// TestDataSet maps entity kinds to ordered record lists. Kinds keep the
// order in which they were first added.
type TestDataSet struct {
	order []string
	rows  map[string][]Record
}

// New creates an empty dataset.
func New() *TestDataSet {
	return &TestDataSet{rows: make(map[string][]Record)}
}

// Add appends records of the given kind.
func (d *TestDataSet) Add(kind string, records ...Record) {
	if d.rows == nil {
		d.rows = make(map[string][]Record)
	}
	if _, ok := d.rows[kind]; !ok {
		d.order = append(d.order, kind)
		d.rows[kind] = nil
	}
	for _, r := range records {
		r.Kind = kind
		d.rows[kind] = append(d.rows[kind], r)
	}
}

// Kinds returns the entity kinds in insertion order.
func (d *TestDataSet) Kinds() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Records returns a copy of the records for kind.
func (d *TestDataSet) Records(kind string) []Record {
	src := d.rows[kind]
	out := make([]Record, len(src))
	copy(out, src)
	return out
}

// Count returns the number of records of kind.
func (d *TestDataSet) Count(kind string) int {
	return len(d.rows[kind])
}

// Len returns the total number of records.
func (d *TestDataSet) Len() int {
	n := 0
	for _, rows := range d.rows {
		n += len(rows)
	}
	return n
}

// Find looks up a record by id.
func (d *TestDataSet) Find(kind, id string) (Record, bool) {
	for _, r := range d.rows[kind] {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}

// Upsert replaces the record with the same id or appends it.
func (d *TestDataSet) Upsert(rec Record) {
	rows := d.rows[rec.Kind]
	for i := range rows {
		if rows[i].ID == rec.ID {
			rows[i] = rec
			return
		}
	}
	d.Add(rec.Kind, rec)
}

// Remove deletes the record with id from kind. It reports whether a record was removed.
func (d *TestDataSet) Remove(kind, id string) bool {
	rows := d.rows[kind]
	for i := range rows {
		if rows[i].ID == id {
			d.rows[kind] = append(rows[:i:i], rows[i+1:]...)
			return true
		}
	}
	return false
}

// All returns every record, grouped by kind in insertion order.
func (d *TestDataSet) All() []Record {
	var out []Record
	for _, kind := range d.order {
		out = append(out, d.rows[kind]...)
	}
	return out
}

// Clone returns an independent copy.
func (d *TestDataSet) Clone() *TestDataSet {
	out := New()
	for _, kind := range d.order {
		rows := make([]Record, 0, len(d.rows[kind]))
		for _, r := range d.rows[kind] {
			rows = append(rows, r.Clone())
		}
		out.Add(kind, rows...)
	}
	return out
}

// Counts returns record counts per kind, sorted by kind name.
func (d *TestDataSet) Counts() map[string]int {
	out := make(map[string]int, len(d.rows))
	for kind, rows := range d.rows {
		out[kind] = len(rows)
	}
	return out
}

// SortedKinds returns the kinds in lexical order.
func (d *TestDataSet) SortedKinds() []string {
	kinds := d.Kinds()
	sort.Strings(kinds)
	return kinds
}
