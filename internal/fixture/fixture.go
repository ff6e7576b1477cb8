// Package fixture loads named fixture bundles: ordered sets of typed rows
// that isolated mode copies into a disposable store.
package fixture

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"testctx/internal/dataset"

	"gopkg.in/yaml.v3"
)

//go:embed bundles/*.yaml
var embedded embed.FS

// ErrBundleNotFound is returned when no bundle file matches the name.
var ErrBundleNotFound = errors.New("fixture bundle not found")

// EntitySet is the rows of one entity kind.
type EntitySet struct {
	Kind string           `yaml:"kind"`
	Rows []dataset.Record `yaml:"rows"`
}

// Expectations document the outcomes a bundle was designed for.
type Expectations struct {
	// NearestRoute maps ticket id to the id of its nearest route.
	NearestRoute map[string]string `yaml:"nearestRoute,omitempty"`
}

// Bundle is a named fixture set.
type Bundle struct {
	Name         string       `yaml:"name"`
	Version      string       `yaml:"version"`
	Description  string       `yaml:"description,omitempty"`
	Entities     []EntitySet  `yaml:"entities"`
	Expectations Expectations `yaml:"expectations,omitempty"`
}

// DataSet converts the bundle into a dataset, preserving kind and row order.
func (b *Bundle) DataSet() *dataset.TestDataSet {
	ds := dataset.New()
	for _, set := range b.Entities {
		rows := make([]dataset.Record, 0, len(set.Rows))
		for _, r := range set.Rows {
			rows = append(rows, r.Clone())
		}
		ds.Add(set.Kind, rows...)
	}
	return ds
}

// Kinds returns the entity kinds in bundle order.
func (b *Bundle) Kinds() []string {
	kinds := make([]string, 0, len(b.Entities))
	for _, set := range b.Entities {
		kinds = append(kinds, set.Kind)
	}
	return kinds
}

func (b *Bundle) validate() error {
	if b.Name == "" {
		return errors.New("bundle has no name")
	}
	seenKinds := map[string]bool{}
	for _, set := range b.Entities {
		if set.Kind == "" {
			return fmt.Errorf("bundle %s: entity set without kind", b.Name)
		}
		if seenKinds[set.Kind] {
			return fmt.Errorf("bundle %s: kind %s listed twice", b.Name, set.Kind)
		}
		seenKinds[set.Kind] = true

		ids := map[string]bool{}
		for i, r := range set.Rows {
			if r.ID == "" {
				return fmt.Errorf("bundle %s: %s row %d has no id", b.Name, set.Kind, i)
			}
			if ids[r.ID] {
				return fmt.Errorf("bundle %s: duplicate %s id %s", b.Name, set.Kind, r.ID)
			}
			ids[r.ID] = true
		}
	}
	return nil
}

// Loader reads bundles from a directory, or from the embedded defaults when
// no directory is configured.
type Loader struct {
	fsys fs.FS
	root string
}

// NewLoader creates a loader for dir. An empty dir uses the embedded bundles.
func NewLoader(dir string) *Loader {
	if dir == "" {
		return &Loader{fsys: embedded, root: "bundles"}
	}
	return &Loader{fsys: os.DirFS(dir), root: "."}
}

// Load reads the named bundle.
func (l *Loader) Load(name string) (*Bundle, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty bundle name", ErrBundleNotFound)
	}

	var data []byte
	var err error
	for _, ext := range []string{".yaml", ".yml"} {
		data, err = fs.ReadFile(l.fsys, path.Join(l.root, name+ext))
		if err == nil {
			break
		}
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBundleNotFound, name)
		}
		return nil, fmt.Errorf("failed to read fixture bundle %s: %w", name, err)
	}

	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse fixture bundle %s: %w", name, err)
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	if b.Name != name {
		return nil, fmt.Errorf("fixture bundle file %s declares name %s", name, b.Name)
	}
	return &b, nil
}

// List returns the available bundle names, sorted.
func (l *Loader) List() ([]string, error) {
	entries, err := fs.ReadDir(l.fsys, l.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list fixture bundles: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		switch {
		case strings.HasSuffix(n, ".yaml"):
			names = append(names, strings.TrimSuffix(n, ".yaml"))
		case strings.HasSuffix(n, ".yml"):
			names = append(names, strings.TrimSuffix(n, ".yml"))
		}
	}
	sort.Strings(names)
	return names, nil
}

// Compose loads the base bundle and replaces individual entity kinds with
// the rows of the bundles named in overrides (kind -> bundle name).
func (l *Loader) Compose(base string, overrides map[string]string) (*Bundle, error) {
	b, err := l.Load(base)
	if err != nil {
		return nil, err
	}
	if len(overrides) == 0 {
		return b, nil
	}

	kinds := make([]string, 0, len(overrides))
	for kind := range overrides {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	cache := map[string]*Bundle{base: b}
	for _, kind := range kinds {
		name := overrides[kind]
		src, ok := cache[name]
		if !ok {
			src, err = l.Load(name)
			if err != nil {
				return nil, fmt.Errorf("override for %s: %w", kind, err)
			}
			cache[name] = src
		}
		set, ok := src.entity(kind)
		if !ok {
			return nil, fmt.Errorf("override bundle %s has no %s rows", name, kind)
		}
		b.replace(set)
	}
	b.Name = base
	return b, nil
}

func (b *Bundle) entity(kind string) (EntitySet, bool) {
	for _, set := range b.Entities {
		if set.Kind == kind {
			return set, true
		}
	}
	return EntitySet{}, false
}

func (b *Bundle) replace(set EntitySet) {
	for i := range b.Entities {
		if b.Entities[i].Kind == set.Kind {
			b.Entities[i] = set
			return
		}
	}
	b.Entities = append(b.Entities, set)
}
