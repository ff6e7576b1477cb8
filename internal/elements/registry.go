// Package elements maps logical UI element names to selectors and wait
// policies that depend on the active test mode.
//
// Resolution never fails: a registered element resolves to its mode
// selector, then its fallback selector, then its base selector, and an
// unregistered name resolves to whatever the caller passed as fallback.
package elements

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"testctx/internal/mode"
	"testctx/pkg/logging"

	"github.com/agnivade/levenshtein"
	"gopkg.in/yaml.v3"
)

const subsystem = "ElementResolver"

// Prober is the element-interaction primitive the resolver needs from a
// browser driver.
type Prober interface {
	// Visible waits up to wait for selector to match a visible element.
	// Not finding it in time is (false, nil).
	Visible(ctx context.Context, selector string, wait time.Duration) (bool, error)
	// Text returns the text content of the first element matching selector.
	Text(ctx context.Context, selector string) (string, error)
}

// Predicate is a mode-specific check run against a visible element.
type Predicate func(ctx context.Context, p Prober, selector string) error

// ElementConfig describes one logical element.
type ElementConfig struct {
	Name               string `yaml:"name"`
	BaseSelector       string `yaml:"base"`
	IsolatedSelector   string `yaml:"isolated,omitempty"`
	ProductionSelector string `yaml:"production,omitempty"`
	FallbackSelector   string `yaml:"fallback,omitempty"`
	Required           bool   `yaml:"required,omitempty"`
	// ExpectText builds a text-prefix predicate per mode when loaded from YAML.
	ExpectText map[mode.TestMode]string `yaml:"expectText,omitempty"`
	// Validators run only when the element is visible.
	Validators map[mode.TestMode]Predicate `yaml:"-"`
}

// selectorFor returns the selector for m with the three-tier fallback.
func (c ElementConfig) selectorFor(m mode.TestMode) string {
	var modeSel string
	switch m {
	case mode.Isolated:
		modeSel = c.IsolatedSelector
	case mode.Production, mode.Dual:
		modeSel = c.ProductionSelector
	}
	switch {
	case modeSel != "":
		return modeSel
	case c.FallbackSelector != "":
		return c.FallbackSelector
	default:
		return c.BaseSelector
	}
}

// Policy is the wait behaviour for a mode.
type Policy struct {
	Timeout       time.Duration `yaml:"timeout"`
	Retries       int           `yaml:"retries"`
	RetryInterval time.Duration `yaml:"retryInterval"`
}

// DefaultPolicies reflect that live pages load slower than fixture-backed ones.
var DefaultPolicies = map[mode.TestMode]Policy{
	mode.Isolated:   {Timeout: 5 * time.Second, Retries: 1, RetryInterval: 200 * time.Millisecond},
	mode.Production: {Timeout: 15 * time.Second, Retries: 3, RetryInterval: time.Second},
}

// Strategy is a fully resolved lookup for one element in one mode.
type Strategy struct {
	Name          string
	Selector      string
	Timeout       time.Duration
	Retries       int
	RetryInterval time.Duration
	// Registered is false when the caller's fallback was used.
	Registered bool
}

// Registry holds element configs keyed by exact name.
type Registry struct {
	mu       sync.RWMutex
	elements map[string]ElementConfig
	order    []string
	policies map[mode.TestMode]Policy
}

// NewRegistry creates an empty registry using DefaultPolicies.
func NewRegistry() *Registry {
	policies := make(map[mode.TestMode]Policy, len(DefaultPolicies))
	for m, p := range DefaultPolicies {
		policies[m] = p
	}
	return &Registry{elements: make(map[string]ElementConfig), policies: policies}
}

// SetPolicy overrides the wait policy of a mode.
func (r *Registry) SetPolicy(m mode.TestMode, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[m] = p
}

// SetTimeout replaces the timeout of every mode's policy.
func (r *Registry) SetTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for m, p := range r.policies {
		p.Timeout = d
		r.policies[m] = p
	}
}

// Register adds an element. Names must be unique.
func (r *Registry) Register(cfg ElementConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("element config has no name")
	}
	if cfg.BaseSelector == "" {
		return fmt.Errorf("element %q has no base selector", cfg.Name)
	}
	for m, prefix := range cfg.ExpectText {
		if cfg.Validators == nil {
			cfg.Validators = make(map[mode.TestMode]Predicate)
		}
		if _, exists := cfg.Validators[m]; !exists {
			cfg.Validators[m] = TextHasPrefix(prefix)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.elements[cfg.Name]; exists {
		return fmt.Errorf("element %q is already registered", cfg.Name)
	}
	r.elements[cfg.Name] = cfg
	r.order = append(r.order, cfg.Name)
	return nil
}

// Lookup returns the config registered under name.
func (r *Registry) Lookup(name string) (ElementConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.elements[name]
	return cfg, ok
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Resolve returns the selector for name in mode m. Unregistered names
// resolve to fallback unchanged.
func (r *Registry) Resolve(name string, m mode.TestMode, fallback string) string {
	cfg, ok := r.Lookup(name)
	if !ok {
		if s := r.Suggest(name); s != "" {
			logging.Debug(subsystem, "Element %q is not registered (did you mean %q?), using caller selector %q", name, s, fallback)
		} else {
			logging.Debug(subsystem, "Element %q is not registered, using caller selector %q", name, fallback)
		}
		return fallback
	}
	return cfg.selectorFor(m)
}

// Strategy returns the selector plus the wait policy for name in mode m.
func (r *Registry) Strategy(name string, m mode.TestMode, fallback string) Strategy {
	_, registered := r.Lookup(name)
	r.mu.RLock()
	p, ok := r.policies[m]
	if !ok {
		p = r.policies[mode.Production]
	}
	r.mu.RUnlock()
	return Strategy{
		Name:          name,
		Selector:      r.Resolve(name, m, fallback),
		Timeout:       p.Timeout,
		Retries:       p.Retries,
		RetryInterval: p.RetryInterval,
		Registered:    registered,
	}
}

// Suggest returns the registered name closest to name, if one is close
// enough to be a plausible typo.
func (r *Registry) Suggest(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best, bestDist := "", -1
	for _, candidate := range r.order {
		d := levenshtein.ComputeDistance(name, candidate)
		if bestDist < 0 || d < bestDist {
			best, bestDist = candidate, d
		}
	}
	if bestDist < 0 || bestDist > len(name)/3+1 {
		return ""
	}
	return best
}

// registryFile is the YAML layout of an element registry.
type registryFile struct {
	Policies map[mode.TestMode]Policy `yaml:"policies,omitempty"`
	Elements []ElementConfig          `yaml:"elements"`
}

// LoadYAML registers every element in data.
func (r *Registry) LoadYAML(data []byte) error {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse element registry: %w", err)
	}
	for m, p := range f.Policies {
		if _, err := mode.Parse(string(m)); err != nil {
			return fmt.Errorf("element registry policy: %w", err)
		}
		r.SetPolicy(m, p)
	}
	for _, cfg := range f.Elements {
		if err := r.Register(cfg); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile reads a YAML registry from path.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read element registry %s: %w", path, err)
	}
	r := NewRegistry()
	if err := r.LoadYAML(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Table returns every element's resolved selector per mode, sorted by name.
func (r *Registry) Table() []map[string]string {
	names := r.Names()
	sort.Strings(names)
	out := make([]map[string]string, 0, len(names))
	for _, n := range names {
		cfg, _ := r.Lookup(n)
		out = append(out, map[string]string{
			"name":       n,
			"isolated":   cfg.selectorFor(mode.Isolated),
			"production": cfg.selectorFor(mode.Production),
			"required":   fmt.Sprint(cfg.Required),
		})
	}
	return out
}
