package config

import (
	"time"

	"testctx/internal/elements"
	"testctx/internal/manager"
	"testctx/internal/mode"
	"testctx/internal/safety"
)

// TestctxConfig is the top-level configuration structure for testctx.
type TestctxConfig struct {
	Mode      ModeSettings     `yaml:"mode"`
	Fixtures  FixtureSettings  `yaml:"fixtures"`
	Live      LiveSettings     `yaml:"live"`
	Safety    safety.Policy    `yaml:"safety"`
	Timeouts  TimeoutSettings  `yaml:"timeouts"`
	Elements  ElementSettings  `yaml:"elements"`
	Scenarios ScenarioSettings `yaml:"scenarios"`
	LogLevel  string           `yaml:"logLevel,omitempty"`
}

// ModeSettings controls mode resolution.
type ModeSettings struct {
	Override string `yaml:"override,omitempty"` // pins every scenario to one mode
	Default  string `yaml:"default,omitempty"`  // mode for untagged scenarios
}

// FixtureSettings controls isolated mode.
type FixtureSettings struct {
	Dir       string            `yaml:"dir,omitempty"`       // bundle directory; embedded bundles when empty
	Bundle    string            `yaml:"bundle,omitempty"`    // default bundle name
	Overrides map[string]string `yaml:"overrides,omitempty"` // entity kind -> bundle name
	StoreDir  string            `yaml:"storeDir,omitempty"`  // where disposable stores are created
	SchemaVer string            `yaml:"schemaVersion,omitempty"`
}

// LiveSettings controls production mode.
type LiveSettings struct {
	Store         string   `yaml:"store,omitempty"` // postgres://..., kube://namespace, mem://name
	Token         string   `yaml:"-"`               // env only
	RequiredKinds []string `yaml:"requiredKinds,omitempty"`
	ManifestDir   string   `yaml:"manifestDir,omitempty"`
}

// TimeoutSettings bound the context lifecycle.
type TimeoutSettings struct {
	Setup       time.Duration `yaml:"setupTimeout,omitempty"`
	Validate    time.Duration `yaml:"validateTimeout,omitempty"`
	Cleanup     time.Duration `yaml:"cleanupTimeout,omitempty"`
	ElementWait time.Duration `yaml:"elementWait,omitempty"`
}

// ElementSettings point at the element registry.
type ElementSettings struct {
	File     string                     `yaml:"file,omitempty"`
	Policies map[string]elements.Policy `yaml:"policies,omitempty"` // keyed by mode
}

// ScenarioSettings point at the scenario files.
type ScenarioSettings struct {
	Path string `yaml:"path,omitempty"`
}

// Environment returns the mode-gating signals captured in the config.
func (c TestctxConfig) Environment() mode.Environment {
	return mode.Environment{
		Override:        mode.TestMode(c.Mode.Override),
		Default:         mode.TestMode(c.Mode.Default),
		FixtureStoreDir: c.Fixtures.StoreDir,
		LiveStore:       c.Live.Store,
		LiveCredentials: c.Live.Token,
	}
}

// ManagerTimeouts returns the context manager timeouts.
func (c TestctxConfig) ManagerTimeouts() manager.Timeouts {
	return manager.Timeouts{
		Setup:    c.Timeouts.Setup,
		Validate: c.Timeouts.Validate,
		Cleanup:  c.Timeouts.Cleanup,
	}
}

// ElementPolicies returns the wait policies set in the configuration, keyed
// by mode. Modes without an entry keep the registry's policy.
func (c TestctxConfig) ElementPolicies() map[mode.TestMode]elements.Policy {
	out := make(map[mode.TestMode]elements.Policy, len(c.Elements.Policies))
	for name, p := range c.Elements.Policies {
		if m, err := mode.Parse(name); err == nil {
			out[m] = p
		}
	}
	return out
}
