package config

import (
	"time"

	"testctx/internal/mode"
	"testctx/internal/provider"
	"testctx/internal/safety"
)

// GetDefaultConfig returns the default configuration for testctx.
// It has no live store, so only isolated mode can run until one is set.
func GetDefaultConfig() TestctxConfig {
	return TestctxConfig{
		Mode: ModeSettings{
			Default: string(mode.Isolated),
		},
		Fixtures: FixtureSettings{
			Bundle:    "optimal-assignment",
			Overrides: map[string]string{},
			SchemaVer: provider.DefaultSchemaVersion,
		},
		Live: LiveSettings{
			RequiredKinds: append([]string(nil), provider.DefaultRequiredKinds...),
			ManifestDir:   ".testctx/manifests",
		},
		Safety: safety.Policy{
			Marker: safety.DefaultMarker,
		},
		Timeouts: TimeoutSettings{
			Setup:    60 * time.Second,
			Validate: 30 * time.Second,
			Cleanup:  30 * time.Second,
		},
		Scenarios: ScenarioSettings{
			Path: ".testctx/scenarios",
		},
		LogLevel: "info",
	}
}
