package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"testctx/internal/config"
	"testctx/internal/dataset"
	"testctx/internal/elements"
	"testctx/internal/mode"
	"testctx/internal/store"
	"testctx/internal/store/dial"
	scenario "testctx/internal/testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings(t *testing.T) *config.TestctxConfig {
	t.Helper()
	settings := config.GetDefaultConfig()
	settings.Fixtures.StoreDir = t.TempDir()
	settings.Live.ManifestDir = t.TempDir()
	settings.Timeouts.Setup = 5 * time.Second
	settings.Timeouts.ElementWait = 3 * time.Second
	return &settings
}

func newTestApplication(t *testing.T, settings *config.TestctxConfig) *Application {
	t.Helper()
	application, err := NewApplication(&Config{
		Settings:   settings,
		LogOutput:  &bytes.Buffer{},
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return application
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig(true, "ci.yaml")
	assert.True(t, cfg.Debug)
	assert.Equal(t, "ci.yaml", cfg.ConfigPath)
	assert.Nil(t, cfg.Settings)
}

func TestInitializeServices(t *testing.T) {
	tests := []struct {
		name           string
		liveStore      string
		wantProduction bool
	}{
		{name: "isolated only", wantProduction: false},
		{name: "with live store", liveStore: "mem://app-init", wantProduction: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := testSettings(t)
			settings.Live.Store = tt.liveStore

			s := newTestApplication(t, settings).Services()
			assert.NotNil(t, s.Validator)
			assert.NotNil(t, s.Isolated)
			assert.NotNil(t, s.Manager)
			assert.NotNil(t, s.Hooks)
			assert.Equal(t, tt.wantProduction, s.Production != nil)
			assert.Equal(t, tt.liveStore, s.Env.LiveStore)

			strategy := s.Elements.Strategy("anything", mode.Production, "#x")
			assert.Equal(t, 3*time.Second, strategy.Timeout)
		})
	}

	_, err := InitializeServices(&Config{})
	assert.Error(t, err)
}

func TestInitializeServices_ElementFile(t *testing.T) {
	settings := testSettings(t)
	path := filepath.Join(t.TempDir(), "elements.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
elements:
  - name: navContainer
    base: nav
    production: "#prod-nav"
`), 0644))
	settings.Elements.File = path

	s := newTestApplication(t, settings).Services()
	assert.Equal(t, "#prod-nav", s.Elements.Resolve("navContainer", mode.Production, ""))

	settings.Elements.File = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := InitializeServices(&Config{Settings: settings})
	assert.Error(t, err)
}

func TestInitializeServices_ElementFilePolicies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "elements.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
policies:
  production: {timeout: 42s, retries: 7, retryInterval: 2s}
elements:
  - name: navContainer
    base: nav
`), 0644))

	tests := []struct {
		name        string
		elementWait time.Duration
		configured  map[string]elements.Policy
		wantTimeout time.Duration
		wantRetries int
	}{
		{name: "file policy kept", wantTimeout: 42 * time.Second, wantRetries: 7},
		{name: "element wait overrides timeout only", elementWait: 3 * time.Second, wantTimeout: 3 * time.Second, wantRetries: 7},
		{
			name:        "config policy wins over file",
			configured:  map[string]elements.Policy{"production": {Timeout: 9 * time.Second, Retries: 2}},
			wantTimeout: 9 * time.Second,
			wantRetries: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := testSettings(t)
			settings.Elements.File = path
			settings.Elements.Policies = tt.configured
			settings.Timeouts.ElementWait = tt.elementWait

			s := newTestApplication(t, settings).Services()
			strategy := s.Elements.Strategy("navContainer", mode.Production, "")
			assert.Equal(t, tt.wantTimeout, strategy.Timeout)
			assert.Equal(t, tt.wantRetries, strategy.Retries)

			iso := s.Elements.Strategy("navContainer", mode.Isolated, "")
			assert.Equal(t, elements.DefaultPolicies[mode.Isolated].Retries, iso.Retries)
		})
	}
}

func TestHooks_AcquireIsolatedOnSQLite(t *testing.T) {
	s := newTestApplication(t, testSettings(t)).Services()

	sc := scenario.TestScenario{Name: "counts", Tags: []string{"isolated"}, Fixture: "basic-customers"}
	lease, err := s.Hooks.BeforeScenario(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, mode.Isolated, lease.Mode())
	assert.Equal(t, "basic-customers", lease.Context.Metadata.Bundle)
	assert.Empty(t, s.Hooks.AfterScenario(context.Background(), sc, lease))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.Metrics.Attempts.WithLabelValues("isolated", "ready")))
}

func TestCleanupLeftovers(t *testing.T) {
	live := store.NewMemory("app-cleanup",
		dataset.Record{Kind: dataset.KindTickets, ID: "t-left", Name: "TEST_leftover"},
		dataset.Record{Kind: dataset.KindTickets, ID: "t-keep", Name: "TEST_keep"},
	)
	dial.RegisterMemory("app-cleanup", live)

	settings := testSettings(t)
	settings.Live.Store = "mem://app-cleanup"
	application := newTestApplication(t, settings)
	manifests := application.Services().Manifests

	require.NoError(t, manifests.Append("run-a", "mem://app-cleanup", dataset.Record{Kind: dataset.KindTickets, ID: "t-left", Name: "TEST_leftover"}))
	require.NoError(t, manifests.Append("run-b", "mem://app-cleanup", dataset.Record{Kind: dataset.KindTickets, ID: "t-gone", Name: "TEST_gone"}))

	results, err := application.CleanupLeftovers(context.Background(), "run-a")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Deleted)
	assert.Empty(t, results[0].Failures)

	_, err = live.Get(context.Background(), dataset.KindTickets, "t-left")
	assert.Error(t, err)
	_, err = live.Get(context.Background(), dataset.KindTickets, "t-keep")
	assert.NoError(t, err)

	results, err = application.CleanupLeftovers(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "run-b", results[0].RunID)
	assert.Equal(t, 1, results[0].Missing)

	left, err := manifests.List()
	require.NoError(t, err)
	assert.Empty(t, left)
}
