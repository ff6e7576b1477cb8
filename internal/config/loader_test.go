package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"testctx/internal/elements"
	"testctx/internal/mode"
	"testctx/internal/safety"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolatePaths points the user and project layers at dir and clears the
// per-kind environment scan.
func isolatePaths(t *testing.T, dir string) (userPath, projectPath string) {
	t.Helper()
	originalGetUserConfigPath := getUserConfigPath
	originalGetProjectConfigPath := getProjectConfigPath
	originalEnviron := osEnviron
	t.Cleanup(func() {
		getUserConfigPath = originalGetUserConfigPath
		getProjectConfigPath = originalGetProjectConfigPath
		osEnviron = originalEnviron
	})

	userPath = filepath.Join(dir, "user", configFileName)
	projectPath = filepath.Join(dir, "project", configFileName)
	getUserConfigPath = func() (string, error) { return userPath, nil }
	getProjectConfigPath = func() (string, error) { return projectPath, nil }
	osEnviron = func() []string { return nil }
	return userPath, projectPath
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoadConfig_DefaultOnly(t *testing.T) {
	isolatePaths(t, t.TempDir())

	loaded, err := LoadConfig()
	require.NoError(t, err)

	def := GetDefaultConfig()
	assert.Equal(t, def.Mode, loaded.Mode)
	assert.Equal(t, "optimal-assignment", loaded.Fixtures.Bundle)
	assert.Equal(t, []string{"customers", "routes", "tickets"}, loaded.Live.RequiredKinds)
	assert.Equal(t, safety.DefaultMarker, loaded.Safety.Marker)
	assert.Equal(t, 60*time.Second, loaded.Timeouts.Setup)

	env := loaded.Environment()
	assert.Equal(t, mode.Isolated, env.Default)
	assert.Empty(t, env.LiveStore)
}

func TestLoadConfig_UserThenProject(t *testing.T) {
	userPath, projectPath := isolatePaths(t, t.TempDir())

	writeConfig(t, userPath, `
fixtures:
  bundle: basic-customers
  overrides:
    routes: dense-routes
safety:
  marker: QA_
timeouts:
  setupTimeout: 10s
logLevel: debug
`)
	writeConfig(t, projectPath, `
fixtures:
  overrides:
    tickets: busy-tickets
live:
  store: kube://qa
safety:
  boundary: {minLat: 40.5, maxLat: 41.0, minLng: -74.3, maxLng: -73.7}
timeouts:
  cleanupTimeout: 5s
  elementWait: 2s
`)

	loaded, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "basic-customers", loaded.Fixtures.Bundle)
	assert.Equal(t, map[string]string{"routes": "dense-routes", "tickets": "busy-tickets"}, loaded.Fixtures.Overrides)
	assert.Equal(t, "QA_", loaded.Safety.Marker)
	require.NotNil(t, loaded.Safety.Boundary)
	assert.Equal(t, 41.0, loaded.Safety.Boundary.MaxLat)
	assert.Equal(t, "kube://qa", loaded.Live.Store)
	assert.Equal(t, "debug", loaded.LogLevel)

	timeouts := loaded.ManagerTimeouts()
	assert.Equal(t, 10*time.Second, timeouts.Setup)
	assert.Equal(t, 30*time.Second, timeouts.Validate)
	assert.Equal(t, 5*time.Second, timeouts.Cleanup)

	assert.Equal(t, 2*time.Second, loaded.Timeouts.ElementWait)
	assert.Empty(t, loaded.ElementPolicies())
}

func TestElementPolicies_OnlyConfiguredModes(t *testing.T) {
	c := GetDefaultConfig()
	c.Elements.Policies = map[string]elements.Policy{
		"Production": {Timeout: 20 * time.Second, Retries: 5},
	}
	c.Timeouts.ElementWait = time.Second

	policies := c.ElementPolicies()
	require.Len(t, policies, 1)
	assert.Equal(t, elements.Policy{Timeout: 20 * time.Second, Retries: 5}, policies[mode.Production])
}

func TestLoadConfig_EnvironmentWins(t *testing.T) {
	_, projectPath := isolatePaths(t, t.TempDir())
	writeConfig(t, projectPath, "live:\n  store: kube://qa\nmode:\n  default: isolated\n")

	t.Setenv("TESTCTX_MODE", "Dual")
	t.Setenv("TESTCTX_MODE_DEFAULT", "production")
	t.Setenv("TESTCTX_LIVE_STORE", "mem://live")
	t.Setenv("TESTCTX_LIVE_TOKEN", "secret")
	t.Setenv("TESTCTX_FIXTURE_DB_DIR", "/tmp/fixtures")
	t.Setenv("TESTCTX_TEST_MARKER", "E2E_")
	osEnviron = func() []string {
		return []string{"PATH=/bin", "TESTCTX_FIXTURE_BUNDLE_ROUTES=dense-routes", "TESTCTX_FIXTURE_BUNDLE_=ignored"}
	}

	loaded, err := LoadConfig()
	require.NoError(t, err)

	env := loaded.Environment()
	assert.Equal(t, mode.Dual, env.Override)
	assert.Equal(t, mode.Production, env.Default)
	assert.Equal(t, "mem://live", env.LiveStore)
	assert.Equal(t, "secret", env.LiveCredentials)
	assert.Equal(t, "/tmp/fixtures", env.FixtureStoreDir)
	assert.Equal(t, "E2E_", loaded.Safety.Marker)
	assert.Equal(t, map[string]string{"routes": "dense-routes"}, loaded.Fixtures.Overrides)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad yaml", "mode: [", "error loading project config"},
		{"bad override", "mode:\n  override: staging\n", "invalid mode override"},
		{"bad default", "mode:\n  default: staging\n", "invalid default mode"},
		{"bad policy", "elements:\n  policies:\n    staging: {timeout: 1s}\n", "invalid element policy"},
		{"inverted boundary", "safety:\n  boundary: {minLat: 41, maxLat: 40, minLng: 0, maxLng: 1}\n", "invalid safety boundary"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, projectPath := isolatePaths(t, t.TempDir())
			writeConfig(t, projectPath, tt.content)
			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	isolatePaths(t, t.TempDir())
	path := filepath.Join(t.TempDir(), "ci.yaml")
	writeConfig(t, path, "scenarios:\n  path: ci/scenarios\nelements:\n  file: ci/elements.yaml\n")

	loaded, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ci/scenarios", loaded.Scenarios.Path)
	assert.Equal(t, "ci/elements.yaml", loaded.Elements.File)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBundleOverrides(t *testing.T) {
	got := bundleOverrides([]string{
		"TESTCTX_FIXTURE_BUNDLE_CUSTOMERS=vip-customers",
		"TESTCTX_FIXTURE_BUNDLE_TICKETS= ",
		"TESTCTX_FIXTURE_BUNDLE=default",
		"HOME=/root",
	})
	assert.Equal(t, map[string]string{"customers": "vip-customers"}, got)
}

func TestEnvironmentVariables(t *testing.T) {
	vars := EnvironmentVariables()
	assert.Contains(t, vars, "TESTCTX_MODE_DEFAULT")
	assert.Contains(t, vars, "TESTCTX_FIXTURE_DB_DIR")
	assert.Contains(t, vars, "TESTCTX_FIXTURE_BUNDLE_<KIND>")
	assert.Contains(t, vars, mode.EnvLiveStore)
}
