package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment variable testctx reads.
	EnvPrefix = "TESTCTX"
	// fixtureBundlePrefix is followed by an entity kind, e.g. TESTCTX_FIXTURE_BUNDLE_ROUTES.
	fixtureBundlePrefix = EnvPrefix + "_FIXTURE_BUNDLE_"
)

// Keys read from the environment. With the prefix applied, "mode_default"
// is TESTCTX_MODE_DEFAULT.
const (
	keyMode          = "mode"
	keyModeDefault   = "mode_default"
	keyFixtureDir    = "fixture_dir"
	keyFixtureBundle = "fixture_bundle"
	keyFixtureDBDir  = "fixture_db_dir"
	keyLiveStore     = "live_store"
	keyLiveToken     = "live_token"
	keyTestMarker    = "test_marker"
	keyManifestDir   = "manifest_dir"
	keyLogLevel      = "log_level"
)

// For mocking in tests
var osEnviron = os.Environ

// envReader reads TESTCTX_ variables.
type envReader struct {
	v *viper.Viper
}

func newEnvReader() envReader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	return envReader{v: v}
}

func (r envReader) get(key string) string {
	return strings.TrimSpace(r.v.GetString(key))
}

// applyEnvironment overlays TESTCTX_ variables on c.
func applyEnvironment(c TestctxConfig, env envReader) TestctxConfig {
	setString(&c.Mode.Override, env.get(keyMode))
	setString(&c.Mode.Default, env.get(keyModeDefault))
	setString(&c.Fixtures.Dir, env.get(keyFixtureDir))
	setString(&c.Fixtures.Bundle, env.get(keyFixtureBundle))
	setString(&c.Fixtures.StoreDir, env.get(keyFixtureDBDir))
	setString(&c.Live.Store, env.get(keyLiveStore))
	setString(&c.Live.Token, env.get(keyLiveToken))
	setString(&c.Safety.Marker, env.get(keyTestMarker))
	setString(&c.Live.ManifestDir, env.get(keyManifestDir))
	setString(&c.LogLevel, env.get(keyLogLevel))

	if overrides := bundleOverrides(osEnviron()); len(overrides) > 0 {
		merged := make(map[string]string, len(c.Fixtures.Overrides)+len(overrides))
		for k, v := range c.Fixtures.Overrides {
			merged[k] = v
		}
		for k, v := range overrides {
			merged[k] = v
		}
		c.Fixtures.Overrides = merged
	}

	c.Mode.Override = strings.ToLower(c.Mode.Override)
	c.Mode.Default = strings.ToLower(c.Mode.Default)
	return c
}

// bundleOverrides scans environ for per-entity bundle variables.
func bundleOverrides(environ []string) map[string]string {
	out := map[string]string{}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, fixtureBundlePrefix) {
			continue
		}
		kind := strings.ToLower(strings.TrimPrefix(key, fixtureBundlePrefix))
		value = strings.TrimSpace(value)
		if kind == "" || value == "" {
			continue
		}
		out[kind] = value
	}
	return out
}

// EnvironmentVariables lists the variables testctx reads, for help output.
func EnvironmentVariables() []string {
	keys := []string{keyMode, keyModeDefault, keyFixtureDir, keyFixtureBundle, keyFixtureDBDir,
		keyLiveStore, keyLiveToken, keyTestMarker, keyManifestDir, keyLogLevel}
	out := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		out = append(out, EnvPrefix+"_"+strings.ToUpper(k))
	}
	return append(out, fixtureBundlePrefix+"<KIND>")
}
