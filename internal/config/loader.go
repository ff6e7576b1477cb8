package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"testctx/internal/elements"
	"testctx/internal/mode"
	"testctx/pkg/logging"

	"gopkg.in/yaml.v3"
)

// For mocking in tests
var osUserHomeDir = os.UserHomeDir
var osGetwd = os.Getwd

const (
	userConfigDir    = ".config/testctx"
	projectConfigDir = ".testctx"
	configFileName   = "config.yaml"
)

// LoadConfig loads the testctx configuration by layering default, user and
// project settings, then the TESTCTX_ environment.
func LoadConfig() (TestctxConfig, error) {
	config := GetDefaultConfig()

	userConfigPath, err := getUserConfigPath()
	if err != nil {
		logging.Warn("Config", "Could not determine user config path: %v", err)
	} else if config, err = overlayFile(config, userConfigPath); err != nil {
		return TestctxConfig{}, fmt.Errorf("error loading user config from %s: %w", userConfigPath, err)
	}

	projectConfigPath, err := getProjectConfigPath()
	if err != nil {
		logging.Warn("Config", "Could not determine project config path: %v", err)
	} else if config, err = overlayFile(config, projectConfigPath); err != nil {
		return TestctxConfig{}, fmt.Errorf("error loading project config from %s: %w", projectConfigPath, err)
	}

	config = applyEnvironment(config, newEnvReader())

	if err := Validate(config); err != nil {
		return TestctxConfig{}, err
	}
	return config, nil
}

// LoadConfigFile loads defaults, the given file and the environment. It is
// used when --config names an explicit file.
func LoadConfigFile(path string) (TestctxConfig, error) {
	if _, err := os.Stat(path); err != nil {
		return TestctxConfig{}, fmt.Errorf("config file %s: %w", path, err)
	}
	config, err := overlayFile(GetDefaultConfig(), path)
	if err != nil {
		return TestctxConfig{}, fmt.Errorf("error loading config from %s: %w", path, err)
	}
	config = applyEnvironment(config, newEnvReader())
	if err := Validate(config); err != nil {
		return TestctxConfig{}, err
	}
	return config, nil
}

var getUserConfigPath = func() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir, configFileName), nil
}

var getProjectConfigPath = func() (string, error) {
	wd, err := osGetwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, projectConfigDir, configFileName), nil
}

// overlayFile merges the file at path into base. A missing file is not an error.
func overlayFile(base TestctxConfig, path string) (TestctxConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return base, nil
	}
	overlay, err := loadConfigFromFile(path)
	if err != nil {
		return base, err
	}
	logging.Debug("Config", "Loaded config layer %s", path)
	return mergeConfigs(base, overlay), nil
}

// loadConfigFromFile loads a TestctxConfig from a YAML file.
func loadConfigFromFile(filePath string) (TestctxConfig, error) {
	var config TestctxConfig
	data, err := os.ReadFile(filePath)
	if err != nil {
		return TestctxConfig{}, err
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return TestctxConfig{}, err
	}
	return config, nil
}

// mergeConfigs merges 'overlay' config into 'base' config. Set fields in the
// overlay win; fixture overrides and element policies merge by key.
func mergeConfigs(base, overlay TestctxConfig) TestctxConfig {
	merged := base

	setString(&merged.Mode.Override, overlay.Mode.Override)
	setString(&merged.Mode.Default, overlay.Mode.Default)

	setString(&merged.Fixtures.Dir, overlay.Fixtures.Dir)
	setString(&merged.Fixtures.Bundle, overlay.Fixtures.Bundle)
	setString(&merged.Fixtures.StoreDir, overlay.Fixtures.StoreDir)
	setString(&merged.Fixtures.SchemaVer, overlay.Fixtures.SchemaVer)
	if len(overlay.Fixtures.Overrides) > 0 {
		overrides := make(map[string]string, len(base.Fixtures.Overrides)+len(overlay.Fixtures.Overrides))
		for k, v := range base.Fixtures.Overrides {
			overrides[k] = v
		}
		for k, v := range overlay.Fixtures.Overrides {
			overrides[k] = v
		}
		merged.Fixtures.Overrides = overrides
	}

	setString(&merged.Live.Store, overlay.Live.Store)
	setString(&merged.Live.ManifestDir, overlay.Live.ManifestDir)
	if len(overlay.Live.RequiredKinds) > 0 {
		merged.Live.RequiredKinds = overlay.Live.RequiredKinds
	}

	setString(&merged.Safety.Marker, overlay.Safety.Marker)
	if overlay.Safety.Boundary != nil {
		merged.Safety.Boundary = overlay.Safety.Boundary
	}
	if len(overlay.Safety.AllowedOwners) > 0 {
		merged.Safety.AllowedOwners = overlay.Safety.AllowedOwners
	}

	if overlay.Timeouts.Setup > 0 {
		merged.Timeouts.Setup = overlay.Timeouts.Setup
	}
	if overlay.Timeouts.Validate > 0 {
		merged.Timeouts.Validate = overlay.Timeouts.Validate
	}
	if overlay.Timeouts.Cleanup > 0 {
		merged.Timeouts.Cleanup = overlay.Timeouts.Cleanup
	}
	if overlay.Timeouts.ElementWait > 0 {
		merged.Timeouts.ElementWait = overlay.Timeouts.ElementWait
	}

	setString(&merged.Elements.File, overlay.Elements.File)
	for name, p := range overlay.Elements.Policies {
		if merged.Elements.Policies == nil {
			merged.Elements.Policies = map[string]elements.Policy{}
		}
		merged.Elements.Policies[name] = p
	}

	setString(&merged.Scenarios.Path, overlay.Scenarios.Path)
	setString(&merged.LogLevel, overlay.LogLevel)

	return merged
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate checks the mode names in a loaded config.
func Validate(c TestctxConfig) error {
	if c.Mode.Override != "" {
		if _, err := mode.Parse(c.Mode.Override); err != nil {
			return fmt.Errorf("invalid mode override: %w", err)
		}
	}
	if c.Mode.Default != "" {
		if _, err := mode.Parse(c.Mode.Default); err != nil {
			return fmt.Errorf("invalid default mode: %w", err)
		}
	}
	for name := range c.Elements.Policies {
		if _, err := mode.Parse(name); err != nil {
			return fmt.Errorf("invalid element policy: %w", err)
		}
	}
	if b := c.Safety.Boundary; b != nil && (b.MinLat > b.MaxLat || b.MinLng > b.MaxLng) {
		return fmt.Errorf("invalid safety boundary %s", b)
	}
	for kind := range c.Fixtures.Overrides {
		if strings.TrimSpace(kind) == "" {
			return fmt.Errorf("fixture override with empty entity kind")
		}
	}
	return nil
}

// GetUserConfigDir returns the user configuration directory path
func GetUserConfigDir() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir), nil
}
