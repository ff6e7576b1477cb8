package app

import (
	"context"
	"fmt"
	"os"

	"testctx/internal/config"
	"testctx/internal/provider"
	"testctx/pkg/logging"
)

// Application is the main application structure that bootstraps testctx
type Application struct {
	config   *Config
	services *Services
}

// NewApplication loads configuration and initializes every service.
func NewApplication(cfg *Config) (*Application, error) {
	if cfg.LogOutput == nil {
		cfg.LogOutput = os.Stderr
	}
	initLogging(cfg, logging.LevelInfo)

	if cfg.Settings == nil {
		settings, err := loadSettings(cfg)
		if err != nil {
			logging.Error("Bootstrap", err, "Failed to load testctx configuration")
			return nil, err
		}
		cfg.Settings = &settings
	}
	initLogging(cfg, logging.ParseLevel(cfg.Settings.LogLevel))

	services, err := InitializeServices(cfg)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to initialize services")
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return &Application{
		config:   cfg,
		services: services,
	}, nil
}

func initLogging(cfg *Config, level logging.LogLevel) {
	if cfg.Debug {
		level = logging.LevelDebug
	}
	if cfg.JSONLogs {
		logging.InitForJSON(level, cfg.LogOutput)
		return
	}
	logging.InitForCLI(level, cfg.LogOutput)
}

func loadSettings(cfg *Config) (config.TestctxConfig, error) {
	if cfg.ConfigPath != "" {
		settings, err := config.LoadConfigFile(cfg.ConfigPath)
		if err != nil {
			return config.TestctxConfig{}, fmt.Errorf("failed to load testctx configuration from path %s: %w", cfg.ConfigPath, err)
		}
		logging.Info("Bootstrap", "Loaded configuration from custom path: %s", cfg.ConfigPath)
		return settings, nil
	}
	settings, err := config.LoadConfig()
	if err != nil {
		return config.TestctxConfig{}, fmt.Errorf("failed to load testctx configuration: %w", err)
	}
	logging.Debug("Bootstrap", "Loaded configuration using layered approach")
	return settings, nil
}

// Config returns the application configuration.
func (a *Application) Config() *Config {
	return a.config
}

// Settings returns the loaded testctx configuration.
func (a *Application) Settings() config.TestctxConfig {
	return *a.config.Settings
}

// Services returns the initialized services.
func (a *Application) Services() *Services {
	return a.services
}

// CleanupLeftovers replays every leftover cleanup manifest against the live
// store it names. runID limits the replay to one run when set.
func (a *Application) CleanupLeftovers(ctx context.Context, runID string) ([]provider.ReplayResult, error) {
	manifests, err := a.services.Manifests.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list cleanup manifests in %s: %w", a.services.Manifests.Dir(), err)
	}

	var results []provider.ReplayResult
	for _, man := range manifests {
		if runID != "" && man.RunID != runID {
			continue
		}
		descriptor := man.Store
		if descriptor == "" {
			descriptor = a.Settings().Live.Store
		}
		live, err := a.services.openLive(ctx, descriptor)
		if err != nil {
			return results, fmt.Errorf("failed to open live store for run %s: %w", man.RunID, err)
		}
		res := a.services.Manifests.Replay(ctx, man, live, a.services.Validator)
		if cerr := live.Close(); cerr != nil {
			logging.Warn("Bootstrap", "Failed to close live store %s: %v", descriptor, cerr)
		}
		results = append(results, res)
	}
	return results, nil
}
