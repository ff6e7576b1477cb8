package app

import (
	"io"

	"testctx/internal/config"

	"github.com/prometheus/client_golang/prometheus"
)

// Config holds the application configuration
type Config struct {
	// Debug settings
	Debug bool

	// JSONLogs switches log output to structured JSON.
	JSONLogs bool

	// ConfigPath names an explicit config file instead of the layered lookup.
	ConfigPath string

	// LogOutput receives log entries. Defaults to stderr.
	LogOutput io.Writer

	// Registerer receives the context manager metrics. Nil keeps them private.
	Registerer prometheus.Registerer

	// Settings is the loaded testctx configuration.
	Settings *config.TestctxConfig
}

// NewConfig creates a new application configuration
func NewConfig(debug bool, configPath string) *Config {
	return &Config{
		Debug:      debug,
		ConfigPath: configPath,
	}
}
