package testing

import (
	"fmt"
	"io"
	"time"

	"testctx/internal/elements"
	"testctx/internal/safety"
)

// DefaultTestConfiguration returns a default test configuration
func DefaultTestConfiguration() TestConfiguration {
	return TestConfiguration{
		Timeout:      30 * time.Minute,
		Parallel:     1,
		ScenarioPath: GetDefaultScenarioPath(),
	}
}

// TestFramework holds all components needed for testing
type TestFramework struct {
	Runner   TestRunner
	Loader   TestScenarioLoader
	Reporter TestReporter
	Hooks    Hooks
}

// FrameworkOptions configure NewTestFramework.
type FrameworkOptions struct {
	Hooks     Hooks
	Elements  *elements.Registry
	Validator *safety.Validator
	// Output receives console output. Defaults to stdout.
	Output io.Writer
	// Format is "console" (default), "quiet" or "json".
	Format     string
	Verbose    bool
	Debug      bool
	ReportPath string
}

// NewTestFramework creates a fully configured test framework
func NewTestFramework(opts FrameworkOptions) (*TestFramework, error) {
	if opts.Hooks == nil {
		return nil, fmt.Errorf("test framework needs scenario hooks")
	}

	var reporter TestReporter
	switch opts.Format {
	case "", "console":
		reporter = NewTestReporter(opts.Output, opts.Verbose || opts.Debug, opts.Debug, opts.ReportPath)
	case "quiet":
		reporter = NewQuietReporter(opts.Output)
	case "json":
		reporter = NewJSONReporter(opts.Output)
	default:
		return nil, fmt.Errorf("unknown report format %q (want console, quiet or json)", opts.Format)
	}

	loader := NewTestScenarioLoader(opts.Debug)
	runner := NewTestRunner(loader, reporter, opts.Hooks, RunnerOptions{
		Elements:  opts.Elements,
		Validator: opts.Validator,
		Debug:     opts.Debug,
	})

	return &TestFramework{
		Runner:   runner,
		Loader:   loader,
		Reporter: reporter,
		Hooks:    opts.Hooks,
	}, nil
}

// ValidateConfiguration validates a test configuration
func ValidateConfiguration(config TestConfiguration) error {
	if config.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if config.Parallel < 1 {
		return fmt.Errorf("parallel workers must be at least 1")
	}
	return nil
}
