package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"testctx/internal/app"
	scenario "testctx/internal/testing"
	"testctx/pkg/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	runTimeout      time.Duration
	runVerbose      bool
	runScenario     string
	runTags         []string
	runScenarioPath string
	runReportPath   string
	runFormat       string
	runFailFast     bool
	runParallel     int
	runMetricsAddr  string
)

// errSuiteFailed makes the process exit non-zero without repeating the report.
var errSuiteFailed = errors.New("one or more scenarios failed")

// completeScenarioFlag provides shell completion for the scenario flag by loading available scenarios
func completeScenarioFlag(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	path := runScenarioPath
	if path == "" {
		path = scenario.GetDefaultScenarioPath()
	}

	scenarios, err := scenario.NewTestScenarioLoader(false).LoadScenarios(path)
	if err != nil {
		return []string{}, cobra.ShellCompDirectiveDefault
	}

	var names []string
	for _, s := range scenarios {
		names = append(names, s.Name)
	}
	return names, cobra.ShellCompDirectiveDefault
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run YAML test scenarios in their tagged modes",
		Long: `The run command loads YAML test scenarios and runs each one against a data
context in the mode its tags ask for.

Scenario tags:
- isolated (or untagged): fixture bundles in a disposable store
- production: pre-existing test-marked records in the live store
- dual: production when available, isolated otherwise

Results:
- PASSED: every step met its expectation
- FAILED: a step missed its expectation, or no mode could provide a context
- SKIPPED: the scenario's mode is not configured in this environment
- ERROR: a step is malformed or could not finish

Example usage:
  testctx run                                  # Run every scenario
  testctx run --scenario='route-*'             # Run scenarios matching a glob
  testctx run --tags=smoke                     # Run scenarios tagged smoke
  testctx run --parallel=4 --fail-fast         # Four workers, stop at first failure
  testctx run --format=json --report=out/      # JSON on stdout and a report file
  testctx run --metrics-addr=:9102             # Expose context metrics while running`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if runParallel < 1 || runParallel > 10 {
				return fmt.Errorf("parallel workers must be between 1 and 10, got %d", runParallel)
			}
			return nil
		},
		RunE: runScenarios,
	}

	cmd.Flags().DurationVar(&runTimeout, "timeout", 30*time.Minute, "Overall test execution timeout")
	cmd.Flags().BoolVar(&runVerbose, "verbose", false, "Show every step result")
	cmd.Flags().StringVar(&runScenario, "scenario", "", "Run scenarios by name or glob")
	cmd.Flags().StringSliceVar(&runTags, "tags", nil, "Run scenarios carrying any of these tags")
	cmd.Flags().StringVar(&runScenarioPath, "scenarios", "", "Scenario file or directory (default: config scenarios.path)")
	cmd.Flags().StringVar(&runReportPath, "report", "", "Save a JSON report to this file or directory")
	cmd.Flags().StringVar(&runFormat, "format", "console", "Output format (console, quiet, json)")
	cmd.Flags().BoolVar(&runFailFast, "fail-fast", false, "Stop test execution on first failure")
	cmd.Flags().IntVar(&runParallel, "parallel", 1, "Number of parallel test workers (1-10)")
	cmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")

	_ = cmd.RegisterFlagCompletionFunc("scenario", completeScenarioFlag)
	_ = cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"console", "quiet", "json"}, cobra.ShellCompDirectiveDefault
	})
	return cmd
}

func runScenarios(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := app.NewConfig(debug, configPath)
	cfg.JSONLogs = jsonLogs
	cfg.LogOutput = cmd.ErrOrStderr()

	if runMetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		cfg.Registerer = reg
		shutdown := serveMetrics(runMetricsAddr, reg)
		defer shutdown()
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		return err
	}
	services := application.Services()

	path := runScenarioPath
	if path == "" {
		path = application.Settings().Scenarios.Path
	}

	framework, err := scenario.NewTestFramework(scenario.FrameworkOptions{
		Hooks:      services.Hooks,
		Elements:   services.Elements,
		Validator:  services.Validator,
		Output:     cmd.OutOrStdout(),
		Format:     runFormat,
		Verbose:    runVerbose,
		Debug:      debug,
		ReportPath: runReportPath,
	})
	if err != nil {
		return err
	}

	scenarios, err := framework.Loader.LoadScenarios(path)
	if err != nil {
		return fmt.Errorf("failed to load test scenarios: %w", err)
	}
	if len(scenarios) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No test scenarios found in %s\n", path)
		return nil
	}

	config := scenario.TestConfiguration{
		Timeout:      runTimeout,
		Scenario:     runScenario,
		Tags:         runTags,
		Parallel:     runParallel,
		FailFast:     runFailFast,
		Verbose:      runVerbose,
		Debug:        debug,
		ScenarioPath: path,
		ReportPath:   runReportPath,
	}
	if err := scenario.ValidateConfiguration(config); err != nil {
		return err
	}

	result, err := framework.Runner.Run(ctx, config, scenarios)
	if err != nil {
		return fmt.Errorf("test execution failed: %w", err)
	}

	if runReportPath != "" && runFormat != "console" {
		if _, err := scenario.SaveReport(runReportPath, *result); err != nil {
			return err
		}
	}

	if !result.Succeeded() {
		return errSuiteFailed
	}
	return nil
}

// serveMetrics exposes reg on addr until the returned function is called.
func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logging.Info("Metrics", "Serving metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Metrics", err, "Metrics server stopped")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
