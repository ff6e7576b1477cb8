package testing

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"testctx/internal/color"
)

const nameColumnWidth = 40

// testReporter implements the TestReporter interface
type testReporter struct {
	out        io.Writer
	verbose    bool
	debug      bool
	reportPath string
}

// NewTestReporter creates a console reporter writing to out. When
// reportPath is set the suite result is also saved there as JSON.
func NewTestReporter(out io.Writer, verbose, debug bool, reportPath string) TestReporter {
	if out == nil {
		out = os.Stdout
	}
	return &testReporter{
		out:        out,
		verbose:    verbose,
		debug:      debug,
		reportPath: reportPath,
	}
}

// ReportStart is called when test execution begins
func (r *testReporter) ReportStart(config TestConfiguration) {
	fmt.Fprintln(r.out, color.TitleStyle.Render("testctx scenario run"))

	if r.verbose {
		fmt.Fprintf(r.out, "  scenarios: %s\n", stringOrDefault(config.ScenarioPath, GetDefaultScenarioPath()))
		fmt.Fprintf(r.out, "  filter:    %s\n", stringOrDefault(config.Scenario, "all"))
		if len(config.Tags) > 0 {
			fmt.Fprintf(r.out, "  tags:      %s\n", strings.Join(config.Tags, ", "))
		}
		fmt.Fprintf(r.out, "  workers:   %d\n", max(config.Parallel, 1))
		fmt.Fprintf(r.out, "  fail fast: %t\n", config.FailFast)
		if config.Timeout > 0 {
			fmt.Fprintf(r.out, "  timeout:   %v\n", config.Timeout)
		}
		if config.ReportPath != "" {
			fmt.Fprintf(r.out, "  report:    %s\n", config.ReportPath)
		}
		fmt.Fprintln(r.out)
	}
}

// ReportScenarioStart is called when a scenario begins
func (r *testReporter) ReportScenarioStart(scenario TestScenario) {
	if !r.verbose {
		return
	}
	fmt.Fprintf(r.out, "%s %s\n", color.InfoStyle.Render("▶"), scenario.Name)
	if scenario.Description != "" {
		fmt.Fprintf(r.out, "  %s\n", color.SubtleStyle.Render(scenario.Description))
	}
	if len(scenario.Tags) > 0 {
		fmt.Fprintf(r.out, "  tags: %s\n", strings.Join(scenario.Tags, ", "))
	}
}

// ReportStepResult is called when a step completes
func (r *testReporter) ReportStepResult(stepResult TestStepResult) {
	if !r.verbose {
		return
	}
	label := color.ForResult(string(stepResult.Result)).Render(string(stepResult.Result))
	fmt.Fprintf(r.out, "    %s %s %s\n", label, stepResult.Step.Name, color.SubtleStyle.Render(stepResult.Duration.Round(time.Millisecond).String()))
	if stepResult.RetryCount > 0 {
		fmt.Fprintf(r.out, "      retries: %d\n", stepResult.RetryCount)
	}
	if stepResult.Error != "" {
		fmt.Fprintf(r.out, "      %s\n", color.ErrorStyle.Render(stepResult.Error))
	}
	if r.debug && stepResult.Response != nil {
		if s := formatResponse(stepResult.Response); s != "" {
			fmt.Fprintf(r.out, "      response: %s\n", s)
		}
	}
}

// ReportScenarioResult is called when a scenario completes
func (r *testReporter) ReportScenarioResult(sr TestScenarioResult) {
	label := color.ForResult(string(sr.Result)).Render(fmt.Sprintf("%-7s", sr.Result))
	modeLabel := "-"
	if sr.Mode != "" {
		modeLabel = color.ForMode(string(sr.Mode)).Render(fmt.Sprintf("%-10s", sr.Mode))
	} else {
		modeLabel = fmt.Sprintf("%-10s", modeLabel)
	}
	fmt.Fprintf(r.out, "%s %s %s %s\n", label, color.Pad(sr.Scenario.Name, nameColumnWidth), modeLabel,
		color.SubtleStyle.Render(sr.Duration.Round(time.Millisecond).String()))

	if sr.Error != "" {
		fmt.Fprintf(r.out, "        %s\n", sr.Error)
	}
	if r.verbose {
		for _, a := range sr.Attempts {
			if a.Error != "" {
				fmt.Fprintf(r.out, "        %s attempt: %s\n", a.Mode, a.Error)
			}
		}
		if sr.Report != nil {
			fmt.Fprintf(r.out, "        %s\n", color.SubtleStyle.Render(sr.Report.Summary()))
		}
	}
	for _, w := range sr.Warnings {
		fmt.Fprintf(r.out, "        %s\n", color.WarningStyle.Render("warning: "+w))
	}
}

// ReportSuiteResult is called when all tests complete
func (r *testReporter) ReportSuiteResult(suiteResult TestSuiteResult) {
	fmt.Fprintln(r.out)
	fmt.Fprintf(r.out, "%s in %v\n", color.TitleStyle.Render("Suite complete"), suiteResult.Duration.Round(time.Millisecond))
	fmt.Fprintf(r.out, "  %s %d\n", color.SuccessStyle.Render("passed: "), suiteResult.PassedScenarios)
	if suiteResult.FailedScenarios > 0 {
		fmt.Fprintf(r.out, "  %s %d\n", color.ErrorStyle.Render("failed: "), suiteResult.FailedScenarios)
	}
	if suiteResult.ErrorScenarios > 0 {
		fmt.Fprintf(r.out, "  %s %d\n", color.ErrorStyle.Render("errors: "), suiteResult.ErrorScenarios)
	}
	if suiteResult.SkippedScenarios > 0 {
		fmt.Fprintf(r.out, "  %s %d\n", color.WarningStyle.Render("skipped:"), suiteResult.SkippedScenarios)
	}
	fmt.Fprintf(r.out, "  total:   %d\n", suiteResult.TotalScenarios)

	if r.reportPath != "" {
		path, err := SaveReport(r.reportPath, suiteResult)
		if err != nil {
			fmt.Fprintf(r.out, "%s\n", color.WarningStyle.Render(fmt.Sprintf("failed to save report: %v", err)))
		} else {
			fmt.Fprintf(r.out, "report saved to %s\n", path)
		}
	}
}

// SaveReport writes the suite result as JSON. A path ending in .json is
// used as is; anything else is treated as a directory that receives a
// timestamped file. The written path is returned.
func SaveReport(reportPath string, suiteResult TestSuiteResult) (string, error) {
	fullPath := reportPath
	if !strings.EqualFold(filepath.Ext(reportPath), ".json") {
		timestamp := time.Now().Format("20060102-150405")
		fullPath = filepath.Join(reportPath, fmt.Sprintf("testctx-report-%s.json", timestamp))
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	data, err := json.MarshalIndent(suiteResult, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report to JSON: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write report file: %w", err)
	}
	return fullPath, nil
}

// formatResponse formats response data for display
func formatResponse(response interface{}) string {
	if response == nil {
		return ""
	}
	if b, err := json.Marshal(response); err == nil {
		return color.Truncate(string(b), 200)
	}
	return color.Truncate(fmt.Sprintf("%v", response), 200)
}

func stringOrDefault(s, defaultValue string) string {
	if s == "" {
		return defaultValue
	}
	return s
}

// NewQuietReporter creates a reporter that only outputs failures and a
// one-line summary.
func NewQuietReporter(out io.Writer) TestReporter {
	if out == nil {
		out = os.Stdout
	}
	return &quietReporter{out: out}
}

// quietReporter implements minimal output for CI/CD integration
type quietReporter struct {
	out io.Writer
}

func (r *quietReporter) ReportStart(config TestConfiguration) {}
func (r *quietReporter) ReportScenarioStart(scenario TestScenario) {}
func (r *quietReporter) ReportStepResult(stepResult TestStepResult) {}

func (r *quietReporter) ReportScenarioResult(sr TestScenarioResult) {
	if failed(sr.Result) {
		fmt.Fprintf(r.out, "%s %s: %s\n", sr.Result, sr.Scenario.Name, sr.Error)
	}
}

func (r *quietReporter) ReportSuiteResult(suiteResult TestSuiteResult) {
	if suiteResult.Succeeded() {
		fmt.Fprintf(r.out, "all %d scenarios passed (%d skipped)\n", suiteResult.PassedScenarios, suiteResult.SkippedScenarios)
		return
	}
	fmt.Fprintf(r.out, "%d/%d scenarios failed\n",
		suiteResult.FailedScenarios+suiteResult.ErrorScenarios, suiteResult.TotalScenarios)
}

// NewJSONReporter creates a reporter that prints the suite result as JSON.
func NewJSONReporter(out io.Writer) TestReporter {
	if out == nil {
		out = os.Stdout
	}
	return &jsonReporter{out: out}
}

// jsonReporter implements JSON output for machine consumption
type jsonReporter struct {
	out io.Writer
}

func (r *jsonReporter) ReportStart(config TestConfiguration) {}
func (r *jsonReporter) ReportScenarioStart(scenario TestScenario) {}
func (r *jsonReporter) ReportStepResult(stepResult TestStepResult) {}
func (r *jsonReporter) ReportScenarioResult(sr TestScenarioResult) {}

func (r *jsonReporter) ReportSuiteResult(suiteResult TestSuiteResult) {
	data, err := json.MarshalIndent(suiteResult, "", "  ")
	if err != nil {
		fmt.Fprintf(r.out, `{"error": %q}`+"\n", err.Error())
		return
	}
	fmt.Fprintln(r.out, string(data))
}
