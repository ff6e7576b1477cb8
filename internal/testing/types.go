package testing

import (
	"context"
	"time"

	"testctx/internal/manager"
	"testctx/internal/mode"
	"testctx/internal/report"
)

// TestResult represents the result of test execution
type TestResult string

const (
	// ResultPassed indicates the test passed successfully
	ResultPassed TestResult = "PASSED"
	// ResultFailed indicates the test failed
	ResultFailed TestResult = "FAILED"
	// ResultSkipped indicates the test was skipped
	ResultSkipped TestResult = "SKIPPED"
	// ResultError indicates an error occurred during test execution
	ResultError TestResult = "ERROR"
)

// TestConfiguration defines the overall test execution configuration
type TestConfiguration struct {
	// Timeout is the overall test execution timeout
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// Scenario filters by scenario name; shell globs are allowed
	Scenario string `yaml:"scenario,omitempty" json:"scenario,omitempty"`
	// Tags keeps scenarios carrying at least one of these tags
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	// Parallel is the number of parallel test workers
	Parallel int `yaml:"parallel" json:"parallel"`
	// FailFast stops execution on first failure
	FailFast bool `yaml:"fail_fast" json:"fail_fast"`
	// Verbose enables detailed output
	Verbose bool `yaml:"verbose" json:"verbose"`
	// Debug enables debug logging
	Debug bool `yaml:"debug" json:"debug"`
	// ScenarioPath is the file or directory of scenario definitions
	ScenarioPath string `yaml:"scenario_path,omitempty" json:"scenario_path,omitempty"`
	// ReportPath is where the JSON report is written
	ReportPath string `yaml:"report_path,omitempty" json:"report_path,omitempty"`
}

// TestScenario defines a single test scenario
type TestScenario struct {
	// Name is the unique identifier for the scenario
	Name string `yaml:"name" json:"name"`
	// Description provides human-readable scenario description
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Tags select the test mode (isolated, production, dual) and filter runs
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	// Fixture overrides the default fixture bundle in isolated mode
	Fixture string `yaml:"fixture,omitempty" json:"fixture,omitempty"`
	// Steps define the test execution steps
	Steps []TestStep `yaml:"steps" json:"steps"`
	// Cleanup defines teardown steps, run even when a step failed
	Cleanup []TestStep `yaml:"cleanup,omitempty" json:"cleanup,omitempty"`
	// Timeout for this specific scenario
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Source is the file the scenario was loaded from
	Source string `yaml:"-" json:"source,omitempty"`
}

// TestStep defines a single step within a test scenario
type TestStep struct {
	// Name is the step identifier
	Name string `yaml:"name" json:"name"`
	// Description explains what the step does
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Action is the built-in action to run, e.g. expect-count
	Action string `yaml:"action" json:"action"`
	// Params are the action parameters
	Params map[string]interface{} `yaml:"params,omitempty" json:"params,omitempty"`
	// Expected defines the expected outcome
	Expected TestExpectation `yaml:"expected,omitempty" json:"expected,omitempty"`
	// Retry configuration for this step
	Retry *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`
	// Timeout for this specific step
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// TestExpectation defines what result is expected from a test step
type TestExpectation struct {
	// Success indicates whether the action should succeed. Defaults to true.
	Success *bool `yaml:"success,omitempty" json:"success,omitempty"`
	// ErrorContains checks if error message contains specific text
	ErrorContains []string `yaml:"error_contains,omitempty" json:"error_contains,omitempty"`
	// Contains checks if response contains specific text
	Contains []string `yaml:"contains,omitempty" json:"contains,omitempty"`
	// NotContains checks if response does not contain specific text
	NotContains []string `yaml:"not_contains,omitempty" json:"not_contains,omitempty"`
}

// WantSuccess reports whether the step is expected to succeed.
func (e TestExpectation) WantSuccess() bool {
	return e.Success == nil || *e.Success
}

// RetryConfig defines retry behavior for test steps
type RetryConfig struct {
	// Count is the number of retry attempts
	Count int `yaml:"count" json:"count"`
	// Delay between retry attempts
	Delay time.Duration `yaml:"delay" json:"delay"`
	// BackoffMultiplier for exponential backoff
	BackoffMultiplier float64 `yaml:"backoff_multiplier,omitempty" json:"backoff_multiplier,omitempty"`
}

// TestSuiteResult represents the overall result of test suite execution
type TestSuiteResult struct {
	StartTime        time.Time            `json:"start_time"`
	EndTime          time.Time            `json:"end_time"`
	Duration         time.Duration        `json:"duration"`
	TotalScenarios   int                  `json:"total_scenarios"`
	PassedScenarios  int                  `json:"passed_scenarios"`
	FailedScenarios  int                  `json:"failed_scenarios"`
	SkippedScenarios int                  `json:"skipped_scenarios"`
	ErrorScenarios   int                  `json:"error_scenarios"`
	ScenarioResults  []TestScenarioResult `json:"scenario_results"`
	Configuration    TestConfiguration    `json:"configuration"`
}

// Succeeded reports whether no scenario failed or errored.
func (s TestSuiteResult) Succeeded() bool {
	return s.FailedScenarios == 0 && s.ErrorScenarios == 0
}

// TestScenarioResult represents the result of a single test scenario
type TestScenarioResult struct {
	// Scenario is the scenario that was executed
	Scenario TestScenario `json:"scenario"`
	// Result is the overall result of the scenario
	Result TestResult `json:"result"`
	// RunID identifies the data context the scenario ran on
	RunID string `json:"run_id,omitempty"`
	// RequestedMode is what the tags or override asked for
	RequestedMode mode.TestMode `json:"requested_mode,omitempty"`
	// Mode is the mode the scenario actually ran in
	Mode mode.TestMode `json:"mode,omitempty"`
	// Attempts lists each mode tried, in order, with its failure if any
	Attempts []AttemptResult `json:"attempts,omitempty"`
	// Report is the validation report of the data context
	Report *report.Report `json:"report,omitempty"`
	// Warnings are non-fatal problems such as records needing manual cleanup
	Warnings    []string         `json:"warnings,omitempty"`
	StartTime   time.Time        `json:"start_time"`
	EndTime     time.Time        `json:"end_time"`
	Duration    time.Duration    `json:"duration"`
	StepResults []TestStepResult `json:"step_results"`
	// Error message if the scenario failed, errored or was skipped
	Error string `json:"error,omitempty"`
}

// AttemptResult is one mode attempt of a scenario's context acquisition.
type AttemptResult struct {
	Mode     mode.TestMode `json:"mode"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// TestStepResult represents the result of a single test step
type TestStepResult struct {
	Step       TestStep      `json:"step"`
	Result     TestResult    `json:"result"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Duration   time.Duration `json:"duration"`
	Response   interface{}   `json:"response,omitempty"`
	Error      string        `json:"error,omitempty"`
	RetryCount int           `json:"retry_count"`
	// Violation is set when the step was blocked by the safety guard
	// without expecting it. The scenario stops at such a step.
	Violation bool `json:"violation,omitempty"`
}

// TestRunner interface defines the test execution engine
type TestRunner interface {
	// Run executes test scenarios according to the configuration
	Run(ctx context.Context, config TestConfiguration, scenarios []TestScenario) (*TestSuiteResult, error)
}

// TestScenarioLoader interface defines how test scenarios are loaded
type TestScenarioLoader interface {
	// LoadScenarios loads test scenarios from the given path
	LoadScenarios(configPath string) ([]TestScenario, error)
	// FilterScenarios filters scenarios based on the configuration
	FilterScenarios(scenarios []TestScenario, config TestConfiguration) []TestScenario
}

// TestReporter interface defines how test results are reported
type TestReporter interface {
	ReportStart(config TestConfiguration)
	ReportScenarioStart(scenario TestScenario)
	ReportStepResult(stepResult TestStepResult)
	ReportScenarioResult(scenarioResult TestScenarioResult)
	ReportSuiteResult(suiteResult TestSuiteResult)
}

// Hooks give every scenario its data context. BeforeScenario resolves the
// scenario's mode and acquires a context; AfterScenario releases it and
// returns cleanup warnings.
type Hooks interface {
	BeforeScenario(ctx context.Context, scenario TestScenario) (*manager.Lease, error)
	AfterScenario(ctx context.Context, scenario TestScenario, lease *manager.Lease) []string
}
