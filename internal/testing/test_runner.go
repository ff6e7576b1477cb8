package testing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"testctx/internal/elements"
	"testctx/internal/manager"
	"testctx/internal/mode"
	"testctx/internal/safety"
	"testctx/pkg/logging"

	"golang.org/x/sync/errgroup"
)

const subsystem = "TestRunner"

// testRunner implements the TestRunner interface
type testRunner struct {
	loader    TestScenarioLoader
	reporter  TestReporter
	hooks     Hooks
	elements  *elements.Registry
	validator *safety.Validator
	debug     bool
}

// RunnerOptions carries the optional collaborators of a runner.
type RunnerOptions struct {
	// Elements resolves resolve-element steps.
	Elements *elements.Registry
	// Validator re-checks production records in validate-context steps.
	Validator *safety.Validator
	Debug     bool
}

// NewTestRunner creates a new test runner
func NewTestRunner(loader TestScenarioLoader, reporter TestReporter, hooks Hooks, opts RunnerOptions) TestRunner {
	return &testRunner{
		loader:    loader,
		reporter:  reporter,
		hooks:     hooks,
		elements:  opts.Elements,
		validator: opts.Validator,
		debug:     opts.Debug,
	}
}

// Run executes test scenarios according to the configuration
func (r *testRunner) Run(ctx context.Context, config TestConfiguration, scenarios []TestScenario) (*TestSuiteResult, error) {
	result := &TestSuiteResult{
		StartTime:     time.Now(),
		Configuration: config,
	}

	r.reporter.ReportStart(config)

	filtered := r.loader.FilterScenarios(scenarios, config)
	result.TotalScenarios = len(filtered)
	if len(filtered) == 0 {
		result.EndTime = time.Now()
		r.reporter.ReportSuiteResult(*result)
		return result, nil
	}

	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	if config.Parallel <= 1 {
		stopped := false
		for _, scenario := range filtered {
			var sr TestScenarioResult
			if stopped {
				sr = skipped(scenario, "not run: an earlier scenario failed and fail-fast is set")
			} else {
				sr = r.runScenario(ctx, scenario)
			}
			result.ScenarioResults = append(result.ScenarioResults, sr)
			r.updateCounters(result, sr)
			r.reporter.ReportScenarioResult(sr)

			if config.FailFast && failed(sr.Result) {
				stopped = true
			}
		}
	} else {
		results := r.runScenariosParallel(ctx, filtered, config)
		result.ScenarioResults = results
		for _, sr := range results {
			r.updateCounters(result, sr)
			r.reporter.ReportScenarioResult(sr)
		}
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	r.reporter.ReportSuiteResult(*result)
	return result, nil
}

// runScenariosParallel executes scenarios on at most config.Parallel
// workers. Results keep scenario order.
func (r *testRunner) runScenariosParallel(ctx context.Context, scenarios []TestScenario, config TestConfiguration) []TestScenarioResult {
	results := make([]TestScenarioResult, len(scenarios))
	var stop atomic.Bool

	var g errgroup.Group
	g.SetLimit(config.Parallel)
	for i, scenario := range scenarios {
		g.Go(func() error {
			if stop.Load() {
				results[i] = skipped(scenario, "not run: an earlier scenario failed and fail-fast is set")
				return nil
			}
			logging.Debug(subsystem, "Worker picked up scenario %s", scenario.Name)
			results[i] = r.runScenario(ctx, scenario)
			if config.FailFast && failed(results[i].Result) {
				stop.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// runScenario executes a single test scenario
func (r *testRunner) runScenario(ctx context.Context, scenario TestScenario) (result TestScenarioResult) {
	result = TestScenarioResult{
		Scenario:    scenario,
		StartTime:   time.Now(),
		StepResults: make([]TestStepResult, 0, len(scenario.Steps)),
		Result:      ResultPassed,
	}
	defer func() {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
	}()

	r.reporter.ReportScenarioStart(scenario)

	scenarioCtx := ctx
	if scenario.Timeout > 0 {
		var cancel context.CancelFunc
		scenarioCtx, cancel = context.WithTimeout(ctx, scenario.Timeout)
		defer cancel()
	}

	lease, err := r.hooks.BeforeScenario(scenarioCtx, scenario)
	if err != nil {
		r.recordAcquireFailure(&result, err)
		return result
	}
	defer func() {
		result.Warnings = append(result.Warnings, r.hooks.AfterScenario(ctx, scenario, lease)...)
	}()

	result.RunID = lease.RunID
	result.RequestedMode = lease.Requested
	result.Mode = lease.Mode()
	result.Attempts = attemptResults(lease.Attempts)
	rep := lease.Report
	result.Report = &rep
	result.Warnings = append(result.Warnings, rep.Warnings...)
	if result.Mode != result.RequestedMode && result.RequestedMode != mode.Dual {
		result.Warnings = append(result.Warnings, fmt.Sprintf("ran in %s mode instead of %s", result.Mode, result.RequestedMode))
	}

	sc := &StepContext{
		Scenario:  scenario,
		Lease:     lease,
		Data:      lease.Context,
		Elements:  r.elements,
		Validator: r.validator,
	}

	violated := false
	for _, step := range scenario.Steps {
		stepResult := r.runStep(scenarioCtx, sc, step)
		result.StepResults = append(result.StepResults, stepResult)
		r.reporter.ReportStepResult(stepResult)

		if failed(stepResult.Result) {
			result.Result = stepResult.Result
			result.Error = fmt.Sprintf("step %s: %s", step.Name, stepResult.Error)
			violated = stepResult.Violation
			break
		}
	}

	if violated {
		if len(scenario.Cleanup) > 0 {
			result.Warnings = append(result.Warnings, fmt.Sprintf("skipped %d cleanup steps after a safety violation", len(scenario.Cleanup)))
		}
		return result
	}

	for _, step := range scenario.Cleanup {
		stepResult := r.runStep(scenarioCtx, sc, step)
		result.StepResults = append(result.StepResults, stepResult)
		r.reporter.ReportStepResult(stepResult)

		if failed(stepResult.Result) && result.Result == ResultPassed {
			result.Result = stepResult.Result
			result.Error = fmt.Sprintf("cleanup step %s: %s", step.Name, stepResult.Error)
		}
	}

	return result
}

// recordAcquireFailure maps a context acquisition error onto the scenario
// result: unresolvable modes skip, exhausted fallbacks fail.
func (r *testRunner) recordAcquireFailure(result *TestScenarioResult, err error) {
	var (
		resolution *mode.ResolutionError
		exhausted  *manager.ExhaustedError
		violation  *safety.Violation
	)
	result.Error = err.Error()
	switch {
	case errors.As(err, &resolution):
		result.Result = ResultSkipped
		result.RequestedMode = resolution.Requested
	case errors.As(err, &exhausted):
		result.Result = ResultFailed
		result.RequestedMode = exhausted.Requested
		result.Attempts = attemptResults(exhausted.Attempts)
	case errors.As(err, &violation):
		result.Result = ResultFailed
	default:
		result.Result = ResultError
	}
	logging.Debug(subsystem, "Scenario %s %s before its first step: %v", result.Scenario.Name, result.Result, err)
}

// runStep executes a single test step
func (r *testRunner) runStep(ctx context.Context, sc *StepContext, step TestStep) TestStepResult {
	result := TestStepResult{
		Step:      step,
		StartTime: time.Now(),
		Result:    ResultPassed,
	}
	defer func() {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
	}()

	action, ok := builtinActions[step.Action]
	if !ok {
		result.Result = ResultError
		result.Error = fmt.Sprintf("unknown action %q (known: %s)", step.Action, strings.Join(Actions(), ", "))
		return result
	}

	stepCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	maxAttempts := 1
	if step.Retry != nil && step.Retry.Count > 0 {
		maxAttempts = step.Retry.Count + 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			result.RetryCount = attempt
			if delay := retryDelay(step.Retry, attempt); delay > 0 {
				logging.Debug(subsystem, "Retrying step %s in %v (attempt %d/%d)", step.Name, delay, attempt+1, maxAttempts)
				t := time.NewTimer(delay)
				select {
				case <-t.C:
				case <-stepCtx.Done():
					t.Stop()
					result.Result = ResultError
					result.Error = "step cancelled during retry delay"
					return result
				}
			}
		}

		response, err := action(stepCtx, sc, step.Params)
		result.Response = response

		var invalid *StepError
		if errors.As(err, &invalid) {
			result.Result = ResultError
			result.Error = err.Error()
			return result
		}
		var violation *safety.Violation
		if errors.As(err, &violation) {
			if msg := r.checkExpectations(step.Expected, response, err); msg != "" {
				logging.Warn(subsystem, "Step %s blocked by the safety guard, stopping scenario %s", step.Name, sc.Scenario.Name)
				result.Result = ResultFailed
				result.Error = msg
				result.Violation = true
				return result
			}
			result.Result = ResultPassed
			result.Error = ""
			return result
		}
		if stepCtx.Err() != nil && err != nil {
			result.Result = ResultError
			result.Error = fmt.Sprintf("step did not finish: %v", err)
			return result
		}

		if msg := r.checkExpectations(step.Expected, response, err); msg != "" {
			result.Result = ResultFailed
			result.Error = msg
			continue
		}

		result.Result = ResultPassed
		result.Error = ""
		return result
	}
	return result
}

func retryDelay(cfg *RetryConfig, attempt int) time.Duration {
	if cfg == nil || cfg.Delay <= 0 {
		return 0
	}
	delay := cfg.Delay
	if cfg.BackoffMultiplier > 0 {
		for i := 1; i < attempt; i++ {
			delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		}
	}
	return delay
}

// checkExpectations returns why the step outcome does not meet expected,
// or "" when it does.
func (r *testRunner) checkExpectations(expected TestExpectation, response interface{}, err error) string {
	if expected.WantSuccess() && err != nil {
		return err.Error()
	}
	if !expected.WantSuccess() && err == nil {
		return "expected the step to fail but it succeeded"
	}

	if len(expected.ErrorContains) > 0 {
		if err == nil {
			return "expected an error but got none"
		}
		for _, want := range expected.ErrorContains {
			if !containsFold(err.Error(), want) {
				return fmt.Sprintf("error %q does not contain %q", err.Error(), want)
			}
		}
	}

	if response != nil {
		text := fmt.Sprintf("%v", response)
		for _, want := range expected.Contains {
			if !containsFold(text, want) {
				return fmt.Sprintf("response does not contain %q", want)
			}
		}
		for _, unwanted := range expected.NotContains {
			if containsFold(text, unwanted) {
				return fmt.Sprintf("response contains %q", unwanted)
			}
		}
	}
	return ""
}

func containsFold(text, sub string) bool {
	return strings.Contains(strings.ToLower(text), strings.ToLower(sub))
}

// updateCounters updates the result counters based on a scenario result
func (r *testRunner) updateCounters(suiteResult *TestSuiteResult, scenarioResult TestScenarioResult) {
	switch scenarioResult.Result {
	case ResultPassed:
		suiteResult.PassedScenarios++
	case ResultFailed:
		suiteResult.FailedScenarios++
	case ResultSkipped:
		suiteResult.SkippedScenarios++
	case ResultError:
		suiteResult.ErrorScenarios++
	}
}

func failed(r TestResult) bool {
	return r == ResultFailed || r == ResultError
}

func skipped(scenario TestScenario, reason string) TestScenarioResult {
	now := time.Now()
	return TestScenarioResult{
		Scenario:  scenario,
		Result:    ResultSkipped,
		Error:     reason,
		StartTime: now,
		EndTime:   now,
	}
}

func attemptResults(attempts []manager.Attempt) []AttemptResult {
	out := make([]AttemptResult, 0, len(attempts))
	for _, a := range attempts {
		ar := AttemptResult{Mode: a.Mode, Duration: a.Duration}
		if a.Err != nil {
			ar.Error = a.Err.Error()
		}
		out = append(out, ar)
	}
	return out
}
