package testing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"testctx/internal/dataset"
	"testctx/internal/elements"
	"testctx/internal/manager"
	"testctx/internal/mode"
	"testctx/internal/provider"
	"testctx/internal/safety"
	"testctx/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// liveMemory keeps a memory store open across runs and can refuse to
// delete chosen ids.
type liveMemory struct {
	*store.Memory
	stuck map[string]bool
}

func (l liveMemory) Close() error { return nil }

func (l liveMemory) Delete(ctx context.Context, kind, id string) error {
	if l.stuck[id] {
		return errors.New("permission denied")
	}
	return l.Memory.Delete(ctx, kind, id)
}

// countingLive counts lookups of one id, which the safety guard performs
// before every mutation of that record.
type countingLive struct {
	liveMemory
	id   string
	gets *int
}

func (c countingLive) Get(ctx context.Context, kind, id string) (dataset.Record, error) {
	if id == c.id {
		*c.gets++
	}
	return c.liveMemory.Get(ctx, kind, id)
}

func seededLive() *store.Memory {
	return store.NewMemory("live",
		dataset.Record{Kind: dataset.KindCustomers, ID: "c1", Name: "TEST_customer"},
		dataset.Record{Kind: dataset.KindCustomers, ID: "c2", Name: "Real Customer"},
		dataset.Record{Kind: dataset.KindRoutes, ID: "r1", Name: "TEST_route", Fields: map[string]interface{}{"lat": 40.75, "lng": -73.99}},
		dataset.Record{Kind: dataset.KindTickets, ID: "t1", Name: "TEST_ticket", Fields: map[string]interface{}{"lat": 40.76, "lng": -73.98}},
	)
}

type fixture struct {
	env       mode.Environment
	hooks     *ContextHooks
	validator *safety.Validator
	elements  *elements.Registry
	out       *bytes.Buffer
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	bundle string
	live   store.Live
	open   provider.LiveOpener
}

func withLive(l store.Live) fixtureOption {
	return func(c *fixtureConfig) { c.live = l }
}

func withOpener(o provider.LiveOpener) fixtureOption {
	return func(c *fixtureConfig) { c.open = o }
}

func withBundle(name string) fixtureOption {
	return func(c *fixtureConfig) { c.bundle = name }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{bundle: "optimal-assignment"}
	for _, o := range opts {
		o(&cfg)
	}

	validator := safety.NewValidator(safety.Policy{})
	env := mode.Environment{FixtureStoreDir: t.TempDir()}

	iso := provider.NewIsolatedProvider(provider.IsolatedConfig{Bundle: cfg.bundle, Stores: store.MemoryFactory()})
	providers := []provider.Provider{iso}
	if cfg.live != nil || cfg.open != nil {
		env.LiveStore = "mem://live"
		env.LiveCredentials = "token"
		open := cfg.open
		if open == nil {
			live := cfg.live
			open = func(ctx context.Context) (store.Live, error) { return live, nil }
		}
		providers = append(providers, provider.NewProductionProvider(provider.ProductionConfig{
			Descriptor: "mem://live",
			Open:       open,
			Validator:  validator,
		}))
	}

	timeouts := manager.Timeouts{Setup: 5 * time.Second, Validate: 5 * time.Second, Cleanup: 5 * time.Second}
	hooks := &ContextHooks{
		Env:     env,
		Manager: manager.New(manager.Config{Providers: providers, Timeouts: timeouts}),
		ForFixture: func(bundle string) *manager.Manager {
			ps := append([]provider.Provider{iso.WithBundle(bundle)}, providers[1:]...)
			return manager.New(manager.Config{Providers: ps, Timeouts: timeouts})
		},
	}

	reg := elements.NewRegistry()
	require.NoError(t, reg.Register(elements.ElementConfig{Name: "navContainer", BaseSelector: "nav", ProductionSelector: "#prod-nav", FallbackSelector: ".nav-fallback"}))

	return &fixture{env: env, hooks: hooks, validator: validator, elements: reg, out: &bytes.Buffer{}}
}

func (f *fixture) run(t *testing.T, config TestConfiguration, scenarios ...TestScenario) *TestSuiteResult {
	t.Helper()
	if config.Parallel == 0 {
		config.Parallel = 1
	}
	fw, err := NewTestFramework(FrameworkOptions{
		Hooks:     f.hooks,
		Elements:  f.elements,
		Validator: f.validator,
		Output:    f.out,
		Verbose:   true,
	})
	require.NoError(t, err)
	result, err := fw.Runner.Run(context.Background(), config, scenarios)
	require.NoError(t, err)
	return result
}

func step(name, action string, params map[string]interface{}) TestStep {
	return TestStep{Name: name, Action: action, Params: params}
}

func expectFailure(s TestStep, contains ...string) TestStep {
	no := false
	s.Expected = TestExpectation{Success: &no, ErrorContains: contains}
	return s
}

func TestRun_IsolatedScenarioPasses(t *testing.T) {
	f := newFixture(t)
	result := f.run(t, TestConfiguration{}, TestScenario{
		Name: "assignment",
		Tags: []string{"isolated"},
		Steps: []TestStep{
			step("routes", ActionExpectCount, map[string]interface{}{"kind": "routes", "count": 3}),
			step("nearest", ActionExpectNearestRoute, nil),
			step("single", ActionExpectNearestRoute, map[string]interface{}{"ticket": "TEST_ticket_fidi", "route": "TEST_route_south"}),
			step("create", ActionCreateRecord, map[string]interface{}{
				"kind": "tickets", "name": "TEST_ticket_new", "as": "new",
				"fields": map[string]interface{}{"lat": 40.80, "lng": -73.95},
			}),
			step("four tickets", ActionExpectCount, map[string]interface{}{"kind": "tickets", "count": 4}),
			step("rename", ActionUpdateRecord, map[string]interface{}{"ref": "new", "name": "TEST_ticket_renamed"}),
			step("delete", ActionDeleteRecord, map[string]interface{}{"ref": "new"}),
			step("three tickets", ActionExpectCount, map[string]interface{}{"kind": "tickets", "count": 3}),
			step("selector", ActionResolveElement, map[string]interface{}{"element": "navContainer", "expect": ".nav-fallback"}),
			step("context", ActionValidateContext, map[string]interface{}{"kinds": []interface{}{"customers", "routes", "tickets"}, "mode": "isolated"}),
		},
	})

	require.Len(t, result.ScenarioResults, 1)
	sr := result.ScenarioResults[0]
	assert.Equal(t, ResultPassed, sr.Result, sr.Error)
	assert.Equal(t, mode.Isolated, sr.Mode)
	assert.Equal(t, mode.Isolated, sr.RequestedMode)
	assert.NotEmpty(t, sr.RunID)
	require.NotNil(t, sr.Report)
	assert.True(t, sr.Report.Passed)
	assert.Len(t, sr.StepResults, 10)
	assert.Equal(t, 1, result.PassedScenarios)
	assert.True(t, result.Succeeded())
}

func TestRun_UntaggedScenarioIsIsolated(t *testing.T) {
	f := newFixture(t)
	result := f.run(t, TestConfiguration{}, TestScenario{
		Name:  "untagged",
		Steps: []TestStep{step("customers", ActionExpectCount, map[string]interface{}{"kind": "customers", "min": 1})},
	})
	assert.Equal(t, mode.Isolated, result.ScenarioResults[0].Mode)
}

func TestRun_ProductionWithoutLiveConfigIsSkipped(t *testing.T) {
	f := newFixture(t)
	result := f.run(t, TestConfiguration{}, TestScenario{
		Name:  "live-only",
		Tags:  []string{"production"},
		Steps: []TestStep{step("count", ActionExpectCount, map[string]interface{}{"kind": "routes", "min": 1})},
	})

	sr := result.ScenarioResults[0]
	assert.Equal(t, ResultSkipped, sr.Result)
	assert.Contains(t, sr.Error, mode.EnvLiveStore)
	assert.Equal(t, 1, result.SkippedScenarios)
	assert.True(t, result.Succeeded())
}

func TestRun_DualFallsBackToIsolated(t *testing.T) {
	f := newFixture(t, withOpener(func(ctx context.Context) (store.Live, error) {
		return nil, errors.New("connection refused")
	}))
	result := f.run(t, TestConfiguration{}, TestScenario{
		Name:  "dual",
		Tags:  []string{"@dual"},
		Steps: []TestStep{step("context", ActionValidateContext, map[string]interface{}{"mode": "isolated"})},
	})

	sr := result.ScenarioResults[0]
	assert.Equal(t, ResultPassed, sr.Result, sr.Error)
	assert.Equal(t, mode.Dual, sr.RequestedMode)
	assert.Equal(t, mode.Isolated, sr.Mode)
	require.Len(t, sr.Attempts, 2)
	assert.Equal(t, mode.Production, sr.Attempts[0].Mode)
	assert.Contains(t, sr.Attempts[0].Error, "connection refused")
	assert.Empty(t, sr.Attempts[1].Error)
}

func TestRun_ExhaustedScenarioFails(t *testing.T) {
	f := newFixture(t, withBundle("no-such-bundle"))
	result := f.run(t, TestConfiguration{}, TestScenario{
		Name:  "broken-fixture",
		Tags:  []string{"isolated"},
		Steps: []TestStep{step("count", ActionExpectCount, map[string]interface{}{"kind": "routes", "min": 1})},
	})

	sr := result.ScenarioResults[0]
	assert.Equal(t, ResultFailed, sr.Result)
	assert.Contains(t, sr.Error, "no-such-bundle")
	require.Len(t, sr.Attempts, 1)
	assert.Empty(t, sr.StepResults)
}

func TestRun_ScenarioFixtureOverride(t *testing.T) {
	f := newFixture(t)
	result := f.run(t, TestConfiguration{}, TestScenario{
		Name:    "customers-only",
		Fixture: "basic-customers",
		Steps:   []TestStep{step("customers", ActionExpectCount, map[string]interface{}{"kind": "customers", "count": 3})},
	})
	assert.Equal(t, ResultPassed, result.ScenarioResults[0].Result, result.ScenarioResults[0].Error)
}

func TestRun_ProductionGuardBlocksRealRecords(t *testing.T) {
	live := seededLive()
	f := newFixture(t, withLive(liveMemory{Memory: live}))
	result := f.run(t, TestConfiguration{}, TestScenario{
		Name: "live-safety",
		Tags: []string{"production"},
		Steps: []TestStep{
			step("only marked customers", ActionExpectCount, map[string]interface{}{"kind": "customers", "count": 1}),
			expectFailure(step("delete real", ActionDeleteRecord, map[string]interface{}{"kind": "customers", "id": "c2"}), "safety violation"),
			expectFailure(step("create unmarked", ActionCreateRecord, map[string]interface{}{"kind": "tickets", "name": "Real looking"}), "lacks test marker"),
			step("create marked", ActionCreateRecord, map[string]interface{}{"kind": "tickets", "name": "TEST_ticket_run"}),
			step("safe", ActionValidateContext, map[string]interface{}{"mode": "production"}),
			step("selector", ActionResolveElement, map[string]interface{}{"element": "navContainer", "expect": "#prod-nav"}),
		},
	})

	sr := result.ScenarioResults[0]
	assert.Equal(t, ResultPassed, sr.Result, sr.Error)
	assert.Equal(t, mode.Production, sr.Mode)
	assert.Empty(t, sr.Warnings)

	_, err := live.Get(context.Background(), dataset.KindCustomers, "c2")
	assert.NoError(t, err, "real record untouched")
	tickets, err := live.Rows(context.Background(), dataset.KindTickets)
	require.NoError(t, err)
	assert.Len(t, tickets, 1, "created ticket removed on release")
}

func TestRun_SafetyViolationIsNotRetried(t *testing.T) {
	live := seededLive()
	var gets int
	f := newFixture(t, withLive(countingLive{liveMemory: liveMemory{Memory: live}, id: "c2", gets: &gets}))

	blocked := step("delete real", ActionDeleteRecord, map[string]interface{}{"kind": "customers", "id": "c2"})
	blocked.Retry = &RetryConfig{Count: 3, Delay: time.Millisecond}
	result := f.run(t, TestConfiguration{}, TestScenario{
		Name: "live-violation",
		Tags: []string{"production"},
		Steps: []TestStep{
			step("create marked", ActionCreateRecord, map[string]interface{}{"kind": "tickets", "name": "TEST_before"}),
			blocked,
			step("never", ActionExpectCount, map[string]interface{}{"kind": "customers", "count": 1}),
		},
		Cleanup: []TestStep{
			step("cleanup write", ActionCreateRecord, map[string]interface{}{"kind": "tickets", "name": "TEST_cleanup"}),
		},
	})

	sr := result.ScenarioResults[0]
	assert.Equal(t, ResultFailed, sr.Result)
	assert.Contains(t, sr.Error, "delete real")
	require.Len(t, sr.StepResults, 2)
	assert.Equal(t, 0, sr.StepResults[1].RetryCount)
	assert.True(t, sr.StepResults[1].Violation)
	assert.Equal(t, 1, gets)
	assert.Contains(t, sr.Warnings, "skipped 1 cleanup steps after a safety violation")

	_, err := live.Get(context.Background(), dataset.KindCustomers, "c2")
	assert.NoError(t, err, "real record untouched")
	tickets, err := live.Rows(context.Background(), dataset.KindTickets)
	require.NoError(t, err)
	assert.Len(t, tickets, 1, "created ticket removed on release and cleanup steps not run")
}

func TestRun_CleanupFailureIsWarning(t *testing.T) {
	live := seededLive()
	f := newFixture(t, withLive(liveMemory{Memory: live, stuck: map[string]bool{"TEST_stuck": true}}))
	result := f.run(t, TestConfiguration{}, TestScenario{
		Name:  "stuck",
		Tags:  []string{"production"},
		Steps: []TestStep{step("create", ActionCreateRecord, map[string]interface{}{"kind": "tickets", "id": "TEST_stuck", "name": "TEST_stuck"})},
	})

	sr := result.ScenarioResults[0]
	assert.Equal(t, ResultPassed, sr.Result, sr.Error)
	require.NotEmpty(t, sr.Warnings)
	assert.Contains(t, sr.Warnings[len(sr.Warnings)-1], "manual cleanup required")
	assert.Contains(t, f.out.String(), "manual cleanup required")
}

func TestRun_StepFailureStopsStepsButRunsCleanup(t *testing.T) {
	f := newFixture(t)
	result := f.run(t, TestConfiguration{}, TestScenario{
		Name: "failing",
		Steps: []TestStep{
			step("wrong count", ActionExpectCount, map[string]interface{}{"kind": "routes", "count": 99}),
			step("never", ActionExpectCount, map[string]interface{}{"kind": "routes", "count": 3}),
		},
		Cleanup: []TestStep{step("cleanup", ActionExpectCount, map[string]interface{}{"kind": "routes", "count": 3})},
	})

	sr := result.ScenarioResults[0]
	assert.Equal(t, ResultFailed, sr.Result)
	assert.Contains(t, sr.Error, "expected 99 routes, found 3")
	require.Len(t, sr.StepResults, 2)
	assert.Equal(t, "cleanup", sr.StepResults[1].Step.Name)
	assert.Equal(t, ResultPassed, sr.StepResults[1].Result)
}

func TestRun_MalformedStepIsError(t *testing.T) {
	f := newFixture(t)
	result := f.run(t, TestConfiguration{}, TestScenario{
		Name: "malformed",
		Steps: []TestStep{
			step("typo", ActionExpectCount, map[string]interface{}{"knd": "routes", "count": 3}),
		},
	}, TestScenario{
		Name:  "unknown-action",
		Steps: []TestStep{step("nope", "teleport", nil)},
	})

	assert.Equal(t, ResultError, result.ScenarioResults[0].Result)
	assert.Contains(t, result.ScenarioResults[0].Error, "invalid expect-count step")
	assert.Equal(t, ResultError, result.ScenarioResults[1].Result)
	assert.Contains(t, result.ScenarioResults[1].Error, "unknown action")
	assert.Equal(t, 2, result.ErrorScenarios)
}

func TestRun_StepRetry(t *testing.T) {
	f := newFixture(t)
	s := step("never true", ActionExpectCount, map[string]interface{}{"kind": "routes", "count": 1})
	s.Retry = &RetryConfig{Count: 2, Delay: time.Millisecond, BackoffMultiplier: 2}
	result := f.run(t, TestConfiguration{}, TestScenario{Name: "retry", Steps: []TestStep{s}})

	sr := result.ScenarioResults[0]
	assert.Equal(t, ResultFailed, sr.Result)
	assert.Equal(t, 2, sr.StepResults[0].RetryCount)
}

func TestRun_FailFastSequential(t *testing.T) {
	f := newFixture(t)
	bad := TestScenario{Name: "a-bad", Steps: []TestStep{step("x", ActionExpectCount, map[string]interface{}{"kind": "routes", "count": 0})}}
	good := TestScenario{Name: "b-good", Steps: []TestStep{step("x", ActionExpectCount, map[string]interface{}{"kind": "routes", "count": 3})}}

	result := f.run(t, TestConfiguration{FailFast: true}, bad, good)
	require.Len(t, result.ScenarioResults, 2)
	assert.Equal(t, ResultFailed, result.ScenarioResults[0].Result)
	assert.Equal(t, ResultSkipped, result.ScenarioResults[1].Result)
	assert.Contains(t, result.ScenarioResults[1].Error, "fail-fast")
	assert.False(t, result.Succeeded())
}

func TestRun_ParallelKeepsOrder(t *testing.T) {
	f := newFixture(t)
	var scenarios []TestScenario
	for _, name := range []string{"p1", "p2", "p3", "p4", "p5"} {
		scenarios = append(scenarios, TestScenario{
			Name: name,
			Steps: []TestStep{
				step("create", ActionCreateRecord, map[string]interface{}{"kind": "tickets", "name": "TEST_" + name}),
				step("count", ActionExpectCount, map[string]interface{}{"kind": "tickets", "count": 4}),
			},
		})
	}

	result := f.run(t, TestConfiguration{Parallel: 3}, scenarios...)
	require.Len(t, result.ScenarioResults, 5)
	for i, sr := range result.ScenarioResults {
		assert.Equal(t, scenarios[i].Name, sr.Scenario.Name)
		assert.Equal(t, ResultPassed, sr.Result, sr.Error)
	}
	assert.Equal(t, 5, result.PassedScenarios)
}

func TestRun_FilterAndReport(t *testing.T) {
	f := newFixture(t)
	reportPath := filepath.Join(t.TempDir(), "out", "report.json")
	fw, err := NewTestFramework(FrameworkOptions{Hooks: f.hooks, Output: f.out, ReportPath: reportPath})
	require.NoError(t, err)

	scenarios := []TestScenario{
		{Name: "smoke-one", Tags: []string{"smoke"}, Steps: []TestStep{step("x", ActionExpectCount, map[string]interface{}{"kind": "routes", "min": 1})}},
		{Name: "slow-one", Steps: []TestStep{step("x", ActionExpectCount, map[string]interface{}{"kind": "routes", "min": 1})}},
	}
	result, err := fw.Runner.Run(context.Background(), TestConfiguration{Parallel: 1, Tags: []string{"smoke"}}, scenarios)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalScenarios)

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.EqualValues(t, 1, decoded["passed_scenarios"])
	assert.Contains(t, f.out.String(), "smoke-one")
	assert.NotContains(t, f.out.String(), "slow-one")
}

func TestNewTestFramework_Errors(t *testing.T) {
	_, err := NewTestFramework(FrameworkOptions{})
	assert.Error(t, err)

	_, err = NewTestFramework(FrameworkOptions{Hooks: &ContextHooks{}, Format: "xml"})
	assert.Error(t, err)
}

func TestQuietAndJSONReporters(t *testing.T) {
	suite := TestSuiteResult{TotalScenarios: 2, PassedScenarios: 1, FailedScenarios: 1}

	var quiet bytes.Buffer
	r := NewQuietReporter(&quiet)
	r.ReportScenarioResult(TestScenarioResult{Scenario: TestScenario{Name: "x"}, Result: ResultFailed, Error: "boom"})
	r.ReportSuiteResult(suite)
	assert.Contains(t, quiet.String(), "FAILED x: boom")
	assert.Contains(t, quiet.String(), "1/2 scenarios failed")

	var js bytes.Buffer
	NewJSONReporter(&js).ReportSuiteResult(suite)
	var decoded TestSuiteResult
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, 1, decoded.FailedScenarios)
}
