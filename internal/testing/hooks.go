package testing

import (
	"context"
	"sync"

	"testctx/internal/manager"
	"testctx/internal/mode"
	"testctx/pkg/logging"
)

// ContextHooks acquires a data context per scenario from a context manager.
type ContextHooks struct {
	// Env is the process environment captured at startup.
	Env mode.Environment
	// Manager serves scenarios without a fixture override.
	Manager *manager.Manager
	// ForFixture builds a manager whose isolated provider loads bundle.
	// When nil, scenario fixtures are ignored.
	ForFixture func(bundle string) *manager.Manager

	mu       sync.Mutex
	fixtures map[string]*manager.Manager
}

// BeforeScenario implements Hooks.
func (h *ContextHooks) BeforeScenario(ctx context.Context, scenario TestScenario) (*manager.Lease, error) {
	res, err := mode.Resolve(scenario.Tags, h.Env)
	if err != nil {
		logging.Info(subsystem, "Scenario %s cannot run: %v", scenario.Name, err)
		return nil, err
	}
	logging.Debug(subsystem, "Scenario %s resolved to %v (requested %s)", scenario.Name, res.Candidates(), res.Requested)
	return h.managerFor(scenario).Acquire(ctx, res)
}

// AfterScenario implements Hooks.
func (h *ContextHooks) AfterScenario(ctx context.Context, scenario TestScenario, lease *manager.Lease) []string {
	if lease == nil {
		return nil
	}
	return h.managerFor(scenario).Release(ctx, lease)
}

func (h *ContextHooks) managerFor(scenario TestScenario) *manager.Manager {
	if scenario.Fixture == "" || h.ForFixture == nil {
		return h.Manager
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fixtures == nil {
		h.fixtures = make(map[string]*manager.Manager)
	}
	m, ok := h.fixtures[scenario.Fixture]
	if !ok {
		m = h.ForFixture(scenario.Fixture)
		h.fixtures[scenario.Fixture] = m
	}
	return m
}
