package app

import (
	"context"
	"fmt"

	"testctx/internal/config"
	"testctx/internal/elements"
	"testctx/internal/fixture"
	"testctx/internal/manager"
	"testctx/internal/mode"
	"testctx/internal/provider"
	"testctx/internal/safety"
	"testctx/internal/store"
	"testctx/internal/store/dial"
	"testctx/internal/store/sqlitestore"
	scenario "testctx/internal/testing"
	"testctx/pkg/logging"
)

// Services holds all the initialized engine components
type Services struct {
	Env        mode.Environment
	Validator  *safety.Validator
	Elements   *elements.Registry
	Fixtures   *fixture.Loader
	Isolated   *provider.IsolatedProvider
	Production *provider.ProductionProvider // nil without a live store
	Manifests  *provider.Manifests
	Metrics    *manager.Metrics
	Manager    *manager.Manager
	Hooks      *scenario.ContextHooks

	timeouts manager.Timeouts
	openLive func(ctx context.Context, descriptor string) (store.Live, error)
}

// InitializeServices creates every engine component from cfg.Settings.
func InitializeServices(cfg *Config) (*Services, error) {
	if cfg.Settings == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	settings := *cfg.Settings

	registry, err := loadElements(settings)
	if err != nil {
		return nil, err
	}

	s := &Services{
		Env:       settings.Environment(),
		Validator: safety.NewValidator(settings.Safety),
		Elements:  registry,
		Fixtures:  fixture.NewLoader(settings.Fixtures.Dir),
		Manifests: provider.NewManifests(settings.Live.ManifestDir),
		Metrics:   manager.NewMetrics(cfg.Registerer),
		timeouts:  settings.ManagerTimeouts(),
	}
	token := settings.Live.Token
	s.openLive = func(ctx context.Context, descriptor string) (store.Live, error) {
		return dial.Live(ctx, descriptor, token)
	}

	s.Isolated = provider.NewIsolatedProvider(provider.IsolatedConfig{
		Loader:        s.Fixtures,
		Bundle:        settings.Fixtures.Bundle,
		Overrides:     settings.Fixtures.Overrides,
		Stores:        disposableStores(settings),
		SchemaVersion: settings.Fixtures.SchemaVer,
	})

	if settings.Live.Store != "" {
		s.Production = provider.NewProductionProvider(provider.ProductionConfig{
			Descriptor:    settings.Live.Store,
			Token:         token,
			Validator:     s.Validator,
			RequiredKinds: settings.Live.RequiredKinds,
			Manifests:     s.Manifests,
			SchemaVersion: settings.Fixtures.SchemaVer,
			OnViolation: func(v *safety.Violation) {
				s.Manager.ObserveViolation(v)
			},
		})
	}

	s.Manager = s.newManager(s.Isolated)
	s.Hooks = &scenario.ContextHooks{
		Env:     s.Env,
		Manager: s.Manager,
		ForFixture: func(bundle string) *manager.Manager {
			logging.Debug("Bootstrap", "Creating context manager for fixture bundle %s", bundle)
			return s.newManager(s.Isolated.WithBundle(bundle))
		},
	}

	logging.Debug("Bootstrap", "Services ready: %d elements, live store configured: %t", len(registry.Names()), s.Production != nil)
	return s, nil
}

func (s *Services) newManager(iso *provider.IsolatedProvider) *manager.Manager {
	providers := []provider.Provider{iso}
	if s.Production != nil {
		providers = append(providers, s.Production)
	}
	return manager.New(manager.Config{
		Providers: providers,
		Timeouts:  s.timeouts,
		Metrics:   s.Metrics,
	})
}

// disposableStores creates SQLite stores under the fixture store directory.
// Without a directory isolated mode does not resolve, so memory stores serve
// only direct provider use.
func disposableStores(settings config.TestctxConfig) store.DisposableFactory {
	if settings.Fixtures.StoreDir == "" {
		return store.MemoryFactory()
	}
	return sqlitestore.Factory(settings.Fixtures.StoreDir)
}

func loadElements(settings config.TestctxConfig) (*elements.Registry, error) {
	registry := elements.NewRegistry()
	if settings.Elements.File != "" {
		var err error
		registry, err = elements.LoadFile(settings.Elements.File)
		if err != nil {
			return nil, fmt.Errorf("failed to load element registry: %w", err)
		}
	}
	for m, p := range settings.ElementPolicies() {
		registry.SetPolicy(m, p)
	}
	if settings.Timeouts.ElementWait > 0 {
		registry.SetTimeout(settings.Timeouts.ElementWait)
	}
	return registry, nil
}
