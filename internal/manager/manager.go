// Package manager owns the lifecycle of a data context: it walks the
// resolved mode candidates through setup and validation, falls back when a
// mode cannot initialize, and guarantees cleanup runs exactly once.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"testctx/internal/mode"
	"testctx/internal/provider"
	"testctx/internal/report"
	"testctx/internal/safety"
	"testctx/pkg/logging"

	"github.com/google/uuid"
)

const subsystem = "ContextManager"

// Timeouts bound every suspension point of a run.
type Timeouts struct {
	Setup    time.Duration
	Validate time.Duration
	Cleanup  time.Duration
}

// DefaultTimeouts are used for any zero field.
var DefaultTimeouts = Timeouts{
	Setup:    60 * time.Second,
	Validate: 30 * time.Second,
	Cleanup:  30 * time.Second,
}

// Config configures a Manager.
type Config struct {
	Providers []provider.Provider
	Timeouts  Timeouts
	Metrics   *Metrics
	// NewRunID generates run identifiers. Defaults to random UUIDs.
	NewRunID func() string
	// OnTransition observes every state change.
	OnTransition func(Transition)
}

// Manager hands out data contexts. It is safe for concurrent use; each
// acquisition is independent.
type Manager struct {
	providers    map[mode.TestMode]provider.Provider
	timeouts     Timeouts
	metrics      *Metrics
	newRunID     func() string
	onTransition func(Transition)
}

// New creates a manager.
func New(cfg Config) *Manager {
	m := &Manager{
		providers:    make(map[mode.TestMode]provider.Provider, len(cfg.Providers)),
		timeouts:     cfg.Timeouts,
		metrics:      cfg.Metrics,
		newRunID:     cfg.NewRunID,
		onTransition: cfg.OnTransition,
	}
	for _, p := range cfg.Providers {
		m.providers[p.Mode()] = p
	}
	if m.timeouts.Setup <= 0 {
		m.timeouts.Setup = DefaultTimeouts.Setup
	}
	if m.timeouts.Validate <= 0 {
		m.timeouts.Validate = DefaultTimeouts.Validate
	}
	if m.timeouts.Cleanup <= 0 {
		m.timeouts.Cleanup = DefaultTimeouts.Cleanup
	}
	if m.newRunID == nil {
		m.newRunID = uuid.NewString
	}
	return m
}

// ObserveViolation counts a blocked mutation. It matches the signature of
// the production provider's violation hook.
func (m *Manager) ObserveViolation(v *safety.Violation) {
	if m.metrics != nil {
		m.metrics.SafetyViolations.Inc()
	}
}

// Lease is one acquired context. It must be released exactly once;
// further releases are no-ops.
type Lease struct {
	RunID     string
	Requested mode.TestMode
	Context   *provider.DataContext
	// Report is the validation report of the successful attempt.
	Report   report.Report
	Attempts []Attempt

	provider provider.Provider
	mu       sync.Mutex
	state    State
	once     sync.Once
	warnings []string
}

// Mode returns the mode of the acquired context.
func (l *Lease) Mode() mode.TestMode {
	return l.Context.Mode
}

// State returns the current state.
func (l *Lease) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Warnings returns the cleanup warnings recorded on release.
func (l *Lease) Warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.warnings))
	copy(out, l.warnings)
	return out
}

type run struct {
	m     *Manager
	id    string
	state State
}

func (r *run) transition(to State, md mode.TestMode) {
	t := Transition{RunID: r.id, From: r.state, To: to, Mode: md}
	r.state = to
	logging.Debug(subsystem, "Run %s: %s", r.id, t)
	if r.m.onTransition != nil {
		r.m.onTransition(t)
	}
}

// Acquire walks res's candidates until one mode produces a valid context.
// A safety violation stops the walk immediately; exhausting every candidate
// returns an *ExhaustedError naming each attempt.
func (m *Manager) Acquire(ctx context.Context, res mode.Resolution) (*Lease, error) {
	r := &run{m: m, id: m.newRunID(), state: StateResolving}
	if m.onTransition != nil {
		m.onTransition(Transition{RunID: r.id, To: StateResolving})
	}

	candidates := res.Candidates()
	requested := res.Requested
	if requested == "" {
		requested = res.Primary
	}

	var attempts []Attempt
	for i, md := range candidates {
		if i > 0 {
			r.transition(StateFallingBack, "")
		}
		r.transition(StateInitializing, md)

		start := time.Now()
		dc, rep, p, err := m.initialize(ctx, r.id, md, res)
		attempt := Attempt{Mode: md, Err: err, Duration: time.Since(start)}
		attempts = append(attempts, attempt)
		if m.metrics != nil {
			m.metrics.SetupDuration.WithLabelValues(string(md)).Observe(attempt.Duration.Seconds())
		}

		if err == nil {
			r.transition(StateReady, "")
			m.countAttempt(md, "ready")
			if m.metrics != nil {
				m.metrics.ActiveContexts.Inc()
			}
			logging.Info(subsystem, "Run %s ready in %s mode (requested %s)", r.id, md, requested)
			return &Lease{
				RunID:     r.id,
				Requested: requested,
				Context:   dc,
				Report:    rep,
				Attempts:  attempts,
				provider:  p,
				state:     StateReady,
			}, nil
		}

		m.countAttempt(md, outcome(err))
		logging.Warn(subsystem, "Run %s: %s mode unavailable: %v", r.id, md, err)

		var violation *safety.Violation
		if errors.As(err, &violation) {
			r.transition(StateFailed, "")
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			r.transition(StateFailed, "")
			return nil, fmt.Errorf("context acquisition cancelled after %s attempt: %w", md, ctxErr)
		}
	}

	r.transition(StateFailed, "")
	if m.metrics != nil {
		m.metrics.Exhausted.Inc()
	}
	exhausted := &ExhaustedError{Requested: requested, Attempts: attempts}
	logging.Error(subsystem, exhausted, "Run %s failed", r.id)
	return nil, exhausted
}

// initialize runs setup and validation for one mode. Any partial or
// rejected context is cleaned before returning.
func (m *Manager) initialize(ctx context.Context, runID string, md mode.TestMode, res mode.Resolution) (*provider.DataContext, report.Report, provider.Provider, error) {
	if reason, ok := res.Unavailable[md]; ok {
		return nil, report.Report{}, nil, &provider.SetupError{Mode: md, Reason: reason}
	}
	p, ok := m.providers[md]
	if !ok {
		return nil, report.Report{}, nil, &provider.SetupError{Mode: md, Reason: "no provider configured"}
	}

	dc, err := m.setup(ctx, p, md, runID)
	if err != nil {
		if dc != nil {
			m.cleanup(ctx, p, dc)
		}
		return nil, report.Report{}, nil, err
	}

	ok, rep := m.validate(ctx, p, dc)
	if !ok {
		m.cleanup(ctx, p, dc)
		issues := rep.ValidationErrors
		for _, fs := range rep.FailingSelectors {
			issues = append(issues, fmt.Sprintf("%s (%s): %s", fs.Element, fs.Selector, fs.Reason))
		}
		return nil, rep, nil, &provider.ValidationFailure{Mode: md, Issues: issues}
	}
	return dc, rep, p, nil
}

type setupResult struct {
	dc  *provider.DataContext
	err error
}

// setup calls the provider under the setup timeout. When the timeout fires
// the provider gets the cleanup timeout to return; a partial context it
// hands back is cleaned here.
func (m *Manager) setup(ctx context.Context, p provider.Provider, md mode.TestMode, runID string) (*provider.DataContext, error) {
	setupCtx, cancel := context.WithTimeout(ctx, m.timeouts.Setup)
	defer cancel()

	done := make(chan setupResult, 1)
	go func() {
		dc, err := p.SetupContext(setupCtx, md, runID)
		done <- setupResult{dc: dc, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && setupCtx.Err() != nil {
			res.err = m.interrupted(ctx, md, res.err)
		}
		return res.dc, res.err
	case <-setupCtx.Done():
	}

	grace := time.NewTimer(m.timeouts.Cleanup)
	defer grace.Stop()
	select {
	case late := <-done:
		if late.dc != nil {
			m.cleanup(ctx, p, late.dc)
		}
	case <-grace.C:
		logging.Warn(subsystem, "Run %s: %s provider ignored cancellation, cleaning up in background", runID, md)
		go func() {
			if late := <-done; late.dc != nil {
				m.cleanup(context.Background(), p, late.dc)
			}
		}()
	}
	return nil, m.interrupted(ctx, md, setupCtx.Err())
}

func (m *Manager) interrupted(ctx context.Context, md mode.TestMode, err error) error {
	if ctx.Err() != nil {
		return &provider.SetupError{Mode: md, Reason: "setup interrupted", Err: ctx.Err()}
	}
	return &provider.SetupError{Mode: md, Reason: fmt.Sprintf("setup did not finish within %s", m.timeouts.Setup), Err: err}
}

type validateResult struct {
	ok  bool
	rep report.Report
}

// validate calls the provider under the validation timeout. A timeout is
// a failed validation.
func (m *Manager) validate(ctx context.Context, p provider.Provider, dc *provider.DataContext) (bool, report.Report) {
	valCtx, cancel := context.WithTimeout(ctx, m.timeouts.Validate)
	defer cancel()

	done := make(chan validateResult, 1)
	go func() {
		ok, rep := p.ValidateContext(valCtx, dc)
		done <- validateResult{ok: ok, rep: rep}
	}()

	select {
	case res := <-done:
		if res.ok || valCtx.Err() == nil {
			return res.ok, res.rep
		}
	case <-valCtx.Done():
	}

	rep := report.New(string(p.Mode()))
	if ctx.Err() != nil {
		rep.Fail("validation interrupted: %v", ctx.Err())
	} else {
		rep.Fail("validation did not finish within %s", m.timeouts.Validate)
	}
	return false, rep
}

// cleanup runs on a context detached from ctx's cancellation so a
// cancelled scenario still cleans, bounded by the cleanup timeout.
func (m *Manager) cleanup(ctx context.Context, p provider.Provider, dc *provider.DataContext) []*provider.CleanupFailure {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeouts.Cleanup)
	defer cancel()

	failures := p.CleanupContext(cleanupCtx, dc)
	if len(failures) > 0 && m.metrics != nil {
		m.metrics.CleanupFailures.WithLabelValues(string(dc.Mode)).Add(float64(len(failures)))
	}
	return failures
}

// Release cleans up the lease's context. Cleanup failures are logged and
// returned as warnings, never as errors.
func (m *Manager) Release(ctx context.Context, l *Lease) []string {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		failures := m.cleanup(ctx, l.provider, l.Context)
		warnings := make([]string, 0, len(failures))
		for _, f := range failures {
			logging.Warn(subsystem, "Run %s: %v", l.RunID, f)
			warnings = append(warnings, "manual cleanup required: "+f.Error())
		}

		l.mu.Lock()
		l.warnings = warnings
		l.state = StateReleased
		l.mu.Unlock()

		if m.metrics != nil {
			m.metrics.ActiveContexts.Dec()
			m.metrics.ReleasedContexts.WithLabelValues(string(l.Context.Mode)).Inc()
		}
		if m.onTransition != nil {
			m.onTransition(Transition{RunID: l.RunID, From: StateReady, To: StateReleased})
		}
		logging.Debug(subsystem, "Run %s released", l.RunID)
	})
	return l.Warnings()
}

// Outcome summarizes a scoped run.
type Outcome struct {
	RunID     string
	Requested mode.TestMode
	Mode      mode.TestMode
	Attempts  []Attempt
	Report    report.Report
	Warnings  []string
}

// Run acquires a context, calls fn with it and releases it, even when fn
// panics. The returned error is the acquisition error or fn's error.
func (m *Manager) Run(ctx context.Context, res mode.Resolution, fn func(context.Context, *provider.DataContext) error) (out Outcome, err error) {
	lease, err := m.Acquire(ctx, res)
	if err != nil {
		var exhausted *ExhaustedError
		if errors.As(err, &exhausted) {
			out.Attempts = exhausted.Attempts
			out.Requested = exhausted.Requested
		}
		return out, err
	}

	out = Outcome{
		RunID:     lease.RunID,
		Requested: lease.Requested,
		Mode:      lease.Mode(),
		Attempts:  lease.Attempts,
		Report:    lease.Report,
	}
	defer func() {
		out.Warnings = m.Release(ctx, lease)
	}()

	return out, fn(ctx, lease.Context)
}

func (m *Manager) countAttempt(md mode.TestMode, result string) {
	if m.metrics != nil {
		m.metrics.Attempts.WithLabelValues(string(md), result).Inc()
	}
}

func outcome(err error) string {
	var (
		setupErr   *provider.SetupError
		validation *provider.ValidationFailure
		violation  *safety.Violation
	)
	switch {
	case errors.As(err, &violation):
		return "safety_violation"
	case errors.As(err, &validation):
		return "validation_failed"
	case errors.As(err, &setupErr):
		return "setup_failed"
	default:
		return "error"
	}
}
