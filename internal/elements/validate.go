package elements

import (
	"context"
	"fmt"
	"strings"
	"time"

	"testctx/internal/mode"
	"testctx/internal/report"
	"testctx/pkg/logging"
)

// TextHasPrefix returns a predicate requiring the element text to start
// with prefix, such as the test marker of records rendered on the page.
func TextHasPrefix(prefix string) Predicate {
	return func(ctx context.Context, p Prober, selector string) error {
		text, err := p.Text(ctx, selector)
		if err != nil {
			return fmt.Errorf("failed to read text: %w", err)
		}
		if !strings.HasPrefix(strings.TrimSpace(text), prefix) {
			return fmt.Errorf("text %q does not start with %q", text, prefix)
		}
		return nil
	}
}

// ValidateElements checks the registered elements against the page behind
// prober. Required elements must become visible within their mode's wait;
// optional elements are only checked when already visible. A mode predicate
// runs only on a visible element. The result is one aggregated pass/fail.
func (r *Registry) ValidateElements(ctx context.Context, m mode.TestMode, prober Prober) (bool, report.Report) {
	rep := report.New(string(m))

	for _, name := range r.Names() {
		cfg, _ := r.Lookup(name)
		strategy := r.Strategy(name, m, cfg.BaseSelector)

		if cfg.Required {
			rep.ExpectedElements++
		}

		wait := strategy
		if !cfg.Required {
			wait.Timeout, wait.Retries = 0, 0
		}
		visible, err := waitVisible(ctx, prober, wait)
		if err != nil {
			if cfg.Required {
				r.fail(&rep, name, strategy.Selector, fmt.Sprintf("lookup failed: %v", err))
			} else {
				rep.Warn("optional element %s (%s) lookup failed: %v", name, strategy.Selector, err)
			}
			continue
		}
		if !visible {
			if cfg.Required {
				r.fail(&rep, name, strategy.Selector, fmt.Sprintf("not visible within %s", strategy.Timeout))
			}
			continue
		}
		if cfg.Required {
			rep.FoundElements++
		}

		if pred, ok := cfg.Validators[m]; ok && pred != nil {
			if err := pred(ctx, prober, strategy.Selector); err != nil {
				r.fail(&rep, name, strategy.Selector, fmt.Sprintf("%s check failed: %v", m, err))
			}
		}
	}

	if rep.Passed {
		logging.Debug(subsystem, "All %d required elements visible in %s mode", rep.ExpectedElements, m)
	}
	return rep.Passed, rep
}

func (r *Registry) fail(rep *report.Report, name, selector, reason string) {
	logging.Warn(subsystem, "Element %s failed with selector %q: %s", name, selector, reason)
	rep.FailSelector(name, selector, reason)
}

// waitVisible polls up to Retries+1 times, each bounded by Timeout.
func waitVisible(ctx context.Context, prober Prober, s Strategy) (bool, error) {
	var lastErr error
	for attempt := 0; attempt <= s.Retries; attempt++ {
		if attempt > 0 && s.RetryInterval > 0 {
			t := time.NewTimer(s.RetryInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return false, ctx.Err()
			case <-t.C:
			}
		}
		visible, err := prober.Visible(ctx, s.Selector, s.Timeout)
		if err == nil && visible {
			return true, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
	}
	return false, lastErr
}
