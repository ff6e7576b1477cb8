// Package rodprobe implements elements.Prober on a Chrome page driven by go-rod.
package rodprobe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"testctx/pkg/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Prober checks elements on one page.
type Prober struct {
	page *rod.Page
}

// New wraps an open page.
func New(page *rod.Page) *Prober {
	return &Prober{page: page}
}

// Visible implements elements.Prober.
func (p *Prober) Visible(ctx context.Context, selector string, wait time.Duration) (bool, error) {
	page := p.page.Context(ctx)
	if wait > 0 {
		page = page.Timeout(wait)
	}

	var (
		el  *rod.Element
		err error
	)
	if wait > 0 {
		el, err = page.Element(selector)
	} else {
		var has bool
		has, el, err = page.Has(selector)
		if err == nil && !has {
			return false, nil
		}
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return false, nil
		}
		return false, fmt.Errorf("query %q: %w", selector, err)
	}
	return el.Visible()
}

// Text implements elements.Prober.
func (p *Prober) Text(ctx context.Context, selector string) (string, error) {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return "", fmt.Errorf("query %q: %w", selector, err)
	}
	return el.Text()
}

// Session is a launched browser with one page open.
type Session struct {
	*Prober
	browser  *rod.Browser
	launcher *launcher.Launcher
}

// Open launches a local browser and navigates to url.
func Open(ctx context.Context, url string, headless bool) (*Session, error) {
	l := launcher.New().Headless(headless).Context(ctx)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().Context(ctx).ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		browser.Close()
		l.Kill()
		return nil, fmt.Errorf("create page: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		browser.Close()
		l.Kill()
		return nil, fmt.Errorf("wait load: %w", err)
	}

	logging.Debug("ElementResolver", "Opened %s in browser", url)
	return &Session{Prober: New(page), browser: browser, launcher: l}, nil
}

// Close shuts the browser down.
func (s *Session) Close() error {
	err := s.browser.Close()
	s.launcher.Kill()
	return err
}
