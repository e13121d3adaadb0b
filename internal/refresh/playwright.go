package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/session"
	"github.com/m0nkmaster/msteams-mcp-sub000/pkg/logging"
)

// playwrightDriver drives a Chromium instance bound to a persistent profile
// directory.
type playwrightDriver struct {
	pw      *playwright.Playwright
	browser playwright.BrowserContext
	page    playwright.Page

	closeOnce sync.Once
	closeErr  error
}

// NewPlaywrightDriver launches a Chromium persistent context and returns a
// driver bound to its first page.
func NewPlaywrightDriver(ctx context.Context, opts DriverOptions) (SessionDriver, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	browser, err := pw.Chromium.LaunchPersistentContext(opts.ProfileDir, playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(opts.Headless),
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	var page playwright.Page
	if pages := browser.Pages(); len(pages) > 0 {
		page = pages[0]
	} else {
		page, err = browser.NewPage()
		if err != nil {
			browser.Close()
			pw.Stop()
			return nil, fmt.Errorf("failed to open page: %w", err)
		}
	}

	logging.Debug("Browser", "Launched persistent browser context (profile=%s, headless=%v)", opts.ProfileDir, opts.Headless)

	return &playwrightDriver{pw: pw, browser: browser, page: page}, nil
}

func (d *playwrightDriver) Navigate(ctx context.Context, url string) (string, error) {
	_, err := d.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   timeoutMillis(ctx),
	})
	if err != nil {
		return "", fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return d.page.URL(), nil
}

func (d *playwrightDriver) CurrentURL(ctx context.Context) (string, error) {
	return d.page.URL(), nil
}

func (d *playwrightDriver) Click(ctx context.Context, selector string) error {
	return d.page.Click(selector, playwright.PageClickOptions{
		Timeout: timeoutMillis(ctx),
	})
}

func (d *playwrightDriver) WaitForResponse(ctx context.Context, match func(url string) bool, trigger func(ctx context.Context) error) error {
	predicate := func(resp playwright.Response) bool {
		return match(resp.URL())
	}

	_, err := d.page.ExpectResponse(predicate, func() error {
		return trigger(ctx)
	}, playwright.PageExpectResponseOptions{
		Timeout: timeoutMillis(ctx),
	})
	return err
}

func (d *playwrightDriver) StorageState(ctx context.Context) (*session.State, error) {
	raw, err := d.browser.StorageState()
	if err != nil {
		return nil, fmt.Errorf("failed to read storage state: %w", err)
	}

	state := &session.State{}

	for _, c := range raw.Cookies {
		cookie := session.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  int64(c.Expires),
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != nil {
			cookie.SameSite = string(*c.SameSite)
		}
		state.Cookies = append(state.Cookies, cookie)
	}

	for _, o := range raw.Origins {
		origin := session.OriginState{Origin: o.Origin}
		for _, entry := range o.LocalStorage {
			origin.LocalStorage = append(origin.LocalStorage, session.StorageEntry{
				Name:  entry.Name,
				Value: entry.Value,
			})
		}
		state.Origins = append(state.Origins, origin)
	}

	return state, nil
}

func (d *playwrightDriver) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		if err := d.browser.Close(); err != nil {
			d.closeErr = err
		}
		if err := d.pw.Stop(); err != nil && d.closeErr == nil {
			d.closeErr = err
		}
	})
	return d.closeErr
}

// timeoutMillis converts a context deadline to the millisecond timeout the
// driver API expects. No deadline means no timeout override.
func timeoutMillis(ctx context.Context) *float64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	return playwright.Float(float64(remaining.Milliseconds()))
}
