package refresh

import (
	"context"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/session"
)

// SessionDriver is the capability surface the browser-driven engine needs
// from a browser automation backend. Implementations own a real browser
// context bound to the persistent profile.
type SessionDriver interface {
	// Navigate loads the given URL and returns the final URL after all
	// redirects have settled.
	Navigate(ctx context.Context, url string) (finalURL string, err error)

	// CurrentURL returns the page's current URL.
	CurrentURL(ctx context.Context) (string, error)

	// Click dispatches a click on the first element matching the selector.
	Click(ctx context.Context, selector string) error

	// WaitForResponse runs trigger and blocks until a network response whose
	// URL satisfies match has been observed, or ctx expires.
	WaitForResponse(ctx context.Context, match func(url string) bool, trigger func(ctx context.Context) error) error

	// StorageState snapshots the context's cookies and origin storage.
	StorageState(ctx context.Context) (*session.State, error)

	// Close tears down the browser context. Safe to call more than once.
	Close(ctx context.Context) error
}

// DriverOptions carries the launch parameters a driver factory needs.
type DriverOptions struct {
	// ProfileDir is the persistent browser profile directory. Reusing it
	// across runs is what lets the identity provider's own cookies survive,
	// so a stale application session can often recover without the user
	// re-entering credentials.
	ProfileDir string

	// Headless launches the browser without a visible window. Interactive
	// login requires a headed browser.
	Headless bool
}

// DriverFactory opens a new driver instance. The browser engine opens one
// driver per refresh attempt and closes it when done.
type DriverFactory func(ctx context.Context, opts DriverOptions) (SessionDriver, error)
