package refresh

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/autherr"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/msal"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/session"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/tokencache"
	"github.com/m0nkmaster/msteams-mcp-sub000/pkg/logging"
)

const (
	// DefaultAppURL is the web client entry point loaded to let the
	// application mint fresh tokens itself.
	DefaultAppURL = "https://teams.microsoft.com/v2/"

	// DefaultLoadTimeout bounds the initial navigation and settle.
	DefaultLoadTimeout = 90 * time.Second

	// DefaultPrimingTimeout bounds the search-priming step.
	DefaultPrimingTimeout = 30 * time.Second

	// searchBoxSelector is the web client's top search input. Focusing it
	// forces the client to request a search-scope token if it does not hold
	// a fresh one.
	searchBoxSelector = `[data-tid="app-bar-search"] input, #ms-searchux-input`
)

// loginHosts are identity-provider hosts. Landing on one of them after
// navigation means the application session is gone and a human has to sign
// in.
var loginHosts = []string{
	"login.microsoftonline.com",
	"login.live.com",
	"login.microsoft.com",
}

// BrowserEngine refreshes the session by loading the real web client in an
// automated browser and letting the application's own auth stack do the
// work, then snapshotting the resulting browser state.
type BrowserEngine struct {
	store   session.Store
	cache   *tokencache.Cache
	factory DriverFactory
	opts    DriverOptions

	appURL         string
	loadTimeout    time.Duration
	primingTimeout time.Duration

	// mu serializes browser refreshes. A second caller gets an immediate
	// busy error instead of a second browser.
	mu sync.Mutex
}

// BrowserEngineConfig configures the browser-driven engine.
type BrowserEngineConfig struct {
	Store   session.Store
	Cache   *tokencache.Cache
	Factory DriverFactory
	Opts    DriverOptions

	// AppURL overrides the web client entry point. Empty means DefaultAppURL.
	AppURL string

	// LoadTimeout and PrimingTimeout override the step timeouts. Zero means
	// the defaults.
	LoadTimeout    time.Duration
	PrimingTimeout time.Duration
}

// NewBrowserEngine creates a browser-driven refresh engine.
func NewBrowserEngine(cfg BrowserEngineConfig) *BrowserEngine {
	e := &BrowserEngine{
		store:          cfg.Store,
		cache:          cfg.Cache,
		factory:        cfg.Factory,
		opts:           cfg.Opts,
		appURL:         cfg.AppURL,
		loadTimeout:    cfg.LoadTimeout,
		primingTimeout: cfg.PrimingTimeout,
	}
	if e.appURL == "" {
		e.appURL = DefaultAppURL
	}
	if e.loadTimeout == 0 {
		e.loadTimeout = DefaultLoadTimeout
	}
	if e.primingTimeout == 0 {
		e.primingTimeout = DefaultPrimingTimeout
	}
	return e
}

// Refresh loads the web client, lets it re-establish its own session, primes
// a search-scope token request, and persists the browser's storage snapshot.
//
// At most one browser refresh runs at a time; a concurrent caller receives
// ErrRefreshInProgress immediately.
func (e *BrowserEngine) Refresh(ctx context.Context) error {
	const op = "browser refresh"

	if !e.mu.TryLock() {
		return autherr.ErrRefreshInProgress
	}
	defer e.mu.Unlock()

	logging.Info("Browser", "Starting browser-driven session refresh (headless=%v)", e.opts.Headless)

	driver, err := e.factory(ctx, e.opts)
	if err != nil {
		return autherr.Wrap(autherr.KindUnknown, op, err)
	}
	defer driver.Close(context.Background())

	loadCtx, cancel := context.WithTimeout(ctx, e.loadTimeout)
	defer cancel()

	finalURL, err := driver.Navigate(loadCtx, e.appURL)
	if err != nil {
		return autherr.Wrap(autherr.KindTimeout, op, err)
	}

	if isLoginRedirect(finalURL) {
		logging.Warn("Browser", "Web client redirected to interactive sign-in")
		return autherr.New(autherr.KindAuthExpired, op, "redirected to interactive sign-in; manual login required")
	}

	// Loading alone does not guarantee the client requested a search-scope
	// token. Poke the search box and wait for the resulting token exchange.
	// Best effort: the snapshot is still worth taking if priming fails,
	// since the client refreshes its core tokens on load.
	primingCtx, cancelPriming := context.WithTimeout(ctx, e.primingTimeout)
	defer cancelPriming()

	err = driver.WaitForResponse(primingCtx, isTokenEndpointURL, func(ctx context.Context) error {
		return driver.Click(ctx, searchBoxSelector)
	})
	if err != nil {
		logging.Warn("Browser", "Search-scope priming did not complete: %v", err)
	}

	state, err := driver.StorageState(ctx)
	if err != nil {
		return autherr.Wrap(autherr.KindUnknown, op, err)
	}

	// A snapshot without a refresh token means the client never signed in;
	// persisting it would clobber nothing useful but also helps nobody.
	if _, _, ok := msal.FindRefreshTokenRecord(state); !ok {
		return autherr.New(autherr.KindAuthExpired, op, "browser session holds no refresh token; manual login required")
	}

	if err := e.store.Save(state); err != nil {
		return autherr.Wrap(autherr.KindUnknown, op, err)
	}
	e.cache.Invalidate()

	logging.Info("Browser", "Browser refresh complete, session state persisted")
	return nil
}

// Login runs the same flow but treats a sign-in redirect as the expected
// path: it waits for the user to complete authentication and the client to
// land back on the application before snapshotting. Used by the interactive
// login command, never by the server.
func (e *BrowserEngine) Login(ctx context.Context, timeout time.Duration) error {
	const op = "interactive login"

	if !e.mu.TryLock() {
		return autherr.ErrRefreshInProgress
	}
	defer e.mu.Unlock()

	driver, err := e.factory(ctx, e.opts)
	if err != nil {
		return autherr.Wrap(autherr.KindUnknown, op, err)
	}
	defer driver.Close(context.Background())

	loadCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := driver.Navigate(loadCtx, e.appURL); err != nil {
		return autherr.Wrap(autherr.KindTimeout, op, err)
	}

	// Poll until the user has worked through the provider's sign-in pages
	// and the client has a refresh token in storage.
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		current, err := driver.CurrentURL(loadCtx)
		if err == nil && !isLoginRedirect(current) {
			state, err := driver.StorageState(loadCtx)
			if err == nil {
				if _, _, ok := msal.FindRefreshTokenRecord(state); ok {
					if err := e.store.Save(state); err != nil {
						return autherr.Wrap(autherr.KindUnknown, op, err)
					}
					e.cache.Invalidate()
					logging.Info("Browser", "Interactive login complete, session state persisted")
					return nil
				}
			}
		}

		select {
		case <-loadCtx.Done():
			return autherr.New(autherr.KindTimeout, op, "sign-in did not complete in time")
		case <-ticker.C:
		}
	}
}

func isLoginRedirect(rawURL string) bool {
	for _, host := range loginHosts {
		if strings.Contains(rawURL, host) {
			return true
		}
	}
	return false
}

func isTokenEndpointURL(rawURL string) bool {
	return strings.Contains(rawURL, "/oauth2/v2.0/token")
}
