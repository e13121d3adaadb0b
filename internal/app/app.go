// Package app wires the application together: session store, refresh
// engines, orchestrator, downstream API client and MCP server, plus process
// lifecycle (readiness notification, signal handling, graceful shutdown).
package app

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/config"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/identity"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/refresh"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/server"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/session"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/teamsapi"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/tokencache"
	"github.com/m0nkmaster/msteams-mcp-sub000/pkg/logging"
)

// App holds the wired application components.
type App struct {
	Config       config.Config
	Store        *session.FileStore
	Cache        *tokencache.Cache
	Orchestrator *refresh.Orchestrator
	Browser      *refresh.BrowserEngine
	API          *teamsapi.Client
	Server       *server.Server

	watcher *session.Watcher
}

// New builds the application from configuration. serve controls whether the
// MCP server is constructed; CLI commands that only need the session
// machinery pass false.
func New(cfg config.Config, version string, serve bool) (*App, error) {
	sessionPath, err := cfg.ResolvedSessionPath()
	if err != nil {
		return nil, err
	}

	store, err := session.NewFileStore(sessionPath)
	if err != nil {
		return nil, err
	}

	cache := &tokencache.Cache{}

	var providerOpts []identity.Option
	if cfg.Refresh.ProviderTimeout > 0 {
		providerOpts = append(providerOpts, identity.WithHTTPClient(&http.Client{Timeout: cfg.Refresh.ProviderTimeout}))
	}
	provider := identity.NewClient(providerOpts...)

	direct := refresh.NewDirectEngine(refresh.DirectEngineConfig{
		Store:    store,
		Provider: provider,
		Cache:    cache,
		ClientID: cfg.ClientID,
	})

	var browser *refresh.BrowserEngine
	if cfg.BrowserEnabled() {
		profileDir, err := cfg.ResolvedProfileDir()
		if err != nil {
			return nil, err
		}
		browser = refresh.NewBrowserEngine(refresh.BrowserEngineConfig{
			Store:   store,
			Cache:   cache,
			Factory: refresh.NewPlaywrightDriver,
			Opts: refresh.DriverOptions{
				ProfileDir: profileDir,
				Headless:   cfg.BrowserHeadless(),
			},
			LoadTimeout: cfg.Browser.LoadTimeout,
		})
	}

	orchestrator := refresh.NewOrchestrator(refresh.OrchestratorConfig{
		Store:              store,
		Cache:              cache,
		Direct:             direct,
		Browser:            browser,
		FreshnessThreshold: cfg.Refresh.FreshnessThreshold,
	})

	app := &App{
		Config:       cfg,
		Store:        store,
		Cache:        cache,
		Orchestrator: orchestrator,
		Browser:      browser,
		API:          teamsapi.NewClient(orchestrator),
	}

	if serve {
		app.Server = server.New(server.Config{
			Name:       "msteams-mcp",
			Version:    version,
			Transport:  cfg.Server.Transport,
			ListenAddr: cfg.Server.ListenAddr,
			Session:    orchestrator,
			API:        app.API,
		})

		// Another process (interactive login, a second server) may rewrite
		// the session file; drop cached credentials when that happens.
		app.watcher = session.NewWatcher(session.WatcherConfig{
			Path: store.Path(),
			OnChange: func() {
				logging.Info("App", "Session file changed externally, invalidating caches")
				cache.Invalidate()
			},
		})
	}

	return app, nil
}

// Run starts the MCP server and blocks until the transport ends or the
// process receives SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.watcher != nil {
		if err := a.watcher.Start(); err != nil {
			logging.Warn("App", "Session watcher failed to start: %v", err)
		}
		defer a.watcher.Stop()
	}

	// No-op outside systemd units.
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logging.Warn("App", "sd_notify failed: %v", err)
	} else if sent {
		logging.Debug("App", "Notified systemd of readiness")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logging.Info("App", "Shutdown signal received")
		daemon.SdNotify(false, daemon.SdNotifyStopping)
		return a.Server.Stop(context.Background())

	case err := <-errCh:
		return err
	}
}
