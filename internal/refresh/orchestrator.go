package refresh

import (
	"context"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/autherr"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/msal"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/session"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/tokencache"
	"github.com/m0nkmaster/msteams-mcp-sub000/pkg/logging"
)

// DefaultFreshnessThreshold is the minimum remaining lifetime a token must
// have to be served without triggering a refresh. Tokens closer to expiry
// than this are treated as stale even though they are still technically
// valid.
const DefaultFreshnessThreshold = 10 * time.Minute

// Orchestrator is the single entry point for "give me a usable credential".
// It layers the cache over the session store over the two refresh engines,
// escalating only as far as needed.
type Orchestrator struct {
	store     session.Store
	cache     *tokencache.Cache
	direct    *DirectEngine
	browser   *BrowserEngine
	threshold time.Duration

	// group collapses concurrent refresh triggers into one engine run.
	group singleflight.Group
}

// OrchestratorConfig configures the orchestrator.
type OrchestratorConfig struct {
	Store  session.Store
	Cache  *tokencache.Cache
	Direct *DirectEngine

	// Browser is optional. Without it the orchestrator never escalates past
	// the direct engine.
	Browser *BrowserEngine

	// FreshnessThreshold overrides DefaultFreshnessThreshold. Zero means the
	// default.
	FreshnessThreshold time.Duration
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	threshold := cfg.FreshnessThreshold
	if threshold == 0 {
		threshold = DefaultFreshnessThreshold
	}
	return &Orchestrator{
		store:     cfg.Store,
		cache:     cfg.Cache,
		direct:    cfg.Direct,
		browser:   cfg.Browser,
		threshold: threshold,
	}
}

// SearchToken returns a usable search-scope bearer token, refreshing the
// session if necessary. This is the hot path and is the only one backed by
// the in-memory token cache.
func (o *Orchestrator) SearchToken(ctx context.Context) (string, error) {
	if entry, ok := o.cache.Token(); ok && time.Until(entry.Expiry) >= o.threshold {
		return entry.AccessToken, nil
	}
	return o.TokenFor(ctx, msal.ServiceSearch)
}

// TokenFor returns a usable bearer token for the given service: from the
// persisted session if fresh enough, otherwise after one direct refresh pass.
// A token lookup never escalates to the browser; on a direct failure the
// typed error propagates to the server's retry wrapper, which owns that
// decision.
func (o *Orchestrator) TokenFor(ctx context.Context, svc msal.Service) (string, error) {
	if tok, ok := o.extractFresh(svc); ok {
		return tok, nil
	}

	if err := o.refreshDirect(ctx); err != nil {
		return "", err
	}

	if tok, ok := o.extractFresh(svc); ok {
		return tok, nil
	}
	return "", autherr.New(autherr.KindAuthExpired, "token lookup",
		"no usable token for "+svc.Name+" after refresh; interactive login required")
}

// extractFresh reads the persisted session and returns the service's token
// when it has at least the freshness threshold of lifetime left. A search
// token found this way is also promoted into the cache.
func (o *Orchestrator) extractFresh(svc msal.Service) (string, bool) {
	state, err := o.store.Load()
	if err != nil {
		return "", false
	}

	tok, ok := msal.FindBearerToken(state, svc)
	if !ok || time.Until(tok.ExpiresAt) < o.threshold {
		return "", false
	}

	if svc.Name == msal.ServiceSearch.Name {
		o.cache.SetToken(&oauth2.Token{
			AccessToken: tok.Secret,
			TokenType:   "Bearer",
			Expiry:      tok.ExpiresAt,
		})
	}
	return tok.Secret, true
}

// Reauthenticate runs one escalating refresh pass: direct first,
// browser-driven as fallback when one is configured. A browser run is
// expensive, so only the server's retry wrapper and the explicit login paths
// call this; individual token lookups stay on refreshDirect. Concurrent
// callers share a single pass.
func (o *Orchestrator) Reauthenticate(ctx context.Context) error {
	_, err, shared := o.group.Do("refresh", func() (interface{}, error) {
		return nil, o.refreshOnce(ctx)
	})
	if shared {
		logging.Debug("Orchestrator", "Joined an in-flight refresh pass")
	}
	return err
}

// refreshDirect runs a direct-only refresh pass. Concurrent lookups share a
// single pass.
func (o *Orchestrator) refreshDirect(ctx context.Context) error {
	_, err, shared := o.group.Do("refresh-direct", func() (interface{}, error) {
		_, err := o.direct.Refresh(ctx)
		return nil, err
	})
	if shared {
		logging.Debug("Orchestrator", "Joined an in-flight direct refresh pass")
	}
	return err
}

func (o *Orchestrator) refreshOnce(ctx context.Context) error {
	_, directErr := o.direct.Refresh(ctx)
	if directErr == nil {
		return nil
	}
	logging.Warn("Orchestrator", "Direct refresh failed: %v", directErr)

	if o.browser == nil {
		return directErr
	}

	// Rate limiting is the one direct failure a browser run cannot improve
	// on: the browser would hammer the same throttled endpoint.
	if autherr.KindOf(directErr) == autherr.KindRateLimited {
		return directErr
	}

	if browserErr := o.browser.Refresh(ctx); browserErr != nil {
		logging.Warn("Orchestrator", "Browser refresh failed: %v", browserErr)
		if autherr.IsAuthKind(browserErr) {
			return browserErr
		}
		if autherr.IsAuthKind(directErr) {
			return directErr
		}
		return browserErr
	}

	// The browser snapshot carries a new refresh token; a direct pass now
	// renews every scope the browser did not touch.
	if _, err := o.direct.Refresh(ctx); err != nil {
		logging.Warn("Orchestrator", "Post-browser direct refresh failed: %v", err)
	}
	return nil
}

// MessagingCredentials returns the cookie-derived messaging credentials,
// refreshing the session once if they are absent.
func (o *Orchestrator) MessagingCredentials(ctx context.Context) (*msal.MessagingCredentials, error) {
	const op = "messaging credentials"

	if creds := o.loadMessagingCredentials(); creds != nil {
		return creds, nil
	}

	if err := o.refreshDirect(ctx); err != nil {
		return nil, err
	}

	if creds := o.loadMessagingCredentials(); creds != nil {
		return creds, nil
	}
	return nil, autherr.New(autherr.KindAuthExpired, op, "no messaging credentials after refresh; interactive login required")
}

func (o *Orchestrator) loadMessagingCredentials() *msal.MessagingCredentials {
	state, err := o.store.Load()
	if err != nil {
		return nil
	}
	creds, ok := msal.FindMessagingCredentials(state)
	if !ok {
		return nil
	}
	return creds
}

// Region returns the deployment-region configuration recorded in the session
// state. It is written by the web client itself, so only a browser-driven
// refresh can produce it; a session that never saw a browser run has none.
func (o *Orchestrator) Region(ctx context.Context) (*msal.RegionConfig, error) {
	const op = "region discovery"

	if cfg, ok := o.cache.Region(); ok {
		return cfg, nil
	}

	state, err := o.store.Load()
	if err != nil {
		if err == session.ErrNoSession {
			return nil, autherr.New(autherr.KindAuthRequired, op, "no session state; interactive login required")
		}
		return nil, autherr.Wrap(autherr.KindUnknown, op, err)
	}

	cfg, ok := msal.FindRegionConfig(state)
	if !ok {
		return nil, autherr.New(autherr.KindUnknown, op, "session state carries no region discovery entry")
	}

	o.cache.SetRegion(cfg)
	return cfg, nil
}

// Logout deletes the persisted session and clears the caches.
func (o *Orchestrator) Logout() error {
	if err := o.store.Clear(); err != nil {
		return err
	}
	o.cache.Invalidate()
	logging.Info("Orchestrator", "Session cleared")
	return nil
}

// ServiceStatus is one service's token state for status reporting.
type ServiceStatus struct {
	Service   string
	Scope     string
	Valid     bool
	Fresh     bool
	ExpiresAt time.Time
}

// Status is a read-only summary of the persisted session. It never triggers
// a refresh.
type Status struct {
	HasSession      bool
	HasRefreshToken bool
	UserID          string
	TenantID        string
	Region          string
	HasCookies      bool
	Services        []ServiceStatus
}

// Status summarizes the persisted session for CLI and tool reporting.
func (o *Orchestrator) Status() (*Status, error) {
	state, err := o.store.Load()
	if err != nil {
		if err == session.ErrNoSession {
			return &Status{}, nil
		}
		return nil, err
	}

	st := &Status{HasSession: true}

	_, _, st.HasRefreshToken = msal.FindRefreshTokenRecord(state)
	if userID, ok := msal.ResolveUserID(state); ok {
		st.UserID = userID
	}
	if tenantID, ok := msal.FindTenantID(state); ok {
		st.TenantID = tenantID
	}
	if cfg, ok := msal.FindRegionConfig(state); ok {
		st.Region = cfg.Region
	}
	_, st.HasCookies = msal.FindMessagingCredentials(state)

	for _, svc := range msal.AllServices {
		entry := ServiceStatus{Service: svc.Name, Scope: svc.Scope}
		if tok, ok := msal.FindBearerToken(state, svc); ok {
			entry.Valid = true
			entry.Fresh = time.Until(tok.ExpiresAt) >= o.threshold
			entry.ExpiresAt = tok.ExpiresAt
		}
		st.Services = append(st.Services, entry)
	}

	return st, nil
}
