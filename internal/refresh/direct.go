// Package refresh keeps the session's credentials fresh. It contains the two
// refresh engines (direct token-endpoint refresh and browser-driven fallback)
// and the orchestrator that decides which to use.
package refresh

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/autherr"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/identity"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/msal"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/session"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/tokencache"
	"github.com/m0nkmaster/msteams-mcp-sub000/pkg/logging"
)

// ExtraScopes are appended to every service scope in token requests, matching
// what the web client requests.
const ExtraScopes = "openid profile offline_access"

// DefaultCookieLifetime is used for the derived messaging cookie when the
// authorization endpoint omits a lifetime.
const DefaultCookieLifetime = 24 * time.Hour

// DirectEngine refreshes every required downstream scope against the identity
// provider's token endpoint, without user interaction, and writes the updated
// session state back in one atomic operation.
type DirectEngine struct {
	store    session.Store
	provider *identity.Client
	cache    *tokencache.Cache
	clientID string
}

// DirectEngineConfig configures the direct refresh engine.
type DirectEngineConfig struct {
	Store    session.Store
	Provider *identity.Client
	Cache    *tokencache.Cache

	// ClientID is used when the refresh-token record does not carry one.
	ClientID string
}

// NewDirectEngine creates a direct refresh engine.
func NewDirectEngine(cfg DirectEngineConfig) *DirectEngine {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = msal.DefaultClientID
	}
	return &DirectEngine{
		store:    cfg.Store,
		provider: cfg.Provider,
		cache:    cfg.Cache,
		clientID: clientID,
	}
}

// Result reports what a refresh pass accomplished.
type Result struct {
	// TokensRefreshed counts the scopes whose access token was renewed.
	TokensRefreshed int

	// ScopesAttempted counts all scopes in the batch.
	ScopesAttempted int

	// RefreshTokenRotated reports whether the provider issued a new refresh
	// token during the pass.
	RefreshTokenRotated bool

	// CookiesUpdated reports whether the messaging session cookies were
	// re-derived.
	CookiesUpdated bool
}

// Refresh runs one full non-interactive refresh pass.
//
// The per-scope loop is strictly sequential: the provider may rotate the
// refresh token on any grant, and later scopes must submit the rotated value.
// An explicit provider rejection of the refresh token aborts the whole batch
// (the token is rejected for every scope, not just the current one); a
// transient failure skips only the affected scope.
func (e *DirectEngine) Refresh(ctx context.Context) (*Result, error) {
	const op = "direct refresh"

	state, err := e.store.Load()
	if err != nil {
		if err == session.ErrNoSession {
			return nil, autherr.New(autherr.KindAuthRequired, op, "no session state; interactive login required")
		}
		return nil, autherr.Wrap(autherr.KindUnknown, op, err)
	}

	rtKey, rtRec, ok := msal.FindRefreshTokenRecord(state)
	if !ok {
		return nil, autherr.New(autherr.KindAuthRequired, op, "session state carries no refresh token")
	}

	// The refresh record does not carry the tenant; read it from any
	// existing access-token record's realm.
	tenantID, ok := msal.FindTenantID(state)
	if !ok {
		return nil, autherr.New(autherr.KindAuthRequired, op, "session state carries no tenant id")
	}

	clientID := rtRec.ClientID
	if clientID == "" {
		clientID = e.clientID
	}

	result := &Result{ScopesAttempted: len(msal.AllServices)}
	refreshToken := rtRec.Secret

	var cookieSource *identity.TokenResult
	var cookieRefreshedAt time.Time
	var lastRefreshedAt time.Time
	var lastErr error

	for _, svc := range msal.AllServices {
		scope := svc.Scope + " " + ExtraScopes

		// One instant per exchange: expiresOn, extendedExpiresOn and
		// cachedAt for this record must not skew against each other.
		refreshedAt := time.Now()

		grant, err := e.provider.RedeemRefreshToken(ctx, tenantID, clientID, refreshToken, scope)
		if err != nil {
			if autherr.KindOf(err) == autherr.KindAuthExpired {
				logging.Warn("Refresh", "Provider rejected the refresh token on scope %s; aborting batch", svc.Name)
				return nil, err
			}
			logging.Warn("Refresh", "Scope %s failed transiently, continuing: %v", svc.Name, err)
			lastErr = err
			continue
		}

		tok := grant.OAuth2Token(refreshedAt)

		msal.UpsertAccessTokenRecord(state, svc, msal.CacheRecord{
			CredentialType:    msal.CredentialTypeAccessToken,
			HomeAccountID:     rtRec.HomeAccountID,
			Environment:       msal.Environment,
			ClientID:          clientID,
			Secret:            tok.AccessToken,
			Realm:             tenantID,
			Target:            strings.ToLower(scope),
			TokenType:         tok.TokenType,
			ExpiresOn:         epochString(tok.Expiry),
			ExtendedExpiresOn: epochString(refreshedAt.Add(time.Duration(extExpiresIn(grant)) * time.Second)),
			CachedAt:          epochString(refreshedAt),
		})
		result.TokensRefreshed++
		lastRefreshedAt = refreshedAt

		if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
			logging.Info("Refresh", "Provider rotated the refresh token on scope %s", svc.Name)
			refreshToken = tok.RefreshToken
			result.RefreshTokenRotated = true
		}

		if svc.Name == msal.ServiceMiddleTier.Name {
			cookieSource = grant
			cookieRefreshedAt = refreshedAt
		}

		logging.Debug("Refresh", "Refreshed scope %s (expires in %ds)", svc.Name, grant.ExpiresIn)
	}

	if result.RefreshTokenRotated {
		// The old secret is permanently invalid once rotated; the persisted
		// record must only ever contain the newest value.
		msal.UpdateRefreshTokenSecret(state, rtKey, rtRec, refreshToken, epochString(lastRefreshedAt))
	}

	if cookieSource != nil {
		if err := e.deriveCookies(ctx, state, cookieSource, cookieRefreshedAt); err != nil {
			logging.Warn("Refresh", "Messaging cookie derivation failed: %v", err)
		} else {
			result.CookiesUpdated = true
		}
	}

	if result.TokensRefreshed == 0 {
		// Preserve the failure kind so callers can tell throttling from an
		// outage.
		if lastErr != nil {
			return result, lastErr
		}
		return result, autherr.New(autherr.KindNetwork, op,
			fmt.Sprintf("no scopes could be refreshed (%d attempted)", result.ScopesAttempted))
	}

	if err := e.store.Save(state); err != nil {
		return result, autherr.Wrap(autherr.KindUnknown, op, err)
	}
	e.cache.Invalidate()

	logging.Info("Refresh", "Direct refresh complete: %d/%d scopes, rotated=%v, cookies=%v",
		result.TokensRefreshed, result.ScopesAttempted, result.RefreshTokenRotated, result.CookiesUpdated)
	return result, nil
}

// deriveCookies exchanges the middle-tier access token for the derived
// messaging session token and rewrites the session cookies: the derived token
// replicated across every domain that needs it, and the access token itself
// in its encoded cookie form on the main application domain.
func (e *DirectEngine) deriveCookies(ctx context.Context, state *session.State, access *identity.TokenResult, refreshedAt time.Time) error {
	derived, err := e.provider.DeriveMessagingToken(ctx, access.AccessToken)
	if err != nil {
		return err
	}

	lifetime := DefaultCookieLifetime
	if derived.ExpiresIn > 0 {
		lifetime = time.Duration(derived.ExpiresIn) * time.Second
	}
	cookieExpiry := refreshedAt.Add(lifetime).Unix()

	for _, domain := range msal.SkypeTokenDomains {
		state.SetCookie(session.Cookie{
			Name:     msal.SkypeTokenCookie,
			Value:    derived.SkypeToken,
			Domain:   domain,
			Path:     "/",
			Expires:  cookieExpiry,
			HTTPOnly: true,
			Secure:   true,
			SameSite: "None",
		})
	}

	state.SetCookie(session.Cookie{
		Name:     msal.AuthTokenCookie,
		Value:    msal.EncodeAuthTokenCookie(access.AccessToken),
		Domain:   msal.TeamsCookieDomain,
		Path:     "/",
		Expires:  refreshedAt.Add(time.Duration(access.ExpiresIn) * time.Second).Unix(),
		HTTPOnly: false,
		Secure:   true,
		SameSite: "None",
	})

	return nil
}

func extExpiresIn(grant *identity.TokenResult) int64 {
	if grant.ExtExpiresIn > 0 {
		return grant.ExtExpiresIn
	}
	return grant.ExpiresIn
}

func epochString(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
