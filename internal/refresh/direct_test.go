package refresh

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/autherr"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/identity"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/msal"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/session"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/tokencache"
)

const (
	testHomeAccountID = "uid-1.tid-1"
	testTenantID      = "tid-1"
)

// memStore is an in-memory session.Store. Load returns a deep copy, like the
// file store does, so unsaved engine mutations never leak back.
type memStore struct {
	mu    sync.Mutex
	state *session.State
	saves int
	loads int
}

func (s *memStore) Load() (*session.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.state == nil {
		return nil, session.ErrNoSession
	}
	raw, err := json.Marshal(s.state)
	if err != nil {
		return nil, err
	}
	var copied session.State
	if err := json.Unmarshal(raw, &copied); err != nil {
		return nil, err
	}
	return &copied, nil
}

func (s *memStore) Save(state *session.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.state = state
	return nil
}

func (s *memStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nil
	return nil
}

func makeJWT(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString([]byte("sig"))
}

func accessJWT(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	return makeJWT(t, map[string]interface{}{
		"oid": "oid-1",
		"tid": testTenantID,
		"exp": expiresAt.Unix(),
	})
}

func refreshTokenEntry(secret string) session.StorageEntry {
	rec := msal.CacheRecord{
		CredentialType: msal.CredentialTypeRefreshToken,
		HomeAccountID:  testHomeAccountID,
		Environment:    msal.Environment,
		ClientID:       msal.DefaultClientID,
		Secret:         secret,
	}
	raw, _ := json.Marshal(&rec)
	return session.StorageEntry{
		Name:  msal.RefreshTokenKey(testHomeAccountID, msal.DefaultClientID),
		Value: string(raw),
	}
}

func accessTokenEntry(svc msal.Service, secret string, expiresAt time.Time) session.StorageEntry {
	target := strings.ToLower(svc.Scope + " " + ExtraScopes)
	rec := msal.CacheRecord{
		CredentialType: msal.CredentialTypeAccessToken,
		HomeAccountID:  testHomeAccountID,
		Environment:    msal.Environment,
		ClientID:       msal.DefaultClientID,
		Secret:         secret,
		Realm:          testTenantID,
		Target:         target,
		TokenType:      "Bearer",
		ExpiresOn:      fmt.Sprintf("%d", expiresAt.Unix()),
		CachedAt:       fmt.Sprintf("%d", time.Now().Unix()),
	}
	raw, _ := json.Marshal(&rec)
	return session.StorageEntry{
		Name:  msal.AccessTokenKey(testHomeAccountID, msal.DefaultClientID, testTenantID, target),
		Value: string(raw),
	}
}

// seedStore builds a store holding a refresh token plus an expired search
// access token (the expired record supplies the tenant id).
func seedStore(t *testing.T) *memStore {
	t.Helper()
	expired := accessJWT(t, time.Now().Add(-time.Hour))
	return &memStore{state: &session.State{
		Origins: []session.OriginState{{
			Origin: msal.TeamsOrigin,
			LocalStorage: []session.StorageEntry{
				refreshTokenEntry("rt-1"),
				accessTokenEntry(msal.ServiceSearch, expired, time.Now().Add(-time.Hour)),
			},
		}},
	}}
}

// tokenRequest is one observed token endpoint exchange.
type tokenRequest struct {
	RefreshToken string
	Scope        string
}

// fakeProvider is an httptest identity provider serving the token endpoint
// and the authorization endpoint.
type fakeProvider struct {
	t  *testing.T
	mu sync.Mutex

	requests []tokenRequest
	// respond maps the 1-based request number to an override handler. Absent
	// entries get a standard success grant.
	respond map[int]func(w http.ResponseWriter)
	// rotateTo, when set, is returned as the refresh token of the first grant.
	rotateTo string
	// delayFirst stalls the first token exchange.
	delayFirst time.Duration
	// authzCalls counts derived-token exchanges.
	authzCalls int

	client  *identity.Client
	baseURL string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{t: t, respond: map[int]func(w http.ResponseWriter){}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/authz") {
			p.mu.Lock()
			p.authzCalls++
			p.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"tokens":{"skypeToken":"skype-1","expiresIn":86400}}`)
			return
		}

		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}

		p.mu.Lock()
		p.requests = append(p.requests, tokenRequest{
			RefreshToken: r.PostForm.Get("refresh_token"),
			Scope:        r.PostForm.Get("scope"),
		})
		n := len(p.requests)
		override := p.respond[n]
		rotate := ""
		if n == 1 {
			rotate = p.rotateTo
		}
		delay := time.Duration(0)
		if n == 1 {
			delay = p.delayFirst
		}
		p.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}

		if override != nil {
			override(w)
			return
		}

		access := accessJWT(t, time.Now().Add(time.Hour))
		resp := map[string]interface{}{
			"access_token": access,
			"token_type":   "Bearer",
			"expires_in":   3600,
		}
		if rotate != "" {
			resp["refresh_token"] = rotate
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	p.baseURL = srv.URL
	p.client = identity.NewClient(identity.WithEndpoints(srv.URL, srv.URL+"/authz"))
	return p
}

func (p *fakeProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func newDirectEngine(store session.Store, provider *fakeProvider, cache *tokencache.Cache) *DirectEngine {
	return NewDirectEngine(DirectEngineConfig{
		Store:    store,
		Provider: provider.client,
		Cache:    cache,
	})
}

func TestDirectEngine_RefreshesAllScopes(t *testing.T) {
	store := seedStore(t)
	provider := newFakeProvider(t)
	cache := &tokencache.Cache{}
	cache.SetToken(&oauth2.Token{AccessToken: "stale", Expiry: time.Now().Add(time.Hour)})

	engine := newDirectEngine(store, provider, cache)

	result, err := engine.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if result.TokensRefreshed != len(msal.AllServices) {
		t.Errorf("TokensRefreshed = %d, want %d", result.TokensRefreshed, len(msal.AllServices))
	}
	if !result.CookiesUpdated {
		t.Error("expected cookie derivation from the middle-tier grant")
	}
	if store.saves != 1 {
		t.Errorf("expected exactly one write-back, got %d", store.saves)
	}
	if _, ok := cache.Token(); ok {
		t.Error("write-back must invalidate the token cache")
	}

	// Every batch scope got a request with the extra scopes appended.
	if got := provider.requestCount(); got != len(msal.AllServices) {
		t.Fatalf("request count = %d, want %d", got, len(msal.AllServices))
	}
	for i, req := range provider.requests {
		if !strings.HasSuffix(req.Scope, ExtraScopes) {
			t.Errorf("request %d scope %q missing extra scopes", i+1, req.Scope)
		}
	}

	// Persisted state now has a usable token for every service and the
	// replicated messaging cookies.
	state, err := store.Load()
	if err != nil {
		t.Fatalf("Load after refresh: %v", err)
	}
	for _, svc := range msal.AllServices {
		if _, ok := msal.FindBearerToken(state, svc); !ok {
			t.Errorf("no usable %s token after refresh", svc.Name)
		}
	}
	for _, domain := range msal.SkypeTokenDomains {
		if v, ok := state.CookieValue(msal.SkypeTokenCookie, domain); !ok || v != "skype-1" {
			t.Errorf("messaging cookie missing on %s", domain)
		}
	}
	if _, ok := state.CookieValue(msal.AuthTokenCookie, msal.TeamsCookieDomain); !ok {
		t.Error("encoded auth token cookie missing")
	}
}

func TestDirectEngine_ExpiredRecordOverwrittenInPlace(t *testing.T) {
	store := seedStore(t)
	provider := newFakeProvider(t)

	before, _ := store.Load()
	var beforeKey string
	for _, entry := range before.StorageFor(msal.TeamsOrigin) {
		if strings.Contains(entry.Name, "accesstoken") {
			beforeKey = entry.Name
		}
	}
	if beforeKey == "" {
		t.Fatal("seed state missing access token record")
	}

	engine := newDirectEngine(store, provider, &tokencache.Cache{})
	if _, err := engine.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	after, _ := store.Load()
	searchKeys := 0
	for _, entry := range after.StorageFor(msal.TeamsOrigin) {
		if strings.Contains(entry.Name, "accesstoken") && strings.Contains(entry.Name, "substratesearch") {
			searchKeys++
			if entry.Name != beforeKey {
				t.Errorf("search record key changed: %q -> %q", beforeKey, entry.Name)
			}
		}
	}
	if searchKeys != 1 {
		t.Errorf("expected the expired search record rewritten in place, found %d records", searchKeys)
	}
}

func TestDirectEngine_RotationPropagatesMidBatch(t *testing.T) {
	store := seedStore(t)
	provider := newFakeProvider(t)
	provider.rotateTo = "rt-2"

	engine := newDirectEngine(store, provider, &tokencache.Cache{})
	result, err := engine.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !result.RefreshTokenRotated {
		t.Fatal("expected rotation to be reported")
	}

	if provider.requests[0].RefreshToken != "rt-1" {
		t.Errorf("first request token = %q, want rt-1", provider.requests[0].RefreshToken)
	}
	for i, req := range provider.requests[1:] {
		if req.RefreshToken != "rt-2" {
			t.Errorf("request %d submitted %q, want the rotated token", i+2, req.RefreshToken)
		}
	}

	// The persisted record must carry the newest secret.
	state, _ := store.Load()
	_, rec, ok := msal.FindRefreshTokenRecord(state)
	if !ok || rec.Secret != "rt-2" {
		t.Errorf("persisted refresh token = %+v, want rotated secret", rec)
	}
}

func TestDirectEngine_ProviderRejectionAbortsBatch(t *testing.T) {
	store := seedStore(t)
	provider := newFakeProvider(t)
	provider.respond[2] = func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"AADSTS50173"}`)
	}

	engine := newDirectEngine(store, provider, &tokencache.Cache{})
	_, err := engine.Refresh(context.Background())

	if autherr.KindOf(err) != autherr.KindAuthExpired {
		t.Fatalf("expected AuthExpired, got %v (%v)", autherr.KindOf(err), err)
	}
	if got := provider.requestCount(); got != 2 {
		t.Errorf("batch should abort at the rejection, got %d requests", got)
	}
	if store.saves != 0 {
		t.Error("an aborted batch must not write back")
	}
}

func TestDirectEngine_TransientFailureSkipsScope(t *testing.T) {
	store := seedStore(t)
	provider := newFakeProvider(t)
	provider.respond[3] = func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadGateway)
	}

	engine := newDirectEngine(store, provider, &tokencache.Cache{})
	result, err := engine.Refresh(context.Background())
	if err != nil {
		t.Fatalf("a partial batch should still succeed, got %v", err)
	}

	if result.TokensRefreshed != len(msal.AllServices)-1 {
		t.Errorf("TokensRefreshed = %d, want %d", result.TokensRefreshed, len(msal.AllServices)-1)
	}
	if got := provider.requestCount(); got != len(msal.AllServices) {
		t.Errorf("all scopes must still be attempted, got %d requests", got)
	}
	if store.saves != 1 {
		t.Error("a partial batch must still write back")
	}
}

func TestDirectEngine_AllScopesFailKeepsKind(t *testing.T) {
	store := seedStore(t)
	provider := newFakeProvider(t)
	for i := 1; i <= len(msal.AllServices); i++ {
		provider.respond[i] = func(w http.ResponseWriter) {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
		}
	}

	engine := newDirectEngine(store, provider, &tokencache.Cache{})
	_, err := engine.Refresh(context.Background())

	if autherr.KindOf(err) != autherr.KindRateLimited {
		t.Errorf("throttled batch should surface RateLimited, got %v", autherr.KindOf(err))
	}
	if store.saves != 0 {
		t.Error("a failed batch must not write back")
	}
}

func TestDirectEngine_NoSessionIsAuthRequired(t *testing.T) {
	engine := newDirectEngine(&memStore{}, newFakeProvider(t), &tokencache.Cache{})

	_, err := engine.Refresh(context.Background())
	if autherr.KindOf(err) != autherr.KindAuthRequired {
		t.Errorf("missing session should be AuthRequired, got %v", autherr.KindOf(err))
	}
}

func TestDirectEngine_NoRefreshTokenIsAuthRequired(t *testing.T) {
	store := &memStore{state: &session.State{
		Origins: []session.OriginState{{
			Origin: msal.TeamsOrigin,
			LocalStorage: []session.StorageEntry{
				accessTokenEntry(msal.ServiceSearch, "eyJ.x.y", time.Now().Add(time.Hour)),
			},
		}},
	}}

	engine := newDirectEngine(store, newFakeProvider(t), &tokencache.Cache{})
	_, err := engine.Refresh(context.Background())
	if autherr.KindOf(err) != autherr.KindAuthRequired {
		t.Errorf("missing refresh token should be AuthRequired, got %v", autherr.KindOf(err))
	}
}

func TestDirectEngine_CookieDerivationFailureIsNotFatal(t *testing.T) {
	store := seedStore(t)
	provider := newFakeProvider(t)

	srvFail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srvFail.Close)

	// Token endpoint from the healthy provider, authz endpoint broken.
	engine := NewDirectEngine(DirectEngineConfig{
		Store:    store,
		Provider: identity.NewClient(identity.WithEndpoints(provider.baseURL, srvFail.URL)),
		Cache:    &tokencache.Cache{},
	})

	result, err := engine.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if result.CookiesUpdated {
		t.Error("cookie derivation failed, CookiesUpdated must be false")
	}
	if result.TokensRefreshed != len(msal.AllServices) {
		t.Errorf("token refreshes must survive a cookie derivation failure, got %d", result.TokensRefreshed)
	}
	if store.saves != 1 {
		t.Error("write-back must still happen")
	}
}
