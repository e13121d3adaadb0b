package refresh

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/autherr"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/msal"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/session"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/tokencache"
)

// fakeDriver is a scriptable SessionDriver.
type fakeDriver struct {
	finalURL   string
	navErr     error
	state      *session.State
	stateErr   error
	primingErr error
	clicked    bool
	closed     bool
	navStarted chan struct{}
	navRelease chan struct{}
}

func (d *fakeDriver) Navigate(ctx context.Context, url string) (string, error) {
	if d.navStarted != nil {
		close(d.navStarted)
	}
	if d.navRelease != nil {
		select {
		case <-d.navRelease:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return d.finalURL, d.navErr
}

func (d *fakeDriver) CurrentURL(ctx context.Context) (string, error) {
	return d.finalURL, nil
}

func (d *fakeDriver) Click(ctx context.Context, selector string) error {
	d.clicked = true
	return nil
}

func (d *fakeDriver) WaitForResponse(ctx context.Context, match func(string) bool, trigger func(context.Context) error) error {
	if err := trigger(ctx); err != nil {
		return err
	}
	if d.primingErr != nil {
		return d.primingErr
	}
	// Simulate the observed token exchange.
	if !match("https://login.microsoftonline.com/tid-1/oauth2/v2.0/token") {
		return errors.New("predicate rejected the token endpoint URL")
	}
	return nil
}

func (d *fakeDriver) StorageState(ctx context.Context) (*session.State, error) {
	return d.state, d.stateErr
}

func (d *fakeDriver) Close(ctx context.Context) error {
	d.closed = true
	return nil
}

func stateWithRefreshToken() *session.State {
	return &session.State{
		Origins: []session.OriginState{{
			Origin:       msal.TeamsOrigin,
			LocalStorage: []session.StorageEntry{refreshTokenEntry("rt-browser")},
		}},
	}
}

func newBrowserEngine(store session.Store, cache *tokencache.Cache, driver *fakeDriver) *BrowserEngine {
	return NewBrowserEngine(BrowserEngineConfig{
		Store: store,
		Cache: cache,
		Factory: func(ctx context.Context, opts DriverOptions) (SessionDriver, error) {
			return driver, nil
		},
	})
}

func TestBrowserEngine_SnapshotPersisted(t *testing.T) {
	store := &memStore{}
	cache := &tokencache.Cache{}
	cache.SetToken(&oauth2.Token{AccessToken: "stale", Expiry: time.Now().Add(time.Hour)})

	driver := &fakeDriver{
		finalURL: DefaultAppURL,
		state:    stateWithRefreshToken(),
	}

	engine := newBrowserEngine(store, cache, driver)
	if err := engine.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if store.saves != 1 {
		t.Errorf("expected one write-back, got %d", store.saves)
	}
	if !driver.clicked {
		t.Error("search priming should have clicked the search box")
	}
	if !driver.closed {
		t.Error("driver must be closed")
	}
	if _, ok := cache.Token(); ok {
		t.Error("write-back must invalidate the token cache")
	}

	state, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, _, ok := msal.FindRefreshTokenRecord(state); !ok {
		t.Error("persisted snapshot missing the refresh token")
	}
}

func TestBrowserEngine_LoginRedirectIsAuthExpired(t *testing.T) {
	store := &memStore{}
	driver := &fakeDriver{
		finalURL: "https://login.microsoftonline.com/common/oauth2/v2.0/authorize?client_id=...",
		state:    stateWithRefreshToken(),
	}

	engine := newBrowserEngine(store, &tokencache.Cache{}, driver)
	err := engine.Refresh(context.Background())

	if autherr.KindOf(err) != autherr.KindAuthExpired {
		t.Fatalf("login redirect should be AuthExpired, got %v (%v)", autherr.KindOf(err), err)
	}
	if store.saves != 0 {
		t.Error("a redirected session must not be persisted")
	}
	if !driver.closed {
		t.Error("driver must be closed on failure too")
	}
}

func TestBrowserEngine_PrimingFailureStillPersists(t *testing.T) {
	store := &memStore{}
	driver := &fakeDriver{
		finalURL:   DefaultAppURL,
		state:      stateWithRefreshToken(),
		primingErr: errors.New("timed out waiting for response"),
	}

	engine := newBrowserEngine(store, &tokencache.Cache{}, driver)
	if err := engine.Refresh(context.Background()); err != nil {
		t.Fatalf("priming is best effort, Refresh should succeed: %v", err)
	}
	if store.saves != 1 {
		t.Error("snapshot should be persisted despite priming failure")
	}
}

func TestBrowserEngine_SnapshotWithoutRefreshTokenIsAuthExpired(t *testing.T) {
	store := &memStore{}
	driver := &fakeDriver{
		finalURL: DefaultAppURL,
		state:    &session.State{},
	}

	engine := newBrowserEngine(store, &tokencache.Cache{}, driver)
	err := engine.Refresh(context.Background())

	if autherr.KindOf(err) != autherr.KindAuthExpired {
		t.Fatalf("tokenless snapshot should be AuthExpired, got %v", autherr.KindOf(err))
	}
	if store.saves != 0 {
		t.Error("a tokenless snapshot must not be persisted")
	}
}

func TestBrowserEngine_ConcurrentRefreshIsRejected(t *testing.T) {
	store := &memStore{}
	driver := &fakeDriver{
		finalURL:   DefaultAppURL,
		state:      stateWithRefreshToken(),
		navStarted: make(chan struct{}),
		navRelease: make(chan struct{}),
	}

	engine := newBrowserEngine(store, &tokencache.Cache{}, driver)

	done := make(chan error, 1)
	go func() {
		done <- engine.Refresh(context.Background())
	}()

	<-driver.navStarted
	if err := engine.Refresh(context.Background()); !errors.Is(err, autherr.ErrRefreshInProgress) {
		t.Errorf("second refresh should be rejected as busy, got %v", err)
	}

	close(driver.navRelease)
	if err := <-done; err != nil {
		t.Errorf("first refresh should complete: %v", err)
	}
}
