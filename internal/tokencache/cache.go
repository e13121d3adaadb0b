// Package tokencache holds the process-wide short-lived caches: the most
// recently extracted primary search token and the derived region
// configuration. Both are created lazily on first read and torn down on
// logout, detected auth failure, or write-back of a fresher session.
//
// There is exactly one logical session, so last-write-wins semantics are
// acceptable; the only requirement is that writers invalidate before the
// next read can observe stale values.
package tokencache

import (
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/msal"
	"github.com/m0nkmaster/msteams-mcp-sub000/pkg/logging"
)

// Entry is the cached token in its standard oauth2 representation, plus the
// instant it was extracted from the session state.
type Entry struct {
	oauth2.Token

	ExtractedAt time.Time
}

// Cache is the shared mutable cache. The zero value is ready to use.
type Cache struct {
	mu     sync.RWMutex
	token  *Entry
	region *msal.RegionConfig
}

// Token returns the cached search token if one is present and not expired.
func (c *Cache) Token() (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.token == nil || !c.token.Expiry.After(time.Now()) {
		return nil, false
	}
	return c.token, true
}

// SetToken caches a freshly extracted search token.
func (c *Cache) SetToken(tok *oauth2.Token) {
	c.mu.Lock()
	c.token = &Entry{
		Token:       *tok,
		ExtractedAt: time.Now(),
	}
	c.mu.Unlock()
}

// Region returns the cached region configuration, if derived.
func (c *Cache) Region() (*msal.RegionConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.region == nil {
		return nil, false
	}
	return c.region, true
}

// SetRegion caches the derived region configuration.
func (c *Cache) SetRegion(cfg *msal.RegionConfig) {
	c.mu.Lock()
	c.region = cfg
	c.mu.Unlock()
}

// Invalidate clears both caches. Called on logout, on detected auth failure,
// and after every successful session write-back.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	hadToken := c.token != nil
	c.token = nil
	c.region = nil
	c.mu.Unlock()

	if hadToken {
		logging.Debug("TokenCache", "Invalidated cached token and region config")
	}
}
