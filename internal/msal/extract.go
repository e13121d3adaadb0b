package msal

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/session"
	"github.com/m0nkmaster/msteams-mcp-sub000/pkg/logging"
)

// BearerToken is a usable bearer token extracted from the session state.
type BearerToken struct {
	// Secret is the raw compact token, presented as-is in Authorization headers.
	Secret string

	// Claims are the decoded (unverified) payload claims.
	Claims *Claims

	// ExpiresAt mirrors Claims.ExpiresAt for convenience.
	ExpiresAt time.Time

	// StorageKey is the cache entry the token came from.
	StorageKey string
}

// parseRecord attempts to decode one storage entry as a cache record.
// Parse-or-skip: any failure returns (nil, false) and the entry is simply
// absent from the candidate set.
func parseRecord(entry session.StorageEntry) (*CacheRecord, bool) {
	var rec CacheRecord
	if err := json.Unmarshal([]byte(entry.Value), &rec); err != nil {
		return nil, false
	}
	if rec.CredentialType == "" {
		return nil, false
	}
	return &rec, true
}

// FindBearerToken locates the best bearer token for the given service: the
// candidate with the greatest exp among all non-expired records whose scope
// matches. Duplicate records are normal (the identity library accumulates
// them across refreshes); the latest expiry is authoritative, never the most
// recently written.
func FindBearerToken(state *session.State, svc Service) (*BearerToken, bool) {
	return findBearerTokenAt(state, svc, time.Now())
}

func findBearerTokenAt(state *session.State, svc Service, now time.Time) (*BearerToken, bool) {
	if state == nil {
		return nil, false
	}

	var best *BearerToken
	for _, entry := range state.StorageFor(TeamsOrigin) {
		rec, ok := parseRecord(entry)
		if !ok || !IsAccessTokenRecord(rec) || !MatchesService(rec, svc) {
			continue
		}
		if !LooksLikeBearerToken(rec.Secret) {
			continue
		}

		claims, err := DecodeClaims(rec.Secret)
		if err != nil || !claims.ValidAt(now) {
			continue
		}

		if best == nil || claims.ExpiresAt.After(best.ExpiresAt) {
			best = &BearerToken{
				Secret:     rec.Secret,
				Claims:     claims,
				ExpiresAt:  claims.ExpiresAt,
				StorageKey: entry.Name,
			}
		}
	}

	if best == nil {
		return nil, false
	}
	return best, true
}

// FindRefreshTokenRecord locates the single refresh-token record, the sole
// durable secret usable without interactive login. Returns the storage key
// alongside the record so the engine can rewrite it in place.
func FindRefreshTokenRecord(state *session.State) (string, *CacheRecord, bool) {
	if state == nil {
		return "", nil, false
	}
	for _, entry := range state.StorageFor(TeamsOrigin) {
		rec, ok := parseRecord(entry)
		if !ok || !IsRefreshTokenRecord(rec) {
			continue
		}
		return entry.Name, rec, true
	}
	return "", nil, false
}

// FindTenantID reads the tenant id from any access-token record's realm
// field. The refresh-token record itself does not carry it.
func FindTenantID(state *session.State) (string, bool) {
	if state == nil {
		return "", false
	}
	for _, entry := range state.StorageFor(TeamsOrigin) {
		rec, ok := parseRecord(entry)
		if !ok || !IsAccessTokenRecord(rec) || rec.Realm == "" {
			continue
		}
		return rec.Realm, true
	}
	return "", false
}

// ResolveUserID builds the canonical messaging user identifier from the
// subject claim of whichever service token is available, preferring the
// search token, then the remaining services in fixed order.
func ResolveUserID(state *session.State) (string, bool) {
	for _, svc := range AllServices {
		tok, ok := FindBearerToken(state, svc)
		if !ok {
			continue
		}
		if sub := tok.Claims.Subject(); sub != "" {
			return UserIDPrefix + sub, true
		}
	}
	return "", false
}

// Messaging cookie names and domains. The session-identity cookie is
// replicated across both cookie domains and must stay in sync.
const (
	SkypeTokenCookie = "skypetoken_asm"
	AuthTokenCookie  = "authtoken"

	// AuthTokenPrefix is the fixed literal prefixed to the URL-encoded token
	// inside the authtoken cookie value.
	AuthTokenPrefix = "Bearer="

	TeamsCookieDomain = "teams.microsoft.com"
)

// SkypeTokenDomains are the cookie domains carrying the messaging session token.
var SkypeTokenDomains = []string{".teams.microsoft.com", ".asm.skype.com"}

// MessagingCredentials are the two cookies the real-time messaging API
// authenticates with, plus the user identity derived from them.
type MessagingCredentials struct {
	// SkypeToken is the opaque messaging session token.
	SkypeToken string

	// AuthToken is the bearer-style token carried (URL-encoded, prefixed)
	// by the authtoken cookie.
	AuthToken string

	// UserID is the canonical messaging identity derived from whichever
	// cookie payload carried a usable subject claim.
	UserID string
}

// FindMessagingCredentials extracts the messaging cookie pair. The identity
// is taken from the skype token's payload first, falling back to the decoded
// authtoken payload.
func FindMessagingCredentials(state *session.State) (*MessagingCredentials, bool) {
	if state == nil {
		return nil, false
	}

	creds := &MessagingCredentials{}

	for _, domain := range SkypeTokenDomains {
		if v, ok := state.CookieValue(SkypeTokenCookie, domain); ok && v != "" {
			creds.SkypeToken = v
			break
		}
	}

	if raw, ok := state.CookieValue(AuthTokenCookie, TeamsCookieDomain); ok {
		creds.AuthToken = decodeAuthTokenCookie(raw)
	}

	if creds.SkypeToken == "" && creds.AuthToken == "" {
		return nil, false
	}

	for _, candidate := range []string{creds.SkypeToken, creds.AuthToken} {
		if candidate == "" {
			continue
		}
		claims, err := DecodeClaims(candidate)
		if err != nil {
			continue
		}
		if sub := claims.Subject(); sub != "" {
			creds.UserID = UserIDPrefix + sub
			break
		}
	}

	return creds, true
}

// decodeAuthTokenCookie unwraps the authtoken cookie value: URL-decode, strip
// the fixed "Bearer=" prefix, and drop any trailing &-separated attributes.
func decodeAuthTokenCookie(raw string) string {
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		decoded = raw
	}
	decoded = strings.TrimPrefix(decoded, AuthTokenPrefix)
	if i := strings.IndexByte(decoded, '&'); i >= 0 {
		decoded = decoded[:i]
	}
	return decoded
}

// EncodeAuthTokenCookie is the inverse of decodeAuthTokenCookie, producing
// the exact on-disk format the web client expects.
func EncodeAuthTokenCookie(token string) string {
	return url.QueryEscape(AuthTokenPrefix + token + "&Origin=" + TeamsOrigin)
}

// UpsertAccessTokenRecord creates or updates the access-token record for a
// scope's resource. If a matching record already exists its secret/expiry/
// cached-at fields are overwritten in place, preserving the original storage
// key and unrelated fields; otherwise a new record and key are synthesized
// following the shared naming convention so future extraction finds them.
func UpsertAccessTokenRecord(state *session.State, svc Service, rec CacheRecord) {
	for _, entry := range state.StorageFor(TeamsOrigin) {
		existing, ok := parseRecord(entry)
		if !ok || !IsAccessTokenRecord(existing) || !MatchesService(existing, svc) {
			continue
		}

		existing.Secret = rec.Secret
		existing.ExpiresOn = rec.ExpiresOn
		existing.ExtendedExpiresOn = rec.ExtendedExpiresOn
		existing.CachedAt = rec.CachedAt
		if updated, err := json.Marshal(existing); err == nil {
			state.SetStorageValue(TeamsOrigin, entry.Name, string(updated))
			logging.Debug("Extractor", "Updated access token record in place: %s", entry.Name)
			return
		}
	}

	key := AccessTokenKey(rec.HomeAccountID, rec.ClientID, rec.Realm, rec.Target)
	if encoded, err := json.Marshal(&rec); err == nil {
		state.SetStorageValue(TeamsOrigin, key, string(encoded))
		logging.Debug("Extractor", "Synthesized access token record: %s", key)
	}
}

// UpdateRefreshTokenSecret rewrites the refresh-token record's secret in
// place. The old value is permanently invalid once the provider rotates it.
func UpdateRefreshTokenSecret(state *session.State, key string, rec *CacheRecord, secret, lastUpdatedAt string) {
	rec.Secret = secret
	rec.LastUpdatedAt = lastUpdatedAt
	if encoded, err := json.Marshal(rec); err == nil {
		state.SetStorageValue(TeamsOrigin, key, string(encoded))
	}
}
