// Package msal extracts credentials from a persisted browser session state.
//
// The Teams web client authenticates through an identity-library cache kept
// in local storage under https://teams.microsoft.com. That cache is a flat
// set of JSON records keyed by a deterministic naming convention; this
// package is the single definition of that convention for both the read side
// (extraction) and the write side (the direct refresh engine), so records
// written by either path remain interchangeable with records written by the
// identity library itself.
//
// Every extractor in this package is a pure function over a session snapshot
// and never fails on malformed input: entries that do not parse are skipped
// individually and simply absent from the candidate set.
package msal

import (
	"fmt"
	"strings"
)

const (
	// TeamsOrigin is the web origin whose local storage carries the
	// identity-library cache records.
	TeamsOrigin = "https://teams.microsoft.com"

	// Environment is the identity-library environment tag used in cache keys.
	Environment = "login.windows.net"

	// DefaultClientID is the Teams web application's public client id.
	DefaultClientID = "5e3ce6c0-2b1f-4285-8d4b-75ee78787346"

	// UserIDPrefix is the namespace tag prefixed to the decoded subject claim
	// to form the canonical messaging user identifier.
	UserIDPrefix = "8:orgid:"
)

// Credential types stored in identity-library cache records.
const (
	CredentialTypeRefreshToken = "RefreshToken"
	CredentialTypeAccessToken  = "AccessToken"
)

// CacheRecord is one identity-library cache entry. Refresh-token records
// carry HomeAccountID/ClientID/Secret and no realm or target; access-token
// records additionally carry the tenant (Realm), the granted scopes (Target)
// and expiry bookkeeping. Numeric fields are strings on the wire because
// that is how the identity library serializes them.
type CacheRecord struct {
	CredentialType    string `json:"credentialType"`
	HomeAccountID     string `json:"homeAccountId"`
	Environment       string `json:"environment"`
	ClientID          string `json:"clientId"`
	Secret            string `json:"secret"`
	Realm             string `json:"realm,omitempty"`
	Target            string `json:"target,omitempty"`
	TokenType         string `json:"tokenType,omitempty"`
	ExpiresOn         string `json:"expiresOn,omitempty"`
	ExtendedExpiresOn string `json:"extendedExpiresOn,omitempty"`
	CachedAt          string `json:"cachedAt,omitempty"`
	LastUpdatedAt     string `json:"lastUpdatedAt,omitempty"`
}

// AccessTokenKey builds the storage key for an access-token record. The shape
// must match what the identity library writes:
// <homeAccountId>-<environment>-accesstoken-<clientId>-<realm>-<target>,
// all lower-cased.
func AccessTokenKey(homeAccountID, clientID, realm, target string) string {
	return strings.ToLower(strings.Join([]string{
		homeAccountID, Environment, "accesstoken", clientID, realm, target,
	}, "-"))
}

// RefreshTokenKey builds the storage key for the refresh-token record.
// Refresh tokens carry no realm or target, leaving those segments empty.
func RefreshTokenKey(homeAccountID, clientID string) string {
	return strings.ToLower(fmt.Sprintf("%s-%s-refreshtoken-%s--", homeAccountID, Environment, clientID))
}

// The matcher predicates below are the central definition of which storage
// entries mean what. Ad hoc string checks must not be scattered elsewhere.

// IsRefreshTokenRecord reports whether a parsed record is the refresh-token record.
func IsRefreshTokenRecord(rec *CacheRecord) bool {
	return rec.CredentialType == CredentialTypeRefreshToken && rec.Secret != ""
}

// IsAccessTokenRecord reports whether a parsed record is an access-token record.
func IsAccessTokenRecord(rec *CacheRecord) bool {
	return rec.CredentialType == CredentialTypeAccessToken && rec.Secret != ""
}

// MatchesService reports whether an access-token record's scope string
// contains the service's scope marker. Matching is case-insensitive substring:
// the Target field is a space-separated scope list whose exact composition
// varies between identity-library versions.
func MatchesService(rec *CacheRecord, svc Service) bool {
	return strings.Contains(strings.ToLower(rec.Target), svc.Marker)
}

// IsRegionDiscoveryEntry reports whether a storage entry name is the region
// discovery payload. Substring match: the full key embeds the account id.
func IsRegionDiscoveryEntry(name string) bool {
	return strings.Contains(strings.ToLower(name), "regiongtms")
}

// LooksLikeBearerToken is a structural prefix check (not validation) for a
// JWS compact serialization: base64url JSON header and three dot-separated
// segments. The identity provider's job is verification, not this client's.
func LooksLikeBearerToken(secret string) bool {
	return strings.HasPrefix(secret, "eyJ") && strings.Count(secret, ".") == 2
}

// Service identifies one downstream API's token by its full requested scope
// and the marker substring used to recognize its records in the cache.
type Service struct {
	Name   string
	Scope  string
	Marker string
}

// The fixed set of downstream services. Order matters: the direct refresh
// engine walks them in this order, and identity resolution prefers earlier
// entries.
var (
	// ServiceSearch is the substrate search/directory service.
	ServiceSearch = Service{
		Name:   "search",
		Scope:  "https://outlook.office365.com/SubstrateSearch-Internal.ReadWrite",
		Marker: "substratesearch",
	}

	// ServiceMiddleTier is the Teams middle-tier/calendar service. Its access
	// token doubles as the source for deriving the messaging session cookies.
	ServiceMiddleTier = Service{
		Name:   "middletier",
		Scope:  "https://api.spaces.skype.com/Authorization.ReadWrite",
		Marker: "api.spaces.skype.com",
	}

	// ServiceChatAggregation is the chat aggregation service.
	ServiceChatAggregation = Service{
		Name:   "chatsvcagg",
		Scope:  "https://chatsvcagg.teams.microsoft.com/Teams.AccessAsUser.All",
		Marker: "chatsvcagg",
	}

	// ServiceGraph is the external Microsoft Graph service.
	ServiceGraph = Service{
		Name:   "graph",
		Scope:  "https://graph.microsoft.com/.default",
		Marker: "graph.microsoft.com",
	}
)

// AllServices is the fixed refresh order for the direct refresh engine.
var AllServices = []Service{ServiceSearch, ServiceMiddleTier, ServiceChatAggregation, ServiceGraph}
