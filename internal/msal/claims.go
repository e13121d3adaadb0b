package msal

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims holds the payload fields this system cares about from a bearer or
// messaging token. Tokens are decoded without signature verification: the
// decision "is this token still usable" derives from exp alone, and actual
// validation is the receiving service's job.
type Claims struct {
	// OID is the subject/user object id.
	OID string

	// TID is the tenant id.
	TID string

	// Name is the display name, when present.
	Name string

	// UPN is the user principal name, when present.
	UPN string

	// SkypeID is the messaging identity claim carried by derived session
	// tokens instead of oid.
	SkypeID string

	// ExpiresAt is the token expiry. Zero when the payload carries no exp.
	ExpiresAt time.Time
}

// DecodeClaims decodes a compact JWS payload without verifying its signature.
func DecodeClaims(raw string) (*Claims, error) {
	parser := jwt.NewParser()

	var mapClaims jwt.MapClaims = map[string]interface{}{}
	if _, _, err := parser.ParseUnverified(raw, mapClaims); err != nil {
		return nil, fmt.Errorf("failed to decode token payload: %w", err)
	}

	claims := &Claims{
		OID:     stringClaim(mapClaims, "oid"),
		TID:     stringClaim(mapClaims, "tid"),
		Name:    stringClaim(mapClaims, "name"),
		UPN:     stringClaim(mapClaims, "upn"),
		SkypeID: stringClaim(mapClaims, "skypeid"),
	}

	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}

	return claims, nil
}

// Subject returns the best available user object id: oid when present,
// otherwise the skypeid with its "orgid:" prefix stripped.
func (c *Claims) Subject() string {
	if c.OID != "" {
		return c.OID
	}
	if c.SkypeID != "" {
		return strings.TrimPrefix(c.SkypeID, "orgid:")
	}
	return ""
}

// ValidAt reports whether the token is usable at the given instant. A token
// is usable iff exp is strictly in the future; a missing exp means unusable,
// since every credential this system handles is issued with one.
func (c *Claims) ValidAt(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && c.ExpiresAt.After(now)
}

func stringClaim(m jwt.MapClaims, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
