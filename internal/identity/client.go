// Package identity talks to the identity provider's token endpoint and the
// application authorization endpoint. It is the provider-facing half of the
// direct refresh engine: pure HTTP, no session-state knowledge.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/autherr"
	"github.com/m0nkmaster/msteams-mcp-sub000/pkg/logging"
)

const (
	// DefaultTimeout bounds every outbound provider call.
	DefaultTimeout = 10 * time.Second

	// DefaultLoginBase is the identity provider's base URL. The tenant id and
	// token path are appended per request.
	DefaultLoginBase = "https://login.microsoftonline.com"

	// DefaultAuthzEndpoint exchanges a middle-tier access token for a derived
	// messaging session token.
	DefaultAuthzEndpoint = "https://teams.microsoft.com/api/authsvc/v1.0/authz"

	// DefaultOrigin is the registered redirect origin of the web client. The
	// client is registered as a browser-based public client, so the token
	// endpoint rejects requests without a matching Origin header - with a
	// provider error distinct from an expired-token rejection.
	DefaultOrigin = "https://teams.microsoft.com"
)

// Client performs provider calls with bounded timeouts.
type Client struct {
	httpClient    *http.Client
	loginBase     string
	authzEndpoint string
	origin        string
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithEndpoints overrides the provider endpoints. Used by tests.
func WithEndpoints(loginBase, authzEndpoint string) Option {
	return func(c *Client) {
		c.loginBase = strings.TrimSuffix(loginBase, "/")
		c.authzEndpoint = authzEndpoint
	}
}

// WithOrigin overrides the Origin header value.
func WithOrigin(origin string) Option {
	return func(c *Client) {
		c.origin = origin
	}
}

// NewClient creates a provider client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient:    &http.Client{Timeout: DefaultTimeout},
		loginBase:     DefaultLoginBase,
		authzEndpoint: DefaultAuthzEndpoint,
		origin:        DefaultOrigin,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// TokenResult is a successful token endpoint response.
type TokenResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExtExpiresIn int64  `json:"ext_expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// OAuth2Token converts the result to an oauth2.Token, computing the expiry
// from the given refreshed-at instant so that all fields derived from one
// exchange share one consistent timestamp.
func (r *TokenResult) OAuth2Token(refreshedAt time.Time) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		Expiry:       refreshedAt.Add(time.Duration(r.ExpiresIn) * time.Second),
	}
}

// providerError is the token endpoint's error body.
type providerError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// RedeemRefreshToken performs the refresh-token grant for one scope.
//
// Classification: an explicit provider-side rejection of the refresh token
// (invalid_grant, interaction_required) comes back as AuthExpired and is not
// retryable; throttling as RateLimited with the provider's backoff hint;
// everything transient (5xx, connectivity, deadline) as Network/Timeout.
func (c *Client) RedeemRefreshToken(ctx context.Context, tenantID, clientID, refreshToken, scope string) (*TokenResult, error) {
	const op = "token refresh"

	data := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"refresh_token": {refreshToken},
		"scope":         {scope},
	}

	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", c.loginBase, tenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, autherr.Wrap(autherr.KindUnknown, op, err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Origin", c.origin)
	req.Header.Set("client-request-id", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindNetwork, op, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyTokenEndpointFailure(op, resp, body)
	}

	var result TokenResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, autherr.Wrap(autherr.KindUnknown, op, fmt.Errorf("failed to parse token response: %w", err))
	}
	if result.AccessToken == "" {
		return nil, autherr.New(autherr.KindUnknown, op, "token response carried no access token")
	}

	return &result, nil
}

// classifyTokenEndpointFailure maps a non-200 token endpoint response to an
// error kind.
func classifyTokenEndpointFailure(op string, resp *http.Response, body []byte) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		return &autherr.Error{
			Kind:       autherr.KindRateLimited,
			Op:         op,
			Message:    fmt.Sprintf("provider throttled the request (status %d)", resp.StatusCode),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var perr providerError
	if err := json.Unmarshal(body, &perr); err == nil && perr.Error != "" {
		logging.Debug("Identity", "Token endpoint rejected request: %s (status %d)", perr.Error, resp.StatusCode)

		switch perr.Error {
		case "invalid_grant", "interaction_required":
			// The refresh token itself is invalid, expired or revoked.
			// Nothing non-interactive can recover from this.
			return autherr.New(autherr.KindAuthExpired, op,
				fmt.Sprintf("refresh token rejected by provider: %s", firstLine(perr.ErrorDescription)))
		default:
			return autherr.New(autherr.KindUnknown, op,
				fmt.Sprintf("provider error %q: %s", perr.Error, firstLine(perr.ErrorDescription)))
		}
	}

	if resp.StatusCode >= 500 {
		return autherr.New(autherr.KindNetwork, op, fmt.Sprintf("provider returned status %d", resp.StatusCode))
	}
	return autherr.New(autherr.KindUnknown, op, fmt.Sprintf("provider returned status %d", resp.StatusCode))
}

// AuthzResult is the derived messaging token returned by the authorization
// endpoint.
type AuthzResult struct {
	SkypeToken string
	ExpiresIn  int64
}

// authzResponse is the authorization endpoint's response body. The token
// object is nested.
type authzResponse struct {
	Tokens struct {
		SkypeToken string `json:"skypeToken"`
		ExpiresIn  int64  `json:"expiresIn"`
	} `json:"tokens"`
}

// DeriveMessagingToken exchanges a middle-tier access token for the derived
// messaging session token.
func (c *Client) DeriveMessagingToken(ctx context.Context, accessToken string) (*AuthzResult, error) {
	const op = "messaging token exchange"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authzEndpoint, strings.NewReader("{}"))
	if err != nil {
		return nil, autherr.Wrap(autherr.KindUnknown, op, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("client-request-id", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindNetwork, op, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, autherr.New(autherr.KindAuthExpired, op, fmt.Sprintf("access token rejected (status %d)", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &autherr.Error{
			Kind:       autherr.KindRateLimited,
			Op:         op,
			Message:    "authorization endpoint throttled the request",
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return nil, autherr.New(autherr.KindNetwork, op, fmt.Sprintf("authorization endpoint returned status %d", resp.StatusCode))
	default:
		return nil, autherr.New(autherr.KindUnknown, op, fmt.Sprintf("authorization endpoint returned status %d", resp.StatusCode))
	}

	var parsed authzResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, autherr.Wrap(autherr.KindUnknown, op, fmt.Errorf("failed to parse authorization response: %w", err))
	}
	if parsed.Tokens.SkypeToken == "" {
		return nil, autherr.New(autherr.KindUnknown, op, "authorization response carried no session token")
	}

	return &AuthzResult{
		SkypeToken: parsed.Tokens.SkypeToken,
		ExpiresIn:  parsed.Tokens.ExpiresIn,
	}, nil
}

// classifyTransportError maps an http.Client error to Timeout or Network.
func classifyTransportError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || autherr.KindOf(err) == autherr.KindTimeout {
		return autherr.Wrap(autherr.KindTimeout, op, err)
	}

	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return autherr.Wrap(autherr.KindTimeout, op, err)
	}

	return autherr.Wrap(autherr.KindNetwork, op, err)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
