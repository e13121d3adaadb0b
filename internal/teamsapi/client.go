// Package teamsapi contains thin authenticated callers for the downstream
// service APIs. It holds no session logic of its own: tokens come from a
// TokenSource and auth failures surface as typed errors for the server's
// retry wrapper to act on.
package teamsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/autherr"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/msal"
	"github.com/m0nkmaster/msteams-mcp-sub000/pkg/logging"
)

const (
	// DefaultTimeout bounds every downstream API call.
	DefaultTimeout = 15 * time.Second

	// DefaultSearchBase is the substrate search service.
	DefaultSearchBase = "https://substrate.office.com"

	// DefaultChatBase is the chat aggregation service.
	DefaultChatBase = "https://teams.microsoft.com/api/csa"
)

// TokenSource supplies usable bearer tokens. The refresh orchestrator
// implements it.
type TokenSource interface {
	SearchToken(ctx context.Context) (string, error)
	TokenFor(ctx context.Context, svc msal.Service) (string, error)
}

// Client calls the downstream service APIs.
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
	searchBase string
	chatBase   string
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithBaseURLs overrides the service endpoints. Used by tests.
func WithBaseURLs(searchBase, chatBase string) Option {
	return func(c *Client) {
		c.searchBase = searchBase
		c.chatBase = chatBase
	}
}

// NewClient creates a downstream API client.
func NewClient(tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		tokens:     tokens,
		searchBase: DefaultSearchBase,
		chatBase:   DefaultChatBase,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Person is one people-search result.
type Person struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	JobTitle    string `json:"jobTitle,omitempty"`
}

// suggestionsRequest is the substrate suggestions query body, reduced to the
// people vertical.
type suggestionsRequest struct {
	EntityRequests []entityRequest `json:"EntityRequests"`
	Cvid           string          `json:"Cvid,omitempty"`
}

type entityRequest struct {
	EntityType string      `json:"EntityType"`
	Query      entityQuery `json:"Query"`
	Size       int         `json:"Size,omitempty"`
	Fields     []string    `json:"Fields,omitempty"`
}

type entityQuery struct {
	QueryString string `json:"QueryString"`
}

// suggestionsResponse is the slice of the substrate response this client
// reads.
type suggestionsResponse struct {
	Groups []struct {
		Suggestions []struct {
			DisplayName    string   `json:"DisplayName"`
			EmailAddresses []string `json:"EmailAddresses"`
			JobTitle       string   `json:"JobTitle"`
		} `json:"Suggestions"`
	} `json:"Groups"`
}

// SearchPeople queries the directory for people matching the given text.
func (c *Client) SearchPeople(ctx context.Context, query string, limit int) ([]Person, error) {
	const op = "people search"

	if limit <= 0 {
		limit = 10
	}

	token, err := c.tokens.SearchToken(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(suggestionsRequest{
		EntityRequests: []entityRequest{{
			EntityType: "People",
			Query:      entityQuery{QueryString: query},
			Size:       limit,
			Fields:     []string{"DisplayName", "EmailAddresses", "JobTitle"},
		}},
	})
	if err != nil {
		return nil, autherr.Wrap(autherr.KindUnknown, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.searchBase+"/search/api/v1/suggestions", bytes.NewReader(body))
	if err != nil {
		return nil, autherr.Wrap(autherr.KindUnknown, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	raw, err := c.do(op, req)
	if err != nil {
		return nil, err
	}

	var parsed suggestionsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, autherr.Wrap(autherr.KindUnknown, op, fmt.Errorf("failed to parse search response: %w", err))
	}

	var people []Person
	for _, group := range parsed.Groups {
		for _, s := range group.Suggestions {
			p := Person{DisplayName: s.DisplayName, JobTitle: s.JobTitle}
			if len(s.EmailAddresses) > 0 {
				p.Email = s.EmailAddresses[0]
			}
			people = append(people, p)
		}
	}

	logging.Debug("TeamsAPI", "People search returned %d results", len(people))
	return people, nil
}

// Chat is one chat-list entry.
type Chat struct {
	ID     string `json:"id"`
	Title  string `json:"title,omitempty"`
	Type   string `json:"type,omitempty"`
	LastAt string `json:"lastMessageAt,omitempty"`
}

// chatsResponse is the slice of the chat aggregation response this client
// reads.
type chatsResponse struct {
	Chats []struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		ChatType    string `json:"chatType"`
		LastMessage struct {
			ComposeTime string `json:"composetime"`
		} `json:"lastMessage"`
	} `json:"chats"`
}

// ListChats returns the user's most recent chats.
func (c *Client) ListChats(ctx context.Context, limit int) ([]Chat, error) {
	const op = "chat list"

	if limit <= 0 {
		limit = 20
	}

	token, err := c.tokens.TokenFor(ctx, msal.ServiceChatAggregation)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.chatBase+"/api/v1/teams/users/me/chats?pageSize="+strconv.Itoa(limit), nil)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindUnknown, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	raw, err := c.do(op, req)
	if err != nil {
		return nil, err
	}

	var parsed chatsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, autherr.Wrap(autherr.KindUnknown, op, fmt.Errorf("failed to parse chat response: %w", err))
	}

	var chats []Chat
	for _, entry := range parsed.Chats {
		chats = append(chats, Chat{
			ID:     entry.ID,
			Title:  entry.Title,
			Type:   entry.ChatType,
			LastAt: entry.LastMessage.ComposeTime,
		})
	}

	logging.Debug("TeamsAPI", "Chat list returned %d chats", len(chats))
	return chats, nil
}

// do executes a request and classifies failures by status code.
func (c *Client) do(op string, req *http.Request) ([]byte, error) {
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
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, autherr.New(autherr.KindAuthExpired, op, fmt.Sprintf("token rejected (status %d)", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &autherr.Error{
			Kind:       autherr.KindRateLimited,
			Op:         op,
			Message:    "service throttled the request",
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return nil, autherr.New(autherr.KindNetwork, op, fmt.Sprintf("service returned status %d", resp.StatusCode))
	default:
		return nil, autherr.New(autherr.KindUnknown, op, fmt.Sprintf("service returned status %d", resp.StatusCode))
	}
}

// classifyTransportError maps an http.Client error to Timeout or Network. A
// client-level timeout surfaces as a url.Error that reports Timeout, not as a
// context error on the request.
func classifyTransportError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
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
