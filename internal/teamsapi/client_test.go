package teamsapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/autherr"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/msal"
)

// stubTokens is a TokenSource returning fixed values.
type stubTokens struct {
	searchToken string
	scopeTokens map[string]string
	err         error
}

func (s *stubTokens) SearchToken(ctx context.Context) (string, error) {
	return s.searchToken, s.err
}

func (s *stubTokens) TokenFor(ctx context.Context, svc msal.Service) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.scopeTokens[svc.Name], nil
}

func TestSearchPeople(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Write([]byte(`{"Groups":[{"Suggestions":[
			{"DisplayName":"Ada Lovelace","EmailAddresses":["ada@example.com"],"JobTitle":"Engineer"},
			{"DisplayName":"Grace Hopper","EmailAddresses":[]}
		]}]}`))
	}))
	t.Cleanup(srv.Close)

	client := NewClient(&stubTokens{searchToken: "search-tok"}, WithBaseURLs(srv.URL, srv.URL))

	people, err := client.SearchPeople(context.Background(), "ada", 5)
	if err != nil {
		t.Fatalf("SearchPeople: %v", err)
	}

	if gotAuth != "Bearer search-tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/search/api/v1/suggestions" {
		t.Errorf("path = %q", gotPath)
	}
	if len(people) != 2 {
		t.Fatalf("got %d people", len(people))
	}
	if people[0].DisplayName != "Ada Lovelace" || people[0].Email != "ada@example.com" {
		t.Errorf("unexpected first result: %+v", people[0])
	}
	if people[1].Email != "" {
		t.Errorf("missing email should stay empty, got %q", people[1].Email)
	}
}

func TestListChats(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Query().Get("pageSize") != "3" {
			t.Errorf("pageSize = %q", r.URL.Query().Get("pageSize"))
		}
		w.Write([]byte(`{"chats":[
			{"id":"19:chat1","title":"Standup","chatType":"group","lastMessage":{"composetime":"2026-08-25T09:00:00Z"}},
			{"id":"19:chat2","chatType":"oneOnOne"}
		]}`))
	}))
	t.Cleanup(srv.Close)

	tokens := &stubTokens{scopeTokens: map[string]string{"chatsvcagg": "chat-tok"}}
	client := NewClient(tokens, WithBaseURLs(srv.URL, srv.URL))

	chats, err := client.ListChats(context.Background(), 3)
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}

	if gotAuth != "Bearer chat-tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if len(chats) != 2 {
		t.Fatalf("got %d chats", len(chats))
	}
	if chats[0].ID != "19:chat1" || chats[0].LastAt != "2026-08-25T09:00:00Z" {
		t.Errorf("unexpected first chat: %+v", chats[0])
	}
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		kind   autherr.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, autherr.KindAuthExpired},
		{"forbidden", http.StatusForbidden, autherr.KindAuthExpired},
		{"throttled", http.StatusTooManyRequests, autherr.KindRateLimited},
		{"server error", http.StatusBadGateway, autherr.KindNetwork},
		{"teapot", http.StatusTeapot, autherr.KindUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			t.Cleanup(srv.Close)

			client := NewClient(&stubTokens{searchToken: "tok"}, WithBaseURLs(srv.URL, srv.URL))
			_, err := client.SearchPeople(context.Background(), "q", 1)
			if autherr.KindOf(err) != tc.kind {
				t.Errorf("status %d classified as %v, want %v", tc.status, autherr.KindOf(err), tc.kind)
			}
		})
	}
}

func TestClientTimeoutIsRetryableTimeout(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	t.Cleanup(func() {
		close(blocked)
		srv.Close()
	})

	client := NewClient(&stubTokens{searchToken: "tok"},
		WithBaseURLs(srv.URL, srv.URL),
		WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))

	_, err := client.SearchPeople(context.Background(), "q", 1)
	if autherr.KindOf(err) != autherr.KindTimeout {
		t.Errorf("client-level timeout classified as %v, want Timeout", autherr.KindOf(err))
	}
	if !autherr.IsRetryable(err) {
		t.Error("a timeout must be retryable")
	}
}

func TestTokenSourceFailurePropagates(t *testing.T) {
	wantErr := autherr.New(autherr.KindAuthRequired, "test", "no session")
	client := NewClient(&stubTokens{err: wantErr})

	_, err := client.SearchPeople(context.Background(), "q", 1)
	if autherr.KindOf(err) != autherr.KindAuthRequired {
		t.Errorf("token source failure should pass through untouched, got %v", err)
	}
}
