package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/autherr"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(WithEndpoints(srv.URL, srv.URL+"/authz"))
	return client, srv
}

func TestRedeemRefreshToken_Success(t *testing.T) {
	var gotOrigin, gotContentType, gotRequestID string
	var gotForm map[string][]string

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotOrigin = r.Header.Get("Origin")
		gotContentType = r.Header.Get("Content-Type")
		gotRequestID = r.Header.Get("client-request-id")
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		gotForm = r.PostForm

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-2","token_type":"Bearer","expires_in":3600,"ext_expires_in":7200,"scope":"s"}`))
	})

	result, err := client.RedeemRefreshToken(context.Background(), "tenant-1", "client-1", "rt-1", "scope-1")
	if err != nil {
		t.Fatalf("RedeemRefreshToken: %v", err)
	}

	if gotOrigin != DefaultOrigin {
		t.Errorf("Origin header = %q, want %q", gotOrigin, DefaultOrigin)
	}
	if gotContentType != "application/x-www-form-urlencoded" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if gotRequestID == "" {
		t.Error("client-request-id header missing")
	}
	if gotForm["grant_type"][0] != "refresh_token" {
		t.Errorf("grant_type = %v", gotForm["grant_type"])
	}
	if gotForm["refresh_token"][0] != "rt-1" {
		t.Errorf("refresh_token = %v", gotForm["refresh_token"])
	}
	if result.AccessToken != "at-1" || result.RefreshToken != "rt-2" || result.ExpiresIn != 3600 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestRedeemRefreshToken_InvalidGrantIsAuthExpired(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"AADSTS50173: The provided grant has expired."}`))
	})

	_, err := client.RedeemRefreshToken(context.Background(), "t", "c", "rt", "s")
	if autherr.KindOf(err) != autherr.KindAuthExpired {
		t.Errorf("invalid_grant should classify as AuthExpired, got %v (%v)", autherr.KindOf(err), err)
	}
	if autherr.IsRetryable(err) {
		t.Error("an explicit provider rejection must not be retryable")
	}
}

func TestRedeemRefreshToken_ThrottleIsRateLimited(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.RedeemRefreshToken(context.Background(), "t", "c", "rt", "s")
	if autherr.KindOf(err) != autherr.KindRateLimited {
		t.Fatalf("429 should classify as RateLimited, got %v", autherr.KindOf(err))
	}

	var ae *autherr.Error
	if !errors.As(err, &ae) || ae.RetryAfter != 17*time.Second {
		t.Errorf("expected RetryAfter hint of 17s, got %+v", ae)
	}
}

func TestRedeemRefreshToken_ServerErrorIsNetwork(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.RedeemRefreshToken(context.Background(), "t", "c", "rt", "s")
	if autherr.KindOf(err) != autherr.KindNetwork {
		t.Errorf("5xx should classify as Network, got %v", autherr.KindOf(err))
	}
	if !autherr.IsRetryable(err) {
		t.Error("5xx should be retryable")
	}
}

func TestRedeemRefreshToken_OtherProviderErrorIsNotAuthExpired(t *testing.T) {
	// A missing-Origin style rejection is distinct from an expired token and
	// must not trigger the interactive-login path.
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_request","error_description":"AADSTS9002326: Cross-origin token redemption..."}`))
	})

	_, err := client.RedeemRefreshToken(context.Background(), "t", "c", "rt", "s")
	if autherr.KindOf(err) == autherr.KindAuthExpired {
		t.Error("invalid_request must not classify as AuthExpired")
	}
}

func TestRedeemRefreshToken_Timeout(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.RedeemRefreshToken(ctx, "t", "c", "rt", "s")
	if autherr.KindOf(err) != autherr.KindTimeout {
		t.Errorf("deadline exceeded should classify as Timeout, got %v (%v)", autherr.KindOf(err), err)
	}
}

func TestDeriveMessagingToken(t *testing.T) {
	var gotAuth string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"tokens":{"skypeToken":"skype-1","expiresIn":86400}}`))
	})

	result, err := client.DeriveMessagingToken(context.Background(), "at-1")
	if err != nil {
		t.Fatalf("DeriveMessagingToken: %v", err)
	}
	if gotAuth != "Bearer at-1" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if result.SkypeToken != "skype-1" || result.ExpiresIn != 86400 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestDeriveMessagingToken_UnauthorizedIsAuthExpired(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.DeriveMessagingToken(context.Background(), "at-1")
	if autherr.KindOf(err) != autherr.KindAuthExpired {
		t.Errorf("401 should classify as AuthExpired, got %v", autherr.KindOf(err))
	}
}

func TestTokenResult_OAuth2Token_ConsistentInstant(t *testing.T) {
	refreshedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	result := &TokenResult{AccessToken: "at", ExpiresIn: 3600}

	tok := result.OAuth2Token(refreshedAt)
	if !tok.Expiry.Equal(refreshedAt.Add(time.Hour)) {
		t.Errorf("expiry must derive from the refreshed-at instant, got %v", tok.Expiry)
	}
}
