package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func tokenServer(t *testing.T, calls *int32, handler func(n int32, w http.ResponseWriter, r *http.Request)) *http.Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		handler(n, w, r)
	}))
	t.Cleanup(server.Close)
	return &http.Client{Transport: &rewriteTransport{Transport: http.DefaultTransport, host: server.URL}}
}

func writeToken(w http.ResponseWriter, token string, expiresIn int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token": token,
		"expires_in":   expiresIn,
		"token_type":   "bearer",
	})
}

func TestTokenSource_GetCached(t *testing.T) {
	var calls int32
	client := tokenServer(t, &calls, func(n int32, w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "client_credentials" || r.Form.Get("client_id") != "test-client" {
			t.Errorf("unexpected form %v", r.Form)
		}
		writeToken(w, "test-token-123", 3600)
	})
	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", HTTPClient: client}

	ctx := context.Background()
	token1, err := ts.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if token1 != "test-token-123" {
		t.Errorf("Get() = %s, want test-token-123", token1)
	}
	token2, err := ts.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if token2 != token1 {
		t.Errorf("cached token = %s, want %s", token2, token1)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected 1 token request, got %d", got)
	}
}

func TestTokenSource_RefreshesNearExpiry(t *testing.T) {
	var calls int32
	client := tokenServer(t, &calls, func(n int32, w http.ResponseWriter, r *http.Request) {
		tok := "test-token-1"
		if n > 1 {
			tok = "test-token-2"
		}
		writeToken(w, tok, 1)
	})
	ts := &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", HTTPClient: client}

	first, err := ts.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	second, err := ts.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if first == second {
		t.Fatalf("token inside the expiry buffer was reused: %s", second)
	}
}

func TestTokenSource_InvalidateForcesRefresh(t *testing.T) {
	var calls int32
	client := tokenServer(t, &calls, func(n int32, w http.ResponseWriter, r *http.Request) {
		writeToken(w, "fresh", 3600)
	})
	ts := &TokenSource{ClientID: "c", ClientSecret: "s", HTTPClient: client}
	ts.SetToken("seeded", time.Now().Add(time.Hour))

	if tok, _ := ts.Get(context.Background()); tok != "seeded" {
		t.Fatalf("Get() = %s, want seeded", tok)
	}
	ts.Invalidate()
	if tok, _ := ts.Get(context.Background()); tok != "fresh" {
		t.Fatalf("Get() after Invalidate = %s, want fresh", tok)
	}
}

func TestTokenSource_GetMissingCredentials(t *testing.T) {
	ts := &TokenSource{}
	_, err := ts.Get(context.Background())
	if err == nil || !strings.Contains(err.Error(), "missing client id/secret") {
		t.Fatalf("Get() error = %v", err)
	}
}

func TestTokenSource_GetServerError(t *testing.T) {
	var calls int32
	client := tokenServer(t, &calls, func(n int32, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"boom"}`))
	})
	ts := &TokenSource{ClientID: "c", ClientSecret: "s", HTTPClient: client}
	if _, err := ts.Get(context.Background()); err == nil {
		t.Fatal("Get() should fail on server error")
	}
}

func TestTokenSource_GetEmptyToken(t *testing.T) {
	var calls int32
	client := tokenServer(t, &calls, func(n int32, w http.ResponseWriter, r *http.Request) {
		writeToken(w, "", 3600)
	})
	ts := &TokenSource{ClientID: "c", ClientSecret: "s", HTTPClient: client}
	_, err := ts.Get(context.Background())
	if err == nil || !strings.Contains(err.Error(), "access_token") {
		t.Fatalf("Get() error = %v, want error about access_token", err)
	}
}

func TestTokenSource_ConcurrentAccess(t *testing.T) {
	var calls int32
	client := tokenServer(t, &calls, func(n int32, w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		writeToken(w, "test-token", 3600)
	})
	ts := &TokenSource{ClientID: "c", ClientSecret: "s", HTTPClient: client}

	results := make(chan string, 5)
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			token, err := ts.Get(context.Background())
			if err != nil {
				errs <- err
				return
			}
			results <- token
		}()
	}
	for i := 0; i < 5; i++ {
		select {
		case err := <-errs:
			t.Errorf("Get() error = %v", err)
		case token := <-results:
			if token != "test-token" {
				t.Errorf("Get() = %s, want test-token", token)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for concurrent Gets")
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected 1 token request with concurrent access, got %d", got)
	}
}

// rewriteTransport sends every request to the test server.
type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.host != "" {
		host := strings.TrimPrefix(t.host, "http://")
		host = strings.TrimPrefix(host, "https://")
		req.URL.Host = host
	}
	return t.Transport.RoundTrip(req)
}
