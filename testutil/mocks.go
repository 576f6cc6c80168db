package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// MockTwitchServer creates a test server that mocks Twitch Helix API responses
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
	mu       sync.RWMutex
	// Requests counts every request served, matched or not.
	Requests atomic.Int32
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Requests.Add(1)
		m.mu.RLock()
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.RUnlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Client returns an HTTP client that sends every request, whatever its host,
// to the mock server. Hand it to twitchapi.TokenSource and HelixClient.
func (m *MockTwitchServer) Client() *http.Client {
	return &http.Client{Transport: &rewriteTransport{base: http.DefaultTransport, host: strings.TrimPrefix(m.URL, "http://")}}
}

type rewriteTransport struct {
	base http.RoundTripper
	host string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	req.URL.Host = t.host
	return t.base.RoundTrip(req)
}

// Handle registers (or replaces) the handler for path.
func (m *MockTwitchServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.Handlers[path] = h
	m.mu.Unlock()
}

// MockUserResponse adds a handler for /helix/users that knows a single user.
// Other logins get an empty result, as Helix does.
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]string{}
		if strings.EqualFold(r.URL.Query().Get("login"), login) {
			data = append(data, map[string]string{"id": userID, "login": login})
		}
		response := map[string]interface{}{
			"data": data,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	})
}

// MockStreamsResponse adds a handler for /helix/streams that reports the
// requested logins found in live as live.
func (m *MockTwitchServer) MockStreamsResponse(live ...string) {
	m.Handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		isLive := make(map[string]bool, len(live))
		for _, l := range live {
			isLive[strings.ToLower(l)] = true
		}
		streams := []map[string]interface{}{}
		for _, login := range r.URL.Query()["user_login"] {
			if isLive[login] {
				streams = append(streams, map[string]interface{}{"id": "s-" + login, "user_login": login, "type": "live"})
			}
		}
		response := map[string]interface{}{
			"data": streams,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	})
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	})
}
