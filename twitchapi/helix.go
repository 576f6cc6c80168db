// Package twitchapi contains minimal helpers for the Twitch Helix API (user id
// resolution and live stream lookup) using an app access token, plus EventSub
// webhook verification.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	helixBaseURL    = "https://api.twitch.tv/helix"
	helixMaxRetries = 2
	// Helix accepts at most 100 user_login values per streams request.
	maxLoginsPerRequest = 100
)

// ErrUserNotFound is returned when a login does not resolve to a user.
var ErrUserNotFound = errors.New("user not found")

// HelixClient provides the Helix calls the recorder needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// Stream is a live broadcast as reported by Helix.
type Stream struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	UserName    string    `json:"user_name"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	GameName    string    `json:"game_name"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

// get performs an authorized GET against a Helix endpoint. A 401 drops the
// cached app token and retries once with a fresh one; 429 and 5xx are retried
// with a short backoff.
func (hc *HelixClient) get(ctx context.Context, path string, q url.Values, out any) error {
	refreshed := false
	backoff := 500 * time.Millisecond
	for attempt := 0; ; attempt++ {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixBaseURL+path, nil)
		if err != nil {
			return err
		}
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := hc.http().Do(req)
		if err != nil {
			return err
		}

		retry := false
		switch {
		case resp.StatusCode == http.StatusUnauthorized && !refreshed:
			hc.AppTokenSource.Invalidate()
			refreshed = true
			retry = true
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			retry = attempt < helixMaxRetries
		}
		if retry {
			drain(resp)
			slog.Debug("helix request retry", slog.String("path", path), slog.Int("status", resp.StatusCode), slog.Int("attempt", attempt+1))
			if resp.StatusCode != http.StatusUnauthorized {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return ctx.Err()
				}
				backoff *= 2
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			drain(resp)
			return fmt.Errorf("helix %s: %s: %s", path, resp.Status, strings.TrimSpace(string(b)))
		}
		err = json.NewDecoder(resp.Body).Decode(out)
		drain(resp)
		return err
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/users", url.Values{"login": {login}}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", ErrUserNotFound
	}
	return body.Data[0].ID, nil
}

// GetStreams returns the live streams among logins. Offline channels are
// simply absent from the result.
func (hc *HelixClient) GetStreams(ctx context.Context, logins ...string) ([]Stream, error) {
	var out []Stream
	for len(logins) > 0 {
		n := len(logins)
		if n > maxLoginsPerRequest {
			n = maxLoginsPerRequest
		}
		q := url.Values{"first": {"100"}}
		for _, l := range logins[:n] {
			q.Add("user_login", strings.ToLower(l))
		}
		logins = logins[n:]

		var body struct {
			Data []Stream `json:"data"`
		}
		if err := hc.get(ctx, "/streams", q, &body); err != nil {
			return nil, err
		}
		for _, s := range body.Data {
			if s.Type == "" || s.Type == "live" {
				out = append(out, s)
			}
		}
	}
	return out, nil
}
