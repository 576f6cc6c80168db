package monitor

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/onnwee/stream-recorder/twitchapi"
)

// UserResolver resolves a login to a Twitch user id.
type UserResolver interface {
	GetUserID(ctx context.Context, login string) (string, error)
}

// ResolveChannels lower-cases and de-duplicates channels and drops logins
// Twitch does not know. Lookup errors other than not-found keep the channel,
// so a Helix outage at boot does not silently shrink the watch list.
func ResolveChannels(ctx context.Context, users UserResolver, channels []string) []string {
	seen := make(map[string]bool, len(channels))
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		login := strings.ToLower(strings.TrimSpace(ch))
		if login == "" || seen[login] {
			continue
		}
		seen[login] = true
		if _, err := users.GetUserID(ctx, login); err != nil {
			if errors.Is(err, twitchapi.ErrUserNotFound) {
				slog.Warn("twitch channel not found; not watching", slog.String("component", "monitor"), slog.String("channel", login))
				continue
			}
			slog.Warn("twitch channel lookup failed; watching anyway", slog.String("component", "monitor"), slog.String("channel", login), slog.Any("err", err))
		}
		out = append(out, login)
	}
	return out
}
