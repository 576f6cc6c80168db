package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/stream-recorder/telemetry"
	"github.com/onnwee/stream-recorder/twitchapi"
)

const maxEventSubBody = 1 << 20

// HandleEventSub receives Twitch EventSub webhook deliveries. Signatures are
// verified before anything else; the verification challenge is echoed back
// and stream notifications are applied asynchronously so Twitch gets its
// 2xx within its deadline even while a capture is starting up.
func (h *Handlers) HandleEventSub(w http.ResponseWriter, r *http.Request) {
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "eventsub"))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventSubBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if err := twitchapi.VerifyEventSub(h.secret, r.Header, body, time.Now()); err != nil {
		logger.Warn("eventsub delivery rejected", slog.Any("err", err), slog.String("remote_addr", r.RemoteAddr))
		status := http.StatusForbidden
		if errors.Is(err, twitchapi.ErrStaleMessage) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	var msg twitchapi.EventSubMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	switch r.Header.Get(twitchapi.HeaderMessageType) {
	case twitchapi.MessageTypeVerification:
		logger.Info("eventsub subscription verified", slog.String("subscription", msg.Subscription.Type), slog.String("subscription_id", msg.Subscription.ID))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(msg.Challenge))
	case twitchapi.MessageTypeRevocation:
		logger.Warn("eventsub subscription revoked", slog.String("subscription", msg.Subscription.Type), slog.String("status", msg.Subscription.Status))
		w.WriteHeader(http.StatusNoContent)
	case twitchapi.MessageTypeNotification:
		subType := msg.Subscription.Type
		if subType != twitchapi.SubscriptionStreamOnline && subType != twitchapi.SubscriptionStreamOffline {
			logger.Debug("eventsub notification ignored", slog.String("subscription", subType))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		ev, err := msg.ParseStreamEvent()
		if err != nil {
			http.Error(w, "invalid event", http.StatusBadRequest)
			return
		}
		if h.streamEvents != nil {
			ctx := telemetry.WithCorrelation(h.ctx, telemetry.GetCorrelation(r.Context()))
			go h.streamEvents.HandleStreamEvent(ctx, subType, ev)
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
