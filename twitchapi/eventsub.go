package twitchapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// EventSub webhook headers and message types.
const (
	HeaderMessageID        = "Twitch-Eventsub-Message-Id"
	HeaderMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	HeaderMessageSignature = "Twitch-Eventsub-Message-Signature"
	HeaderMessageType      = "Twitch-Eventsub-Message-Type"

	MessageTypeNotification = "notification"
	MessageTypeVerification = "webhook_callback_verification"
	MessageTypeRevocation   = "revocation"

	SubscriptionStreamOnline  = "stream.online"
	SubscriptionStreamOffline = "stream.offline"

	// Twitch recommends rejecting messages older than ten minutes.
	maxMessageAge = 10 * time.Minute
)

var (
	ErrInvalidSignature = errors.New("eventsub signature mismatch")
	ErrStaleMessage     = errors.New("eventsub message too old")
)

// SignEventSub computes the signature header value for a message.
func SignEventSub(secret, messageID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyEventSub checks the HMAC signature and freshness of a webhook delivery.
func VerifyEventSub(secret string, h http.Header, body []byte, now time.Time) error {
	id := h.Get(HeaderMessageID)
	ts := h.Get(HeaderMessageTimestamp)
	sig := h.Get(HeaderMessageSignature)
	if secret == "" || id == "" || ts == "" || sig == "" {
		return ErrInvalidSignature
	}
	want := SignEventSub(secret, id, ts, body)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrInvalidSignature
	}
	sent, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ErrInvalidSignature
	}
	if now.Sub(sent) > maxMessageAge {
		return ErrStaleMessage
	}
	return nil
}

// EventSubMessage is the body of a webhook delivery.
type EventSubMessage struct {
	Subscription struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Status string `json:"status"`
	} `json:"subscription"`
	Challenge string          `json:"challenge,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
}

// StreamEvent is the payload of stream.online and stream.offline.
type StreamEvent struct {
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	BroadcasterUserName  string `json:"broadcaster_user_name"`
	Type                 string `json:"type,omitempty"`
	StartedAt            string `json:"started_at,omitempty"`
}

// ParseStreamEvent decodes the event of a stream.online/offline notification.
func (m EventSubMessage) ParseStreamEvent() (StreamEvent, error) {
	var ev StreamEvent
	if len(m.Event) == 0 {
		return ev, errors.New("eventsub message has no event")
	}
	err := json.Unmarshal(m.Event, &ev)
	return ev, err
}
