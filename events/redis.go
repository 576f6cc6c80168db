package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisChannel is where the relay publishes events.
	DefaultRedisChannel = "recorder:events"
	publishTimeout      = 5 * time.Second
)

// RedisPublisher is the subset of the redis client used by the relay.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisRelay forwards every hub event to a Redis pub/sub channel so other
// processes (a second API instance, external tooling) can follow recordings.
type RedisRelay struct {
	Client  RedisPublisher
	Channel string
}

// Run subscribes to hub and publishes until ctx is done. If the hub drops the
// relay for being slow it resubscribes.
func (r *RedisRelay) Run(ctx context.Context, hub *Hub) {
	channel := r.Channel
	if channel == "" {
		channel = DefaultRedisChannel
	}
	logger := slog.Default().With(slog.String("component", "redis_relay"), slog.String("channel", channel))
	logger.Info("redis event relay started")
	for ctx.Err() == nil {
		sub := hub.Subscribe()
		r.pump(ctx, sub, channel, logger)
		sub.Close()
	}
	logger.Info("redis event relay stopped")
}

func (r *RedisRelay) pump(ctx context.Context, sub *Subscription, channel string, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			body, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := r.Client.Publish(pctx, channel, body).Err(); err != nil {
				logger.Warn("redis publish failed", slog.Any("err", err), slog.String("streamer_id", ev.StreamerID))
			}
			cancel()
		}
	}
}

// NewRedisClient builds a client for addr and verifies it with a PING.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}
