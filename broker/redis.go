package broker

import (
	"chat-relay/errors"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis relays events with PUBLISH and a single PSUBSCRIBE on prefix*.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis fails only on an invalid URL. An unreachable server is logged and
// left to the adapter, which keeps retrying in degraded mode.
func NewRedis(log *slog.Logger, redisURL, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("Redis unreachable at startup, starting in degraded mode", "addr", opts.Addr, "error", err)
	}

	return &Redis{client: client, prefix: prefix}, nil
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, r.prefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrBrokerUnavailable, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, ready func(), h Handler) error {
	ps := r.client.PSubscribe(ctx, r.prefix+"*")
	defer ps.Close()

	// Wait for the subscription confirmation
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: %v", errors.ErrBrokerUnavailable, err)
	}
	ready()

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", errors.ErrBrokerUnavailable, err)
		}
		h(strings.TrimPrefix(msg.Channel, r.prefix), []byte(msg.Payload))
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
