package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Redis relays messages between processes over Redis PUBLISH/SUBSCRIBE.
// Delivery is at-most-once per connected subscriber; per-channel order is
// the order Redis received the publishes in.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, logger: logger}
}

// DialRedis creates a client for addr ("host:port").
func DialRedis(addr string, logger *slog.Logger) *Redis {
	return NewRedis(redis.NewClient(&redis.Options{Addr: addr}), logger)
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Publish sends payload on channel.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe waits for Redis to confirm the subscription before returning,
// so a publish issued afterwards is guaranteed to be seen.
func (r *Redis) Subscribe(ctx context.Context, channels ...string) (<-chan Message, error) {
	ps := r.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan Message, subscriberBuffer)
	go func() {
		defer close(out)
		defer ps.Close()

		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					r.logger.Warn("redis subscription closed")
					return
				}
				select {
				case out <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the client and with it every subscription.
func (r *Redis) Close() error {
	return r.client.Close()
}
