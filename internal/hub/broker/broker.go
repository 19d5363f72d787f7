// Package broker abstracts the publish/subscribe transport behind the hub.
//
// Memory serves a single process and tests; Redis relays between server
// processes with PUBLISH/SUBSCRIBE.
package broker

import "context"

// Message is one payload received on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Broker publishes payloads to named channels and streams them to
// subscribers. Per-channel publish order is preserved for each subscriber.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns once the subscription is active. The returned
	// channel is closed when ctx is done or the broker is closed.
	Subscribe(ctx context.Context, channels ...string) (<-chan Message, error)

	Close() error
}
