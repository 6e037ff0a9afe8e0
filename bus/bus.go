package bus

import "context"

// Endpoint is one subscriber on a channel, typically the outbound queue of a
// live connection. Queue must never block; it reports whether the payload was
// accepted.
type Endpoint interface {
	Queue(payload []byte) bool
}

// Bus is the addressable publish/subscribe substrate. A channel is a named
// broadcast domain; Publish delivers the payload to every endpoint currently
// subscribed to the channel, at most once per endpoint per publish.
// Successive publishes on a channel reach a subscribed endpoint in order.
// Publishing to a channel without subscribers is a no-op, as is
// unsubscribing an endpoint that is not present.
type Bus interface {
	Subscribe(ctx context.Context, channel string, ep Endpoint) error
	Unsubscribe(channel string, ep Endpoint)
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}
