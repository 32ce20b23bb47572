package relay

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Stream is the live result of one subscription across a set of relays.
// Events closes when the context ends or every relay closed the subscription.
// EOSE closes once every relay sent end-of-stored-events or failed.
type Stream struct {
	Events <-chan *nostr.Event
	EOSE   <-chan struct{}
}

// Pool is the relay transport used by the query coordinator and the session.
type Pool interface {
	// Ready reports whether the pool has at least one usable endpoint.
	Ready() bool

	// URLs returns the configured endpoints in priority order.
	URLs() []string

	// Subscribe opens one filter subscription on each url. Cancelling ctx closes it
	// on every relay.
	Subscribe(ctx context.Context, urls []string, filter nostr.Filter) (*Stream, error)

	// Publish sends a signed event. It succeeds if at least one relay accepts it.
	Publish(ctx context.Context, urls []string, ev nostr.Event) error
}
