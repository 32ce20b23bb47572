// Package store defines the durable local store consumed by the feed pipeline.
package store

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/hpungsan/notefeed/internal/note"
	"github.com/hpungsan/notefeed/internal/relay"
)

// Store persists events, profiles, relay health and seen ids.
// Lookups that find nothing return a NOT_FOUND error.
type Store interface {
	// SaveEvents stores events under feedType. Already-stored events are ignored.
	// Returns the number of newly indexed (feedType, event) pairs.
	SaveEvents(ctx context.Context, feedType string, events []*nostr.Event) (int64, error)

	// EventsBefore returns up to limit events of feedType with created_at < before, newest first.
	EventsBefore(ctx context.Context, feedType string, before nostr.Timestamp, limit int) ([]*nostr.Event, error)

	// EventByID returns one stored event.
	EventByID(ctx context.Context, id string) (*nostr.Event, error)

	// SaveProfile stores p unless a newer profile for the same pubkey exists.
	SaveProfile(ctx context.Context, p note.Profile) error

	// Profile returns the stored profile of pubkey.
	Profile(ctx context.Context, pubkey string) (note.Profile, error)

	SaveRelayStats(ctx context.Context, stats []relay.Stats) error
	RelayStats(ctx context.Context) ([]relay.Stats, error)

	// MarkSeen records ids that must not be re-ingested into feedType.
	MarkSeen(ctx context.Context, feedType string, ids []string) error
	SeenIDs(ctx context.Context, feedType string) ([]string, error)

	// Prune deletes events created before olderThan and seen ids recorded before it.
	// Returns the number of events deleted.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}
