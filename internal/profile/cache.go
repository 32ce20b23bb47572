// Package profile caches author metadata (kind 0) in memory, backed by the
// durable store and fetched from relays through the query coordinator.
package profile

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hpungsan/notefeed/internal/errors"
	"github.com/hpungsan/notefeed/internal/logging"
	"github.com/hpungsan/notefeed/internal/note"
	"github.com/hpungsan/notefeed/internal/query"
)

// Durable is the part of the durable store profiles live in.
type Durable interface {
	SaveProfile(ctx context.Context, p note.Profile) error
	Profile(ctx context.Context, pubkey string) (note.Profile, error)
}

// Fetcher reads from relays.
type Fetcher interface {
	Query(ctx context.Context, urls []string, filter nostr.Filter, onComplete query.CompletionFunc) ([]*nostr.Event, error)
}

// Cache holds the newest known profile per pubkey.
type Cache struct {
	durable Durable
	fetcher Fetcher
	logger  *zap.Logger
	group   singleflight.Group

	mu       sync.Mutex
	profiles map[string]note.Profile
}

// Option configures a Cache.
type Option func(*Cache)

func WithDurable(d Durable) Option    { return func(c *Cache) { c.durable = d } }
func WithFetcher(f Fetcher) Option    { return func(c *Cache) { c.fetcher = f } }
func WithLogger(l *zap.Logger) Option { return func(c *Cache) { c.logger = l } }

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{profiles: make(map[string]note.Profile)}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger).Named("profile")
	return c
}

// Get returns the cached profile of pubkey without blocking.
func (c *Cache) Get(pubkey string) (note.Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.profiles[note.NormalizePubkey(pubkey)]
	return p, ok
}

// Invalidate drops pubkey from memory. The durable copy is kept.
func (c *Cache) Invalidate(pubkey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.profiles, note.NormalizePubkey(pubkey))
}

// Len returns the number of cached profiles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.profiles)
}

// Ingest parses a metadata event and keeps it if it is newer than what is
// cached. Invalid payloads are skipped. Reports whether the cache changed.
func (c *Cache) Ingest(ctx context.Context, ev *nostr.Event) bool {
	p, err := note.ParseProfile(ev)
	if err != nil {
		c.logger.Debug("skipping profile", zap.Error(err))
		return false
	}
	if !c.keep(p) {
		return false
	}
	if c.durable != nil {
		if err := c.durable.SaveProfile(ctx, p); err != nil {
			c.logger.Warn("failed to persist profile", zap.String("pubkey", p.PubKey), zap.Error(err))
		}
	}
	return true
}

func (c *Cache) keep(p note.Profile) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.profiles[p.PubKey]; ok && cur.UpdatedAt >= p.UpdatedAt {
		return false
	}
	c.profiles[p.PubKey] = p
	return true
}

// Request resolves profiles for pubkeys from memory, then the durable store,
// then relays. Pubkeys nobody has a profile for are absent from the result.
// Concurrent requests for the same missing set share one relay read.
func (c *Cache) Request(ctx context.Context, pubkeys []string) (map[string]note.Profile, error) {
	keys := note.NormalizePubkeys(pubkeys)
	out := make(map[string]note.Profile, len(keys))

	var missing []string
	c.mu.Lock()
	for _, pk := range keys {
		if p, ok := c.profiles[pk]; ok {
			out[pk] = p
		} else {
			missing = append(missing, pk)
		}
	}
	c.mu.Unlock()

	if c.durable != nil && len(missing) > 0 {
		remaining := missing[:0:0]
		for _, pk := range missing {
			p, err := c.durable.Profile(ctx, pk)
			switch {
			case err == nil:
				c.keep(p)
				out[pk] = p
			case errors.Is(err, errors.ErrNotFound):
				remaining = append(remaining, pk)
			default:
				c.logger.Warn("durable profile lookup failed", zap.String("pubkey", pk), zap.Error(err))
				remaining = append(remaining, pk)
			}
		}
		missing = remaining
	}

	if c.fetcher == nil || len(missing) == 0 {
		return out, nil
	}

	slices.Sort(missing)
	_, err, _ := c.group.Do(strings.Join(missing, ","), func() (any, error) {
		return nil, c.fetch(ctx, missing)
	})
	if err != nil {
		return out, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pk := range missing {
		if p, ok := c.profiles[pk]; ok {
			out[pk] = p
		}
	}
	return out, nil
}

type fetchResult struct {
	events []*nostr.Event
	err    error
}

func (c *Cache) fetch(ctx context.Context, authors []string) error {
	done := make(chan fetchResult, 1)
	filter := nostr.Filter{Kinds: []int{note.KindMetadata}, Authors: authors, Limit: len(authors)}
	if _, err := c.fetcher.Query(ctx, nil, filter, func(evs []*nostr.Event, err error) {
		done <- fetchResult{evs, err}
	}); err != nil {
		return err
	}

	var r fetchResult
	select {
	case r = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}
	for _, ev := range r.events {
		c.Ingest(ctx, ev)
	}
	c.logger.Debug("profiles fetched", zap.Int("requested", len(authors)), zap.Int("received", len(r.events)))
	return nil
}
