package feed

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/hpungsan/notefeed/internal/note"
)

var testNow = time.Unix(1_700_000_000, 0)

func fixedClock() func() time.Time { return func() time.Time { return testNow } }

func pk(n int) string { return fmt.Sprintf("%064x", 0xa000+n) }

func mkEvent(id string, author string, ageSeconds int64) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		PubKey:    author,
		Kind:      note.KindTextNote,
		CreatedAt: nostr.Timestamp(testNow.Unix() - ageSeconds),
		Tags:      nostr.Tags{},
	}
}

func ids(notes []*note.Note) []string {
	out := make([]string, len(notes))
	for i, n := range notes {
		out[i] = n.ID()
	}
	return out
}

// fakeTrust assigns records from outcomes when ScoreBatch runs; unknown authors become untrusted.
type fakeTrust struct {
	mu       sync.Mutex
	cache    map[string]note.TrustRecord
	outcomes map[string]note.TrustRecord
	batches  [][]string

	entered chan struct{}
	release chan struct{}
}

func newFakeTrust() *fakeTrust {
	return &fakeTrust{
		cache:    map[string]note.TrustRecord{},
		outcomes: map[string]note.TrustRecord{},
	}
}

func (f *fakeTrust) set(author string, rec note.TrustRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[author] = rec
}

func (f *fakeTrust) Lookup(author string) note.TrustRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.cache[author]; ok {
		return rec
	}
	return note.Placeholder()
}

func (f *fakeTrust) ScoreBatch(ctx context.Context, authors []string) error {
	if f.entered != nil {
		f.entered <- struct{}{}
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, slices.Clone(authors))
	for _, a := range authors {
		if rec, ok := f.outcomes[a]; ok {
			f.cache[a] = rec
		} else {
			f.cache[a] = note.Untrusted()
		}
	}
	return nil
}

func trusted(distance int, score float64) note.TrustRecord {
	return note.TrustRecord{Score: score, Distance: distance, Trusted: true, PathCount: 1, Scored: true}
}

// fakeDurable is an in-memory Durable.
type fakeDurable struct {
	mu     sync.Mutex
	events map[string][]*nostr.Event
	seen   map[string][]string
	err    error
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{events: map[string][]*nostr.Event{}, seen: map[string][]string{}}
}

func (d *fakeDurable) EventsBefore(_ context.Context, feedType string, before nostr.Timestamp, limit int) ([]*nostr.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	var out []*nostr.Event
	for _, ev := range d.events[feedType] {
		if ev.CreatedAt < before {
			out = append(out, ev)
		}
	}
	slices.SortFunc(out, func(a, b *nostr.Event) int { return int(b.CreatedAt - a.CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *fakeDurable) MarkSeen(_ context.Context, feedType string, ids []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[feedType] = append(d.seen[feedType], ids...)
	return nil
}

func (d *fakeDurable) SeenIDs(_ context.Context, feedType string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.seen[feedType]), nil
}

type fakePersister struct {
	mu     sync.Mutex
	queued map[string][]string
}

func (p *fakePersister) Enqueue(feedType string, ev *nostr.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queued == nil {
		p.queued = map[string][]string{}
	}
	p.queued[feedType] = append(p.queued[feedType], ev.ID)
	return true
}
