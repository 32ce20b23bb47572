// Package feed owns the working set of notes: it converts events to notes,
// ranks them without reshuffling what was already shown, and pages older notes
// in from memory, the durable store and the network.
package feed

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/hpungsan/notefeed/internal/errors"
	"github.com/hpungsan/notefeed/internal/logging"
	"github.com/hpungsan/notefeed/internal/metrics"
	"github.com/hpungsan/notefeed/internal/note"
	"github.com/hpungsan/notefeed/internal/query"
)

// Mode selects whose notes the feed shows. It doubles as the durable feed type.
type Mode string

const (
	ModeFollowing Mode = "following"
	ModeGlobal    Mode = "global"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFollowing, ModeGlobal:
		return Mode(s), nil
	default:
		return "", errors.NewInvalidRequest("mode must be following or global")
	}
}

// Defaults.
const (
	DefaultMaxNotes    = 500
	DefaultTrustWeight = 0.6
	DefaultMaxAge      = 24 * time.Hour
	DefaultPageStep    = 6 * time.Hour
	DefaultLookback    = 7 * 24 * time.Hour
	DefaultCooldown    = 2 * time.Second

	// JitterFraction bounds post-freeze jitter as a share of the score range.
	JitterFraction = 0.3
)

// Trust is the part of the trust service the feed consults.
type Trust interface {
	Lookup(author string) note.TrustRecord
	ScoreBatch(ctx context.Context, authors []string) error
}

// Durable is the part of the durable store the feed reads.
type Durable interface {
	EventsBefore(ctx context.Context, feedType string, before nostr.Timestamp, limit int) ([]*nostr.Event, error)
	MarkSeen(ctx context.Context, feedType string, ids []string) error
	SeenIDs(ctx context.Context, feedType string) ([]string, error)
}

// Persister queues events for durable write-behind.
type Persister interface {
	Enqueue(feedType string, ev *nostr.Event) bool
}

// Fetcher reads from relays.
type Fetcher interface {
	Query(ctx context.Context, urls []string, filter nostr.Filter, onComplete query.CompletionFunc) ([]*nostr.Event, error)
}

// Store is the feed's working set.
type Store struct {
	trust     Trust
	durable   Durable
	persister Persister
	fetcher   Fetcher
	logger    *zap.Logger
	metrics   *metrics.Collector
	now       func() time.Time

	maxNotes    int
	trustWeight float64
	maxAge      time.Duration
	pageStep    time.Duration
	lookback    time.Duration
	cooldown    time.Duration
	seed        uint64

	mu         sync.Mutex
	mode       Mode
	filters    Filters
	follows    map[string]struct{}
	generation uint64
	notes      map[string]*note.Note
	seen       map[string]struct{}
	frozen     []string
	frozenPos  map[string]int
	shown      map[string]struct{}
	oldest     nostr.Timestamp
	lastFetch  time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithDurable(d Durable) Option            { return func(s *Store) { s.durable = d } }
func WithPersister(p Persister) Option        { return func(s *Store) { s.persister = p } }
func WithFetcher(f Fetcher) Option            { return func(s *Store) { s.fetcher = f } }
func WithLogger(l *zap.Logger) Option         { return func(s *Store) { s.logger = l } }
func WithMetrics(m *metrics.Collector) Option { return func(s *Store) { s.metrics = m } }
func WithClock(now func() time.Time) Option   { return func(s *Store) { s.now = now } }
func WithMaxNotes(n int) Option               { return func(s *Store) { s.maxNotes = n } }
func WithTrustWeight(w float64) Option        { return func(s *Store) { s.trustWeight = w } }
func WithMaxAge(d time.Duration) Option       { return func(s *Store) { s.maxAge = d } }
func WithCooldown(d time.Duration) Option     { return func(s *Store) { s.cooldown = d } }
func WithSeed(seed uint64) Option             { return func(s *Store) { s.seed = seed } }
func WithMode(m Mode) Option                  { return func(s *Store) { s.mode = m } }
func WithFilters(f Filters) Option            { return func(s *Store) { s.filters = f.normalized() } }

// WithPaging sets the network window step and the total lookback cap.
func WithPaging(step, lookback time.Duration) Option {
	return func(s *Store) {
		s.pageStep = step
		s.lookback = lookback
	}
}

// New creates an empty working set.
func New(trust Trust, opts ...Option) *Store {
	s := &Store{
		trust:       trust,
		now:         time.Now,
		maxNotes:    DefaultMaxNotes,
		trustWeight: DefaultTrustWeight,
		maxAge:      DefaultMaxAge,
		pageStep:    DefaultPageStep,
		lookback:    DefaultLookback,
		cooldown:    DefaultCooldown,
		mode:        ModeGlobal,
		follows:     make(map[string]struct{}),
		notes:       make(map[string]*note.Note),
		seen:        make(map[string]struct{}),
		shown:       make(map[string]struct{}),
	}
	s.filters = s.filters.normalized()
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).Named("feed")
	return s
}

// Ingest adds events to the working set. Already-seen ids, non-feed kinds,
// authors outside the follow set (in following mode) and malformed events are
// skipped individually. Returns the notes added.
func (s *Store) Ingest(ctx context.Context, events ...*nostr.Event) []*note.Note {
	s.mu.Lock()
	mode := s.mode
	added, persisted, evicted := s.ingestLocked(events)
	s.mu.Unlock()

	s.persist(ctx, mode, persisted, evicted)
	return withoutEvicted(added, evicted)
}

// ingestLocked returns every note it accepted, including any the ceiling
// evicted again before returning.
func (s *Store) ingestLocked(events []*nostr.Event) (added []*note.Note, persisted []*nostr.Event, evicted []string) {
	now := s.now()
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if !slices.Contains(note.FeedKinds, ev.Kind) {
			s.metrics.FeedEvent("filtered")
			continue
		}
		if _, ok := s.seen[ev.ID]; ok {
			s.metrics.FeedEvent("duplicate")
			continue
		}
		if s.mode == ModeFollowing {
			if _, ok := s.follows[ev.PubKey]; !ok {
				s.metrics.FeedEvent("filtered")
				continue
			}
		}
		n, err := note.FromEvent(ev, s.trust.Lookup(ev.PubKey))
		if err != nil {
			s.logger.Debug("skipping malformed event", zap.String("event", ev.ID), zap.Error(err))
			s.metrics.FeedEvent("malformed")
			continue
		}
		s.score(n, now)
		s.notes[n.ID()] = n
		s.seen[n.ID()] = struct{}{}
		if s.oldest == 0 || ev.CreatedAt < s.oldest {
			s.oldest = ev.CreatedAt
		}
		added = append(added, n)
		persisted = append(persisted, ev)
		s.metrics.FeedEvent("ingested")
	}

	evicted = s.enforceCeilingLocked(now)
	s.metrics.SetWorkingSet(len(s.notes))
	return added, persisted, evicted
}

// withoutEvicted filters notes whose ids were evicted.
func withoutEvicted(notes []*note.Note, evicted []string) []*note.Note {
	if len(evicted) == 0 {
		return notes
	}
	gone := make(map[string]struct{}, len(evicted))
	for _, id := range evicted {
		gone[id] = struct{}{}
	}
	return slices.DeleteFunc(notes, func(n *note.Note) bool {
		_, ok := gone[n.ID()]
		return ok
	})
}

// enforceCeilingLocked evicts the lowest combined scores above maxNotes.
// Evicted ids stay in the seen set.
func (s *Store) enforceCeilingLocked(now time.Time) []string {
	over := len(s.notes) - s.maxNotes
	if s.maxNotes <= 0 || over <= 0 {
		return nil
	}
	all := make([]*note.Note, 0, len(s.notes))
	for _, n := range s.notes {
		s.score(n, now)
		all = append(all, n)
	}
	slices.SortFunc(all, func(a, b *note.Note) int {
		if a.CombinedScore != b.CombinedScore {
			if a.CombinedScore < b.CombinedScore {
				return -1
			}
			return 1
		}
		return newestFirst(b, a)
	})

	evicted := make([]string, 0, over)
	for _, n := range all[:over] {
		delete(s.notes, n.ID())
		evicted = append(evicted, n.ID())
		s.metrics.FeedEvent("evicted")
	}
	return evicted
}

func (s *Store) persist(ctx context.Context, mode Mode, events []*nostr.Event, evicted []string) {
	if s.persister != nil {
		for _, ev := range events {
			s.persister.Enqueue(string(mode), ev)
		}
	}
	if s.durable != nil && len(evicted) > 0 {
		if err := s.durable.MarkSeen(ctx, string(mode), evicted); err != nil {
			s.logger.Warn("failed to persist evicted ids", zap.Int("ids", len(evicted)), zap.Error(err))
		}
	}
}

// score recomputes combinedScore = trust·w + recency·(1−w).
func (s *Store) score(n *note.Note, now time.Time) {
	n.CombinedScore = n.TrustScore*s.trustWeight + s.recency(n, now)*(1-s.trustWeight)
}

func (s *Store) recency(n *note.Note, now time.Time) float64 {
	if s.maxAge <= 0 {
		return 0
	}
	// created_at is author-supplied; future timestamps count as age zero.
	age := max(0, now.Sub(time.Unix(n.CreatedAt(), 0)))
	return max(0, 1-float64(age)/float64(s.maxAge))
}

// ScoreAuthors scores every author in the working set lacking a real record and
// refreshes trust fields in place. The first success in a generation freezes
// the current newest-first order. Results from a superseded generation are
// discarded with STALE_GENERATION.
func (s *Store) ScoreAuthors(ctx context.Context) error {
	s.mu.Lock()
	gen := s.generation
	authors := make([]string, 0)
	seen := make(map[string]struct{})
	for _, n := range s.notes {
		a := n.Author()
		if _, ok := seen[a]; ok || n.Scored {
			continue
		}
		seen[a] = struct{}{}
		authors = append(authors, a)
	}
	s.mu.Unlock()

	slices.Sort(authors)
	if err := s.trust.ScoreBatch(ctx, authors); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return errors.NewStaleGeneration(gen, s.generation)
	}
	now := s.now()
	for _, n := range s.notes {
		if n.ApplyTrust(s.trust.Lookup(n.Author())) {
			s.score(n, now)
		}
	}
	if s.frozenPos == nil {
		s.freezeLocked()
	}
	return nil
}

// ReapplyTrust copies the current cached record onto every note in the working
// set, for when the trust source re-derived records without new scoring.
// Frozen order is untouched.
func (s *Store) ReapplyTrust() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, n := range s.notes {
		if n.ApplyTrust(s.trust.Lookup(n.Author())) {
			s.score(n, now)
		}
	}
}

// freezeLocked snapshots the working set ids newest first.
func (s *Store) freezeLocked() {
	all := make([]*note.Note, 0, len(s.notes))
	for _, n := range s.notes {
		all = append(all, n)
	}
	slices.SortFunc(all, newestFirst)

	s.frozen = make([]string, len(all))
	s.frozenPos = make(map[string]int, len(all))
	for i, n := range all {
		s.frozen[i] = n.ID()
		s.frozenPos[n.ID()] = i
	}
	s.logger.Debug("order frozen", zap.Uint64("generation", s.generation), zap.Int("notes", len(all)))
}

// Refresh starts a new generation: the frozen order and display cutoff reset,
// the working set is kept. Returns the new generation.
func (s *Store) Refresh() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.frozen = nil
	s.frozenPos = nil
	s.shown = make(map[string]struct{})
	return s.generation
}

// SetMode switches the feed, clearing the working set and seen set. The ids
// persisted as seen for the new mode are read first and installed in the same
// critical section as the switch, so no ingest lands in between.
func (s *Store) SetMode(ctx context.Context, mode Mode) (uint64, error) {
	var persisted []string
	if s.durable != nil {
		ids, err := s.durable.SeenIDs(ctx, string(mode))
		if err != nil {
			return s.Generation(), err
		}
		persisted = ids
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.mode = mode
	s.notes = make(map[string]*note.Note)
	s.seen = make(map[string]struct{}, len(persisted))
	for _, id := range persisted {
		s.seen[id] = struct{}{}
	}
	s.frozen = nil
	s.frozenPos = nil
	s.shown = make(map[string]struct{})
	s.oldest = 0
	s.lastFetch = time.Time{}
	s.metrics.SetWorkingSet(0)
	return s.generation, nil
}

// Warm restores persisted seen ids and loads up to limit recent events of the
// current mode from the durable store.
func (s *Store) Warm(ctx context.Context, limit int) (int, error) {
	if s.durable == nil {
		return 0, nil
	}
	s.mu.Lock()
	mode := s.mode
	gen := s.generation
	s.mu.Unlock()

	ids, err := s.durable.SeenIDs(ctx, string(mode))
	if err != nil {
		return 0, err
	}
	evs, err := s.durable.EventsBefore(ctx, string(mode), nostr.Timestamp(s.now().Unix()+1), limit)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	if gen != s.generation {
		cur := s.generation
		s.mu.Unlock()
		return 0, errors.NewStaleGeneration(gen, cur)
	}
	for _, id := range ids {
		s.seen[id] = struct{}{}
	}
	added, _, evicted := s.ingestLocked(evs)
	s.mu.Unlock()

	// Already durable; only the evictions need recording.
	s.persist(ctx, mode, nil, evicted)
	return len(withoutEvicted(added, evicted)), nil
}

// SetFilters replaces the viewer filters.
func (s *Store) SetFilters(f Filters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = f.normalized()
}

// Filters returns the active viewer filters.
func (s *Store) Filters() Filters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filters.clone()
}

// SetFollows replaces the follow set used in following mode.
func (s *Store) SetFollows(pubkeys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.follows = make(map[string]struct{}, len(pubkeys))
	for _, pk := range pubkeys {
		s.follows[pk] = struct{}{}
	}
}

// Follows returns the follow set, sorted.
func (s *Store) Follows() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.follows))
	for pk := range s.follows {
		out = append(out, pk)
	}
	slices.Sort(out)
	return out
}

// Mode returns the current feed mode.
func (s *Store) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Generation returns the current generation.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Seen reports whether id was ever ingested in this generation's mode.
func (s *Store) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[id]
	return ok
}

// Stats summarizes the working set.
type Stats struct {
	Mode       Mode   `json:"mode"`
	Generation uint64 `json:"generation"`
	WorkingSet int    `json:"working_set"`
	Seen       int    `json:"seen"`
	Frozen     bool   `json:"frozen"`
	FrozenSize int    `json:"frozen_size"`
	Cutoff     int    `json:"cutoff"`
	Oldest     int64  `json:"oldest"`
	Follows    int    `json:"follows"`
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Mode:       s.mode,
		Generation: s.generation,
		WorkingSet: len(s.notes),
		Seen:       len(s.seen),
		Frozen:     s.frozenPos != nil,
		FrozenSize: len(s.frozen),
		Cutoff:     len(s.shown),
		Oldest:     int64(s.oldest),
		Follows:    len(s.follows),
	}
}
