package feed

import (
	"context"
	"slices"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/hpungsan/notefeed/internal/errors"
	"github.com/hpungsan/notefeed/internal/note"
)

// Pagination tiers, in the order they are tried.
const (
	TierMemory  = "memory"
	TierDurable = "durable"
	TierNetwork = "network"
	TierNone    = "none"
)

// durableRounds bounds how many durable reads one Page call makes when every
// stored event was already seen.
const durableRounds = 3

// Page is one batch of notes not shown before in this generation.
type Page struct {
	Notes      []*note.Note
	Source     string
	NoMore     bool
	Generation uint64
}

// Page returns up to limit notes not yet shown in this generation, trying the
// working set, then the durable store, then the network. Network reads are
// throttled by the cooldown (COOLING_DOWN).
func (s *Store) Page(ctx context.Context, limit int) (Page, error) {
	if limit <= 0 {
		return Page{}, errors.NewInvalidRequest("limit must be positive")
	}

	s.mu.Lock()
	gen := s.generation
	if notes := s.takeUnshownLocked(s.viewLocked(), limit); len(notes) > 0 {
		s.mu.Unlock()
		s.metrics.PageServed(TierMemory)
		return Page{Notes: notes, Source: TierMemory, Generation: gen}, nil
	}
	s.mu.Unlock()

	if s.durable != nil {
		notes, err := s.pageDurable(ctx, gen, limit)
		if err != nil {
			return Page{}, err
		}
		if len(notes) > 0 {
			s.metrics.PageServed(TierDurable)
			return Page{Notes: notes, Source: TierDurable, Generation: gen}, nil
		}
	}

	if s.fetcher == nil {
		s.metrics.PageServed(TierNone)
		return Page{Source: TierNone, NoMore: true, Generation: gen}, nil
	}
	return s.pageNetwork(ctx, gen, limit)
}

// takeUnshownLocked returns up to limit copies from view not yet shown and marks them shown.
func (s *Store) takeUnshownLocked(view []*note.Note, limit int) []*note.Note {
	var out []*note.Note
	for _, n := range view {
		if len(out) == limit {
			break
		}
		if _, ok := s.shown[n.ID()]; ok {
			continue
		}
		s.shown[n.ID()] = struct{}{}
		out = append(out, n)
	}
	return out
}

// absorbLocked ingests a fetched page and returns the visible, unshown notes it
// produced, newest first. Notes the ceiling evicts on the way in are still
// returned, since older pages always rank lowest on recency. The cursor moves
// to the oldest fetched timestamp.
func (s *Store) absorbLocked(evs []*nostr.Event, limit int) (notes []*note.Note, persisted []*nostr.Event, evicted []string) {
	for _, ev := range evs {
		if ev != nil && (s.oldest == 0 || ev.CreatedAt < s.oldest) {
			s.oldest = ev.CreatedAt
		}
	}
	added, persisted, evicted := s.ingestLocked(evs)

	visible := make([]*note.Note, 0, len(added))
	for _, n := range added {
		if s.passes(n) {
			cp := *n
			visible = append(visible, &cp)
		}
	}
	slices.SortFunc(visible, newestFirst)
	return s.takeUnshownLocked(visible, limit), persisted, evicted
}

func (s *Store) cursorLocked() nostr.Timestamp {
	if s.oldest == 0 {
		return nostr.Timestamp(s.now().Unix() + 1)
	}
	return s.oldest
}

func (s *Store) pageDurable(ctx context.Context, gen uint64, limit int) ([]*note.Note, error) {
	s.mu.Lock()
	mode := s.mode
	cursor := s.cursorLocked()
	s.mu.Unlock()

	for range durableRounds {
		evs, err := s.durable.EventsBefore(ctx, string(mode), cursor, limit)
		if err != nil {
			s.logger.Warn("durable page failed", zap.Error(err))
			return nil, nil
		}
		if len(evs) == 0 {
			return nil, nil
		}
		for _, ev := range evs {
			cursor = min(cursor, ev.CreatedAt)
		}

		s.mu.Lock()
		if gen != s.generation {
			cur := s.generation
			s.mu.Unlock()
			return nil, errors.NewStaleGeneration(gen, cur)
		}
		notes, _, evicted := s.absorbLocked(evs, limit)
		s.mu.Unlock()

		s.persist(ctx, mode, nil, evicted)
		if len(notes) > 0 {
			return notes, nil
		}
	}
	return nil, nil
}

func (s *Store) pageNetwork(ctx context.Context, gen uint64, limit int) (Page, error) {
	now := s.now()

	s.mu.Lock()
	if !s.lastFetch.IsZero() && now.Sub(s.lastFetch) < s.cooldown {
		wait := s.cooldown - now.Sub(s.lastFetch)
		s.mu.Unlock()
		return Page{}, errors.NewCoolingDown(wait.Milliseconds())
	}
	s.lastFetch = now
	mode := s.mode
	var authors []string
	if mode == ModeFollowing {
		for pk := range s.follows {
			authors = append(authors, pk)
		}
	}
	until := s.cursorLocked()
	s.mu.Unlock()

	if mode == ModeFollowing && len(authors) == 0 {
		s.metrics.PageServed(TierNone)
		return Page{Source: TierNone, NoMore: true, Generation: gen}, nil
	}

	step := nostr.Timestamp(s.pageStep / time.Second)
	floor := until - nostr.Timestamp(s.lookback/time.Second)
	since := max(until-step, floor)
	rounds := int(s.lookback/s.pageStep) + 4

	for range rounds {
		evs, err := s.fetch(ctx, nostr.Filter{
			Kinds:   note.FeedKinds,
			Authors: authors,
			Since:   &since,
			Until:   &until,
			Limit:   limit,
		})
		if err != nil {
			return Page{}, err
		}

		s.mu.Lock()
		if gen != s.generation {
			cur := s.generation
			s.mu.Unlock()
			return Page{}, errors.NewStaleGeneration(gen, cur)
		}
		notes, persisted, evicted := s.absorbLocked(evs, limit)
		s.mu.Unlock()
		s.persist(ctx, mode, persisted, evicted)

		if len(notes) > 0 {
			s.metrics.PageServed(TierNetwork)
			return Page{Notes: notes, Source: TierNetwork, Generation: gen}, nil
		}

		if len(evs) > 0 {
			// Everything was already seen: continue below the oldest returned event.
			oldest := until
			for _, ev := range evs {
				oldest = min(oldest, ev.CreatedAt)
			}
			until = oldest - 1
			if until < since {
				since = max(until-step, floor)
			}
		} else {
			if since <= floor {
				break
			}
			since = max(since-step, floor)
		}
		if until <= floor {
			break
		}
	}

	s.metrics.PageServed(TierNone)
	return Page{Source: TierNone, NoMore: true, Generation: gen}, nil
}

type fetchResult struct {
	events []*nostr.Event
	err    error
}

// fetch waits for the complete result of one relay read.
func (s *Store) fetch(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error) {
	done := make(chan fetchResult, 1)
	_, err := s.fetcher.Query(ctx, nil, f, func(evs []*nostr.Event, err error) {
		done <- fetchResult{evs, err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.events, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
