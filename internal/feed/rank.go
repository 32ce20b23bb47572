package feed

import (
	"cmp"
	"encoding/binary"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/hpungsan/notefeed/internal/errors"
	"github.com/hpungsan/notefeed/internal/note"
)

// SortMode selects how post-freeze notes are ranked.
type SortMode string

const (
	SortCombined SortMode = "combined"
	SortRecent   SortMode = "recent"
	SortTrust    SortMode = "trust"
)

// ParseSortMode validates a sort mode string. Empty means combined.
func ParseSortMode(s string) (SortMode, error) {
	switch SortMode(s) {
	case "":
		return SortCombined, nil
	case SortCombined, SortRecent, SortTrust:
		return SortMode(s), nil
	default:
		return "", errors.NewInvalidRequest("sort mode must be combined, recent or trust")
	}
}

// Filters are the viewer-chosen settings applied by View.
type Filters struct {
	TrustedOnly bool

	// TrustThreshold is a 0..100 floor on trust score, applied with TrustedOnly.
	TrustThreshold float64

	// MaxHops limits graph distance, applied with TrustedOnly. 0 = unlimited.
	MaxHops int

	Muted         []string
	Bookmarks     []string
	BookmarksOnly bool
	Sort          SortMode

	muted     map[string]struct{}
	bookmarks map[string]struct{}
}

func (f Filters) normalized() Filters {
	out := f.clone()
	if out.Sort == "" {
		out.Sort = SortCombined
	}
	out.muted = make(map[string]struct{}, len(out.Muted))
	for _, pk := range out.Muted {
		out.muted[pk] = struct{}{}
	}
	out.bookmarks = make(map[string]struct{}, len(out.Bookmarks))
	for _, id := range out.Bookmarks {
		out.bookmarks[id] = struct{}{}
	}
	return out
}

func (f Filters) clone() Filters {
	out := f
	out.Muted = slices.Clone(f.Muted)
	out.Bookmarks = slices.Clone(f.Bookmarks)
	out.muted = nil
	out.bookmarks = nil
	return out
}

// passes reports whether n survives the viewer filters.
func (s *Store) passes(n *note.Note) bool {
	f := &s.filters
	if _, muted := f.muted[n.Author()]; muted {
		return false
	}
	if f.BookmarksOnly {
		if _, ok := f.bookmarks[n.ID()]; !ok {
			return false
		}
	}
	if f.TrustedOnly {
		if !n.Trusted {
			return false
		}
		if f.TrustThreshold > 0 && n.TrustScore*100 < f.TrustThreshold {
			return false
		}
		if f.MaxHops > 0 && n.Distance > f.MaxHops {
			return false
		}
	}
	if s.mode == ModeFollowing && len(s.follows) > 0 {
		if _, ok := s.follows[n.Author()]; !ok {
			return false
		}
	}
	return true
}

// newestFirst orders notes by created_at descending, ties by id.
func newestFirst(a, b *note.Note) int {
	if c := cmp.Compare(b.CreatedAt(), a.CreatedAt()); c != 0 {
		return c
	}
	return strings.Compare(a.ID(), b.ID())
}

// View returns the filtered, ranked working set. Notes in the frozen snapshot
// keep their frozen relative order; later notes are ranked after them.
// The returned notes are copies.
func (s *Store) View() []*note.Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Store) viewLocked() []*note.Note {
	now := s.now()
	visible := make([]*note.Note, 0, len(s.notes))
	for _, n := range s.notes {
		if s.passes(n) {
			visible = append(visible, n)
		}
	}

	var ranked []*note.Note
	switch {
	case s.filters.Sort == SortRecent || s.frozenPos == nil:
		slices.SortFunc(visible, newestFirst)
		ranked = visible

	default:
		var frozen, fresh []*note.Note
		for _, n := range visible {
			if _, ok := s.frozenPos[n.ID()]; ok {
				frozen = append(frozen, n)
			} else {
				fresh = append(fresh, n)
			}
		}
		slices.SortFunc(frozen, func(a, b *note.Note) int {
			return cmp.Compare(s.frozenPos[a.ID()], s.frozenPos[b.ID()])
		})
		for _, n := range fresh {
			s.score(n, now)
		}
		ranked = append(frozen, s.rankFresh(fresh)...)
	}

	out := make([]*note.Note, len(ranked))
	for i, n := range ranked {
		cp := *n
		out[i] = &cp
	}
	return out
}

// rankFresh orders post-freeze notes by score plus a seeded jitter bounded by
// JitterFraction of the score range.
func (s *Store) rankFresh(notes []*note.Note) []*note.Note {
	if len(notes) < 2 {
		return notes
	}
	base := func(n *note.Note) float64 {
		if s.filters.Sort == SortTrust {
			return n.TrustScore
		}
		return n.CombinedScore
	}

	lo, hi := base(notes[0]), base(notes[0])
	for _, n := range notes[1:] {
		lo = min(lo, base(n))
		hi = max(hi, base(n))
	}
	spread := (hi - lo) * JitterFraction

	keys := make(map[string]float64, len(notes))
	for _, n := range notes {
		keys[n.ID()] = base(n) + spread*s.jitter(n.ID())
	}
	slices.SortFunc(notes, func(a, b *note.Note) int {
		if c := cmp.Compare(keys[b.ID()], keys[a.ID()]); c != 0 {
			return c
		}
		return newestFirst(a, b)
	})
	return notes
}

// jitter maps id to [0,1) deterministically for the current seed and generation.
func (s *Store) jitter(id string) float64 {
	h := xxhash.New()
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], s.seed)
	binary.LittleEndian.PutUint64(buf[8:], s.generation)
	_, _ = h.Write(buf[:])
	_, _ = h.WriteString(id)
	return float64(h.Sum64()>>11) / float64(1<<53)
}
