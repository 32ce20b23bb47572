package ops

import (
	"context"

	"go.uber.org/zap"

	"github.com/hpungsan/notefeed/internal/note"
)

// FeedPageInput contains parameters for the FeedPage operation.
type FeedPageInput struct {
	Limit int
}

// FeedPageOutput contains one page of notes not shown before in this generation.
type FeedPageOutput struct {
	Notes      []note.Summary          `json:"notes"`
	Profiles   map[string]note.Profile `json:"profiles,omitempty"`
	Source     string                  `json:"source"`
	NoMore     bool                    `json:"no_more"`
	Generation uint64                  `json:"generation"`
}

// FeedPage returns the next page of the feed. Cached author profiles are
// attached; missing ones are requested in the background for later pages.
func (s *Session) FeedPage(ctx context.Context, input FeedPageInput) (*FeedPageOutput, error) {
	limit, err := ClampLimit(input.Limit, DefaultPageLimit, MaxPageLimit)
	if err != nil {
		return nil, err
	}

	page, err := s.feed.Page(ctx, limit)
	if err != nil {
		return nil, err
	}

	out := &FeedPageOutput{
		Notes:      note.Summaries(page.Notes),
		Source:     page.Source,
		NoMore:     page.NoMore,
		Generation: page.Generation,
	}

	var missing []string
	for _, n := range page.Notes {
		if p, ok := s.profiles.Get(n.Author()); ok {
			if out.Profiles == nil {
				out.Profiles = make(map[string]note.Profile)
			}
			out.Profiles[n.Author()] = p
		} else {
			missing = append(missing, n.Author())
		}
	}
	s.requestProfiles(missing)

	return out, nil
}

func (s *Session) requestProfiles(pubkeys []string) {
	if len(pubkeys) == 0 {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if _, err := s.profiles.Request(s.runCtx, pubkeys); err != nil {
			s.logger.Debug("profile request failed", zap.Error(err))
		}
	}()
}
