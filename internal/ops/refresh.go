package ops

import (
	"context"

	"github.com/hpungsan/notefeed/internal/feed"
)

// RefreshOutput contains the result of the Refresh operation.
type RefreshOutput struct {
	Generation uint64 `json:"generation"`
	Flushed    bool   `json:"flushed"`
}

// Refresh flushes the live buffer, starts a new feed generation and rescores,
// which freezes a new snapshot.
func (s *Session) Refresh(_ context.Context) (*RefreshOutput, error) {
	s.mu.Lock()
	buf := s.buffer
	s.mu.Unlock()

	flushed := false
	if buf != nil && !buf.Stopped() {
		buf.FlushNow()
		flushed = true
	}

	gen := s.feed.Refresh()
	s.scheduleScore()
	return &RefreshOutput{Generation: gen, Flushed: flushed}, nil
}

// SetModeInput contains parameters for the SetMode operation.
type SetModeInput struct {
	Mode string
}

// SetModeOutput contains the result of the SetMode operation.
type SetModeOutput struct {
	Mode       feed.Mode `json:"mode"`
	Generation uint64    `json:"generation"`
	Warmed     int       `json:"warmed"`
}

// SetMode switches between following and global. The working set is cleared,
// reloaded from the durable store, and the live subscription reopened.
func (s *Session) SetMode(ctx context.Context, input SetModeInput) (*SetModeOutput, error) {
	mode, err := feed.ParseMode(input.Mode)
	if err != nil {
		return nil, err
	}

	gen, err := s.feed.SetMode(ctx, mode)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	maxNotes := s.cfg.MaxNotes
	started := s.started
	s.mu.Unlock()

	warmed, err := s.feed.Warm(ctx, maxNotes)
	if err != nil {
		return nil, err
	}
	if warmed > 0 {
		s.scheduleScore()
	}
	if started {
		if err := s.subscribe(); err != nil {
			return nil, err
		}
	}
	return &SetModeOutput{Mode: mode, Generation: gen, Warmed: warmed}, nil
}
