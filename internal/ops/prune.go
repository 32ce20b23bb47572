package ops

import (
	"context"
	"fmt"
	"time"

	"github.com/hpungsan/notefeed/internal/errors"
)

// PruneInput contains parameters for the Prune operation.
type PruneInput struct {
	OlderThan time.Duration
}

// PruneOutput contains the result of the Prune operation.
type PruneOutput struct {
	Pruned  int64  `json:"pruned"`
	Before  int64  `json:"before"`
	Message string `json:"message"`
}

// Prune deletes stored events created before now minus OlderThan.
func (s *Session) Prune(ctx context.Context, input PruneInput) (*PruneOutput, error) {
	if input.OlderThan <= 0 {
		return nil, errors.NewInvalidRequest("older_than must be positive")
	}
	cutoff := s.now().Add(-input.OlderThan)

	count, err := s.store.Prune(ctx, cutoff)
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	return &PruneOutput{
		Pruned:  count,
		Before:  cutoff.Unix(),
		Message: formatPruneMessage(count, input.OlderThan),
	}, nil
}

// formatPruneMessage creates a human-readable message for the prune result.
func formatPruneMessage(count int64, olderThan time.Duration) string {
	if count == 0 {
		return "No stored events to prune"
	}

	eventWord := "event"
	if count > 1 {
		eventWord = "events"
	}

	age := olderThan.String()
	if olderThan%(24*time.Hour) == 0 {
		age = fmt.Sprintf("%dd", olderThan/(24*time.Hour))
	}
	return fmt.Sprintf("Deleted %d stored %s older than %s", count, eventWord, age)
}
