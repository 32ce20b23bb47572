package trust

import (
	"context"
	stderrors "errors"
)

// ErrRateLimited is returned (possibly wrapped) by a provider that wants the caller to back off.
var ErrRateLimited = stderrors.New("trust provider rate limited")

// MembershipFilter partitions authors into trust-graph members and everyone else.
type MembershipFilter interface {
	FilterMembers(ctx context.Context, authors []string) ([]string, error)
}

// BatchDistancer returns the graph distance of many authors. Missing authors are unreachable.
type BatchDistancer interface {
	DistanceBatch(ctx context.Context, authors []string) (map[string]int, error)
}

// BatchScorer returns the trust score (0..1) of many authors.
type BatchScorer interface {
	ScoreBatch(ctx context.Context, authors []string) (map[string]float64, error)
}

// Detail is the richest per-author answer a provider can give.
type Detail struct {
	Score     float64
	Distance  int
	PathCount int
}

// DetailProvider returns score, distance and path count for one author.
type DetailProvider interface {
	Detail(ctx context.Context, author string) (Detail, error)
}

// Distancer returns the graph distance of one author.
type Distancer interface {
	Distance(ctx context.Context, author string) (int, error)
}

// Scorer returns the trust score of one author.
type Scorer interface {
	Score(ctx context.Context, author string) (float64, error)
}

// Settings are provider-side preferences.
type Settings struct {
	MaxHops int
}

// SettingsProvider exposes the provider's own settings.
type SettingsProvider interface {
	Settings(ctx context.Context) (Settings, error)
}

// Capabilities is the subset of the trust extension found at runtime.
type Capabilities struct {
	Membership    MembershipFilter
	BatchDistance BatchDistancer
	BatchScore    BatchScorer
	Detail        DetailProvider
	Distance      Distancer
	Score         Scorer
	Settings      SettingsProvider
}

// Probe resolves which capabilities ext implements. A nil ext has none.
func Probe(ext any) Capabilities {
	var c Capabilities
	if ext == nil {
		return c
	}
	c.Membership, _ = ext.(MembershipFilter)
	c.BatchDistance, _ = ext.(BatchDistancer)
	c.BatchScore, _ = ext.(BatchScorer)
	c.Detail, _ = ext.(DetailProvider)
	c.Distance, _ = ext.(Distancer)
	c.Score, _ = ext.(Scorer)
	c.Settings, _ = ext.(SettingsProvider)
	return c
}

// CanScore reports whether any capability yields per-author trust.
func (c Capabilities) CanScore() bool {
	return c.Detail != nil || c.BatchDistance != nil || c.Distance != nil || c.BatchScore != nil || c.Score != nil
}

// Names lists the capabilities present, for logs and surfaces.
func (c Capabilities) Names() []string {
	names := []string{}
	if c.Membership != nil {
		names = append(names, "membership")
	}
	if c.BatchDistance != nil {
		names = append(names, "batch_distance")
	}
	if c.BatchScore != nil {
		names = append(names, "batch_score")
	}
	if c.Detail != nil {
		names = append(names, "detail")
	}
	if c.Distance != nil {
		names = append(names, "distance")
	}
	if c.Score != nil {
		names = append(names, "score")
	}
	if c.Settings != nil {
		names = append(names, "settings")
	}
	return names
}

// Strategy is the scoring path chosen once at construction.
type Strategy string

const (
	StrategyLocal  Strategy = "local"
	StrategyOracle Strategy = "oracle"
	StrategyNone   Strategy = "none"
)
