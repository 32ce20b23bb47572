package ops

import (
	"context"
	"slices"

	"github.com/hpungsan/notefeed/internal/config"
)

// ApplyConfigOutput reports what a config change touched.
type ApplyConfigOutput struct {
	FiltersApplied bool `json:"filters_applied"`
	ModeChanged    bool `json:"mode_changed"`

	// HopsChanged is set when max_hops moved and cached trust was re-derived.
	HopsChanged bool `json:"hops_changed"`

	// RestartRequired is set when relays, the store backend or the trust
	// source changed; those are read only at Open.
	RestartRequired bool `json:"restart_required"`
}

// ApplyConfig pushes viewer settings from a reloaded config into the running
// feed. Filters and the hop limit apply immediately; a feed mode change
// behaves like SetMode.
func (s *Session) ApplyConfig(ctx context.Context, cfg *config.Config) (*ApplyConfigOutput, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	filters, err := filtersFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	out := &ApplyConfigOutput{
		FiltersApplied:  true,
		RestartRequired: restartRequired(prev, cfg),
	}
	if cfg.MaxHops != prev.MaxHops {
		s.trust.SetMaxHops(cfg.MaxHops)
		s.feed.ReapplyTrust()
		out.HopsChanged = true
	}
	s.feed.SetFilters(filters)

	if cfg.FeedMode != string(s.feed.Mode()) {
		if _, err := s.SetMode(ctx, SetModeInput{Mode: cfg.FeedMode}); err != nil {
			return nil, err
		}
		out.ModeChanged = true
	}
	if out.RestartRequired {
		s.logger.Info("config change needs a restart to take full effect")
	}
	return out, nil
}

func restartRequired(prev, next *config.Config) bool {
	return !slices.Equal(prev.Relays, next.Relays) ||
		prev.StoreBackend != next.StoreBackend ||
		prev.OracleURL != next.OracleURL ||
		prev.ReferencePubkey != next.ReferencePubkey ||
		prev.MaxNotes != next.MaxNotes ||
		prev.TrustWeight != next.TrustWeight
}
