package ops

import (
	"context"

	"go.uber.org/zap"

	"github.com/hpungsan/notefeed/internal/note"
)

// TrustLookupInput contains parameters for the TrustLookup operation.
type TrustLookupInput struct {
	Pubkeys []string
}

// TrustResult is the trust record of one author.
type TrustResult struct {
	Pubkey    string  `json:"pubkey"`
	Score     float64 `json:"score"`
	Distance  *int    `json:"distance,omitempty"`
	Trusted   bool    `json:"trusted"`
	PathCount int     `json:"path_count"`
	Scored    bool    `json:"scored"`
	Name      string  `json:"name,omitempty"`
}

// TrustLookupOutput contains the result of the TrustLookup operation.
type TrustLookupOutput struct {
	Strategy string        `json:"strategy"`
	Results  []TrustResult `json:"results"`
}

// TrustLookup scores pubkeys (cached results are reused) and returns their records.
func (s *Session) TrustLookup(ctx context.Context, input TrustLookupInput) (*TrustLookupOutput, error) {
	keys, err := ValidatePubkeys(input.Pubkeys, MaxTrustLookupKeys)
	if err != nil {
		return nil, err
	}

	if err := s.trust.ScoreBatch(ctx, keys); err != nil {
		return nil, err
	}

	profiles, err := s.profiles.Request(ctx, keys)
	if err != nil {
		s.logger.Debug("profile lookup failed", zap.Error(err))
	}

	out := &TrustLookupOutput{
		Strategy: string(s.trust.Strategy()),
		Results:  make([]TrustResult, 0, len(keys)),
	}
	for _, pk := range keys {
		rec := s.trust.Lookup(pk)
		r := TrustResult{
			Pubkey:    pk,
			Score:     rec.Score,
			Trusted:   rec.Trusted,
			PathCount: rec.PathCount,
			Scored:    rec.Scored,
			Name:      displayName(profiles[pk]),
		}
		if rec.Reachable() {
			d := rec.Distance
			r.Distance = &d
		}
		out.Results = append(out.Results, r)
	}
	return out, nil
}

func displayName(p note.Profile) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}
