package trust

import "github.com/hpungsan/notefeed/internal/note"

// Distance to score curve. Product policy; override through WithCurve.
const (
	ScoreSelf      = 1.0
	ScoreHop1      = 1.0
	ScoreHop2      = 0.5
	ScoreHop3      = 0.25
	ScoreFar       = 0.1
	ScoreUnreached = 0.0
)

// Curve maps a graph distance to a trust score.
type Curve struct {
	Self, Hop1, Hop2, Hop3, Far, Unreached float64
}

// DefaultCurve returns the stock distance to score mapping.
func DefaultCurve() Curve {
	return Curve{
		Self:      ScoreSelf,
		Hop1:      ScoreHop1,
		Hop2:      ScoreHop2,
		Hop3:      ScoreHop3,
		Far:       ScoreFar,
		Unreached: ScoreUnreached,
	}
}

// Score returns the score for distance.
func (c Curve) Score(distance int) float64 {
	switch {
	case distance < 0 || distance >= note.Unreachable:
		return c.Unreached
	case distance == 0:
		return c.Self
	case distance == 1:
		return c.Hop1
	case distance == 2:
		return c.Hop2
	case distance == 3:
		return c.Hop3
	default:
		return c.Far
	}
}

// IsTrusted reports whether distance is reachable and within maxHops (0 = unlimited).
func IsTrusted(distance, maxHops int) bool {
	if distance < 0 || distance >= note.Unreachable {
		return false
	}
	return maxHops <= 0 || distance <= maxHops
}
