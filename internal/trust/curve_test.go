package trust

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hpungsan/notefeed/internal/note"
)

func TestCurveScore(t *testing.T) {
	c := DefaultCurve()
	tests := []struct {
		distance int
		want     float64
	}{
		{0, 1.0},
		{1, 1.0},
		{2, 0.5},
		{3, 0.25},
		{4, 0.1},
		{12, 0.1},
		{note.Unreachable, 0},
		{-1, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Score(tt.distance), "distance %d", tt.distance)
	}

	c.Hop2 = 0.7
	assert.Equal(t, 0.7, c.Score(2))
}

func TestIsTrusted(t *testing.T) {
	assert.True(t, IsTrusted(1, 0))
	assert.True(t, IsTrusted(3, 3))
	assert.False(t, IsTrusted(4, 3))
	assert.True(t, IsTrusted(40, 0))
	assert.False(t, IsTrusted(note.Unreachable, 0))
}

type distanceOnly struct{}

func (distanceOnly) Distance(_ context.Context, _ string) (int, error) { return 1, nil }

type everything struct{ distanceOnly }

func (everything) FilterMembers(_ context.Context, a []string) ([]string, error) { return a, nil }
func (everything) DistanceBatch(_ context.Context, _ []string) (map[string]int, error) {
	return nil, nil
}
func (everything) ScoreBatch(_ context.Context, _ []string) (map[string]float64, error) {
	return nil, nil
}
func (everything) Detail(_ context.Context, _ string) (Detail, error) { return Detail{}, nil }
func (everything) Score(_ context.Context, _ string) (float64, error) { return 0, nil }
func (everything) Settings(_ context.Context) (Settings, error)       { return Settings{}, nil }

func TestProbe(t *testing.T) {
	none := Probe(nil)
	assert.False(t, none.CanScore())
	assert.Empty(t, none.Names())

	d := Probe(distanceOnly{})
	assert.True(t, d.CanScore())
	assert.Equal(t, []string{"distance"}, d.Names())

	all := Probe(everything{})
	assert.Len(t, all.Names(), 7)

	membershipOnly := Probe(struct{ MembershipFilter }{})
	assert.False(t, membershipOnly.CanScore())
}
