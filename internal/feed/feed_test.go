package feed

import (
	"context"
	"fmt"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/notefeed/internal/errors"
	"github.com/hpungsan/notefeed/internal/note"
)

func TestIngest_DedupAcrossBatches(t *testing.T) {
	tr := newFakeTrust()
	p := &fakePersister{}
	s := New(tr, WithClock(fixedClock()), WithPersister(p))
	ctx := context.Background()

	first := s.Ingest(ctx, mkEvent("a", pk(1), 10), mkEvent("b", pk(1), 20), mkEvent("a", pk(1), 10))
	assert.Len(t, first, 2)

	// A later flush and a reconnect replay the same ids.
	second := s.Ingest(ctx, mkEvent("b", pk(1), 20), mkEvent("c", pk(2), 30))
	assert.Equal(t, []string{"c"}, ids(second))

	assert.Equal(t, 3, s.Stats().WorkingSet)
	assert.Equal(t, []string{"a", "b", "c"}, p.queued["global"])
}

func TestIngest_SkipsMalformedAndOtherKinds(t *testing.T) {
	s := New(newFakeTrust(), WithClock(fixedClock()))

	bad := mkEvent("bad", pk(1), 1)
	bad.Tags = nostr.Tags{{}}
	meta := mkEvent("meta", pk(1), 1)
	meta.Kind = note.KindMetadata
	noAuthor := mkEvent("anon", "", 1)

	added := s.Ingest(context.Background(), bad, meta, noAuthor, nil, mkEvent("ok", pk(1), 1))
	assert.Equal(t, []string{"ok"}, ids(added))
}

func TestIngest_CeilingKeepsTopCombined(t *testing.T) {
	tr := newFakeTrust()
	d := newFakeDurable()
	s := New(tr, WithClock(fixedClock()), WithMaxNotes(3), WithDurable(d))
	ctx := context.Background()

	var evs []*nostr.Event
	for i := range 6 {
		tr.set(pk(i), trusted(1, float64(i)/5))
		evs = append(evs, mkEvent(fmt.Sprintf("e%d", i), pk(i), 0))
	}
	s.Ingest(ctx, evs...)

	require.Equal(t, 3, s.Stats().WorkingSet)
	assert.ElementsMatch(t, []string{"e3", "e4", "e5"}, ids(s.View()))
	assert.ElementsMatch(t, []string{"e0", "e1", "e2"}, d.seen["global"])

	// Evicted ids stay seen.
	assert.True(t, s.Seen("e0"))
	assert.Empty(t, s.Ingest(ctx, mkEvent("e0", pk(0), 0)))
}

func TestCombinedScore(t *testing.T) {
	tr := newFakeTrust()
	tr.set(pk(1), trusted(1, 1.0))
	s := New(tr, WithClock(fixedClock()), WithTrustWeight(0.5), WithMaxAge(10_000_000_000))

	// Half the max age old: recency 0.5.
	added := s.Ingest(context.Background(), mkEvent("a", pk(1), 5))
	require.Len(t, added, 1)
	assert.InDelta(t, 0.5*1.0+0.5*0.5, added[0].CombinedScore, 1e-9)

	stale := s.Ingest(context.Background(), mkEvent("b", pk(2), 20))
	require.Len(t, stale, 1)
	assert.Zero(t, stale[0].CombinedScore)
}

func TestCombinedScore_FutureDatedCapped(t *testing.T) {
	s := New(newFakeTrust(), WithClock(fixedClock()), WithTrustWeight(0.5))

	added := s.Ingest(context.Background(), mkEvent("future", pk(1), -3600))
	require.Len(t, added, 1)
	assert.InDelta(t, 0.5, added[0].CombinedScore, 1e-9)

	fresh := s.Ingest(context.Background(), mkEvent("now", pk(2), 0))
	require.Len(t, fresh, 1)
	assert.InDelta(t, fresh[0].CombinedScore, added[0].CombinedScore, 1e-9)
}

func TestScenario_TrustedOnlyAfterScoring(t *testing.T) {
	tr := newFakeTrust()
	s := New(tr, WithClock(fixedClock()))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		// e1 oldest .. e5 newest
		s.Ingest(ctx, mkEvent(fmt.Sprintf("e%d", i), pk(i), int64(100-i)))
	}
	assert.Equal(t, []string{"e5", "e4", "e3", "e2", "e1"}, ids(s.View()))

	tr.outcomes[pk(3)] = trusted(1, 1.0)
	require.NoError(t, s.ScoreAuthors(ctx))

	s.SetFilters(Filters{TrustedOnly: true})
	view := s.View()
	assert.Equal(t, []string{"e3"}, ids(view))
	assert.True(t, view[0].Trusted)
	assert.Equal(t, 1, view[0].Distance)
}

func TestFrozenOrderSurvivesLateTrust(t *testing.T) {
	tr := newFakeTrust()
	s := New(tr, WithClock(fixedClock()))
	ctx := context.Background()

	s.Ingest(ctx, mkEvent("a", pk(1), 1), mkEvent("b", pk(2), 2), mkEvent("c", pk(3), 3))
	require.NoError(t, s.ScoreAuthors(ctx))
	require.True(t, s.Stats().Frozen)
	assert.Equal(t, []string{"a", "b", "c"}, ids(s.View()))

	// Late, strong trust for b's author plus a new note.
	tr.set(pk(2), trusted(1, 1.0))
	tr.outcomes[pk(4)] = trusted(1, 1.0)
	s.Ingest(ctx, mkEvent("d", pk(4), 0))
	require.NoError(t, s.ScoreAuthors(ctx))

	view := s.View()
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(view))
	assert.Equal(t, 1.0, view[1].TrustScore)

	// Removal by filter never reorders the rest.
	s.SetFilters(Filters{Muted: []string{pk(1)}})
	assert.Equal(t, []string{"b", "c", "d"}, ids(s.View()))
}

func TestPostFreezeRankingBoundedJitter(t *testing.T) {
	tr := newFakeTrust()
	s := New(tr, WithClock(fixedClock()), WithTrustWeight(1), WithSeed(42))
	ctx := context.Background()

	require.NoError(t, s.ScoreAuthors(ctx)) // freeze an empty snapshot
	tr.set(pk(1), trusted(3, 0.0))
	tr.set(pk(2), trusted(2, 0.5))
	tr.set(pk(3), trusted(1, 1.0))
	s.Ingest(ctx, mkEvent("low", pk(1), 0), mkEvent("mid", pk(2), 0), mkEvent("high", pk(3), 0))

	// Gaps of half the range cannot be overturned by jitter of at most 0.3 of it.
	assert.Equal(t, []string{"high", "mid", "low"}, ids(s.View()))
}

func TestSortModes(t *testing.T) {
	tr := newFakeTrust()
	s := New(tr, WithClock(fixedClock()), WithTrustWeight(1))
	ctx := context.Background()

	require.NoError(t, s.ScoreAuthors(ctx))
	tr.set(pk(1), trusted(1, 1.0))
	tr.set(pk(2), trusted(4, 0.1))
	s.Ingest(ctx, mkEvent("old-trusted", pk(1), 100), mkEvent("new-weak", pk(2), 1))

	s.SetFilters(Filters{Sort: SortRecent})
	assert.Equal(t, []string{"new-weak", "old-trusted"}, ids(s.View()))

	s.SetFilters(Filters{Sort: SortTrust})
	assert.Equal(t, []string{"old-trusted", "new-weak"}, ids(s.View()))
}

func TestFilters(t *testing.T) {
	tr := newFakeTrust()
	tr.set(pk(1), trusted(1, 1.0))
	tr.set(pk(2), trusted(3, 0.25))
	tr.set(pk(3), note.Untrusted())
	s := New(tr, WithClock(fixedClock()))
	s.Ingest(context.Background(), mkEvent("one", pk(1), 1), mkEvent("three", pk(2), 2), mkEvent("none", pk(3), 3))

	s.SetFilters(Filters{TrustedOnly: true, MaxHops: 2})
	assert.Equal(t, []string{"one"}, ids(s.View()))

	s.SetFilters(Filters{TrustedOnly: true, TrustThreshold: 20})
	assert.Equal(t, []string{"one", "three"}, ids(s.View()))

	s.SetFilters(Filters{TrustedOnly: true, TrustThreshold: 50})
	assert.Equal(t, []string{"one"}, ids(s.View()))

	s.SetFilters(Filters{BookmarksOnly: true, Bookmarks: []string{"none"}})
	assert.Equal(t, []string{"none"}, ids(s.View()))
}

func TestReapplyTrust_PicksUpRederivedRecords(t *testing.T) {
	tr := newFakeTrust()
	far := trusted(4, 0.1)
	far.Trusted = false
	tr.outcomes[pk(1)] = far
	s := New(tr, WithClock(fixedClock()))
	ctx := context.Background()

	s.Ingest(ctx, mkEvent("a", pk(2), 1), mkEvent("far", pk(1), 2))
	require.NoError(t, s.ScoreAuthors(ctx))
	s.SetFilters(Filters{TrustedOnly: true, MaxHops: 5})
	assert.Empty(t, ids(s.View()))

	tr.set(pk(1), trusted(4, 0.1))
	s.ReapplyTrust()
	assert.Equal(t, []string{"far"}, ids(s.View()))
	assert.Equal(t, 1, len(tr.batches), "no re-scoring")
}

func TestScoreAuthors_StaleGenerationDiscarded(t *testing.T) {
	tr := newFakeTrust()
	tr.entered = make(chan struct{})
	tr.release = make(chan struct{})
	s := New(tr, WithClock(fixedClock()))
	ctx := context.Background()
	s.Ingest(ctx, mkEvent("a", pk(1), 1))

	errCh := make(chan error, 1)
	go func() { errCh <- s.ScoreAuthors(ctx) }()

	<-tr.entered
	s.Refresh()
	close(tr.release)

	err := <-errCh
	fErr, ok := errors.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, errors.ErrStaleGeneration, fErr.Code)
	assert.False(t, s.Stats().Frozen)
}

func TestRefreshRefreezesKeepingWorkingSet(t *testing.T) {
	tr := newFakeTrust()
	s := New(tr, WithClock(fixedClock()))
	ctx := context.Background()

	s.Ingest(ctx, mkEvent("a", pk(1), 10))
	require.NoError(t, s.ScoreAuthors(ctx))
	s.Ingest(ctx, mkEvent("b", pk(2), 1))

	gen := s.Refresh()
	assert.Equal(t, uint64(1), gen)
	assert.Equal(t, 2, s.Stats().WorkingSet)
	assert.False(t, s.Stats().Frozen)

	require.NoError(t, s.ScoreAuthors(ctx))
	assert.Equal(t, 2, s.Stats().FrozenSize)
	assert.Equal(t, []string{"b", "a"}, ids(s.View()))
}

func TestSetModeResetsAndReloadsSeen(t *testing.T) {
	tr := newFakeTrust()
	d := newFakeDurable()
	d.seen["following"] = []string{"old"}
	s := New(tr, WithClock(fixedClock()), WithDurable(d))
	ctx := context.Background()

	s.Ingest(ctx, mkEvent("g", pk(1), 1))
	s.SetFollows([]string{pk(1)})

	gen, err := s.SetMode(ctx, ModeFollowing)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	assert.Equal(t, 0, s.Stats().WorkingSet)
	assert.True(t, s.Seen("old"))
	assert.False(t, s.Seen("g"))

	added := s.Ingest(ctx, mkEvent("old", pk(1), 1), mkEvent("g", pk(1), 1), mkEvent("stranger", pk(9), 1))
	assert.Equal(t, []string{"g"}, ids(added))
}

// gatedDurable blocks SeenIDs until released.
type gatedDurable struct {
	*fakeDurable
	entered chan struct{}
	release chan struct{}
}

func (g *gatedDurable) SeenIDs(ctx context.Context, feedType string) ([]string, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.fakeDurable.SeenIDs(ctx, feedType)
}

func TestSetMode_NoIngestBetweenSwitchAndSeenReload(t *testing.T) {
	d := &gatedDurable{fakeDurable: newFakeDurable(), entered: make(chan struct{}), release: make(chan struct{})}
	d.seen["following"] = []string{"evicted"}
	s := New(newFakeTrust(), WithClock(fixedClock()), WithDurable(d))
	s.SetFollows([]string{pk(1)})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := s.SetMode(ctx, ModeFollowing)
		done <- err
	}()
	<-d.entered

	// Arrives while the seen ids load; lands in the outgoing generation.
	s.Ingest(ctx, mkEvent("evicted", pk(1), 1))
	assert.Equal(t, ModeGlobal, s.Mode())

	close(d.release)
	require.NoError(t, <-done)

	assert.Equal(t, ModeFollowing, s.Mode())
	assert.Equal(t, 0, s.Stats().WorkingSet)
	assert.True(t, s.Seen("evicted"))
	assert.Empty(t, s.Ingest(ctx, mkEvent("evicted", pk(1), 1)))
}

func TestWarmLoadsDurable(t *testing.T) {
	d := newFakeDurable()
	d.events["global"] = []*nostr.Event{mkEvent("x", pk(1), 50), mkEvent("y", pk(2), 60), mkEvent("z", pk(3), 70)}
	d.seen["global"] = []string{"y"}
	s := New(newFakeTrust(), WithClock(fixedClock()), WithDurable(d))

	n, err := s.Warm(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"x", "z"}, ids(s.View()))
}

func TestParseModes(t *testing.T) {
	m, err := ParseMode("following")
	require.NoError(t, err)
	assert.Equal(t, ModeFollowing, m)
	_, err = ParseMode("everyone")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	sm, err := ParseSortMode("")
	require.NoError(t, err)
	assert.Equal(t, SortCombined, sm)
	_, err = ParseSortMode("random")
	assert.Error(t, err)
}
