package feed

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/notefeed/internal/errors"
	"github.com/hpungsan/notefeed/internal/query"
	"github.com/hpungsan/notefeed/internal/relay/relaytest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newCoordinator(pool *relaytest.Pool) *query.Coordinator {
	return query.New(pool,
		query.WithDebounce(time.Millisecond),
		query.WithCollectWindow(5*time.Millisecond),
		query.WithHardCeiling(2*time.Second),
		query.WithRetry(time.Millisecond, 2),
	)
}

func TestPage_MemoryThenDurable(t *testing.T) {
	d := newFakeDurable()
	d.events["global"] = []*nostr.Event{mkEvent("old1", pk(4), 500), mkEvent("old2", pk(5), 600)}
	s := New(newFakeTrust(), WithClock(fixedClock()), WithDurable(d))
	ctx := context.Background()

	s.Ingest(ctx, mkEvent("n1", pk(1), 10), mkEvent("n2", pk(2), 20), mkEvent("n3", pk(3), 30))

	p, err := s.Page(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, TierMemory, p.Source)
	assert.Equal(t, []string{"n1", "n2"}, ids(p.Notes))

	p, err = s.Page(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, TierMemory, p.Source)
	assert.Equal(t, []string{"n3"}, ids(p.Notes))

	p, err = s.Page(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, TierDurable, p.Source)
	assert.Equal(t, []string{"old1", "old2"}, ids(p.Notes))

	p, err = s.Page(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, TierNone, p.Source)
	assert.True(t, p.NoMore)
	assert.Empty(t, p.Notes)
}

func TestPage_PastCeiling(t *testing.T) {
	d := newFakeDurable()
	d.events["global"] = []*nostr.Event{
		mkEvent("old1", pk(4), 500),
		mkEvent("old2", pk(5), 600),
		mkEvent("old3", pk(6), 700),
		mkEvent("old4", pk(7), 800),
	}
	s := New(newFakeTrust(), WithClock(fixedClock()), WithDurable(d), WithMaxNotes(3))
	ctx := context.Background()

	s.Ingest(ctx, mkEvent("n1", pk(1), 10), mkEvent("n2", pk(2), 20), mkEvent("n3", pk(3), 30))

	p, err := s.Page(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, TierMemory, p.Source)
	assert.Equal(t, []string{"n1", "n2", "n3"}, ids(p.Notes))

	p, err = s.Page(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, TierDurable, p.Source)
	assert.Equal(t, []string{"old1", "old2"}, ids(p.Notes))
	assert.False(t, p.NoMore)

	p, err = s.Page(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, TierDurable, p.Source)
	assert.Equal(t, []string{"old3", "old4"}, ids(p.Notes))

	p, err = s.Page(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, TierNone, p.Source)
	assert.True(t, p.NoMore)

	st := s.Stats()
	assert.Equal(t, 3, st.WorkingSet)
	assert.True(t, s.Seen("old1"))
	assert.ElementsMatch(t, []string{"old1", "old2", "old3", "old4"}, d.seen["global"])
}

func TestIngest_OmitsNotesEvictedOnArrival(t *testing.T) {
	s := New(newFakeTrust(), WithClock(fixedClock()), WithMaxNotes(2))
	ctx := context.Background()

	s.Ingest(ctx, mkEvent("n1", pk(1), 10), mkEvent("n2", pk(2), 20))
	added := s.Ingest(ctx, mkEvent("stale", pk(3), 5000))

	assert.Empty(t, added)
	assert.Equal(t, 2, s.Stats().WorkingSet)
	assert.True(t, s.Seen("stale"))
}

func TestPage_InvalidLimit(t *testing.T) {
	s := New(newFakeTrust())
	_, err := s.Page(context.Background(), 0)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestPage_DurableFailureFallsThrough(t *testing.T) {
	d := newFakeDurable()
	d.err = stderrors.New("disk on fire")
	s := New(newFakeTrust(), WithClock(fixedClock()), WithDurable(d))

	p, err := s.Page(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, TierNone, p.Source)
	assert.True(t, p.NoMore)
}

func TestPage_NetworkExtendsWindowAndCoolsDown(t *testing.T) {
	clk := &clock{now: testNow}
	recent := mkEvent("recent", pk(1), 3600)
	far := mkEvent("far", pk(2), 20*3600)
	pool := relaytest.New([]string{"wss://relay.example"}, recent, far)
	coord := newCoordinator(pool)
	t.Cleanup(coord.Close)

	p := &fakePersister{}
	s := New(newFakeTrust(),
		WithClock(clk.Now),
		WithFetcher(coord),
		WithPersister(p),
		WithPaging(6*time.Hour, 24*time.Hour),
	)
	ctx := context.Background()

	s.Ingest(ctx, recent)
	first, err := s.Page(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, TierMemory, first.Source)

	page, err := s.Page(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, TierNetwork, page.Source)
	assert.Equal(t, []string{"far"}, ids(page.Notes))
	assert.Equal(t, []string{"recent", "far"}, p.queued["global"])

	subs := pool.Subscriptions()
	require.GreaterOrEqual(t, len(subs), 2)
	assert.Less(t, int64(*subs[len(subs)-1].Since), int64(*subs[0].Since), "window should widen")
	for _, f := range subs {
		assert.Equal(t, []int{1, 6}, f.Kinds)
	}

	_, err = s.Page(ctx, 10)
	fErr, ok := errors.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, errors.ErrCoolingDown, fErr.Code)

	clk.Advance(3 * time.Second)
	page, err = s.Page(ctx, 10)
	require.NoError(t, err)
	assert.True(t, page.NoMore)
	assert.Equal(t, TierNone, page.Source)
}

func TestPage_FollowingWithoutFollows(t *testing.T) {
	pool := relaytest.New([]string{"wss://relay.example"})
	coord := newCoordinator(pool)
	t.Cleanup(coord.Close)

	s := New(newFakeTrust(), WithClock(fixedClock()), WithFetcher(coord), WithMode(ModeFollowing))
	p, err := s.Page(context.Background(), 10)
	require.NoError(t, err)
	assert.True(t, p.NoMore)
	assert.Empty(t, pool.Subscriptions())
}

func TestPage_FollowingQueriesFollowedAuthors(t *testing.T) {
	pool := relaytest.New([]string{"wss://relay.example"},
		mkEvent("mine", pk(1), 60), mkEvent("theirs", pk(2), 60))
	coord := newCoordinator(pool)
	t.Cleanup(coord.Close)

	s := New(newFakeTrust(), WithClock(fixedClock()), WithFetcher(coord), WithMode(ModeFollowing))
	s.SetFollows([]string{pk(1)})

	p, err := s.Page(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"mine"}, ids(p.Notes))
	require.NotEmpty(t, pool.Subscriptions())
	assert.Equal(t, []string{pk(1)}, pool.Subscriptions()[0].Authors)
}

func TestPage_ShownResetsOnRefresh(t *testing.T) {
	s := New(newFakeTrust(), WithClock(fixedClock()))
	ctx := context.Background()
	s.Ingest(ctx, mkEvent("a", pk(1), 1))

	p, err := s.Page(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, p.Notes, 1)

	gen := s.Refresh()
	p, err = s.Page(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, gen, p.Generation)
	assert.Equal(t, []string{"a"}, ids(p.Notes))
}
