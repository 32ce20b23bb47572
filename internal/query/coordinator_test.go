package query

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/notefeed/internal/errors"
	"github.com/hpungsan/notefeed/internal/metrics"
	"github.com/hpungsan/notefeed/internal/relay"
	"github.com/hpungsan/notefeed/internal/relay/relaytest"
)

var testURLs = []string{"wss://one.example", "wss://two.example"}

func mkEvent(n int, author string, kind int, createdAt int64) *nostr.Event {
	return &nostr.Event{
		ID:        fmt.Sprintf("%064x", n),
		PubKey:    author,
		Kind:      kind,
		CreatedAt: nostr.Timestamp(createdAt),
		Tags:      nostr.Tags{},
	}
}

func newTestCoordinator(pool relay.Pool, opts ...Option) *Coordinator {
	base := []Option{
		WithDebounce(20 * time.Millisecond),
		WithCollectWindow(10 * time.Millisecond),
		WithHardCeiling(2 * time.Second),
		WithRetry(time.Millisecond, 3),
	}
	return New(pool, append(base, opts...)...)
}

type outcome struct {
	events []*nostr.Event
	err    error
}

// completion returns a callback and the channel it reports on.
func completion() (CompletionFunc, <-chan outcome) {
	ch := make(chan outcome, 1)
	return func(evs []*nostr.Event, err error) { ch <- outcome{evs, err} }, ch
}

func await(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("completion callback never ran")
		return outcome{}
	}
}

func TestQuery_MergesKindsAndPostFilters(t *testing.T) {
	const author = "aa"
	pool := relaytest.New(testURLs,
		mkEvent(1, author, 1, 100),
		mkEvent(2, author, 6, 200),
		mkEvent(3, author, 1, 300),
		mkEvent(4, "bb", 1, 400),
	)
	m := metrics.New()
	c := newTestCoordinator(pool, WithMetrics(m))

	doneNotes, notesCh := completion()
	doneReposts, repostsCh := completion()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := c.Query(context.Background(), testURLs, nostr.Filter{Kinds: []int{1}, Authors: []string{author}}, doneNotes)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := c.Query(context.Background(), testURLs, nostr.Filter{Kinds: []int{6}, Authors: []string{author}}, doneReposts)
		assert.NoError(t, err)
	}()
	wg.Wait()

	notes := await(t, notesCh)
	reposts := await(t, repostsCh)

	require.NoError(t, notes.err)
	require.Len(t, notes.events, 2)
	for _, ev := range notes.events {
		assert.Equal(t, 1, ev.Kind)
	}
	assert.Equal(t, nostr.Timestamp(300), notes.events[0].CreatedAt)

	require.NoError(t, reposts.err)
	require.Len(t, reposts.events, 1)
	assert.Equal(t, 6, reposts.events[0].Kind)

	assert.Len(t, pool.Subscriptions(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PhysicalQueries.WithLabelValues(ClassMulti)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MergedFilters))
}

func TestQuery_CoalescesIdenticalRequests(t *testing.T) {
	pool := relaytest.New(testURLs, mkEvent(1, "aa", 1, 100))
	m := metrics.New()
	c := newTestCoordinator(pool, WithMetrics(m))

	filter := nostr.Filter{Kinds: []int{1}, Authors: []string{"aa"}}
	results := make([][]*nostr.Event, 3)

	var wg sync.WaitGroup
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Reversed url order must still coalesce.
			urls := testURLs
			if i%2 == 1 {
				urls = []string{testURLs[1], testURLs[0]}
			}
			evs, err := c.Query(context.Background(), urls, filter, nil)
			assert.NoError(t, err)
			results[i] = evs
		}()
	}
	wg.Wait()

	assert.Len(t, pool.Subscriptions(), 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CoalescedCalls))
	for _, evs := range results {
		require.Len(t, evs, 1)
		assert.Equal(t, results[0][0].ID, evs[0].ID)
	}
}

func TestQuery_FailureIsolation(t *testing.T) {
	pool := relaytest.New(testURLs, mkEvent(1, "aa", 1, 100))
	pool.FailFilter = func(f nostr.Filter) bool { return len(f.Tags) > 0 }
	c := newTestCoordinator(pool)

	var (
		wg               sync.WaitGroup
		okEvents         []*nostr.Event
		okErr, failedErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		okEvents, okErr = c.Query(context.Background(), testURLs, nostr.Filter{Kinds: []int{1}, Authors: []string{"aa"}}, nil)
	}()
	go func() {
		defer wg.Done()
		_, failedErr = c.Query(context.Background(), testURLs, nostr.Filter{Kinds: []int{1}, Tags: nostr.TagMap{"e": {"x"}}}, nil)
	}()
	wg.Wait()

	require.NoError(t, okErr)
	assert.Len(t, okEvents, 1)
	assert.True(t, errors.Is(failedErr, errors.ErrQueryFailed), "got %v", failedErr)
}

func TestQuery_NoRelaysAfterRetries(t *testing.T) {
	pool := relaytest.New(testURLs)
	pool.NotReady = true
	c := newTestCoordinator(pool)

	done, ch := completion()
	_, err := c.Query(context.Background(), testURLs, nostr.Filter{Kinds: []int{1}}, done)
	require.Error(t, err)

	fErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrNoRelays, fErr.Code)
	assert.Equal(t, 3, fErr.Details["attempts"])
	assert.Empty(t, pool.Subscriptions())

	o := await(t, ch)
	assert.True(t, errors.Is(o.err, errors.ErrNoRelays))
}

func TestQuery_RetriesUntilPoolReady(t *testing.T) {
	pool := relaytest.New(testURLs, mkEvent(1, "aa", 1, 100))
	pool.NotReady = true
	c := newTestCoordinator(pool, WithRetry(20*time.Millisecond, 10))

	time.AfterFunc(30*time.Millisecond, func() { pool.SetReady(true) })

	evs, err := c.Query(context.Background(), testURLs, nostr.Filter{Kinds: []int{1}}, nil)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestQuery_ProgressiveResolution(t *testing.T) {
	pool := relaytest.New(testURLs,
		mkEvent(1, "aa", 1, 100),
		mkEvent(2, "aa", 1, 200),
		mkEvent(3, "aa", 1, 300),
	)
	pool.Delay = 60 * time.Millisecond
	c := newTestCoordinator(pool, WithCollectWindow(10*time.Millisecond))

	done, ch := completion()
	partial, err := c.Query(context.Background(), testURLs, nostr.Filter{Kinds: []int{1}}, done)
	require.NoError(t, err)
	assert.NotEmpty(t, partial)
	assert.Less(t, len(partial), 3)

	final := await(t, ch)
	require.NoError(t, final.err)
	assert.Len(t, final.events, 3)
}

func TestQuery_PartialWindowPerMergedCaller(t *testing.T) {
	const author = "aa"
	pool := relaytest.New(testURLs,
		mkEvent(1, author, 1, 400),
		mkEvent(2, author, 1, 300),
		mkEvent(3, author, 6, 200),
		mkEvent(4, author, 6, 100),
	)
	pool.Delay = 30 * time.Millisecond
	c := newTestCoordinator(pool, WithCollectWindow(10*time.Millisecond))

	var (
		wg               sync.WaitGroup
		notes, reposts   []*nostr.Event
		notesErr, repErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		notes, notesErr = c.Query(context.Background(), testURLs, nostr.Filter{Kinds: []int{1}, Authors: []string{author}}, nil)
	}()
	go func() {
		defer wg.Done()
		reposts, repErr = c.Query(context.Background(), testURLs, nostr.Filter{Kinds: []int{6}, Authors: []string{author}}, nil)
	}()
	wg.Wait()

	require.NoError(t, notesErr)
	require.NoError(t, repErr)
	require.Len(t, pool.Subscriptions(), 1)

	require.NotEmpty(t, notes)
	for _, ev := range notes {
		assert.Equal(t, 1, ev.Kind)
	}
	// Reposts arrive after the notes' window closed; they still get their own.
	require.NotEmpty(t, reposts)
	for _, ev := range reposts {
		assert.Equal(t, 6, ev.Kind)
	}
}

func TestQuery_EmptyResultAtEOSE(t *testing.T) {
	pool := relaytest.New(testURLs, mkEvent(1, "aa", 1, 100))
	c := newTestCoordinator(pool)

	done, ch := completion()
	evs, err := c.Query(context.Background(), testURLs, nostr.Filter{Kinds: []int{7}}, done)
	require.NoError(t, err)
	assert.Empty(t, evs)

	o := await(t, ch)
	require.NoError(t, o.err)
	assert.Empty(t, o.events)
}

func TestQuery_CallerLimitAfterAuthorMerge(t *testing.T) {
	pool := relaytest.New(testURLs,
		mkEvent(1, "aa", 0, 100),
		mkEvent(2, "aa", 0, 200),
		mkEvent(3, "bb", 0, 300),
	)
	c := newTestCoordinator(pool)

	var (
		wg     sync.WaitGroup
		aa, bb []*nostr.Event
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		aa, _ = c.Query(context.Background(), testURLs, nostr.Filter{Kinds: []int{0}, Authors: []string{"aa"}, Limit: 1}, nil)
	}()
	go func() {
		defer wg.Done()
		bb, _ = c.Query(context.Background(), testURLs, nostr.Filter{Kinds: []int{0}, Authors: []string{"bb"}, Limit: 1}, nil)
	}()
	wg.Wait()

	require.Len(t, pool.Subscriptions(), 1)
	assert.Equal(t, 2, pool.Subscriptions()[0].Limit)
	require.Len(t, bb, 1)
	assert.Equal(t, "bb", bb[0].PubKey)
	// The summed limit is shared, so the newest event across authors wins.
	for _, ev := range aa {
		assert.Equal(t, "aa", ev.PubKey)
	}
}

func TestQueryNow_SkipsDebounce(t *testing.T) {
	pool := relaytest.New(testURLs, mkEvent(1, "aa", 1, 100))
	c := newTestCoordinator(pool, WithDebounce(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	evs, err := c.QueryNow(ctx, testURLs, nostr.Filter{IDs: []string{fmt.Sprintf("%064x", 1)}}, nil)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
	assert.Equal(t, 0, c.Pending())
}

func TestQuery_ContextAbandonsWait(t *testing.T) {
	pool := relaytest.New(testURLs)
	c := newTestCoordinator(pool, WithDebounce(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Query(ctx, testURLs, nostr.Filter{Kinds: []int{1}}, nil)
	assert.True(t, stderrors.Is(err, context.Canceled))
	assert.Equal(t, 1, c.Pending())
}

// silentPool never signals end of stored events.
type silentPool struct{}

func (silentPool) Ready() bool    { return true }
func (silentPool) URLs() []string { return testURLs }
func (silentPool) Publish(context.Context, []string, nostr.Event) error {
	return nil
}
func (silentPool) Subscribe(ctx context.Context, _ []string, _ nostr.Filter) (*relay.Stream, error) {
	events := make(chan *nostr.Event)
	go func() {
		<-ctx.Done()
		close(events)
	}()
	return &relay.Stream{Events: events, EOSE: make(chan struct{})}, nil
}

func TestQuery_HardCeiling(t *testing.T) {
	c := newTestCoordinator(silentPool{}, WithHardCeiling(30*time.Millisecond))

	start := time.Now()
	done, ch := completion()
	evs, err := c.Query(context.Background(), nil, nostr.Filter{Kinds: []int{1}}, done)
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	o := await(t, ch)
	assert.NoError(t, o.err)
}

func TestClose_FailsPending(t *testing.T) {
	pool := relaytest.New(testURLs)
	c := newTestCoordinator(pool, WithDebounce(time.Hour))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Query(context.Background(), testURLs, nostr.Filter{Kinds: []int{1}}, nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)

	c.Close()
	err := <-errCh
	assert.True(t, errors.Is(err, errors.ErrUnavailable))

	_, err = c.Query(context.Background(), testURLs, nostr.Filter{Kinds: []int{1}}, nil)
	assert.True(t, errors.Is(err, errors.ErrUnavailable))
}
