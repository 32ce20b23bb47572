// Package query merges and deduplicates concurrent relay reads.
//
// Callers hand a filter to Query. Identical requests coalesce, compatible ones
// are folded into shared subscriptions after a short debounce, and every caller
// gets back only the events matching its own filter: first a fast partial
// answer, then the cumulative result through its completion callback.
package query

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nbd-wtf/go-nostr"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/hpungsan/notefeed/internal/errors"
	"github.com/hpungsan/notefeed/internal/logging"
	"github.com/hpungsan/notefeed/internal/metrics"
	"github.com/hpungsan/notefeed/internal/note"
	"github.com/hpungsan/notefeed/internal/relay"
)

// Defaults for the coordinator timings.
const (
	DefaultDebounce      = 50 * time.Millisecond
	DefaultCollectWindow = 250 * time.Millisecond
	DefaultHardCeiling   = 8 * time.Second
	DefaultRetryInitial  = 200 * time.Millisecond
	DefaultRetryAttempts = 5
)

// CompletionFunc receives the cumulative result of a request once its
// subscription finished. It runs on a coordinator goroutine.
type CompletionFunc func(events []*nostr.Event, err error)

// request is one canonical (urls, filter) pair and every caller waiting on it.
type request struct {
	key    string
	urls   []string
	filter nostr.Filter

	ready   chan struct{}
	partial []*nostr.Event
	err     error
	once    sync.Once

	completions []CompletionFunc // guarded by Coordinator.mu
}

func (r *request) resolve(events []*nostr.Event, err error) {
	r.once.Do(func() {
		r.partial = events
		r.err = err
		close(r.ready)
	})
}

// Coordinator deduplicates, merges and progressively resolves relay queries.
type Coordinator struct {
	pool    relay.Pool
	logger  *zap.Logger
	metrics *metrics.Collector

	debounce      time.Duration
	collectWindow time.Duration
	hardCeiling   time.Duration
	retryInitial  time.Duration
	retryAttempts int

	mu      sync.Mutex
	pending []*request
	byKey   map[string]*request
	timer   *time.Timer
	closed  bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithDebounce(d time.Duration) Option      { return func(c *Coordinator) { c.debounce = d } }
func WithCollectWindow(d time.Duration) Option { return func(c *Coordinator) { c.collectWindow = d } }
func WithHardCeiling(d time.Duration) Option   { return func(c *Coordinator) { c.hardCeiling = d } }

// WithRetry sets the initial backoff and attempt limit used while the pool is not ready.
func WithRetry(initial time.Duration, attempts int) Option {
	return func(c *Coordinator) {
		c.retryInitial = initial
		c.retryAttempts = attempts
	}
}

func WithLogger(l *zap.Logger) Option         { return func(c *Coordinator) { c.logger = l } }
func WithMetrics(m *metrics.Collector) Option { return func(c *Coordinator) { c.metrics = m } }

// New creates a coordinator over pool.
func New(pool relay.Pool, opts ...Option) *Coordinator {
	c := &Coordinator{
		pool:          pool,
		debounce:      DefaultDebounce,
		collectWindow: DefaultCollectWindow,
		hardCeiling:   DefaultHardCeiling,
		retryInitial:  DefaultRetryInitial,
		retryAttempts: DefaultRetryAttempts,
		byKey:         make(map[string]*request),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger).Named("query")
	return c
}

// Query enqueues a debounced request and blocks until its partial result is ready.
// An empty urls means the pool's configured endpoints. onComplete may be nil.
// Cancelling ctx abandons the wait; the physical request keeps running for other waiters.
func (c *Coordinator) Query(ctx context.Context, urls []string, filter nostr.Filter, onComplete CompletionFunc) ([]*nostr.Event, error) {
	return c.query(ctx, urls, filter, onComplete, false)
}

// QueryNow is Query without the debounce window, for user-initiated reads.
// It also flushes whatever else is pending.
func (c *Coordinator) QueryNow(ctx context.Context, urls []string, filter nostr.Filter, onComplete CompletionFunc) ([]*nostr.Event, error) {
	return c.query(ctx, urls, filter, onComplete, true)
}

func (c *Coordinator) query(ctx context.Context, urls []string, filter nostr.Filter, onComplete CompletionFunc, immediate bool) ([]*nostr.Event, error) {
	if len(urls) == 0 {
		urls = c.pool.URLs()
	}
	urls = note.NormalizeRelayURLs(urls)
	filter = cloneFilter(filter)
	key := canonicalKey(urls, filter)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.NewUnavailable("query coordinator", nil)
	}
	r, ok := c.byKey[key]
	if ok {
		if onComplete != nil {
			r.completions = append(r.completions, onComplete)
		}
		c.metrics.Coalesced()
	} else {
		r = &request{key: key, urls: urls, filter: filter, ready: make(chan struct{})}
		if onComplete != nil {
			r.completions = append(r.completions, onComplete)
		}
		c.byKey[key] = r
		c.pending = append(c.pending, r)
		if !immediate && c.timer == nil {
			c.timer = time.AfterFunc(c.debounce, c.flush)
		}
	}
	c.mu.Unlock()

	if immediate {
		c.flush()
	}

	select {
	case <-r.ready:
		if r.err != nil {
			return nil, r.err
		}
		return slices.Clone(r.partial), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// flush takes the pending queue and dispatches it.
func (c *Coordinator) flush() {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInitial
	c.dispatch(batch, bo, 1)
}

// dispatch runs batch once the pool is ready, rescheduling with backoff until
// the attempt limit is reached.
func (c *Coordinator) dispatch(batch []*request, bo *backoff.ExponentialBackOff, attempt int) {
	if !c.pool.Ready() {
		if attempt >= c.retryAttempts {
			c.logger.Warn("no usable relays, failing pending queries", zap.Int("queries", len(batch)), zap.Int("attempts", attempt))
			err := errors.NewNoRelays(attempt)
			for _, r := range batch {
				c.finish(r, nil, err)
			}
			return
		}
		wait := bo.NextBackOff()
		c.logger.Debug("pool not ready, rescheduling", zap.Int("attempt", attempt), zap.Duration("wait", wait))
		time.AfterFunc(wait, func() { c.dispatch(batch, bo, attempt+1) })
		return
	}

	groups := make(map[string][]*request)
	var order []string
	for _, r := range batch {
		k := urlSetKey(r.urls)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	for _, k := range order {
		reqs := groups[k]
		for _, p := range plan(reqs) {
			c.metrics.PhysicalQuery(p.class)
			c.metrics.Merged(len(p.members) - 1)
			go c.execute(reqs[0].urls, p)
		}
	}
}

// execute runs one physical subscription and resolves its members.
func (c *Coordinator) execute(urls []string, p *physical) {
	reqID := ulid.Make().String()
	log := c.logger.With(zap.String("request", reqID), zap.String("class", p.class), zap.Int("members", len(p.members)))

	ctx, cancel := context.WithTimeout(context.Background(), c.hardCeiling)
	defer cancel()

	stream, err := c.pool.Subscribe(ctx, urls, p.filter)
	if err != nil {
		log.Warn("physical query failed", zap.Error(err))
		c.metrics.QueryFailed()
		qErr := errors.NewQueryFailed(err)
		for _, r := range p.members {
			c.finish(r, nil, qErr)
		}
		return
	}

	// Each member's collection window opens on the first event matching its own
	// filter, so a member whose kinds arrive late in a merged stream still gets
	// a non-empty partial.
	var (
		collected    []*nostr.Event
		seen         = make(map[string]struct{})
		deadlines    = make([]time.Time, len(p.members))
		resolved     = make([]bool, len(p.members))
		collectTimer *time.Timer
		collect      <-chan time.Time
		eose         = stream.EOSE
	)

	rearm := func() {
		var next time.Time
		for i, d := range deadlines {
			if !resolved[i] && !d.IsZero() && (next.IsZero() || d.Before(next)) {
				next = d
			}
		}
		if collectTimer != nil {
			collectTimer.Stop()
		}
		if next.IsZero() {
			collect = nil
			return
		}
		collectTimer = time.NewTimer(time.Until(next))
		collect = collectTimer.C
	}

	add := func(ev *nostr.Event) {
		if ev == nil {
			return
		}
		if _, dup := seen[ev.ID]; dup {
			return
		}
		seen[ev.ID] = struct{}{}
		collected = append(collected, ev)
		opened := false
		for i, r := range p.members {
			if !resolved[i] && deadlines[i].IsZero() && r.filter.Matches(ev) {
				deadlines[i] = time.Now().Add(c.collectWindow)
				opened = true
			}
		}
		if opened {
			rearm()
		}
	}

	resolveDue := func(now time.Time) {
		for i, r := range p.members {
			if !resolved[i] && !deadlines[i].IsZero() && !deadlines[i].After(now) {
				resolved[i] = true
				r.resolve(postFilter(r.filter, collected), nil)
			}
		}
		rearm()
	}

	// drain takes whatever is already buffered on the events channel.
	drain := func() {
		for {
			select {
			case ev, ok := <-stream.Events:
				if !ok {
					return
				}
				add(ev)
			default:
				return
			}
		}
	}

loop:
	for {
		select {
		case ev, ok := <-stream.Events:
			if !ok {
				break loop
			}
			add(ev)
		case <-collect:
			resolveDue(time.Now())
		case <-eose:
			drain()
			break loop
		case <-ctx.Done():
			log.Debug("hard ceiling reached")
			break loop
		}
	}
	cancel()
	if collectTimer != nil {
		collectTimer.Stop()
	}

	log.Debug("physical query complete", zap.Int("events", len(collected)))
	for _, r := range p.members {
		c.finish(r, postFilter(r.filter, collected), nil)
	}
}

// finish resolves r (if still unresolved), retires its key and runs completions.
func (c *Coordinator) finish(r *request, events []*nostr.Event, err error) {
	r.resolve(events, err)

	c.mu.Lock()
	if c.byKey[r.key] == r {
		delete(c.byKey, r.key)
	}
	callbacks := r.completions
	r.completions = nil
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn(slices.Clone(events), err)
	}
}

// Pending reports how many requests wait for the debounce flush.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending request and rejects new ones. In-flight
// subscriptions run to completion.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	batch := c.pending
	c.pending = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	err := errors.NewUnavailable("query coordinator", nil)
	for _, r := range batch {
		c.finish(r, nil, err)
	}
}
