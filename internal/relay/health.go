// Package relay tracks relay endpoint health and talks the relay wire protocol.
package relay

import (
	"sort"
	"sync"
	"time"
)

// Backoff bounds for endpoints that fail consecutively.
const (
	DefaultBaseBackoff = time.Second
	DefaultMaxBackoff  = 5 * time.Minute

	// latencyAlpha weights the newest sample in the latency moving average.
	latencyAlpha = 0.3
)

// Stats holds the rolling health metrics of one relay endpoint.
type Stats struct {
	URL                 string        `json:"url"`
	Successes           int64         `json:"successes"`
	Failures            int64         `json:"failures"`
	AvgLatency          time.Duration `json:"avg_latency"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	BackoffUntil        time.Time     `json:"backoff_until,omitzero"`
}

// SuccessRatio returns successes / attempts, or 1 for an endpoint never tried.
func (s Stats) SuccessRatio() float64 {
	total := s.Successes + s.Failures
	if total == 0 {
		return 1
	}
	return float64(s.Successes) / float64(total)
}

// Tracker records relay outcomes and orders endpoints by health.
type Tracker struct {
	mu    sync.Mutex
	stats map[string]*Stats

	baseBackoff time.Duration
	maxBackoff  time.Duration
	now         func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithBackoff overrides the base and maximum backoff windows.
func WithBackoff(base, max time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.baseBackoff = base
		t.maxBackoff = max
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		stats:       make(map[string]*Stats),
		baseBackoff: DefaultBaseBackoff,
		maxBackoff:  DefaultMaxBackoff,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) entry(url string) *Stats {
	s, ok := t.stats[url]
	if !ok {
		s = &Stats{URL: url}
		t.stats[url] = s
	}
	return s
}

// RecordSuccess records a successful exchange and clears any backoff.
func (t *Tracker) RecordSuccess(url string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.entry(url)
	s.Successes++
	s.ConsecutiveFailures = 0
	s.BackoffUntil = time.Time{}
	if s.AvgLatency == 0 {
		s.AvgLatency = latency
	} else {
		s.AvgLatency = time.Duration(latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(s.AvgLatency))
	}
}

// RecordFailure records a failure and backs the endpoint off for
// base * 2^(consecutive-1), capped at the maximum.
func (t *Tracker) RecordFailure(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.entry(url)
	s.Failures++
	s.ConsecutiveFailures++
	s.BackoffUntil = t.now().Add(t.backoffFor(s.ConsecutiveFailures))
}

func (t *Tracker) backoffFor(consecutive int) time.Duration {
	d := t.baseBackoff
	for i := 1; i < consecutive; i++ {
		d *= 2
		if d >= t.maxBackoff {
			return t.maxBackoff
		}
	}
	return min(d, t.maxBackoff)
}

// IsBackedOff reports whether url is inside its backoff window.
func (t *Tracker) IsBackedOff(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[url]
	return ok && t.now().Before(s.BackoffUntil)
}

// PrioritizedURLs orders urls for querying: healthy endpoints first (best success ratio,
// then lowest latency), backed-off endpoints last (soonest recovery first).
// A nil list orders every tracked endpoint.
func (t *Tracker) PrioritizedURLs(urls []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if urls == nil {
		urls = make([]string, 0, len(t.stats))
		for u := range t.stats {
			urls = append(urls, u)
		}
	}

	now := t.now()
	type ranked struct {
		url       string
		stats     Stats
		backedOff bool
	}
	items := make([]ranked, 0, len(urls))
	for _, u := range urls {
		var s Stats
		if e, ok := t.stats[u]; ok {
			s = *e
		} else {
			s = Stats{URL: u}
		}
		items = append(items, ranked{url: u, stats: s, backedOff: now.Before(s.BackoffUntil)})
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.backedOff != b.backedOff {
			return !a.backedOff
		}
		if a.backedOff {
			return a.stats.BackoffUntil.Before(b.stats.BackoffUntil)
		}
		if ra, rb := a.stats.SuccessRatio(), b.stats.SuccessRatio(); ra != rb {
			return ra > rb
		}
		la, lb := a.stats.AvgLatency, b.stats.AvgLatency
		if la == 0 || lb == 0 {
			// Measured endpoints sort ahead of unmeasured ones.
			return la != 0 && lb == 0
		}
		if la != lb {
			return la < lb
		}
		return a.url < b.url
	})

	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.url
	}
	return out
}

// Usable returns the prioritized urls that are not backed off.
func (t *Tracker) Usable(urls []string) []string {
	ordered := t.PrioritizedURLs(urls)
	out := make([]string, 0, len(ordered))
	for _, u := range ordered {
		if !t.IsBackedOff(u) {
			out = append(out, u)
		}
	}
	return out
}

// Get returns the stats of one endpoint.
func (t *Tracker) Get(url string) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[url]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// Snapshot returns a copy of every tracked endpoint, sorted by url.
func (t *Tracker) Snapshot() []Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Stats, 0, len(t.stats))
	for _, s := range t.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Restore loads persisted stats, replacing any in-memory entry for the same url.
func (t *Tracker) Restore(stats []Stats) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range stats {
		if s.URL == "" {
			continue
		}
		cp := s
		t.stats[s.URL] = &cp
	}
}
