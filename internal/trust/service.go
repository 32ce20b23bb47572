// Package trust computes per-author trust records and caches them for the session.
//
// A Service picks one strategy at construction: a local trust extension when one
// with scoring capabilities is present, otherwise a remote distance oracle when a
// reference identity is configured, otherwise no signal at all.
package trust

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/hpungsan/notefeed/internal/logging"
	"github.com/hpungsan/notefeed/internal/metrics"
	"github.com/hpungsan/notefeed/internal/note"
)

// Local provider call limits.
const (
	DefaultRateLimit  = 20
	DefaultRateBurst  = 5
	DefaultRetries    = 3
	DefaultRetryPause = time.Second
)

// Service scores authors and owns the author to TrustRecord cache.
type Service struct {
	caps      Capabilities
	oracle    Oracle
	reference string
	strategy  Strategy

	curve      Curve
	maxHops    int
	limiter    *rate.Limiter
	retries    int
	retryPause time.Duration

	logger  *zap.Logger
	metrics *metrics.Collector
	group   singleflight.Group

	mu    sync.RWMutex
	cache map[string]note.TrustRecord
}

// Option configures a Service.
type Option func(*Service)

// WithExtension installs a local trust extension; its capabilities are probed once.
func WithExtension(ext any) Option { return func(s *Service) { s.caps = Probe(ext) } }

// WithOracle installs the remote oracle anchored at reference.
func WithOracle(o Oracle, reference string) Option {
	return func(s *Service) {
		s.oracle = o
		s.reference = reference
	}
}

func WithCurve(c Curve) Option        { return func(s *Service) { s.curve = c } }
func WithMaxHops(n int) Option        { return func(s *Service) { s.maxHops = n } }
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

func WithMetrics(m *metrics.Collector) Option { return func(s *Service) { s.metrics = m } }

// WithRateLimit sets the per-call limit on local provider calls.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Service) { s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithRetry sets how often, and after what pause, a rate-limited call is retried.
func WithRetry(retries int, pause time.Duration) Option {
	return func(s *Service) {
		s.retries = retries
		s.retryPause = pause
	}
}

// New creates a service and resolves its strategy.
func New(opts ...Option) *Service {
	s := &Service{
		curve:      DefaultCurve(),
		limiter:    rate.NewLimiter(DefaultRateLimit, DefaultRateBurst),
		retries:    DefaultRetries,
		retryPause: DefaultRetryPause,
		cache:      make(map[string]note.TrustRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).Named("trust")

	switch {
	case s.caps.CanScore():
		s.strategy = StrategyLocal
	case s.oracle != nil && s.reference != "":
		s.strategy = StrategyOracle
	default:
		s.strategy = StrategyNone
	}
	s.logger.Info("trust strategy resolved", zap.String("strategy", string(s.strategy)), zap.Strings("capabilities", s.caps.Names()))
	return s
}

// MaxHops returns the hop limit applied to the trusted flag (0 = unlimited).
func (s *Service) MaxHops() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxHops
}

// SetMaxHops changes the hop limit and re-derives the trusted flag of every
// cached record with a known distance. Score-only records keep their flag.
func (s *Service) SetMaxHops(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n == s.maxHops {
		return
	}
	s.maxHops = n
	for author, rec := range s.cache {
		if rec.Scored && rec.Reachable() {
			rec.Trusted = IsTrusted(rec.Distance, n)
			s.cache[author] = rec
		}
	}
}

// Strategy returns the path chosen at construction.
func (s *Service) Strategy() Strategy { return s.strategy }

// Capabilities returns the probed extension capabilities.
func (s *Service) Capabilities() Capabilities { return s.caps }

// Lookup returns the cached record of author, or the placeholder. It never blocks on scoring.
func (s *Service) Lookup(author string) note.TrustRecord {
	s.mu.RLock()
	rec, ok := s.cache[author]
	s.mu.RUnlock()
	s.metrics.TrustLookup(ok && !rec.IsPlaceholder())
	if !ok {
		return note.Placeholder()
	}
	return rec
}

// Invalidate drops the cached record of author so the next batch re-scores it.
func (s *Service) Invalidate(author string) {
	s.mu.Lock()
	delete(s.cache, author)
	s.mu.Unlock()
}

// Len returns the number of cached records.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// put caches rec. A placeholder never replaces a scored record.
func (s *Service) put(author string, rec note.TrustRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cache[author]; ok && !cur.IsPlaceholder() && rec.IsPlaceholder() {
		return
	}
	s.cache[author] = rec
}

// misses returns the distinct authors without a scored record, in input order.
func (s *Service) misses(authors []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{}, len(authors))
	out := make([]string, 0, len(authors))
	for _, a := range authors {
		if a == "" {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		if rec, ok := s.cache[a]; ok && !rec.IsPlaceholder() {
			continue
		}
		out = append(out, a)
	}
	return out
}

// ScoreBatch scores every author not yet cached. Safe to call redundantly.
func (s *Service) ScoreBatch(ctx context.Context, authors []string) error {
	todo := s.misses(authors)
	if len(todo) == 0 {
		return nil
	}

	var err error
	switch s.strategy {
	case StrategyLocal:
		err = s.scoreLocal(ctx, todo)
	case StrategyOracle:
		err = s.scoreOracle(ctx, todo)
	}
	s.metrics.TrustScored(string(s.strategy), len(todo))
	return err
}

// ScoreOne returns the record of author, scoring it if needed. Concurrent calls
// for the same author share one computation.
func (s *Service) ScoreOne(ctx context.Context, author string) (note.TrustRecord, error) {
	if rec := s.Lookup(author); !rec.IsPlaceholder() {
		return rec, nil
	}
	v, err, _ := s.group.Do(author, func() (any, error) {
		if err := s.ScoreBatch(ctx, []string{author}); err != nil {
			return note.Placeholder(), err
		}
		return s.Lookup(author), nil
	})
	return v.(note.TrustRecord), err
}

func (s *Service) record(distance, pathCount int, score float64) note.TrustRecord {
	if distance < 0 || distance > note.Unreachable {
		distance = note.Unreachable
	}
	return note.TrustRecord{
		Score:     score,
		Distance:  distance,
		Trusted:   IsTrusted(distance, s.MaxHops()),
		PathCount: pathCount,
		Scored:    true,
	}
}

func (s *Service) fromDistance(distance int) note.TrustRecord {
	pathCount := 0
	if IsTrusted(distance, 0) {
		pathCount = 1
	}
	return s.record(distance, pathCount, s.curve.Score(distance))
}

// scoreLocal runs the extension path: membership partition, then the richest
// per-member call available.
func (s *Service) scoreLocal(ctx context.Context, authors []string) error {
	if s.caps.Settings != nil {
		if st, err := s.caps.Settings.Settings(ctx); err == nil && st.MaxHops > 0 {
			s.mu.Lock()
			s.maxHops = st.MaxHops
			s.mu.Unlock()
		}
	}

	members := authors
	if s.caps.Membership != nil {
		in, err := s.caps.Membership.FilterMembers(ctx, authors)
		if err != nil {
			s.logger.Debug("membership filter failed, scoring everyone", zap.Error(err))
		} else {
			inSet := make(map[string]struct{}, len(in))
			for _, a := range in {
				inSet[a] = struct{}{}
			}
			members = members[:0:0]
			for _, a := range authors {
				if _, ok := inSet[a]; ok {
					members = append(members, a)
				} else {
					s.put(a, note.Untrusted())
				}
			}
		}
	}
	if len(members) == 0 {
		return nil
	}

	switch {
	case s.caps.Detail != nil:
		return s.eachMember(ctx, members, func(a string) (note.TrustRecord, error) {
			d, err := s.caps.Detail.Detail(ctx, a)
			if err != nil {
				return note.TrustRecord{}, err
			}
			return s.record(d.Distance, d.PathCount, d.Score), nil
		})

	case s.caps.BatchDistance != nil:
		dist, err := s.caps.BatchDistance.DistanceBatch(ctx, members)
		if err != nil {
			return s.cacheFailures(ctx, members, err)
		}
		for _, a := range members {
			d, ok := dist[a]
			if !ok {
				d = note.Unreachable
			}
			s.put(a, s.fromDistance(d))
		}
		return nil

	case s.caps.Distance != nil:
		return s.eachMember(ctx, members, func(a string) (note.TrustRecord, error) {
			d, err := s.caps.Distance.Distance(ctx, a)
			if err != nil {
				return note.TrustRecord{}, err
			}
			return s.fromDistance(d), nil
		})

	case s.caps.BatchScore != nil:
		scores, err := s.caps.BatchScore.ScoreBatch(ctx, members)
		if err != nil {
			return s.cacheFailures(ctx, members, err)
		}
		for _, a := range members {
			s.put(a, s.fromScore(scores[a]))
		}
		return nil

	default:
		return s.eachMember(ctx, members, func(a string) (note.TrustRecord, error) {
			score, err := s.caps.Score.Score(ctx, a)
			if err != nil {
				return note.TrustRecord{}, err
			}
			return s.fromScore(score), nil
		})
	}
}

// fromScore builds a record when only a score is known. Distance stays unknown.
func (s *Service) fromScore(score float64) note.TrustRecord {
	return note.TrustRecord{
		Score:    score,
		Distance: note.Unreachable,
		Trusted:  score > 0,
		Scored:   true,
	}
}

// eachMember calls fn per author under the rate limiter, retrying rate-limited
// calls. Failures are cached as untrusted.
func (s *Service) eachMember(ctx context.Context, authors []string, fn func(string) (note.TrustRecord, error)) error {
	for _, a := range authors {
		rec, err := backoff.Retry(ctx, func() (note.TrustRecord, error) {
			if err := s.limiter.Wait(ctx); err != nil {
				return note.TrustRecord{}, backoff.Permanent(err)
			}
			rec, err := fn(a)
			if err == nil {
				return rec, nil
			}
			if stderrors.Is(err, ErrRateLimited) {
				return note.TrustRecord{}, err
			}
			return note.TrustRecord{}, backoff.Permanent(err)
		},
			backoff.WithBackOff(backoff.NewConstantBackOff(s.retryPause)),
			backoff.WithMaxTries(uint(s.retries+1)),
		)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.logger.Debug("local trust call failed", zap.String("author", a), zap.Error(err))
			rec = note.Untrusted()
		}
		s.put(a, rec)
	}
	return nil
}

func (s *Service) cacheFailures(ctx context.Context, authors []string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.logger.Debug("batch trust call failed", zap.Int("authors", len(authors)), zap.Error(err))
	for _, a := range authors {
		s.put(a, note.Untrusted())
	}
	return nil
}

// scoreOracle runs the remote path in chunks, falling back to single lookups.
func (s *Service) scoreOracle(ctx context.Context, authors []string) error {
	for start := 0; start < len(authors); start += OracleChunkSize {
		chunk := authors[start:min(start+OracleChunkSize, len(authors))]

		dist, err := s.oracle.DistanceBatch(ctx, s.reference, chunk)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Debug("oracle batch failed, retrying per author", zap.Int("targets", len(chunk)), zap.Error(err))
			dist = nil
		}

		for _, a := range chunk {
			d, ok := dist[a]
			if !ok {
				d, err = s.oracle.Distance(ctx, s.reference, a)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					s.put(a, note.Untrusted())
					continue
				}
			}
			s.put(a, s.fromDistance(d))
		}
	}
	return nil
}
