// Package ops composes the relay pool, query coordinator, trust service,
// ingestion buffer and feed store into a Session, and exposes the operations
// the CLI, MCP and HTTP surfaces call.
package ops

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/hpungsan/notefeed/internal/config"
	"github.com/hpungsan/notefeed/internal/db"
	"github.com/hpungsan/notefeed/internal/errors"
	"github.com/hpungsan/notefeed/internal/feed"
	"github.com/hpungsan/notefeed/internal/ingest"
	"github.com/hpungsan/notefeed/internal/kvstore"
	"github.com/hpungsan/notefeed/internal/logging"
	"github.com/hpungsan/notefeed/internal/metrics"
	"github.com/hpungsan/notefeed/internal/note"
	"github.com/hpungsan/notefeed/internal/profile"
	"github.com/hpungsan/notefeed/internal/query"
	"github.com/hpungsan/notefeed/internal/relay"
	"github.com/hpungsan/notefeed/internal/store"
	"github.com/hpungsan/notefeed/internal/trust"
)

// Write-behind tuning for the durable store.
const (
	writeQueueSize = 2000
	writeBatchSize = 100
	writeBatchWait = 500 * time.Millisecond
)

// Deps are optional collaborators. Nil fields are built from config.
type Deps struct {
	Pool  relay.Pool
	Store store.Store

	// TrustExtension is probed for local trust capabilities.
	TrustExtension any
	Oracle         trust.Oracle

	Logger  *zap.Logger
	Metrics *metrics.Collector
	Clock   func() time.Time

	// QueryOptions and BufferOptions tune the coordinator and live buffers.
	QueryOptions  []query.Option
	BufferOptions []ingest.Option
}

// Session is one running feed pipeline.
type Session struct {
	id      string
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time

	tracker   *relay.Tracker
	pool      relay.Pool
	ownsPool  bool
	store     store.Store
	ownsStore bool
	writer    *store.Writer
	coord     *query.Coordinator
	trust     *trust.Service
	feed      *feed.Store
	profiles  *profile.Cache
	bufOpts   []ingest.Option

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	mu        sync.Mutex
	cfg       *config.Config
	started   bool
	closed    bool
	subCancel context.CancelFunc
	buffer    *ingest.Buffer
	scoring   bool
	rescore   bool
}

// Open builds a session from cfg. baseDir holds the durable store when
// deps.Store is nil.
func Open(baseDir string, cfg *config.Config, deps Deps) (*Session, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		id:      uuid.NewString(),
		metrics: deps.Metrics,
		now:     deps.Clock,
		cfg:     cfg,
		bufOpts: deps.BufferOptions,
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.logger = logging.OrNop(deps.Logger).With(zap.String("session", s.id))
	s.runCtx, s.runCancel = context.WithCancel(context.Background())

	s.store = deps.Store
	if s.store == nil {
		st, err := openStore(baseDir, cfg)
		if err != nil {
			s.runCancel()
			return nil, err
		}
		s.store = st
		s.ownsStore = true
	}

	s.tracker = relay.NewTracker()
	s.restoreRelayStats()
	s.pool = deps.Pool
	if s.pool == nil {
		s.pool = relay.NewNostrPool(note.NormalizeRelayURLs(cfg.Relays), s.tracker, s.logger)
		s.ownsPool = true
	}

	s.writer = store.NewWriter(s.store, writeQueueSize, writeBatchSize, writeBatchWait, s.logger)
	// Stopped only by Close, so writes queued during shutdown still land.
	s.writer.Start(context.Background())

	qopts := append([]query.Option{query.WithLogger(s.logger), query.WithMetrics(s.metrics)}, deps.QueryOptions...)
	s.coord = query.New(s.pool, qopts...)

	topts := []trust.Option{
		trust.WithMaxHops(cfg.MaxHops),
		trust.WithLogger(s.logger),
		trust.WithMetrics(s.metrics),
	}
	if deps.TrustExtension != nil {
		topts = append(topts, trust.WithExtension(deps.TrustExtension))
	}
	oracle := deps.Oracle
	if oracle == nil && cfg.OracleURL != "" {
		oracle = trust.NewOracleClient(cfg.OracleURL,
			trust.WithOracleLogger(s.logger),
			trust.WithOracleMetrics(s.metrics),
		)
	}
	if oracle != nil {
		topts = append(topts, trust.WithOracle(oracle, cfg.ReferencePubkey))
	}
	s.trust = trust.New(topts...)

	mode, err := feed.ParseMode(cfg.FeedMode)
	if err != nil {
		s.shutdown()
		return nil, err
	}
	filters, err := filtersFromConfig(cfg)
	if err != nil {
		s.shutdown()
		return nil, err
	}
	s.feed = feed.New(s.trust,
		feed.WithDurable(s.store),
		feed.WithPersister(s.writer),
		feed.WithFetcher(s.coord),
		feed.WithLogger(s.logger),
		feed.WithMetrics(s.metrics),
		feed.WithClock(s.now),
		feed.WithMaxNotes(cfg.MaxNotes),
		feed.WithTrustWeight(cfg.TrustWeight),
		feed.WithMaxAge(time.Duration(cfg.TimeWindowHours)*time.Hour),
		feed.WithMode(mode),
		feed.WithFilters(filters),
	)

	s.profiles = profile.New(
		profile.WithDurable(s.store),
		profile.WithFetcher(s.coord),
		profile.WithLogger(s.logger),
	)

	s.logger.Info("session opened",
		zap.String("mode", string(mode)),
		zap.String("trust_strategy", string(s.trust.Strategy())),
		zap.Int("relays", len(s.pool.URLs())),
	)
	return s, nil
}

// restoreRelayStats seeds the tracker with health persisted by the last session.
func (s *Session) restoreRelayStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := s.store.RelayStats(ctx)
	if err != nil {
		s.logger.Warn("failed to restore relay stats", zap.Error(err))
		return
	}
	s.tracker.Restore(stats)
}

func openStore(baseDir string, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "badger":
		st, err := kvstore.Open(filepath.Join(baseDir, "badger"))
		if err != nil {
			return nil, errors.NewUnavailable("badger store", err)
		}
		return st, nil
	default:
		st, err := db.Open(baseDir, cfg)
		if err != nil {
			return nil, errors.NewUnavailable("sqlite store", err)
		}
		return st, nil
	}
}

func filtersFromConfig(cfg *config.Config) (feed.Filters, error) {
	sortMode, err := feed.ParseSortMode(cfg.SortMode)
	if err != nil {
		return feed.Filters{}, err
	}
	return feed.Filters{
		TrustedOnly:    cfg.TrustedOnly,
		TrustThreshold: cfg.TrustThreshold,
		MaxHops:        cfg.MaxHops,
		Muted:          note.NormalizePubkeys(cfg.Muted),
		Bookmarks:      slices.Clone(cfg.Bookmarks),
		Sort:           sortMode,
	}, nil
}

// ID returns the session id used in logs.
func (s *Session) ID() string { return s.id }

// Feed exposes the feed store for read-only inspection.
func (s *Session) Feed() *feed.Store { return s.feed }

// Config returns the active configuration.
func (s *Session) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start warms the feed from the durable store, loads the follow list and
// opens the live subscription. Later calls are no-ops.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.NewUnavailable("session", nil)
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	maxNotes := s.cfg.MaxNotes
	s.mu.Unlock()

	if n, err := s.feed.Warm(ctx, maxNotes); err != nil {
		s.logger.Warn("warm load failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("warm loaded notes", zap.Int("notes", n))
		s.scheduleScore()
	}

	if err := s.loadFollows(ctx); err != nil {
		s.logger.Warn("failed to load follow list", zap.Error(err))
	}
	return s.subscribe()
}

// loadFollows reads the reference identity's newest contact list.
func (s *Session) loadFollows(ctx context.Context) error {
	ref := note.NormalizePubkey(s.Config().ReferencePubkey)
	if ref == "" {
		return nil
	}
	evs, err := s.coord.QueryNow(ctx, nil, nostr.Filter{
		Kinds:   []int{note.KindContactList},
		Authors: []string{ref},
		Limit:   1,
	}, nil)
	if err != nil {
		return err
	}
	var newest *nostr.Event
	for _, ev := range evs {
		if newest == nil || ev.CreatedAt > newest.CreatedAt {
			newest = ev
		}
	}
	if newest == nil {
		return nil
	}
	follows := note.PubkeysFromContactList(newest)
	s.feed.SetFollows(follows)
	s.logger.Info("follow list loaded", zap.Int("follows", len(follows)))
	return nil
}

// subscribe (re)opens the live subscription for the current mode. Events go
// through a fresh ingestion buffer until end-of-stored-events, then directly.
func (s *Session) subscribe() error {
	mode := s.feed.Mode()
	follows := s.feed.Follows()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	oldCancel, oldBuf := s.subCancel, s.buffer
	s.subCancel, s.buffer = nil, nil
	window := time.Duration(s.cfg.TimeWindowHours) * time.Hour
	s.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	if oldBuf != nil {
		if rest := oldBuf.Stop(); len(rest) > 0 {
			s.logger.Debug("dropped buffered events of previous subscription", zap.Int("events", len(rest)))
		}
	}

	if mode == feed.ModeFollowing && len(follows) == 0 {
		s.logger.Info("following mode without follows, live subscription not opened")
		return nil
	}

	since := nostr.Timestamp(s.now().Add(-window).Unix())
	filter := nostr.Filter{Kinds: note.FeedKinds, Since: &since}
	if mode == feed.ModeFollowing {
		filter.Authors = follows
	}

	ctx, cancel := context.WithCancel(s.runCtx)
	stream, err := s.pool.Subscribe(ctx, s.pool.URLs(), filter)
	if err != nil {
		cancel()
		return errors.NewQueryFailed(err)
	}

	bopts := append([]ingest.Option{ingest.WithLogger(s.logger), ingest.WithMetrics(s.metrics)}, s.bufOpts...)
	buf := ingest.New(s.onFlush, bopts...)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.subCancel, s.buffer = cancel, buf
	s.wg.Add(1)
	s.mu.Unlock()

	buf.Start()
	go s.consume(ctx, stream, buf)
	s.logger.Info("live subscription opened", zap.String("mode", string(mode)), zap.Int("authors", len(filter.Authors)))
	return nil
}

func (s *Session) consume(ctx context.Context, stream *relay.Stream, buf *ingest.Buffer) {
	defer s.wg.Done()

	eose := stream.EOSE
	for {
		select {
		case ev, ok := <-stream.Events:
			if !ok {
				buf.EndOfBurst()
				return
			}
			if err := buf.Add(ev); errors.Is(err, errors.ErrBufferStopped) {
				s.ingestLive(ev)
			}
		case <-eose:
			eose = nil
			buf.EndOfBurst()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) onFlush(batch []*nostr.Event, trigger ingest.Trigger) {
	added := s.feed.Ingest(s.runCtx, batch...)
	s.logger.Debug("buffer flushed", zap.String("trigger", string(trigger)), zap.Int("events", len(batch)), zap.Int("added", len(added)))
	if len(added) > 0 {
		s.scheduleScore()
	}
}

func (s *Session) ingestLive(ev *nostr.Event) {
	if len(s.feed.Ingest(s.runCtx, ev)) > 0 {
		s.scheduleScore()
	}
}

// scheduleScore runs ScoreAuthors in the background. Requests arriving while a
// run is in flight collapse into one follow-up run.
func (s *Session) scheduleScore() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.scoring {
		s.rescore = true
		s.mu.Unlock()
		return
	}
	s.scoring = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		for {
			err := s.feed.ScoreAuthors(s.runCtx)
			switch {
			case err == nil:
			case errors.Is(err, errors.ErrStaleGeneration):
				s.logger.Debug("discarded stale scoring result", zap.Error(err))
			default:
				s.logger.Warn("scoring failed", zap.Error(err))
			}

			s.mu.Lock()
			if !s.rescore || s.closed {
				s.scoring = false
				s.mu.Unlock()
				return
			}
			s.rescore = false
			s.mu.Unlock()
		}
	}()
}

// Idle reports whether no scoring run is in flight and the live buffer is empty.
func (s *Session) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.scoring && (s.buffer == nil || s.buffer.Len() == 0)
}

// Close stops the live subscription, waits for background work, persists
// relay health and flushes pending writes.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subCancel, buf := s.subCancel, s.buffer
	s.mu.Unlock()

	if subCancel != nil {
		subCancel()
	}
	if buf != nil {
		if rest := buf.Stop(); len(rest) > 0 {
			s.feed.Ingest(context.Background(), rest...)
		}
	}
	return s.shutdown()
}

func (s *Session) shutdown() error {
	s.runCancel()
	s.wg.Wait()
	if s.coord != nil {
		s.coord.Close()
	}

	var errs error
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SaveRelayStats(ctx, s.tracker.Snapshot()); err != nil {
		errs = fmt.Errorf("save relay stats: %w", err)
		s.logger.Warn("failed to persist relay stats", zap.Error(err))
	}
	s.writer.Close()

	if closer, ok := s.pool.(interface{ Close() error }); ok && s.ownsPool {
		if err := closer.Close(); err != nil {
			s.logger.Debug("relay pool close", zap.Error(err))
		}
	}
	if s.ownsStore {
		if err := s.store.Close(); err != nil && errs == nil {
			errs = err
		}
	}
	s.logger.Info("session closed")
	return errs
}
