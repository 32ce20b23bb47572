package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/notefeed/internal/logging"
)

const (
	connectTimeout = 7 * time.Second
	publishTimeout = 10 * time.Second
	streamBuffer   = 256
)

// NostrPool is a Pool backed by go-nostr relay connections, one per url.
type NostrPool struct {
	urls    []string
	tracker *Tracker
	logger  *zap.Logger

	mu     sync.Mutex
	relays map[string]*nostr.Relay
}

// NewNostrPool creates a pool for urls. Connections open lazily.
func NewNostrPool(urls []string, tracker *Tracker, logger *zap.Logger) *NostrPool {
	if tracker == nil {
		tracker = NewTracker()
	}
	return &NostrPool{
		urls:    urls,
		tracker: tracker,
		logger:  logging.OrNop(logger).Named("relay"),
		relays:  make(map[string]*nostr.Relay),
	}
}

// Ready reports whether any configured endpoint is outside its backoff window.
func (p *NostrPool) Ready() bool {
	return len(p.tracker.Usable(p.urls)) > 0
}

// URLs returns the configured endpoints in priority order.
func (p *NostrPool) URLs() []string {
	return p.tracker.PrioritizedURLs(p.urls)
}

func (p *NostrPool) connect(ctx context.Context, url string) (*nostr.Relay, error) {
	p.mu.Lock()
	r, ok := p.relays[url]
	p.mu.Unlock()
	if ok && r.IsConnected() {
		return r, nil
	}

	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	start := time.Now()
	r, err := nostr.RelayConnect(cctx, url)
	if err != nil {
		p.tracker.RecordFailure(url)
		p.logger.Warn("relay connect failed", zap.String("relay", url), zap.Error(err))
		return nil, err
	}
	p.tracker.RecordSuccess(url, time.Since(start))

	p.mu.Lock()
	if old, ok := p.relays[url]; ok && old != r {
		_ = old.Close()
	}
	p.relays[url] = r
	p.mu.Unlock()
	return r, nil
}

// Subscribe opens filter on every url that is not backed off.
func (p *NostrPool) Subscribe(ctx context.Context, urls []string, filter nostr.Filter) (*Stream, error) {
	targets := p.tracker.Usable(urls)
	if len(targets) == 0 {
		return nil, fmt.Errorf("no usable relays among %d", len(urls))
	}

	events := make(chan *nostr.Event, streamBuffer)
	eose := make(chan struct{})

	var (
		wg        sync.WaitGroup
		eoseWG    sync.WaitGroup
		seenMu    sync.Mutex
		seen      = make(map[string]struct{})
		opened    int
		openErr   error
		startedAt = time.Now()
	)

	for _, url := range targets {
		r, err := p.connect(ctx, url)
		if err != nil {
			openErr = errors.Join(openErr, err)
			continue
		}
		sub, err := r.Subscribe(ctx, nostr.Filters{filter})
		if err != nil {
			p.tracker.RecordFailure(url)
			openErr = errors.Join(openErr, err)
			continue
		}
		opened++

		wg.Add(1)
		eoseWG.Add(1)
		go func(url string, sub *nostr.Subscription) {
			defer wg.Done()
			defer sub.Unsub()

			eoseDone := false
			markEOSE := func() {
				if !eoseDone {
					eoseDone = true
					eoseWG.Done()
				}
			}
			defer markEOSE()

			for {
				select {
				case <-ctx.Done():
					return
				case <-sub.EndOfStoredEvents:
					if !eoseDone {
						p.tracker.RecordSuccess(url, time.Since(startedAt))
					}
					markEOSE()
				case reason := <-sub.ClosedReason:
					p.logger.Debug("subscription closed by relay", zap.String("relay", url), zap.String("reason", reason))
					return
				case ev, ok := <-sub.Events:
					if !ok {
						return
					}
					seenMu.Lock()
					_, dup := seen[ev.ID]
					if !dup {
						seen[ev.ID] = struct{}{}
					}
					seenMu.Unlock()
					if dup {
						continue
					}
					select {
					case events <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}(url, sub)
	}

	if opened == 0 {
		return nil, fmt.Errorf("subscribe failed on all relays: %w", openErr)
	}

	go func() {
		eoseWG.Wait()
		close(eose)
	}()
	go func() {
		wg.Wait()
		close(events)
	}()

	return &Stream{Events: events, EOSE: eose}, nil
}

// Publish sends ev to every usable url in parallel.
func (p *NostrPool) Publish(ctx context.Context, urls []string, ev nostr.Event) error {
	targets := p.tracker.Usable(urls)
	if len(targets) == 0 {
		return fmt.Errorf("no usable relays among %d", len(urls))
	}

	var (
		mu       sync.Mutex
		accepted int
		errs     error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, url := range targets {
		g.Go(func() error {
			r, err := p.connect(gctx, url)
			if err != nil {
				mu.Lock()
				errs = errors.Join(errs, err)
				mu.Unlock()
				return nil
			}
			pctx, cancel := context.WithTimeout(gctx, publishTimeout)
			defer cancel()

			start := time.Now()
			if err := r.Publish(pctx, ev); err != nil {
				p.tracker.RecordFailure(url)
				mu.Lock()
				errs = errors.Join(errs, fmt.Errorf("%s: %w", url, err))
				mu.Unlock()
				return nil
			}
			p.tracker.RecordSuccess(url, time.Since(start))
			mu.Lock()
			accepted++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if accepted == 0 {
		return fmt.Errorf("publish rejected by all relays: %w", errs)
	}
	if errs != nil {
		p.logger.Debug("publish partially failed", zap.String("event", ev.ID), zap.Int("accepted", accepted), zap.Error(errs))
	}
	return nil
}

// Close closes every open relay connection.
func (p *NostrPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs error
	for url, r := range p.relays {
		if err := r.Close(); err != nil {
			errs = errors.Join(errs, err)
		}
		delete(p.relays, url)
	}
	return errs
}

var _ Pool = (*NostrPool)(nil)
