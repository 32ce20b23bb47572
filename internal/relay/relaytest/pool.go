// Package relaytest provides an in-memory relay.Pool for tests.
package relaytest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/hpungsan/notefeed/internal/relay"
)

// Pool serves subscriptions from a fixed corpus of events.
type Pool struct {
	mu sync.Mutex

	// Corpus holds every event the fake relays know about.
	Corpus []*nostr.Event

	// Endpoints returned by URLs.
	Endpoints []string

	// NotReady makes Ready return false.
	NotReady bool

	// SubscribeErr, when set, fails every Subscribe call.
	SubscribeErr error

	// FailFilter, when set, fails Subscribe calls whose filter it returns true for.
	FailFilter func(nostr.Filter) bool

	// Delay is waited before each event is emitted.
	Delay time.Duration

	// Live, when set, is forwarded to every subscription after EOSE.
	Live chan *nostr.Event

	subscriptions []nostr.Filter
	published     []nostr.Event
}

// New creates a ready pool with the given corpus.
func New(urls []string, corpus ...*nostr.Event) *Pool {
	return &Pool{Endpoints: urls, Corpus: corpus}
}

// Add appends events to the corpus.
func (p *Pool) Add(evs ...*nostr.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Corpus = append(p.Corpus, evs...)
}

// SetReady toggles readiness.
func (p *Pool) SetReady(ready bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.NotReady = !ready
}

// Ready implements relay.Pool.
func (p *Pool) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.NotReady
}

// URLs implements relay.Pool.
func (p *Pool) URLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Endpoints...)
}

// Subscriptions returns every filter subscribed so far.
func (p *Pool) Subscriptions() []nostr.Filter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]nostr.Filter(nil), p.subscriptions...)
}

// Published returns every event published so far.
func (p *Pool) Published() []nostr.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]nostr.Event(nil), p.published...)
}

// Subscribe implements relay.Pool. Matching events are emitted newest first,
// honouring the filter limit, then EOSE closes.
func (p *Pool) Subscribe(ctx context.Context, _ []string, filter nostr.Filter) (*relay.Stream, error) {
	p.mu.Lock()
	p.subscriptions = append(p.subscriptions, filter)
	if p.SubscribeErr != nil {
		err := p.SubscribeErr
		p.mu.Unlock()
		return nil, err
	}
	if p.FailFilter != nil && p.FailFilter(filter) {
		p.mu.Unlock()
		return nil, context.DeadlineExceeded
	}
	var matched []*nostr.Event
	for _, ev := range p.Corpus {
		if filter.Matches(ev) {
			matched = append(matched, ev)
		}
	}
	delay := p.Delay
	live := p.Live
	p.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt > matched[j].CreatedAt })
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	events := make(chan *nostr.Event, len(matched)+1)
	eose := make(chan struct{})
	go func() {
		defer close(events)
		for _, ev := range matched {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					close(eose)
					return
				}
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				close(eose)
				return
			}
		}
		close(eose)
		if live == nil {
			return
		}
		for {
			select {
			case ev, ok := <-live:
				if !ok {
					return
				}
				if !filter.Matches(ev) {
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return &relay.Stream{Events: events, EOSE: eose}, nil
}

// Publish implements relay.Pool by appending to the corpus.
func (p *Pool) Publish(_ context.Context, _ []string, ev nostr.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, ev)
	cp := ev
	p.Corpus = append(p.Corpus, &cp)
	return nil
}

var _ relay.Pool = (*Pool)(nil)
