// Package ingest buffers the initial burst of a live subscription and releases
// it to the feed in batches.
package ingest

import (
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/hpungsan/notefeed/internal/errors"
	"github.com/hpungsan/notefeed/internal/logging"
	"github.com/hpungsan/notefeed/internal/metrics"
)

// Defaults for the buffer.
const (
	DefaultIdle    = 4 * time.Second
	DefaultMaxSize = 200
)

// Trigger names what caused a flush.
type Trigger string

const (
	TriggerIdle Trigger = "idle"
	TriggerSize Trigger = "size"
	TriggerEOSE Trigger = "eose"
	TriggerUser Trigger = "user"
)

// FlushFunc receives one batch in arrival order. Calls never overlap and must
// not call back into the Buffer.
type FlushFunc func(batch []*nostr.Event, trigger Trigger)

// Buffer collects events until one of the flush triggers fires.
type Buffer struct {
	onFlush FlushFunc
	idle    time.Duration
	maxSize int
	logger  *zap.Logger
	metrics *metrics.Collector

	// flushMu serializes flushes so batches reach onFlush in order.
	flushMu sync.Mutex

	mu      sync.Mutex
	events  []*nostr.Event
	ids     map[string]struct{}
	timer   *time.Timer
	started bool
	stopped bool
}

// Option configures a Buffer.
type Option func(*Buffer)

func WithIdle(d time.Duration) Option         { return func(b *Buffer) { b.idle = d } }
func WithMaxSize(n int) Option                { return func(b *Buffer) { b.maxSize = n } }
func WithLogger(l *zap.Logger) Option         { return func(b *Buffer) { b.logger = l } }
func WithMetrics(m *metrics.Collector) Option { return func(b *Buffer) { b.metrics = m } }

// New creates a buffer that hands batches to onFlush. Call Start to arm the idle timer.
func New(onFlush FlushFunc, opts ...Option) *Buffer {
	b := &Buffer{
		onFlush: onFlush,
		idle:    DefaultIdle,
		maxSize: DefaultMaxSize,
		ids:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.OrNop(b.logger).Named("ingest")
	return b
}

// Start arms the idle timer.
func (b *Buffer) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.stopped {
		return
	}
	b.started = true
	b.armLocked()
}

func (b *Buffer) armLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.idle, func() { b.flush(TriggerIdle, false) })
}

// Add buffers ev. Events already seen by this buffer are ignored.
// After the buffer stopped, Add fails with BUFFER_STOPPED and the caller should
// ingest directly.
func (b *Buffer) Add(ev *nostr.Event) error {
	if ev == nil || ev.ID == "" {
		return errors.NewInvalidRequest("event missing id")
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return errors.NewBufferStopped()
	}
	if _, dup := b.ids[ev.ID]; dup {
		b.mu.Unlock()
		return nil
	}
	b.ids[ev.ID] = struct{}{}
	b.events = append(b.events, ev)
	full := len(b.events) >= b.maxSize
	b.mu.Unlock()

	if full {
		b.flush(TriggerSize, false)
	}
	return nil
}

// EndOfBurst flushes what is buffered and stops the buffer.
func (b *Buffer) EndOfBurst() {
	b.flush(TriggerEOSE, true)
}

// FlushNow flushes on user request (e.g. pull to refresh).
func (b *Buffer) FlushNow() {
	b.flush(TriggerUser, false)
}

// Stop stops the buffer without flushing and returns the events still buffered,
// so the caller can ingest them directly.
func (b *Buffer) Stop() []*nostr.Event {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
	rest := b.events
	b.events = nil
	return rest
}

func (b *Buffer) stopLocked() {
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Stopped reports whether the buffer rejects new events.
func (b *Buffer) Stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

func (b *Buffer) flush(trigger Trigger, stop bool) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	batch := b.events
	b.events = nil
	if stop {
		b.stopLocked()
	} else if b.started {
		b.armLocked()
	}
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	b.metrics.BufferFlush(string(trigger))
	b.logger.Debug("flush", zap.String("trigger", string(trigger)), zap.Int("events", len(batch)))
	b.onFlush(batch, trigger)
}
