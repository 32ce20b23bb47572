package store

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/hpungsan/notefeed/internal/logging"
)

// EventSaver is the part of Store the Writer needs.
type EventSaver interface {
	SaveEvents(ctx context.Context, feedType string, events []*nostr.Event) (int64, error)
}

type pendingWrite struct {
	feedType string
	ev       *nostr.Event
}

// Writer batches event writes in the background. A batch is written when it
// reaches batchMaxSize or batchMaxWait elapses.
type Writer struct {
	queue        chan pendingWrite
	saver        EventSaver
	batchMaxSize int
	batchMaxWait time.Duration
	logger       *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWriter creates a writer. Call Start before Enqueue.
func NewWriter(saver EventSaver, queueMaxSize, batchMaxSize int, batchMaxWait time.Duration, logger *zap.Logger) *Writer {
	if queueMaxSize <= 0 {
		queueMaxSize = 10_000
	}
	if batchMaxSize <= 0 {
		batchMaxSize = 200
	}
	if batchMaxWait <= 0 {
		batchMaxWait = 250 * time.Millisecond
	}
	return &Writer{
		queue:        make(chan pendingWrite, queueMaxSize),
		saver:        saver,
		batchMaxSize: batchMaxSize,
		batchMaxWait: batchMaxWait,
		logger:       logging.OrNop(logger).Named("writer"),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start runs the flush loop until ctx ends or Close is called.
func (w *Writer) Start(ctx context.Context) {
	go func() {
		defer close(w.done)

		batch := make([]pendingWrite, 0, w.batchMaxSize)
		t := time.NewTimer(w.batchMaxWait)
		defer t.Stop()

		resetTimer := func() {
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(w.batchMaxWait)
		}

		flush := func() {
			if len(batch) == 0 {
				resetTimer()
				return
			}
			w.write(context.WithoutCancel(ctx), batch)
			batch = batch[:0]
			resetTimer()
		}

		drain := func() {
			for {
				select {
				case pw := <-w.queue:
					batch = append(batch, pw)
					if len(batch) >= w.batchMaxSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				drain()
				return
			case <-w.stop:
				drain()
				return
			case pw := <-w.queue:
				batch = append(batch, pw)
				if len(batch) >= w.batchMaxSize {
					flush()
				}
			case <-t.C:
				flush()
			}
		}
	}()
}

func (w *Writer) write(ctx context.Context, batch []pendingWrite) {
	byFeed := make(map[string][]*nostr.Event)
	order := make([]string, 0, 2)
	for _, pw := range batch {
		if _, ok := byFeed[pw.feedType]; !ok {
			order = append(order, pw.feedType)
		}
		byFeed[pw.feedType] = append(byFeed[pw.feedType], pw.ev)
	}
	for _, feedType := range order {
		evs := byFeed[feedType]
		affected, err := w.saver.SaveEvents(ctx, feedType, evs)
		if err != nil {
			w.logger.Warn("batch write failed", zap.String("feed", feedType), zap.Int("dropped", len(evs)), zap.Error(err))
			continue
		}
		w.logger.Debug("batch write ok", zap.String("feed", feedType), zap.Int64("inserted", affected), zap.Int("size", len(evs)))
	}
}

// Enqueue queues ev for writing. Returns false if the queue is full.
func (w *Writer) Enqueue(feedType string, ev *nostr.Event) bool {
	select {
	case w.queue <- pendingWrite{feedType: feedType, ev: ev}:
		return true
	default:
		w.logger.Warn("write queue full, dropping event", zap.String("event", ev.ID))
		return false
	}
}

// Close flushes everything queued and stops the loop.
func (w *Writer) Close() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}
