package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSaver struct {
	mu      sync.Mutex
	batches map[string][]int
}

func (r *recordingSaver) SaveEvents(_ context.Context, feedType string, events []*nostr.Event) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.batches == nil {
		r.batches = map[string][]int{}
	}
	r.batches[feedType] = append(r.batches[feedType], len(events))
	return int64(len(events)), nil
}

func (r *recordingSaver) total(feedType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches[feedType] {
		n += b
	}
	return n
}

func event(i int) *nostr.Event {
	return &nostr.Event{ID: fmt.Sprintf("%064x", i), CreatedAt: nostr.Timestamp(i)}
}

func TestWriterFlushesOnSize(t *testing.T) {
	saver := &recordingSaver{}
	w := NewWriter(saver, 100, 3, time.Hour, nil)
	w.Start(context.Background())

	for i := range 3 {
		require.True(t, w.Enqueue("global", event(i)))
	}
	require.Eventually(t, func() bool { return saver.total("global") == 3 }, time.Second, 5*time.Millisecond)
	w.Close()
}

func TestWriterFlushesOnWait(t *testing.T) {
	saver := &recordingSaver{}
	w := NewWriter(saver, 100, 50, 20*time.Millisecond, nil)
	w.Start(context.Background())
	defer w.Close()

	w.Enqueue("following", event(1))
	require.Eventually(t, func() bool { return saver.total("following") == 1 }, time.Second, 5*time.Millisecond)
}

func TestWriterCloseDrains(t *testing.T) {
	saver := &recordingSaver{}
	w := NewWriter(saver, 100, 50, time.Hour, nil)
	w.Start(context.Background())

	w.Enqueue("global", event(1))
	w.Enqueue("following", event(2))
	w.Enqueue("global", event(3))
	w.Close()

	assert.Equal(t, 2, saver.total("global"))
	assert.Equal(t, 1, saver.total("following"))
}

func TestWriterQueueFull(t *testing.T) {
	w := NewWriter(&recordingSaver{}, 1, 50, time.Hour, nil)
	assert.True(t, w.Enqueue("global", event(1)))
	assert.False(t, w.Enqueue("global", event(2)))
}
