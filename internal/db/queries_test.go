package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/hpungsan/notefeed/internal/errors"
	"github.com/hpungsan/notefeed/internal/note"
	"github.com/hpungsan/notefeed/internal/relay"
	"github.com/hpungsan/notefeed/internal/store"
)

var _ store.Store = (*Store)(nil)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEvent(n int, createdAt int64) *nostr.Event {
	return &nostr.Event{
		ID:        fmt.Sprintf("%064x", n),
		PubKey:    fmt.Sprintf("%064x", 1000+n%3),
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      note.KindTextNote,
		Tags:      nostr.Tags{{"e", fmt.Sprintf("%064x", 9999), "", "reply"}},
		Content:   fmt.Sprintf("note %d", n),
		Sig:       "sig",
	}
}

func TestSaveEvents_IdempotentPerFeed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	evs := []*nostr.Event{testEvent(1, 100), testEvent(2, 200), nil}
	n, err := s.SaveEvents(ctx, "global", evs)
	if err != nil {
		t.Fatalf("SaveEvents() error = %v", err)
	}
	if n != 2 {
		t.Errorf("first SaveEvents() = %d, want 2", n)
	}

	n, err = s.SaveEvents(ctx, "global", evs)
	if err != nil {
		t.Fatalf("SaveEvents() error = %v", err)
	}
	if n != 0 {
		t.Errorf("repeat SaveEvents() = %d, want 0", n)
	}

	// Same event indexed under a second feed type
	n, err = s.SaveEvents(ctx, "following", evs[:1])
	if err != nil {
		t.Fatalf("SaveEvents() error = %v", err)
	}
	if n != 1 {
		t.Errorf("SaveEvents(following) = %d, want 1", n)
	}
}

func TestSaveEvents_LargeBatchChunks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	evs := make([]*nostr.Event, 0, 250)
	for i := range 250 {
		evs = append(evs, testEvent(i, int64(1000+i)))
	}
	n, err := s.SaveEvents(ctx, "global", evs)
	if err != nil {
		t.Fatalf("SaveEvents() error = %v", err)
	}
	if n != 250 {
		t.Errorf("SaveEvents() = %d, want 250", n)
	}
}

func TestEventsBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.SaveEvents(ctx, "global", []*nostr.Event{
		testEvent(1, 100), testEvent(2, 200), testEvent(3, 300), testEvent(4, 400),
	}); err != nil {
		t.Fatalf("SaveEvents() error = %v", err)
	}
	if _, err := s.SaveEvents(ctx, "following", []*nostr.Event{testEvent(5, 250)}); err != nil {
		t.Fatalf("SaveEvents() error = %v", err)
	}

	got, err := s.EventsBefore(ctx, "global", 400, 2)
	if err != nil {
		t.Fatalf("EventsBefore() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].CreatedAt != 300 || got[1].CreatedAt != 200 {
		t.Errorf("order = [%d %d], want [300 200]", got[0].CreatedAt, got[1].CreatedAt)
	}
	if len(got[0].Tags) != 1 || got[0].Tags[0][3] != "reply" {
		t.Errorf("tags not round-tripped: %v", got[0].Tags)
	}

	empty, err := s.EventsBefore(ctx, "global", 100, 10)
	if err != nil {
		t.Fatalf("EventsBefore() error = %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("len = %d, want 0", len(empty))
	}
}

func TestEventByID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev := testEvent(7, 700)
	if _, err := s.SaveEvents(ctx, "global", []*nostr.Event{ev}); err != nil {
		t.Fatalf("SaveEvents() error = %v", err)
	}

	got, err := s.EventByID(ctx, ev.ID)
	if err != nil {
		t.Fatalf("EventByID() error = %v", err)
	}
	if got.Content != ev.Content || got.PubKey != ev.PubKey {
		t.Errorf("EventByID() = %+v, want %+v", got, ev)
	}

	_, err = s.EventByID(ctx, "missing")
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("EventByID(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestSaveProfile_KeepsNewest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pk := fmt.Sprintf("%064x", 42)
	if err := s.SaveProfile(ctx, note.Profile{PubKey: pk, Name: "new", UpdatedAt: 200}); err != nil {
		t.Fatalf("SaveProfile() error = %v", err)
	}
	if err := s.SaveProfile(ctx, note.Profile{PubKey: pk, Name: "old", UpdatedAt: 100}); err != nil {
		t.Fatalf("SaveProfile() error = %v", err)
	}

	p, err := s.Profile(ctx, pk)
	if err != nil {
		t.Fatalf("Profile() error = %v", err)
	}
	if p.Name != "new" {
		t.Errorf("Name = %q, want %q", p.Name, "new")
	}

	if _, err := s.Profile(ctx, "nobody"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Profile(nobody) error = %v, want NOT_FOUND", err)
	}
}

func TestRelayStats_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	until := time.UnixMilli(1_700_000_000_000)
	in := []relay.Stats{
		{URL: "wss://b.example", Successes: 3, Failures: 1, AvgLatency: 120 * time.Millisecond},
		{URL: "wss://a.example", Failures: 2, ConsecutiveFailures: 2, BackoffUntil: until},
	}
	if err := s.SaveRelayStats(ctx, in); err != nil {
		t.Fatalf("SaveRelayStats() error = %v", err)
	}

	out, err := s.RelayStats(ctx)
	if err != nil {
		t.Fatalf("RelayStats() error = %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].URL != "wss://a.example" || !out[0].BackoffUntil.Equal(until) {
		t.Errorf("out[0] = %+v", out[0])
	}
	if out[1].AvgLatency != 120*time.Millisecond || !out[1].BackoffUntil.IsZero() {
		t.Errorf("out[1] = %+v", out[1])
	}
}

func TestMarkSeen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.MarkSeen(ctx, "global", []string{"b", "a", "b"}); err != nil {
		t.Fatalf("MarkSeen() error = %v", err)
	}
	if err := s.MarkSeen(ctx, "following", []string{"c"}); err != nil {
		t.Fatalf("MarkSeen() error = %v", err)
	}

	ids, err := s.SeenIDs(ctx, "global")
	if err != nil {
		t.Fatalf("SeenIDs() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("SeenIDs(global) = %v, want [a b]", ids)
	}
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.now = func() time.Time { return time.Unix(500, 0) }

	if _, err := s.SaveEvents(ctx, "global", []*nostr.Event{testEvent(1, 100), testEvent(2, 900)}); err != nil {
		t.Fatalf("SaveEvents() error = %v", err)
	}
	if err := s.MarkSeen(ctx, "global", []string{"x"}); err != nil {
		t.Fatalf("MarkSeen() error = %v", err)
	}

	deleted, err := s.Prune(ctx, time.Unix(600, 0))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("Prune() = %d, want 1", deleted)
	}

	left, err := s.EventsBefore(ctx, "global", 10_000, 10)
	if err != nil {
		t.Fatalf("EventsBefore() error = %v", err)
	}
	if len(left) != 1 || left[0].CreatedAt != 900 {
		t.Errorf("remaining = %v, want only the event at 900", left)
	}

	ids, _ := s.SeenIDs(ctx, "global")
	if len(ids) != 0 {
		t.Errorf("SeenIDs after prune = %v, want empty", ids)
	}
}
