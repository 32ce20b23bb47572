package ops

import (
	"context"
	"slices"

	"github.com/nbd-wtf/go-nostr"

	"github.com/hpungsan/notefeed/internal/errors"
	"github.com/hpungsan/notefeed/internal/feed"
	"github.com/hpungsan/notefeed/internal/note"
)

// PublishInput contains a pre-signed event.
type PublishInput struct {
	Event nostr.Event
}

// PublishOutput contains the result of the Publish operation.
type PublishOutput struct {
	ID       string `json:"id"`
	Ingested bool   `json:"ingested"`
}

// Publish verifies and sends a signed event, then applies it locally: feed
// kinds enter the feed, metadata updates the profile cache, and the reference
// identity's contact list replaces the follow set.
func (s *Session) Publish(ctx context.Context, input PublishInput) (*PublishOutput, error) {
	ev := input.Event
	if ev.ID == "" || ev.PubKey == "" || ev.Sig == "" {
		return nil, errors.NewInvalidRequest("event must carry id, pubkey and sig")
	}
	if ev.GetID() != ev.ID {
		return nil, errors.NewInvalidRequest("event id does not match its content")
	}
	ok, err := ev.CheckSignature()
	if err != nil || !ok {
		return nil, errors.NewInvalidRequest("invalid event signature")
	}

	if err := s.pool.Publish(ctx, s.pool.URLs(), ev); err != nil {
		return nil, errors.NewQueryFailed(err)
	}

	out := &PublishOutput{ID: ev.ID}
	switch {
	case slices.Contains(note.FeedKinds, ev.Kind):
		added := s.feed.Ingest(ctx, &ev)
		out.Ingested = len(added) > 0
		if out.Ingested {
			s.scheduleScore()
		}
	case ev.Kind == note.KindMetadata:
		out.Ingested = s.profiles.Ingest(ctx, &ev)
	case ev.Kind == note.KindContactList && ev.PubKey == note.NormalizePubkey(s.Config().ReferencePubkey):
		s.feed.SetFollows(note.PubkeysFromContactList(&ev))
		out.Ingested = true
		if s.feed.Mode() == feed.ModeFollowing {
			if err := s.resubscribeIfStarted(); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (s *Session) resubscribeIfStarted() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	return s.subscribe()
}
