// Package note defines the event, note and trust records that flow through the feed pipeline.
package note

import (
	"math"

	"github.com/nbd-wtf/go-nostr"

	"github.com/hpungsan/notefeed/internal/errors"
)

// Event is an immutable signed record received from a relay.
type Event = nostr.Event

// Event kinds the pipeline handles.
const (
	KindMetadata    = 0
	KindTextNote    = 1
	KindContactList = 3
	KindRepost      = 6
)

// FeedKinds are the kinds rendered as feed items.
var FeedKinds = []int{KindTextNote, KindRepost}

// Unreachable is the graph distance of an author outside the trust graph.
const Unreachable = math.MaxInt32

// TrustRecord holds the trust data computed for one author.
// Scored distinguishes a real result (possibly zero trust) from the placeholder.
type TrustRecord struct {
	Score     float64 `json:"score"`
	Distance  int     `json:"distance"`
	Trusted   bool    `json:"trusted"`
	PathCount int     `json:"path_count"`
	Scored    bool    `json:"scored"`
}

// Placeholder returns the unscored default record. It is safe to overwrite later.
func Placeholder() TrustRecord {
	return TrustRecord{Distance: Unreachable}
}

// Untrusted returns a real zero-trust result.
func Untrusted() TrustRecord {
	return TrustRecord{Distance: Unreachable, Scored: true}
}

// IsPlaceholder reports whether r has never been scored.
func (r TrustRecord) IsPlaceholder() bool {
	return !r.Scored
}

// Reachable reports whether the author has a finite graph distance.
func (r TrustRecord) Reachable() bool {
	return r.Distance >= 0 && r.Distance < Unreachable
}

// Note is an Event plus derived trust and ranking fields.
// Its identity is the event id. Trust fields change only through ApplyTrust.
type Note struct {
	Event *Event

	TrustScore    float64
	Distance      int
	Trusted       bool
	PathCount     int
	Scored        bool
	CombinedScore float64
	ReplyTarget   string
}

// FromEvent wraps ev into a Note using whatever trust record is known right now.
// Malformed events are rejected so the caller can skip just that item.
func FromEvent(ev *Event, rec TrustRecord) (*Note, error) {
	if ev == nil {
		return nil, errors.NewInvalidRequest("nil event")
	}
	if ev.ID == "" || ev.PubKey == "" {
		return nil, errors.NewInvalidRequest("event missing id or pubkey")
	}
	target, err := ReplyTarget(ev.Tags)
	if err != nil {
		return nil, err
	}

	n := &Note{
		Event:       ev,
		Distance:    Unreachable,
		ReplyTarget: target,
	}
	n.ApplyTrust(rec)
	return n, nil
}

// ID returns the event id.
func (n *Note) ID() string { return n.Event.ID }

// Author returns the event pubkey.
func (n *Note) Author() string { return n.Event.PubKey }

// CreatedAt returns the author-supplied timestamp in unix seconds.
func (n *Note) CreatedAt() int64 { return int64(n.Event.CreatedAt) }

// ApplyTrust copies rec into the note's trust fields.
// A placeholder never overwrites a scored note. Returns true if anything changed.
func (n *Note) ApplyTrust(rec TrustRecord) bool {
	if rec.IsPlaceholder() && n.Scored {
		return false
	}
	if n.Scored == rec.Scored &&
		n.TrustScore == rec.Score &&
		n.Distance == rec.Distance &&
		n.Trusted == rec.Trusted &&
		n.PathCount == rec.PathCount {
		return false
	}
	n.TrustScore = rec.Score
	n.Distance = rec.Distance
	n.Trusted = rec.Trusted
	n.PathCount = rec.PathCount
	n.Scored = rec.Scored
	return true
}

// Trust returns the note's trust fields as a record.
func (n *Note) Trust() TrustRecord {
	return TrustRecord{
		Score:     n.TrustScore,
		Distance:  n.Distance,
		Trusted:   n.Trusted,
		PathCount: n.PathCount,
		Scored:    n.Scored,
	}
}
