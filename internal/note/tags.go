package note

import (
	"github.com/nbd-wtf/go-nostr"

	"github.com/hpungsan/notefeed/internal/errors"
)

// ReplyTarget derives the event a note replies to from its tags.
// Preference: the "e" tag marked reply, then the one marked root, then the last unmarked "e" tag.
// Empty tag entries or "e" tags without a value are malformed.
func ReplyTarget(tags nostr.Tags) (string, error) {
	var reply, root, positional string
	for _, tag := range tags {
		if len(tag) == 0 {
			return "", errors.NewInvalidRequest("empty tag entry")
		}
		if tag[0] != "e" {
			continue
		}
		if len(tag) < 2 || tag[1] == "" {
			return "", errors.NewInvalidRequest("e tag without event id")
		}
		marker := ""
		if len(tag) >= 4 {
			marker = tag[3]
		}
		switch marker {
		case "reply":
			reply = tag[1]
		case "root":
			root = tag[1]
		case "mention":
		default:
			positional = tag[1]
		}
	}

	switch {
	case reply != "":
		return reply, nil
	case root != "":
		return root, nil
	default:
		return positional, nil
	}
}

// PubkeysFromContactList returns the "p" tag values of a contact list event, in order, without duplicates.
func PubkeysFromContactList(ev *Event) []string {
	if ev == nil || ev.Kind != KindContactList {
		return nil
	}
	seen := make(map[string]bool)
	out := make([]string, 0, len(ev.Tags))
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "p" {
			continue
		}
		pk := NormalizePubkey(tag[1])
		if pk == "" || seen[pk] {
			continue
		}
		seen[pk] = true
		out = append(out, pk)
	}
	return out
}
