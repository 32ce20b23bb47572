package note

import (
	"encoding/json"
	"fmt"

	"github.com/hpungsan/notefeed/internal/errors"
)

// Profile is the parsed metadata (kind 0) of an author.
type Profile struct {
	PubKey      string `json:"pubkey"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	About       string `json:"about,omitempty"`
	Picture     string `json:"picture,omitempty"`
	NIP05       string `json:"nip05,omitempty"`
	UpdatedAt   int64  `json:"updated_at"`
}

// ParseProfile decodes a metadata event. Invalid payloads are returned as errors
// so callers can skip the single item.
func ParseProfile(ev *Event) (Profile, error) {
	if ev == nil || ev.Kind != KindMetadata {
		return Profile{}, errors.NewInvalidRequest("not a metadata event")
	}
	var body struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		About       string `json:"about"`
		Picture     string `json:"picture"`
		NIP05       string `json:"nip05"`
	}
	if err := json.Unmarshal([]byte(ev.Content), &body); err != nil {
		return Profile{}, errors.NewInvalidRequest(fmt.Sprintf("invalid profile payload: %v", err))
	}
	return Profile{
		PubKey:      ev.PubKey,
		Name:        body.Name,
		DisplayName: body.DisplayName,
		About:       body.About,
		Picture:     body.Picture,
		NIP05:       body.NIP05,
		UpdatedAt:   int64(ev.CreatedAt),
	}, nil
}
