package web

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/nbd-wtf/go-nostr"

	"github.com/hpungsan/notefeed/internal/errors"
	"github.com/hpungsan/notefeed/internal/ops"
)

// Handlers contains HTTP route handlers for the feed API.
type Handlers struct {
	session *ops.Session
	version string
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	relays, err := h.session.RelayHealth(r.Context())
	if err != nil {
		renderError(w, err)
		return
	}
	status := http.StatusOK
	if !relays.Ready {
		status = http.StatusServiceUnavailable
	}
	renderJSON(w, status, map[string]any{
		"version": h.version,
		"session": h.session.ID(),
		"ready":   relays.Ready,
		"feed":    h.session.Feed().Stats(),
	})
}

// HandleFeedPage handles GET /feed: the next page of unseen notes.
func (h *Handlers) HandleFeedPage(w http.ResponseWriter, r *http.Request) {
	limit, err := parseIntParam(r, "limit")
	if err != nil {
		renderError(w, err)
		return
	}

	result, err := h.session.FeedPage(r.Context(), ops.FeedPageInput{Limit: limit})
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleRefresh handles POST /feed/refresh.
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	result, err := h.session.Refresh(r.Context())
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

type setModeBody struct {
	Mode string `json:"mode"`
}

// HandleSetMode handles PUT /feed/mode.
func (h *Handlers) HandleSetMode(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[setModeBody](w, r)
	if err != nil {
		renderError(w, err)
		return
	}

	result, err := h.session.SetMode(r.Context(), ops.SetModeInput{Mode: body.Mode})
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

type trustLookupBody struct {
	Pubkeys []string `json:"pubkeys"`
}

// HandleTrustLookup handles POST /trust: batch lookup.
func (h *Handlers) HandleTrustLookup(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[trustLookupBody](w, r)
	if err != nil {
		renderError(w, err)
		return
	}

	result, err := h.session.TrustLookup(r.Context(), ops.TrustLookupInput{Pubkeys: body.Pubkeys})
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleTrustOne handles GET /trust/{pubkey}.
func (h *Handlers) HandleTrustOne(w http.ResponseWriter, r *http.Request) {
	result, err := h.session.TrustLookup(r.Context(), ops.TrustLookupInput{Pubkeys: []string{chi.URLParam(r, "pubkey")}})
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{
		"strategy": result.Strategy,
		"result":   result.Results[0],
	})
}

// HandleRelayHealth handles GET /relays.
func (h *Handlers) HandleRelayHealth(w http.ResponseWriter, r *http.Request) {
	result, err := h.session.RelayHealth(r.Context())
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

type pruneBody struct {
	OlderThan string `json:"older_than"`
}

// HandlePrune handles POST /store/prune.
func (h *Handlers) HandlePrune(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody[pruneBody](w, r)
	if err != nil {
		renderError(w, err)
		return
	}
	age, err := ops.ParseAge(body.OlderThan)
	if err != nil {
		renderError(w, err)
		return
	}

	result, err := h.session.Prune(r.Context(), ops.PruneInput{OlderThan: age})
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandlePublish handles POST /events: publish a pre-signed event.
func (h *Handlers) HandlePublish(w http.ResponseWriter, r *http.Request) {
	ev, err := decodeBody[nostr.Event](w, r)
	if err != nil {
		renderError(w, err)
		return
	}

	result, err := h.session.Publish(r.Context(), ops.PublishInput{Event: ev})
	if err != nil {
		renderError(w, err)
		return
	}
	renderJSON(w, http.StatusAccepted, result)
}

// parseIntParam parses an optional integer query parameter; absent is 0.
func parseIntParam(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.NewInvalidRequest(name + " must be an integer")
	}
	return v, nil
}
