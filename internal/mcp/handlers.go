package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/nbd-wtf/go-nostr"

	"github.com/hpungsan/notefeed/internal/errors"
	"github.com/hpungsan/notefeed/internal/ops"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	session *ops.Session
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(session *ops.Session) *Handlers {
	return &Handlers{session: session}
}

// Request types for each tool

// FeedPageRequest represents the arguments for feed_page.
type FeedPageRequest struct {
	Limit int `json:"limit,omitempty"`
}

// FeedModeRequest represents the arguments for feed_mode.
type FeedModeRequest struct {
	Mode string `json:"mode"`
}

// TrustLookupRequest represents the arguments for trust_lookup.
type TrustLookupRequest struct {
	Pubkeys []string `json:"pubkeys"`
}

// StorePruneRequest represents the arguments for store_prune.
type StorePruneRequest struct {
	OlderThan string `json:"older_than"`
}

// NotePublishRequest represents the arguments for note_publish.
type NotePublishRequest struct {
	Event *nostr.Event `json:"event"`
}

// Handler implementations

// HandleFeedPage handles the feed_page tool call.
func (h *Handlers) HandleFeedPage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[FeedPageRequest](req)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := h.session.FeedPage(ctx, ops.FeedPageInput{Limit: input.Limit})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleFeedRefresh handles the feed_refresh tool call.
func (h *Handlers) HandleFeedRefresh(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := h.session.Refresh(ctx)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleFeedMode handles the feed_mode tool call.
func (h *Handlers) HandleFeedMode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[FeedModeRequest](req)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := h.session.SetMode(ctx, ops.SetModeInput{Mode: input.Mode})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleTrustLookup handles the trust_lookup tool call.
func (h *Handlers) HandleTrustLookup(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TrustLookupRequest](req)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := h.session.TrustLookup(ctx, ops.TrustLookupInput{Pubkeys: input.Pubkeys})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleRelayHealth handles the relay_health tool call.
func (h *Handlers) HandleRelayHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := h.session.RelayHealth(ctx)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleStorePrune handles the store_prune tool call.
func (h *Handlers) HandleStorePrune(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[StorePruneRequest](req)
	if err != nil {
		return errorResult(err), nil
	}

	age, err := ops.ParseAge(input.OlderThan)
	if err != nil {
		return errorResult(err), nil
	}

	result, err := h.session.Prune(ctx, ops.PruneInput{OlderThan: age})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleNotePublish handles the note_publish tool call.
func (h *Handlers) HandleNotePublish(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[NotePublishRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	if input.Event == nil {
		return errorResult(errors.NewInvalidRequest("event is required")), nil
	}

	result, err := h.session.Publish(ctx, ops.PublishInput{Event: *input.Event})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Internal error details are not exposed.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	if feedErr, ok := errors.As(err); ok {
		errorObj := map[string]any{
			"code":    feedErr.Code,
			"message": feedErr.Message,
			"status":  feedErr.Status,
		}
		if feedErr.Code != errors.ErrInternal && feedErr.Details != nil {
			errorObj["details"] = feedErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
