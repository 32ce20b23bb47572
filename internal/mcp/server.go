package mcp

import (
	"context"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/hpungsan/notefeed/internal/config"
	"github.com/hpungsan/notefeed/internal/logging"
	"github.com/hpungsan/notefeed/internal/ops"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"feed_page": {
		def:     feedPageToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleFeedPage },
	},
	"feed_refresh": {
		def:     feedRefreshToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleFeedRefresh },
	},
	"feed_mode": {
		def:     feedModeToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleFeedMode },
	},
	"trust_lookup": {
		def:     trustLookupToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleTrustLookup },
	},
	"relay_health": {
		def:     relayHealthToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleRelayHealth },
	},
	"store_prune": {
		def:     storePruneToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleStorePrune },
	},
	"note_publish": {
		def:     notePublishToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleNotePublish },
	},
}

// AllToolNames returns every tool name, sorted.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates a new MCP server with the feed tools registered.
// Tools listed in cfg.DisabledTools are excluded from registration.
func NewServer(session *ops.Session, cfg *config.Config, version string, logger *zap.Logger) *server.MCPServer {
	logger = logging.OrNop(logger).Named("mcp")
	s := server.NewMCPServer(
		"notefeed",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(session)

	disabled := make(map[string]bool, len(cfg.DisabledTools))
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}
	if unknown := ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		logger.Warn("unknown tools in disabled_tools", zap.Strings("tools", unknown))
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run starts the MCP server using stdio transport.
func Run(session *ops.Session, cfg *config.Config, version string, logger *zap.Logger) error {
	s := NewServer(session, cfg, version, logger)
	return server.ServeStdio(s)
}

// ToolHandlerFunc is the signature for tool handlers.
type ToolHandlerFunc func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
