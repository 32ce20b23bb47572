package mcp

import "github.com/mark3labs/mcp-go/mcp"

var feedPageToolDef = mcp.NewTool("feed_page",
	mcp.WithDescription("Return the next page of the ranked feed. Notes already returned in this generation are skipped; call feed_refresh to start over."),
	mcp.WithNumber("limit", mcp.Description("Maximum notes to return (default 20, max 100)"), mcp.Min(1), mcp.Max(100)),
)

var feedRefreshToolDef = mcp.NewTool("feed_refresh",
	mcp.WithDescription("Flush buffered live notes and start a new feed generation with a fresh ranking."),
)

var feedModeToolDef = mcp.NewTool("feed_mode",
	mcp.WithDescription("Switch the feed between notes from followed authors and the global firehose."),
	mcp.WithString("mode", mcp.Required(), mcp.Enum("following", "global"), mcp.Description("Feed mode")),
)

var trustLookupToolDef = mcp.NewTool("trust_lookup",
	mcp.WithDescription("Score authors against the trust graph and return distance, score and display name."),
	mcp.WithArray("pubkeys", mcp.Required(), mcp.Items(map[string]any{"type": "string"}),
		mcp.Description("Hex pubkeys to look up (max 100)")),
)

var relayHealthToolDef = mcp.NewTool("relay_health",
	mcp.WithDescription("Report success ratio, latency and backoff state of every configured relay."),
)

var storePruneToolDef = mcp.NewTool("store_prune",
	mcp.WithDescription("Delete stored events older than the given age."),
	mcp.WithString("older_than", mcp.Required(), mcp.Description(`Age such as "30d", "12h" or "90m"; a bare number is days`)),
)

var notePublishToolDef = mcp.NewTool("note_publish",
	mcp.WithDescription("Publish a pre-signed event to the configured relays and apply it to the local feed."),
	mcp.WithObject("event", mcp.Required(), mcp.Description("Signed event with id, pubkey, created_at, kind, tags, content and sig")),
)
