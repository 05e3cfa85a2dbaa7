package server

import (
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/borealdata/icebridge/internal/bridge"
)

// RegisterSemanticTools exposes discovery and querying of semantic views, the
// warehouse's governed metric definitions.
func RegisterSemanticTools(log *slog.Logger, server *mcp.Server, dispatcher *bridge.Dispatcher) error {
	err := registerTool(log, server, dispatcher, bridge.ToolListSemanticViews, `
			PURPOSE:
			List the semantic views defined in a schema.

			USAGE RULES:
			- pattern is a SQL LIKE pattern, e.g. "rev%".
			- Use query_semantic_view to read metrics from a listed view.
		`,
		func(in bridge.ListSemanticViewsInput) bridge.Request {
			return bridge.Request{Tool: bridge.ToolListSemanticViews, Params: structToParams(in)}
		})
	if err != nil {
		return err
	}

	return registerTool(log, server, dispatcher, bridge.ToolQuerySemanticView, `
			PURPOSE:
			Query metrics and dimensions from a semantic view.

			USAGE RULES:
			- At least one metric or dimension is required. Elements may be
			  qualified as table.element.
			- Apply limit to keep result sets small.
		`,
		func(in bridge.QuerySemanticViewInput) bridge.Request {
			return bridge.Request{Tool: bridge.ToolQuerySemanticView, Params: structToParams(in)}
		})
}
