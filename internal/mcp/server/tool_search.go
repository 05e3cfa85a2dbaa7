package server

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/borealdata/icebridge/internal/bridge"
	"github.com/borealdata/icebridge/internal/catalog"
)

type SearchInput struct {
	// Query is the natural language search text.
	Query string `json:"query"`
	// Columns restricts the returned columns to a subset of those declared
	// for the service.
	Columns []string `json:"columns,omitempty"`
	// Filter is a service filter expression, e.g. {"@eq": {"lang": "en"}}.
	Filter map[string]any `json:"filter,omitempty"`
	// Limit caps the result count, up to the service's configured maximum.
	Limit int `json:"limit,omitempty"`
}

// RegisterSearchTool exposes one cataloged semantic search service as a tool
// named after the service.
func RegisterSearchTool(log *slog.Logger, server *mcp.Server, dispatcher *bridge.Dispatcher, svc *catalog.SearchService) error {
	description := fmt.Sprintf(`
			PURPOSE:
			%s

			Semantic search over %s.%s. Returns the most relevant documents
			for a natural language query as JSON.

			USAGE RULES:
			- Phrase the query as the information need, not as SQL.
			- Available columns: %s.
			- The result count is capped at %d.
		`,
		svc.Description, svc.Database, svc.Schema,
		strings.Join(svc.Columns, ", "), svc.Limit)

	name := svc.ServiceName
	return registerTool(log, server, dispatcher, name, description,
		func(in SearchInput) bridge.Request {
			params := map[string]any{"query": in.Query}
			if len(in.Columns) > 0 {
				params["columns"] = in.Columns
			}
			if in.Filter != nil {
				params["filter"] = in.Filter
			}
			if in.Limit > 0 {
				params["limit"] = in.Limit
			}
			return bridge.Request{Tool: name, Params: params}
		})
}
