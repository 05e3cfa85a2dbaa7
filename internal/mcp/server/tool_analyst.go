package server

import (
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/borealdata/icebridge/internal/bridge"
	"github.com/borealdata/icebridge/internal/catalog"
)

type AnalystInput struct {
	// Query is the natural language question to answer from the service's
	// semantic model.
	Query string `json:"query"`
}

// RegisterAnalystTool exposes one cataloged analyst service as a tool named
// after the service.
func RegisterAnalystTool(log *slog.Logger, server *mcp.Server, dispatcher *bridge.Dispatcher, svc *catalog.AnalystService) error {
	description := fmt.Sprintf(`
			PURPOSE:
			%s

			Ask a natural language question against the %s semantic model.
			The response includes generated SQL and an explanation.

			USAGE RULES:
			- Ask one question per call.
			- Questions must be answerable from the semantic model's metrics
			  and dimensions.
		`,
		svc.Description, svc.SemanticModel)

	name := svc.ServiceName
	return registerTool(log, server, dispatcher, name, description,
		func(in AnalystInput) bridge.Request {
			return bridge.Request{Tool: name, Params: map[string]any{"query": in.Query}}
		})
}
