package server

import (
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/borealdata/icebridge/internal/bridge"
	"github.com/borealdata/icebridge/internal/warehouse"
)

type QueryInput struct {
	// Statement is the SQL text to execute.
	Statement string `json:"statement"`
	// Limit caps the row count of SELECT statements that carry no LIMIT.
	Limit int `json:"limit,omitempty"`

	Warehouse string `json:"warehouse,omitempty"`
	Database  string `json:"database,omitempty"`
	Schema    string `json:"schema,omitempty"`
	Role      string `json:"role,omitempty"`
}

func RegisterQueryTool(log *slog.Logger, server *mcp.Server, dispatcher *bridge.Dispatcher) error {
	return registerTool(log, server, dispatcher, bridge.ToolRunQuery, `
			PURPOSE:
			Execute a SQL statement against the data warehouse.

			USAGE RULES:
			- Statements are classified by kind (select, create, drop, ...) and
			  checked against the operator's permission policy before execution.
			  A denied statement returns a policy_denied error naming the kind.
			- Prefer single, well-constructed queries that return summarized
			  results. Aggregate with GROUP BY and apply LIMIT to keep result
			  sets small.
			- Set warehouse, database, schema, or role to override the session
			  defaults for this statement only.
		`,
		func(in QueryInput) bridge.Request {
			return bridge.Request{
				Tool: bridge.ToolRunQuery,
				SQL:  in.Statement,
				Params: map[string]any{
					"limit": in.Limit,
				},
				Session: warehouse.Params{
					Warehouse: in.Warehouse,
					Database:  in.Database,
					Schema:    in.Schema,
					Role:      in.Role,
				},
			}
		})
}
