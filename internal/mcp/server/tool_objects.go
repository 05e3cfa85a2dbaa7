package server

import (
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/borealdata/icebridge/internal/bridge"
)

// RegisterObjectTools exposes the structured object-management tools. Each
// tool generates statement text from validated parameters and routes it
// through the same classification and policy gate as hand-written SQL.
func RegisterObjectTools(log *slog.Logger, server *mcp.Server, dispatcher *bridge.Dispatcher) error {
	err := registerTool(log, server, dispatcher, bridge.ToolCreateObject, `
			PURPOSE:
			Create a table in the data warehouse from a structured column list.

			USAGE RULES:
			- database_name, schema_name, name, and at least one column are
			  required. Column types use warehouse SQL type syntax.
			- Set or_replace to replace an existing table of the same name.
			- Subject to the operator's permission policy for create statements.
		`,
		func(in bridge.CreateObjectInput) bridge.Request {
			return bridge.Request{Tool: bridge.ToolCreateObject, Params: structToParams(in)}
		})
	if err != nil {
		return err
	}

	err = registerTool(log, server, dispatcher, bridge.ToolDropObject, `
			PURPOSE:
			Drop a table from the data warehouse.

			USAGE RULES:
			- Set if_exists to avoid an error when the table is already gone.
			- Subject to the operator's permission policy for drop statements.
		`,
		func(in bridge.DropObjectInput) bridge.Request {
			return bridge.Request{Tool: bridge.ToolDropObject, Params: structToParams(in)}
		})
	if err != nil {
		return err
	}

	err = registerTool(log, server, dispatcher, bridge.ToolDescribeObject, `
			PURPOSE:
			Describe a table's columns and types.
		`,
		func(in bridge.DescribeObjectInput) bridge.Request {
			return bridge.Request{Tool: bridge.ToolDescribeObject, Params: structToParams(in)}
		})
	if err != nil {
		return err
	}

	err = registerTool(log, server, dispatcher, bridge.ToolListObjects, `
			PURPOSE:
			List tables (or all objects, with include_views) in a schema.

			USAGE RULES:
			- pattern is a SQL LIKE pattern, e.g. "ord%".
		`,
		func(in bridge.ListObjectsInput) bridge.Request {
			return bridge.Request{Tool: bridge.ToolListObjects, Params: structToParams(in)}
		})
	if err != nil {
		return err
	}

	err = registerTool(log, server, dispatcher, bridge.ToolListDatabases, `
			PURPOSE:
			List databases visible to the configured role. Use this first when
			you do not know which database holds the data you need.

			USAGE RULES:
			- pattern is an optional SQL LIKE pattern, e.g. "sales%".
		`,
		func(in bridge.ListDatabasesInput) bridge.Request {
			return bridge.Request{Tool: bridge.ToolListDatabases, Params: structToParams(in)}
		})
	if err != nil {
		return err
	}

	return registerTool(log, server, dispatcher, bridge.ToolListSchemas, `
			PURPOSE:
			List schemas in a database.

			USAGE RULES:
			- database_name is required; pattern is an optional SQL LIKE pattern.
		`,
		func(in bridge.ListSchemasInput) bridge.Request {
			return bridge.Request{Tool: bridge.ToolListSchemas, Params: structToParams(in)}
		})
}
