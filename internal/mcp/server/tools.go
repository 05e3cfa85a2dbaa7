package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/borealdata/icebridge/internal/bridge"
	"github.com/borealdata/icebridge/internal/mcp/server/metrics"
)

// ToolOutput is the uniform result shape shared by all tools. Failures are
// reported inside the output with a structured error instead of a protocol
// error, so the calling agent can read the kind and reason and adjust.
type ToolOutput struct {
	Success   bool              `json:"success"`
	Columns   []string          `json:"columns,omitempty"`
	Rows      []map[string]any  `json:"rows,omitempty"`
	Count     int               `json:"count,omitempty"`
	Data      map[string]any    `json:"data,omitempty"`
	Statement string            `json:"statement,omitempty"`
	Error     *bridge.ErrorInfo `json:"error,omitempty"`
}

func toOutput(res bridge.Result) ToolOutput {
	out := ToolOutput{
		Success:   res.Success,
		Statement: res.Statement,
		Error:     res.Error,
	}
	if res.Rows != nil {
		out.Columns = res.Rows.Columns
		out.Rows = res.Rows.Rows
		out.Count = res.Rows.Count
	}
	if len(res.Data) > 0 {
		var data map[string]any
		if err := json.Unmarshal(res.Data, &data); err != nil {
			data = map[string]any{"raw": string(res.Data)}
		}
		out.Data = data
	}
	return out
}

// structToParams flattens a typed tool input into the dispatcher's parameter
// map through its json tags.
func structToParams(in any) map[string]any {
	data, err := json.Marshal(in)
	if err != nil {
		return nil
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return nil
	}
	return params
}

// registerTool wires one typed tool onto the MCP server, instrumented and
// routed through the dispatcher.
func registerTool[In any](log *slog.Logger, server *mcp.Server, dispatcher *bridge.Dispatcher, name, description string, build func(In) bridge.Request) error {
	req, err := jsonschema.For[In](nil)
	if err != nil {
		return fmt.Errorf("failed to create %s input schema: %w", name, err)
	}
	res, err := jsonschema.For[ToolOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create %s output schema: %w", name, err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:         name,
		Description:  description,
		InputSchema:  req,
		OutputSchema: res,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input In) (*mcp.CallToolResult, ToolOutput, error) {
		startTime := time.Now()
		log.Debug("mcp/tool: handling call", "tool", name)

		result := dispatcher.Invoke(ctx, build(input))
		duration := time.Since(startTime).Seconds()

		status := "success"
		if !result.Success {
			status = "error"
			if result.Error != nil {
				metrics.ToolErrorsTotal.WithLabelValues(name, string(result.Error.Kind)).Inc()
			}
		}
		metrics.ToolCallsTotal.WithLabelValues(name, status).Inc()
		metrics.ToolCallDuration.WithLabelValues(name).Observe(duration)

		return nil, toOutput(result), nil
	})
	return nil
}
