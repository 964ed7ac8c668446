package tool

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mako10k/shell-server-sub000/internal/common/logger"
	"go.uber.org/zap"
)

// NewMCPServer wraps dispatcher's four tools behind an mcp-go server, so
// the same execute/read_output/list_executions/kill surface the daemon's
// "tool" action exposes is also reachable over MCP; HTTPServer serves it
// over SSE and Streamable HTTP.
func NewMCPServer(dispatcher *Dispatcher, log *logger.Logger) *server.MCPServer {
	log = log.WithFields(zap.String("component", "mcp"))
	s := server.NewMCPServer("shellbroker-mcp", "1.0.0", server.WithToolCapabilities(true))

	s.AddTool(
		mcp.NewTool(string(ToolExecute),
			mcp.WithDescription("Run a shell command in foreground, adaptive, background, or detached mode"),
			mcp.WithString("command", mcp.Required(), mcp.Description("The shell command line to run")),
			mcp.WithString("mode", mcp.Required(), mcp.Description("foreground, adaptive, background, or detached")),
			mcp.WithString("working_directory", mcp.Description("Working directory; defaults to the broker's configured default")),
			mcp.WithString("input_data", mcp.Description("Literal stdin content")),
			mcp.WithString("input_output_id", mcp.Description("OutputID of a prior execution to pipe in as stdin")),
			mcp.WithNumber("timeout_seconds", mcp.Description("Hard timeout in seconds")),
			mcp.WithNumber("foreground_timeout_seconds", mcp.Description("Adaptive mode's foreground window in seconds")),
			mcp.WithNumber("max_output_size", mcp.Description("Capture ceiling in bytes before truncation")),
			mcp.WithBoolean("capture_stderr", mcp.Description("Capture stderr alongside stdout")),
		),
		proxyHandler(dispatcher, log, ToolExecute),
	)

	s.AddTool(
		mcp.NewTool(string(ToolReadOutput),
			mcp.WithDescription("Read a byte range of a persisted execution output artifact"),
			mcp.WithString("output_id", mcp.Required(), mcp.Description("OutputID returned by a prior execute call")),
			mcp.WithNumber("offset", mcp.Description("Byte offset to start reading from")),
			mcp.WithNumber("size", mcp.Description("Maximum bytes to read")),
		),
		proxyHandler(dispatcher, log, ToolReadOutput),
	)

	s.AddTool(
		mcp.NewTool(string(ToolListExecutions),
			mcp.WithDescription("List tracked executions, optionally filtered by status"),
			mcp.WithString("status", mcp.Description("running, completed, failed, or timeout")),
		),
		proxyHandler(dispatcher, log, ToolListExecutions),
	)

	s.AddTool(
		mcp.NewTool(string(ToolKill),
			mcp.WithDescription("Terminate a running execution's process group"),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("ExecutionID to terminate")),
			mcp.WithBoolean("force", mcp.Description("Escalate to SIGKILL if the process outlives the grace period")),
		),
		proxyHandler(dispatcher, log, ToolKill),
	)

	return s
}

// proxyHandler re-serializes an mcp-go call's arguments to JSON and routes
// it through the same Dispatch entry point the daemon's "tool" action uses,
// so both surfaces share one implementation per tool.
func proxyHandler(dispatcher *Dispatcher, log *logger.Logger, name Name) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		result, err := dispatcher.Dispatch(ctx, string(name), raw)
		if err != nil {
			log.Warn("tool call failed", zap.String("tool", string(name)), zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		body, err := json.Marshal(result)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}
