// Package middleware provides MCP protocol-level middleware for the options
// server.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const methodToolsCall = "tools/call"

// ToolLogging creates middleware that logs every tool call with its
// duration and outcome. Other MCP methods pass through untouched.
func ToolLogging(logger *slog.Logger) mcp.Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			if method != methodToolsCall {
				return next(ctx, method, req)
			}

			start := time.Now()
			result, err := next(ctx, method, req)
			elapsed := time.Since(start)

			attrs := []any{
				"tool", toolName(req),
				"duration_ms", elapsed.Milliseconds(),
			}
			switch {
			case err != nil:
				logger.Error("tool call failed", append(attrs, "error", err)...)
			case isErrorResult(result):
				logger.Warn("tool call returned error result", attrs...)
			default:
				logger.Info("tool call completed", attrs...)
			}

			return result, err
		}
	}
}

// toolName extracts the tool name from a tools/call request.
func toolName(req mcp.Request) string {
	params, ok := req.GetParams().(*mcp.CallToolParamsRaw)
	if !ok || params == nil {
		return "unknown"
	}
	return params.Name
}

// isErrorResult reports whether a tool handler produced an IsError result.
func isErrorResult(result mcp.Result) bool {
	ctr, ok := result.(*mcp.CallToolResult)
	return ok && ctr.IsError
}
