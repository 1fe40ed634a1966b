// Package server assembles the MCP server from its components.
package server

import (
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-ibkr-options/pkg/chain"
	"github.com/txn2/mcp-ibkr-options/pkg/middleware"
	"github.com/txn2/mcp-ibkr-options/pkg/session"
	"github.com/txn2/mcp-ibkr-options/pkg/tools"
)

// Name is the MCP implementation name advertised to clients.
const Name = "mcp-ibkr-options"

// Version is set at build time via -ldflags.
var Version = "dev"

// New builds an MCP server with the options toolkit registered.
func New(registry *session.Registry, fetcher *chain.Fetcher, sessionTimeout time.Duration, logger *slog.Logger) *mcp.Server {
	s := mcp.NewServer(&mcp.Implementation{
		Name:    Name,
		Version: Version,
	}, nil)

	tk := tools.NewToolkit(registry, fetcher, sessionTimeout, logger)
	tk.RegisterTools(s)

	s.AddReceivingMiddleware(middleware.ToolLogging(logger.With("component", "mcp")))

	return s
}
