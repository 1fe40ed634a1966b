// Package tools provides the MCP tool surface of the options server:
// session lifecycle, price lookup, option chain fetching, and monitoring.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-ibkr-options/pkg/chain"
	"github.com/txn2/mcp-ibkr-options/pkg/session"
)

// Toolkit wires the session registry and chain fetcher into MCP tools.
type Toolkit struct {
	registry *session.Registry
	fetcher  *chain.Fetcher

	// sessionTimeout is only used in user-facing messages.
	sessionTimeout time.Duration

	logger *slog.Logger
}

// NewToolkit creates the toolkit.
func NewToolkit(registry *session.Registry, fetcher *chain.Fetcher, sessionTimeout time.Duration, logger *slog.Logger) *Toolkit {
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolkit{
		registry:       registry,
		fetcher:        fetcher,
		sessionTimeout: sessionTimeout,
		logger:         logger,
	}
}

// RegisterTools registers all tools with the MCP server.
func (t *Toolkit) RegisterTools(s *mcp.Server) {
	mcp.AddTool(s, &mcp.Tool{
		Name: "create_session",
		Description: "Create a new market-data session. This must be called first; " +
			"the returned session_id is required by the data tools.",
	}, t.handleCreateSession)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "delete_session",
		Description: "Delete an existing session and clean up its feed connection.",
	}, t.handleDeleteSession)

	mcp.AddTool(s, &mcp.Tool{
		Name: "get_underlying_price",
		Description: "Get the current price of an underlying symbol. Tries the " +
			"quote source first, falling back to feed market data.",
	}, t.handleUnderlyingPrice)

	mcp.AddTool(s, &mcp.Tool{
		Name: "fetch_option_chain",
		Description: "Fetch option chain data for a symbol, including bid/ask, " +
			"volume, open interest, and Greeks.",
	}, t.handleFetchChain)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "get_session_stats",
		Description: "Get statistics about all active sessions, including connection status and last access times.",
	}, t.handleSessionStats)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "health_check",
		Description: "Check the health of the server and, optionally, of one session's feed connection.",
	}, t.handleHealthCheck)
}

// Close releases toolkit resources. The registry's lifecycle is owned by
// the caller, so this is currently a no-op.
func (t *Toolkit) Close() error {
	return nil
}

// jsonResult renders v as indented JSON text content.
func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errResult("encoding result: %v", err), nil, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

// errResult renders a tool failure. Per the MCP protocol, tool errors are
// reported in the result, not as Go errors.
func errResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "Error: " + fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

// invalidSession is the uniform InvalidSession failure.
func invalidSession(id string) *mcp.CallToolResult {
	return errResult("invalid or expired session: %s. Create a new session first.", id)
}

type createSessionInput struct{}

type createSessionOutput struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func (t *Toolkit) handleCreateSession(_ context.Context, _ *mcp.CallToolRequest, _ createSessionInput) (*mcp.CallToolResult, any, error) {
	id := t.registry.Create()
	return jsonResult(createSessionOutput{
		SessionID: id,
		Message: fmt.Sprintf(
			"Created new session: %s. Use this session_id in subsequent tool calls. "+
				"The session expires after %s of inactivity.",
			id, t.sessionTimeout),
	})
}

type deleteSessionInput struct {
	SessionID string `json:"session_id"`
}

type deleteSessionOutput struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (t *Toolkit) handleDeleteSession(_ context.Context, _ *mcp.CallToolRequest, in deleteSessionInput) (*mcp.CallToolResult, any, error) {
	if t.registry.Delete(in.SessionID) {
		return jsonResult(deleteSessionOutput{
			Success: true,
			Message: "Successfully deleted session: " + in.SessionID,
		})
	}
	t.logger.Warn("delete of unknown session", "session_id", in.SessionID)
	return jsonResult(deleteSessionOutput{
		Success: false,
		Message: "Session not found or already deleted: " + in.SessionID,
	})
}

type underlyingPriceInput struct {
	SessionID string `json:"session_id"`
	Symbol    string `json:"symbol"`
}

type underlyingPriceOutput struct {
	Symbol  string  `json:"symbol"`
	Price   float64 `json:"price"`
	Message string  `json:"message"`
}

func (t *Toolkit) handleUnderlyingPrice(ctx context.Context, _ *mcp.CallToolRequest, in underlyingPriceInput) (*mcp.CallToolResult, any, error) {
	sess := t.registry.Get(in.SessionID)
	if sess == nil {
		return invalidSession(in.SessionID), nil, nil
	}

	client, err := sess.AcquireClient(ctx)
	if err != nil {
		return errResult("connecting to market-data feed: %v", err), nil, nil
	}

	price, err := t.fetcher.UnderlyingPrice(ctx, client, in.Symbol)
	if err != nil {
		return errResult("fetching price for %s: %v", in.Symbol, err), nil, nil
	}

	t.logger.Info("fetched underlying price", "symbol", in.Symbol, "price", price)
	return jsonResult(underlyingPriceOutput{
		Symbol:  in.Symbol,
		Price:   price,
		Message: fmt.Sprintf("%s current price: $%.2f", in.Symbol, price),
	})
}

type fetchChainInput struct {
	SessionID      string `json:"session_id"`
	Symbol         string `json:"symbol"`
	StrikeCount    int    `json:"strike_count,omitempty"`
	ExpirationDays []int  `json:"expiration_days,omitempty"`
}

type fetchChainOutput struct {
	*chain.Result
	Message string `json:"message"`
}

func (t *Toolkit) handleFetchChain(ctx context.Context, _ *mcp.CallToolRequest, in fetchChainInput) (*mcp.CallToolResult, any, error) {
	sess := t.registry.Get(in.SessionID)
	if sess == nil {
		return invalidSession(in.SessionID), nil, nil
	}

	client, err := sess.AcquireClient(ctx)
	if err != nil {
		return errResult("connecting to market-data feed: %v", err), nil, nil
	}

	result, err := t.fetcher.Fetch(ctx, client, chain.Request{
		Symbol:         in.Symbol,
		StrikeCount:    in.StrikeCount,
		ExpirationDays: in.ExpirationDays,
	})
	if err != nil {
		return errResult("fetching option chain for %s: %v", in.Symbol, err), nil, nil
	}

	return jsonResult(fetchChainOutput{
		Result:  result,
		Message: chainSummary(result),
	})
}

// chainSummary renders the human-readable fetch summary.
func chainSummary(r *chain.Result) string {
	price := "n/a"
	if r.UnderlyingPrice != nil {
		price = fmt.Sprintf("$%.2f", *r.UnderlyingPrice)
	}
	return fmt.Sprintf(
		"Successfully fetched option chain for %s. Underlying price: %s. "+
			"Total contracts: %d (%d calls, %d puts) across %d expirations and %d strikes. "+
			"Data includes bid, ask, last, volume, open interest, and Greeks.",
		r.Symbol, price, r.TotalContracts, r.Calls, r.Puts,
		len(r.Expirations), len(r.Strikes))
}

type sessionStatsInput struct{}

type sessionStatsOutput struct {
	session.RegistryStats
	Message string `json:"message"`
}

func (t *Toolkit) handleSessionStats(_ context.Context, _ *mcp.CallToolRequest, _ sessionStatsInput) (*mcp.CallToolResult, any, error) {
	stats := t.registry.Stats()
	return jsonResult(sessionStatsOutput{
		RegistryStats: stats,
		Message:       fmt.Sprintf("%d active session(s)", stats.TotalSessions),
	})
}

type healthCheckInput struct {
	SessionID string `json:"session_id,omitempty"`
}

type sessionHealth struct {
	Valid     bool `json:"valid"`
	Connected bool `json:"connected"`
}

type healthCheckOutput struct {
	Server        string         `json:"server"`
	Timestamp     time.Time      `json:"timestamp"`
	TotalSessions int            `json:"total_sessions"`
	Session       *sessionHealth `json:"session,omitempty"`
}

func (t *Toolkit) handleHealthCheck(_ context.Context, _ *mcp.CallToolRequest, in healthCheckInput) (*mcp.CallToolResult, any, error) {
	out := healthCheckOutput{
		Server:        "healthy",
		Timestamp:     time.Now(),
		TotalSessions: t.registry.Len(),
	}

	if in.SessionID != "" {
		if sess := t.registry.Get(in.SessionID); sess != nil {
			out.Session = &sessionHealth{Valid: true, Connected: sess.Connected()}
		} else {
			out.Session = &sessionHealth{}
		}
	}
	return jsonResult(out)
}
