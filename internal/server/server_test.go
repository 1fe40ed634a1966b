package server

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-ibkr-options/pkg/chain"
	"github.com/txn2/mcp-ibkr-options/pkg/feed"
	"github.com/txn2/mcp-ibkr-options/pkg/feed/ibgw"
	"github.com/txn2/mcp-ibkr-options/pkg/session"
)

func TestNewRegistersToolkit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var factory feed.Factory = ibgw.Factory(ibgw.Config{
		BaseURL: "https://127.0.0.1:5000",
		Logger:  logger,
	})
	registry := session.NewRegistry(factory, time.Minute, time.Minute, logger)
	t.Cleanup(registry.Stop)

	fetcher := chain.NewFetcher(nil, chain.Config{}, logger)

	s := New(registry, fetcher, time.Minute, logger)
	require.NotNil(t, s)

	ctx := context.Background()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	serverSession, err := s.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	clientSession, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientSession.Close() })

	res, err := clientSession.ListTools(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, res.Tools, 6)
}
