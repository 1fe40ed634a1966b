// Command mcp-ibkr-options serves Interactive Brokers option-chain and
// quote data over the Model Context Protocol.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-ibkr-options/internal/server"
	"github.com/txn2/mcp-ibkr-options/pkg/chain"
	"github.com/txn2/mcp-ibkr-options/pkg/config"
	"github.com/txn2/mcp-ibkr-options/pkg/feed/ibgw"
	"github.com/txn2/mcp-ibkr-options/pkg/health"
	"github.com/txn2/mcp-ibkr-options/pkg/quote"
	"github.com/txn2/mcp-ibkr-options/pkg/session"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to yaml config file")
		transport   = flag.String("transport", "http", "transport: stdio or http")
		address     = flag.String("address", "", "bind address (overrides config)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", server.Name, server.Version)
		return
	}

	// .env is optional; real environment variables win over file values.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel, *transport)
	slog.SetDefault(logger)

	if err := run(cfg, *transport, *address, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, transport, address string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory := ibgw.Factory(ibgw.Config{
		BaseURL: fmt.Sprintf("https://%s:%d", cfg.Feed.Host, cfg.Feed.Port),
		Timeout: cfg.Feed.ConnectTimeout,

		// The Client Portal gateway serves a self-signed certificate on
		// localhost.
		InsecureSkipVerify: true,
		Logger:             logger.With("component", "ibgw"),
	})

	registry := session.NewRegistry(factory, cfg.Session.Timeout,
		cfg.Session.SweepInterval, logger.With("component", "session"))
	registry.Start()
	defer registry.Stop()

	fetcher := chain.NewFetcher(quote.NewYahoo(), chain.Config{
		StrikeCount:    cfg.Chain.StrikeCount,
		StrikeRangePct: cfg.Chain.StrikeRangePct,
		MarketDataType: cfg.Feed.MarketDataType,
	}, logger.With("component", "chain"))

	s := server.New(registry, fetcher, cfg.Session.Timeout, logger)

	switch transport {
	case "stdio":
		logger.Info("starting server", "transport", "stdio", "version", server.Version)
		return s.Run(ctx, &mcp.StdioTransport{})
	case "http":
		if address == "" {
			address = cfg.Server.Address()
		}
		return serveHTTP(ctx, s, registry, address, logger)
	default:
		return fmt.Errorf("unknown transport %q (want stdio or http)", transport)
	}
}

// serveHTTP runs the streamable HTTP transport with health endpoints and
// graceful shutdown.
func serveHTTP(ctx context.Context, s *mcp.Server, registry *session.Registry, address string, logger *slog.Logger) error {
	checker := health.NewChecker(registry)

	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)
	mux.HandleFunc("/healthz", checker.LivenessHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())

	httpServer := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "transport", "http", "address", address,
			"version", server.Version)
		checker.SetReady()
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	checker.SetDraining()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

// newLogger builds the process logger. The stdio transport logs to stderr
// so the protocol stream stays clean; http logs to stdout.
func newLogger(level, transport string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	out := os.Stdout
	if transport == "stdio" {
		out = os.Stderr
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl}))
}
