// Package ibgw implements the feed.Client capability against the
// Interactive Brokers Client Portal Gateway REST API. One Client maps to
// one authenticated gateway session.
package ibgw

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/txn2/mcp-ibkr-options/pkg/feed"
)

const (
	defaultTimeout = 30 * time.Second

	// monthLayout is the gateway's option month label format (e.g. JAN26).
	monthLayout = "Jan06"

	// expiryLayout matches feed expirations (YYYYMMDD).
	expiryLayout = "20060102"
)

// Market data snapshot field codes used by /iserver/marketdata/snapshot.
const (
	fieldLast         = "31"
	fieldBid          = "84"
	fieldAskSize      = "85"
	fieldAsk          = "86"
	fieldVolume       = "87"
	fieldBidSize      = "88"
	fieldClose        = "7296"
	fieldDelta        = "7308"
	fieldGamma        = "7309"
	fieldTheta        = "7310"
	fieldVega         = "7311"
	fieldImpliedVol   = "7633"
	fieldOpenInterest = "7638"
)

var snapshotFields = strings.Join([]string{
	fieldLast, fieldBid, fieldAskSize, fieldAsk, fieldVolume, fieldBidSize,
	fieldClose, fieldDelta, fieldGamma, fieldTheta, fieldVega,
	fieldImpliedVol, fieldOpenInterest,
}, ",")

// Config configures a gateway client.
type Config struct {
	// BaseURL is the gateway root, e.g. https://127.0.0.1:5000.
	BaseURL string

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	// InsecureSkipVerify disables TLS verification. The gateway ships a
	// self-signed certificate, so this is on for localhost deployments.
	InsecureSkipVerify bool

	Logger *slog.Logger
}

// Client talks to one Client Portal Gateway session.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	connected bool

	// conids caches qualified underlying symbol -> conid lookups for the
	// lifetime of the connection.
	conids map[string]int64
}

// New creates an unconnected gateway client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	transport := http.DefaultTransport
	if cfg.InsecureSkipVerify {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // gateway uses a self-signed localhost cert
		}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		logger: logger,
		conids: make(map[string]int64),
	}
}

// Factory returns a feed.Factory producing clients with this configuration.
func Factory(cfg Config) feed.Factory {
	return func() feed.Client {
		return New(cfg)
	}
}

// authStatus is the /iserver/auth/status payload.
type authStatus struct {
	Authenticated bool `json:"authenticated"`
	Connected     bool `json:"connected"`
}

// Connect verifies the gateway session is authenticated and marks the
// client usable. The gateway owns credentials; this client only attaches
// to an already authenticated session.
func (c *Client) Connect(ctx context.Context) error {
	// Tickle refreshes the gateway session before the status check.
	if err := c.post(ctx, "/v1/api/tickle", nil); err != nil {
		return fmt.Errorf("gateway tickle: %w", err)
	}

	var status authStatus
	if err := c.get(ctx, "/v1/api/iserver/auth/status", nil, &status); err != nil {
		return fmt.Errorf("gateway auth status: %w", err)
	}
	if !status.Authenticated || !status.Connected {
		return fmt.Errorf("gateway session not authenticated (authenticated=%t connected=%t)",
			status.Authenticated, status.Connected)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("connected to client portal gateway", "base_url", c.baseURL)
	return nil
}

// Disconnect drops the client's view of the session. It does not log the
// gateway out; other clients may share the gateway process. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false
	c.conids = make(map[string]int64)
	c.logger.Info("disconnected from client portal gateway")
	return nil
}

// IsConnected reports whether Connect has succeeded without a Disconnect.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) requireConnected() error {
	if !c.IsConnected() {
		return feed.ErrNotConnected
	}
	return nil
}

// get performs a GET request and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// post performs a POST request, decoding the JSON response into out when
// out is non-nil.
func (c *Client) post(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// parseFloat parses the gateway's numeric strings, which may carry a "C"
// (close) or "H" (halted) prefix on price fields.
func parseFloat(s string) (float64, bool) {
	s = strings.TrimLeft(strings.TrimSpace(s), "CH")
	if s == "" {
		return 0, false
	}
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// monthLabel converts a YYYYMMDD expiry to the gateway's MMMYY month label.
func monthLabel(expiry string) (string, error) {
	t, err := time.ParseInLocation(expiryLayout, expiry, time.UTC)
	if err != nil {
		return "", fmt.Errorf("parsing expiry %q: %w", expiry, err)
	}
	return strings.ToUpper(t.Format(monthLayout)), nil
}
