package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultYahooBaseURL = "https://query1.finance.yahoo.com"
	defaultYahooTimeout = 10 * time.Second
)

// Yahoo fetches prices from the Yahoo Finance chart API. It is the low-cost
// primary source; the feed's snapshot data is the fallback.
type Yahoo struct {
	baseURL    string
	httpClient *http.Client
}

// YahooOption customizes a Yahoo source.
type YahooOption func(*Yahoo)

// WithBaseURL overrides the API base URL. Used in tests.
func WithBaseURL(u string) YahooOption {
	return func(y *Yahoo) { y.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) YahooOption {
	return func(y *Yahoo) { y.httpClient = c }
}

// NewYahoo creates a Yahoo price source.
func NewYahoo(opts ...YahooOption) *Yahoo {
	y := &Yahoo{
		baseURL:    defaultYahooBaseURL,
		httpClient: &http.Client{Timeout: defaultYahooTimeout},
	}
	for _, opt := range opts {
		opt(y)
	}
	return y
}

// chartResponse is the subset of the v8 chart payload we read.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				RegularMarketPrice *float64 `json:"regularMarketPrice"`
				PreviousClose      *float64 `json:"chartPreviousClose"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Price returns the latest market price for symbol, preferring the regular
// market price and falling back to the previous close.
func (y *Yahoo) Price(ctx context.Context, symbol string) (float64, error) {
	u := fmt.Sprintf("%s/v8/finance/chart/%s?range=1d&interval=1d", y.baseURL, url.PathEscape(symbol))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "mcp-ibkr-options/1.0")

	resp, err := y.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: status %d for %s", ErrUnavailable, resp.StatusCode, symbol)
	}

	var body chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("%w: decoding response: %w", ErrUnavailable, err)
	}

	if body.Chart.Error != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnavailable, body.Chart.Error.Description)
	}
	if len(body.Chart.Result) == 0 {
		return 0, fmt.Errorf("%w: empty result for %s", ErrUnavailable, symbol)
	}

	meta := body.Chart.Result[0].Meta
	if meta.RegularMarketPrice != nil && *meta.RegularMarketPrice > 0 {
		return *meta.RegularMarketPrice, nil
	}
	if meta.PreviousClose != nil && *meta.PreviousClose > 0 {
		return *meta.PreviousClose, nil
	}
	return 0, fmt.Errorf("%w: no price in chart meta for %s", ErrUnavailable, symbol)
}

// Verify interface compliance.
var _ Source = (*Yahoo)(nil)
