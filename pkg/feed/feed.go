// Package feed defines the market-data feed capability used by sessions.
// It declares the Client interface for a single stateful connection to a
// brokerage data source along with the wire types exchanged with it.
package feed

import (
	"context"
	"errors"
	"math"
)

// ErrNotConnected is returned by operations that require a live connection.
var ErrNotConnected = errors.New("feed: not connected")

// MarketDataType selects the market data mode requested from the feed.
type MarketDataType int

// Market data modes as defined by the brokerage API.
const (
	MarketDataLive          MarketDataType = 1
	MarketDataFrozen        MarketDataType = 2
	MarketDataDelayed       MarketDataType = 3
	MarketDataDelayedFrozen MarketDataType = 4
)

// Security types for contracts.
const (
	SecTypeStock  = "STK"
	SecTypeIndex  = "IND"
	SecTypeOption = "OPT"
)

// Option rights.
const (
	RightCall = "C"
	RightPut  = "P"
)

// Contract identifies a tradable instrument on the feed.
type Contract struct {
	// ConID is the feed's numeric contract identifier, zero until the
	// contract has been qualified.
	ConID int64

	Symbol   string
	SecType  string
	Exchange string
	Currency string

	// Option fields, empty/zero for underlyings.
	Expiry       string // YYYYMMDD
	Strike       float64
	Right        string
	TradingClass string
}

// ChainParams describes one option chain published for an underlying.
type ChainParams struct {
	Exchange        string
	UnderlyingConID int64
	TradingClass    string
	Multiplier      string
	Expirations     []string
	Strikes         []float64
}

// Greeks holds option sensitivity metrics from one Greek source.
type Greeks struct {
	Delta      float64
	Gamma      float64
	Theta      float64
	Vega       float64
	ImpliedVol float64
}

// Quote is a raw market-data snapshot for one contract. Price fields use
// NaN and size fields use -1 as the feed's "not available" sentinels;
// normalization to absent values happens at extraction time.
type Quote struct {
	Contract Contract

	Bid         float64
	Ask         float64
	Last        float64
	Close       float64
	MarketPrice float64

	BidSize      float64
	AskSize      float64
	Volume       float64
	OpenInterest float64

	ModelGreeks *Greeks
	BidGreeks   *Greeks
	AskGreeks   *Greeks
	LastGreeks  *Greeks
}

// FirstGreeks returns the first populated Greek source in model, bid, ask,
// last order, or nil when the feed supplied none.
func (q *Quote) FirstGreeks() *Greeks {
	for _, g := range []*Greeks{q.ModelGreeks, q.BidGreeks, q.AskGreeks, q.LastGreeks} {
		if g != nil {
			return g
		}
	}
	return nil
}

// Client is one stateful connection to the market-data feed. Implementations
// must be safe to Disconnect more than once; all other operations require a
// prior successful Connect.
type Client interface {
	// Connect establishes the connection and selects the market data mode.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down. It is idempotent.
	Disconnect() error

	// IsConnected reports whether the connection is currently usable.
	IsConnected() bool

	// QualifyContract resolves a contract against the feed, filling in the
	// feed's identifiers. Unknown contracts return an error.
	QualifyContract(ctx context.Context, c Contract) (Contract, error)

	// OptionChains lists the option chain definitions for an underlying.
	OptionChains(ctx context.Context, underlying Contract) ([]ChainParams, error)

	// Snapshots requests market data for a batch of contracts in one call.
	Snapshots(ctx context.Context, contracts []Contract) ([]Quote, error)
}

// Factory constructs a fresh, unconnected Client. Sessions own the clients
// they create through it; no two sessions share a client.
type Factory func() Client

// NormPrice converts a feed price to an optional value: NaN and the -1
// sentinel become absent.
func NormPrice(v float64) *float64 {
	if math.IsNaN(v) || v == -1 {
		return nil
	}
	return &v
}

// NormSize converts a feed bid/ask size to an optional value: -1 and zero
// become absent (the feed reports 0 for sizes it never populated).
func NormSize(v float64) *float64 {
	if math.IsNaN(v) || v <= 0 {
		return nil
	}
	return &v
}

// NormCount converts a feed volume or open-interest figure to an optional
// value. Unlike sizes, a literal zero is meaningful and kept.
func NormCount(v float64) *float64 {
	if math.IsNaN(v) || v == -1 {
		return nil
	}
	return &v
}

// ValidPrice reports whether v is a usable price: a real number that is
// positive. The feed uses NaN, 0 and -1 for unavailable prices.
func ValidPrice(v float64) bool {
	return !math.IsNaN(v) && v > 0
}
