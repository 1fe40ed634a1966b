// Package chain fetches and shapes option-chain data from a connected
// market-data client: chain selection, strike and expiration filtering,
// contract qualification, and quote extraction.
package chain

import (
	"errors"
	"time"
)

// Sentinel errors for the empty-result conditions during a fetch. They are
// surfaced as request failures and never retried automatically.
var (
	ErrNoChains         = errors.New("chain: no option chains found")
	ErrNoValidContracts = errors.New("chain: no valid option contracts found")
	ErrNoData           = errors.New("chain: no option data retrieved")
	ErrPriceUnavailable = errors.New("chain: underlying price unavailable")
)

// Request parameterizes one option-chain fetch. Zero StrikeCount and
// StrikeRangePct fall back to the fetcher defaults; empty ExpirationDays
// selects every available expiration.
type Request struct {
	Symbol         string
	StrikeCount    int
	StrikeRangePct float64
	ExpirationDays []int
}

// ContractRecord is one option contract's extracted quote. Nil pointers
// mean the feed had no value; sentinel values never leak through.
type ContractRecord struct {
	Symbol          string   `json:"symbol"`
	Expiration      string   `json:"expiration"`
	Strike          float64  `json:"strike"`
	Right           string   `json:"right"`
	UnderlyingPrice *float64 `json:"underlying_price"`
	Bid             *float64 `json:"bid"`
	Ask             *float64 `json:"ask"`
	Last            *float64 `json:"last"`
	BidSize         *float64 `json:"bid_size"`
	AskSize         *float64 `json:"ask_size"`
	Volume          *float64 `json:"volume"`
	OpenInterest    *float64 `json:"open_interest"`
	Delta           *float64 `json:"delta"`
	Gamma           *float64 `json:"gamma"`
	Theta           *float64 `json:"theta"`
	Vega            *float64 `json:"vega"`
	ImpliedVol      *float64 `json:"implied_vol"`
}

// Result is the assembled option chain for one fetch. It is immutable once
// returned. TotalContracts always equals Calls+Puts and len(Options), and
// Options are sorted by (expiration, strike, right) with calls before puts.
type Result struct {
	Symbol          string           `json:"symbol"`
	UnderlyingPrice *float64         `json:"underlying_price"`
	Timestamp       time.Time        `json:"timestamp"`
	MarketDataType  int              `json:"market_data_type"`
	TotalContracts  int              `json:"total_contracts"`
	Calls           int              `json:"calls"`
	Puts            int              `json:"puts"`
	Expirations     []string         `json:"expirations"`
	Strikes         []float64        `json:"strikes"`
	Options         []ContractRecord `json:"options"`
}
