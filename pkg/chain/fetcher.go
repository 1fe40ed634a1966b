package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/txn2/mcp-ibkr-options/pkg/feed"
	"github.com/txn2/mcp-ibkr-options/pkg/quote"
)

const (
	// defaultStrikeCount is the number of strikes taken on each side of
	// the underlying price when the request does not specify one.
	defaultStrikeCount = 20

	// defaultStrikeRangePct is the default percentage strike window.
	defaultStrikeRangePct = 20.0

	// qualifyConcurrency bounds concurrent contract qualification calls.
	qualifyConcurrency = 8

	// expiryLayout is the feed's expiration date format.
	expiryLayout = "20060102"

	// tradingClassBoost multiplies a chain's score when its trading class
	// exactly matches the uppercased symbol, so the canonical chain beats
	// namesake variants such as "2MSFT".
	tradingClassBoost = 10
)

// indexSymbols is the fixed membership set of known index tickers.
var indexSymbols = map[string]struct{}{
	"SPX": {},
	"NDX": {},
	"RUT": {},
	"VIX": {},
}

// Config holds fetcher defaults.
type Config struct {
	StrikeCount    int
	StrikeRangePct float64
	MarketDataType int
}

// Fetcher assembles option-chain results from a market-data client, using
// a secondary quote source for low-cost underlying prices.
type Fetcher struct {
	quotes quote.Source
	cfg    Config
	logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewFetcher creates a Fetcher. quotes may be nil, in which case underlying
// prices come from the feed only.
func NewFetcher(quotes quote.Source, cfg Config, logger *slog.Logger) *Fetcher {
	if cfg.StrikeCount == 0 {
		cfg.StrikeCount = defaultStrikeCount
	}
	if cfg.StrikeRangePct == 0 {
		cfg.StrikeRangePct = defaultStrikeRangePct
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		quotes: quotes,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// UnderlyingContract classifies a symbol as index or stock and returns the
// unqualified underlying contract for it.
func UnderlyingContract(symbol string) feed.Contract {
	upper := strings.ToUpper(symbol)
	if _, ok := indexSymbols[upper]; ok {
		return feed.Contract{
			Symbol:   upper,
			SecType:  feed.SecTypeIndex,
			Exchange: "CBOE",
		}
	}
	return feed.Contract{
		Symbol:   upper,
		SecType:  feed.SecTypeStock,
		Exchange: "SMART",
		Currency: "USD",
	}
}

// UnderlyingPrice resolves the current price of symbol. The quote source
// answers first, so a standalone price lookup costs no feed round-trips;
// only on a miss is the underlying qualified and the feed's market data
// consulted. It returns ErrPriceUnavailable when every source is exhausted.
func (f *Fetcher) UnderlyingPrice(ctx context.Context, client feed.Client, symbol string) (float64, error) {
	if price := f.quotePrice(ctx, symbol); price != nil {
		return *price, nil
	}

	underlying, err := client.QualifyContract(ctx, UnderlyingContract(symbol))
	if err != nil {
		return 0, fmt.Errorf("qualifying underlying %s: %w", symbol, err)
	}
	if price := f.feedPrice(ctx, client, underlying, symbol); price != nil {
		return *price, nil
	}
	return 0, fmt.Errorf("%w for %s", ErrPriceUnavailable, symbol)
}

// quotePrice asks the secondary source, returning nil on any failure.
func (f *Fetcher) quotePrice(ctx context.Context, symbol string) *float64 {
	if f.quotes == nil {
		return nil
	}
	price, err := f.quotes.Price(ctx, symbol)
	if err != nil {
		f.logger.Debug("quote source miss", "symbol", symbol, "error", err)
		return nil
	}
	f.logger.Debug("price from quote source", "symbol", symbol, "price", price)
	return &price
}

// resolvePrice tries the quote source, then the feed. A nil return means
// every source failed; the caller decides whether that degrades or fails
// the operation.
func (f *Fetcher) resolvePrice(ctx context.Context, client feed.Client, underlying feed.Contract, symbol string) *float64 {
	if price := f.quotePrice(ctx, symbol); price != nil {
		return price
	}
	return f.feedPrice(ctx, client, underlying, symbol)
}

// feedPrice derives a price from the feed snapshot: market price, last
// trade, close, and finally the bid/ask midpoint when both sides are
// positive.
func (f *Fetcher) feedPrice(ctx context.Context, client feed.Client, underlying feed.Contract, symbol string) *float64 {
	quotes, err := client.Snapshots(ctx, []feed.Contract{underlying})
	if err != nil || len(quotes) == 0 {
		f.logger.Warn("feed price lookup failed", "symbol", symbol, "error", err)
		return nil
	}
	q := quotes[0]

	for _, candidate := range []float64{q.MarketPrice, q.Last, q.Close} {
		if feed.ValidPrice(candidate) {
			return &candidate
		}
	}
	if q.Bid > 0 && q.Ask > 0 {
		mid := (q.Bid + q.Ask) / 2
		return &mid
	}

	f.logger.Warn("could not resolve underlying price from any source", "symbol", symbol)
	return nil
}

// Fetch retrieves and assembles the option chain for req.Symbol.
func (f *Fetcher) Fetch(ctx context.Context, client feed.Client, req Request) (*Result, error) {
	strikeCount := req.StrikeCount
	if strikeCount <= 0 {
		strikeCount = f.cfg.StrikeCount
	}
	symbol := strings.ToUpper(req.Symbol)

	f.logger.Info("fetching option chain", "symbol", symbol)

	underlying, err := client.QualifyContract(ctx, UnderlyingContract(req.Symbol))
	if err != nil {
		return nil, fmt.Errorf("qualifying underlying %s: %w", symbol, err)
	}

	price := f.resolvePrice(ctx, client, underlying, req.Symbol)

	chains, err := client.OptionChains(ctx, underlying)
	if err != nil {
		return nil, fmt.Errorf("listing chains for %s: %w", symbol, err)
	}
	if len(chains) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoChains, symbol)
	}

	selected := selectChain(chains, symbol)
	f.logger.Info("selected chain",
		"trading_class", selected.TradingClass,
		"exchange", selected.Exchange,
		"expirations", len(selected.Expirations),
		"strikes", len(selected.Strikes))

	strikes := filterStrikes(selected.Strikes, price, strikeCount)
	expirations := filterExpirations(selected.Expirations, req.ExpirationDays, f.now())

	candidates := buildCandidates(underlying, selected, expirations, strikes)
	f.logger.Debug("built option candidates", "count", len(candidates))

	resolved := f.qualifyAll(ctx, client, candidates)
	f.logger.Debug("qualified contracts", "count", len(resolved))
	if len(resolved) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoValidContracts, symbol)
	}

	quotes, err := client.Snapshots(ctx, resolved)
	if err != nil {
		return nil, fmt.Errorf("requesting market data for %s: %w", symbol, err)
	}

	records := make([]ContractRecord, 0, len(quotes))
	for i := range quotes {
		records = append(records, extractRecord(&quotes[i], price))
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoData, symbol)
	}

	result := assemble(req.Symbol, price, f.cfg.MarketDataType, f.now(), records)
	f.logger.Info("fetched option chain",
		"symbol", symbol,
		"contracts", result.TotalContracts,
		"calls", result.Calls,
		"puts", result.Puts)
	return result, nil
}

// selectChain scores each chain by strikes x expirations, strongly
// preferring an exact trading-class match. The first encountered maximum
// wins; the first chain is the defensive fallback.
func selectChain(chains []feed.ChainParams, symbol string) feed.ChainParams {
	var chosen *feed.ChainParams
	bestScore := -1

	for i := range chains {
		c := &chains[i]
		score := len(c.Strikes) * len(c.Expirations)
		if c.TradingClass == symbol {
			score *= tradingClassBoost
		}
		if score > bestScore {
			bestScore = score
			chosen = c
		}
	}

	if chosen == nil {
		return chains[0]
	}
	return *chosen
}

// buildCandidates creates one unqualified option contract per
// (expiration, strike, right) triple, both rights always included.
func buildCandidates(underlying feed.Contract, ch feed.ChainParams, expirations []string, strikes []float64) []feed.Contract {
	exchange := ch.Exchange
	if underlying.SecType == feed.SecTypeStock {
		exchange = "SMART"
	}

	candidates := make([]feed.Contract, 0, len(expirations)*len(strikes)*2)
	for _, expiry := range expirations {
		for _, strike := range strikes {
			for _, right := range []string{feed.RightCall, feed.RightPut} {
				candidates = append(candidates, feed.Contract{
					Symbol:       underlying.Symbol,
					SecType:      feed.SecTypeOption,
					Exchange:     exchange,
					Currency:     "USD",
					Expiry:       expiry,
					Strike:       strike,
					Right:        right,
					TradingClass: ch.TradingClass,
				})
			}
		}
	}
	return candidates
}

// qualifyAll resolves candidates against the feed with bounded concurrency,
// silently dropping any that fail. Invalid contracts are expected, not an
// error. Order of survivors matches the candidate order.
func (f *Fetcher) qualifyAll(ctx context.Context, client feed.Client, candidates []feed.Contract) []feed.Contract {
	results := make([]*feed.Contract, len(candidates))

	g := &errgroup.Group{}
	g.SetLimit(qualifyConcurrency)
	for i, c := range candidates {
		g.Go(func() error {
			qualified, err := client.QualifyContract(ctx, c)
			if err == nil {
				results[i] = &qualified
			}
			return nil
		})
	}
	_ = g.Wait()

	resolved := make([]feed.Contract, 0, len(candidates))
	for _, r := range results {
		if r != nil {
			resolved = append(resolved, *r)
		}
	}
	return resolved
}

// extractRecord normalizes one quote into a contract record. The first
// populated Greeks source wins; sentinel values become nil.
func extractRecord(q *feed.Quote, underlyingPrice *float64) ContractRecord {
	rec := ContractRecord{
		Symbol:          q.Contract.Symbol,
		Expiration:      q.Contract.Expiry,
		Strike:          q.Contract.Strike,
		Right:           q.Contract.Right,
		UnderlyingPrice: underlyingPrice,
		Bid:             feed.NormPrice(q.Bid),
		Ask:             feed.NormPrice(q.Ask),
		Last:            feed.NormPrice(q.Last),
		BidSize:         feed.NormSize(q.BidSize),
		AskSize:         feed.NormSize(q.AskSize),
		Volume:          feed.NormCount(q.Volume),
		OpenInterest:    feed.NormCount(q.OpenInterest),
	}

	if g := q.FirstGreeks(); g != nil {
		rec.Delta = &g.Delta
		rec.Gamma = &g.Gamma
		rec.Theta = &g.Theta
		rec.Vega = &g.Vega
		rec.ImpliedVol = &g.ImpliedVol
	}
	return rec
}

// assemble sorts the records and builds the final result. Calls order
// before puts because "C" < "P".
func assemble(symbol string, price *float64, marketDataType int, ts time.Time, records []ContractRecord) *Result {
	sort.Slice(records, func(i, j int) bool {
		a, b := &records[i], &records[j]
		if a.Expiration != b.Expiration {
			return a.Expiration < b.Expiration
		}
		if a.Strike != b.Strike {
			return a.Strike < b.Strike
		}
		return a.Right < b.Right
	})

	calls := 0
	expirations := make([]string, 0)
	strikes := make([]float64, 0)
	seenExp := make(map[string]struct{})
	seenStrike := make(map[float64]struct{})

	for i := range records {
		rec := &records[i]
		if rec.Right == feed.RightCall {
			calls++
		}
		if _, ok := seenExp[rec.Expiration]; !ok {
			seenExp[rec.Expiration] = struct{}{}
			expirations = append(expirations, rec.Expiration)
		}
		if _, ok := seenStrike[rec.Strike]; !ok {
			seenStrike[rec.Strike] = struct{}{}
			strikes = append(strikes, rec.Strike)
		}
	}

	return &Result{
		Symbol:          symbol,
		UnderlyingPrice: price,
		Timestamp:       ts,
		MarketDataType:  marketDataType,
		TotalContracts:  len(records),
		Calls:           calls,
		Puts:            len(records) - calls,
		Expirations:     expirations,
		Strikes:         strikes,
		Options:         records,
	}
}
