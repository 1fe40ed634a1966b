package ibgw

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/txn2/mcp-ibkr-options/pkg/feed"
)

// searchResult is one row of /iserver/secdef/search.
type searchResult struct {
	Conid       json.Number     `json:"conid"`
	Symbol      string          `json:"symbol"`
	Description string          `json:"description"`
	Sections    []searchSection `json:"sections"`
}

// searchSection describes one derivative section of a search result.
type searchSection struct {
	SecType  string `json:"secType"`
	Months   string `json:"months"`
	Exchange string `json:"exchange"`
}

// secdefInfo is one row of /iserver/secdef/info.
type secdefInfo struct {
	Conid        json.Number `json:"conid"`
	MaturityDate string      `json:"maturityDate"`
	Right        string      `json:"right"`
	Strike       json.Number `json:"strike"`
	TradingClass string      `json:"tradingClass"`
}

// strikesResponse is the /iserver/secdef/strikes payload.
type strikesResponse struct {
	Call []float64 `json:"call"`
	Put  []float64 `json:"put"`
}

// QualifyContract resolves a contract to its gateway conid. Underlyings
// resolve through symbol search; options additionally resolve the exact
// (month, strike, right) definition and match on maturity date.
func (c *Client) QualifyContract(ctx context.Context, contract feed.Contract) (feed.Contract, error) {
	if err := c.requireConnected(); err != nil {
		return feed.Contract{}, err
	}

	if contract.SecType == feed.SecTypeOption {
		return c.qualifyOption(ctx, contract)
	}
	return c.qualifyUnderlying(ctx, contract)
}

// qualifyUnderlying resolves a stock or index contract through search.
func (c *Client) qualifyUnderlying(ctx context.Context, contract feed.Contract) (feed.Contract, error) {
	conid, _, err := c.searchSymbol(ctx, contract.Symbol)
	if err != nil {
		return feed.Contract{}, err
	}
	contract.ConID = conid
	return contract, nil
}

// searchSymbol resolves symbol to a conid and its option months, caching
// the conid for the connection's lifetime.
func (c *Client) searchSymbol(ctx context.Context, symbol string) (int64, []string, error) {
	symbol = strings.ToUpper(symbol)

	var results []searchResult
	query := url.Values{"symbol": {symbol}}
	if err := c.get(ctx, "/v1/api/iserver/secdef/search", query, &results); err != nil {
		return 0, nil, err
	}

	for _, r := range results {
		if !strings.EqualFold(r.Symbol, symbol) {
			continue
		}
		conid, err := r.Conid.Int64()
		if err != nil {
			continue
		}

		c.mu.Lock()
		c.conids[symbol] = conid
		c.mu.Unlock()

		return conid, optionMonths(r.Sections), nil
	}
	return 0, nil, fmt.Errorf("no security definition found for %s", symbol)
}

// cachedConid returns a previously resolved conid for symbol, searching on
// a cache miss.
func (c *Client) cachedConid(ctx context.Context, symbol string) (int64, error) {
	symbol = strings.ToUpper(symbol)

	c.mu.Lock()
	conid, ok := c.conids[symbol]
	c.mu.Unlock()
	if ok {
		return conid, nil
	}

	conid, _, err := c.searchSymbol(ctx, symbol)
	return conid, err
}

// optionMonths extracts the option month labels from search sections.
func optionMonths(sections []searchSection) []string {
	for _, s := range sections {
		if s.SecType == feed.SecTypeOption && s.Months != "" {
			return strings.Split(s.Months, ";")
		}
	}
	return nil
}

// qualifyOption resolves one option contract, matching the requested
// maturity date among the month's definitions.
func (c *Client) qualifyOption(ctx context.Context, contract feed.Contract) (feed.Contract, error) {
	conid, err := c.cachedConid(ctx, contract.Symbol)
	if err != nil {
		return feed.Contract{}, err
	}

	month, err := monthLabel(contract.Expiry)
	if err != nil {
		return feed.Contract{}, err
	}

	var infos []secdefInfo
	query := url.Values{
		"conid":   {fmt.Sprintf("%d", conid)},
		"sectype": {feed.SecTypeOption},
		"month":   {month},
		"strike":  {trimFloat(contract.Strike)},
		"right":   {contract.Right},
	}
	if err := c.get(ctx, "/v1/api/iserver/secdef/info", query, &infos); err != nil {
		return feed.Contract{}, err
	}

	for _, info := range infos {
		if info.MaturityDate != contract.Expiry {
			continue
		}
		optConid, err := info.Conid.Int64()
		if err != nil {
			continue
		}
		contract.ConID = optConid
		if info.TradingClass != "" {
			contract.TradingClass = info.TradingClass
		}
		return contract, nil
	}
	return feed.Contract{}, fmt.Errorf("no option definition for %s %s %s %s",
		contract.Symbol, contract.Expiry, trimFloat(contract.Strike), contract.Right)
}

// OptionChains assembles the chain definition for an underlying from the
// gateway's month-oriented endpoints: strikes per month plus the concrete
// maturity dates probed through secdef/info. The gateway publishes a single
// consolidated chain, so the result is one ChainParams.
func (c *Client) OptionChains(ctx context.Context, underlying feed.Contract) ([]feed.ChainParams, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}

	conid, months, err := c.searchSymbol(ctx, underlying.Symbol)
	if err != nil {
		return nil, err
	}
	if len(months) == 0 {
		return nil, nil
	}

	strikeSet := make(map[float64]struct{})
	expirations := make([]string, 0)

	for _, month := range months {
		strikes, err := c.monthStrikes(ctx, conid, month)
		if err != nil {
			c.logger.Warn("strikes lookup failed", "symbol", underlying.Symbol,
				"month", month, "error", err)
			continue
		}
		if len(strikes) == 0 {
			continue
		}
		for _, s := range strikes {
			strikeSet[s] = struct{}{}
		}

		dates, err := c.monthExpirations(ctx, conid, month, strikes[len(strikes)/2])
		if err != nil {
			c.logger.Warn("expiration lookup failed", "symbol", underlying.Symbol,
				"month", month, "error", err)
			continue
		}
		expirations = append(expirations, dates...)
	}

	if len(strikeSet) == 0 || len(expirations) == 0 {
		return nil, nil
	}

	strikes := make([]float64, 0, len(strikeSet))
	for s := range strikeSet {
		strikes = append(strikes, s)
	}
	sort.Float64s(strikes)
	sort.Strings(expirations)

	return []feed.ChainParams{{
		Exchange:        "SMART",
		UnderlyingConID: conid,
		TradingClass:    strings.ToUpper(underlying.Symbol),
		Expirations:     expirations,
		Strikes:         strikes,
	}}, nil
}

// monthStrikes lists the strikes available in one option month.
func (c *Client) monthStrikes(ctx context.Context, conid int64, month string) ([]float64, error) {
	var resp strikesResponse
	query := url.Values{
		"conid":   {fmt.Sprintf("%d", conid)},
		"sectype": {feed.SecTypeOption},
		"month":   {month},
	}
	if err := c.get(ctx, "/v1/api/iserver/secdef/strikes", query, &resp); err != nil {
		return nil, err
	}

	set := make(map[float64]struct{}, len(resp.Call)+len(resp.Put))
	for _, s := range resp.Call {
		set[s] = struct{}{}
	}
	for _, s := range resp.Put {
		set[s] = struct{}{}
	}

	strikes := make([]float64, 0, len(set))
	for s := range set {
		strikes = append(strikes, s)
	}
	sort.Float64s(strikes)
	return strikes, nil
}

// monthExpirations probes one strike of a month to learn the concrete
// maturity dates it contains.
func (c *Client) monthExpirations(ctx context.Context, conid int64, month string, probeStrike float64) ([]string, error) {
	var infos []secdefInfo
	query := url.Values{
		"conid":   {fmt.Sprintf("%d", conid)},
		"sectype": {feed.SecTypeOption},
		"month":   {month},
		"strike":  {trimFloat(probeStrike)},
		"right":   {feed.RightCall},
	}
	if err := c.get(ctx, "/v1/api/iserver/secdef/info", query, &infos); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	dates := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.MaturityDate == "" {
			continue
		}
		if _, ok := seen[info.MaturityDate]; ok {
			continue
		}
		seen[info.MaturityDate] = struct{}{}
		dates = append(dates, info.MaturityDate)
	}
	return dates, nil
}

// trimFloat formats a strike without trailing zeros (125, 127.5).
func trimFloat(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
