package ibgw

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/txn2/mcp-ibkr-options/pkg/feed"
)

// snapshotRow is one row of /iserver/marketdata/snapshot: field codes map
// to string values alongside the numeric conid.
type snapshotRow map[string]any

// Snapshots requests market data for all contracts in a single batched
// call. Fields the gateway omits keep the feed's "not available" sentinels
// (NaN for prices, -1 for sizes and counts).
func (c *Client) Snapshots(ctx context.Context, contracts []feed.Contract) ([]feed.Quote, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	if len(contracts) == 0 {
		return nil, nil
	}

	byConid := make(map[int64]*feed.Contract, len(contracts))
	conids := make([]string, 0, len(contracts))
	for i := range contracts {
		ct := &contracts[i]
		if ct.ConID == 0 {
			return nil, fmt.Errorf("contract %s has no conid; qualify it first", ct.Symbol)
		}
		byConid[ct.ConID] = ct
		conids = append(conids, strconv.FormatInt(ct.ConID, 10))
	}

	var rows []snapshotRow
	query := url.Values{
		"conids": {strings.Join(conids, ",")},
		"fields": {snapshotFields},
	}
	if err := c.get(ctx, "/v1/api/iserver/marketdata/snapshot", query, &rows); err != nil {
		return nil, err
	}

	quotes := make([]feed.Quote, 0, len(rows))
	for _, row := range rows {
		conid, ok := rowConid(row)
		if !ok {
			continue
		}
		contract, ok := byConid[conid]
		if !ok {
			continue
		}
		quotes = append(quotes, rowToQuote(row, *contract))
	}
	return quotes, nil
}

// rowConid extracts the conid from a snapshot row.
func rowConid(row snapshotRow) (int64, bool) {
	switch v := row["conid"].(type) {
	case float64:
		return int64(v), true
	case string:
		conid, err := strconv.ParseInt(v, 10, 64)
		return conid, err == nil
	default:
		return 0, false
	}
}

// rowToQuote maps snapshot fields onto a feed.Quote, preserving sentinel
// values for anything the gateway did not send.
func rowToQuote(row snapshotRow, contract feed.Contract) feed.Quote {
	q := feed.Quote{
		Contract:     contract,
		Bid:          rowPrice(row, fieldBid),
		Ask:          rowPrice(row, fieldAsk),
		Last:         rowPrice(row, fieldLast),
		Close:        rowPrice(row, fieldClose),
		MarketPrice:  math.NaN(), // the gateway has no model price field
		BidSize:      rowCount(row, fieldBidSize),
		AskSize:      rowCount(row, fieldAskSize),
		Volume:       rowCount(row, fieldVolume),
		OpenInterest: rowCount(row, fieldOpenInterest),
	}

	if delta, ok := rowFloat(row, fieldDelta); ok {
		greeks := &feed.Greeks{Delta: delta}
		greeks.Gamma, _ = rowFloat(row, fieldGamma)
		greeks.Theta, _ = rowFloat(row, fieldTheta)
		greeks.Vega, _ = rowFloat(row, fieldVega)
		greeks.ImpliedVol, _ = rowFloat(row, fieldImpliedVol)
		q.ModelGreeks = greeks
	}
	return q
}

// rowFloat parses one numeric snapshot field.
func rowFloat(row snapshotRow, field string) (float64, bool) {
	switch v := row[field].(type) {
	case float64:
		return v, true
	case string:
		return parseFloat(v)
	default:
		return 0, false
	}
}

// rowPrice returns the field value or the NaN price sentinel.
func rowPrice(row snapshotRow, field string) float64 {
	if v, ok := rowFloat(row, field); ok {
		return v
	}
	return math.NaN()
}

// rowCount returns the field value or the -1 size/count sentinel.
func rowCount(row snapshotRow, field string) float64 {
	if v, ok := rowFloat(row, field); ok {
		return v
	}
	return -1
}

// Verify interface compliance.
var _ feed.Client = (*Client)(nil)
