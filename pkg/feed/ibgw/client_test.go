package ibgw

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-ibkr-options/pkg/feed"
)

// fakeGateway serves the subset of Client Portal endpoints the driver uses.
type fakeGateway struct {
	mux *http.ServeMux
	srv *httptest.Server

	authenticated bool
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{mux: http.NewServeMux(), authenticated: true}

	g.mux.HandleFunc("POST /v1/api/tickle", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"session": "abc"})
	})
	g.mux.HandleFunc("GET /v1/api/iserver/auth/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"authenticated": g.authenticated,
			"connected":     g.authenticated,
		})
	})

	g.srv = httptest.NewServer(g.mux)
	t.Cleanup(g.srv.Close)
	return g
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (g *fakeGateway) client() *Client {
	return New(Config{
		BaseURL: g.srv.URL,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func (g *fakeGateway) connectedClient(t *testing.T) *Client {
	t.Helper()
	c := g.client()
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestClientConnect(t *testing.T) {
	g := newFakeGateway(t)
	c := g.client()

	require.False(t, c.IsConnected())
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
}

func TestClientConnectUnauthenticated(t *testing.T) {
	g := newFakeGateway(t)
	g.authenticated = false
	c := g.client()

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "not authenticated")
	assert.False(t, c.IsConnected())
}

func TestClientDisconnectIdempotent(t *testing.T) {
	g := newFakeGateway(t)
	c := g.connectedClient(t)

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	assert.False(t, c.IsConnected())
}

func TestClientOperationsRequireConnection(t *testing.T) {
	g := newFakeGateway(t)
	c := g.client()
	ctx := context.Background()

	_, err := c.QualifyContract(ctx, feed.Contract{Symbol: "AAPL"})
	require.ErrorIs(t, err, feed.ErrNotConnected)

	_, err = c.OptionChains(ctx, feed.Contract{Symbol: "AAPL"})
	require.ErrorIs(t, err, feed.ErrNotConnected)

	_, err = c.Snapshots(ctx, []feed.Contract{{ConID: 1}})
	require.ErrorIs(t, err, feed.ErrNotConnected)
}

func TestQualifyUnderlying(t *testing.T) {
	g := newFakeGateway(t)
	g.mux.HandleFunc("GET /v1/api/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		writeJSON(w, []map[string]any{
			{"conid": 265598, "symbol": "AAPL", "sections": []map[string]any{
				{"secType": "STK"},
				{"secType": "OPT", "months": "JAN26;FEB26"},
			}},
		})
	})
	c := g.connectedClient(t)

	got, err := c.QualifyContract(context.Background(), feed.Contract{
		Symbol: "AAPL", SecType: feed.SecTypeStock,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(265598), got.ConID)
}

func TestQualifyUnderlyingUnknownSymbol(t *testing.T) {
	g := newFakeGateway(t)
	g.mux.HandleFunc("GET /v1/api/iserver/secdef/search", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []map[string]any{})
	})
	c := g.connectedClient(t)

	_, err := c.QualifyContract(context.Background(), feed.Contract{
		Symbol: "ZZZZ", SecType: feed.SecTypeStock,
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "no security definition")
}

func TestQualifyOption(t *testing.T) {
	g := newFakeGateway(t)
	g.mux.HandleFunc("GET /v1/api/iserver/secdef/search", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []map[string]any{
			{"conid": 265598, "symbol": "AAPL", "sections": []map[string]any{
				{"secType": "OPT", "months": "JAN26"},
			}},
		})
	})
	g.mux.HandleFunc("GET /v1/api/iserver/secdef/info", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "265598", q.Get("conid"))
		assert.Equal(t, "OPT", q.Get("sectype"))
		assert.Equal(t, "JAN26", q.Get("month"))
		assert.Equal(t, "230", q.Get("strike"))
		assert.Equal(t, "C", q.Get("right"))
		writeJSON(w, []map[string]any{
			{"conid": 700001, "maturityDate": "20260109", "right": "C", "strike": 230},
			{"conid": 700002, "maturityDate": "20260116", "right": "C", "strike": 230,
				"tradingClass": "AAPL"},
		})
	})
	c := g.connectedClient(t)

	got, err := c.QualifyContract(context.Background(), feed.Contract{
		Symbol:  "AAPL",
		SecType: feed.SecTypeOption,
		Expiry:  "20260116",
		Strike:  230,
		Right:   feed.RightCall,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(700002), got.ConID)
	assert.Equal(t, "AAPL", got.TradingClass)
}

func TestQualifyOptionNoMatchingMaturity(t *testing.T) {
	g := newFakeGateway(t)
	g.mux.HandleFunc("GET /v1/api/iserver/secdef/search", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []map[string]any{
			{"conid": 265598, "symbol": "AAPL", "sections": []map[string]any{}},
		})
	})
	g.mux.HandleFunc("GET /v1/api/iserver/secdef/info", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []map[string]any{
			{"conid": 700001, "maturityDate": "20260109"},
		})
	})
	c := g.connectedClient(t)

	_, err := c.QualifyContract(context.Background(), feed.Contract{
		Symbol:  "AAPL",
		SecType: feed.SecTypeOption,
		Expiry:  "20260116",
		Strike:  230,
		Right:   feed.RightCall,
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "no option definition")
}

func TestOptionChains(t *testing.T) {
	g := newFakeGateway(t)
	g.mux.HandleFunc("GET /v1/api/iserver/secdef/search", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []map[string]any{
			{"conid": 265598, "symbol": "AAPL", "sections": []map[string]any{
				{"secType": "OPT", "months": "JAN26;FEB26"},
			}},
		})
	})
	g.mux.HandleFunc("GET /v1/api/iserver/secdef/strikes", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("month") {
		case "JAN26":
			writeJSON(w, map[string]any{"call": []float64{225, 230}, "put": []float64{230, 235}})
		default:
			writeJSON(w, map[string]any{"call": []float64{230, 240}, "put": []float64{240}})
		}
	})
	g.mux.HandleFunc("GET /v1/api/iserver/secdef/info", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("month") {
		case "JAN26":
			writeJSON(w, []map[string]any{
				{"conid": 1, "maturityDate": "20260109"},
				{"conid": 2, "maturityDate": "20260116"},
				{"conid": 3, "maturityDate": "20260116"},
			})
		default:
			writeJSON(w, []map[string]any{
				{"conid": 4, "maturityDate": "20260220"},
			})
		}
	})
	c := g.connectedClient(t)

	chains, err := c.OptionChains(context.Background(), feed.Contract{Symbol: "aapl"})
	require.NoError(t, err)
	require.Len(t, chains, 1)

	ch := chains[0]
	assert.Equal(t, "SMART", ch.Exchange)
	assert.Equal(t, int64(265598), ch.UnderlyingConID)
	assert.Equal(t, "AAPL", ch.TradingClass)
	assert.Equal(t, []string{"20260109", "20260116", "20260220"}, ch.Expirations)
	assert.Equal(t, []float64{225, 230, 235, 240}, ch.Strikes)
}

func TestOptionChainsNoOptions(t *testing.T) {
	g := newFakeGateway(t)
	g.mux.HandleFunc("GET /v1/api/iserver/secdef/search", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []map[string]any{
			{"conid": 99, "symbol": "BRK A", "sections": []map[string]any{{"secType": "STK"}}},
		})
	})
	c := g.connectedClient(t)

	chains, err := c.OptionChains(context.Background(), feed.Contract{Symbol: "BRK A"})
	require.NoError(t, err)
	assert.Empty(t, chains)
}

func TestSnapshots(t *testing.T) {
	g := newFakeGateway(t)
	g.mux.HandleFunc("GET /v1/api/iserver/marketdata/snapshot", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "700001,700002", q.Get("conids"))
		assert.Contains(t, q.Get("fields"), fieldDelta)
		writeJSON(w, []map[string]any{
			{
				"conid": 700001,
				"31":    "2.45", "84": "2.40", "86": "2.50",
				"85": "12", "88": "8",
				"87": "1,024", "7296": "C2.30", "7638": "5300",
				"7308": "0.52", "7309": "0.03", "7310": "-0.05",
				"7311": "0.11", "7633": "0.29",
			},
			{
				"conid": 700002,
				"84":    "1.10", "86": "1.20",
			},
		})
	})
	c := g.connectedClient(t)

	contracts := []feed.Contract{
		{ConID: 700001, Symbol: "AAPL", SecType: feed.SecTypeOption, Strike: 230, Right: "C"},
		{ConID: 700002, Symbol: "AAPL", SecType: feed.SecTypeOption, Strike: 230, Right: "P"},
	}
	quotes, err := c.Snapshots(context.Background(), contracts)
	require.NoError(t, err)
	require.Len(t, quotes, 2)

	q1 := quotes[0]
	assert.Equal(t, int64(700001), q1.Contract.ConID)
	assert.Equal(t, 2.45, q1.Last)
	assert.Equal(t, 2.40, q1.Bid)
	assert.Equal(t, 2.50, q1.Ask)
	assert.Equal(t, 8.0, q1.BidSize)
	assert.Equal(t, 12.0, q1.AskSize)
	assert.Equal(t, 1024.0, q1.Volume, "thousands separators are stripped")
	assert.Equal(t, 2.30, q1.Close, "the close-price prefix is stripped")
	assert.Equal(t, 5300.0, q1.OpenInterest)
	require.NotNil(t, q1.ModelGreeks)
	assert.Equal(t, 0.52, q1.ModelGreeks.Delta)
	assert.Equal(t, 0.29, q1.ModelGreeks.ImpliedVol)

	// Missing fields keep their sentinels.
	q2 := quotes[1]
	assert.True(t, math.IsNaN(q2.Last), "missing last stays NaN")
	assert.Equal(t, -1.0, q2.Volume)
	assert.Nil(t, q2.ModelGreeks)
}

func TestSnapshotsRejectUnqualified(t *testing.T) {
	g := newFakeGateway(t)
	c := g.connectedClient(t)

	_, err := c.Snapshots(context.Background(), []feed.Contract{{Symbol: "AAPL"}})
	require.Error(t, err)
	assert.ErrorContains(t, err, "qualify")
}

func TestSnapshotsEmptyBatch(t *testing.T) {
	g := newFakeGateway(t)
	c := g.connectedClient(t)

	quotes, err := c.Snapshots(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, quotes)
}

func TestMonthLabel(t *testing.T) {
	got, err := monthLabel("20260116")
	require.NoError(t, err)
	assert.Equal(t, "JAN26", got)

	_, err = monthLabel("not-a-date")
	require.Error(t, err)
}

func TestParseFloat(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"2.45", 2.45, true},
		{"C2.30", 2.30, true},
		{"H1.00", 1.00, true},
		{"1,024", 1024, true},
		{"", 0, false},
		{"n/a", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseFloat(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if tt.ok {
			assert.Equal(t, tt.want, got, tt.in)
		}
	}
}

func TestTrimFloat(t *testing.T) {
	assert.Equal(t, "230", trimFloat(230))
	assert.Equal(t, "127.5", trimFloat(127.5))
	assert.Equal(t, "0.25", trimFloat(0.25))
}
