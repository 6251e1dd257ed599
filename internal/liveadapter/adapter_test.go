package liveadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testFilters() SymbolFilters {
	return SymbolFilters{
		StepSize: 0.001, StepDecimals: 3,
		MinQty: 0.001,
		TickSize: 0.1, TickDecimals: 1,
	}
}

func TestNormalizeQuantityRoundsDownToStep(t *testing.T) {
	f := testFilters()

	norm, ok := NormalizeQuantity(0.1234, f)
	require.True(t, ok)
	require.InDelta(t, 0.123, norm, 1e-9)

	norm, ok = NormalizeQuantity(0.1239, f)
	require.True(t, ok)
	require.InDelta(t, 0.123, norm, 1e-9)
}

func TestNormalizeQuantityRejectsBelowMinQty(t *testing.T) {
	f := testFilters()
	f.MinQty = 0.01

	norm, ok := NormalizeQuantity(0.0005, f)
	require.False(t, ok)
	require.InDelta(t, 0, norm, 1e-9)
}

func TestNormalizeQuantityZeroStepFallsBackToMinQtyCheck(t *testing.T) {
	f := SymbolFilters{MinQty: 1}

	_, ok := NormalizeQuantity(0.5, f)
	require.False(t, ok)

	norm, ok := NormalizeQuantity(2, f)
	require.True(t, ok)
	require.InDelta(t, 2, norm, 1e-9)
}

func TestNormalizePriceLongRoundsDownShortRoundsUp(t *testing.T) {
	f := testFilters()

	require.InDelta(t, 100.1, NormalizePrice(100.17, true, f), 1e-9)
	require.InDelta(t, 100.2, NormalizePrice(100.17, false, f), 1e-9)
}

func TestNormalizePriceZeroTickIsPassthrough(t *testing.T) {
	f := SymbolFilters{}
	require.InDelta(t, 123.456, NormalizePrice(123.456, true, f), 1e-9)
}

func TestIncomeStatsApplyDeduplicatesByFullKey(t *testing.T) {
	stats := newIncomeStats()
	row := IncomeRow{TranID: 1, Symbol: "BTCUSDT", IncomeType: "REALIZED_PNL", Income: 10, Ts: 1000}

	require.True(t, stats.apply(row))
	require.Equal(t, 1, stats.Events)
	require.InDelta(t, 10, stats.RealizedPnlUsd, 1e-9)

	require.False(t, stats.apply(row))
	require.Equal(t, 1, stats.Events)
	require.InDelta(t, 10, stats.RealizedPnlUsd, 1e-9)
}

func TestIncomeStatsApplyAccumulatesAcrossTypes(t *testing.T) {
	stats := newIncomeStats()
	require.True(t, stats.apply(IncomeRow{TranID: 1, Symbol: "BTCUSDT", IncomeType: "REALIZED_PNL", Income: 10, Ts: 1000}))
	require.True(t, stats.apply(IncomeRow{TranID: 2, Symbol: "BTCUSDT", IncomeType: "COMMISSION", Income: -0.5, Ts: 1001}))
	require.True(t, stats.apply(IncomeRow{TranID: 3, Symbol: "BTCUSDT", IncomeType: "FUNDING_FEE", Income: -0.2, Ts: 1002}))

	require.Equal(t, 3, stats.Events)
	require.InDelta(t, 10, stats.RealizedPnlUsd, 1e-9)
	require.InDelta(t, -0.5, stats.CommissionUsd, 1e-9)
	require.InDelta(t, -0.2, stats.FundingUsd, 1e-9)
	require.InDelta(t, 9.3, stats.NetUsd, 1e-9)
}

// leverageServer stubs /fapi/v1/leverage: requesting a leverage value
// present in rejectWith fails with that venue error code; anything else
// succeeds.
func leverageServer(t *testing.T, rejectWith map[string]int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/leverage" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		require.NoError(t, r.ParseForm())
		lev := r.FormValue("leverage")
		if code, reject := rejectWith[lev]; reject {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": code, "msg": "rejected"})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"leverage": lev, "symbol": "BTCUSDT"})
	}))
}

func newTestAdapter(t *testing.T, baseURL string, targetLeverage int) *Adapter {
	client := NewClient("key", "secret", zerolog.Nop(), WithBaseURL(baseURL))
	return NewAdapter(client, Config{TargetLeverage: targetLeverage}, zerolog.Nop(), nil)
}

func TestNegotiateLeverageFallsBackOnRepeatedDashFourZeroTwoEight(t *testing.T) {
	// bracket max 10, target 20: candidates above 10 are skipped outright;
	// 10 is rejected with -4028, so the next candidate (8) must win.
	srv := leverageServer(t, map[string]int{"10": -4028})
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, 20)
	got := a.negotiateLeverage(context.Background(), "BTCUSDT", 10)
	require.Equal(t, 8, got)
}

func TestNegotiateLeverageStopsOnNonRetryableCode(t *testing.T) {
	srv := leverageServer(t, map[string]int{"10": -2014})
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, 20)
	got := a.negotiateLeverage(context.Background(), "BTCUSDT", 10)
	require.Equal(t, 1, got)
}

func TestNegotiateLeverageAcceptsFirstCandidateUnderCap(t *testing.T) {
	srv := leverageServer(t, nil)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, 20)
	got := a.negotiateLeverage(context.Background(), "BTCUSDT", 10)
	require.Equal(t, 10, got)
}

func TestNegotiateLeverageHardCeilingCapsAboveTwenty(t *testing.T) {
	// no bracket info (0 => uncapped by bracket), hard ceiling of 20 still
	// applies even with a target above it.
	srv := leverageServer(t, nil)
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, 50)
	got := a.negotiateLeverage(context.Background(), "BTCUSDT", 0)
	require.Equal(t, 20, got)
}
