package analyzer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func defaultConfig() Config {
	return Config{
		HistoryCandles:   20,
		DecisionWindowMs: 60000,
		FlowMinSamples:   20,
		TriggerMinPct:    0.05,
		TriggerMaxPct:    1.2,
	}
}

func flatCandles(n int, base float64) []Candle {
	return flatCandlesVolume(n, base, 10)
}

// flatCandlesVolume builds a flat (no trend) candle series with a constant
// volume, except the final candle carries lastVolume — used to control the
// volumeRatio weak-volume check independently of price trend.
func flatCandlesVolume(n int, base, lastVolume float64) []Candle {
	out := make([]Candle, n)
	for i := 0; i < n; i++ {
		vol := 100.0
		if i == n-1 {
			vol = lastVolume
		}
		out[i] = Candle{
			OpenTime: int64(i * 1000), CloseTime: int64(i*1000 + 999),
			Open: base, High: base + 0.01, Low: base - 0.01, Close: base, Volume: vol,
		}
	}
	return out
}

func TestAnalyzeNoLivePriceIsWait(t *testing.T) {
	a := Analyze(flatCandles(20, 100), 0, false, 1000, FlowContext{}, defaultConfig())
	require.Equal(t, StatusWait, a.Status)
}

func TestAnalyzeInsufficientHistoryIsWait(t *testing.T) {
	a := Analyze(flatCandles(5, 100), 100, true, 1000, FlowContext{}, defaultConfig())
	require.Equal(t, StatusWait, a.Status)
	require.Equal(t, "insufficient candle history", a.Reason)
}

func TestAnalyzeOutsideDecisionWindowIsWait(t *testing.T) {
	cfg := defaultConfig()
	a := Analyze(flatCandles(20, 100), 100, true, cfg.DecisionWindowMs+1, FlowContext{}, cfg)
	require.Equal(t, StatusWait, a.Status)
	require.Equal(t, "outside decision window", a.Reason)
}

func TestAnalyzeFlatMarketIsSideways(t *testing.T) {
	a := Analyze(flatCandlesVolume(40, 100, 1), 100, true, 1000, FlowContext{}, defaultConfig())
	require.Equal(t, StatusSideways, a.Status)
	require.Equal(t, "weak trend and weak volume", a.Reason)
	require.Greater(t, a.TriggerPct, 0.0)
	require.Greater(t, a.LongAbove, 100.0)
	require.Less(t, a.ShortBelow, 100.0)
}

func TestAnalyzeTrendingMarketReachesSetupWithSupportingFlow(t *testing.T) {
	candles := make([]Candle, 40)
	price := 100.0
	for i := range candles {
		price += 0.3
		candles[i] = Candle{
			OpenTime: int64(i * 1000), CloseTime: int64(i*1000 + 999),
			Open: price - 0.3, High: price + 0.1, Low: price - 0.4, Close: price, Volume: 50 + float64(i),
		}
	}
	flow := FlowContext{BuyQty: 80, SellQty: 20, Samples: 25}
	a := Analyze(candles, price, true, 1000, flow, defaultConfig())
	require.True(t, a.HasFlow)
	require.Equal(t, StatusSetup, a.Status)
}

func TestAnalyzeFlowConflictForcesSideways(t *testing.T) {
	candles := make([]Candle, 40)
	price := 100.0
	for i := range candles {
		price += 0.3
		candles[i] = Candle{
			OpenTime: int64(i * 1000), CloseTime: int64(i*1000 + 999),
			Open: price - 0.3, High: price + 0.1, Low: price - 0.4, Close: price, Volume: 50 + float64(i),
		}
	}
	flow := FlowContext{BuyQty: 20, SellQty: 80, Samples: 25}
	a := Analyze(candles, price, true, 1000, flow, defaultConfig())
	require.Equal(t, StatusSideways, a.Status)
	require.Equal(t, "flow conflicts trend", a.Reason)
}

func TestAnalyzeFlowBelowMinSamplesIsIgnored(t *testing.T) {
	flow := FlowContext{BuyQty: 1, SellQty: 99, Samples: 3}
	a := Analyze(flatCandles(40, 100), 100, true, 1000, flow, defaultConfig())
	require.False(t, a.HasFlow)
}

func TestAtrPercentIsMeanRangeOverCloseOfLast14(t *testing.T) {
	// 20 candles: the 6 oldest carry a 10% high-low range, the 14 inside the
	// averaging window a 2% range, so only the window's bars may contribute.
	candles := make([]Candle, 20)
	for i := range candles {
		hi, lo := 105.0, 95.0
		if i >= 6 {
			hi, lo = 101.0, 99.0
		}
		candles[i] = Candle{
			OpenTime: int64(i * 1000), CloseTime: int64(i*1000 + 999),
			Open: 100, High: hi, Low: lo, Close: 100, Volume: 10,
		}
	}
	require.InDelta(t, 2.0, atrPercent(candles, 14), 1e-9)
}

func TestAtrPercentShortHistoryAveragesWhatExists(t *testing.T) {
	candles := []Candle{
		{OpenTime: 0, CloseTime: 999, Open: 100, High: 102, Low: 98, Close: 100, Volume: 10},
		{OpenTime: 1000, CloseTime: 1999, Open: 100, High: 103, Low: 97, Close: 100, Volume: 10},
	}
	// (4 + 6) / 2 = 5 percent.
	require.InDelta(t, 5.0, atrPercent(candles, 14), 1e-9)

	require.InDelta(t, 0, atrPercent(nil, 14), 1e-9)
}

func TestMean(t *testing.T) {
	require.InDelta(t, 0, Mean(nil), 1e-9)
	require.InDelta(t, 2, Mean([]float64{1, 2, 3}), 1e-9)
}

func TestStdDev(t *testing.T) {
	require.InDelta(t, 0, StdDev([]float64{5}), 1e-9, "fewer than 2 samples yields 0")
	require.InDelta(t, 0, StdDev([]float64{4, 4, 4}), 1e-9)
	require.Greater(t, StdDev([]float64{1, 2, 3, 4, 5}), 0.0)
}

func TestEMASeededFirstSeedsWithFirstValue(t *testing.T) {
	require.InDelta(t, 0, EMASeededFirst(nil, 5), 1e-9)

	ema := EMASeededFirst([]float64{10}, 5)
	require.InDelta(t, 10, ema, 1e-9, "a single-value series must yield the seed itself")

	constant := EMASeededFirst([]float64{7, 7, 7, 7}, 3)
	require.InDelta(t, 7, constant, 1e-9, "a constant series stays at the seed")
}

func TestReturns(t *testing.T) {
	require.Nil(t, Returns([]float64{1}))
	r := Returns([]float64{100, 110, 99})
	require.Len(t, r, 2)
	require.InDelta(t, 10, r[0], 1e-9)
	require.InDelta(t, -10, r[1], 1e-9)
}

func TestClampViaTriggerPctBounds(t *testing.T) {
	cfg := defaultConfig()
	a := Analyze(flatCandlesVolume(40, 100, 1), 100, true, 1000, FlowContext{}, cfg)
	require.GreaterOrEqual(t, a.TriggerPct, 0.08)
	require.LessOrEqual(t, a.TriggerPct, 2.2)
}
