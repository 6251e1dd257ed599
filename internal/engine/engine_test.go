package engine

import (
	"context"
	"testing"

	"github.com/napwork-hash/perpfutures-engine/internal/config"
	"github.com/napwork-hash/perpfutures-engine/internal/feed"
	"github.com/napwork-hash/perpfutures-engine/internal/market"
	"github.com/napwork-hash/perpfutures-engine/internal/render"
	"github.com/napwork-hash/perpfutures-engine/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testCycleMs = int64(300000)

type captureRenderer struct {
	rows []render.Row
}

func (c *captureRenderer) Render(rows []render.Row) { c.rows = rows }

func testConfig() *config.Config {
	return &config.Config{
		Symbols:          []string{"BTCUSDT"},
		RenderIntervalMs: 1000,
		HistoryCandles:   40,
		HistoryInterval:  "5m",
		DecisionWindowMs: 300000,
		FlowLookbackMs:   60000,
		FlowMinSamples:   20,
		TriggerMinPct:    0.05,
		TriggerMaxPct:    1.2,
		Sim: config.SimConfig{
			MarginUsd: 10, Leverage: 20,
			SLRoiMinPct: 8, SLRoiMaxPct: 15,
			TrailActivateRoiMinPct: 10, TrailActivateRoiMaxPct: 20,
			TrailDdRoiMinPct: 3, TrailDdRoiMaxPct: 6,
			MinNetProfitUsd: 0.2, FeeRatePct: 0.05,
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *market.Store) {
	cfg := testConfig()
	store := market.NewStore([]string{"btcusdt"}, cfg.HistoryCandles, int64(cfg.FlowLookbackMs))
	sup := feed.NewSupervisor(nil, zerolog.Nop())

	e, err := New(Deps{
		Config:   cfg,
		Store:    store,
		Feed:     sup,
		Renderer: &captureRenderer{},
		Metrics:  telemetry.New(prometheus.NewRegistry()),
		Log:      zerolog.Nop(),
	})
	require.NoError(t, err)
	return e, store
}

// seedTrendingCandles fills the ring with a steady uptrend so the analyzer
// classifies the symbol as SETUP, and returns the final close price.
func seedTrendingCandles(state *market.SymbolState, n int) float64 {
	price := 100.0
	for i := 0; i < n; i++ {
		open := price
		price *= 1.003
		closeTime := int64(i+1) * testCycleMs
		state.ApplyEvent(feed.MarketEvent{
			Symbol: "btcusdt",
			Kind:   feed.EventKline,
			Kline: feed.KlinePayload{
				OpenTime:  closeTime - testCycleMs + 1,
				CloseTime: closeTime,
				Open:      open,
				High:      price * 1.001,
				Low:       open * 0.999,
				Close:     price,
				Volume:    100,
				Closed:    true,
			},
		}, testCycleMs)
	}
	return price
}

func applyTrade(state *market.SymbolState, price float64, ts int64) {
	state.ApplyEvent(feed.MarketEvent{
		Symbol: "btcusdt",
		Kind:   feed.EventTrade,
		Trade:  feed.TradePayload{Price: price, Qty: 0.1, Ts: ts},
	}, testCycleMs)
}

func TestTickSymbolInsufficientHistoryIsWait(t *testing.T) {
	e, _ := newTestEngine(t)

	row := e.tickSymbol(context.Background(), "BTCUSDT", 1000)
	require.Equal(t, "WAIT", row.Status)
	require.False(t, row.SimActive)
}

func TestTickSymbolBreakoutOpensThenStopLossCloses(t *testing.T) {
	e, store := newTestEngine(t)
	state := store.Get("btcusdt")
	lastClose := seedTrendingCandles(state, 40)

	// Inside the decision window of the current cycle.
	now := int64(40)*testCycleMs + 100000

	row := e.tickSymbol(context.Background(), "BTCUSDT", now)
	require.Equal(t, "SETUP", row.PlanStatus)
	require.Greater(t, row.LongAbove, lastClose)
	require.False(t, row.SimActive, "no breakout yet, price still at the candle close")

	// Price breaks out well above the frozen longAbove threshold.
	breakout := lastClose * 1.05
	applyTrade(state, breakout, now+500)
	row = e.tickSymbol(context.Background(), "BTCUSDT", now+1000)
	require.True(t, row.SimActive)
	require.Equal(t, "long", row.SimSide)

	// Hard adverse move: ROI blows through the stop-loss bound.
	applyTrade(state, breakout*0.90, now+1500)
	row = e.tickSymbol(context.Background(), "BTCUSDT", now+2000)
	require.False(t, row.SimActive)
	require.Equal(t, 1, row.SimTotalTrades)
	require.Less(t, row.SimRealizedPnlUsd, 0.0)

	sim := e.sims["BTCUSDT"]
	require.Len(t, sim.History, 1)
	require.Equal(t, "SL_ROI", sim.History[0].ExitReason.String())
}

func TestTickSymbolPlanThresholdsStayFrozenWithinCycle(t *testing.T) {
	e, store := newTestEngine(t)
	state := store.Get("btcusdt")
	seedTrendingCandles(state, 40)

	now := int64(40)*testCycleMs + 100000
	first := e.tickSymbol(context.Background(), "BTCUSDT", now)
	require.Equal(t, "SETUP", first.PlanStatus)

	// A later tick in the same cycle recomputes the analysis at a new price,
	// but the published thresholds must still be the frozen plan's.
	applyTrade(state, first.LivePrice*1.001, now+500)
	second := e.tickSymbol(context.Background(), "BTCUSDT", now+1000)
	require.InDelta(t, first.LongAbove, second.LongAbove, 1e-9)
	require.InDelta(t, first.ShortBelow, second.ShortBelow, 1e-9)
}
