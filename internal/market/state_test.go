package market

import (
	"math"
	"testing"

	"github.com/napwork-hash/perpfutures-engine/internal/feed"
	"github.com/stretchr/testify/require"
)

func TestSymbolStateApplyTradeUpdatesLivePriceAndFlow(t *testing.T) {
	s := NewSymbolState("btcusdt", 10, 60000)

	s.ApplyEvent(feed.MarketEvent{
		Symbol: "btcusdt",
		Kind:   feed.EventTrade,
		Trade:  feed.TradePayload{Price: 65000, Qty: 0.5, Ts: 1000, IsBuyerMaker: false},
	}, 300000)

	price, ok := s.LivePrice()
	require.True(t, ok)
	require.InDelta(t, 65000, price, 1e-9)

	buy, sell, samples := s.FlowSnapshot()
	require.InDelta(t, 0.5, buy, 1e-9)
	require.InDelta(t, 0, sell, 1e-9)
	require.Equal(t, 1, samples)
}

func TestSymbolStateFlowWindowPrunesOutsideLookback(t *testing.T) {
	s := NewSymbolState("btcusdt", 10, 1000)

	s.ApplyEvent(feed.MarketEvent{
		Symbol: "btcusdt", Kind: feed.EventTrade,
		Trade: feed.TradePayload{Price: 100, Qty: 1, Ts: 1000, IsBuyerMaker: true},
	}, 300000)
	s.ApplyEvent(feed.MarketEvent{
		Symbol: "btcusdt", Kind: feed.EventTrade,
		Trade: feed.TradePayload{Price: 101, Qty: 2, Ts: 2500, IsBuyerMaker: false},
	}, 300000)

	buy, sell, samples := s.FlowSnapshot()
	require.Equal(t, 1, samples, "first trade should have been pruned once outside the 1000ms lookback")
	require.InDelta(t, 2, buy, 1e-9)
	require.InDelta(t, 0, sell, 1e-9)
}

func TestSymbolStateLivePriceFallsBackToMarkThenCandleClose(t *testing.T) {
	s := NewSymbolState("ethusdt", 10, 60000)

	_, ok := s.LivePrice()
	require.False(t, ok)

	s.ApplyEvent(feed.MarketEvent{
		Symbol: "ethusdt", Kind: feed.EventKline,
		Kline: feed.KlinePayload{OpenTime: 0, CloseTime: 300000, Open: 10, High: 12, Low: 9, Close: 11, Volume: 5, Closed: true},
	}, 300000)
	price, ok := s.LivePrice()
	require.True(t, ok)
	require.InDelta(t, 11, price, 1e-9)

	s.ApplyEvent(feed.MarketEvent{
		Symbol: "ethusdt", Kind: feed.EventMark,
		Mark: feed.MarkPayload{Price: 11.5, Ts: 300500},
	}, 300000)
	price, ok = s.LivePrice()
	require.True(t, ok)
	require.InDelta(t, 11.5, price, 1e-9, "mark price should take priority over last candle close")
}

func TestSymbolStateCandleCycleTracking(t *testing.T) {
	s := NewSymbolState("btcusdt", 10, 60000)
	cycleMs := int64(300000)

	s.ApplyEvent(feed.MarketEvent{
		Symbol: "btcusdt", Kind: feed.EventKline,
		Kline: feed.KlinePayload{OpenTime: 0, CloseTime: 299999, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 1, Closed: true},
	}, cycleMs)

	id, has := s.CurrentCycleID(cycleMs)
	require.True(t, has)
	require.Equal(t, int64(299999+cycleMs), id)

	ms := s.MsToNextCandle(400000, cycleMs)
	require.Greater(t, ms, 0.0)
	require.Less(t, ms, float64(cycleMs))
}

func TestSymbolStateNoCycleKnownYieldsInfiniteDistance(t *testing.T) {
	s := NewSymbolState("btcusdt", 10, 60000)
	ms := s.MsToNextCandle(1000, 300000)
	require.True(t, math.IsInf(ms, 1))

	_, has := s.CurrentCycleID(300000)
	require.False(t, has)
}

func TestStoreGetReturnsNilForUntrackedSymbol(t *testing.T) {
	store := NewStore([]string{"btcusdt", "ethusdt"}, 10, 60000)
	require.NotNil(t, store.Get("btcusdt"))
	require.Nil(t, store.Get("solusdt"))
	require.ElementsMatch(t, []string{"btcusdt", "ethusdt"}, store.Symbols())
}
