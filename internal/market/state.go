// Package market owns per-symbol mutable state: the candle ring, the
// sliding aggregated-trade window, and the latest trade/mark prices. It is
// the Symbol State Store of the engine — exclusively owned by the store,
// read by the analyzer and tick loop, mutated only through ApplyEvent (and
// SetError for the per-symbol error tag).
package market

import (
	"math"
	"sync"

	"github.com/napwork-hash/perpfutures-engine/internal/feed"
)

// Side is a buy/sell trade aggressor tag.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

// AggTrade is one aggregated trade sample kept in the flow window.
type AggTrade struct {
	Ts   int64
	Qty  float64
	Side Side
}

// SymbolState is the mutable per-symbol record described in the data model.
type SymbolState struct {
	mu sync.RWMutex

	symbol string

	candles *CandleRing

	tradePrice float64
	tradeQty   float64
	tradeTs    int64

	markPrice float64
	markTs    int64

	lastVolume5m float64

	nextCandleCloseTs int64
	lastCloseTime     int64

	lastStreamAt int64

	flowWindow     []AggTrade
	flowLookbackMs int64

	errTag string
}

// NewSymbolState allocates a store record with the given candle-ring
// capacity and flow-lookback window.
func NewSymbolState(symbol string, historyCandles int, flowLookbackMs int64) *SymbolState {
	return &SymbolState{
		symbol:         symbol,
		candles:        NewCandleRing(historyCandles),
		flowLookbackMs: flowLookbackMs,
	}
}

// ApplyEvent folds one decoded market event into the state. cycleMs is the
// fixed candle interval in milliseconds (derived from HISTORY_INTERVAL).
func (s *SymbolState) ApplyEvent(ev feed.MarketEvent, cycleMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case feed.EventTrade:
		t := ev.Trade
		s.tradePrice = t.Price
		s.tradeQty = t.Qty
		s.tradeTs = t.Ts
		if t.Qty > 0 && finite(float64(t.Ts)) {
			side := SideBuy
			if t.IsBuyerMaker {
				side = SideSell
			}
			s.flowWindow = append(s.flowWindow, AggTrade{Ts: t.Ts, Qty: t.Qty, Side: side})
			s.pruneFlowLocked(t.Ts)
		}
		s.lastStreamAt = t.Ts

	case feed.EventMark:
		m := ev.Mark
		s.markPrice = m.Price
		s.markTs = m.Ts
		s.lastStreamAt = m.Ts

	case feed.EventKline:
		k := ev.Kline
		s.lastVolume5m = k.Volume
		s.lastStreamAt = k.CloseTime
		if k.Closed {
			c := Candle{
				OpenTime:  k.OpenTime,
				CloseTime: k.CloseTime,
				Open:      k.Open,
				High:      k.High,
				Low:       k.Low,
				Close:     k.Close,
				Volume:    k.Volume,
			}
			s.candles.Upsert(c)
			s.lastCloseTime = k.CloseTime
			s.nextCandleCloseTs = k.CloseTime + cycleMs
		} else {
			s.nextCandleCloseTs = k.CloseTime
		}
	}
}

func (s *SymbolState) pruneFlowLocked(newestTs int64) {
	cutoff := newestTs - s.flowLookbackMs
	i := 0
	for i < len(s.flowWindow) && s.flowWindow[i].Ts < cutoff {
		i++
	}
	if i > 0 {
		s.flowWindow = s.flowWindow[i:]
	}
}

// LivePrice returns the first of tradePrice, markPrice, last candle close.
func (s *SymbolState) LivePrice() (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tradePrice > 0 {
		return s.tradePrice, true
	}
	if s.markPrice > 0 {
		return s.markPrice, true
	}
	if last, ok := s.candles.Last(); ok {
		return last.Close, true
	}
	return 0, false
}

// MsToNextCandle returns max(0, nextCandleCloseTs-now), falling back to
// lastCloseTime+cycleMs-now, or +Inf if neither is known.
func (s *SymbolState) MsToNextCandle(now int64, cycleMs int64) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.nextCandleCloseTs > 0 {
		d := float64(s.nextCandleCloseTs - now)
		if d < 0 {
			d = 0
		}
		return d
	}
	if s.lastCloseTime > 0 {
		d := float64(s.lastCloseTime+cycleMs) - float64(now)
		if d < 0 {
			d = 0
		}
		return d
	}
	return math.Inf(1)
}

// CurrentCycleID returns nextCandleCloseTs (or the same fallback
// MsToNextCandle uses) and whether a cycle is known at all.
func (s *SymbolState) CurrentCycleID(cycleMs int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.nextCandleCloseTs > 0 {
		return s.nextCandleCloseTs, true
	}
	if s.lastCloseTime > 0 {
		return s.lastCloseTime + cycleMs, true
	}
	return 0, false
}

// Candles returns a snapshot of the candle ring, oldest-first.
func (s *SymbolState) Candles() []Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Candle, s.candles.Len())
	copy(out, s.candles.All())
	return out
}

// CandleCount reports how many candles are currently in the ring.
func (s *SymbolState) CandleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.candles.Len()
}

// FlowSnapshot returns the buy/sell quantity totals currently in the window
// along with the sample count.
func (s *SymbolState) FlowSnapshot() (buyQty, sellQty float64, samples int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.flowWindow {
		if t.Side == SideBuy {
			buyQty += t.Qty
		} else {
			sellQty += t.Qty
		}
	}
	return buyQty, sellQty, len(s.flowWindow)
}

// Prices returns the latest trade and mark prices, zero when not yet seen.
func (s *SymbolState) Prices() (tradePrice, markPrice float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tradePrice, s.markPrice
}

// LastVolume5m returns the most recent kline volume field observed, closed
// or in-progress.
func (s *SymbolState) LastVolume5m() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastVolume5m
}

// LastStreamAt returns the timestamp of the most recent event applied to
// this symbol, used by the tick loop to report per-symbol feed staleness.
func (s *SymbolState) LastStreamAt() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastStreamAt
}

// SetError records a per-symbol error string for the Renderer (e.g. history
// hydration failure). An empty string clears it.
func (s *SymbolState) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errTag = msg
}

// Error returns the current per-symbol error tag, if any.
func (s *SymbolState) Error() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errTag
}

// Symbol returns the symbol this state belongs to.
func (s *SymbolState) Symbol() string { return s.symbol }

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// Store owns the complete symbol → SymbolState mapping, written once at
// init (the symbol set never changes at runtime) and mutated per-symbol
// only through the owning SymbolState.
type Store struct {
	states map[string]*SymbolState
}

// NewStore builds a store for the given symbol universe.
func NewStore(symbols []string, historyCandles int, flowLookbackMs int64) *Store {
	st := &Store{states: make(map[string]*SymbolState, len(symbols))}
	for _, sym := range symbols {
		st.states[sym] = NewSymbolState(sym, historyCandles, flowLookbackMs)
	}
	return st
}

// Get returns the state for a symbol, or nil if the symbol is not tracked.
func (s *Store) Get(symbol string) *SymbolState { return s.states[symbol] }

// Symbols returns the tracked symbol universe.
func (s *Store) Symbols() []string {
	out := make([]string, 0, len(s.states))
	for sym := range s.states {
		out = append(out, sym)
	}
	return out
}
