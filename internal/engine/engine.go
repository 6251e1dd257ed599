// Package engine implements the tick loop: at a fixed render cadence it
// drains decoded feed events into the symbol state store, runs the strategy
// analyzer and decision planner, drives the simulator, mirrors fills onto
// the live trader adapter, and publishes a row per symbol to the renderer.
// A slower background ticker reconciles live positions and income.
package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/napwork-hash/perpfutures-engine/internal/analyzer"
	"github.com/napwork-hash/perpfutures-engine/internal/config"
	"github.com/napwork-hash/perpfutures-engine/internal/feed"
	"github.com/napwork-hash/perpfutures-engine/internal/liveadapter"
	"github.com/napwork-hash/perpfutures-engine/internal/market"
	"github.com/napwork-hash/perpfutures-engine/internal/planner"
	"github.com/napwork-hash/perpfutures-engine/internal/render"
	"github.com/napwork-hash/perpfutures-engine/internal/simulator"
	"github.com/napwork-hash/perpfutures-engine/internal/telemetry"
	"github.com/napwork-hash/perpfutures-engine/internal/tradelog"
	"github.com/rs/zerolog"
)

const syncRuntimeInterval = 3 * time.Second

// Engine owns the tick loop: one pass per symbol per cadence, in the
// configured symbol list order, with no interleaving across symbols within
// the same tick.
type Engine struct {
	cfg         *config.Config
	cycleMs     int64
	analyzerCfg analyzer.Config
	bounds      map[string]simulator.RiskBounds

	store   *market.Store
	planner *planner.Planner
	sims    map[string]*simulator.SimState

	feed     *feed.Supervisor
	live     *liveadapter.Adapter
	renderer render.Renderer
	metrics  *telemetry.Metrics
	tradelog *tradelog.DB
	log      zerolog.Logger

	symbolToMarket map[string]string // decision symbol (uppercase, as configured) -> live market symbol override

	wg     sync.WaitGroup
	cancel context.CancelFunc

	lastReconnects int64
}

// Deps bundles the Engine's collaborators, all constructed by cmd/engine.
type Deps struct {
	Config       *config.Config
	Store        *market.Store
	Feed         *feed.Supervisor
	Live         *liveadapter.Adapter // nil disables live mirroring
	Renderer     render.Renderer
	Metrics      *telemetry.Metrics
	Tradelog     *tradelog.DB                  // nil disables persistence
	RiskProfiles map[string]config.RiskProfile // nil or missing entries fall back to Config.Sim
	Log          zerolog.Logger
}

// New builds an Engine ready for Run.
func New(d Deps) (*Engine, error) {
	cycleMs, err := d.Config.CycleMs()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     d.Config,
		cycleMs: cycleMs,
		analyzerCfg: analyzer.Config{
			HistoryCandles:   d.Config.HistoryCandles,
			DecisionWindowMs: float64(d.Config.DecisionWindowMs),
			FlowMinSamples:   d.Config.FlowMinSamples,
			TriggerMinPct:    d.Config.TriggerMinPct,
			TriggerMaxPct:    d.Config.TriggerMaxPct,
		},
		store:          d.Store,
		planner:        planner.NewPlanner(),
		sims:           make(map[string]*simulator.SimState),
		feed:           d.Feed,
		live:           d.Live,
		renderer:       d.Renderer,
		metrics:        d.Metrics,
		tradelog:       d.Tradelog,
		log:            d.Log,
		symbolToMarket: d.Config.MarketSymbolOverrides,
	}
	e.bounds = make(map[string]simulator.RiskBounds, len(d.Config.Symbols))
	for _, sym := range d.Config.Symbols {
		e.sims[sym] = &simulator.SimState{}
		simCfg := d.Config.Sim
		if p, ok := d.RiskProfiles[sym]; ok {
			simCfg = config.ApplyRiskProfile(simCfg, p)
		}
		e.bounds[sym] = simulator.RiskBounds{
			MarginUsd:       simCfg.MarginUsd,
			Leverage:        simCfg.Leverage,
			SLRoiMinPct:     simCfg.SLRoiMinPct,
			SLRoiMaxPct:     simCfg.SLRoiMaxPct,
			TrailActMinPct:  simCfg.TrailActivateRoiMinPct,
			TrailActMaxPct:  simCfg.TrailActivateRoiMaxPct,
			TrailDdMinPct:   simCfg.TrailDdRoiMinPct,
			TrailDdMaxPct:   simCfg.TrailDdRoiMaxPct,
			MinNetProfitUsd: simCfg.MinNetProfitUsd,
			FeeRatePct:      simCfg.FeeRatePct,
		}
	}
	return e, nil
}

// Run starts the feed supervisor, the background reconciliation ticker (if
// live mirroring is enabled), and the fixed-cadence tick loop. It blocks
// until ctx is cancelled, then drains goroutines before returning.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.feed.Run()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.errorLogLoop(ctx)
	}()

	if e.live != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.syncRuntimeLoop(ctx)
		}()
	}

	ticker := time.NewTicker(e.cfg.RenderInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// Stop cancels the loop and waits for every background goroutine to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.feed.Stop()
	e.wg.Wait()
}

func (e *Engine) errorLogLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-e.feed.Errors():
			if !ok {
				return
			}
			e.log.Warn().Err(err).Str("component", "feed").Msg("feed error")
			if e.metrics != nil {
				e.metrics.DecodeErrors.WithLabelValues("unknown").Inc()
			}
		}
	}
}

func (e *Engine) syncRuntimeLoop(ctx context.Context) {
	ticker := time.NewTicker(syncRuntimeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.live.SyncRuntime(ctx)
		}
	}
}

// tick runs one full pass: watchdog, drain events, then per symbol in
// configured order: analyze, sync plan, update/open the simulated trade,
// mirror to the live adapter, and finally publish rows.
func (e *Engine) tick(ctx context.Context) {
	start := time.Now()
	now := start.UnixMilli()
	e.feed.Watchdog(now)
	e.drainEvents()
	e.recordReconnects()

	rows := make([]render.Row, 0, len(e.cfg.Symbols))
	for _, symbol := range e.cfg.Symbols {
		rows = append(rows, e.tickSymbol(ctx, symbol, now))
	}
	e.renderer.Render(rows)

	if e.metrics != nil {
		e.metrics.TickDurationMs.WithLabelValues("full").Observe(float64(time.Since(start).Milliseconds()))
	}
}

func (e *Engine) recordReconnects() {
	if e.metrics == nil {
		return
	}
	total := e.feed.ReconnectAttempts()
	if delta := total - e.lastReconnects; delta > 0 {
		e.metrics.Reconnects.WithLabelValues("backoff").Add(float64(delta))
	}
	e.lastReconnects = total
}

func (e *Engine) drainEvents() {
	for {
		select {
		case ev := <-e.feed.Events():
			state := e.store.Get(ev.Symbol)
			if state == nil {
				continue
			}
			state.ApplyEvent(ev, e.cycleMs)
			if e.metrics != nil {
				e.metrics.EventsDecoded.WithLabelValues(ev.Symbol, eventKindLabel(ev.Kind)).Inc()
			}
		default:
			return
		}
	}
}

func eventKindLabel(k feed.EventKind) string {
	switch k {
	case feed.EventTrade:
		return "trade"
	case feed.EventMark:
		return "mark"
	case feed.EventKline:
		return "kline"
	default:
		return "unknown"
	}
}

func (e *Engine) tickSymbol(ctx context.Context, symbol string, now int64) render.Row {
	lowerSym := lowerSymbolKey(symbol)
	state := e.store.Get(lowerSym)
	row := render.Row{Symbol: symbol, Timestamp: time.UnixMilli(now)}
	if state == nil {
		return row
	}

	livePrice, hasPrice := state.LivePrice()
	msToNext := state.MsToNextCandle(now, e.cycleMs)
	cycleID, hasCycle := state.CurrentCycleID(e.cycleMs)

	buyQty, sellQty, samples := state.FlowSnapshot()
	flow := analyzer.FlowContext{BuyQty: buyQty, SellQty: sellQty, Samples: samples}
	candles := state.Candles()

	analysis := analyzer.Analyze(candles, livePrice, hasPrice, msToNext, flow, e.analyzerCfg)

	plan := e.planner.Sync(lowerSym, cycleID, hasCycle, analysis, livePrice, now)
	if plan != nil && plan.CreatedAt == now && e.metrics != nil {
		e.metrics.PlansCreated.WithLabelValues(symbol, plan.Status.String()).Inc()
	}

	sim := e.sims[symbol]

	if hasPrice && sim.Active != nil {
		if closed := simulator.UpdateOpenTrade(sim, livePrice, now); closed != nil {
			e.onClose(ctx, symbol, closed)
		}
	}

	if hasPrice && sim.Active == nil {
		if opened := simulator.MaybeOpenTrade(sim, plan, livePrice, now, e.bounds[symbol]); opened != nil {
			sim.Active = opened
			e.onOpen(ctx, symbol, opened)
		}
	}

	row.LivePrice = livePrice
	row.TradePrice, row.MarkPrice = state.Prices()
	row.LastVolume5m = state.LastVolume5m()
	row.MsToNextCandle = msToNext
	row.Status = analysis.Status.String()
	row.Reason = analysis.Reason
	row.Note = state.Error()
	row.TriggerPct = analysis.TriggerPct
	row.LongAbove = analysis.LongAbove
	row.ShortBelow = analysis.ShortBelow
	row.FlowImbalance = analysis.FlowImbalance
	if plan != nil {
		// The plan's thresholds are the ones trades actually fire on; once a
		// cycle's SETUP snapshot is frozen they diverge from the per-tick
		// analysis values.
		row.PlanStatus = plan.Status.String()
		row.TriggerPct = plan.TriggerPct
		row.LongAbove = plan.LongAbove
		row.ShortBelow = plan.ShortBelow
	}
	row.FeedConnected = e.feed.IsConnected()
	row.FeedStaleMs = now - state.LastStreamAt()
	if e.metrics != nil {
		e.metrics.FeedStaleness.WithLabelValues(symbol).Set(float64(row.FeedStaleMs))
	}

	if sim.Active != nil {
		row.SimActive = true
		row.SimSide = sideLabel(sim.Active.Side)
		if hasPrice {
			row.SimPnlUsd, row.SimRoiPct = simulator.OpenMetrics(sim.Active, livePrice)
		}
	}
	if e.metrics != nil {
		e.metrics.OpenTradeRoiPct.WithLabelValues(symbol, "sim").Set(row.SimRoiPct)
	}
	row.SimTotalTrades = sim.Stats.Total
	if sim.Stats.Total > 0 {
		row.SimWinRate = float64(sim.Stats.Wins) / float64(sim.Stats.Total) * 100
	}
	row.SimRealizedPnlUsd = sim.Stats.RealizedPnlUsd

	if e.live != nil {
		if pos, income, lastAction, lastErr, ok := e.live.Snapshot(e.marketSymbol(symbol)); ok {
			row.LiveEnabled = true
			row.LiveNetIncomeUsd = income.NetUsd
			row.LiveLastAction = lastAction
			row.LiveLastError = lastErr
			if pos != nil {
				row.LiveSide = pos.Side
				row.LiveQuantity = pos.Quantity
			}
		}
	}

	return row
}

func (e *Engine) onOpen(ctx context.Context, symbol string, trade *simulator.ActiveTrade) {
	if e.metrics != nil {
		e.metrics.TradesOpened.WithLabelValues(symbol, sideLabel(trade.Side), "sim").Inc()
		e.metrics.OpenTradesGauge.WithLabelValues(symbol, "sim").Set(1)
	}
	if e.live == nil {
		return
	}
	marketSym := e.marketSymbol(symbol)
	if e.metrics != nil {
		e.metrics.LiveOrderAttempts.WithLabelValues(symbol, string(e.liveEntryMode())).Inc()
	}
	if _, err := e.live.Open(ctx, marketSym, sideLabel(trade.Side), trade.MarginUsd); err != nil {
		e.log.Warn().Err(err).Str("symbol", symbol).Msg("live open mirror failed")
		if e.metrics != nil {
			e.metrics.LiveOrderFailures.WithLabelValues(symbol, venueErrorCode(err)).Inc()
		}
		return
	}
}

func (e *Engine) onClose(ctx context.Context, symbol string, closed *simulator.ClosedTrade) {
	if e.metrics != nil {
		e.metrics.TradesClosed.WithLabelValues(symbol, closed.ExitReason.String(), "sim").Inc()
		e.metrics.OpenTradesGauge.WithLabelValues(symbol, "sim").Set(0)
		e.metrics.RealizedPnlUsd.WithLabelValues(symbol, "sim").Add(closed.PnlUsd)
	}
	if e.tradelog != nil {
		row := tradelog.ClosedTradeRow{
			Symbol:      symbol,
			Side:        sideLabel(closed.Side),
			EntryPrice:  closed.EntryPrice,
			ExitPrice:   closed.ExitPrice,
			EntryTime:   closed.EntryTime,
			ExitTime:    closed.ExitTime,
			Quantity:    closed.Quantity,
			MarginUsd:   closed.MarginUsd,
			Leverage:    closed.Leverage,
			ExitReason:  closed.ExitReason.String(),
			GrossPnlUsd: closed.GrossPnlUsd,
			FeesUsd:     closed.FeesUsd,
			PnlUsd:      closed.PnlUsd,
			RoiPct:      closed.RoiPct,
			IsWin:       closed.IsWin,
			Source:      "sim",
		}
		if err := e.tradelog.InsertClosedTrade(row); err != nil {
			e.log.Warn().Err(err).Str("symbol", symbol).Msg("tradelog insert failed")
		}
	}
	if e.live != nil {
		marketSym := e.marketSymbol(symbol)
		if err := e.live.Close(ctx, marketSym); err != nil {
			e.log.Warn().Err(err).Str("symbol", symbol).Msg("live close mirror failed")
			if e.metrics != nil {
				e.metrics.LiveOrderFailures.WithLabelValues(symbol, venueErrorCode(err)).Inc()
			}
		}
	}
}

func (e *Engine) marketSymbol(symbol string) string {
	if ov, ok := e.symbolToMarket[symbol]; ok {
		return ov
	}
	return symbol
}

func (e *Engine) liveEntryMode() liveadapter.EntryMode {
	return liveadapter.EntryMode(e.cfg.Live.EntryMode)
}

func sideLabel(s simulator.Side) string {
	if s == simulator.SideLong {
		return "long"
	}
	return "short"
}

func venueErrorCode(err error) string {
	var ve *liveadapter.VenueError
	if errors.As(err, &ve) {
		return strconv.Itoa(ve.Code)
	}
	return "unknown"
}

// lowerSymbolKey mirrors the lowercase symbol key MarketEvent carries, since
// the Store is keyed by the decoder's lowercase convention.
func lowerSymbolKey(symbol string) string { return strings.ToLower(symbol) }
