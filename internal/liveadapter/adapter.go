package liveadapter

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// leverageCandidates is the fallback list tried in order after the target,
// capped by the bracket max and a hard ceiling of 20.
var leverageCandidates = []int{20, 15, 12, 10, 8, 5, 3, 2, 1}

const hardLeverageCeiling = 20

// EntryMode selects between market entry and post-only limit entry.
type EntryMode string

const (
	EntryMarket   EntryMode = "MARKET"
	EntryLimitGTX EntryMode = "LIMIT_GTX"
)

// LivePosition mirrors the data model's LivePosition, reconciled wholesale
// from the venue's position-risk feed.
type LivePosition struct {
	Side             string
	Quantity         float64
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedPnlUsd float64
	NotionalUsd      float64
	MarginUsd        float64
	MarginType       string
}

// IncomeStats mirrors the data model's IncomeStats: monotonic accumulators
// deduplicated by (tranId, symbol, incomeType, ts, income).
type IncomeStats struct {
	RealizedPnlUsd float64
	CommissionUsd  float64
	FundingUsd     float64
	NetUsd         float64
	Events         int

	seen map[string]bool
}

func newIncomeStats() *IncomeStats { return &IncomeStats{seen: make(map[string]bool)} }

// apply folds row into the running totals, deduplicated by the
// (tranId, symbol, incomeType, ts, income) tuple. Returns false if row was
// already seen, so callers can skip re-persisting it.
func (s *IncomeStats) apply(row IncomeRow) bool {
	key := fmt.Sprintf("%d|%s|%s|%d|%.8f", row.TranID, row.Symbol, row.IncomeType, row.Ts, row.Income)
	if s.seen[key] {
		return false
	}
	s.seen[key] = true
	s.Events++
	switch row.IncomeType {
	case "REALIZED_PNL":
		s.RealizedPnlUsd += row.Income
	case "COMMISSION":
		s.CommissionUsd += row.Income
	case "FUNDING_FEE":
		s.FundingUsd += row.Income
	}
	s.NetUsd = s.RealizedPnlUsd + s.CommissionUsd + s.FundingUsd
	return true
}

// symbolRuntime is the per-symbol bootstrap/runtime state the adapter keeps.
type symbolRuntime struct {
	filters           SymbolFilters
	bracketMaxLev     int
	marginType        string // ISOLATED, CROSSED, UNKNOWN
	effectiveLeverage int
	spreadMaxBps      float64

	activeSide string
	activeQty  float64
	lastAction string
	lastError  string

	position     *LivePosition
	income       *IncomeStats
	incomeCursor int64

	inFlight bool
}

// Config bundles the adapter's bootstrap/runtime tunables.
type Config struct {
	ForceIsolated        bool
	TargetLeverage       int
	EntryMode            EntryMode
	GtxTimeoutMs         int
	GtxPollMs            int
	GtxFallbackMarket    bool
	SpreadMaxBpsDefault  float64
	SpreadMaxBpsBySymbol map[string]float64
}

// IncomeSink persists newly-observed income rows as they are deduplicated,
// so on-disk trade logging stays current with the venue's income ledger
// without the adapter depending on tradelog's storage details.
type IncomeSink interface {
	InsertIncomeEvent(symbol string, tranID int64, incomeType string, income float64, ts int64) error
}

// Adapter is the Live Trader Adapter: owns bootstrap, order placement, and
// reconciliation for a fixed set of market symbols.
type Adapter struct {
	client *Client
	cfg    Config
	log    zerolog.Logger
	sink   IncomeSink

	mu      sync.Mutex
	hedge   bool
	symbols map[string]*symbolRuntime
}

// NewAdapter constructs an adapter; call Bootstrap before any Open/Close.
// sink may be nil to disable income persistence.
func NewAdapter(client *Client, cfg Config, log zerolog.Logger, sink IncomeSink) *Adapter {
	return &Adapter{
		client:  client,
		cfg:     cfg,
		log:     log,
		sink:    sink,
		symbols: make(map[string]*symbolRuntime),
	}
}

// Bootstrap prepares each configured market symbol: position mode query,
// exchange-info filters, leverage brackets, margin mode, leverage
// negotiation, and an initial position/income reconciliation.
func (a *Adapter) Bootstrap(ctx context.Context, marketSymbols []string) error {
	hedge, err := a.client.GetPositionMode(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("position mode query failed, assuming one-way")
	}
	a.mu.Lock()
	a.hedge = hedge
	a.mu.Unlock()

	filters, err := a.client.GetExchangeInfo(ctx, marketSymbols)
	if err != nil {
		return fmt.Errorf("exchange info: %w", err)
	}

	for _, sym := range marketSymbols {
		rt := &symbolRuntime{
			marginType:   "UNKNOWN",
			spreadMaxBps: a.spreadCap(sym),
			income:       newIncomeStats(),
		}
		rt.filters = filters[sym]

		if maxLev, err := a.client.GetLeverageBrackets(ctx, sym); err != nil {
			a.log.Warn().Err(err).Str("symbol", sym).Msg("leverage bracket query failed (best-effort)")
		} else {
			rt.bracketMaxLev = maxLev
		}

		if a.cfg.ForceIsolated {
			if err := a.client.SetMarginType(ctx, sym, true); err != nil {
				if ve, ok := err.(*VenueError); ok && (ve.Code == -4046 || strings.Contains(ve.Message, "No need to change margin type")) {
					rt.marginType = "ISOLATED"
				} else {
					a.log.Warn().Err(err).Str("symbol", sym).Msg("margin mode switch failed, leaving UNKNOWN")
				}
			} else {
				rt.marginType = "ISOLATED"
			}
		}

		rt.effectiveLeverage = a.negotiateLeverage(ctx, sym, rt.bracketMaxLev)

		a.mu.Lock()
		a.symbols[sym] = rt
		a.mu.Unlock()

		a.reconcileSymbol(ctx, sym)
	}
	return nil
}

func (a *Adapter) spreadCap(symbol string) float64 {
	if v, ok := a.cfg.SpreadMaxBpsBySymbol[symbol]; ok {
		return v
	}
	return a.cfg.SpreadMaxBpsDefault
}

// negotiateLeverage tries candidates capped by bracket max and the hard
// ceiling, accepts the first success, falls back to the next candidate only
// on -4028, and otherwise stops and falls back to 1.
func (a *Adapter) negotiateLeverage(ctx context.Context, symbol string, bracketMax int) int {
	cap := hardLeverageCeiling
	if bracketMax > 0 && bracketMax < cap {
		cap = bracketMax
	}

	candidates := append([]int{a.cfg.TargetLeverage}, leverageCandidates...)
	for _, lev := range candidates {
		if lev > cap {
			continue
		}
		if lev <= 0 {
			break
		}
		err := a.client.SetLeverage(ctx, symbol, lev)
		if err == nil {
			return lev
		}
		if ve, ok := err.(*VenueError); ok && ve.Code == -4028 {
			continue
		}
		break
	}
	return 1
}

// NormalizeQuantity floors raw to the step size and rejects below minQty.
func NormalizeQuantity(raw float64, f SymbolFilters) (float64, bool) {
	if f.StepSize <= 0 {
		return raw, raw >= f.MinQty
	}
	steps := math.Floor(raw / f.StepSize)
	norm := round(steps*f.StepSize, f.StepDecimals)
	return norm, norm >= f.MinQty
}

// NormalizePrice rounds down to tick for long entries, up to tick for short
// entries, so a passive limit order never crosses the book.
func NormalizePrice(raw float64, long bool, f SymbolFilters) float64 {
	if f.TickSize <= 0 {
		return raw
	}
	if long {
		steps := math.Floor(raw / f.TickSize)
		return round(steps*f.TickSize, f.TickDecimals)
	}
	steps := math.Ceil(raw / f.TickSize)
	return round(steps*f.TickSize, f.TickDecimals)
}

func round(v float64, decimals int) float64 {
	mul := math.Pow(10, float64(decimals))
	return math.Round(v*mul) / mul
}

// OpenResult is what Open reports back to the tick loop.
type OpenResult struct {
	Side       string
	Quantity   float64
	LastAction string
}

// Open mirrors a simulator entry onto the venue: re-entry guard, two entry
// modes (MARKET, LIMIT_GTX with spread gate and fallback), hedge-mode
// positionSide threading.
func (a *Adapter) Open(ctx context.Context, symbol, side string, marginUsd float64) (*OpenResult, error) {
	a.mu.Lock()
	rt := a.symbols[symbol]
	if rt == nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("symbol %s not bootstrapped", symbol)
	}
	if rt.inFlight || rt.activeSide != "" {
		a.mu.Unlock()
		return nil, fmt.Errorf("symbol %s already active or in-flight", symbol)
	}
	rt.inFlight = true
	hedge := a.hedge
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		rt.inFlight = false
		a.mu.Unlock()
	}()

	orderSide := "BUY"
	positionSide := ""
	long := side == "long"
	if !long {
		orderSide = "SELL"
	}
	if hedge {
		if long {
			positionSide = "LONG"
		} else {
			positionSide = "SHORT"
		}
	}

	price, err := a.livePriceForSizing(ctx, symbol)
	if err != nil {
		a.recordFailure(rt, err)
		return nil, err
	}
	rawQty := (marginUsd * float64(rt.effectiveLeverage)) / price
	qty, ok := NormalizeQuantity(rawQty, rt.filters)
	if !ok {
		err := fmt.Errorf("normalized quantity %v below minQty for %s", qty, symbol)
		a.recordFailure(rt, err)
		return nil, err
	}

	var resp *OrderResponse
	switch a.cfg.EntryMode {
	case EntryLimitGTX:
		resp, err = a.openLimitGTX(ctx, symbol, orderSide, positionSide, qty, long, rt)
	default:
		resp, err = a.client.PlaceOrder(ctx, OrderRequest{
			Symbol: symbol, Side: orderSide, PositionSide: positionSide,
			Type: "MARKET", Quantity: fmt.Sprintf("%v", qty),
		})
	}
	if err != nil {
		a.recordFailure(rt, err)
		return nil, err
	}

	executedQty := qty
	if resp != nil && resp.ExecutedQty > 0 {
		executedQty = resp.ExecutedQty
	}

	a.mu.Lock()
	rt.activeSide = side
	rt.activeQty = executedQty
	lastAction := fmt.Sprintf("opened %s %v", side, executedQty)
	rt.lastAction = lastAction
	rt.lastError = ""
	a.mu.Unlock()

	return &OpenResult{Side: side, Quantity: executedQty, LastAction: lastAction}, nil
}

func (a *Adapter) openLimitGTX(ctx context.Context, symbol, orderSide, positionSide string, qty float64, long bool, rt *symbolRuntime) (*OrderResponse, error) {
	book, err := a.client.GetBookTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if book.BidPrice <= 0 || book.AskPrice <= 0 {
		return nil, fmt.Errorf("invalid book ticker for %s", symbol)
	}
	spreadBps := (book.AskPrice - book.BidPrice) / book.BidPrice * 10000
	if spreadBps > rt.spreadMaxBps {
		return nil, fmt.Errorf("spread %.2fbps exceeds cap %.2fbps for %s", spreadBps, rt.spreadMaxBps, symbol)
	}

	entryPrice := book.BidPrice
	if !long {
		entryPrice = book.AskPrice
	}
	price := NormalizePrice(entryPrice, long, rt.filters)

	resp, err := a.client.PlaceOrder(ctx, OrderRequest{
		Symbol: symbol, Side: orderSide, PositionSide: positionSide,
		Type: "LIMIT", Quantity: fmt.Sprintf("%v", qty), Price: fmt.Sprintf("%v", price),
		TimeInForce: "GTX",
	})
	if err != nil {
		if ve, ok := err.(*VenueError); ok && (ve.Code == -5022 || ve.Code == -2010) {
			if a.cfg.GtxFallbackMarket {
				return a.client.PlaceOrder(ctx, OrderRequest{
					Symbol: symbol, Side: orderSide, PositionSide: positionSide,
					Type: "MARKET", Quantity: fmt.Sprintf("%v", qty),
				})
			}
		}
		return nil, err
	}

	deadline := time.Now().Add(time.Duration(a.cfg.GtxTimeoutMs) * time.Millisecond)
	var last *OrderResponse
	terminal := false
	for !terminal && time.Now().Before(deadline) {
		st, err := a.client.GetOrder(ctx, symbol, resp.OrderID)
		if err == nil {
			last = st
			switch st.Status {
			case "FILLED":
				return st, nil
			case "CANCELED", "EXPIRED", "REJECTED":
				terminal = true
			}
		}
		if !terminal {
			time.Sleep(time.Duration(a.cfg.GtxPollMs) * time.Millisecond)
		}
	}
	if !terminal {
		_ = a.client.CancelOrder(ctx, symbol, resp.OrderID)
	}

	remainder := qty
	if last != nil {
		remainder = qty - last.ExecutedQty
	}
	if remainder <= 0 {
		return last, nil
	}
	if a.cfg.GtxFallbackMarket {
		norm, ok := NormalizeQuantity(remainder, rt.filters)
		if !ok {
			// Remainder is below the lot minimum; whatever filled stands.
			if last != nil && last.ExecutedQty > 0 {
				return last, nil
			}
			return nil, fmt.Errorf("GTX remainder %v below minQty for %s", remainder, symbol)
		}
		mkt, err := a.client.PlaceOrder(ctx, OrderRequest{
			Symbol: symbol, Side: orderSide, PositionSide: positionSide,
			Type: "MARKET", Quantity: fmt.Sprintf("%v", norm),
		})
		if err != nil {
			return nil, err
		}
		if last != nil {
			mkt.ExecutedQty += last.ExecutedQty
		}
		return mkt, nil
	}
	if last != nil && last.ExecutedQty > 0 {
		return last, nil
	}
	return nil, fmt.Errorf("GTX order for %s did not fill within timeout and fallback disabled", symbol)
}

// Close mirrors a simulator exit onto the venue.
func (a *Adapter) Close(ctx context.Context, symbol string) error {
	a.mu.Lock()
	rt := a.symbols[symbol]
	if rt == nil || rt.activeSide == "" {
		a.mu.Unlock()
		return fmt.Errorf("no active position to close for %s", symbol)
	}
	if rt.inFlight {
		a.mu.Unlock()
		return fmt.Errorf("symbol %s has an order in flight", symbol)
	}
	qty, side, hedge := rt.activeQty, rt.activeSide, a.hedge
	rt.inFlight = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		rt.inFlight = false
		a.mu.Unlock()
	}()

	orderSide := "SELL"
	positionSide := ""
	if side == "short" {
		orderSide = "BUY"
	}

	if norm, ok := NormalizeQuantity(qty, rt.filters); ok {
		qty = norm
	}

	req := OrderRequest{
		Symbol: symbol, Side: orderSide, Type: "MARKET",
		Quantity: fmt.Sprintf("%v", qty),
	}
	if hedge {
		positionSide = "LONG"
		if side == "short" {
			positionSide = "SHORT"
		}
		req.PositionSide = positionSide
	} else {
		req.ReduceOnly = true
	}

	_, err := a.client.PlaceOrder(ctx, req)
	if err != nil {
		a.recordFailure(rt, err)
		return err
	}

	a.mu.Lock()
	rt.activeSide = ""
	rt.activeQty = 0
	rt.lastAction = fmt.Sprintf("closed %s", side)
	rt.lastError = ""
	a.mu.Unlock()

	a.reconcileSymbol(ctx, symbol)
	return nil
}

func (a *Adapter) recordFailure(rt *symbolRuntime, err error) {
	a.mu.Lock()
	rt.lastError = err.Error()
	rt.lastAction = "order failed"
	a.mu.Unlock()
}

// SyncRuntime reconciles positions and income for every bootstrapped
// symbol; called by the engine's background reconciliation ticker.
func (a *Adapter) SyncRuntime(ctx context.Context) {
	a.mu.Lock()
	symbols := make([]string, 0, len(a.symbols))
	for sym := range a.symbols {
		symbols = append(symbols, sym)
	}
	a.mu.Unlock()

	for _, sym := range symbols {
		a.reconcileSymbol(ctx, sym)
	}
}

// reconcileSymbol rebuilds the position snapshot wholesale from the venue's
// position risk feed — server state is authoritative over locally tracked
// state — and pulls the income ledger incrementally from the cursor.
func (a *Adapter) reconcileSymbol(ctx context.Context, symbol string) {
	a.mu.Lock()
	rt := a.symbols[symbol]
	hedge := a.hedge
	a.mu.Unlock()
	if rt == nil {
		return
	}

	risks, err := a.client.GetPositionRisk(ctx, symbol)
	if err != nil {
		a.log.Warn().Err(err).Str("symbol", symbol).Msg("position risk reconcile failed")
	} else {
		var pos *LivePosition
		var activeSide string
		var activeQty float64
		for _, r := range risks {
			if r.PositionAmt == 0 {
				continue
			}
			side := "long"
			if hedge {
				if r.PositionSide == "SHORT" {
					side = "short"
				}
			} else if r.PositionAmt < 0 {
				side = "short"
			}
			pos = &LivePosition{
				Side: side, Quantity: math.Abs(r.PositionAmt), EntryPrice: r.EntryPrice,
				MarkPrice: r.MarkPrice, UnrealizedPnlUsd: r.UnrealizedPnl,
				NotionalUsd: math.Abs(r.Notional), MarginUsd: r.IsolatedMargin,
				MarginType: rt.marginType,
			}
			activeSide, activeQty = side, math.Abs(r.PositionAmt)
			break
		}
		a.mu.Lock()
		rt.position = pos
		rt.activeSide = activeSide
		rt.activeQty = activeQty
		a.mu.Unlock()
	}

	incomeRows, err := a.client.GetIncome(ctx, symbol, rt.incomeCursor)
	if err != nil {
		a.log.Warn().Err(err).Str("symbol", symbol).Msg("income reconcile failed")
		return
	}
	a.mu.Lock()
	maxTs := rt.incomeCursor
	for _, row := range incomeRows {
		if rt.income.apply(row) && a.sink != nil {
			if serr := a.sink.InsertIncomeEvent(row.Symbol, row.TranID, row.IncomeType, row.Income, row.Ts); serr != nil {
				a.log.Warn().Err(serr).Str("symbol", symbol).Msg("income event persist failed")
			}
		}
		if row.Ts+1 > maxTs {
			maxTs = row.Ts + 1
		}
	}
	rt.incomeCursor = maxTs
	a.mu.Unlock()
}

// Snapshot returns a read-only view of a symbol's live runtime state for
// the Renderer's published row.
func (a *Adapter) Snapshot(symbol string) (position *LivePosition, income IncomeStats, lastAction, lastError string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rt := a.symbols[symbol]
	if rt == nil {
		return nil, IncomeStats{}, "", "", false
	}
	inc := IncomeStats{
		RealizedPnlUsd: rt.income.RealizedPnlUsd,
		CommissionUsd:  rt.income.CommissionUsd,
		FundingUsd:     rt.income.FundingUsd,
		NetUsd:         rt.income.NetUsd,
		Events:         rt.income.Events,
	}
	return rt.position, inc, rt.lastAction, rt.lastError, true
}

func (a *Adapter) livePriceForSizing(ctx context.Context, symbol string) (float64, error) {
	book, err := a.client.GetBookTicker(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if book.BidPrice <= 0 || book.AskPrice <= 0 {
		return 0, fmt.Errorf("invalid book ticker for %s", symbol)
	}
	return (book.BidPrice + book.AskPrice) / 2, nil
}
