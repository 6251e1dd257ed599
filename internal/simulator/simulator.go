// Package simulator drives the ROI-based simulated trade state machine: at
// most one ActiveTrade per symbol, opened by MaybeOpenTrade and mutated by
// UpdateOpenTrade until a deterministic close rule fires.
package simulator

import (
	"math"

	"github.com/napwork-hash/perpfutures-engine/internal/analyzer"
	"github.com/napwork-hash/perpfutures-engine/internal/planner"
)

// Side is the trade direction.
type Side int

const (
	SideLong Side = iota
	SideShort
)

// ExitReason tags why a trade closed.
type ExitReason int

const (
	ExitNone ExitReason = iota
	ExitStopLoss
	ExitTrailROI
	ExitLockProfit
)

func (r ExitReason) String() string {
	switch r {
	case ExitStopLoss:
		return "SL_ROI"
	case ExitTrailROI:
		return "TRAIL_ROI"
	case ExitLockProfit:
		return "LOCK_PROFIT"
	default:
		return ""
	}
}

// ActiveTrade mirrors the data model's ActiveTrade record.
type ActiveTrade struct {
	Side                Side
	EntryPrice          float64
	EntryTime           int64
	MarginUsd           float64
	Leverage            float64
	PositionValueUsd    float64
	Quantity            float64
	StopLossRoiPct      float64
	TrailActivateRoiPct float64
	TrailDdRoiPct       float64
	MinNetProfitUsd     float64
	FeeRatePct          float64
	EntryFeeUsd         float64
	EstimatedExitFeeUsd float64 // diagnostic only; the realized exit fee uses exit notional
	TrailingArmed       bool
	PeakNetPnlUsd       float64
	PeakRoiPct          float64
}

// ClosedTrade is a snapshot of a trade at close.
type ClosedTrade struct {
	ActiveTrade
	ExitPrice   float64
	ExitTime    int64
	ExitReason  ExitReason
	GrossPnlUsd float64
	FeesUsd     float64
	PnlUsd      float64
	RoiPct      float64
	IsWin       bool
}

// Stats accumulates aggregate performance across closed trades.
type Stats struct {
	Total          int
	Wins           int
	Losses         int
	RealizedPnlUsd float64
}

// RiskBounds are the min/max interpolation endpoints read from
// config.SimConfig, passed in so the simulator stays config-agnostic.
type RiskBounds struct {
	MarginUsd       float64
	Leverage        float64
	SLRoiMinPct     float64
	SLRoiMaxPct     float64
	TrailActMinPct  float64
	TrailActMaxPct  float64
	TrailDdMinPct   float64
	TrailDdMaxPct   float64
	MinNetProfitUsd float64
	FeeRatePct      float64
}

// SimState is the per-symbol simulator record: at most one active trade, a
// bounded closed-trade history, and aggregate stats.
type SimState struct {
	Active     *ActiveTrade
	History    []ClosedTrade
	Stats      Stats
	LastClosed *ClosedTrade
}

const maxHistory = 30

// interpolate maps triggerPct from [0.08, 1.8] onto [min, max], clamped.
func interpolate(min, max, triggerPct float64) float64 {
	t := (triggerPct - 0.08) / (1.8 - 0.08)
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return min + (max-min)*t
}

// MaybeOpenTrade opens a trade if the plan is an untriggered SETUP, the
// live price has crossed one of its thresholds, and the flow gate does not
// veto the side. It returns the newly opened trade, or nil if no trade was
// opened. The caller (tick loop) assigns the result to SimState.Active when
// non-nil.
func MaybeOpenTrade(sim *SimState, plan *planner.Plan, livePrice float64, now int64, bounds RiskBounds) *ActiveTrade {
	if sim.Active != nil {
		return nil
	}
	if plan == nil || plan.HasTriggered {
		return nil
	}
	if !isSetupPlan(plan) {
		return nil
	}
	if !positiveFinite(livePrice) || !positiveFinite(plan.LongAbove) || !positiveFinite(plan.ShortBelow) {
		return nil
	}

	var side Side
	var hasSide bool
	switch {
	case livePrice >= plan.LongAbove:
		side, hasSide = SideLong, true
	case livePrice <= plan.ShortBelow:
		side, hasSide = SideShort, true
	}
	if !hasSide {
		return nil
	}

	if plan.HasFlow && plan.FlowSamples >= 20 {
		if side == SideLong && plan.FlowImbalance < -0.05 {
			return nil
		}
		if side == SideShort && plan.FlowImbalance > 0.05 {
			return nil
		}
	}

	triggerPct := plan.TriggerPct
	stopLossRoiPct := interpolate(bounds.SLRoiMinPct, bounds.SLRoiMaxPct, triggerPct)
	trailActivateRoiPct := interpolate(bounds.TrailActMinPct, bounds.TrailActMaxPct, triggerPct)
	trailDdRoiPct := interpolate(bounds.TrailDdMinPct, bounds.TrailDdMaxPct, triggerPct)

	positionValue := bounds.MarginUsd * bounds.Leverage
	if !positiveFinite(positionValue) || positionValue <= 0 || livePrice <= 0 {
		return nil
	}
	quantity := positionValue / livePrice
	if !positiveFinite(quantity) || quantity <= 0 {
		return nil
	}

	entryFee := positionValue * bounds.FeeRatePct / 100
	estimatedExitFee := entryFee
	minNetProfit := math.Max(bounds.MinNetProfitUsd, (entryFee+estimatedExitFee)*1.25)

	trade := &ActiveTrade{
		Side:                side,
		EntryPrice:          livePrice,
		EntryTime:           now,
		MarginUsd:           bounds.MarginUsd,
		Leverage:            bounds.Leverage,
		PositionValueUsd:    positionValue,
		Quantity:            quantity,
		StopLossRoiPct:      stopLossRoiPct,
		TrailActivateRoiPct: trailActivateRoiPct,
		TrailDdRoiPct:       trailDdRoiPct,
		MinNetProfitUsd:     minNetProfit,
		FeeRatePct:          bounds.FeeRatePct,
		EntryFeeUsd:         entryFee,
		EstimatedExitFeeUsd: estimatedExitFee,
		PeakNetPnlUsd:       -(entryFee + estimatedExitFee),
	}
	plan.MarkTriggered()
	return trade
}

func isSetupPlan(plan *planner.Plan) bool {
	return plan.Status == analyzer.StatusSetup
}

// UpdateOpenTrade evaluates the close rules in order: stop-loss, peak
// update, trail arming, trailing drawdown, lock-profit.
// It mutates sim.Active in place, and if a close rule fires, appends the
// resulting ClosedTrade to history/stats, clears sim.Active, and returns the
// ClosedTrade. Returns nil if the trade remains open.
func UpdateOpenTrade(sim *SimState, livePrice float64, now int64) *ClosedTrade {
	t := sim.Active
	if t == nil {
		return nil
	}

	gross := grossPnl(t.Side, t.EntryPrice, livePrice, t.Quantity)
	exitFee := math.Abs(t.Quantity*livePrice) * t.FeeRatePct / 100
	netPnl := gross - (t.EntryFeeUsd + exitFee)
	roiPct := netPnl / t.MarginUsd * 100

	if roiPct <= -t.StopLossRoiPct {
		return closeTrade(sim, t, livePrice, now, ExitStopLoss, gross, t.EntryFeeUsd+exitFee, netPnl, roiPct)
	}

	if netPnl > t.PeakNetPnlUsd {
		t.PeakNetPnlUsd = netPnl
		t.PeakRoiPct = roiPct
	}

	if roiPct >= t.TrailActivateRoiPct {
		t.TrailingArmed = true
	}

	if t.TrailingArmed && (t.PeakRoiPct-roiPct) >= t.TrailDdRoiPct && netPnl >= t.MinNetProfitUsd {
		return closeTrade(sim, t, livePrice, now, ExitTrailROI, gross, t.EntryFeeUsd+exitFee, netPnl, roiPct)
	}

	if t.TrailingArmed && t.PeakNetPnlUsd >= t.MinNetProfitUsd && netPnl <= t.MinNetProfitUsd {
		return closeTrade(sim, t, livePrice, now, ExitLockProfit, gross, t.EntryFeeUsd+exitFee, netPnl, roiPct)
	}

	return nil
}

// OpenMetrics reports the current net P&L and ROI of an open trade at the
// given price, using the same fee math UpdateOpenTrade applies. Used by the
// tick loop to publish live sim metrics without duplicating the arithmetic.
func OpenMetrics(t *ActiveTrade, livePrice float64) (netPnl, roiPct float64) {
	if t == nil || t.MarginUsd <= 0 {
		return 0, 0
	}
	gross := grossPnl(t.Side, t.EntryPrice, livePrice, t.Quantity)
	exitFee := math.Abs(t.Quantity*livePrice) * t.FeeRatePct / 100
	netPnl = gross - (t.EntryFeeUsd + exitFee)
	roiPct = netPnl / t.MarginUsd * 100
	return netPnl, roiPct
}

func closeTrade(sim *SimState, t *ActiveTrade, exitPrice float64, now int64, reason ExitReason, gross, fees, netPnl, roiPct float64) *ClosedTrade {
	closed := ClosedTrade{
		ActiveTrade: *t,
		ExitPrice:   exitPrice,
		ExitTime:    now,
		ExitReason:  reason,
		GrossPnlUsd: gross,
		FeesUsd:     fees,
		PnlUsd:      netPnl,
		RoiPct:      roiPct,
		IsWin:       netPnl > 0,
	}

	sim.History = append(sim.History, closed)
	if len(sim.History) > maxHistory {
		sim.History = sim.History[len(sim.History)-maxHistory:]
	}
	sim.Stats.Total++
	if closed.IsWin {
		sim.Stats.Wins++
	} else {
		sim.Stats.Losses++
	}
	sim.Stats.RealizedPnlUsd += netPnl

	sim.Active = nil
	sim.LastClosed = &closed
	return &closed
}

func grossPnl(side Side, entry, price, qty float64) float64 {
	if side == SideLong {
		return (price - entry) * qty
	}
	return (entry - price) * qty
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
