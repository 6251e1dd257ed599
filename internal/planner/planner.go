// Package planner implements the Decision Planner: cycle-scoped hysteresis
// over the Strategy Analyzer's output, producing at most one Plan per
// (symbol, cycle) with thresholds frozen once the plan reaches SETUP.
package planner

import (
	"math"

	"github.com/napwork-hash/perpfutures-engine/internal/analyzer"
)

// Plan is the DecisionPlan record: one per (symbol, cycleId), with
// thresholds frozen once status reaches SETUP.
type Plan struct {
	CycleID       int64
	Status        analyzer.Status
	Reason        string
	TriggerPct    float64
	FlowImbalance float64
	HasFlow       bool
	FlowSamples   int
	BasePrice     float64
	LongAbove     float64
	ShortBelow    float64
	CreatedAt     int64
	HasTriggered  bool

	setupFrozen bool
}

// Planner holds the latest plan per symbol.
type Planner struct {
	plans map[string]*Plan
}

// NewPlanner constructs an empty planner; plans are added per symbol as
// Sync sees them.
func NewPlanner() *Planner {
	return &Planner{plans: make(map[string]*Plan)}
}

// Sync advances the plan for one symbol given the latest cycle id and
// analysis:
//   - no cycle known -> no plan
//   - new cycle (no previous plan, or cycleId changed) -> create a plan iff
//     analysis is SETUP or SIDEWAYS and both trigger prices are finite
//     positive
//   - existing plan for the same cycle, promoted SIDEWAYS->SETUP -> update
//     status/reason/trigger/flow/thresholds once, then freeze
//
// Returns the resulting plan for the symbol, or nil if none exists.
func (p *Planner) Sync(symbol string, cycleID int64, hasCycle bool, a analyzer.DecisionAnalysis, livePrice float64, now int64) *Plan {
	if !hasCycle {
		delete(p.plans, symbol)
		return nil
	}

	existing := p.plans[symbol]
	if existing == nil || existing.CycleID != cycleID {
		if a.Status != analyzer.StatusSetup && a.Status != analyzer.StatusSideways {
			delete(p.plans, symbol)
			return nil
		}
		if !positiveFinite(a.LongAbove) || !positiveFinite(a.ShortBelow) {
			delete(p.plans, symbol)
			return nil
		}
		plan := &Plan{
			CycleID:       cycleID,
			Status:        a.Status,
			Reason:        a.Reason,
			TriggerPct:    a.TriggerPct,
			FlowImbalance: a.FlowImbalance,
			HasFlow:       a.HasFlow,
			FlowSamples:   a.FlowSamples,
			BasePrice:     livePrice,
			LongAbove:     a.LongAbove,
			ShortBelow:    a.ShortBelow,
			CreatedAt:     now,
			setupFrozen:   a.Status == analyzer.StatusSetup,
		}
		p.plans[symbol] = plan
		return plan
	}

	if !existing.setupFrozen && existing.Status == analyzer.StatusSideways && a.Status == analyzer.StatusSetup {
		existing.Status = a.Status
		existing.Reason = a.Reason
		existing.TriggerPct = a.TriggerPct
		existing.FlowImbalance = a.FlowImbalance
		existing.HasFlow = a.HasFlow
		existing.FlowSamples = a.FlowSamples
		existing.LongAbove = a.LongAbove
		existing.ShortBelow = a.ShortBelow
		existing.setupFrozen = true
	}

	return existing
}

// MarkTriggered flags a plan as fired; called by the simulator once it
// opens a trade against it.
func (p *Plan) MarkTriggered() { p.HasTriggered = true }

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
