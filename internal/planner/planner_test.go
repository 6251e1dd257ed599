package planner

import (
	"math"
	"testing"

	"github.com/napwork-hash/perpfutures-engine/internal/analyzer"
	"github.com/stretchr/testify/require"
)

func TestSyncNoCycleDeletesPlan(t *testing.T) {
	p := NewPlanner()
	plan := p.Sync("btcusdt", 0, false, analyzer.DecisionAnalysis{Status: analyzer.StatusSetup, LongAbove: 101, ShortBelow: 99}, 100, 1000)
	require.Nil(t, plan)
}

func TestSyncNewCycleWaitProducesNoPlan(t *testing.T) {
	p := NewPlanner()
	plan := p.Sync("btcusdt", 1, true, analyzer.DecisionAnalysis{Status: analyzer.StatusWait}, 100, 1000)
	require.Nil(t, plan)
}

func TestSyncNewCycleNonPositiveTriggerProducesNoPlan(t *testing.T) {
	p := NewPlanner()
	plan := p.Sync("btcusdt", 1, true, analyzer.DecisionAnalysis{Status: analyzer.StatusSideways, LongAbove: 0, ShortBelow: 99}, 100, 1000)
	require.Nil(t, plan)

	plan = p.Sync("btcusdt", 1, true, analyzer.DecisionAnalysis{Status: analyzer.StatusSideways, LongAbove: math.Inf(1), ShortBelow: 99}, 100, 1000)
	require.Nil(t, plan)
}

func TestSyncNewCycleSidewaysCreatesUnfrozenPlan(t *testing.T) {
	p := NewPlanner()
	a := analyzer.DecisionAnalysis{Status: analyzer.StatusSideways, Reason: "weak trend and weak volume", LongAbove: 101, ShortBelow: 99, TriggerPct: 1}
	plan := p.Sync("btcusdt", 1, true, a, 100, 1000)
	require.NotNil(t, plan)
	require.Equal(t, analyzer.StatusSideways, plan.Status)
	require.Equal(t, int64(1), plan.CycleID)
	require.Equal(t, int64(1000), plan.CreatedAt)
	require.False(t, plan.HasTriggered)
}

func TestSyncNewCycleSetupCreatesFrozenPlan(t *testing.T) {
	p := NewPlanner()
	a := analyzer.DecisionAnalysis{Status: analyzer.StatusSetup, Reason: "trend confirmed", LongAbove: 101, ShortBelow: 99, TriggerPct: 1}
	plan := p.Sync("btcusdt", 1, true, a, 100, 1000)
	require.NotNil(t, plan)
	require.Equal(t, analyzer.StatusSetup, plan.Status)

	// A later WAIT in the same cycle must not erase the frozen SETUP plan.
	plan2 := p.Sync("btcusdt", 1, true, analyzer.DecisionAnalysis{Status: analyzer.StatusWait}, 100, 2000)
	require.NotNil(t, plan2)
	require.Equal(t, analyzer.StatusSetup, plan2.Status)
	require.Same(t, plan, plan2)
}

func TestSyncSidewaysPromotesToSetupThenFreezes(t *testing.T) {
	p := NewPlanner()
	sideways := analyzer.DecisionAnalysis{Status: analyzer.StatusSideways, Reason: "weak trend and weak volume", LongAbove: 101, ShortBelow: 99, TriggerPct: 1}
	plan := p.Sync("btcusdt", 1, true, sideways, 100, 1000)
	require.Equal(t, analyzer.StatusSideways, plan.Status)

	setup := analyzer.DecisionAnalysis{Status: analyzer.StatusSetup, Reason: "trend confirmed", LongAbove: 105, ShortBelow: 95, TriggerPct: 2}
	plan = p.Sync("btcusdt", 1, true, setup, 100, 1500)
	require.Equal(t, analyzer.StatusSetup, plan.Status)
	require.InDelta(t, 105, plan.LongAbove, 1e-9)
	require.InDelta(t, 2, plan.TriggerPct, 1e-9)

	// Once frozen, a regression back to SIDEWAYS in the same cycle must not
	// unfreeze or overwrite the plan's thresholds.
	regressed := analyzer.DecisionAnalysis{Status: analyzer.StatusSideways, Reason: "flow conflicts trend", LongAbove: 999, ShortBelow: 1, TriggerPct: 9}
	plan = p.Sync("btcusdt", 1, true, regressed, 100, 2000)
	require.Equal(t, analyzer.StatusSetup, plan.Status)
	require.InDelta(t, 105, plan.LongAbove, 1e-9)
}

func TestSyncNewCycleIdReplacesPlan(t *testing.T) {
	p := NewPlanner()
	a1 := analyzer.DecisionAnalysis{Status: analyzer.StatusSetup, LongAbove: 101, ShortBelow: 99, TriggerPct: 1}
	first := p.Sync("btcusdt", 1, true, a1, 100, 1000)
	require.NotNil(t, first)

	a2 := analyzer.DecisionAnalysis{Status: analyzer.StatusWait}
	second := p.Sync("btcusdt", 2, true, a2, 101, 2000)
	require.Nil(t, second, "a new cycle id resets the plan even though the previous one was frozen")
}

func TestMarkTriggered(t *testing.T) {
	plan := &Plan{}
	require.False(t, plan.HasTriggered)
	plan.MarkTriggered()
	require.True(t, plan.HasTriggered)
}
