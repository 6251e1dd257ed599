package analyzer

import (
	"math"

	"github.com/napwork-hash/perpfutures-engine/internal/market"
)

// Candle is the OHLCV bar type the analyzer reads; it is the same shape as
// market.Candle so the tick loop can pass a SymbolState's ring straight in.
type Candle = market.Candle

// Status is the classification a DecisionAnalysis carries.
type Status int

const (
	StatusWait Status = iota
	StatusSideways
	StatusSetup
)

func (s Status) String() string {
	switch s {
	case StatusSetup:
		return "SETUP"
	case StatusSideways:
		return "SIDEWAYS"
	default:
		return "WAIT"
	}
}

// FlowContext carries the aggregated-trade flow window snapshot the
// analyzer needs; samples below FlowMinSamples disables the flow checks.
type FlowContext struct {
	BuyQty  float64
	SellQty float64
	Samples int
}

// DecisionAnalysis is the pure value the analyzer produces each call.
type DecisionAnalysis struct {
	Status        Status
	Reason        string
	LongAbove     float64
	ShortBelow    float64
	TriggerPct    float64
	FlowImbalance float64
	HasFlow       bool
	FlowSamples   int
}

// Config bundles the tunables the analyzer's trigger/classification math
// depends on.
type Config struct {
	HistoryCandles   int
	DecisionWindowMs float64
	FlowMinSamples   int
	TriggerMinPct    float64
	TriggerMaxPct    float64
}

// Analyze computes the DecisionAnalysis for one symbol from its candle
// history, live price, time until the next candle close, and flow context.
// It is a pure function: no state is read or written beyond its arguments.
func Analyze(candles []Candle, livePrice float64, hasLivePrice bool, msToNextCandle float64, flow FlowContext, cfg Config) DecisionAnalysis {
	if !hasLivePrice {
		return DecisionAnalysis{Status: StatusWait, Reason: "no live price"}
	}
	if len(candles) < cfg.HistoryCandles {
		return DecisionAnalysis{Status: StatusWait, Reason: "insufficient candle history"}
	}
	if msToNextCandle > cfg.DecisionWindowMs {
		return DecisionAnalysis{Status: StatusWait, Reason: "outside decision window"}
	}

	closes := closesOf(candles)
	returns := Returns(closes)
	volPct := StdDev(returns)

	atrPct := atrPercent(candles, 14)

	fastWindow := lastN(closes, 30)
	slowWindow := lastN(closes, 40)
	fast := EMASeededFirst(fastWindow, 9)
	slow := EMASeededFirst(slowWindow, 21)
	var trendPct float64
	if slow != 0 {
		trendPct = (fast - slow) / slow * 100
	}

	volumes := volumesOf(candles)
	lastVolume := 0.0
	if len(volumes) > 0 {
		lastVolume = volumes[len(volumes)-1]
	}
	volWindow := lastN(volumes, 20)
	volumeRatio := 0.0
	if avg := Mean(volWindow); avg != 0 {
		volumeRatio = lastVolume / avg
	}

	hasFlow := flow.Samples >= cfg.FlowMinSamples
	var imbalance float64
	if hasFlow {
		total := flow.BuyQty + flow.SellQty
		if total > 0 {
			imbalance = (flow.BuyQty - flow.SellQty) / total
		} else {
			hasFlow = false
		}
	}

	triggerBase := atrPct*0.6 + volPct*0.8
	multiplier := 1.0
	flowConflicts := false
	if hasFlow && trendPct != 0 {
		trendSign := sign(trendPct)
		flowSign := sign(imbalance)
		if flowSign != 0 && flowSign != trendSign {
			flowConflicts = true
			multiplier = 1.25
		} else if flowSign == trendSign {
			multiplier = 0.85
		}
	}

	triggerPct := clamp(triggerBase*multiplier, 0.08, 2.2)

	longAbove := livePrice * (1 + triggerPct/100)
	shortBelow := livePrice * (1 - triggerPct/100)

	weakTrend := math.Abs(trendPct) < 0.08
	weakVolume := volumeRatio < 0.75

	analysis := DecisionAnalysis{
		TriggerPct:    triggerPct,
		LongAbove:     longAbove,
		ShortBelow:    shortBelow,
		FlowImbalance: imbalance,
		HasFlow:       hasFlow,
		FlowSamples:   flow.Samples,
	}

	switch {
	case weakTrend && weakVolume:
		analysis.Status = StatusSideways
		analysis.Reason = "weak trend and weak volume"
	case flowConflicts:
		analysis.Status = StatusSideways
		analysis.Reason = "flow conflicts trend"
	default:
		analysis.Status = StatusSetup
		analysis.Reason = "trend confirmed"
	}

	return analysis
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// atrPercent is the mean of |high-low|/close*100 over the last period
// candles.
func atrPercent(candles []Candle, period int) float64 {
	if len(candles) < period {
		period = len(candles)
	}
	if period <= 0 {
		return 0
	}
	window := candles[len(candles)-period:]
	var sum float64
	for _, c := range window {
		if c.Close != 0 {
			sum += math.Abs(c.High-c.Low) / c.Close * 100
		}
	}
	return sum / float64(len(window))
}

func closesOf(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func volumesOf(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}

func lastN(values []float64, n int) []float64 {
	if n <= 0 || len(values) == 0 {
		return nil
	}
	if n > len(values) {
		n = len(values)
	}
	return values[len(values)-n:]
}
