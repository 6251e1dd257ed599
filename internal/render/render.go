// Package render implements the renderer: a sink for published per-symbol
// rows, independent of the engine's decision logic. Two implementations are
// provided, a structured console writer and a websocket broadcast hub.
package render

import "time"

// Row is one symbol's published snapshot, assembled by the tick loop each
// cycle from the market, analyzer, planner, simulator, and live adapter
// state for that symbol.
type Row struct {
	Symbol         string    `json:"symbol"`
	Timestamp      time.Time `json:"timestamp"`
	LivePrice      float64   `json:"livePrice"`
	MarkPrice      float64   `json:"markPrice,omitempty"`
	TradePrice     float64   `json:"tradePrice,omitempty"`
	LastVolume5m   float64   `json:"lastVolume5m"`
	MsToNextCandle float64   `json:"msToNextCandle"`
	Status         string    `json:"status"`
	PlanStatus     string    `json:"planStatus,omitempty"`
	Reason         string    `json:"reason"`
	Note           string    `json:"note,omitempty"`
	TriggerPct     float64   `json:"triggerPct"`
	LongAbove      float64   `json:"longAbove,omitempty"`
	ShortBelow     float64   `json:"shortBelow,omitempty"`
	FlowImbalance  float64   `json:"flowImbalance"`

	SimActive         bool    `json:"simActive"`
	SimSide           string  `json:"simSide,omitempty"`
	SimRoiPct         float64 `json:"simRoiPct,omitempty"`
	SimPnlUsd         float64 `json:"simPnlUsd,omitempty"`
	SimTotalTrades    int     `json:"simTotalTrades"`
	SimWinRate        float64 `json:"simWinRate"`
	SimRealizedPnlUsd float64 `json:"simRealizedPnlUsd"`

	LiveEnabled      bool    `json:"liveEnabled"`
	LiveSide         string  `json:"liveSide,omitempty"`
	LiveQuantity     float64 `json:"liveQuantity,omitempty"`
	LiveNetIncomeUsd float64 `json:"liveNetIncomeUsd"`
	LiveLastAction   string  `json:"liveLastAction,omitempty"`
	LiveLastError    string  `json:"liveLastError,omitempty"`

	FeedConnected bool  `json:"feedConnected"`
	FeedStaleMs   int64 `json:"feedStaleMs"`
}

// Renderer is anything that can accept a fresh batch of rows each cycle.
type Renderer interface {
	Render(rows []Row)
}

// MultiRenderer fans one Render call out to several renderers, so the tick
// loop can drive a console renderer and the websocket hub in the same pass.
type MultiRenderer struct {
	targets []Renderer
}

// NewMultiRenderer bundles the given renderers into one.
func NewMultiRenderer(targets ...Renderer) *MultiRenderer {
	return &MultiRenderer{targets: targets}
}

func (m *MultiRenderer) Render(rows []Row) {
	for _, t := range m.targets {
		t.Render(rows)
	}
}
