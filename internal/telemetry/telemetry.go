// Package telemetry exposes the engine's prometheus metrics: feed and
// decode counters, plan/trade lifecycle counters, and per-symbol gauges
// scraped at /metrics.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the tick loop and live adapter touch.
type Metrics struct {
	EventsDecoded     *prometheus.CounterVec
	DecodeErrors      *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	PlansCreated      *prometheus.CounterVec
	TradesOpened      *prometheus.CounterVec
	TradesClosed      *prometheus.CounterVec
	LiveOrderAttempts *prometheus.CounterVec
	LiveOrderFailures *prometheus.CounterVec
	FeedStaleness     *prometheus.GaugeVec
	TickDurationMs    *prometheus.HistogramVec
	OpenTradesGauge   *prometheus.GaugeVec
	OpenTradeRoiPct   *prometheus.GaugeVec
	RealizedPnlUsd    *prometheus.GaugeVec
}

// New registers and returns the engine's metric set on the given registerer.
// Pass prometheus.DefaultRegisterer in production, or a fresh
// prometheus.NewRegistry() in tests to avoid collisions across cases.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_events_decoded_total",
			Help: "Market events successfully decoded, by symbol and kind.",
		}, []string{"symbol", "kind"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_decode_errors_total",
			Help: "Feed payloads that failed to decode or carried a venue error.",
		}, []string{"symbol"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_feed_reconnects_total",
			Help: "Websocket reconnect attempts by the connection supervisor.",
		}, []string{"reason"}),
		PlansCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_plans_created_total",
			Help: "Decision plans created, by symbol and status.",
		}, []string{"symbol", "status"}),
		TradesOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_trades_opened_total",
			Help: "Trades opened, by symbol, side, and source (sim/live).",
		}, []string{"symbol", "side", "source"}),
		TradesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_trades_closed_total",
			Help: "Trades closed, by symbol, exit reason, and source.",
		}, []string{"symbol", "reason", "source"}),
		LiveOrderAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_live_order_attempts_total",
			Help: "Live order placement attempts, by symbol and entry mode.",
		}, []string{"symbol", "mode"}),
		LiveOrderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_live_order_failures_total",
			Help: "Live order placement failures, by symbol and venue error code.",
		}, []string{"symbol", "code"}),
		FeedStaleness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_feed_staleness_ms",
			Help: "Milliseconds since the last stream message per symbol.",
		}, []string{"symbol"}),
		TickDurationMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_tick_duration_ms",
			Help:    "Wall-clock duration of one tick loop pass.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"stage"}),
		OpenTradesGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_open_trades",
			Help: "Whether a symbol currently has an active trade (0/1), by source.",
		}, []string{"symbol", "source"}),
		OpenTradeRoiPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_open_trade_roi_pct",
			Help: "Current net ROI of the symbol's open trade in percent, 0 when flat.",
		}, []string{"symbol", "source"}),
		RealizedPnlUsd: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_realized_pnl_usd",
			Help: "Cumulative realized PnL in USD, by symbol and source.",
		}, []string{"symbol", "source"}),
	}

	reg.MustRegister(
		m.EventsDecoded, m.DecodeErrors, m.Reconnects, m.PlansCreated,
		m.TradesOpened, m.TradesClosed, m.LiveOrderAttempts, m.LiveOrderFailures,
		m.FeedStaleness, m.TickDurationMs, m.OpenTradesGauge, m.OpenTradeRoiPct,
		m.RealizedPnlUsd,
	)
	return m
}
