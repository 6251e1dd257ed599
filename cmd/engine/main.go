// Command engine runs the perpetual-futures decision and execution loop:
// it connects to the venue's combined market stream, classifies each
// symbol's setup, simulates trades against that classification, optionally
// mirrors fills onto the live venue, and serves a status/metrics HTTP
// surface alongside a websocket feed of published rows.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/napwork-hash/perpfutures-engine/internal/api"
	"github.com/napwork-hash/perpfutures-engine/internal/config"
	"github.com/napwork-hash/perpfutures-engine/internal/engine"
	"github.com/napwork-hash/perpfutures-engine/internal/feed"
	"github.com/napwork-hash/perpfutures-engine/internal/liveadapter"
	"github.com/napwork-hash/perpfutures-engine/internal/market"
	"github.com/napwork-hash/perpfutures-engine/internal/render"
	"github.com/napwork-hash/perpfutures-engine/internal/telemetry"
	"github.com/napwork-hash/perpfutures-engine/internal/tradelog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("engine exited with error")
	}
}

func run() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load(".env")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(cfg.Symbols) == 0 {
		return fmt.Errorf("no symbols configured")
	}
	if cfg.LiveCredentialsMissing() {
		logger.Error().Msg("live trading enabled but LIVE_API_KEY/LIVE_SECRET_KEY are not set, continuing simulation only")
		cfg.Live.Enable = false
	}

	riskProfiles, err := config.LoadRiskProfiles(cfg.RiskProfileFile)
	if err != nil {
		return fmt.Errorf("load risk profiles: %w", err)
	}

	store := market.NewStore(lowerAll(cfg.Symbols), cfg.HistoryCandles, int64(cfg.FlowLookbackMs))

	hydrateHistory(cfg, store, logger.With().Str("component", "history").Logger())

	subs := buildSubscriptions(cfg.Symbols, cfg.HistoryInterval)
	feedSup := feed.NewSupervisor(subs, logger.With().Str("component", "feed").Logger(),
		feed.WithPingInterval(cfg.WSPingInterval()),
		feed.WithReconnectBase(cfg.ReconnectBase()),
		feed.WithReconnectMax(cfg.ReconnectMax()),
		feed.WithStaleTimeout(cfg.WSStaleTimeout()),
	)

	metrics := telemetry.New(prometheus.DefaultRegisterer)

	tlog, err := tradelog.Open("tradelog.db")
	if err != nil {
		return fmt.Errorf("open tradelog: %w", err)
	}
	defer tlog.Close()

	hub := render.NewHub(logger.With().Str("component", "hub").Logger())
	go hub.Run()
	defer hub.Stop()

	renderer := render.NewMultiRenderer(
		render.NewConsole(logger.With().Str("component", "console").Logger()),
		hub,
	)

	var live *liveadapter.Adapter
	if cfg.Live.Enable {
		client := liveadapter.NewClient(cfg.Live.APIKey, cfg.Live.SecretKey,
			logger.With().Str("component", "liveclient").Logger(),
			liveadapter.WithTestnet(cfg.Live.Testnet))
		live = liveadapter.NewAdapter(client, liveadapter.Config{
			ForceIsolated:        cfg.Live.ForceIsolated,
			TargetLeverage:       int(cfg.Sim.Leverage),
			EntryMode:            liveadapter.EntryMode(cfg.Live.EntryMode),
			GtxTimeoutMs:         cfg.Live.GtxTimeoutMs,
			GtxPollMs:            cfg.Live.GtxPollMs,
			GtxFallbackMarket:    cfg.Live.GtxFallbackMarket,
			SpreadMaxBpsDefault:  cfg.Live.SpreadMaxBpsDefault,
			SpreadMaxBpsBySymbol: cfg.Live.SpreadMaxBpsBySymbol,
		}, logger.With().Str("component", "liveadapter").Logger(), tlog)

		bootstrapCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := live.Bootstrap(bootstrapCtx, marketSymbols(cfg))
		cancel()
		if err != nil {
			return fmt.Errorf("live adapter bootstrap: %w", err)
		}
	}

	eng, err := engine.New(engine.Deps{
		Config:       cfg,
		Store:        store,
		Feed:         feedSup,
		Live:         live,
		Renderer:     renderer,
		Metrics:      metrics,
		Tradelog:     tlog,
		RiskProfiles: riskProfiles,
		Log:          logger.With().Str("component", "engine").Logger(),
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	opsServer := api.NewServer(api.Config{Addr: ":8090", ShutdownTimeout: 10 * time.Second},
		logger.With().Str("component", "ops").Logger(), hub)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := opsServer.Start(); err != nil {
			logger.Error().Err(err).Msg("ops server stopped")
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("engine loop exited")
		}
	}

	eng.Stop()
	return opsServer.Shutdown()
}

// hydrateHistory seeds each symbol's candle ring from the venue's REST
// kline history so the analyzer has a full window at the first tick instead
// of waiting HISTORY_CANDLES cycles. A per-symbol failure is recorded on the
// symbol's state for the renderer and does not abort startup.
func hydrateHistory(cfg *config.Config, store *market.Store, logger zerolog.Logger) {
	cycleMs, err := cfg.CycleMs()
	if err != nil {
		logger.Warn().Err(err).Msg("skipping history hydration")
		return
	}

	hist := feed.NewHistoryClient()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, sym := range cfg.Symbols {
		state := store.Get(strings.ToLower(sym))
		if state == nil {
			continue
		}
		klines, err := hist.FetchKlines(ctx, sym, cfg.HistoryInterval, cfg.HistoryCandles)
		if err != nil {
			logger.Warn().Err(err).Str("symbol", sym).Msg("history hydration failed")
			state.SetError("history hydration failed")
			continue
		}
		for _, k := range klines {
			state.ApplyEvent(feed.MarketEvent{
				Symbol: strings.ToLower(sym),
				Kind:   feed.EventKline,
				Kline:  k,
			}, cycleMs)
		}
		logger.Info().Str("symbol", sym).Int("candles", len(klines)).Msg("history hydrated")
	}
}

// buildSubscriptions builds the aggTrade/markPrice/kline stream triple for
// each symbol.
func buildSubscriptions(symbols []string, historyInterval string) []string {
	subs := make([]string, 0, len(symbols)*3)
	for _, sym := range symbols {
		lower := strings.ToLower(sym)
		subs = append(subs,
			lower+"@aggTrade",
			lower+"@markPrice@1s",
			lower+"@kline_"+historyInterval,
		)
	}
	return subs
}

// marketSymbols resolves each configured decision symbol to its live market
// symbol, applying MARKET_SYMBOL_OVERRIDES where set (e.g. quarterly/perp
// delivery contracts that trade under a different ticker than the stream
// symbol used for classification).
func marketSymbols(cfg *config.Config) []string {
	out := make([]string, len(cfg.Symbols))
	for i, sym := range cfg.Symbols {
		if ov, ok := cfg.MarketSymbolOverrides[sym]; ok {
			out[i] = ov
			continue
		}
		out[i] = sym
	}
	return out
}

func lowerAll(symbols []string) []string {
	out := make([]string, len(symbols))
	for i, s := range symbols {
		out[i] = strings.ToLower(s)
	}
	return out
}
