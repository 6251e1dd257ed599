// Package config loads the engine's runtime configuration from the process
// environment, optionally seeded from a .env file in the working directory.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved, defaulted configuration for one engine run.
type Config struct {
	Symbols               []string
	MarketSymbolOverrides map[string]string

	RenderIntervalMs int
	WSPingIntervalMs int
	WSStaleTimeoutMs int
	ReconnectBaseMs  int
	ReconnectMaxMs   int

	HistoryCandles   int
	HistoryInterval  string
	DecisionWindowMs int

	FlowLookbackMs       int
	FlowMinSamples       int
	FlowConfirmThreshold float64

	TriggerMinPct float64
	TriggerMaxPct float64

	Sim SimConfig

	Live LiveConfig

	RiskProfileFile string
}

// SimConfig holds the simulator's risk-parameter interpolation bounds.
type SimConfig struct {
	MarginUsd              float64
	Leverage               float64
	SLRoiMinPct            float64
	SLRoiMaxPct            float64
	TrailActivateRoiMinPct float64
	TrailActivateRoiMaxPct float64
	TrailDdRoiMinPct       float64
	TrailDdRoiMaxPct       float64
	MinNetProfitUsd        float64
	FeeRatePct             float64
}

// LiveConfig holds live-trading adapter settings.
type LiveConfig struct {
	Enable               bool
	Testnet              bool
	ForceIsolated        bool
	EntryMode            string // MARKET or LIMIT_GTX
	GtxTimeoutMs         int
	GtxPollMs            int
	GtxFallbackMarket    bool
	SpreadMaxBpsDefault  float64
	SpreadMaxBpsBySymbol map[string]float64
	APIKey               string
	SecretKey            string
}

// Load reads an optional .env file into the process environment and then
// resolves every runtime variable, applying the documented default for
// anything unset.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	cfg := &Config{
		Symbols:               splitCSV(getenv("SYMBOLS", "BTCUSDT,ETHUSDT")),
		MarketSymbolOverrides: parseOverrides(getenv("MARKET_SYMBOL_OVERRIDES", "")),

		RenderIntervalMs: getenvInt("RENDER_INTERVAL_MS", 1000),
		WSPingIntervalMs: getenvInt("WS_PING_INTERVAL_MS", 15000),
		WSStaleTimeoutMs: getenvInt("WS_STALE_TIMEOUT_MS", 45000),
		ReconnectBaseMs:  getenvInt("RECONNECT_BASE_MS", 1000),
		ReconnectMaxMs:   getenvInt("RECONNECT_MAX_MS", 15000),

		HistoryCandles:   getenvInt("HISTORY_CANDLES", 72),
		HistoryInterval:  getenv("HISTORY_INTERVAL", "5m"),
		DecisionWindowMs: getenvInt("DECISION_WINDOW_MS", 300000),

		FlowLookbackMs:       getenvInt("FLOW_LOOKBACK_MS", 60000),
		FlowMinSamples:       getenvInt("FLOW_MIN_SAMPLES", 20),
		FlowConfirmThreshold: getenvFloat("FLOW_CONFIRM_THRESHOLD", 0.08),

		TriggerMinPct: getenvFloat("TRIGGER_MIN_PCT", 0.05),
		TriggerMaxPct: getenvFloat("TRIGGER_MAX_PCT", 1.2),

		Sim: SimConfig{
			MarginUsd:              getenvFloat("SIM_MARGIN_USD", 10),
			Leverage:               getenvFloat("SIM_LEVERAGE", 20),
			SLRoiMinPct:            getenvFloat("SIM_SL_ROI_MIN_PCT", 8),
			SLRoiMaxPct:            getenvFloat("SIM_SL_ROI_MAX_PCT", 15),
			TrailActivateRoiMinPct: getenvFloat("SIM_TRAIL_ACTIVATE_ROI_MIN_PCT", 10),
			TrailActivateRoiMaxPct: getenvFloat("SIM_TRAIL_ACTIVATE_ROI_MAX_PCT", 20),
			TrailDdRoiMinPct:       getenvFloat("SIM_TRAIL_DD_ROI_MIN_PCT", 3),
			TrailDdRoiMaxPct:       getenvFloat("SIM_TRAIL_DD_ROI_MAX_PCT", 6),
			MinNetProfitUsd:        getenvFloat("SIM_MIN_NET_PROFIT_USD", 0.20),
			FeeRatePct:             getenvFloat("SIM_FEE_RATE_PCT", 0.05),
		},

		Live: LiveConfig{
			Enable:               getenvBool("LIVE_TRADING_ENABLE", false),
			Testnet:              getenvBool("LIVE_TRADING_TESTNET", true),
			ForceIsolated:        getenvBool("LIVE_TRADING_FORCE_ISOLATED", true),
			EntryMode:            getenv("LIVE_ENTRY_MODE", "LIMIT_GTX"),
			GtxTimeoutMs:         getenvInt("LIVE_GTX_TIMEOUT_MS", 4000),
			GtxPollMs:            getenvInt("LIVE_GTX_POLL_MS", 250),
			GtxFallbackMarket:    getenvBool("LIVE_GTX_FALLBACK_MARKET", true),
			SpreadMaxBpsDefault:  getenvFloat("LIVE_SPREAD_MAX_BPS_DEFAULT", 5),
			SpreadMaxBpsBySymbol: parseFloatOverrides(getenv("LIVE_SPREAD_MAX_BPS", "")),
			APIKey:               os.Getenv("LIVE_API_KEY"),
			SecretKey:            os.Getenv("LIVE_SECRET_KEY"),
		},

		RiskProfileFile: getenv("RISK_PROFILE_FILE", ""),
	}

	return cfg, nil
}

// LiveCredentialsMissing reports whether live trading is requested without
// API credentials. Callers disable the live path and continue simulating
// rather than aborting startup.
func (c *Config) LiveCredentialsMissing() bool {
	return c.Live.Enable && (c.Live.APIKey == "" || c.Live.SecretKey == "")
}

// RiskProfile is one symbol's override of the simulator's interpolation
// bounds, loaded from an optional YAML file (RISK_PROFILE_FILE). Fields left
// zero fall back to SimConfig's own value.
type RiskProfile struct {
	SLRoiMinPct            float64 `yaml:"slRoiMinPct"`
	SLRoiMaxPct            float64 `yaml:"slRoiMaxPct"`
	TrailActivateRoiMinPct float64 `yaml:"trailActivateRoiMinPct"`
	TrailActivateRoiMaxPct float64 `yaml:"trailActivateRoiMaxPct"`
	TrailDdRoiMinPct       float64 `yaml:"trailDdRoiMinPct"`
	TrailDdRoiMaxPct       float64 `yaml:"trailDdRoiMaxPct"`
	MarginUsd              float64 `yaml:"marginUsd"`
	Leverage               float64 `yaml:"leverage"`
}

type riskProfileFile struct {
	Symbols map[string]RiskProfile `yaml:"symbols"`
}

// LoadRiskProfiles reads a YAML file of per-symbol risk overrides. A missing
// path is not an error: callers get a nil map and fall back to SimConfig
// uniformly across symbols.
func LoadRiskProfiles(path string) (map[string]RiskProfile, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read risk profile file: %w", err)
	}
	var f riskProfileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse risk profile file: %w", err)
	}
	return f.Symbols, nil
}

// ApplyRiskProfile overlays any non-zero field of a RiskProfile onto a copy
// of the base SimConfig, leaving zero fields at the base value.
func ApplyRiskProfile(base SimConfig, p RiskProfile) SimConfig {
	out := base
	if p.SLRoiMinPct != 0 {
		out.SLRoiMinPct = p.SLRoiMinPct
	}
	if p.SLRoiMaxPct != 0 {
		out.SLRoiMaxPct = p.SLRoiMaxPct
	}
	if p.TrailActivateRoiMinPct != 0 {
		out.TrailActivateRoiMinPct = p.TrailActivateRoiMinPct
	}
	if p.TrailActivateRoiMaxPct != 0 {
		out.TrailActivateRoiMaxPct = p.TrailActivateRoiMaxPct
	}
	if p.TrailDdRoiMinPct != 0 {
		out.TrailDdRoiMinPct = p.TrailDdRoiMinPct
	}
	if p.TrailDdRoiMaxPct != 0 {
		out.TrailDdRoiMaxPct = p.TrailDdRoiMaxPct
	}
	if p.MarginUsd != 0 {
		out.MarginUsd = p.MarginUsd
	}
	if p.Leverage != 0 {
		out.Leverage = p.Leverage
	}
	return out
}

// CycleMs returns HistoryInterval in milliseconds, e.g. "5m" -> 300000. It is
// the fixed candle interval the Symbol State Store adds to a closed kline's
// closeTime to derive nextCandleCloseTs.
func (c *Config) CycleMs() (int64, error) {
	return parseIntervalMs(c.HistoryInterval)
}

func parseIntervalMs(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	var unitMs int64
	switch unit {
	case 's':
		unitMs = 1000
	case 'm':
		unitMs = 60 * 1000
	case 'h':
		unitMs = 60 * 60 * 1000
	case 'd':
		unitMs = 24 * 60 * 60 * 1000
	default:
		return 0, fmt.Errorf("invalid interval unit in %q", s)
	}
	return int64(n) * unitMs, nil
}

// RenderInterval and friends expose the millisecond ints as time.Duration for
// callers that want to hand them straight to a ticker.
func (c *Config) RenderInterval() time.Duration {
	return time.Duration(c.RenderIntervalMs) * time.Millisecond
}

func (c *Config) WSPingInterval() time.Duration {
	return time.Duration(c.WSPingIntervalMs) * time.Millisecond
}

func (c *Config) WSStaleTimeout() time.Duration {
	return time.Duration(c.WSStaleTimeoutMs) * time.Millisecond
}

func (c *Config) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseMs) * time.Millisecond
}

func (c *Config) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMs) * time.Millisecond
}

func (c *Config) DecisionWindow() time.Duration {
	return time.Duration(c.DecisionWindowMs) * time.Millisecond
}

func (c *Config) FlowLookback() time.Duration {
	return time.Duration(c.FlowLookbackMs) * time.Millisecond
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}

// parseOverrides parses "BTCUSDT=BTCUSD_PERP,ETHUSDT=ETHUSD_PERP" into a map.
func parseOverrides(s string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(kv[0]))] = strings.TrimSpace(kv[1])
	}
	return out
}

func parseFloatOverrides(s string) map[string]float64 {
	out := map[string]float64{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(kv[0]))] = f
	}
	return out
}
