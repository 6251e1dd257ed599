package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseIntervalMs(t *testing.T) {
	cases := map[string]int64{
		"30s": 30000,
		"1m":  60000,
		"5m":  300000,
		"1h":  3600000,
		"1d":  86400000,
	}
	for in, want := range cases {
		got, err := parseIntervalMs(in)
		require.NoError(t, err, "interval %q", in)
		require.Equal(t, want, got, "interval %q", in)
	}

	_, err := parseIntervalMs("")
	require.Error(t, err)
	_, err = parseIntervalMs("5x")
	require.Error(t, err)
	_, err = parseIntervalMs("m")
	require.Error(t, err)
}

func TestSplitCSVUppercasesAndTrims(t *testing.T) {
	require.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, splitCSV(" btcusdt , ethusdt "))
	require.Nil(t, splitCSV("   "))
}

func TestParseOverrides(t *testing.T) {
	out := parseOverrides("btcusdt=BTCUSD_PERP, ethusdt=ETHUSD_PERP,bad")
	require.Equal(t, "BTCUSD_PERP", out["BTCUSDT"])
	require.Equal(t, "ETHUSD_PERP", out["ETHUSDT"])
	require.Len(t, out, 2)
}

func TestParseFloatOverrides(t *testing.T) {
	out := parseFloatOverrides("BTCUSDT=3.5,ETHUSDT=oops")
	require.InDelta(t, 3.5, out["BTCUSDT"], 1e-9)
	require.Len(t, out, 1)
}

func TestApplyRiskProfileOverlaysNonZeroFieldsOnly(t *testing.T) {
	base := SimConfig{
		MarginUsd: 10, Leverage: 20,
		SLRoiMinPct: 8, SLRoiMaxPct: 15,
		TrailActivateRoiMinPct: 10, TrailActivateRoiMaxPct: 20,
		TrailDdRoiMinPct: 3, TrailDdRoiMaxPct: 6,
		MinNetProfitUsd: 0.2, FeeRatePct: 0.05,
	}
	p := RiskProfile{SLRoiMinPct: 5, MarginUsd: 25}

	out := ApplyRiskProfile(base, p)
	require.InDelta(t, 5, out.SLRoiMinPct, 1e-9)
	require.InDelta(t, 25, out.MarginUsd, 1e-9)
	require.InDelta(t, 15, out.SLRoiMaxPct, 1e-9, "untouched fields keep the base value")
	require.InDelta(t, 20, out.Leverage, 1e-9)
}

func TestLoadDefaultsApply(t *testing.T) {
	t.Setenv("SYMBOLS", "")
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Symbols)
	require.Equal(t, 1000, cfg.RenderIntervalMs)
	require.Equal(t, 72, cfg.HistoryCandles)
	require.Equal(t, "5m", cfg.HistoryInterval)
	require.InDelta(t, 0.08, cfg.FlowConfirmThreshold, 1e-9)
	require.False(t, cfg.Live.Enable)

	cycle, err := cfg.CycleMs()
	require.NoError(t, err)
	require.Equal(t, int64(300000), cycle)
}

func TestLiveCredentialsMissing(t *testing.T) {
	t.Setenv("LIVE_TRADING_ENABLE", "true")
	t.Setenv("LIVE_API_KEY", "")
	t.Setenv("LIVE_SECRET_KEY", "")

	cfg, err := Load("")
	require.NoError(t, err, "missing credentials are not a load failure, the live path is disabled downstream")
	require.True(t, cfg.LiveCredentialsMissing())

	t.Setenv("LIVE_API_KEY", "k")
	t.Setenv("LIVE_SECRET_KEY", "s")
	cfg, err = Load("")
	require.NoError(t, err)
	require.False(t, cfg.LiveCredentialsMissing())
}
