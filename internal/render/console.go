package render

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Console renders rows as a compact one-line-per-symbol summary through a
// zerolog logger.
type Console struct {
	log zerolog.Logger
}

// NewConsole builds a console renderer writing through the given logger.
func NewConsole(log zerolog.Logger) *Console {
	return &Console{log: log}
}

func (c *Console) Render(rows []Row) {
	for _, r := range rows {
		evt := c.log.Info().
			Str("symbol", r.Symbol).
			Float64("price", r.LivePrice).
			Str("status", r.Status).
			Str("reason", r.Reason).
			Float64("triggerPct", r.TriggerPct)

		if r.SimActive {
			evt = evt.Str("simSide", r.SimSide).Float64("simRoiPct", r.SimRoiPct)
		}
		if r.LiveEnabled {
			evt = evt.Str("liveSide", r.LiveSide).Float64("liveNetUsd", r.LiveNetIncomeUsd)
		}
		if !r.FeedConnected {
			evt = evt.Bool("feedDown", true)
		}
		evt.Msg(summaryLine(r))
	}
}

func summaryLine(r Row) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", r.Symbol, r.Status)
	if r.SimActive {
		fmt.Fprintf(&b, " sim=%s roi=%.2f%%", r.SimSide, r.SimRoiPct)
	}
	if r.LiveEnabled && r.LiveSide != "" {
		fmt.Fprintf(&b, " live=%s", r.LiveSide)
	}
	return b.String()
}
