package signals

import (
	"github.com/skalibog/sqe/internal/analysis/structure"
	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/pkg/models"
)

// mss: слом структуры, когда high пробивает последний подтвержденный пивот-максимум
// на BreakThresholdPct% (LONG), либо low пробивает пивот-минимум (SHORT)
func mss(bars []models.Bar, cfg config.MSSConfig) Pair {
	out := newPair(len(bars))
	p := cfg.SwingLookback
	t := cfg.BreakThresholdPct / 100
	pivotHigh, pivotLow := structure.Pivots(bars, p)
	lastHigh, lastLow := -1, -1

	for i := range bars {
		// пивот j подтверждается на баре j+p
		if j := i - p; j >= 0 {
			if pivotHigh[j] {
				lastHigh = j
			}
			if pivotLow[j] {
				lastLow = j
			}
		}
		if lastHigh >= 0 && lastHigh < i && bars[i].High >= bars[lastHigh].High*(1+t) {
			out.Long[i] = true
		}
		if lastLow >= 0 && lastLow < i && bars[i].Low <= bars[lastLow].Low*(1-t) {
			out.Short[i] = true
		}
	}

	return out
}
