package signals

import (
	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/pkg/models"
)

// fvg: бычий разрыв, когда low[i] выше high[i-2] не менее чем на MinGapPct%.
// Разрыв фиксируется на баре i и действует ValidityCandles баров.
func fvg(bars []models.Bar, cfg config.FVGConfig) Pair {
	out := newPair(len(bars))
	minGap := cfg.MinGapPct / 100
	lastBull, lastBear := -1, -1

	for i := range bars {
		if i >= 2 {
			first, cur := bars[i-2], bars[i]
			if first.High > 0 && cur.Low > first.High && (cur.Low-first.High)/first.High >= minGap {
				lastBull = i
			}
			if first.Low > 0 && cur.High < first.Low && (first.Low-cur.High)/first.Low >= minGap {
				lastBear = i
			}
		}
		out.Long[i] = lastBull >= 0 && i-lastBull <= cfg.ValidityCandles
		out.Short[i] = lastBear >= 0 && i-lastBear <= cfg.ValidityCandles
	}

	return out
}
