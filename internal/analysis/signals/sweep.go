package signals

import (
	"github.com/skalibog/sqe/internal/analysis/technical"
	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/pkg/models"
)

// sweep ищет снятие ликвидности: прокол минимума (максимума) предыдущих lookback баров
// и возврат за уровень в пределах reversal баров. Сигнал ставится на бар возврата.
func sweep(bars []models.Bar, cfg config.SweepConfig) Pair {
	out := newPair(len(bars))
	t := cfg.ThresholdPct / 100

	for i := cfg.Lookback; i < len(bars); i++ {
		if low, ok := technical.RollingMin(bars, i, cfg.Lookback); ok && bars[i].Low <= low*(1-t) {
			for j := i; j <= i+cfg.ReversalCandles && j < len(bars); j++ {
				if bars[j].High >= low*(1+t) {
					out.Long[j] = true
					break
				}
			}
		}
		if high, ok := technical.RollingMax(bars, i, cfg.Lookback); ok && bars[i].High >= high*(1+t) {
			for j := i; j <= i+cfg.ReversalCandles && j < len(bars); j++ {
				if bars[j].Low <= high*(1-t) {
					out.Short[j] = true
					break
				}
			}
		}
	}

	return out
}
