package signals

import (
	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/pkg/models"
)

// displacement: MinCandles подряд свечей одного цвета с телом не меньше MinBodyPct% диапазона
func displacement(bars []models.Bar, cfg config.DisplacementConfig) Pair {
	out := newPair(len(bars))
	pct := cfg.MinBodyPct / 100
	bull, bear := 0, 0

	for i, b := range bars {
		strong := b.Range() > 0 && b.Body() >= b.Range()*pct
		switch {
		case strong && b.Close > b.Open:
			bull++
			bear = 0
		case strong && b.Close < b.Open:
			bear++
			bull = 0
		default:
			bull, bear = 0, 0
		}
		out.Long[i] = bull >= cfg.MinCandles
		out.Short[i] = bear >= cfg.MinCandles
	}

	return out
}
