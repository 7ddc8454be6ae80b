package structure

import (
	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/pkg/models"
)

// Analyzer классифицирует рыночную структуру по пивотам
type Analyzer struct {
	config config.StructureConfig
}

// NewAnalyzer создает новый классификатор структуры
func NewAnalyzer(cfg config.StructureConfig) *Analyzer {
	return &Analyzer{
		config: cfg,
	}
}

// Pivots возвращает флаги пивотов: high[j] (low[j]) равен экстремуму окна шириной 2p+1.
// Бары, у которых окно выходит за пределы серии, пивотами не считаются.
func Pivots(bars []models.Bar, p int) (highs, lows []bool) {
	highs = make([]bool, len(bars))
	lows = make([]bool, len(bars))
	for j := p; j+p < len(bars); j++ {
		isHigh, isLow := true, true
		for k := j - p; k <= j+p; k++ {
			if bars[k].High > bars[j].High {
				isHigh = false
			}
			if bars[k].Low < bars[j].Low {
				isLow = false
			}
		}
		highs[j] = isHigh
		lows[j] = isLow
	}
	return highs, lows
}

// Classify возвращает ровно одну метку на бар.
// Пивот j используется на баре i только после подтверждения (j+p <= i).
func (a *Analyzer) Classify(bars []models.Bar) []models.StructureLabel {
	labels := make([]models.StructureLabel, len(bars))
	for i := range labels {
		labels[i] = models.Range
	}

	p, lookback := a.config.PivotBars, a.config.Lookback
	if p < 1 || lookback < 2*p+1 {
		return labels
	}

	pivotHigh, pivotLow := Pivots(bars, p)

	for i := lookback; i < len(bars); i++ {
		// последние два подтвержденных пивота внутри окна [i-L, i-p]
		var highs, lows []float64
		for j := i - p; j >= i-lookback && (len(highs) < 2 || len(lows) < 2); j-- {
			if pivotHigh[j] && len(highs) < 2 {
				highs = append(highs, bars[j].High)
			}
			if pivotLow[j] && len(lows) < 2 {
				lows = append(lows, bars[j].Low)
			}
		}
		if len(highs) < 2 || len(lows) < 2 {
			continue
		}

		// highs[0] и lows[0] самые свежие
		switch {
		case highs[0] > highs[1] && lows[0] > lows[1]:
			labels[i] = models.Bullish
		case highs[0] < highs[1] && lows[0] < lows[1]:
			labels[i] = models.Bearish
		}
	}

	return labels
}

// Allows проверяет, разрешает ли метка вход в направлении dir. RANGE запрещает оба.
func Allows(label models.StructureLabel, dir models.Direction) bool {
	switch label {
	case models.Bullish:
		return dir == models.Long
	case models.Bearish:
		return dir == models.Short
	default:
		return false
	}
}
