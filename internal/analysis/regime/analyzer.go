package regime

import (
	"math"
	"sort"
	"time"

	"github.com/skalibog/sqe/internal/analysis/technical"
	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/pkg/models"
)

// Snapshot составляющие классификации на одном баре
type Snapshot struct {
	ADX               float64
	ATRPercentile     float64
	BBWidthPercentile float64
	EMAAlignment      float64
	HTFADX            float64
	TrendStrength     float64
}

// Analyzer классифицирует рыночный режим
type Analyzer struct {
	config config.RegimeConfig
}

// NewAnalyzer создает новый классификатор режима
func NewAnalyzer(cfg config.RegimeConfig) *Analyzer {
	return &Analyzer{
		config: cfg,
	}
}

// Classify возвращает режим и снимок индикаторов на каждый бар.
// htf может быть nil; старший таймфрейм протягивается вперед по времени
// и влияет только на силу тренда.
func (a *Analyzer) Classify(bars, htf []models.Bar) ([]models.Regime, []Snapshot) {
	n := len(bars)
	regimes := make([]models.Regime, n)
	snaps := make([]Snapshot, n)

	adx := technical.ADX(bars, a.config.ADXPeriod)
	atrPct := technical.PercentileRank(technical.ATR(bars, a.config.ATRPeriod), a.config.PercentileLookback, a.config.MinPeriods)
	bbPct := technical.PercentileRank(technical.BBWidth(bars, a.config.BBPeriod, a.config.BBStdDev), a.config.PercentileLookback, a.config.MinPeriods)
	alignment := a.emaAlignment(bars)
	htfADX := a.forwardFill(bars, htf)

	for i := 0; i < n; i++ {
		s := Snapshot{
			ADX:               adx[i],
			ATRPercentile:     atrPct[i],
			BBWidthPercentile: bbPct[i],
			EMAAlignment:      alignment[i],
			HTFADX:            htfADX[i],
		}
		s.TrendStrength = a.trendStrength(s)
		snaps[i] = s
		regimes[i] = a.label(s)
	}

	return regimes, snaps
}

// label применяет приоритет VOLATILE > TRENDING > RANGING; пороги строгие
func (a *Analyzer) label(s Snapshot) models.Regime {
	if !math.IsNaN(s.ATRPercentile) && s.ATRPercentile > a.config.ATRVolatilePercentile {
		return models.Volatile
	}
	if !math.IsNaN(s.TrendStrength) && s.TrendStrength > a.config.TrendStrengthThreshold {
		return models.Trending
	}
	return models.Ranging
}

// trendStrength нормированный ADX, усредненный с ADX старшего ТФ, если он есть.
// Выравнивание EMA остается только в снимке. Без ADX результат NaN.
func (a *Analyzer) trendStrength(s Snapshot) float64 {
	if math.IsNaN(s.ADX) {
		return math.NaN()
	}
	w := a.config.Weights
	adx := a.normalizeADX(s.ADX)
	if math.IsNaN(s.HTFADX) || w.HTF == 0 {
		return adx
	}
	if w.ADX+w.HTF == 0 {
		return math.NaN()
	}
	return (w.ADX*adx + w.HTF*a.normalizeADX(s.HTFADX)) / (w.ADX + w.HTF)
}

// normalizeADX отображает ADX в [0, 1]; порог тренда соответствует 0.5
func (a *Analyzer) normalizeADX(v float64) float64 {
	x := v / (2 * a.config.ADXTrendingThreshold)
	return math.Max(0, math.Min(1, x))
}

// emaAlignment: 1 если все EMA строго упорядочены в одну сторону,
// 0.5 если согласована только самая быстрая пара, иначе 0
func (a *Analyzer) emaAlignment(bars []models.Bar) []float64 {
	periods := append([]int(nil), a.config.EMAPeriods...)
	sort.Ints(periods)

	emas := make([][]float64, len(periods))
	for k, p := range periods {
		emas[k] = technical.EMA(bars, p)
	}

	out := make([]float64, len(bars))
	for i := range bars {
		if len(periods) < 2 {
			out[i] = math.NaN()
			continue
		}
		fastUp := emas[0][i] > emas[1][i]
		fastDown := emas[0][i] < emas[1][i]
		if math.IsNaN(emas[0][i]) || math.IsNaN(emas[1][i]) {
			out[i] = math.NaN()
			continue
		}

		up, down, complete := true, true, true
		for k := 0; k+1 < len(periods); k++ {
			x, y := emas[k][i], emas[k+1][i]
			if math.IsNaN(x) || math.IsNaN(y) {
				complete = false
				break
			}
			if !(x > y) {
				up = false
			}
			if !(x < y) {
				down = false
			}
		}

		switch {
		case complete && (up || down):
			out[i] = 1
		case fastUp || fastDown:
			out[i] = 0.5
		default:
			out[i] = 0
		}
	}
	return out
}

// forwardFill переносит ADX старшего ТФ на рабочие бары: для каждого бара берется
// последний старший бар, закрытый не позже закрытия текущего
func (a *Analyzer) forwardFill(bars, htf []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(htf) == 0 {
		return out
	}

	htfADX := technical.ADX(htf, a.config.ADXPeriod)
	htfStep, ltfStep := barStep(htf), barStep(bars)
	j := -1
	for i, b := range bars {
		closed := b.Time.Add(ltfStep)
		for j+1 < len(htf) && !htf[j+1].Time.Add(htfStep).After(closed) {
			j++
		}
		if j >= 0 {
			out[i] = htfADX[j]
		}
	}
	return out
}

// barStep длительность бара по первым двум барам; для одного бара 0
func barStep(bars []models.Bar) time.Duration {
	if len(bars) < 2 {
		return 0
	}
	return bars[1].Time.Sub(bars[0].Time)
}
