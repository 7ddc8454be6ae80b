package technical

import (
	"math"
	"sort"

	"github.com/markcheno/go-talib"
	"github.com/skalibog/sqe/pkg/models"
)

// Индикаторы возвращают серию той же длины, что и бары.
// Значения до окончания прогрева равны NaN.

// Columns раскладывает бары на массивы high/low/close
func Columns(bars []models.Bar) (highs, lows, closes []float64) {
	highs = make([]float64, len(bars))
	lows = make([]float64, len(bars))
	closes = make([]float64, len(bars))
	for i, b := range bars {
		highs[i] = b.High
		lows[i] = b.Low
		closes[i] = b.Close
	}
	return highs, lows, closes
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// maskWarmup заменяет первые warmup значений на NaN
func maskWarmup(values []float64, warmup int) []float64 {
	for i := 0; i < warmup && i < len(values); i++ {
		values[i] = math.NaN()
	}
	return values
}

// ATR средний истинный диапазон (сглаживание Уайлдера)
func ATR(bars []models.Bar, period int) []float64 {
	if period < 1 || len(bars) <= period {
		return nanSeries(len(bars))
	}
	highs, lows, closes := Columns(bars)
	return maskWarmup(talib.Atr(highs, lows, closes, period), period)
}

// ADX индекс направленного движения
func ADX(bars []models.Bar, period int) []float64 {
	if period < 2 || len(bars) < 2*period {
		return nanSeries(len(bars))
	}
	highs, lows, closes := Columns(bars)
	return maskWarmup(talib.Adx(highs, lows, closes, period), 2*period-1)
}

// EMA экспоненциальная скользящая средняя по закрытиям
func EMA(bars []models.Bar, period int) []float64 {
	if period < 1 || len(bars) < period {
		return nanSeries(len(bars))
	}
	_, _, closes := Columns(bars)
	return maskWarmup(talib.Ema(closes, period), period-1)
}

// BBWidth относительная ширина полос Боллинджера: (upper - lower) / middle
func BBWidth(bars []models.Bar, period int, stdDev float64) []float64 {
	if period < 2 || len(bars) < period {
		return nanSeries(len(bars))
	}
	_, _, closes := Columns(bars)
	upper, middle, lower := talib.BBands(closes, period, stdDev, stdDev, talib.SMA)
	out := make([]float64, len(bars))
	for i := range out {
		if i < period-1 || middle[i] == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = (upper[i] - lower[i]) / middle[i]
	}
	return out
}

// TrueRange истинный диапазон; для первого бара используется high - low
func TrueRange(bars []models.Bar) []float64 {
	if len(bars) == 0 {
		return nil
	}
	highs, lows, closes := Columns(bars)
	tr := talib.TRange(highs, lows, closes)
	tr[0] = bars[0].Range()
	return tr
}

// MeanTrueRange среднее истинного диапазона за window баров, заканчивая end включительно.
// Возвращает NaN, если end вне серии.
func MeanTrueRange(bars []models.Bar, end models.BarIndex, window int) float64 {
	i := int(end)
	if i < 0 || i >= len(bars) || window < 1 {
		return math.NaN()
	}
	start := i - window + 1
	if start < 0 {
		start = 0
	}
	tr := TrueRange(bars[start : i+1])
	sum := 0.0
	for _, v := range tr {
		sum += v
	}
	return sum / float64(len(tr))
}

// PercentileRank ранг последнего значения в скользящем окне, 0..100.
// Требует минимум minPeriods валидных значений в окне.
func PercentileRank(values []float64, lookback, minPeriods int) []float64 {
	out := nanSeries(len(values))
	window := make([]float64, 0, lookback)
	for i := range values {
		if math.IsNaN(values[i]) {
			continue
		}
		start := i - lookback + 1
		if start < 0 {
			start = 0
		}
		window = window[:0]
		for _, v := range values[start : i+1] {
			if !math.IsNaN(v) {
				window = append(window, v)
			}
		}
		if len(window) < minPeriods {
			continue
		}
		sort.Float64s(window)
		// доля значений окна, не превышающих текущее
		n := sort.Search(len(window), func(k int) bool { return window[k] > values[i] })
		out[i] = 100 * float64(n) / float64(len(window))
	}
	return out
}

// RollingMax максимум high за window баров перед индексом i (не включая i)
func RollingMax(bars []models.Bar, i, window int) (float64, bool) {
	if window < 1 || i-window < 0 {
		return 0, false
	}
	m := bars[i-window].High
	for _, b := range bars[i-window+1 : i] {
		if b.High > m {
			m = b.High
		}
	}
	return m, true
}

// RollingMin минимум low за window баров перед индексом i (не включая i)
func RollingMin(bars []models.Bar, i, window int) (float64, bool) {
	if window < 1 || i-window < 0 {
		return 0, false
	}
	m := bars[i-window].Low
	for _, b := range bars[i-window+1 : i] {
		if b.Low < m {
			m = b.Low
		}
	}
	return m, true
}
