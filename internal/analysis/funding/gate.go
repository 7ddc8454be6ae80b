package funding

import (
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/pkg/logger"
	"github.com/skalibog/sqe/pkg/models"
	"go.uber.org/zap"
)

// Gate фильтр настроения по ставке финансирования.
// Экстремально положительная ставка означает перегруженные лонги и блокирует LONG,
// экстремально отрицательная блокирует SHORT.
type Gate struct {
	config config.SentimentConfig
	mu     sync.RWMutex
	rates  []float64
}

// NewGate создает фильтр
func NewGate(cfg config.SentimentConfig) *Gate {
	return &Gate{config: cfg}
}

// Update принимает историю ставок, самая свежая первой
func (g *Gate) Update(rates []*models.FundingRate) error {
	values := make([]float64, 0, len(rates))
	for _, r := range rates {
		v, err := strconv.ParseFloat(r.Rate, 64)
		if err != nil {
			return fmt.Errorf("ошибка парсинга ставки финансирования %q: %w", r.Rate, err)
		}
		values = append(values, v)
		if len(values) == g.config.Periods {
			break
		}
	}

	g.mu.Lock()
	g.rates = values
	g.mu.Unlock()

	if len(values) > 0 {
		logger.Debug("Обновлены ставки финансирования",
			zap.Float64("current", values[0]),
			zap.Float64("slope", calculateSlope(values)),
			zap.Int("periods", len(values)))
	}
	return nil
}

// Current последняя ставка; false, если данных нет
func (g *Gate) Current() (float64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.rates) == 0 {
		return 0, false
	}
	return g.rates[0], true
}

// Allow проверяет направление против толпы; без данных вход разрешен
func (g *Gate) Allow(dir models.Direction) bool {
	if !g.config.Enabled {
		return true
	}
	rate, ok := g.Current()
	if !ok {
		return true
	}
	switch {
	case dir == models.Long && rate > g.config.ExtremeThreshold:
		return false
	case dir == models.Short && rate < -g.config.ExtremeThreshold:
		return false
	}
	return true
}

// calculateSlope вычисляет наклон линейной регрессии
func calculateSlope(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	n := float64(len(values))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	slope := (n*sumXY - sumX*sumY) / (n*sumXX - sumX*sumX)
	if math.IsNaN(slope) {
		return 0
	}
	return slope
}
