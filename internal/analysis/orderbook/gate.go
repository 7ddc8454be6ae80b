package orderbook

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/pkg/logger"
	"github.com/skalibog/sqe/pkg/models"
	"go.uber.org/zap"
)

// ErrEmptyBook в стакане нет одной из сторон
var ErrEmptyBook = errors.New("empty order book")

// OrderLevel уровень стакана в числах
type OrderLevel struct {
	Price  float64
	Amount float64
}

// Gate запрещает входы при широком спреде
type Gate struct {
	config  config.SpreadConfig
	mu      sync.Mutex
	blocked int
}

// NewGate создает фильтр спреда
func NewGate(cfg config.SpreadConfig) *Gate {
	return &Gate{config: cfg}
}

// Allow true, если спред не превышает MaxSpread
func (g *Gate) Allow(spread float64) bool {
	if !g.config.Enabled {
		return true
	}
	if spread > g.config.MaxSpread {
		g.mu.Lock()
		g.blocked++
		g.mu.Unlock()
		logger.Warn("Спред выше допустимого", zap.Float64("spread", spread), zap.Float64("max", g.config.MaxSpread))
		return false
	}
	return true
}

// Blocked число отклоненных проверок
func (g *Gate) Blocked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked
}

// Spread спред между лучшими ценами стакана
func (g *Gate) Spread(book *models.OrderBook) (float64, error) {
	bids, asks, err := convertOrderBookLevels(book)
	if err != nil {
		return 0, err
	}
	if len(bids) == 0 || len(asks) == 0 {
		return 0, ErrEmptyBook
	}
	return asks[0].Price - bids[0].Price, nil
}

// LevelGap средний шаг цены между первыми уровнями стороны; показывает разреженность ликвидности
func (g *Gate) LevelGap(book *models.OrderBook) (float64, float64, error) {
	bids, asks, err := convertOrderBookLevels(book)
	if err != nil {
		return 0, 0, err
	}
	return averageGap(bids, g.config.Depth), averageGap(asks, g.config.Depth), nil
}

// convertOrderBookLevels конвертирует строковые цены и объемы, биды по убыванию, аски по возрастанию
func convertOrderBookLevels(book *models.OrderBook) ([]OrderLevel, []OrderLevel, error) {
	bids, err := convertSide(book.Bids)
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка парсинга бидов: %w", err)
	}
	asks, err := convertSide(book.Asks)
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка парсинга асков: %w", err)
	}

	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })
	return bids, asks, nil
}

func convertSide(levels []models.OrderBookLevel) ([]OrderLevel, error) {
	out := make([]OrderLevel, len(levels))
	for i, l := range levels {
		price, err := strconv.ParseFloat(l.Price, 64)
		if err != nil {
			return nil, err
		}
		amount, err := strconv.ParseFloat(l.Amount, 64)
		if err != nil {
			return nil, err
		}
		out[i] = OrderLevel{Price: price, Amount: amount}
	}
	return out, nil
}

func averageGap(levels []OrderLevel, count int) float64 {
	if count > len(levels)-1 {
		count = len(levels) - 1
	}
	if count <= 0 {
		return 0
	}
	var total float64
	for i := 0; i < count; i++ {
		gap := levels[i].Price - levels[i+1].Price
		if gap < 0 {
			gap = -gap
		}
		total += gap
	}
	return total / float64(count)
}
