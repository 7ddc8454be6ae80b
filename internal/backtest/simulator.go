package backtest

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/skalibog/sqe/internal/analysis/technical"
	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/pkg/models"
)

// ErrBadEntry индекс входа вне серии или неверное направление
var ErrBadEntry = errors.New("bad entry")

// Levels уровни сделки при входе
type Levels struct {
	Entry  float64
	Stop   float64
	Target float64
	ATR    float64
}

// Simulator прогоняет сделку по барам до выхода
type Simulator struct {
	config config.SimulatorConfig
	symbol string
}

// NewSimulator создает симулятор
func NewSimulator(cfg config.SimulatorConfig, symbol string) *Simulator {
	return &Simulator{
		config: cfg,
		symbol: symbol,
	}
}

// Volatility средний истинный диапазон на баре входа; при неположительном
// или неопределенном значении используется FallbackPct% цены входа
func (s *Simulator) Volatility(bars []models.Bar, idx models.BarIndex) float64 {
	atr := technical.MeanTrueRange(bars, idx, s.config.ATRWindow)
	if math.IsNaN(atr) || atr <= 0 {
		return bars[idx].Close * s.config.FallbackPct / 100
	}
	return atr
}

// Levels вычисляет стоп и цель от цены закрытия бара входа
func (s *Simulator) Levels(bars []models.Bar, idx models.BarIndex, dir models.Direction, m models.Multiples) Levels {
	entry := bars[idx].Close
	atr := s.Volatility(bars, idx)
	return BracketLevels(entry, atr, dir, m)
}

// BracketLevels стоп и цель от цены входа и волатильности; общая математика бэктеста и live
func BracketLevels(entry, atr float64, dir models.Direction, m models.Multiples) Levels {
	sign := dir.Sign()
	return Levels{
		Entry:  entry,
		Stop:   entry - sign*m.SL*atr,
		Target: entry + sign*m.TP*atr,
		ATR:    atr,
	}
}

// Simulate открывает сделку на закрытии бара idx и идет вперед до стопа, цели или конца данных.
// Если один бар задевает оба уровня, считается стоп.
func (s *Simulator) Simulate(bars []models.Bar, idx models.BarIndex, dir models.Direction, m models.Multiples) (models.Trade, error) {
	if int(idx) < 0 || int(idx) >= len(bars) {
		return models.Trade{}, fmt.Errorf("%w: index %d of %d bars", ErrBadEntry, idx, len(bars))
	}
	if !dir.Valid() {
		return models.Trade{}, fmt.Errorf("%w: direction %q", ErrBadEntry, dir)
	}
	if m.SL <= 0 || m.TP <= 0 {
		return models.Trade{}, fmt.Errorf("%w: multiples %+v", ErrBadEntry, m)
	}

	lv := s.Levels(bars, idx, dir, m)

	exitPrice := lv.Entry
	exitTime := bars[idx].Time
	outcome := models.Timeout

	for j := int(idx) + 1; j < len(bars); j++ {
		b := bars[j]
		exitTime = b.Time
		if hit, ok := resolve(b, dir, lv); ok {
			exitPrice, outcome = hit.price, hit.outcome
			break
		}
		exitPrice = b.Close
	}

	return s.trade(bars[idx], dir, lv, exitPrice, exitTime, outcome), nil
}

type exit struct {
	price   float64
	outcome models.Outcome
}

// resolve проверяет бар на касание стопа, затем цели
func resolve(b models.Bar, dir models.Direction, lv Levels) (exit, bool) {
	if dir == models.Long {
		if b.Low <= lv.Stop {
			return exit{lv.Stop, models.Loss}, true
		}
		if b.High >= lv.Target {
			return exit{lv.Target, models.Win}, true
		}
		return exit{}, false
	}
	if b.High >= lv.Stop {
		return exit{lv.Stop, models.Loss}, true
	}
	if b.Low <= lv.Target {
		return exit{lv.Target, models.Win}, true
	}
	return exit{}, false
}

func (s *Simulator) trade(entryBar models.Bar, dir models.Direction, lv Levels, exitPrice float64, exitTime time.Time, outcome models.Outcome) models.Trade {
	units := s.config.Units
	if units <= 0 {
		units = 1
	}
	pnl, r := PnL(dir, lv.Entry, exitPrice, lv.Stop, units)
	t := models.Trade{
		ID:         TradeID(s.symbol, entryBar.Time, dir),
		Symbol:     s.symbol,
		Direction:  dir,
		OpenTime:   entryBar.Time,
		CloseTime:  exitTime,
		EntryPrice: lv.Entry,
		ExitPrice:  exitPrice,
		StopLoss:   lv.Stop,
		TakeProfit: lv.Target,
		Units:      units,
		PnL:        pnl,
		PnLR:       r,
		Outcome:    outcome,
		ATR:        lv.ATR,
	}
	return t
}

// TradeID детерминированный идентификатор: повторный прогон дает те же id
func TradeID(symbol string, openTime time.Time, dir models.Direction) string {
	key := fmt.Sprintf("%s|%d|%s", symbol, openTime.UnixNano(), dir)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// PnL результат в валюте (округление до 8 знаков) и в R
func PnL(dir models.Direction, entry, exitPrice, stop, units float64) (float64, float64) {
	move := decimal.NewFromFloat(exitPrice).Sub(decimal.NewFromFloat(entry))
	if dir == models.Short {
		move = move.Neg()
	}
	pnl, _ := move.Mul(decimal.NewFromFloat(units)).Round(8).Float64()

	risk := math.Abs(entry - stop)
	if risk == 0 {
		return pnl, 0
	}
	r, _ := move.Div(decimal.NewFromFloat(risk)).Round(8).Float64()
	return pnl, r
}
