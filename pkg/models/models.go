package models

import (
	"time"
)

// BarIndex индекс бара в упорядоченной серии
type BarIndex int

// Bar представляет свечу
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Range возвращает high - low
func (b Bar) Range() float64 {
	return b.High - b.Low
}

// Body возвращает абсолютный размер тела свечи
func (b Bar) Body() float64 {
	if b.Close >= b.Open {
		return b.Close - b.Open
	}
	return b.Open - b.Close
}

// Direction направление сделки
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Directions задает порядок разрешения конфликтов: LONG раньше SHORT на одном баре
var Directions = [2]Direction{Long, Short}

// Sign возвращает +1 для LONG и -1 для SHORT
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// Valid проверяет значение направления
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// StructureLabel метка рыночной структуры
type StructureLabel string

const (
	Bullish StructureLabel = "BULLISH"
	Bearish StructureLabel = "BEARISH"
	Range   StructureLabel = "RANGE"
)

// Regime рыночный режим
type Regime string

const (
	Trending Regime = "TRENDING"
	Ranging  Regime = "RANGING"
	Volatile Regime = "VOLATILE"
)

// Series булева серия сигнала, выровненная по барам
type Series []bool

// EntryCandidate кандидат на вход
type EntryCandidate struct {
	Index     BarIndex
	Direction Direction
}

// Multiples множители стопа и цели в единицах волатильности
type Multiples struct {
	SL float64
	TP float64
}

// Outcome результат сделки
type Outcome string

const (
	Win     Outcome = "WIN"
	Loss    Outcome = "LOSS"
	Timeout Outcome = "TIMEOUT"
)

// Trade закрытая сделка, не изменяется после закрытия
type Trade struct {
	ID         string
	Symbol     string
	Direction  Direction
	OpenTime   time.Time
	CloseTime  time.Time
	EntryPrice float64
	ExitPrice  float64
	StopLoss   float64
	TakeProfit float64
	Units      float64
	PnL        float64
	PnLR       float64
	Outcome    Outcome
	Regime     Regime
	Session    string
	ATR        float64
}

// Holding возвращает время удержания позиции
func (t Trade) Holding() time.Duration {
	return t.CloseTime.Sub(t.OpenTime)
}

// OrderState состояние управляемого ордера
type OrderState string

const (
	StateOpen          OrderState = "OPEN"
	StateBreakEvenSet  OrderState = "BREAK_EVEN_SET"
	StatePartialClosed OrderState = "PARTIAL_CLOSED"
	StateTrailing      OrderState = "TRAILING"
	StateClosed        OrderState = "CLOSED"
)

var stateRank = map[OrderState]int{
	StateOpen:          0,
	StateBreakEvenSet:  1,
	StatePartialClosed: 2,
	StateTrailing:      3,
	StateClosed:        4,
}

// Advance возвращает next, если он дальше текущего состояния, иначе текущее
func (s OrderState) Advance(next OrderState) OrderState {
	if stateRank[next] > stateRank[s] {
		return next
	}
	return s
}

// ManagedOrder изменяемое состояние открытой сделки в live-режиме
type ManagedOrder struct {
	TradeID        string     `json:"trade_id"`
	Symbol         string     `json:"instrument"`
	Direction      Direction  `json:"direction"`
	EntryPrice     float64    `json:"entry_price"`
	Units          float64    `json:"units"`
	OriginalUnits  float64    `json:"original_units"`
	OriginalSL     float64    `json:"original_sl"`
	OriginalTP     float64    `json:"original_tp"`
	CurrentSL      float64    `json:"current_sl"`
	CurrentTP      float64    `json:"current_tp"`
	OpenTime       time.Time  `json:"open_time"`
	ATRAtEntry     float64    `json:"atr_at_entry"`
	RegimeAtEntry  Regime     `json:"regime_at_entry"`
	Session        string     `json:"session"`
	State          OrderState `json:"state"`
	BreakEvenSet   bool       `json:"break_even_set"`
	PartialClosed  bool       `json:"partial_closed"`
	TrailingActive bool       `json:"trailing_active"`
	PeakPrice      float64    `json:"peak_price"`
	Slippage       float64    `json:"slippage"`
	RequestedPrice float64    `json:"requested_price"`
	RealizedPnL    float64    `json:"realized_pnl"`
}

// Risk возвращает исходный риск в единицах цены
func (o *ManagedOrder) Risk() float64 {
	r := o.EntryPrice - o.OriginalSL
	if r < 0 {
		return -r
	}
	return r
}

// InitialUnits объем при открытии; для состояния без original_units текущий объем
func (o *ManagedOrder) InitialUnits() float64 {
	if o.OriginalUnits > 0 {
		return o.OriginalUnits
	}
	return o.Units
}

// Quote текущие цены bid/ask
type Quote struct {
	Bid  float64
	Ask  float64
	Time time.Time
}

// Mid средняя цена
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Spread разница ask - bid
func (q Quote) Spread() float64 {
	return q.Ask - q.Bid
}

// Position открытая позиция у брокера
type Position struct {
	TradeID    string
	Direction  Direction
	Units      float64
	EntryPrice float64
}

// SubmitResult ответ брокера на открытие сделки
type SubmitResult struct {
	Success   bool
	FillPrice float64
	TradeID   string
}

// OrderBookLevel представляет уровень стакана
type OrderBookLevel struct {
	Price  string
	Amount string
}

// OrderBook представляет стакан заявок
type OrderBook struct {
	Symbol    string
	Timestamp time.Time
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
}

// FundingRate представляет ставку финансирования
type FundingRate struct {
	Symbol          string
	Rate            string
	Timestamp       time.Time
	NextFundingTime time.Time
}

// CalendarEvent событие экономического календаря
type CalendarEvent struct {
	Time     time.Time `json:"datetime"`
	Name     string    `json:"event"`
	Impact   string    `json:"impact"`
	Currency string    `json:"currency"`
}

// Decision решение по последнему бару в live-режиме
type Decision struct {
	Symbol    string
	Time      time.Time
	Direction Direction
	Taken     bool
	Reason    string
	Price     float64
	Regime    Regime
	Structure StructureLabel
}
