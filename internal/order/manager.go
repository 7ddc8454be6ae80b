// Package order ведет открытые сделки: безубыток, частичное закрытие, трейлинг-стоп.
package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/pkg/logger"
	"github.com/skalibog/sqe/pkg/models"
	"go.uber.org/zap"
)

var (
	// ErrNotRestored обновления не принимаются до восстановления состояния
	ErrNotRestored = errors.New("managed state not restored")
	// ErrUnknownOrder ордер не найден
	ErrUnknownOrder = errors.New("unknown managed order")
	// ErrDuplicateOrder ордер с таким id уже ведется
	ErrDuplicateOrder = errors.New("managed order already registered")
)

// Broker изменение и закрытие позиций на стороне биржи
type Broker interface {
	Modify(ctx context.Context, tradeID string, stop, target *float64) (bool, error)
	Close(ctx context.Context, tradeID string, units *float64) (bool, error)
}

// EventType тип события жизненного цикла
type EventType string

const (
	EventRegistered   EventType = "REGISTERED"
	EventBreakEven    EventType = "BREAK_EVEN"
	EventPartialClose EventType = "PARTIAL_CLOSE"
	EventTrailing     EventType = "TRAILING_STOP"
	EventRejected     EventType = "REJECTED"
	EventClosed       EventType = "CLOSED"
)

// Event событие жизненного цикла ордера
type Event struct {
	Type    EventType
	Order   models.ManagedOrder
	NewSL   float64
	ProfitR float64
	Units   float64
	Reason  string
}

// Manager единственный владелец карты управляемых ордеров
type Manager struct {
	config    config.OrderConfig
	precision int32
	broker    Broker
	store     Store

	mu        sync.Mutex
	orders    map[string]*models.ManagedOrder
	restored  bool
	listeners []func(Event)
	pending   []Event
	now       func() time.Time
}

// NewManager создает менеджер. broker == nil означает, что изменения всегда принимаются.
// precision - число знаков количества при частичном закрытии.
func NewManager(cfg config.OrderConfig, precision int32, broker Broker, store Store) *Manager {
	return &Manager{
		config:    cfg,
		precision: precision,
		broker:    broker,
		store:     store,
		orders:    make(map[string]*models.ManagedOrder),
		now:       time.Now,
	}
}

// OnEvent подписывает обработчик на события
func (m *Manager) OnEvent(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// notify откладывает событие до снятия блокировки, чтобы обработчики могли читать менеджер
func (m *Manager) notify(e Event) {
	m.pending = append(m.pending, e)
}

func (m *Manager) unlock() {
	events := m.pending
	m.pending = nil
	listeners := m.listeners
	m.mu.Unlock()

	for _, e := range events {
		for _, fn := range listeners {
			fn(e)
		}
	}
}

// Restore загружает состояние из хранилища; должен быть вызван до UpdatePrice
func (m *Manager) Restore(ctx context.Context) (int, error) {
	loaded, err := m.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("ошибка восстановления состояния: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = make(map[string]*models.ManagedOrder, len(loaded))
	for id, o := range loaded {
		o := o
		if o.TradeID == "" {
			o.TradeID = id
		}
		if o.State == "" {
			o.State = models.StateOpen
		}
		m.orders[id] = &o
	}
	m.restored = true

	logger.Info("Восстановлено состояние управляемых ордеров", zap.Int("orders", len(m.orders)))
	return len(m.orders), nil
}

// Save сохраняет текущее состояние. До Restore запись запрещена, чтобы не затереть сохраненное.
func (m *Manager) Save(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.restored {
		return ErrNotRestored
	}
	return m.save(ctx)
}

func (m *Manager) save(ctx context.Context) error {
	snapshot := make(map[string]models.ManagedOrder, len(m.orders))
	for id, o := range m.orders {
		snapshot[id] = *o
	}
	if err := m.store.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("ошибка сохранения состояния: %w", err)
	}
	return nil
}

// Register берет сделку под управление. Текущие уровни и пик берутся из исходных,
// проскальзывание считается от запрошенной цены.
func (m *Manager) Register(ctx context.Context, o models.ManagedOrder) (models.ManagedOrder, error) {
	m.mu.Lock()
	defer m.unlock()

	if !m.restored {
		return models.ManagedOrder{}, ErrNotRestored
	}
	if _, ok := m.orders[o.TradeID]; ok {
		return models.ManagedOrder{}, fmt.Errorf("%w: %s", ErrDuplicateOrder, o.TradeID)
	}

	o.CurrentSL = o.OriginalSL
	o.CurrentTP = o.OriginalTP
	if o.OriginalUnits == 0 {
		o.OriginalUnits = o.Units
	}
	o.PeakPrice = o.EntryPrice
	o.State = models.StateOpen
	if o.OpenTime.IsZero() {
		o.OpenTime = m.now().UTC()
	}
	if o.RequestedPrice > 0 {
		o.Slippage = math.Abs(o.EntryPrice - o.RequestedPrice)
	}

	m.orders[o.TradeID] = &o
	if err := m.save(ctx); err != nil {
		delete(m.orders, o.TradeID)
		return models.ManagedOrder{}, err
	}

	logger.Info("Ордер взят под управление",
		zap.String("trade_id", o.TradeID),
		zap.String("direction", string(o.Direction)),
		zap.Float64("entry", o.EntryPrice),
		zap.Float64("sl", o.OriginalSL),
		zap.Float64("tp", o.OriginalTP),
		zap.Float64("slippage", o.Slippage))
	m.notify(Event{Type: EventRegistered, Order: o})
	return o, nil
}

// UpdatePrice применяет новую цену к ордеру: безубыток, затем частичное закрытие, затем трейлинг.
// Каждое правило срабатывает не более одного раза, трейлинг повторяется только при подтягивании стопа.
// Стоп никогда не ослабляется. Отказ брокера оставляет состояние без изменений.
func (m *Manager) UpdatePrice(ctx context.Context, tradeID string, price float64) error {
	m.mu.Lock()
	defer m.unlock()

	if !m.restored {
		return ErrNotRestored
	}
	o, ok := m.orders[tradeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, tradeID)
	}
	if o.State == models.StateClosed {
		return nil
	}
	risk := o.Risk()
	if risk <= 0 {
		return nil
	}

	sign := o.Direction.Sign()
	profitR := sign * (price - o.EntryPrice) / risk

	if sign*(price-o.PeakPrice) > 0 {
		o.PeakPrice = price
		if err := m.save(ctx); err != nil {
			return err
		}
	}

	if err := m.breakEven(ctx, o, profitR); err != nil {
		return err
	}
	if err := m.partialClose(ctx, o, price, profitR); err != nil {
		return err
	}
	return m.trail(ctx, o, profitR)
}

// tighter true, если новый стоп ближе к цене, чем текущий
func tighter(o *models.ManagedOrder, stop float64) bool {
	return o.Direction.Sign()*(stop-o.CurrentSL) > 0
}

func (m *Manager) breakEven(ctx context.Context, o *models.ManagedOrder, profitR float64) error {
	cfg := m.config.BreakEven
	if !cfg.Enabled || o.BreakEvenSet || profitR < cfg.TriggerR {
		return nil
	}

	newSL := o.EntryPrice + o.Direction.Sign()*cfg.Offset
	if tighter(o, newSL) {
		ok, err := m.modify(ctx, o, newSL)
		if err != nil || !ok {
			return err
		}
		o.CurrentSL = newSL
	}
	o.BreakEvenSet = true
	o.State = o.State.Advance(models.StateBreakEvenSet)
	if err := m.save(ctx); err != nil {
		return err
	}

	logger.Info("Стоп перенесен в безубыток",
		zap.String("trade_id", o.TradeID),
		zap.Float64("sl", o.CurrentSL),
		zap.Float64("profit_r", profitR))
	m.notify(Event{Type: EventBreakEven, Order: *o, NewSL: o.CurrentSL, ProfitR: profitR})
	return nil
}

func (m *Manager) partialClose(ctx context.Context, o *models.ManagedOrder, price, profitR float64) error {
	cfg := m.config.PartialClose
	if !cfg.Enabled || o.PartialClosed || profitR < cfg.TriggerR {
		return nil
	}

	units := decimal.NewFromFloat(o.Units).
		Mul(decimal.NewFromFloat(cfg.ClosePct)).
		Div(decimal.NewFromInt(100)).
		Truncate(m.precision)
	if !units.IsPositive() {
		return nil
	}
	closeUnits, _ := units.Float64()

	if m.broker != nil {
		ok, err := m.broker.Close(ctx, o.TradeID, &closeUnits)
		if err != nil {
			return fmt.Errorf("ошибка частичного закрытия %s: %w", o.TradeID, err)
		}
		if !ok {
			m.reject(o, "partial_close")
			return nil
		}
	}

	remaining, _ := decimal.NewFromFloat(o.Units).Sub(units).Float64()
	realized, _ := decimal.NewFromFloat(price).
		Sub(decimal.NewFromFloat(o.EntryPrice)).
		Mul(decimal.NewFromFloat(o.Direction.Sign())).
		Mul(units).
		Add(decimal.NewFromFloat(o.RealizedPnL)).
		Round(8).Float64()

	o.Units = remaining
	o.RealizedPnL = realized
	o.PartialClosed = true
	o.State = o.State.Advance(models.StatePartialClosed)
	if err := m.save(ctx); err != nil {
		return err
	}

	logger.Info("Частичное закрытие",
		zap.String("trade_id", o.TradeID),
		zap.Float64("closed_units", closeUnits),
		zap.Float64("remaining_units", o.Units),
		zap.Float64("profit_r", profitR))
	m.notify(Event{Type: EventPartialClose, Order: *o, Units: closeUnits, ProfitR: profitR})
	return nil
}

func (m *Manager) trail(ctx context.Context, o *models.ManagedOrder, profitR float64) error {
	cfg := m.config.Trailing
	if !cfg.Enabled || profitR < cfg.ActivationR {
		return nil
	}

	newSL := o.PeakPrice - o.Direction.Sign()*cfg.DistanceR*o.Risk()
	if !tighter(o, newSL) {
		return nil
	}
	ok, err := m.modify(ctx, o, newSL)
	if err != nil || !ok {
		return err
	}

	o.CurrentSL = newSL
	o.TrailingActive = true
	o.State = o.State.Advance(models.StateTrailing)
	if err := m.save(ctx); err != nil {
		return err
	}

	logger.Debug("Трейлинг-стоп подтянут",
		zap.String("trade_id", o.TradeID),
		zap.Float64("sl", newSL),
		zap.Float64("profit_r", profitR))
	m.notify(Event{Type: EventTrailing, Order: *o, NewSL: newSL, ProfitR: profitR})
	return nil
}

func (m *Manager) modify(ctx context.Context, o *models.ManagedOrder, stop float64) (bool, error) {
	if m.broker == nil {
		return true, nil
	}
	ok, err := m.broker.Modify(ctx, o.TradeID, &stop, nil)
	if err != nil {
		return false, fmt.Errorf("ошибка изменения стопа %s: %w", o.TradeID, err)
	}
	if !ok {
		m.reject(o, "modify")
	}
	return ok, nil
}

func (m *Manager) reject(o *models.ManagedOrder, op string) {
	logger.Warn("Брокер отклонил изменение", zap.String("trade_id", o.TradeID), zap.String("operation", op))
	m.notify(Event{Type: EventRejected, Order: *o, Reason: op})
}

// Close снимает ордер с управления и возвращает итоговую сделку.
// Результат сделки определяется знаком полного результата, ноль считается TIMEOUT.
func (m *Manager) Close(ctx context.Context, tradeID string, exitPrice float64, reason string) (models.Trade, error) {
	m.mu.Lock()
	defer m.unlock()

	o, ok := m.orders[tradeID]
	if !ok {
		return models.Trade{}, fmt.Errorf("%w: %s", ErrUnknownOrder, tradeID)
	}

	sign := o.Direction.Sign()
	move := decimal.NewFromFloat(exitPrice).Sub(decimal.NewFromFloat(o.EntryPrice)).Mul(decimal.NewFromFloat(sign))
	pnl, _ := move.Mul(decimal.NewFromFloat(o.Units)).Add(decimal.NewFromFloat(o.RealizedPnL)).Round(8).Float64()

	// R от полной сделки: частичные фиксации входят в pnl, риск считается на исходный объем
	var r float64
	if risk := decimal.NewFromFloat(o.Risk()).Mul(decimal.NewFromFloat(o.InitialUnits())); risk.IsPositive() {
		r, _ = decimal.NewFromFloat(pnl).Div(risk).Round(8).Float64()
	}

	outcome := models.Timeout
	switch {
	case pnl > 0:
		outcome = models.Win
	case pnl < 0:
		outcome = models.Loss
	}

	trade := models.Trade{
		ID:         o.TradeID,
		Symbol:     o.Symbol,
		Direction:  o.Direction,
		OpenTime:   o.OpenTime,
		CloseTime:  m.now().UTC(),
		EntryPrice: o.EntryPrice,
		ExitPrice:  exitPrice,
		StopLoss:   o.OriginalSL,
		TakeProfit: o.OriginalTP,
		Units:      o.InitialUnits(),
		PnL:        pnl,
		PnLR:       r,
		Outcome:    outcome,
		Regime:     o.RegimeAtEntry,
		Session:    o.Session,
		ATR:        o.ATRAtEntry,
	}

	closed := *o
	closed.State = closed.State.Advance(models.StateClosed)
	delete(m.orders, tradeID)
	if err := m.save(ctx); err != nil {
		m.orders[tradeID] = o
		return models.Trade{}, err
	}

	logger.Info("Ордер закрыт",
		zap.String("trade_id", tradeID),
		zap.String("reason", reason),
		zap.Float64("exit", exitPrice),
		zap.Float64("pnl", pnl),
		zap.Float64("r", r))
	m.notify(Event{Type: EventClosed, Order: closed, Reason: reason})
	return trade, nil
}

// Get копия ордера по id
func (m *Manager) Get(tradeID string) (models.ManagedOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[tradeID]
	if !ok {
		return models.ManagedOrder{}, false
	}
	return *o, true
}

// Orders копии открытых ордеров по времени открытия
func (m *Manager) Orders() []models.ManagedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ManagedOrder, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenTime.Equal(out[j].OpenTime) {
			return out[i].OpenTime.Before(out[j].OpenTime)
		}
		return out[i].TradeID < out[j].TradeID
	})
	return out
}

// OrderSummary краткое описание ордера
type OrderSummary struct {
	TradeID   string            `json:"trade_id"`
	Direction models.Direction  `json:"direction"`
	Entry     float64           `json:"entry"`
	SL        float64           `json:"sl"`
	TP        float64           `json:"tp"`
	BESet     bool              `json:"be_set"`
	Partial   bool              `json:"partial"`
	Trailing  bool              `json:"trailing"`
	Regime    models.Regime     `json:"regime"`
	State     models.OrderState `json:"state"`
}

// Summary сводка по открытым ордерам
type Summary struct {
	Active      int            `json:"active_orders"`
	AvgSlippage float64        `json:"avg_slippage"`
	Orders      []OrderSummary `json:"orders"`
}

// Summary сводка для логов и дашборда
func (m *Manager) Summary() Summary {
	orders := m.Orders()
	s := Summary{Active: len(orders), Orders: make([]OrderSummary, 0, len(orders))}
	var slippage float64
	for _, o := range orders {
		slippage += o.Slippage
		s.Orders = append(s.Orders, OrderSummary{
			TradeID:   o.TradeID,
			Direction: o.Direction,
			Entry:     o.EntryPrice,
			SL:        o.CurrentSL,
			TP:        o.CurrentTP,
			BESet:     o.BreakEvenSet,
			Partial:   o.PartialClosed,
			Trailing:  o.TrailingActive,
			Regime:    o.RegimeAtEntry,
			State:     o.State,
		})
	}
	if len(orders) > 0 {
		s.AvgSlippage = slippage / float64(len(orders))
	}
	return s
}
