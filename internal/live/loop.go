// Package live управляет торговлей в реальном времени.
package live

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/skalibog/sqe/internal/analysis/aggregator"
	"github.com/skalibog/sqe/internal/analysis/funding"
	"github.com/skalibog/sqe/internal/analysis/news"
	"github.com/skalibog/sqe/internal/analysis/orderbook"
	"github.com/skalibog/sqe/internal/backtest"
	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/internal/metrics"
	"github.com/skalibog/sqe/internal/order"
	"github.com/skalibog/sqe/internal/risk"
	"github.com/skalibog/sqe/internal/storage"
	"github.com/skalibog/sqe/pkg/logger"
	"github.com/skalibog/sqe/pkg/models"
	"go.uber.org/zap"
)

// ErrRetriesExhausted ошибки повторялись дольше допустимого числа попыток
var ErrRetriesExhausted = errors.New("retries exhausted")

// Причины отказа, которые есть только в live-режиме
const (
	ReasonSizeZero = "size_zero"
	ReasonRejected = "broker_rejected"
	reasonClosed   = "broker_closed"
)

const recentDecisions = 20

// Broker размещение ордеров
type Broker interface {
	order.Broker
	Submit(ctx context.Context, dir models.Direction, units, stop, target float64) (models.SubmitResult, error)
	CurrentPrice(ctx context.Context) (models.Quote, error)
	OpenTrades(ctx context.Context) ([]models.Position, error)
}

// QuoteStream поток котировок
type QuoteStream interface {
	Run(ctx context.Context, out chan<- models.Quote) error
}

// TradeJournal журнал закрытых сделок
type TradeJournal interface {
	Record(ctx context.Context, trades []models.Trade) error
}

// DecisionSink запись решений и сделок во временной ряд
type DecisionSink interface {
	SaveDecision(ctx context.Context, d models.Decision) error
	SaveTrades(ctx context.Context, trades []models.Trade) error
}

// FundingSource история ставок финансирования
type FundingSource interface {
	GetFundingRates(ctx context.Context, limit int) ([]*models.FundingRate, error)
}

// OrderBookSource стакан заявок
type OrderBookSource interface {
	GetOrderBook(ctx context.Context, limit int) (*models.OrderBook, error)
}

// Deps коллабораторы цикла; необязательные могут быть nil
type Deps struct {
	Bars     storage.BarSource
	Broker   Broker
	Manager  *order.Manager
	Stream   QuoteStream
	Journal  TradeJournal
	Sink     DecisionSink
	Funding  FundingSource
	Books    OrderBookSource
	News     *news.Filter
	Recorder *metrics.Recorder
}

// Loop единственный управляющий цикл live-режима
type Loop struct {
	config    *config.Config
	deps      Deps
	analyzer  *aggregator.Analyzer
	simulator *backtest.Simulator
	sequencer *risk.Sequencer
	sentiment *funding.Gate
	spread    *orderbook.Gate
	interval  time.Duration
	window    time.Duration
	backoff   *backoff.Backoff
	now       func() time.Time
	lastBar   time.Time
	lastQuote models.Quote

	mu        sync.RWMutex
	decisions []models.Decision
	state     risk.RiskState
}

// New собирает цикл
func New(cfg *config.Config, deps Deps) (*Loop, error) {
	if deps.Bars == nil || deps.Broker == nil || deps.Manager == nil {
		return nil, errors.New("live: bars, broker and manager are required")
	}
	interval, err := storage.IntervalDuration(cfg.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	analyzer, err := aggregator.NewAnalyzer(cfg.Analysis)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		config:    cfg,
		deps:      deps,
		analyzer:  analyzer,
		simulator: backtest.NewSimulator(cfg.Simulator, cfg.Symbol),
		sentiment: funding.NewGate(cfg.Filters.Sentiment),
		spread:    orderbook.NewGate(cfg.Filters.Spread),
		interval:  interval,
		window:    time.Duration(cfg.Live.HistoryBars) * interval,
		backoff: &backoff.Backoff{
			Min:    cfg.Live.BackoffMin,
			Max:    cfg.Live.BackoffMax,
			Factor: 2,
			Jitter: true,
		},
		now: time.Now,
	}

	filters := risk.Filters{Sentiment: l.sentiment, Spread: l.spread}
	if deps.News != nil {
		filters.News = deps.News
	}
	l.sequencer, err = risk.NewSequencer(cfg.Risk, l.simulator,
		models.Multiples{SL: cfg.Simulator.SLR, TP: cfg.Simulator.TPR}, filters)
	if err != nil {
		return nil, err
	}
	l.state = l.sequencer.State()
	if deps.Recorder != nil {
		l.sequencer.SetObserver(deps.Recorder)
		deps.Manager.OnEvent(func(e order.Event) {
			deps.Recorder.RecordEvent(string(e.Type))
		})
	}
	return l, nil
}

// Run восстанавливает состояние и работает до отмены контекста.
// При отмене состояние сохраняется, возвращается nil.
// После исчерпания попыток состояние сохраняется и возвращается ErrRetriesExhausted.
func (l *Loop) Run(ctx context.Context) error {
	for {
		_, err := l.deps.Manager.Restore(ctx)
		if err == nil {
			l.backoff.Reset()
			break
		}
		if ferr := l.fail(ctx, "restore", err); ferr != nil {
			return ferr
		}
		if ctx.Err() != nil {
			return nil
		}
	}

	quotes := make(chan models.Quote, 64)
	if l.deps.Stream != nil && l.config.Live.UseStream {
		go l.stream(ctx, quotes)
	}

	ticker := time.NewTicker(l.config.Live.PollInterval)
	defer ticker.Stop()

	if err := l.handle(ctx, "poll", l.step(ctx)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return nil
		case q := <-quotes:
			if err := l.handle(ctx, "tick", l.onQuote(ctx, q)); err != nil {
				return err
			}
		case <-ticker.C:
			if err := l.handle(ctx, "poll", l.step(ctx)); err != nil {
				return err
			}
		}
	}
}

// handle сбрасывает backoff при успехе и ждет при ошибке
func (l *Loop) handle(ctx context.Context, op string, err error) error {
	if err == nil {
		l.backoff.Reset()
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	return l.fail(ctx, op, err)
}

func (l *Loop) fail(ctx context.Context, op string, err error) error {
	if l.deps.Recorder != nil {
		l.deps.Recorder.RecordError(op)
	}
	attempt := int(l.backoff.Attempt()) + 1
	if attempt >= l.config.Live.MaxAttempts {
		logger.Error("Исчерпаны попытки, остановка",
			zap.String("operation", op),
			zap.Int("attempts", attempt),
			zap.Error(err))
		l.shutdown()
		return fmt.Errorf("%w: %s: %v", ErrRetriesExhausted, op, err)
	}

	wait := l.backoff.Duration()
	logger.Warn("Ошибка цикла, повтор",
		zap.String("operation", op),
		zap.Int("attempt", attempt),
		zap.Duration("wait", wait),
		zap.Error(err))

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return nil
}

// shutdown сохраняет состояние даже при отмененном контексте
func (l *Loop) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.deps.Manager.Save(ctx); err != nil {
		logger.Error("Не удалось сохранить состояние при остановке", zap.Error(err))
		return
	}
	logger.Info("Состояние сохранено при остановке", zap.Int("orders", len(l.deps.Manager.Orders())))
}

// stream держит поток котировок, переподключаясь с собственным backoff
func (l *Loop) stream(ctx context.Context, out chan<- models.Quote) {
	b := &backoff.Backoff{Min: l.config.Live.BackoffMin, Max: l.config.Live.BackoffMax, Factor: 2, Jitter: true}
	for {
		started := l.now()
		err := l.deps.Stream.Run(ctx, out)
		if ctx.Err() != nil {
			return
		}
		if l.now().Sub(started) > l.config.Live.BackoffMax {
			b.Reset()
		}
		wait := b.Duration()
		logger.Warn("Поток цен прерван, переподключение", zap.Duration("wait", wait), zap.Error(err))
		if l.deps.Recorder != nil {
			l.deps.Recorder.RecordError("stream")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// step загружает бары, сверяет позиции и принимает решение по последнему закрытому бару
func (l *Loop) step(ctx context.Context) error {
	started := l.now()
	defer func() {
		l.publish()
		if l.deps.Recorder != nil {
			l.deps.Recorder.RecordLatency("poll", l.now().Sub(started).Seconds())
		}
	}()

	quote, err := l.deps.Broker.CurrentPrice(ctx)
	if err != nil {
		return err
	}
	if err := l.onQuote(ctx, quote); err != nil {
		return err
	}
	if err := l.syncPositions(ctx); err != nil {
		return err
	}

	// граница текущего бара: формирующийся бар не попадает в выборку, а запросы внутри бара совпадают
	end := l.now().UTC().Truncate(l.interval)
	bars, err := l.deps.Bars.Load(ctx, l.config.Symbol, l.config.Timeframe, end.Add(-l.window), end)
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		return nil
	}
	last := bars[len(bars)-1]
	if !last.Time.After(l.lastBar) {
		return nil
	}

	var htf []models.Bar
	if l.config.HTFTimeframe != "" {
		htf, err = l.deps.Bars.Load(ctx, l.config.Symbol, l.config.HTFTimeframe, end.Add(-l.window), end)
		if err != nil {
			return err
		}
	}
	if err := l.refreshFilters(ctx); err != nil {
		return err
	}

	features, err := l.analyzer.Analyze(bars, htf, nil)
	if err != nil {
		return err
	}

	spread, err := l.currentSpread(ctx, quote)
	if err != nil {
		return err
	}

	idx := models.BarIndex(len(bars) - 1)
	for _, dir := range models.Directions {
		if !features.Decisions[dir][idx] {
			continue
		}
		if err := l.enter(ctx, bars, idx, dir, features, quote, spread); err != nil {
			return err
		}
	}
	l.lastBar = last.Time
	return nil
}

func (l *Loop) refreshFilters(ctx context.Context) error {
	if l.deps.Funding == nil || !l.config.Filters.Sentiment.Enabled {
		return nil
	}
	rates, err := l.deps.Funding.GetFundingRates(ctx, l.config.Filters.Sentiment.Periods)
	if err != nil {
		return err
	}
	return l.sentiment.Update(rates)
}

// currentSpread спред из стакана, если он доступен, иначе из котировки
func (l *Loop) currentSpread(ctx context.Context, quote models.Quote) (float64, error) {
	if l.deps.Books == nil || !l.config.Filters.Spread.Enabled {
		return quote.Spread(), nil
	}
	book, err := l.deps.Books.GetOrderBook(ctx, l.config.Filters.Spread.Depth)
	if err != nil {
		return 0, err
	}
	spread, err := l.spread.Spread(book)
	if err != nil {
		return quote.Spread(), nil
	}
	bidGap, askGap, _ := l.spread.LevelGap(book)
	logger.Debug("Стакан", zap.Float64("spread", spread), zap.Float64("bid_gap", bidGap), zap.Float64("ask_gap", askGap))
	return spread, nil
}

func (l *Loop) enter(ctx context.Context, bars []models.Bar, idx models.BarIndex, dir models.Direction, f *aggregator.Features, quote models.Quote, spread float64) error {
	bar := bars[idx]
	regime := f.Regimes[idx]
	d := models.Decision{
		Symbol:    l.config.Symbol,
		Time:      bar.Time,
		Direction: dir,
		Price:     bar.Close,
		Regime:    regime,
		Structure: f.Labels[idx],
	}

	v := l.sequencer.Admit(bar.Time, dir, spread)
	if !v.Allowed {
		d.Reason = v.Reason
		l.sequencer.Skip(v.Reason)
		return l.decide(ctx, d)
	}
	if !l.sequencer.CanOpen(len(l.deps.Manager.Orders())) {
		d.Reason = risk.ReasonMaxConcurrent
		l.sequencer.Skip(d.Reason)
		return l.decide(ctx, d)
	}

	requested := bar.Close
	if quote.Bid > 0 && quote.Ask > 0 {
		requested = quote.Ask
		if dir == models.Short {
			requested = quote.Bid
		}
	}
	atr := l.simulator.Volatility(bars, idx)
	lv := backtest.BracketLevels(requested, atr, dir, l.sequencer.Multiples(regime))

	multiplier := 1.0
	if l.deps.News != nil {
		multiplier = l.deps.News.SizeMultiplier(bar.Time)
	}
	lot, err := risk.LotSize(l.config.Risk.AccountBalance, math.Abs(lv.Entry-lv.Stop), l.config.Risk.PointValue, l.config.Risk.RiskPct)
	if err != nil {
		logger.Warn("Не удалось рассчитать лот", zap.Error(err))
		d.Reason = ReasonSizeZero
		return l.decide(ctx, d)
	}
	units, _ := risk.Units(lot, multiplier, l.config.Binance.QuantityPrecision).Float64()
	if units <= 0 {
		d.Reason = ReasonSizeZero
		return l.decide(ctx, d)
	}

	res, err := l.deps.Broker.Submit(ctx, dir, units, lv.Stop, lv.Target)
	if err != nil {
		return err
	}
	if !res.Success {
		d.Reason = ReasonRejected
		return l.decide(ctx, d)
	}
	// позиция уже открыта: сессия занята, даже если регистрация не пройдет и шаг повторится
	l.sequencer.MarkUsed(bar.Time, v.Session, dir)

	if _, err := l.deps.Manager.Register(ctx, models.ManagedOrder{
		TradeID:        res.TradeID,
		Symbol:         l.config.Symbol,
		Direction:      dir,
		EntryPrice:     res.FillPrice,
		Units:          units,
		OriginalSL:     lv.Stop,
		OriginalTP:     lv.Target,
		OpenTime:       l.now().UTC(),
		ATRAtEntry:     atr,
		RegimeAtEntry:  regime,
		Session:        v.Session,
		RequestedPrice: requested,
	}); err != nil {
		logger.Error("Позиция открыта, но не взята под управление",
			zap.String("trade_id", res.TradeID), zap.Error(err))
		return err
	}

	d.Taken = true
	return l.decide(ctx, d)
}

func (l *Loop) decide(ctx context.Context, d models.Decision) error {
	l.mu.Lock()
	l.decisions = append(l.decisions, d)
	if len(l.decisions) > recentDecisions {
		l.decisions = l.decisions[len(l.decisions)-recentDecisions:]
	}
	l.mu.Unlock()

	logger.Info("Решение по бару",
		zap.String("direction", string(d.Direction)),
		zap.Bool("taken", d.Taken),
		zap.String("reason", d.Reason),
		zap.String("regime", string(d.Regime)),
		zap.Float64("price", d.Price))

	if l.deps.Recorder != nil {
		l.deps.Recorder.RecordDecision(d)
	}
	if l.deps.Sink != nil {
		return l.deps.Sink.SaveDecision(ctx, d)
	}
	return nil
}

// onQuote обновляет все управляемые ордера по цене выхода
func (l *Loop) onQuote(ctx context.Context, q models.Quote) error {
	l.lastQuote = q
	if l.deps.Recorder != nil {
		l.deps.Recorder.RecordLastPrice(l.config.Symbol, q.Mid())
	}
	for _, o := range l.deps.Manager.Orders() {
		price := q.Bid
		if o.Direction == models.Short {
			price = q.Ask
		}
		err := l.deps.Manager.UpdatePrice(ctx, o.TradeID, price)
		if err != nil && !errors.Is(err, order.ErrUnknownOrder) {
			return err
		}
	}
	return nil
}

// syncPositions закрывает ордера, позиции которых уже нет на бирже
func (l *Loop) syncPositions(ctx context.Context) error {
	positions, err := l.deps.Broker.OpenTrades(ctx)
	if err != nil {
		return err
	}
	open := make(map[string]bool, len(positions))
	for _, p := range positions {
		open[p.TradeID] = true
	}

	var closed []models.Trade
	for _, o := range l.deps.Manager.Orders() {
		if open[o.TradeID] {
			continue
		}
		trade, err := l.deps.Manager.Close(ctx, o.TradeID, exitEstimate(o, l.lastQuote), reasonClosed)
		if err != nil {
			return err
		}
		l.sequencer.Record(trade)
		closed = append(closed, trade)
	}

	if l.deps.Recorder != nil {
		l.deps.Recorder.SetOpenOrders(len(l.deps.Manager.Orders()))
	}
	if len(closed) == 0 {
		return nil
	}
	if l.deps.Journal != nil {
		if err := l.deps.Journal.Record(ctx, closed); err != nil {
			return err
		}
	}
	if l.deps.Sink != nil {
		return l.deps.Sink.SaveTrades(ctx, closed)
	}
	return nil
}

// exitEstimate цена выхода для позиции, закрытой биржей: уровень, через который прошла цена, иначе текущая
func exitEstimate(o models.ManagedOrder, q models.Quote) float64 {
	price := q.Bid
	if o.Direction == models.Short {
		price = q.Ask
	}
	if price == 0 {
		return o.CurrentSL
	}
	sign := o.Direction.Sign()
	switch {
	case sign*(price-o.CurrentTP) >= 0:
		return o.CurrentTP
	case sign*(price-o.CurrentSL) <= 0:
		return o.CurrentSL
	}
	return price
}

// Decisions последние решения, самое свежее последним
func (l *Loop) Decisions() []models.Decision {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Decision, len(l.decisions))
	copy(out, l.decisions)
	return out
}

// publish копирует состояние секвенсора для читателей из других горутин
func (l *Loop) publish() {
	state := l.sequencer.State()
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
}

// RiskState состояние риска на конец последнего шага
func (l *Loop) RiskState() risk.RiskState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}
