package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/pkg/logger"
	"github.com/skalibog/sqe/pkg/models"
	"go.uber.org/zap"
)

// Причины пропуска кандидата
const (
	ReasonKillSwitch    = "kill_switch"
	ReasonDailyLoss     = "daily_loss"
	ReasonDrawdown      = "drawdown"
	ReasonSessionUsed   = "session_used"
	ReasonOutsideWindow = "outside_session"
	ReasonNews          = "news_blackout"
	ReasonSentiment     = "sentiment"
	ReasonSpread        = "spread"
	ReasonMaxConcurrent = "max_concurrent"
	ReasonSimulation    = "simulation_error"
)

// NewsFilter предикат новостной блокировки
type NewsFilter interface {
	Blackout(t time.Time) bool
}

// SentimentGate разрешает или запрещает направление
type SentimentGate interface {
	Allow(dir models.Direction) bool
}

// SpreadGate разрешает вход при текущем спреде
type SpreadGate interface {
	Allow(spread float64) bool
}

// TradeSimulator прогоняет сделку по барам
type TradeSimulator interface {
	Simulate(bars []models.Bar, idx models.BarIndex, dir models.Direction, m models.Multiples) (models.Trade, error)
}

// Observer получает решения секвенсора (метрики, дашборд)
type Observer interface {
	OnSkip(reason string)
	OnTrade(t models.Trade)
}

// Filters необязательные внешние фильтры
type Filters struct {
	News      NewsFilter
	Sentiment SentimentGate
	Spread    SpreadGate
}

// SessionKey ключ дедупликации: не более одной сделки на сессию и направление
type SessionKey struct {
	Date      string
	Session   string
	Direction models.Direction
}

// RiskState состояние риска за прогон
type RiskState struct {
	CumulativeR   float64
	PeakR         float64
	CumulativePnL float64
	PeakPnL       float64
	DailyR        map[string]float64
	Used          map[SessionKey]bool
	KillSwitch    bool
	KillReason    string
}

func newState() RiskState {
	return RiskState{
		DailyR: make(map[string]float64),
		Used:   make(map[SessionKey]bool),
	}
}

// clone копирует состояние, чтобы вызывающий не мог изменить внутренние карты
func (s RiskState) clone() RiskState {
	out := s
	out.DailyR = make(map[string]float64, len(s.DailyR))
	for k, v := range s.DailyR {
		out.DailyR[k] = v
	}
	out.Used = make(map[SessionKey]bool, len(s.Used))
	for k, v := range s.Used {
		out.Used[k] = v
	}
	return out
}

// Verdict решение по кандидату
type Verdict struct {
	Allowed bool
	Stop    bool
	Reason  string
	Session string
}

// Sequencer последовательно превращает поток кандидатов в сделки.
// Состояние принадлежит только ему; методы не предназначены для параллельных вызовов.
type Sequencer struct {
	config    config.RiskConfig
	simulator TradeSimulator
	defaults  models.Multiples
	sessions  *Sessions
	filters   Filters
	observer  Observer
	state     RiskState
}

// NewSequencer создает секвенсор
func NewSequencer(cfg config.RiskConfig, sim TradeSimulator, defaults models.Multiples, filters Filters) (*Sequencer, error) {
	sessions, err := NewSessions(cfg.Sessions)
	if err != nil {
		return nil, err
	}
	return &Sequencer{
		config:    cfg,
		simulator: sim,
		defaults:  defaults,
		sessions:  sessions,
		filters:   filters,
		state:     newState(),
	}, nil
}

// SetObserver подключает наблюдателя
func (s *Sequencer) SetObserver(o Observer) {
	s.observer = o
}

// Reset сбрасывает состояние в начале прогона
func (s *Sequencer) Reset() {
	s.state = newState()
}

// State возвращает копию текущего состояния
func (s *Sequencer) State() RiskState {
	return s.state.clone()
}

// Sessions возвращает окна сессий
func (s *Sequencer) Sessions() *Sessions {
	return s.sessions
}

func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// drawdownBreached проверяет лимит просадки от пика
func (s *Sequencer) drawdownBreached() bool {
	if s.config.DrawdownMode == "pct" {
		peakEquity := s.config.AccountBalance + s.state.PeakPnL
		if peakEquity <= 0 {
			return true
		}
		return (s.state.PeakPnL-s.state.CumulativePnL)/peakEquity*100 >= s.config.MaxDrawdown
	}
	return s.state.PeakR-s.state.CumulativeR >= s.config.MaxDrawdown
}

// Admit применяет ограничители к кандидату на момент t. spread < 0 означает, что спред неизвестен.
func (s *Sequencer) Admit(t time.Time, dir models.Direction, spread float64) Verdict {
	if s.state.KillSwitch {
		return Verdict{Stop: true, Reason: ReasonKillSwitch}
	}

	day := dateKey(t)
	if s.state.DailyR[day] <= -s.config.MaxDailyLossR {
		return Verdict{Reason: ReasonDailyLoss}
	}

	if s.drawdownBreached() {
		s.state.KillSwitch = true
		s.state.KillReason = ReasonDrawdown
		logger.Warn("Сработал kill switch по просадке",
			zap.Float64("cumulative_r", s.state.CumulativeR),
			zap.Float64("peak_r", s.state.PeakR),
			zap.Float64("limit", s.config.MaxDrawdown),
			zap.String("mode", s.config.DrawdownMode))
		return Verdict{Stop: true, Reason: ReasonDrawdown}
	}

	session, entries := s.sessions.Of(t)
	if s.state.Used[SessionKey{Date: day, Session: session, Direction: dir}] {
		return Verdict{Reason: ReasonSessionUsed, Session: session}
	}
	if !entries {
		return Verdict{Reason: ReasonOutsideWindow, Session: session}
	}

	if s.filters.News != nil && s.filters.News.Blackout(t) {
		return Verdict{Reason: ReasonNews, Session: session}
	}
	if s.filters.Sentiment != nil && !s.filters.Sentiment.Allow(dir) {
		return Verdict{Reason: ReasonSentiment, Session: session}
	}
	if s.filters.Spread != nil && spread >= 0 && !s.filters.Spread.Allow(spread) {
		return Verdict{Reason: ReasonSpread, Session: session}
	}

	return Verdict{Allowed: true, Session: session}
}

// CanOpen ограничение одновременно открытых позиций (live)
func (s *Sequencer) CanOpen(open int) bool {
	return open < s.config.MaxConcurrent
}

// MarkUsed отмечает пару сессия/направление как использованную
func (s *Sequencer) MarkUsed(t time.Time, session string, dir models.Direction) {
	s.state.Used[SessionKey{Date: dateKey(t), Session: session, Direction: dir}] = true
}

// Record учитывает результат закрытой сделки
func (s *Sequencer) Record(t models.Trade) {
	day := dateKey(t.OpenTime)
	before := s.state.DailyR[day]

	s.state.CumulativeR += t.PnLR
	s.state.DailyR[day] += t.PnLR
	s.state.CumulativePnL += t.PnL
	if s.state.CumulativeR > s.state.PeakR {
		s.state.PeakR = s.state.CumulativeR
	}
	if s.state.CumulativePnL > s.state.PeakPnL {
		s.state.PeakPnL = s.state.CumulativePnL
	}

	if before > -s.config.MaxDailyLossR && s.state.DailyR[day] <= -s.config.MaxDailyLossR {
		logger.Warn("Достигнут дневной лимит убытка",
			zap.String("date", day),
			zap.Float64("daily_r", s.state.DailyR[day]),
			zap.Float64("limit", s.config.MaxDailyLossR))
	}
	if s.observer != nil {
		s.observer.OnTrade(t)
	}
}

// Multiples множители для режима с ограничением границами; без профиля берутся глобальные
func (s *Sequencer) Multiples(regime models.Regime) models.Multiples {
	m := s.defaults
	if p, ok := s.config.RegimeProfiles[regime]; ok {
		m = models.Multiples{SL: p.SLR, TP: p.TPR}
	}
	b := s.config.Bounds
	m.SL = math.Max(b.MinSLR, math.Min(b.MaxSLR, m.SL))
	m.TP = math.Max(b.MinTPR, math.Min(b.MaxTPR, m.TP))
	return m
}

// Skip сообщает наблюдателю о пропущенном кандидате
func (s *Sequencer) Skip(reason string) {
	if s.observer != nil {
		s.observer.OnSkip(reason)
	}
}

// Run строгая свертка слева направо по упорядоченному потоку кандидатов.
// Состояние сбрасывается в начале; kill switch прекращает обработку.
func (s *Sequencer) Run(bars []models.Bar, candidates []models.EntryCandidate, regimes []models.Regime) ([]models.Trade, RiskState) {
	s.Reset()
	var trades []models.Trade

	for _, c := range candidates {
		i := int(c.Index)
		if i < 0 || i >= len(bars) {
			logger.Warn("Кандидат вне диапазона баров", zap.Int("index", i), zap.Int("bars", len(bars)))
			s.Skip(ReasonSimulation)
			continue
		}
		bar := bars[i]

		v := s.Admit(bar.Time, c.Direction, -1)
		if v.Stop {
			s.Skip(v.Reason)
			break
		}
		if !v.Allowed {
			s.Skip(v.Reason)
			continue
		}

		regime := models.Ranging
		if i < len(regimes) && regimes[i] != "" {
			regime = regimes[i]
		}

		trade, err := s.simulator.Simulate(bars, c.Index, c.Direction, s.Multiples(regime))
		if err != nil {
			logger.Warn("Ошибка симуляции кандидата", zap.Int("index", i), zap.Error(err))
			s.Skip(ReasonSimulation)
			continue
		}
		trade.Regime = regime
		trade.Session = v.Session

		trades = append(trades, trade)
		s.MarkUsed(bar.Time, v.Session, c.Direction)
		s.Record(trade)
	}

	if s.state.KillSwitch {
		logger.Info("Прогон остановлен kill switch", zap.String("reason", s.state.KillReason), zap.Int("trades", len(trades)))
	}
	return trades, s.State()
}

// String краткое описание состояния для логов
func (s RiskState) String() string {
	return fmt.Sprintf("cum=%.2fR peak=%.2fR kill=%v", s.CumulativeR, s.PeakR, s.KillSwitch)
}
