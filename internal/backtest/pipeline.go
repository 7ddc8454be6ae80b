package backtest

import (
	"fmt"

	"github.com/skalibog/sqe/internal/analysis/aggregator"
	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/internal/metrics"
	"github.com/skalibog/sqe/internal/risk"
	"github.com/skalibog/sqe/pkg/logger"
	"github.com/skalibog/sqe/pkg/models"
	"go.uber.org/zap"
)

// Result результат одного прогона
type Result struct {
	Trades     []models.Trade
	State      risk.RiskState
	Report     metrics.Report
	Candidates int
}

// Options необязательные коллабораторы прогона
type Options struct {
	Filters  risk.Filters
	Observer risk.Observer
	// Regimes заранее вычисленные режимы; nil означает расчет внутри прогона
	Regimes *aggregator.RegimeSeries
}

// Run прогоняет стратегию по барам: признаки, кандидаты, ограничители, сделки, метрики
func Run(bars, htf []models.Bar, cfg *config.Config) (*Result, error) {
	return RunWith(bars, htf, cfg, Options{})
}

// RunWith то же, что Run, с фильтрами и наблюдателем
func RunWith(bars, htf []models.Bar, cfg *config.Config, opts Options) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	analyzer, err := aggregator.NewAnalyzer(cfg.Analysis)
	if err != nil {
		return nil, err
	}
	return run(bars, htf, cfg, analyzer, opts)
}

func run(bars, htf []models.Bar, cfg *config.Config, analyzer *aggregator.Analyzer, opts Options) (*Result, error) {
	features, err := analyzer.Analyze(bars, htf, opts.Regimes)
	if err != nil {
		return nil, fmt.Errorf("ошибка анализа: %w", err)
	}

	sim := NewSimulator(cfg.Simulator, cfg.Symbol)
	seq, err := risk.NewSequencer(cfg.Risk, sim, models.Multiples{SL: cfg.Simulator.SLR, TP: cfg.Simulator.TPR}, opts.Filters)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания секвенсора: %w", err)
	}
	if opts.Observer != nil {
		seq.SetObserver(opts.Observer)
	}

	candidates := features.Candidates()
	trades, state := seq.Run(bars, candidates, features.Regimes)

	res := &Result{
		Trades:     trades,
		State:      state,
		Report:     metrics.Breakdown(trades),
		Candidates: len(candidates),
	}

	logger.Debug("BACKTEST: прогон завершен",
		zap.Int("bars", len(bars)),
		zap.Int("candidates", res.Candidates),
		zap.Int("trades", len(trades)),
		zap.Float64("total_r", res.Report.Overall.TotalR),
		zap.Bool("kill_switch", state.KillSwitch))
	return res, nil
}
