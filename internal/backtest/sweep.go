package backtest

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/skalibog/sqe/internal/analysis/aggregator"
	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/pkg/logger"
	"github.com/skalibog/sqe/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrRegimeVaried вариант меняет параметры режима, а режимы считаются один раз на весь перебор
var ErrRegimeVaried = errors.New("variant changes regime config")

// Variant один набор параметров перебора
type Variant struct {
	Name  string
	Apply func(cfg *config.Config)
}

// SweepResult результат варианта
type SweepResult struct {
	Variant string
	Config  *config.Config
	Result  *Result
}

// Grid варианты по сетке множителей стопа и цели
func Grid(slValues, tpValues []float64) []Variant {
	var out []Variant
	for _, sl := range slValues {
		for _, tp := range tpValues {
			sl, tp := sl, tp
			out = append(out, Variant{
				Name: fmt.Sprintf("sl=%.2f tp=%.2f", sl, tp),
				Apply: func(cfg *config.Config) {
					cfg.Simulator.SLR = sl
					cfg.Simulator.TPR = tp
				},
			})
		}
	}
	return out
}

type prepared struct {
	name     string
	cfg      *config.Config
	analyzer *aggregator.Analyzer
}

// Sweep прогоняет варианты параллельно не более чем в workers горутинах.
// Все варианты проверяются до запуска; режимы считаются один раз и читаются всеми воркерами.
// Результаты возвращаются в порядке вариантов.
func Sweep(ctx context.Context, bars, htf []models.Bar, base *config.Config, variants []Variant, workers int) ([]SweepResult, error) {
	if err := base.Validate(); err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make([]prepared, len(variants))
	for i, v := range variants {
		cfg := base.Clone()
		if v.Apply != nil {
			v.Apply(cfg)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("вариант %q: %w", v.Name, err)
		}
		if !reflect.DeepEqual(cfg.Analysis.Regime, base.Analysis.Regime) {
			return nil, fmt.Errorf("вариант %q: %w", v.Name, ErrRegimeVaried)
		}
		analyzer, err := aggregator.NewAnalyzer(cfg.Analysis)
		if err != nil {
			return nil, fmt.Errorf("вариант %q: %w", v.Name, err)
		}
		jobs[i] = prepared{name: v.Name, cfg: cfg, analyzer: analyzer}
	}

	baseAnalyzer, err := aggregator.NewAnalyzer(base.Analysis)
	if err != nil {
		return nil, err
	}
	regimes := baseAnalyzer.ClassifyRegimes(bars, htf)

	logger.Info("Запуск перебора параметров",
		zap.Int("variants", len(jobs)),
		zap.Int("workers", workers),
		zap.Int("bars", len(bars)))

	results := make([]SweepResult, len(jobs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := run(bars, htf, job.cfg, job.analyzer, Options{Regimes: &regimes})
			if err != nil {
				return fmt.Errorf("вариант %q: %w", job.name, err)
			}
			results[i] = SweepResult{Variant: job.name, Config: job.cfg, Result: res}
			logger.Debug("Вариант завершен",
				zap.String("variant", job.name),
				zap.Int("trades", len(res.Trades)),
				zap.Float64("total_r", res.Report.Overall.TotalR))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
