package aggregator

import (
	"fmt"
	"sync"

	"github.com/skalibog/sqe/internal/analysis/combinator"
	"github.com/skalibog/sqe/internal/analysis/regime"
	"github.com/skalibog/sqe/internal/analysis/signals"
	"github.com/skalibog/sqe/internal/analysis/structure"
	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/pkg/logger"
	"github.com/skalibog/sqe/pkg/models"
	"go.uber.org/zap"
)

// Features все производные серии, выровненные по барам
type Features struct {
	Labels    []models.StructureLabel
	Regimes   []models.Regime
	Snapshots []regime.Snapshot
	Signals   map[signals.Kind]signals.Pair
	Decisions map[models.Direction]models.Series
}

// RegimeSeries режимы, вычисленные один раз и разделяемые только на чтение
type RegimeSeries struct {
	Regimes   []models.Regime
	Snapshots []regime.Snapshot
}

// Analyzer объединяет все аналитические компоненты
type Analyzer struct {
	config        config.AnalysisConfig
	structureAnal *structure.Analyzer
	regimeAnal    *regime.Analyzer
	combinator    *combinator.Combinator
}

// NewAnalyzer создает новый анализатор
func NewAnalyzer(cfg config.AnalysisConfig) (*Analyzer, error) {
	comb, err := combinator.New(cfg.Strategy)
	if err != nil {
		return nil, fmt.Errorf("ошибка конфигурации стратегии: %w", err)
	}
	return &Analyzer{
		config:        cfg,
		structureAnal: structure.NewAnalyzer(cfg.Structure),
		regimeAnal:    regime.NewAnalyzer(cfg.Regime),
		combinator:    comb,
	}, nil
}

// ClassifyRegimes вычисляет режимы отдельно, чтобы переиспользовать их между прогонами
func (a *Analyzer) ClassifyRegimes(bars, htf []models.Bar) RegimeSeries {
	regimes, snaps := a.regimeAnal.Classify(bars, htf)
	return RegimeSeries{Regimes: regimes, Snapshots: snaps}
}

// Analyze вычисляет все серии. Если rs == nil, режимы считаются здесь же.
func (a *Analyzer) Analyze(bars, htf []models.Bar, rs *RegimeSeries) (*Features, error) {
	required := a.combinator.Required()

	var wg sync.WaitGroup
	var mutex sync.Mutex
	var firstErr error

	f := &Features{
		Signals:   make(map[signals.Kind]signals.Pair, len(required)),
		Decisions: make(map[models.Direction]models.Series, 2),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		labels := a.structureAnal.Classify(bars)
		mutex.Lock()
		f.Labels = labels
		mutex.Unlock()
	}()

	if rs == nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			regimes := a.ClassifyRegimes(bars, htf)
			mutex.Lock()
			f.Regimes, f.Snapshots = regimes.Regimes, regimes.Snapshots
			mutex.Unlock()
		}()
	} else {
		f.Regimes, f.Snapshots = rs.Regimes, rs.Snapshots
	}

	for _, kind := range required {
		wg.Add(1)
		go func(k signals.Kind) {
			defer wg.Done()
			pair, err := signals.Compute(k, bars, a.config)
			mutex.Lock()
			defer mutex.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			f.Signals[k] = pair
		}(kind)
	}

	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	if len(f.Regimes) != len(bars) {
		return nil, fmt.Errorf("серия режимов не совпадает с барами: %d != %d", len(f.Regimes), len(bars))
	}

	for _, dir := range models.Directions {
		decisions, err := a.combinator.Combine(f.Signals, f.Labels, dir)
		if err != nil {
			return nil, fmt.Errorf("ошибка объединения сигналов %s: %w", dir, err)
		}
		f.Decisions[dir] = decisions
	}

	logger.Debug("AGGREGATOR: анализ завершен",
		zap.Int("bars", len(bars)),
		zap.Int("signals", len(f.Signals)),
		zap.Int("candidates", countTrue(f.Decisions[models.Long])+countTrue(f.Decisions[models.Short])))

	return f, nil
}

// Candidates упорядоченный поток кандидатов: по индексу бара, LONG раньше SHORT
func (f *Features) Candidates() []models.EntryCandidate {
	var out []models.EntryCandidate
	n := len(f.Labels)
	for i := 0; i < n; i++ {
		for _, dir := range models.Directions {
			if s := f.Decisions[dir]; i < len(s) && s[i] {
				out = append(out, models.EntryCandidate{Index: models.BarIndex(i), Direction: dir})
			}
		}
	}
	return out
}

func countTrue(s models.Series) int {
	n := 0
	for _, v := range s {
		if v {
			n++
		}
	}
	return n
}
