package combinator

import (
	"errors"
	"fmt"

	"github.com/skalibog/sqe/internal/analysis/signals"
	"github.com/skalibog/sqe/internal/analysis/structure"
	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/pkg/models"
)

// ErrMissingSignal серия, на которую ссылается конфигурация, не вычислена
var ErrMissingSignal = errors.New("missing signal series")

// ErrInvalidMinCount k вне {1,2,3}
var ErrInvalidMinCount = errors.New("confluence min_count must be 1, 2 or 3")

// Pillar столп: набор индикаторов, объединяемых через AND или OR
type Pillar struct {
	Kinds      []signals.Kind
	RequireAll bool
}

// Confluence альтернативный режим: не менее MinCount из {sweep, displacement, fvg}
// в окне Window баров (0 означает тот же бар)
type Confluence struct {
	Enabled  bool
	Window   int
	MinCount int
}

// Combinator объединяет серии индикаторов в решение о входе
type Combinator struct {
	Trend            Pillar
	Liquidity        Pillar
	Trigger          signals.Kind
	RequireStructure bool
	Confluence       Confluence
}

// New собирает комбинатор из конфигурации, отклоняя неизвестные индикаторы
func New(cfg config.StrategyConfig) (*Combinator, error) {
	trend, err := parsePillar(cfg.Trend)
	if err != nil {
		return nil, fmt.Errorf("trend_context: %w", err)
	}
	liquidity, err := parsePillar(cfg.Liquidity)
	if err != nil {
		return nil, fmt.Errorf("liquidity_levels: %w", err)
	}
	trigger, err := signals.ParseKind(cfg.Trigger)
	if err != nil {
		return nil, fmt.Errorf("entry_trigger: %w", err)
	}

	c := &Combinator{
		Trend:            trend,
		Liquidity:        liquidity,
		Trigger:          trigger,
		RequireStructure: cfg.RequireStructure,
		Confluence: Confluence{
			Enabled:  cfg.Confluence.Enabled,
			Window:   cfg.Confluence.Window,
			MinCount: cfg.Confluence.MinCount,
		},
	}
	if c.Confluence.Enabled && (c.Confluence.MinCount < 1 || c.Confluence.MinCount > 3) {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidMinCount, c.Confluence.MinCount)
	}
	return c, nil
}

func parsePillar(p config.PillarConfig) (Pillar, error) {
	out := Pillar{RequireAll: p.RequireAll}
	for _, name := range p.Modules {
		k, err := signals.ParseKind(name)
		if err != nil {
			return Pillar{}, err
		}
		out.Kinds = append(out.Kinds, k)
	}
	return out, nil
}

// Required возвращает индикаторы, которые нужно вычислить
func (c *Combinator) Required() []signals.Kind {
	seen := make(map[signals.Kind]bool)
	var out []signals.Kind
	add := func(k signals.Kind) {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	if c.Confluence.Enabled {
		add(signals.Sweep)
		add(signals.Displacement)
		add(signals.FVG)
		return out
	}
	for _, k := range c.Trend.Kinds {
		add(k)
	}
	for _, k := range c.Liquidity.Kinds {
		add(k)
	}
	add(c.Trigger)
	return out
}

// Validate проверяет, что все нужные серии присутствуют и выровнены с метками
func (c *Combinator) Validate(series map[signals.Kind]signals.Pair, n int) error {
	for _, k := range c.Required() {
		p, ok := series[k]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingSignal, k)
		}
		if len(p.Long) != n || len(p.Short) != n {
			return fmt.Errorf("%w: %s has %d/%d values, want %d", ErrMissingSignal, k, len(p.Long), len(p.Short), n)
		}
	}
	return nil
}

// Combine возвращает серию решений для направления dir. Входные серии не изменяются.
func (c *Combinator) Combine(series map[signals.Kind]signals.Pair, labels []models.StructureLabel, dir models.Direction) (models.Series, error) {
	n := len(labels)
	if err := c.Validate(series, n); err != nil {
		return nil, err
	}

	out := make(models.Series, n)
	for i := 0; i < n; i++ {
		if c.RequireStructure && !structure.Allows(labels[i], dir) {
			continue
		}
		if c.Confluence.Enabled {
			out[i] = c.confluenceAt(series, dir, i)
			continue
		}
		out[i] = pillarAt(c.Trend, series, dir, i) &&
			pillarAt(c.Liquidity, series, dir, i) &&
			series[c.Trigger].For(dir)[i]
	}
	return out, nil
}

// pillarAt: пустой столп не ограничивает вход
func pillarAt(p Pillar, series map[signals.Kind]signals.Pair, dir models.Direction, i int) bool {
	if len(p.Kinds) == 0 {
		return true
	}
	if p.RequireAll {
		for _, k := range p.Kinds {
			if !series[k].For(dir)[i] {
				return false
			}
		}
		return true
	}
	for _, k := range p.Kinds {
		if series[k].For(dir)[i] {
			return true
		}
	}
	return false
}

func (c *Combinator) confluenceAt(series map[signals.Kind]signals.Pair, dir models.Direction, i int) bool {
	count := 0
	for _, k := range []signals.Kind{signals.Sweep, signals.Displacement, signals.FVG} {
		if Recent(series[k].For(dir), i, c.Confluence.Window) {
			count++
		}
	}
	return count >= c.Confluence.MinCount
}

// Recent сообщает, был ли сигнал в окне из window баров, заканчивающемся на i.
// window 0 и 1 означают только бар i.
func Recent(s models.Series, i, window int) bool {
	start := i - window + 1
	if window <= 1 {
		start = i
	}
	if start < 0 {
		start = 0
	}
	for j := start; j <= i; j++ {
		if s[j] {
			return true
		}
	}
	return false
}
