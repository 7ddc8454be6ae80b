package signals

import (
	"errors"
	"fmt"

	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/pkg/models"
)

// ErrUnknownSignal неизвестное имя индикатора в конфигурации
var ErrUnknownSignal = errors.New("unknown signal")

// Kind вид индикатора. Набор закрыт и известен на этапе компиляции.
type Kind int

const (
	Sweep Kind = iota
	Displacement
	FVG
	MSS
)

// All перечисляет все виды индикаторов
var All = []Kind{Sweep, Displacement, FVG, MSS}

func (k Kind) String() string {
	switch k {
	case Sweep:
		return "sweep"
	case Displacement:
		return "displacement"
	case FVG:
		return "fvg"
	case MSS:
		return "mss"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind разбирает имя индикатора из конфигурации
func ParseKind(name string) (Kind, error) {
	for _, k := range All {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSignal, name)
}

// Pair серии индикатора для обоих направлений
type Pair struct {
	Long  models.Series
	Short models.Series
}

// For возвращает серию для направления
func (p Pair) For(dir models.Direction) models.Series {
	if dir == models.Short {
		return p.Short
	}
	return p.Long
}

// Compute вычисляет серии индикатора kind по барам
func Compute(kind Kind, bars []models.Bar, cfg config.AnalysisConfig) (Pair, error) {
	switch kind {
	case Sweep:
		return sweep(bars, cfg.Sweep), nil
	case Displacement:
		return displacement(bars, cfg.Displacement), nil
	case FVG:
		return fvg(bars, cfg.FVG), nil
	case MSS:
		return mss(bars, cfg.MSS), nil
	default:
		return Pair{}, fmt.Errorf("%w: %s", ErrUnknownSignal, kind)
	}
}

func newPair(n int) Pair {
	return Pair{Long: make(models.Series, n), Short: make(models.Series, n)}
}
