package aggregator

import (
	"math"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/pkg/models"
)

func TestCandidatesOrder(t *testing.T) {
	t.Parallel()

	f := &Features{
		Labels: make([]models.StructureLabel, 4),
		Decisions: map[models.Direction]models.Series{
			models.Long:  {false, true, false, true},
			models.Short: {true, true, false},
		},
	}
	want := []models.EntryCandidate{
		{Index: 0, Direction: models.Short},
		{Index: 1, Direction: models.Long},
		{Index: 1, Direction: models.Short},
		{Index: 3, Direction: models.Long},
	}
	if got := f.Candidates(); !reflect.DeepEqual(got, want) {
		t.Errorf("Candidates() = %v, want %v", got, want)
	}
}

func walk(n int) []models.Bar {
	rng := rand.New(rand.NewSource(7))
	start := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	bars := make([]models.Bar, n)
	price := 2000.0
	for i := range bars {
		open := price
		price += rng.NormFloat64() * 4
		bars[i] = models.Bar{
			Time:  start.Add(time.Duration(i) * 15 * time.Minute),
			Open:  open,
			High:  math.Max(open, price) + rng.Float64()*3,
			Low:   math.Min(open, price) - rng.Float64()*3,
			Close: price,
		}
	}
	return bars
}

func TestAnalyzeAlignsSeries(t *testing.T) {
	t.Parallel()

	a, err := NewAnalyzer(config.Default().Analysis)
	if err != nil {
		t.Fatal(err)
	}
	bars := walk(300)
	f, err := a.Analyze(bars, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Labels) != len(bars) || len(f.Regimes) != len(bars) {
		t.Fatalf("labels %d regimes %d for %d bars", len(f.Labels), len(f.Regimes), len(bars))
	}
	for _, dir := range models.Directions {
		if len(f.Decisions[dir]) != len(bars) {
			t.Errorf("%s decisions have %d entries, want %d", dir, len(f.Decisions[dir]), len(bars))
		}
	}

	rs := a.ClassifyRegimes(bars, nil)
	shared, err := a.Analyze(bars, nil, &rs)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(shared.Decisions, f.Decisions) {
		t.Error("precomputed regimes changed the decisions")
	}
}

func TestNewAnalyzerRejectsUnknownModule(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Analysis
	cfg.Strategy.Trend.Modules = []string{"mss", "rsi"}
	if _, err := NewAnalyzer(cfg); err == nil {
		t.Error("NewAnalyzer accepted an unknown signal module")
	}
}
