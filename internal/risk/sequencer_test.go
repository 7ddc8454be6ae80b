package risk

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/pkg/models"
)

var day0 = time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)

// fakeSimulator возвращает заранее заданный результат в R для бара входа
type fakeSimulator struct {
	r     map[models.BarIndex]float64
	pnl   map[models.BarIndex]float64
	calls []models.Multiples
}

func (f *fakeSimulator) Simulate(bars []models.Bar, idx models.BarIndex, dir models.Direction, m models.Multiples) (models.Trade, error) {
	f.calls = append(f.calls, m)
	pnl, ok := f.pnl[idx]
	if !ok {
		pnl = f.r[idx] * 10
	}
	return models.Trade{
		ID:        bars[idx].Time.String() + string(dir),
		Direction: dir,
		OpenTime:  bars[idx].Time,
		CloseTime: bars[idx].Time.Add(time.Hour),
		PnLR:      f.r[idx],
		PnL:       pnl,
	}, nil
}

type recordingObserver struct {
	skips  []string
	trades int
}

func (o *recordingObserver) OnSkip(reason string)   { o.skips = append(o.skips, reason) }
func (o *recordingObserver) OnTrade(_ models.Trade) { o.trades++ }

// barsAt бары в заданные моменты
func barsAt(times ...time.Time) []models.Bar {
	bars := make([]models.Bar, len(times))
	for i, t := range times {
		bars[i] = models.Bar{Time: t, Open: 2000, High: 2001, Low: 1999, Close: 2000}
	}
	return bars
}

func longs(n int) []models.EntryCandidate {
	out := make([]models.EntryCandidate, n)
	for i := range out {
		out[i] = models.EntryCandidate{Index: models.BarIndex(i), Direction: models.Long}
	}
	return out
}

func quarterSessions() []config.SessionWindow {
	return []config.SessionWindow{
		{Name: "Q1", Start: "00:00", End: "06:00", Entries: true},
		{Name: "Q2", Start: "06:00", End: "12:00", Entries: true},
		{Name: "Q3", Start: "12:00", End: "18:00", Entries: true},
		{Name: "Q4", Start: "18:00", End: "00:00", Entries: false},
	}
}

func newSequencer(t *testing.T, cfg config.RiskConfig, sim TradeSimulator, filters Filters) (*Sequencer, *recordingObserver) {
	t.Helper()
	s, err := NewSequencer(cfg, sim, models.Multiples{SL: 1, TP: 2}, filters)
	if err != nil {
		t.Fatal(err)
	}
	obs := &recordingObserver{}
	s.SetObserver(obs)
	return s, obs
}

func TestDailyLossBlocksSameDayOnly(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Risk
	cfg.MaxDailyLossR = 2
	cfg.Sessions = quarterSessions()

	bars := barsAt(
		day0.Add(1*time.Hour),
		day0.Add(7*time.Hour),
		day0.Add(13*time.Hour),
		day0.Add(25*time.Hour),
	)
	sim := &fakeSimulator{r: map[models.BarIndex]float64{0: -1, 1: -1, 2: -1, 3: -1}}
	s, obs := newSequencer(t, cfg, sim, Filters{})

	trades, state := s.Run(bars, longs(4), nil)
	if len(trades) != 3 {
		t.Fatalf("got %d trades, want 3", len(trades))
	}
	if !trades[2].OpenTime.Equal(bars[3].Time) {
		t.Errorf("third trade opens at %v, want next day %v", trades[2].OpenTime, bars[3].Time)
	}
	if !reflect.DeepEqual(obs.skips, []string{ReasonDailyLoss}) {
		t.Errorf("skips = %v, want [daily_loss]", obs.skips)
	}
	if state.DailyR["2024-05-06"] != -2 || state.DailyR["2024-05-07"] != -1 {
		t.Errorf("DailyR = %v", state.DailyR)
	}
	if obs.trades != 3 {
		t.Errorf("observer saw %d trades, want 3", obs.trades)
	}
}

func TestDrawdownKillSwitchStopsRun(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Risk
	cfg.MaxDrawdown = 2

	var times []time.Time
	for d := 0; d < 6; d++ {
		times = append(times, day0.Add(time.Duration(d)*24*time.Hour))
	}
	sim := &fakeSimulator{r: map[models.BarIndex]float64{0: 1, 1: -1, 2: -1, 3: 5, 4: 5, 5: 5}}
	s, obs := newSequencer(t, cfg, sim, Filters{})

	trades, state := s.Run(barsAt(times...), longs(6), nil)
	if len(trades) != 3 {
		t.Fatalf("got %d trades, want 3 before the kill switch", len(trades))
	}
	if !state.KillSwitch || state.KillReason != ReasonDrawdown {
		t.Errorf("state = %+v, want kill switch by drawdown", state)
	}
	if !reflect.DeepEqual(obs.skips, []string{ReasonDrawdown}) {
		t.Errorf("skips = %v, want a single drawdown skip", obs.skips)
	}
	if v := s.Admit(times[5], models.Short, -1); !v.Stop || v.Reason != ReasonKillSwitch {
		t.Errorf("Admit after kill switch = %+v, want stop", v)
	}
}

func TestDrawdownPctMode(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Risk
	cfg.DrawdownMode = "pct"
	cfg.MaxDrawdown = 10
	cfg.AccountBalance = 1000

	times := []time.Time{day0, day0.Add(24 * time.Hour), day0.Add(48 * time.Hour)}
	sim := &fakeSimulator{
		r:   map[models.BarIndex]float64{0: 0.5, 1: -0.5, 2: 1},
		pnl: map[models.BarIndex]float64{0: 100, 1: -120, 2: 50},
	}
	s, _ := newSequencer(t, cfg, sim, Filters{})

	trades, state := s.Run(barsAt(times...), longs(3), nil)
	if len(trades) != 2 || !state.KillSwitch {
		t.Errorf("got %d trades, kill switch %v; want 2 and true at 10%% of peak equity", len(trades), state.KillSwitch)
	}
	if state.PeakPnL != 100 || state.CumulativePnL != -20 {
		t.Errorf("pnl peak %v cumulative %v, want 100 and -20", state.PeakPnL, state.CumulativePnL)
	}
}

func TestSessionDeduplication(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Risk
	cfg.Sessions = quarterSessions()

	bars := barsAt(
		day0.Add(7*time.Hour),
		day0.Add(8*time.Hour),
		day0.Add(9*time.Hour),
		day0.Add(19*time.Hour),
	)
	candidates := []models.EntryCandidate{
		{Index: 0, Direction: models.Long},
		{Index: 1, Direction: models.Long},
		{Index: 1, Direction: models.Short},
		{Index: 2, Direction: models.Short},
		{Index: 3, Direction: models.Long},
	}
	sim := &fakeSimulator{r: map[models.BarIndex]float64{}}
	s, obs := newSequencer(t, cfg, sim, Filters{})

	trades, state := s.Run(bars, candidates, nil)
	if len(trades) != 2 {
		t.Fatalf("got %d trades, want one LONG and one SHORT in Q2", len(trades))
	}
	if trades[0].Direction != models.Long || trades[1].Direction != models.Short {
		t.Errorf("directions = %s, %s", trades[0].Direction, trades[1].Direction)
	}
	if trades[0].Session != "Q2" {
		t.Errorf("Session = %q, want Q2", trades[0].Session)
	}
	want := []string{ReasonSessionUsed, ReasonSessionUsed, ReasonOutsideWindow}
	if !reflect.DeepEqual(obs.skips, want) {
		t.Errorf("skips = %v, want %v", obs.skips, want)
	}
	if !state.Used[SessionKey{Date: "2024-05-06", Session: "Q2", Direction: models.Long}] {
		t.Error("Q2 LONG not marked as used")
	}
}

type stubNews bool

func (n stubNews) Blackout(time.Time) bool { return bool(n) }

type stubSentiment models.Direction

func (s stubSentiment) Allow(dir models.Direction) bool { return dir == models.Direction(s) }

type stubSpread float64

func (s stubSpread) Allow(spread float64) bool { return spread <= float64(s) }

func TestAdmitFilters(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Risk
	tests := []struct {
		name    string
		filters Filters
		dir     models.Direction
		spread  float64
		allowed bool
		reason  string
	}{
		{"no filters", Filters{}, models.Long, 5, true, ""},
		{"news blackout", Filters{News: stubNews(true)}, models.Long, -1, false, ReasonNews},
		{"sentiment blocks short", Filters{Sentiment: stubSentiment(models.Long)}, models.Short, -1, false, ReasonSentiment},
		{"sentiment allows long", Filters{Sentiment: stubSentiment(models.Long)}, models.Long, -1, true, ""},
		{"wide spread", Filters{Spread: stubSpread(0.5)}, models.Long, 0.8, false, ReasonSpread},
		{"unknown spread skips the check", Filters{Spread: stubSpread(0.5)}, models.Long, -1, true, ""},
		{"news checked before spread", Filters{News: stubNews(true), Spread: stubSpread(0.5)}, models.Long, 0.8, false, ReasonNews},
	}
	for _, tt := range tests {
		s, _ := newSequencer(t, cfg, &fakeSimulator{}, tt.filters)
		v := s.Admit(day0.Add(time.Hour), tt.dir, tt.spread)
		if v.Allowed != tt.allowed || v.Reason != tt.reason || v.Stop {
			t.Errorf("%s: Admit() = %+v, want allowed=%v reason=%q", tt.name, v, tt.allowed, tt.reason)
		}
	}
}

func TestMultiplesClamped(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Risk
	cfg.RegimeProfiles = map[models.Regime]config.Multiples{
		models.Volatile: {SLR: 10, TPR: 0.1},
		models.Trending: {SLR: 1.5, TPR: 3},
	}
	sim := &fakeSimulator{r: map[models.BarIndex]float64{}}
	s, _ := newSequencer(t, cfg, sim, Filters{})

	tests := []struct {
		regime models.Regime
		want   models.Multiples
	}{
		{models.Volatile, models.Multiples{SL: 5, TP: 0.5}},
		{models.Trending, models.Multiples{SL: 1.5, TP: 3}},
		{models.Ranging, models.Multiples{SL: 1, TP: 2}},
	}
	for _, tt := range tests {
		if got := s.Multiples(tt.regime); got != tt.want {
			t.Errorf("Multiples(%s) = %+v, want %+v", tt.regime, got, tt.want)
		}
	}

	bars := barsAt(day0, day0.Add(24*time.Hour))
	s.Run(bars, longs(2), []models.Regime{models.Volatile, ""})
	want := []models.Multiples{{SL: 5, TP: 0.5}, {SL: 1, TP: 2}}
	if !reflect.DeepEqual(sim.calls, want) {
		t.Errorf("simulator got multiples %v, want %v", sim.calls, want)
	}
}

func TestRunResetsState(t *testing.T) {
	t.Parallel()

	sim := &fakeSimulator{r: map[models.BarIndex]float64{0: 2}}
	s, _ := newSequencer(t, config.Default().Risk, sim, Filters{})
	bars := barsAt(day0)

	first, _ := s.Run(bars, longs(1), nil)
	second, state := s.Run(bars, longs(1), nil)
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("runs gave %d and %d trades, want 1 each", len(first), len(second))
	}
	if state.CumulativeR != 2 {
		t.Errorf("CumulativeR = %v after a fresh run, want 2", state.CumulativeR)
	}

	state.DailyR["2024-05-06"] = -100
	if s.State().DailyR["2024-05-06"] != 2 {
		t.Error("State() exposes internal maps")
	}
}

func TestRunSkipsOutOfRangeCandidates(t *testing.T) {
	t.Parallel()

	s, obs := newSequencer(t, config.Default().Risk, &fakeSimulator{}, Filters{})
	trades, _ := s.Run(barsAt(day0), []models.EntryCandidate{{Index: 4, Direction: models.Long}}, nil)
	if len(trades) != 0 || !reflect.DeepEqual(obs.skips, []string{ReasonSimulation}) {
		t.Errorf("trades %d skips %v, want none and a simulation skip", len(trades), obs.skips)
	}
}

func TestCanOpen(t *testing.T) {
	t.Parallel()

	cfg := config.Default().Risk
	cfg.MaxConcurrent = 2
	s, _ := newSequencer(t, cfg, &fakeSimulator{}, Filters{})
	if !s.CanOpen(1) || s.CanOpen(2) {
		t.Error("CanOpen must allow strictly fewer than MaxConcurrent positions")
	}
}

func TestSessionsOf(t *testing.T) {
	t.Parallel()

	s, err := NewSessions(quarterSessions())
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		at      time.Time
		name    string
		entries bool
	}{
		{day0, "Q1", true},
		{day0.Add(6 * time.Hour), "Q2", true},
		{day0.Add(23*time.Hour + 59*time.Minute), "Q4", false},
		{day0.Add(3 * time.Hour).In(time.FixedZone("MSK", 3*3600)), "Q1", true},
	}
	for _, tt := range tests {
		name, entries := s.Of(tt.at)
		if name != tt.name || entries != tt.entries {
			t.Errorf("Of(%v) = %q, %v; want %q, %v", tt.at, name, entries, tt.name, tt.entries)
		}
	}

	gap, _ := NewSessions([]config.SessionWindow{{Name: "LONDON", Start: "07:00", End: "11:00", Entries: true}})
	if name, ok := gap.Of(day0.Add(12 * time.Hour)); name != "" || ok {
		t.Errorf("outside all windows = %q, %v; want empty and false", name, ok)
	}
	empty, _ := NewSessions(nil)
	if name, ok := empty.Of(day0); name != NoSession || !ok {
		t.Errorf("no windows = %q, %v; want %q, true", name, ok, NoSession)
	}
	if _, err := NewSessions([]config.SessionWindow{{Name: "BAD", Start: "25:00", End: "26:00"}}); err == nil {
		t.Error("NewSessions accepted an invalid clock")
	}
}

func TestLotSize(t *testing.T) {
	t.Parallel()

	lot, err := LotSize(10000, 10, 1, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	if !lot.Equal(decimal.NewFromInt(10)) {
		t.Errorf("LotSize = %s, want 10", lot)
	}
	if _, err := LotSize(10000, 0, 1, 0.01); !errors.Is(err, ErrBadSizing) {
		t.Errorf("zero stop distance error = %v, want ErrBadSizing", err)
	}

	tests := []struct {
		lot        string
		multiplier float64
		precision  int32
		want       string
	}{
		{"10.5678", 0.5, 2, "5.28"},
		{"10.5678", 1, 0, "10"},
		{"10.5678", 0, 2, "0"},
		{"0.0009", 1, 3, "0"},
	}
	for _, tt := range tests {
		got := Units(decimal.RequireFromString(tt.lot), tt.multiplier, tt.precision)
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("Units(%s, %v, %d) = %s, want %s", tt.lot, tt.multiplier, tt.precision, got, tt.want)
		}
	}
}
