package order

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/pkg/models"
)

var openedAt = time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)

type fakeBroker struct {
	accept  bool
	fail    error
	stops   []float64
	closed  []float64
	targets int
}

func (b *fakeBroker) Modify(_ context.Context, _ string, stop, target *float64) (bool, error) {
	if b.fail != nil {
		return false, b.fail
	}
	if stop != nil {
		b.stops = append(b.stops, *stop)
	}
	if target != nil {
		b.targets++
	}
	return b.accept, nil
}

func (b *fakeBroker) Close(_ context.Context, _ string, units *float64) (bool, error) {
	if b.fail != nil {
		return false, b.fail
	}
	if units != nil {
		b.closed = append(b.closed, *units)
	}
	return b.accept, nil
}

// rulesOnly конфигурация с включенными только перечисленными правилами
func rulesOnly(be, partial, trailing bool) config.OrderConfig {
	cfg := config.Default().Order
	cfg.BreakEven.Enabled = be
	cfg.BreakEven.Offset = 0.2
	cfg.PartialClose.Enabled = partial
	cfg.Trailing.Enabled = trailing
	return cfg
}

func newManager(t *testing.T, cfg config.OrderConfig, broker Broker) *Manager {
	t.Helper()
	m := NewManager(cfg, 2, broker, NewFileStore(filepath.Join(t.TempDir(), "state", "orders.json")))
	m.now = func() time.Time { return openedAt.Add(3 * time.Hour) }
	if _, err := m.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	return m
}

func longOrder(id string) models.ManagedOrder {
	return models.ManagedOrder{
		TradeID:       id,
		Symbol:        "XAUUSDT",
		Direction:     models.Long,
		EntryPrice:    2000,
		Units:         1,
		OriginalSL:    1990,
		OriginalTP:    2030,
		OpenTime:      openedAt,
		ATRAtEntry:    10,
		RegimeAtEntry: models.Trending,
		Session:       "LONDON",
	}
}

func register(t *testing.T, m *Manager, o models.ManagedOrder) {
	t.Helper()
	if _, err := m.Register(context.Background(), o); err != nil {
		t.Fatal(err)
	}
}

func update(t *testing.T, m *Manager, id string, prices ...float64) {
	t.Helper()
	for _, p := range prices {
		if err := m.UpdatePrice(context.Background(), id, p); err != nil {
			t.Fatalf("UpdatePrice(%v): %v", p, err)
		}
	}
}

func TestBreakEvenAppliedOnce(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{accept: true}
	m := newManager(t, rulesOnly(true, false, false), broker)
	var events []EventType
	m.OnEvent(func(e Event) { events = append(events, e.Type) })

	register(t, m, longOrder("t1"))
	update(t, m, "t1", 2005, 2010, 2012, 2008)

	o, _ := m.Get("t1")
	if math.Abs(o.CurrentSL-2000.2) > 1e-9 {
		t.Errorf("CurrentSL = %v, want 2000.2", o.CurrentSL)
	}
	if !o.BreakEvenSet || o.State != models.StateBreakEvenSet {
		t.Errorf("order = %+v, want break-even state", o)
	}
	if len(broker.stops) != 1 {
		t.Errorf("broker modified the stop %d times, want once", len(broker.stops))
	}
	if want := []EventType{EventRegistered, EventBreakEven}; !reflect.DeepEqual(events, want) {
		t.Errorf("events = %v, want %v", events, want)
	}
	if o.PeakPrice != 2012 {
		t.Errorf("PeakPrice = %v, want 2012", o.PeakPrice)
	}
}

func TestUpdatesRequireRestore(t *testing.T) {
	t.Parallel()

	m := NewManager(config.Default().Order, 2, nil, NewFileStore(filepath.Join(t.TempDir(), "orders.json")))
	ctx := context.Background()
	if _, err := m.Register(ctx, longOrder("t1")); !errors.Is(err, ErrNotRestored) {
		t.Errorf("Register() error = %v, want ErrNotRestored", err)
	}
	if err := m.UpdatePrice(ctx, "t1", 2010); !errors.Is(err, ErrNotRestored) {
		t.Errorf("UpdatePrice() error = %v, want ErrNotRestored", err)
	}
	if err := m.Save(ctx); !errors.Is(err, ErrNotRestored) {
		t.Errorf("Save() error = %v, want ErrNotRestored", err)
	}
}

func TestBrokerRefusalKeepsState(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{accept: false}
	m := newManager(t, rulesOnly(true, true, false), broker)
	var rejected []string
	m.OnEvent(func(e Event) {
		if e.Type == EventRejected {
			rejected = append(rejected, e.Reason)
		}
	})

	register(t, m, longOrder("t1"))
	update(t, m, "t1", 2010)

	o, _ := m.Get("t1")
	if o.CurrentSL != 1990 || o.BreakEvenSet || o.PartialClosed || o.Units != 1 || o.State != models.StateOpen {
		t.Errorf("order changed after refusal: %+v", o)
	}
	if want := []string{"modify", "partial_close"}; !reflect.DeepEqual(rejected, want) {
		t.Errorf("rejections = %v, want %v", rejected, want)
	}

	broker.accept = true
	update(t, m, "t1", 2010)
	o, _ = m.Get("t1")
	if !o.BreakEvenSet || !o.PartialClosed {
		t.Errorf("order = %+v, want rules applied on retry", o)
	}
}

func TestBrokerErrorIsReturned(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{fail: errors.New("timeout")}
	m := newManager(t, rulesOnly(true, false, false), broker)
	register(t, m, longOrder("t1"))
	if err := m.UpdatePrice(context.Background(), "t1", 2010); err == nil {
		t.Fatal("UpdatePrice() returned nil on broker error")
	}
	if o, _ := m.Get("t1"); o.CurrentSL != 1990 {
		t.Errorf("CurrentSL = %v after broker error, want 1990", o.CurrentSL)
	}
}

func TestTrailingNeverLoosens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		order  models.ManagedOrder
		prices []float64
		wantSL []float64
	}{
		{
			name:   "long",
			order:  longOrder("long"),
			prices: []float64{2010, 2015, 2020, 2012, 2018, 2025},
			wantSL: []float64{1990, 2005, 2010, 2010, 2010, 2015},
		},
		{
			name: "short",
			order: func() models.ManagedOrder {
				o := longOrder("short")
				o.Direction = models.Short
				o.OriginalSL = 2010
				o.OriginalTP = 1970
				return o
			}(),
			prices: []float64{1990, 1985, 1980, 1990, 1975},
			wantSL: []float64{2010, 1995, 1990, 1990, 1985},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := newManager(t, rulesOnly(false, false, true), &fakeBroker{accept: true})
			register(t, m, tt.order)
			for i, p := range tt.prices {
				update(t, m, tt.order.TradeID, p)
				o, _ := m.Get(tt.order.TradeID)
				if math.Abs(o.CurrentSL-tt.wantSL[i]) > 1e-9 {
					t.Fatalf("after price %v: CurrentSL = %v, want %v", p, o.CurrentSL, tt.wantSL[i])
				}
			}
			if o, _ := m.Get(tt.order.TradeID); !o.TrailingActive || o.State != models.StateTrailing {
				t.Errorf("order = %+v, want trailing state", o)
			}
		})
	}
}

func TestPartialCloseAndClose(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{accept: true}
	m := newManager(t, rulesOnly(false, true, false), broker)
	register(t, m, longOrder("t1"))
	update(t, m, "t1", 2010, 2015)

	o, _ := m.Get("t1")
	if o.Units != 0.5 || o.RealizedPnL != 5 || o.State != models.StatePartialClosed {
		t.Errorf("after partial close: units %v realized %v state %s", o.Units, o.RealizedPnL, o.State)
	}
	if !reflect.DeepEqual(broker.closed, []float64{0.5}) {
		t.Errorf("broker closed %v, want a single 0.5", broker.closed)
	}

	trade, err := m.Close(context.Background(), "t1", 2020, "target")
	if err != nil {
		t.Fatal(err)
	}
	if trade.PnL != 15 || trade.PnLR != 1.5 || trade.Units != 1 || trade.Outcome != models.Win {
		t.Errorf("trade = %+v, want pnl 15, 1.5R on 1 unit, WIN", trade)
	}
	if trade.Regime != models.Trending || trade.Session != "LONDON" || !trade.CloseTime.Equal(openedAt.Add(3*time.Hour)) {
		t.Errorf("trade context = %s %s %v", trade.Regime, trade.Session, trade.CloseTime)
	}
	if _, ok := m.Get("t1"); ok {
		t.Error("closed order still managed")
	}
	if err := m.UpdatePrice(context.Background(), "t1", 2030); !errors.Is(err, ErrUnknownOrder) {
		t.Errorf("UpdatePrice after close error = %v, want ErrUnknownOrder", err)
	}
}

func TestCloseCountsPartialProfit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     config.OrderConfig
		prices  []float64
		exit    float64
		pnl     float64
		r       float64
		outcome models.Outcome
	}{
		{"partial then break-even exit", rulesOnly(true, true, false), []float64{2010}, 2000.2, 5.1, 0.51, models.Win},
		{"partial then original stop", rulesOnly(false, true, false), []float64{2010}, 1990, 0, 0, models.Timeout},
		{"partial then target", rulesOnly(false, true, false), []float64{2010}, 2030, 20, 2, models.Win},
		{"no partial", rulesOnly(false, false, false), []float64{2010}, 2030, 30, 3, models.Win},
	}
	for _, tt := range tests {
		m := newManager(t, tt.cfg, &fakeBroker{accept: true})
		register(t, m, longOrder("t1"))
		update(t, m, "t1", tt.prices...)

		trade, err := m.Close(context.Background(), "t1", tt.exit, "test")
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(trade.PnL-tt.pnl) > 1e-9 || math.Abs(trade.PnLR-tt.r) > 1e-9 || trade.Outcome != tt.outcome {
			t.Errorf("%s: trade = %v (%vR) %s, want %v (%vR) %s", tt.name, trade.PnL, trade.PnLR, trade.Outcome, tt.pnl, tt.r, tt.outcome)
		}
		if trade.Units != 1 {
			t.Errorf("%s: trade units = %v, want the opening size", tt.name, trade.Units)
		}
	}
}

func TestCloseOutcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		exit    float64
		outcome models.Outcome
		r       float64
	}{
		{1990, models.Loss, -1},
		{2000, models.Timeout, 0},
		{2030, models.Win, 3},
	}
	for _, tt := range tests {
		m := newManager(t, rulesOnly(false, false, false), nil)
		register(t, m, longOrder("t1"))
		trade, err := m.Close(context.Background(), "t1", tt.exit, "test")
		if err != nil {
			t.Fatal(err)
		}
		if trade.Outcome != tt.outcome || trade.PnLR != tt.r {
			t.Errorf("Close(%v) = %s %vR, want %s %vR", tt.exit, trade.Outcome, trade.PnLR, tt.outcome, tt.r)
		}
	}

	m := newManager(t, rulesOnly(false, false, false), nil)
	if _, err := m.Close(context.Background(), "missing", 2000, "test"); !errors.Is(err, ErrUnknownOrder) {
		t.Errorf("Close(missing) error = %v, want ErrUnknownOrder", err)
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()

	m := newManager(t, config.Default().Order, nil)
	o := longOrder("t1")
	o.RequestedPrice = 1999.5
	o.OpenTime = time.Time{}

	got, err := m.Register(context.Background(), o)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentSL != 1990 || got.CurrentTP != 2030 || got.PeakPrice != 2000 || got.State != models.StateOpen {
		t.Errorf("registered order = %+v", got)
	}
	if got.Slippage != 0.5 {
		t.Errorf("Slippage = %v, want 0.5", got.Slippage)
	}
	if got.OriginalUnits != 1 {
		t.Errorf("OriginalUnits = %v, want the registered size", got.OriginalUnits)
	}
	if !got.OpenTime.Equal(openedAt.Add(3 * time.Hour)) {
		t.Errorf("OpenTime = %v, want manager clock", got.OpenTime)
	}
	if _, err := m.Register(context.Background(), o); !errors.Is(err, ErrDuplicateOrder) {
		t.Errorf("second Register() error = %v, want ErrDuplicateOrder", err)
	}

	s := m.Summary()
	if s.Active != 1 || s.AvgSlippage != 0.5 || s.Orders[0].TradeID != "t1" {
		t.Errorf("Summary() = %+v", s)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "orders.json")
	ctx := context.Background()

	first := NewManager(rulesOnly(true, false, false), 2, nil, NewFileStore(path))
	if n, err := first.Restore(ctx); err != nil || n != 0 {
		t.Fatalf("Restore() on missing file = %d, %v", n, err)
	}
	register(t, first, longOrder("t1"))
	register(t, first, longOrder("t2"))
	update(t, first, "t1", 2011)
	want := first.Orders()

	second := NewManager(rulesOnly(true, false, false), 2, nil, NewFileStore(path))
	n, err := second.Restore(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("restored %d orders, want 2", n)
	}
	got := second.Orders()
	if len(got) != len(want) {
		t.Fatalf("restored %d orders, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].OpenTime.Equal(want[i].OpenTime) {
			t.Errorf("order %s OpenTime = %v, want %v", want[i].TradeID, got[i].OpenTime, want[i].OpenTime)
		}
		got[i].OpenTime, want[i].OpenTime = time.Time{}, time.Time{}
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("restored orders = %+v, want %+v", got, want)
	}

	// повторное срабатывание безубытка после рестарта не происходит
	broker := &fakeBroker{accept: true}
	second.broker = broker
	update(t, second, "t1", 2015)
	if len(broker.stops) != 0 {
		t.Errorf("break-even re-applied after restart: %v", broker.stops)
	}
}

func TestFileStoreCorrupt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "orders.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(config.Default().Order, 2, nil, NewFileStore(path))
	if _, err := m.Restore(context.Background()); err == nil {
		t.Error("Restore() accepted a corrupt state file")
	}
}

func TestNewStoreRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	if _, err := NewStore(config.StateConfig{Backend: "etcd"}); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("NewStore(etcd) error = %v, want ErrInvalidConfig", err)
	}
	s, err := NewStore(config.StateConfig{Backend: "file", Path: filepath.Join(t.TempDir(), "x.json")})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*FileStore); !ok {
		t.Errorf("NewStore(file) = %T, want *FileStore", s)
	}
}
