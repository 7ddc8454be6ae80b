package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skalibog/sqe/pkg/models"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Simulator.ATRWindow != 14 {
		t.Errorf("ATRWindow = %d, want 14", cfg.Simulator.ATRWindow)
	}
	if got := cfg.Analysis.Regime.EMAPeriods; len(got) != 3 || got[0] != 20 || got[2] != 200 {
		t.Errorf("EMAPeriods = %v, want [20 50 200]", got)
	}
	if _, ok := cfg.Filters.News.Overrides["FOMC"]; !ok {
		t.Error("FOMC override missing from defaults")
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"lookback shorter than pivot window", func(c *Config) {
			c.Analysis.Structure.PivotBars = 5
			c.Analysis.Structure.Lookback = 10
		}},
		{"unknown drawdown mode", func(c *Config) { c.Risk.DrawdownMode = "equity" }},
		{"inverted bounds", func(c *Config) { c.Risk.Bounds.MinSLR, c.Risk.Bounds.MaxSLR = 3, 1 }},
		{"unknown regime profile", func(c *Config) {
			c.Risk.RegimeProfiles = map[models.Regime]Multiples{"CHOPPY": {SLR: 1, TPR: 2}}
		}},
		{"duplicate session", func(c *Config) {
			c.Risk.Sessions = []SessionWindow{
				{Name: "LONDON", Start: "07:00", End: "10:00", Entries: true},
				{Name: "LONDON", Start: "12:00", End: "15:00", Entries: true},
			}
		}},
		{"bad session clock", func(c *Config) {
			c.Risk.Sessions = []SessionWindow{{Name: "NY", Start: "25:00", End: "15:00"}}
		}},
		{"backoff min above max", func(c *Config) {
			c.Live.BackoffMin = time.Minute
			c.Live.BackoffMax = time.Second
		}},
		{"unknown trigger", func(c *Config) { c.Analysis.Strategy.Trigger = "rsi" }},
		{"non-positive stop multiple", func(c *Config) { c.Simulator.SLR = 0 }},
		{"unknown pillar module", func(c *Config) { c.Analysis.Strategy.Trend.Modules = []string{"macd"} }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`symbol: BTCUSDT
simulator:
  sl_r: 1.5
risk:
  sessions:
    - name: LONDON
      start: "07:00"
      end: "10:00"
      entries: true
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q, want BTCUSDT", cfg.Symbol)
	}
	if cfg.Simulator.SLR != 1.5 {
		t.Errorf("SLR = %v, want 1.5", cfg.Simulator.SLR)
	}
	if cfg.Simulator.TPR != 2.0 {
		t.Errorf("TPR = %v, want default 2.0", cfg.Simulator.TPR)
	}
	if len(cfg.Risk.Sessions) != 1 || cfg.Risk.Sessions[0].Name != "LONDON" {
		t.Errorf("Sessions = %+v", cfg.Risk.Sessions)
	}
}

func TestExampleConfigMatchesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join("..", "..", "config.example.yaml"))
	if err != nil {
		t.Fatalf("Load(config.example.yaml) error = %v", err)
	}
	def := Default()
	tests := []struct {
		name      string
		got, want float64
	}{
		{"break-even offset", cfg.Order.BreakEven.Offset, 0.02},
		{"default break-even offset", def.Order.BreakEven.Offset, 0.02},
		{"adx weight", cfg.Analysis.Regime.Weights.ADX, def.Analysis.Regime.Weights.ADX},
		{"htf weight", cfg.Analysis.Regime.Weights.HTF, def.Analysis.Regime.Weights.HTF},
		{"trend threshold", cfg.Analysis.Regime.TrendStrengthThreshold, def.Analysis.Regime.TrendStrengthThreshold},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadInvalid(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("risk:\n  drawdown_mode: equity\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Load() = %v, want ErrInvalidConfig", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() of missing file succeeded")
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	base := Default()
	base.Risk.RegimeProfiles = map[models.Regime]Multiples{models.Trending: {SLR: 1.5, TPR: 3}}
	base.Risk.Sessions = []SessionWindow{{Name: "LONDON", Start: "07:00", End: "10:00", Entries: true}}

	clone := base.Clone()
	clone.Analysis.Regime.EMAPeriods[0] = 99
	clone.Analysis.Strategy.Trend.Modules[0] = "sweep"
	clone.Risk.RegimeProfiles[models.Trending] = Multiples{SLR: 9, TPR: 9}
	clone.Risk.Sessions[0].Name = "NY"
	clone.Filters.News.Overrides["FOMC"] = NewsWindow{Action: "NONE"}

	if base.Analysis.Regime.EMAPeriods[0] != 20 {
		t.Error("EMAPeriods shared with clone")
	}
	if base.Analysis.Strategy.Trend.Modules[0] != "mss" {
		t.Error("pillar modules shared with clone")
	}
	if base.Risk.RegimeProfiles[models.Trending].SLR != 1.5 {
		t.Error("regime profiles shared with clone")
	}
	if base.Risk.Sessions[0].Name != "LONDON" {
		t.Error("sessions shared with clone")
	}
	if base.Filters.News.Overrides["FOMC"].Action != "NO_TRADE" {
		t.Error("news overrides shared with clone")
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"00:00", 0, false},
		{"07:30", 7*time.Hour + 30*time.Minute, false},
		{"23:59", 23*time.Hour + 59*time.Minute, false},
		{"24:00", 0, true},
		{"7h", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseClock(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseClock(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
