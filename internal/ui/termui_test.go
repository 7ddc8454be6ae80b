package ui

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/internal/order"
	"github.com/skalibog/sqe/internal/risk"
	"github.com/skalibog/sqe/pkg/models"
)

func TestFormatLogLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"zap json",
			`{"level":"info","ts":"05.08.2024 - 10:15:30.5Z","caller":"live/loop.go:473","msg":"Решение по бару","taken":true,"direction":"LONG","price":2350.5}`,
			"[10:15:30] [INFO] Решение по бару (direction: LONG) (price: 2350.5) (taken: true)",
		},
		{
			"colored level",
			`{"level":"\u001b[33mwarn\u001b[0m","ts":"05.08.2024 - 10:15:30Z","msg":"Спред выше допустимого"}`,
			"[10:15:30] [WARN] Спред выше допустимого",
		},
		{
			"unparsable timestamp",
			`{"level":"error","ts":1722852930.5,"msg":"boom"}`,
			"[] [ERROR] boom",
		},
		{"plain text", "SQE запущен", "SQE запущен"},
	}
	for _, tt := range tests {
		if got := formatLogLine(tt.in); got != tt.want {
			t.Errorf("%s: formatLogLine() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestTailLogs(t *testing.T) {
	t.Parallel()

	in := "first\n\n" + `{"level":"debug","ts":"05.08.2024 - 10:00:00Z","msg":"second"}` + "\nthird\nfourth\n"
	got, err := tailLogs(strings.NewReader(in), 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"[10:00:00] [DEBUG] second", "third", "fourth"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("tailLogs() = %q, want %q", got, want)
	}

	all, _ := tailLogs(strings.NewReader(in), 0)
	if len(all) != 4 {
		t.Errorf("tailLogs without limit kept %d lines, want 4", len(all))
	}
}

type stubOrders struct{ summary order.Summary }

func (s stubOrders) Summary() order.Summary { return s.summary }

type stubLoop struct{ decisions []models.Decision }

func (s stubLoop) Decisions() []models.Decision { return s.decisions }
func (s stubLoop) RiskState() risk.RiskState { return risk.RiskState{CumulativeR: 1.5} }

func newTestUI(t *testing.T, orders int) *TermUI {
	t.Helper()
	s := order.Summary{Active: orders}
	for i := 0; i < orders; i++ {
		s.Orders = append(s.Orders, order.OrderSummary{TradeID: "order-with-long-id", Direction: models.Short, State: models.StateOpen})
	}
	cfg := config.UIConfig{RefreshRate: 100, MaxLogLines: 10}
	loop := stubLoop{decisions: []models.Decision{{Direction: models.Long, Reason: risk.ReasonNews}}}
	return NewTermUI(cfg, filepath.Join(t.TempDir(), "missing.log"), stubOrders{s}, loop)
}

func TestNewTermUILoadsLogFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sqe.log")
	if err := os.WriteFile(path, []byte(`{"level":"info","ts":"05.08.2024 - 10:00:00Z","msg":"started"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ui := NewTermUI(config.UIConfig{MaxLogLines: 5}, path, stubOrders{}, stubLoop{})
	if len(ui.logs) != 1 || ui.logs[0] != "[10:00:00] [INFO] started" {
		t.Errorf("logs = %q", ui.logs)
	}

	if missing := newTestUI(t, 0); len(missing.logs) != 1 {
		t.Errorf("missing log file produced %q", missing.logs)
	}
}

func TestSelectionStaysInRange(t *testing.T) {
	t.Parallel()

	ui := newTestUI(t, 2)
	m := bubbleModel{ui: ui}
	press := func(key tea.KeyType) {
		m.Update(tea.KeyMsg{Type: key})
	}

	press(tea.KeyUp)
	if ui.selected != 0 {
		t.Errorf("selected = %d after up at the top", ui.selected)
	}
	press(tea.KeyDown)
	press(tea.KeyDown)
	press(tea.KeyDown)
	if ui.selected != 1 {
		t.Errorf("selected = %d, want the last order", ui.selected)
	}

	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")}); cmd == nil {
		t.Error("q did not quit")
	}
}

func TestView(t *testing.T) {
	t.Parallel()

	view := bubbleModel{ui: newTestUI(t, 1)}.View()
	for _, want := range []string{"СДЕЛКИ", "РЕШЕНИЯ", "ЛОГИ", "order-with", "пропуск: news_blackout", "cum=1.50R"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() lacks %q", want)
		}
	}
	if strings.Contains(view, "order-with-long-id") {
		t.Error("trade id not shortened")
	}
}

func TestFlag(t *testing.T) {
	t.Parallel()

	if flag(true, "BE") != "BE" || flag(false, "TS") != "--" {
		t.Error("flag() rendering changed")
	}
}
