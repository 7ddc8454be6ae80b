package ui

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/internal/order"
	"github.com/skalibog/sqe/internal/risk"
	"github.com/skalibog/sqe/pkg/models"
)

// Стили UI
var (
	// Основные цвета
	primaryColor   = lipgloss.Color("#0077cc")
	secondaryColor = lipgloss.Color("#333333")
	errorColor     = lipgloss.Color("#cc3300")
	successColor   = lipgloss.Color("#33cc33")
	warningColor   = lipgloss.Color("#cccc00")

	appStyle = lipgloss.NewStyle().
			Padding(1, 2).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor)
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(primaryColor).
			Padding(0, 1).
			Align(lipgloss.Center)
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(secondaryColor).
			Padding(0, 1)
	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor).
			Padding(0, 1)
	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#999999")).
			Padding(0, 1)
)

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)

const logTimeLayout = "02.01.2006 - 15:04:05.999999999Z07:00"

// OrderSource сводка управляемых ордеров
type OrderSource interface {
	Summary() order.Summary
}

// LoopSource последние решения и состояние риска
type LoopSource interface {
	Decisions() []models.Decision
	RiskState() risk.RiskState
}

// TermUI терминальная панель live-режима
type TermUI struct {
	orders   OrderSource
	loop     LoopSource
	config   config.UIConfig
	logFile  string
	program  *tea.Program
	selected int
	width    int
	height   int

	logsMutex sync.RWMutex
	logs      []string
}

type refreshMsg time.Time

// bubbleModel модель для bubbletea
type bubbleModel struct {
	ui *TermUI
}

// NewTermUI создает панель; логи читаются из JSON-файла логгера
func NewTermUI(cfg config.UIConfig, logFile string, orders OrderSource, loop LoopSource) *TermUI {
	ui := &TermUI{
		orders:  orders,
		loop:    loop,
		config:  cfg,
		logFile: logFile,
		width:   120,
		height:  40,
		logs:    []string{"SQE запущен. Ожидание данных..."},
	}
	if err := ui.loadLogsFromFile(); err != nil {
		ui.logs = append(ui.logs, fmt.Sprintf("Ошибка загрузки логов: %v", err))
	}
	return ui
}

// Run показывает панель до выхода пользователя или отмены контекста
func (ui *TermUI) Run(ctx context.Context) error {
	ui.program = tea.NewProgram(bubbleModel{ui: ui}, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := ui.program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("ошибка запуска UI: %w", err)
	}
	return nil
}

func (ui *TermUI) refreshInterval() time.Duration {
	return time.Duration(ui.config.RefreshRate) * time.Millisecond
}

func (ui *TermUI) tick() tea.Cmd {
	return tea.Tick(ui.refreshInterval(), func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

// loadLogsFromFile перечитывает хвост файла логов
func (ui *TermUI) loadLogsFromFile() error {
	file, err := os.Open(ui.logFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	logs, err := tailLogs(file, ui.config.MaxLogLines)
	if err != nil {
		return err
	}

	ui.logsMutex.Lock()
	defer ui.logsMutex.Unlock()
	if len(logs) > 0 {
		ui.logs = logs
	}
	return nil
}

// tailLogs последние max строк, отформатированных для показа
func tailLogs(r io.Reader, max int) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var logs []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		logs = append(logs, formatLogLine(line))
		if max > 0 && len(logs) > max {
			logs = logs[1:]
		}
	}
	return logs, scanner.Err()
}

// formatLogLine превращает JSON-запись zap в строку; не-JSON возвращается как есть
func formatLogLine(line string) string {
	var zapLog map[string]interface{}
	if err := json.Unmarshal([]byte(line), &zapLog); err != nil {
		return line
	}

	level, _ := zapLog["level"].(string)
	ts, _ := zapLog["ts"].(string)
	msg, _ := zapLog["msg"].(string)
	level = strings.ToUpper(ansiRegex.ReplaceAllString(level, ""))

	timestamp := ""
	if t, err := time.Parse(logTimeLayout, ts); err == nil {
		timestamp = t.Format("15:04:05")
	}

	keys := make([]string, 0, len(zapLog))
	for k := range zapLog {
		switch k {
		case "level", "ts", "msg", "caller", "stacktrace":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] %s", timestamp, level, msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " (%s: %v)", k, zapLog[k])
	}
	return b.String()
}

func renderLogsSection(logs []string, maxLines int) string {
	var content strings.Builder
	start := 0
	if maxLines > 0 && len(logs) > maxLines {
		start = len(logs) - maxLines
	}
	for _, log := range logs[start:] {
		switch {
		case strings.Contains(log, "[ERROR]"):
			log = lipgloss.NewStyle().Foreground(errorColor).Render(log)
		case strings.Contains(log, "[WARN]"):
			log = lipgloss.NewStyle().Foreground(warningColor).Render(log)
		case strings.Contains(log, "[INFO]"):
			log = lipgloss.NewStyle().Foreground(successColor).Render(log)
		case strings.Contains(log, "[DEBUG]"):
			log = lipgloss.NewStyle().Foreground(lipgloss.Color("#9999ff")).Render(log)
		}
		content.WriteString("  " + log + "\n")
	}
	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render("ЛОГИ"), content.String()))
}

func directionStyle(dir models.Direction) lipgloss.Style {
	if dir == models.Long {
		return lipgloss.NewStyle().Foreground(successColor)
	}
	return lipgloss.NewStyle().Foreground(errorColor)
}

func flag(set bool, name string) string {
	if set {
		return name
	}
	return strings.Repeat("-", len(name))
}

func renderOrdersSection(s order.Summary, selected int) string {
	var content strings.Builder
	fmt.Fprintf(&content, "  Активных: %d  Среднее проскальзывание: %.4f\n", s.Active, s.AvgSlippage)
	if len(s.Orders) == 0 {
		content.WriteString("  Нет открытых сделок\n")
	}
	for i, o := range s.Orders {
		line := fmt.Sprintf("  %-10s %s вход %.2f SL %.2f TP %.2f [%s %s %s] %s %s",
			shortID(o.TradeID),
			directionStyle(o.Direction).Render(fmt.Sprintf("%-5s", o.Direction)),
			o.Entry, o.SL, o.TP,
			flag(o.BESet, "BE"), flag(o.Partial, "PC"), flag(o.Trailing, "TS"),
			o.Regime, o.State)
		if i == selected {
			line = lipgloss.NewStyle().Background(lipgloss.Color("#222222")).Render("> " + line[2:])
		}
		content.WriteString(line + "\n")
	}
	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render("СДЕЛКИ"), content.String()))
}

func shortID(id string) string {
	if len(id) > 10 {
		return id[:10]
	}
	return id
}

func renderDecisionsSection(decisions []models.Decision, state risk.RiskState) string {
	var content strings.Builder
	fmt.Fprintf(&content, "  Риск: %s\n", state)
	if len(decisions) == 0 {
		content.WriteString("  Ожидание закрытого бара...\n")
	}
	for i := len(decisions) - 1; i >= 0; i-- {
		d := decisions[i]
		verdict := lipgloss.NewStyle().Foreground(successColor).Render("ВХОД")
		if !d.Taken {
			verdict = lipgloss.NewStyle().Foreground(warningColor).Render("пропуск: " + d.Reason)
		}
		fmt.Fprintf(&content, "  %s %s %.2f %s %s %s\n",
			d.Time.UTC().Format("02.01 15:04"),
			directionStyle(d.Direction).Render(fmt.Sprintf("%-5s", d.Direction)),
			d.Price, d.Regime, d.Structure, verdict)
	}
	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render("РЕШЕНИЯ"), content.String()))
}

// Методы для bubbletea
func (m bubbleModel) Init() tea.Cmd {
	return m.ui.tick()
}

func (m bubbleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up":
			m.ui.selected = max(0, m.ui.selected-1)
		case "down":
			m.ui.selected = min(max(0, len(m.ui.orders.Summary().Orders)-1), m.ui.selected+1)
		case "r":
			_ = m.ui.loadLogsFromFile()
		}

	case tea.WindowSizeMsg:
		m.ui.width = msg.Width
		m.ui.height = msg.Height

	case refreshMsg:
		_ = m.ui.loadLogsFromFile()
		return m, m.ui.tick()
	}

	return m, nil
}

func (m bubbleModel) View() string {
	m.ui.logsMutex.RLock()
	defer m.ui.logsMutex.RUnlock()

	return appStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("SQE - торговый движок"),
			"\n",
			renderOrdersSection(m.ui.orders.Summary(), m.ui.selected),
			renderDecisionsSection(m.ui.loop.Decisions(), m.ui.loop.RiskState()),
			renderLogsSection(m.ui.logs, m.ui.config.MaxLogLines),
			footerStyle.Render("Клавиши: ↑/↓ - навигация, R - перезагрузить логи, Q - выход"),
		),
	)
}
