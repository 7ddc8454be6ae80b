// Package news блокирует входы вокруг экономических событий.
package news

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/pkg/logger"
	"github.com/skalibog/sqe/pkg/models"
	"go.uber.org/zap"
)

// Действия окна события
const (
	ActionNoTrade    = "NO_TRADE"
	ActionReduceSize = "REDUCE_SIZE"
	ActionNone       = "NONE"
)

// Zone окно вокруг одного события
type Zone struct {
	Start  time.Time
	End    time.Time
	Action string
	Event  string
}

// Filter новостной фильтр по календарю
type Filter struct {
	config    config.NewsConfig
	zones     []Zone
	overrides []string
}

// NewFilter строит окна для событий календаря
func NewFilter(cfg config.NewsConfig, events []models.CalendarEvent) *Filter {
	f := &Filter{config: cfg}

	for name := range cfg.Overrides {
		f.overrides = append(f.overrides, name)
	}
	// более длинное совпадение важнее; порядок фиксирован
	sort.Slice(f.overrides, func(i, j int) bool {
		if len(f.overrides[i]) != len(f.overrides[j]) {
			return len(f.overrides[i]) > len(f.overrides[j])
		}
		return f.overrides[i] < f.overrides[j]
	})

	for _, e := range events {
		if z, ok := f.zone(e); ok {
			f.zones = append(f.zones, z)
		}
	}
	sort.Slice(f.zones, func(i, j int) bool { return f.zones[i].Start.Before(f.zones[j].Start) })
	return f
}

// LoadCalendar читает события из JSON файла
func LoadCalendar(path string) ([]models.CalendarEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения календаря: %w", err)
	}
	var events []models.CalendarEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("ошибка разбора календаря: %w", err)
	}
	logger.Info("Загружен экономический календарь", zap.String("path", path), zap.Int("events", len(events)))
	return events, nil
}

func (f *Filter) zone(e models.CalendarEvent) (Zone, bool) {
	w, ok := f.window(e)
	if !ok || w.Action == ActionNone || w.Action == "" {
		return Zone{}, false
	}
	t := e.Time.UTC()
	return Zone{
		Start:  t.Add(-time.Duration(w.PreMinutes) * time.Minute),
		End:    t.Add(time.Duration(w.PostMinutes) * time.Minute),
		Action: w.Action,
		Event:  e.Name,
	}, true
}

// window окно события: сначала переопределение по имени, затем по важности
func (f *Filter) window(e models.CalendarEvent) (config.NewsWindow, bool) {
	name := strings.ToLower(e.Name)
	for _, key := range f.overrides {
		if strings.Contains(name, strings.ToLower(key)) {
			return f.config.Overrides[key], true
		}
	}
	switch strings.ToLower(e.Impact) {
	case "high":
		return f.config.HighImpact, true
	case "medium":
		return f.config.MediumImpact, true
	}
	return config.NewsWindow{}, false
}

// Blackout true, если момент t попадает в окно NO_TRADE
func (f *Filter) Blackout(t time.Time) bool {
	return f.SizeMultiplier(t) == 0
}

// SizeMultiplier множитель размера позиции: 0 в окне NO_TRADE, 0.5 в окне REDUCE_SIZE, иначе 1
func (f *Filter) SizeMultiplier(t time.Time) float64 {
	if !f.config.Enabled {
		return 1
	}
	mult := 1.0
	for _, z := range f.zones {
		if z.Start.After(t) {
			break
		}
		if t.After(z.End) {
			continue
		}
		switch z.Action {
		case ActionNoTrade:
			return 0
		case ActionReduceSize:
			mult = 0.5
		}
	}
	return mult
}

// Zones окна событий, упорядоченные по началу
func (f *Filter) Zones() []Zone {
	return f.zones
}
