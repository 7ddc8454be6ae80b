package risk

import (
	"fmt"
	"time"

	"github.com/skalibog/sqe/internal/config"
)

// NoSession имя сессии, когда окна не настроены
const NoSession = "ALL"

type window struct {
	name    string
	start   time.Duration
	end     time.Duration
	entries bool
}

// contains проверяет время суток; окно может переходить через полночь
func (w window) contains(offset time.Duration) bool {
	if w.start <= w.end {
		return offset >= w.start && offset < w.end
	}
	return offset >= w.start || offset < w.end
}

// Sessions именованные торговые окна в UTC
type Sessions struct {
	windows []window
}

// NewSessions разбирает окна из конфигурации
func NewSessions(cfg []config.SessionWindow) (*Sessions, error) {
	s := &Sessions{}
	for _, w := range cfg {
		start, err := config.ParseClock(w.Start)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", w.Name, err)
		}
		end, err := config.ParseClock(w.End)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", w.Name, err)
		}
		s.windows = append(s.windows, window{name: w.Name, start: start, end: end, entries: w.Entries})
	}
	return s, nil
}

// Of возвращает имя сессии для момента t и разрешены ли в ней входы.
// Без настроенных окон любой момент относится к NoSession с разрешенными входами.
// Момент вне всех окон дает пустое имя и запрет входа.
func (s *Sessions) Of(t time.Time) (string, bool) {
	if len(s.windows) == 0 {
		return NoSession, true
	}
	t = t.UTC()
	offset := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
	for _, w := range s.windows {
		if w.contains(offset) {
			return w.name, w.entries
		}
	}
	return "", false
}
