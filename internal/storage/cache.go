package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/skalibog/sqe/pkg/logger"
	"github.com/skalibog/sqe/pkg/models"
	"go.uber.org/zap"
)

// BarSource источник баров
type BarSource interface {
	Load(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]models.Bar, error)
}

type cacheKey struct {
	symbol    string
	timeframe string
	start     int64
	end       int64
}

type cacheEntry struct {
	bars    []models.Bar
	expires time.Time
}

// BarCache кэш загруженных баров с TTL и явной инвалидацией
type BarCache struct {
	source BarSource
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
}

// NewBarCache оборачивает источник баров
func NewBarCache(source BarSource, ttl time.Duration) *BarCache {
	return &BarCache{
		source:  source,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[cacheKey]cacheEntry),
	}
}

// Load возвращает бары из кэша или загружает их из источника.
// Возвращаемый срез общий для всех вызывающих и не должен изменяться.
func (c *BarCache) Load(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]models.Bar, error) {
	key := cacheKey{symbol: symbol, timeframe: timeframe, start: start.UnixNano(), end: end.UnixNano()}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.bars, nil
	}
	c.mu.Unlock()

	bars, err := c.source.Load(ctx, symbol, timeframe, start, end)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки баров: %w", err)
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{bars: bars, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()

	logger.Debug("Бары загружены в кэш",
		zap.String("symbol", symbol),
		zap.String("timeframe", timeframe),
		zap.Int("bars", len(bars)))
	return bars, nil
}

// Invalidate удаляет все записи символа и таймфрейма
func (c *BarCache) Invalidate(symbol, timeframe string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.symbol == symbol && k.timeframe == timeframe {
			delete(c.entries, k)
		}
	}
}

// Purge удаляет просроченные записи
func (c *BarCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len число записей
func (c *BarCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
