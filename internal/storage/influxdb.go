package storage

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/pkg/models"
)

// Storage хранилище рыночных данных и результатов
type Storage interface {
	// Методы для свечей
	SaveBars(ctx context.Context, symbol, timeframe string, bars []models.Bar) error
	Load(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]models.Bar, error)

	// Методы для ставок финансирования
	SaveFundingRates(ctx context.Context, rates []*models.FundingRate) error
	GetFundingRates(ctx context.Context, symbol string, limit int) ([]*models.FundingRate, error)

	// Решения и сделки
	SaveDecision(ctx context.Context, d models.Decision) error
	SaveTrades(ctx context.Context, trades []models.Trade) error

	Close()
}

// InfluxDBStorage реализует интерфейс Storage с использованием InfluxDB
type InfluxDBStorage struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	writeAPI api.WriteAPIBlocking
	org      string
	bucket   string
}

// NewInfluxDBStorage создает новое хранилище InfluxDB
func NewInfluxDBStorage(cfg config.StorageConfig) (*InfluxDBStorage, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Проверка соединения
	health, err := client.Health(context.Background())
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ошибка соединения с InfluxDB: %w", err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("InfluxDB не в состоянии 'pass': %+v", health)
	}

	return &InfluxDBStorage{
		client:   client,
		queryAPI: client.QueryAPI(cfg.Organization),
		writeAPI: client.WriteAPIBlocking(cfg.Organization, cfg.Bucket),
		org:      cfg.Organization,
		bucket:   cfg.Bucket,
	}, nil
}

// Close закрывает соединение с базой данных
func (s *InfluxDBStorage) Close() {
	s.client.Close()
}

func barPoint(symbol, timeframe string, b models.Bar) *write.Point {
	return influxdb2.NewPoint(
		"candles",
		map[string]string{
			"symbol":   symbol,
			"interval": timeframe,
		},
		map[string]interface{}{
			"open":   b.Open,
			"high":   b.High,
			"low":    b.Low,
			"close":  b.Close,
			"volume": b.Volume,
		},
		b.Time,
	)
}

// SaveBars сохраняет свечи; повторная запись той же свечи перезаписывает точку
func (s *InfluxDBStorage) SaveBars(ctx context.Context, symbol, timeframe string, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(bars))
	for _, b := range bars {
		points = append(points, barPoint(symbol, timeframe, b))
	}
	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("ошибка записи свечей: %w", err)
	}
	return nil
}

// Load получает свечи в диапазоне [start, end] по возрастанию времени
func (s *InfluxDBStorage) Load(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]models.Bar, error) {
	// Формируем Flux-запрос
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: %s, stop: %s)
			|> filter(fn: (r) => r._measurement == "candles")
			|> filter(fn: (r) => r.symbol == "%s")
			|> filter(fn: (r) => r.interval == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> sort(columns: ["_time"])
	`, s.bucket, start.UTC().Format(time.RFC3339), end.UTC().Add(time.Second).Format(time.RFC3339), symbol, timeframe)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса свечей: %w", err)
	}
	defer result.Close()

	var bars []models.Bar
	for result.Next() {
		record := result.Record()

		open, _ := record.ValueByKey("open").(float64)
		high, _ := record.ValueByKey("high").(float64)
		low, _ := record.ValueByKey("low").(float64)
		closePrice, _ := record.ValueByKey("close").(float64)
		volume, _ := record.ValueByKey("volume").(float64)

		bars = append(bars, models.Bar{
			Time:   record.Time().UTC(),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: volume,
		})
	}

	// Проверяем на ошибки при обработке результатов
	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}
	return bars, nil
}

// SaveFundingRates сохраняет ставки финансирования
func (s *InfluxDBStorage) SaveFundingRates(ctx context.Context, rates []*models.FundingRate) error {
	points := make([]*write.Point, 0, len(rates))
	for _, rate := range rates {
		points = append(points, influxdb2.NewPoint(
			"funding_rates",
			map[string]string{
				"symbol": rate.Symbol,
			},
			map[string]interface{}{
				"rate": rate.Rate,
			},
			rate.Timestamp,
		))
	}
	if len(points) == 0 {
		return nil
	}
	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("ошибка записи ставок финансирования: %w", err)
	}
	return nil
}

// GetFundingRates получает историю ставок финансирования, самая свежая первой
func (s *InfluxDBStorage) GetFundingRates(ctx context.Context, symbol string, limit int) ([]*models.FundingRate, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -14d)
			|> filter(fn: (r) => r._measurement == "funding_rates")
			|> filter(fn: (r) => r.symbol == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> sort(columns: ["_time"], desc: true)
			|> limit(n: %d)
	`, s.bucket, symbol, limit)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса ставок финансирования: %w", err)
	}
	defer result.Close()

	var rates []*models.FundingRate
	for result.Next() {
		record := result.Record()
		rate, _ := record.ValueByKey("rate").(string)
		rates = append(rates, &models.FundingRate{
			Symbol:    symbol,
			Rate:      rate,
			Timestamp: record.Time(),
		})
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}
	return rates, nil
}

// SaveDecision сохраняет решение по закрытому бару
func (s *InfluxDBStorage) SaveDecision(ctx context.Context, d models.Decision) error {
	point := influxdb2.NewPoint(
		"decisions",
		map[string]string{
			"symbol":    d.Symbol,
			"direction": string(d.Direction),
		},
		map[string]interface{}{
			"taken":     d.Taken,
			"reason":    d.Reason,
			"price":     d.Price,
			"regime":    string(d.Regime),
			"structure": string(d.Structure),
		},
		d.Time,
	)
	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("ошибка записи решения: %w", err)
	}
	return nil
}

// SaveTrades сохраняет закрытые сделки
func (s *InfluxDBStorage) SaveTrades(ctx context.Context, trades []models.Trade) error {
	points := make([]*write.Point, 0, len(trades))
	for _, t := range trades {
		points = append(points, influxdb2.NewPoint(
			"trades",
			map[string]string{
				"symbol":    t.Symbol,
				"direction": string(t.Direction),
				"outcome":   string(t.Outcome),
				"regime":    string(t.Regime),
				"session":   t.Session,
			},
			map[string]interface{}{
				"id":          t.ID,
				"entry":       t.EntryPrice,
				"exit":        t.ExitPrice,
				"stop":        t.StopLoss,
				"target":      t.TakeProfit,
				"units":       t.Units,
				"pnl":         t.PnL,
				"pnl_r":       t.PnLR,
				"holding_sec": t.Holding().Seconds(),
			},
			t.OpenTime,
		))
	}
	if len(points) == 0 {
		return nil
	}
	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("ошибка записи сделок: %w", err)
	}
	return nil
}

// IntervalDuration конвертирует строковый интервал в duration
func IntervalDuration(interval string) (time.Duration, error) {
	switch interval {
	case "1m":
		return time.Minute, nil
	case "3m":
		return 3 * time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "30m":
		return 30 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "2h":
		return 2 * time.Hour, nil
	case "4h":
		return 4 * time.Hour, nil
	case "6h":
		return 6 * time.Hour, nil
	case "8h":
		return 8 * time.Hour, nil
	case "12h":
		return 12 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	case "3d":
		return 72 * time.Hour, nil
	case "1w":
		return 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("неизвестный интервал %q", interval)
}
