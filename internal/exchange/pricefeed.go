package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/skalibog/sqe/pkg/logger"
	"github.com/skalibog/sqe/pkg/models"
	"go.uber.org/zap"
)

// bookTickerEvent сообщение потока <symbol>@bookTicker
// Ключи e/E, b/B, a/A различаются только регистром, а encoding/json сравнивает
// их без учета регистра, поэтому каждая пара объявлена явно
type bookTickerEvent struct {
	Event        string `json:"e"`
	UpdateID     int64  `json:"u"`
	Symbol       string `json:"s"`
	BidPrice     string `json:"b"`
	BidQty       string `json:"B"`
	AskPrice     string `json:"a"`
	AskQty       string `json:"A"`
	TransactTime int64  `json:"T"`
	EventTime    int64  `json:"E"`
}

// PriceFeed поток лучших цен через websocket
type PriceFeed struct {
	url string
}

// NewPriceFeed создает поток для символа
func NewPriceFeed(streamURL, symbol string) *PriceFeed {
	return &PriceFeed{
		url: fmt.Sprintf("%s/%s@bookTicker", strings.TrimRight(streamURL, "/"), strings.ToLower(symbol)),
	}
}

// Run читает котировки в out до отмены контекста или ошибки соединения.
// Переподключение выполняет вызывающий.
func (f *PriceFeed) Run(ctx context.Context, out chan<- models.Quote) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("ошибка подключения к потоку цен: %w", err)
	}
	defer conn.Close()
	logger.Info("Подключен поток цен", zap.String("url", f.url))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ошибка чтения потока цен: %w", err)
		}

		quote, err := decodeBookTicker(data)
		if err != nil {
			logger.Warn("Некорректное сообщение потока цен", zap.Error(err))
			continue
		}

		select {
		case out <- quote:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func decodeBookTicker(data []byte) (models.Quote, error) {
	var ev bookTickerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return models.Quote{}, err
	}
	ts := ev.TransactTime
	if ts == 0 {
		ts = ev.EventTime
	}
	return parseQuote(ev.BidPrice, ev.AskPrice, time.UnixMilli(ts).UTC())
}
