package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/pkg/logger"
	"github.com/skalibog/sqe/pkg/models"
	"go.uber.org/zap"
)

// максимальный размер страницы свечей фьючерсного API
const klinesPageLimit = 1500

// префиксы client order id: вход, стоп, цель
const (
	prefixEntry  = "e"
	prefixStop   = "s"
	prefixTarget = "t"
)

// длина trade id: префикс, id, '-' и наносекунды в base36 укладываются в 36 символов client order id
const tradeIDLen = 20

// ErrNoPosition на бирже нет открытой позиции
var ErrNoPosition = errors.New("no open position")

// ErrNettedPositions в одностороннем режиме биржа сводит сделки в одну позицию по символу
var ErrNettedPositions = errors.New("binance one-way mode holds a single position per symbol")

// BinanceClient клиент для взаимодействия с Binance Futures: источник баров и брокер
type BinanceClient struct {
	futures *futures.Client
	symbol  string
	config  config.BinanceConfig
}

// NewBinanceClient создает новый клиент Binance
func NewBinanceClient(cfg config.BinanceConfig, symbol string) *BinanceClient {
	futures.UseTestnet = cfg.Testnet
	return &BinanceClient{
		futures: binance.NewFuturesClient(cfg.APIKey, cfg.APISecret),
		symbol:  symbol,
		config:  cfg,
	}
}

// Load загружает закрытые свечи в [start, end] постранично
func (c *BinanceClient) Load(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]models.Bar, error) {
	var bars []models.Bar
	from := start.UnixMilli()
	to := end.UnixMilli()

	for from <= to {
		klines, err := c.futures.NewKlinesService().
			Symbol(symbol).
			Interval(timeframe).
			StartTime(from).
			EndTime(to).
			Limit(klinesPageLimit).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("ошибка получения свечей: %w", err)
		}

		for _, k := range klines {
			if k.CloseTime > to {
				// свеча еще формируется
				continue
			}
			bar, err := parseKline(k)
			if err != nil {
				return nil, err
			}
			if n := len(bars); n > 0 && !bar.Time.After(bars[n-1].Time) {
				continue
			}
			bars = append(bars, bar)
		}

		if len(klines) < klinesPageLimit {
			break
		}
		from = klines[len(klines)-1].OpenTime + 1
	}

	logger.Debug("Загружены свечи",
		zap.String("symbol", symbol),
		zap.String("timeframe", timeframe),
		zap.Int("bars", len(bars)))
	return bars, nil
}

func parseKline(k *futures.Kline) (models.Bar, error) {
	var values [5]float64
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return models.Bar{}, fmt.Errorf("ошибка парсинга свечи %d: %w", k.OpenTime, err)
		}
		values[i] = v
	}
	return models.Bar{
		Time:   time.UnixMilli(k.OpenTime).UTC(),
		Open:   values[0],
		High:   values[1],
		Low:    values[2],
		Close:  values[3],
		Volume: values[4],
	}, nil
}

func (c *BinanceClient) quantity(units float64) string {
	return decimal.NewFromFloat(units).Truncate(c.config.QuantityPrecision).StringFixed(c.config.QuantityPrecision)
}

func (c *BinanceClient) price(p float64) string {
	return decimal.NewFromFloat(p).Round(c.config.PricePrecision).StringFixed(c.config.PricePrecision)
}

func side(dir models.Direction) futures.SideType {
	if dir == models.Long {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func opposite(dir models.Direction) futures.SideType {
	if dir == models.Long {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

// refused отказ биржи (ошибка API) не является ошибкой соединения
func refused(err error) bool {
	return common.IsAPIError(err)
}

// CheckRisk отклоняет настройки риска, которые нельзя исполнить на одной нетто-позиции
func (c *BinanceClient) CheckRisk(cfg config.RiskConfig) error {
	if cfg.MaxConcurrent > 1 {
		return fmt.Errorf("%w: max_concurrent %d", ErrNettedPositions, cfg.MaxConcurrent)
	}
	return nil
}

// protectiveID client order id защитного ордера; суффикс отличает замену от старого ордера
func protectiveID(prefix, tradeID string, at time.Time) string {
	return prefix + tradeID + "-" + strconv.FormatInt(at.UnixNano(), 36)
}

// tradeIDOf trade id из client order id защитного ордера
func tradeIDOf(clientID, prefix string) (string, bool) {
	if !strings.HasPrefix(clientID, prefix) {
		return "", false
	}
	id, _, _ := strings.Cut(strings.TrimPrefix(clientID, prefix), "-")
	return id, id != ""
}

// Submit открывает позицию рыночным ордером и ставит защитные стоп и цель.
// Если защиту поставить не удалось, позиция закрывается и вход считается отклоненным;
// если не удалось и закрыть, исполнение возвращается, чтобы сделку взял под управление менеджер.
func (c *BinanceClient) Submit(ctx context.Context, dir models.Direction, units, stop, target float64) (models.SubmitResult, error) {
	tradeID := strings.ReplaceAll(uuid.NewString(), "-", "")[:tradeIDLen]

	res, err := c.futures.NewCreateOrderService().
		Symbol(c.symbol).
		Side(side(dir)).
		Type(futures.OrderTypeMarket).
		Quantity(c.quantity(units)).
		NewClientOrderID(prefixEntry + tradeID).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		if refused(err) {
			logger.Warn("Биржа отклонила ордер на вход", zap.Error(err))
			return models.SubmitResult{Success: false}, nil
		}
		return models.SubmitResult{}, fmt.Errorf("ошибка отправки ордера: %w", err)
	}

	fill, err := strconv.ParseFloat(res.AvgPrice, 64)
	if err != nil || fill == 0 {
		fill, _ = strconv.ParseFloat(res.Price, 64)
	}
	filled := models.SubmitResult{Success: true, FillPrice: fill, TradeID: tradeID}

	now := time.Now()
	err = c.placeProtective(ctx, dir, protectiveID(prefixStop, tradeID, now), futures.OrderTypeStopMarket, stop, units)
	if err == nil {
		err = c.placeProtective(ctx, dir, protectiveID(prefixTarget, tradeID, now), futures.OrderTypeTakeProfitMarket, target, units)
	}
	if err != nil {
		logger.Error("Не удалось поставить защитные ордера, позиция закрывается",
			zap.String("trade_id", tradeID), zap.Error(err))
		if ferr := c.flatten(ctx, dir, tradeID, units); ferr != nil {
			logger.Error("Не удалось закрыть позицию без защиты, она передается под управление",
				zap.String("trade_id", tradeID), zap.Error(ferr))
			return filled, nil
		}
		return models.SubmitResult{Success: false}, nil
	}

	logger.Info("Позиция открыта",
		zap.String("trade_id", tradeID),
		zap.String("direction", string(dir)),
		zap.Float64("fill", fill),
		zap.Float64("stop", stop),
		zap.Float64("target", target))
	return filled, nil
}

// flatten закрывает только что открытую позицию и снимает ее защитные ордера
func (c *BinanceClient) flatten(ctx context.Context, dir models.Direction, tradeID string, units float64) error {
	_, err := c.futures.NewCreateOrderService().
		Symbol(c.symbol).
		Side(opposite(dir)).
		Type(futures.OrderTypeMarket).
		Quantity(c.quantity(units)).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("ошибка закрытия позиции: %w", err)
	}
	for _, prefix := range []string{prefixStop, prefixTarget} {
		if err := c.cancelProtective(ctx, prefix, tradeID, ""); err != nil {
			return err
		}
	}
	return nil
}

// placeProtective ставит reduce-only ордер с количеством, а не closePosition:
// биржа не держит два closePosition-ордера одного типа, а замена ставится до отмены старого
func (c *BinanceClient) placeProtective(ctx context.Context, dir models.Direction, clientID string, typ futures.OrderType, price, units float64) error {
	_, err := c.futures.NewCreateOrderService().
		Symbol(c.symbol).
		Side(opposite(dir)).
		Type(typ).
		StopPrice(c.price(price)).
		Quantity(c.quantity(units)).
		ReduceOnly(true).
		NewClientOrderID(clientID).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("ошибка установки защитного ордера %s: %w", clientID, err)
	}
	return nil
}

// cancelProtective снимает защитные ордера сделки данного вида, кроме keep
func (c *BinanceClient) cancelProtective(ctx context.Context, prefix, tradeID, keep string) error {
	orders, err := c.futures.NewListOpenOrdersService().
		Symbol(c.symbol).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("ошибка получения открытых ордеров: %w", err)
	}
	for _, o := range orders {
		if id, ok := tradeIDOf(o.ClientOrderID, prefix); !ok || id != tradeID || o.ClientOrderID == keep {
			continue
		}
		_, err := c.futures.NewCancelOrderService().
			Symbol(c.symbol).
			OrderID(o.OrderID).
			Do(ctx)
		if err != nil && !refused(err) {
			return fmt.Errorf("ошибка отмены ордера %s: %w", o.ClientOrderID, err)
		}
	}
	return nil
}

// Modify переставляет стоп и/или цель: новый ордер ставится до отмены старого,
// поэтому позиция не остается без защиты. false, если биржа отклонила изменение.
func (c *BinanceClient) Modify(ctx context.Context, tradeID string, stop, target *float64) (bool, error) {
	pos, err := c.position(ctx)
	if err != nil {
		return false, err
	}

	replace := func(prefix string, typ futures.OrderType, price float64) (bool, error) {
		clientID := protectiveID(prefix, tradeID, time.Now())
		if err := c.placeProtective(ctx, pos.Direction, clientID, typ, price, pos.Units); err != nil {
			if refused(errors.Unwrap(err)) {
				logger.Warn("Биржа отклонила защитный ордер", zap.String("trade_id", tradeID), zap.Error(err))
				return false, nil
			}
			return false, err
		}
		if err := c.cancelProtective(ctx, prefix, tradeID, clientID); err != nil {
			logger.Warn("Старый защитный ордер не снят", zap.String("trade_id", tradeID), zap.Error(err))
		}
		return true, nil
	}

	if stop != nil {
		if ok, err := replace(prefixStop, futures.OrderTypeStopMarket, *stop); !ok || err != nil {
			return ok, err
		}
	}
	if target != nil {
		if ok, err := replace(prefixTarget, futures.OrderTypeTakeProfitMarket, *target); !ok || err != nil {
			return ok, err
		}
	}
	return true, nil
}

// Close закрывает позицию полностью (units == nil) или частично reduce-only ордером
func (c *BinanceClient) Close(ctx context.Context, tradeID string, units *float64) (bool, error) {
	pos, err := c.position(ctx)
	if errors.Is(err, ErrNoPosition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	qty := pos.Units
	if units != nil {
		qty = math.Min(*units, pos.Units)
	}

	_, err = c.futures.NewCreateOrderService().
		Symbol(c.symbol).
		Side(opposite(pos.Direction)).
		Type(futures.OrderTypeMarket).
		Quantity(c.quantity(qty)).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		if refused(err) {
			logger.Warn("Биржа отклонила закрытие", zap.String("trade_id", tradeID), zap.Error(err))
			return false, nil
		}
		return false, fmt.Errorf("ошибка закрытия позиции: %w", err)
	}

	if units == nil {
		for _, prefix := range []string{prefixStop, prefixTarget} {
			if err := c.cancelProtective(ctx, prefix, tradeID, ""); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

// CurrentPrice лучшие bid/ask
func (c *BinanceClient) CurrentPrice(ctx context.Context) (models.Quote, error) {
	tickers, err := c.futures.NewListBookTickersService().
		Symbol(c.symbol).
		Do(ctx)
	if err != nil {
		return models.Quote{}, fmt.Errorf("ошибка получения котировки: %w", err)
	}
	if len(tickers) == 0 {
		return models.Quote{}, fmt.Errorf("нет котировки для %s", c.symbol)
	}
	return parseQuote(tickers[0].BidPrice, tickers[0].AskPrice, time.Now().UTC())
}

func parseQuote(bidStr, askStr string, at time.Time) (models.Quote, error) {
	bid, err := strconv.ParseFloat(bidStr, 64)
	if err != nil {
		return models.Quote{}, fmt.Errorf("ошибка парсинга bid: %w", err)
	}
	ask, err := strconv.ParseFloat(askStr, 64)
	if err != nil {
		return models.Quote{}, fmt.Errorf("ошибка парсинга ask: %w", err)
	}
	return models.Quote{Bid: bid, Ask: ask, Time: at}, nil
}

// OpenTrades открытая позиция по символу; trade id восстанавливается по защитным ордерам
func (c *BinanceClient) OpenTrades(ctx context.Context) ([]models.Position, error) {
	pos, err := c.position(ctx)
	if errors.Is(err, ErrNoPosition) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	orders, err := c.futures.NewListOpenOrdersService().
		Symbol(c.symbol).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения открытых ордеров: %w", err)
	}
	for _, o := range orders {
		if id, ok := tradeIDOf(o.ClientOrderID, prefixStop); ok {
			pos.TradeID = id
			break
		}
	}
	return []models.Position{pos}, nil
}

func (c *BinanceClient) position(ctx context.Context) (models.Position, error) {
	risks, err := c.futures.NewGetPositionRiskService().
		Symbol(c.symbol).
		Do(ctx)
	if err != nil {
		return models.Position{}, fmt.Errorf("ошибка получения позиции: %w", err)
	}
	for _, r := range risks {
		amt, err := strconv.ParseFloat(r.PositionAmt, 64)
		if err != nil {
			return models.Position{}, fmt.Errorf("ошибка парсинга позиции: %w", err)
		}
		if amt == 0 {
			continue
		}
		entry, err := strconv.ParseFloat(r.EntryPrice, 64)
		if err != nil {
			return models.Position{}, fmt.Errorf("ошибка парсинга цены входа: %w", err)
		}
		dir := models.Long
		if amt < 0 {
			dir = models.Short
		}
		return models.Position{Direction: dir, Units: math.Abs(amt), EntryPrice: entry}, nil
	}
	return models.Position{}, ErrNoPosition
}

// GetOrderBook получает стакан заявок
func (c *BinanceClient) GetOrderBook(ctx context.Context, limit int) (*models.OrderBook, error) {
	ob, err := c.futures.NewDepthService().
		Symbol(c.symbol).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения стакана: %w", err)
	}

	orderBook := &models.OrderBook{
		Symbol:    c.symbol,
		Timestamp: time.Now().UTC(),
		Bids:      make([]models.OrderBookLevel, len(ob.Bids)),
		Asks:      make([]models.OrderBookLevel, len(ob.Asks)),
	}
	for i, bid := range ob.Bids {
		orderBook.Bids[i] = models.OrderBookLevel{Price: bid.Price, Amount: bid.Quantity}
	}
	for i, ask := range ob.Asks {
		orderBook.Asks[i] = models.OrderBookLevel{Price: ask.Price, Amount: ask.Quantity}
	}
	return orderBook, nil
}

// GetFundingRates история ставок финансирования, самая свежая первой
func (c *BinanceClient) GetFundingRates(ctx context.Context, limit int) ([]*models.FundingRate, error) {
	rates, err := c.futures.NewFundingRateService().
		Symbol(c.symbol).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения ставок финансирования: %w", err)
	}

	out := make([]*models.FundingRate, 0, len(rates))
	for _, r := range rates {
		out = append(out, &models.FundingRate{
			Symbol:    r.Symbol,
			Rate:      r.FundingRate,
			Timestamp: time.UnixMilli(r.FundingTime).UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}
