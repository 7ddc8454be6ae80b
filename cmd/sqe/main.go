package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/skalibog/sqe/internal/analysis/news"
	"github.com/skalibog/sqe/internal/backtest"
	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/internal/exchange"
	"github.com/skalibog/sqe/internal/live"
	"github.com/skalibog/sqe/internal/metrics"
	"github.com/skalibog/sqe/internal/order"
	"github.com/skalibog/sqe/internal/storage"
	"github.com/skalibog/sqe/internal/ui"
	"github.com/skalibog/sqe/pkg/logger"
	"github.com/skalibog/sqe/pkg/models"
	"go.uber.org/zap"
)

const usage = `Использование: sqe <команда> [флаги]

Команды:
  backtest  прогон стратегии по истории
  sweep     параллельный перебор множителей стопа и цели
  live      торговля в реальном времени
  fetch     загрузка истории с Binance в InfluxDB
`

type options struct {
	configPath string
	days       int
	source     string
	out        string
	sl         string
	tp         string
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]

	// Обработка флагов командной строки
	var opts options
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	fs.StringVar(&opts.configPath, "config", "config.yaml", "путь к файлу конфигурации")
	fs.IntVar(&opts.days, "days", 0, "глубина истории в днях (0 - из конфигурации)")
	fs.StringVar(&opts.source, "source", "binance", "источник баров: binance | influx")
	fs.StringVar(&opts.out, "out", "", "файл для JSON-отчета (по умолчанию stdout)")
	fs.StringVar(&opts.sl, "sl", "0.75,1,1.5,2", "множители стопа для sweep")
	fs.StringVar(&opts.tp, "tp", "1.5,2,3", "множители цели для sweep")
	_ = fs.Parse(os.Args[2:])

	// Загружаем конфигурацию
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}
	if opts.days <= 0 {
		opts.days = cfg.Backtest.Days
	}

	if err := logger.Init(logger.Options{
		Level:    cfg.Logging.Level,
		File:     cfg.Logging.File,
		JSONFile: cfg.Logging.JSONFile,
		Console:  cfg.Logging.Console && !(command == "live" && cfg.UI.Enabled),
		Truncate: cfg.Logging.Truncate,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка инициализации логгера: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Настраиваем обработку сигналов завершения
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Завершение работы...", zap.String("signal", sig.String()))
		cancel()
	}()

	switch command {
	case "backtest":
		err = runBacktest(ctx, cfg, opts)
	case "sweep":
		err = runSweep(ctx, cfg, opts)
	case "live":
		err = runLive(ctx, cfg)
	case "fetch":
		err = runFetch(ctx, cfg, opts)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("Команда завершилась с ошибкой", zap.String("command", command), zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

// openSource источник баров с кэшем
func openSource(cfg *config.Config, source string) (*storage.BarCache, func(), error) {
	switch source {
	case "binance":
		client := exchange.NewBinanceClient(cfg.Binance, cfg.Symbol)
		return storage.NewBarCache(client, cfg.Storage.CacheTTL), func() {}, nil
	case "influx":
		store, err := storage.NewInfluxDBStorage(cfg.Storage)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewBarCache(store, cfg.Storage.CacheTTL), store.Close, nil
	}
	return nil, nil, fmt.Errorf("неизвестный источник баров %q", source)
}

func loadHistory(ctx context.Context, src storage.BarSource, cfg *config.Config, days int) ([]models.Bar, []models.Bar, error) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)

	bars, err := src.Load(ctx, cfg.Symbol, cfg.Timeframe, start, end)
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка загрузки баров %s: %w", cfg.Timeframe, err)
	}
	var htf []models.Bar
	if cfg.HTFTimeframe != "" {
		htf, err = src.Load(ctx, cfg.Symbol, cfg.HTFTimeframe, start, end)
		if err != nil {
			return nil, nil, fmt.Errorf("ошибка загрузки баров %s: %w", cfg.HTFTimeframe, err)
		}
	}
	logger.Info("Загружена история",
		zap.String("symbol", cfg.Symbol),
		zap.Int("bars", len(bars)),
		zap.Int("htf_bars", len(htf)),
		zap.Int("days", days))
	return bars, htf, nil
}

// newsFilter фильтр новостей из календаря; nil, если фильтр выключен
func newsFilter(cfg *config.Config) (*news.Filter, error) {
	if !cfg.Filters.News.Enabled {
		return nil, nil
	}
	events, err := news.LoadCalendar(cfg.Filters.News.CalendarPath)
	if err != nil {
		return nil, err
	}
	return news.NewFilter(cfg.Filters.News, events), nil
}

func runBacktest(ctx context.Context, cfg *config.Config, opts options) error {
	src, closeSrc, err := openSource(cfg, opts.source)
	if err != nil {
		return err
	}
	defer closeSrc()

	bars, htf, err := loadHistory(ctx, src, cfg, opts.days)
	if err != nil {
		return err
	}

	var runOpts backtest.Options
	filter, err := newsFilter(cfg)
	if err != nil {
		return err
	}
	if filter != nil {
		runOpts.Filters.News = filter
	}

	res, err := backtest.RunWith(bars, htf, cfg, runOpts)
	if err != nil {
		return err
	}
	logger.Info("Бэктест завершен",
		zap.Int("candidates", res.Candidates),
		zap.Int("trades", res.Report.Overall.Trades),
		zap.Float64("total_r", res.Report.Overall.TotalR),
		zap.Float64("win_rate", res.Report.Overall.WinRate),
		zap.String("risk", res.State.String()))

	if cfg.Journal.Enabled && len(res.Trades) > 0 {
		journal, err := storage.NewJournal(ctx, cfg.Journal)
		if err != nil {
			return err
		}
		defer journal.Close()
		if err := journal.Record(ctx, res.Trades); err != nil {
			return err
		}
	}

	return writeJSON(opts.out, res.Report)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func parseFloats(s string) ([]float64, error) {
	var out []float64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("некорректное число %q: %w", part, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func runSweep(ctx context.Context, cfg *config.Config, opts options) error {
	slValues, err := parseFloats(opts.sl)
	if err != nil {
		return err
	}
	tpValues, err := parseFloats(opts.tp)
	if err != nil {
		return err
	}

	src, closeSrc, err := openSource(cfg, opts.source)
	if err != nil {
		return err
	}
	defer closeSrc()

	bars, htf, err := loadHistory(ctx, src, cfg, opts.days)
	if err != nil {
		return err
	}

	results, err := backtest.Sweep(ctx, bars, htf, cfg, backtest.Grid(slValues, tpValues), cfg.Backtest.Workers)
	if err != nil {
		return err
	}

	if opts.out != "" {
		reports := make(map[string]metrics.Summary, len(results))
		for _, r := range results {
			reports[r.Variant] = r.Result.Report.Overall
		}
		return writeJSON(opts.out, reports)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ВАРИАНТ\tСДЕЛОК\tWIN%\tPF\tE[R]\tΣR\tMAXDD R")
	for _, r := range results {
		s := r.Result.Report.Overall
		fmt.Fprintf(w, "%s\t%d\t%.1f\t%.2f\t%.3f\t%.2f\t%.2f\n",
			r.Variant, s.Trades, s.WinRate, s.ProfitFactor, s.ExpectancyR, s.TotalR, s.MaxDrawdownR)
	}
	return w.Flush()
}

func runFetch(ctx context.Context, cfg *config.Config, opts options) error {
	client := exchange.NewBinanceClient(cfg.Binance, cfg.Symbol)
	store, err := storage.NewInfluxDBStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	bars, htf, err := loadHistory(ctx, client, cfg, opts.days)
	if err != nil {
		return err
	}
	if err := store.SaveBars(ctx, cfg.Symbol, cfg.Timeframe, bars); err != nil {
		return err
	}
	if len(htf) > 0 {
		if err := store.SaveBars(ctx, cfg.Symbol, cfg.HTFTimeframe, htf); err != nil {
			return err
		}
	}

	rates, err := client.GetFundingRates(ctx, 100)
	if err != nil {
		return err
	}
	if err := store.SaveFundingRates(ctx, rates); err != nil {
		return err
	}
	logger.Info("История сохранена в InfluxDB",
		zap.Int("bars", len(bars)),
		zap.Int("htf_bars", len(htf)),
		zap.Int("funding_rates", len(rates)))
	return nil
}

// serveMetrics отдает /metrics до отмены контекста
func serveMetrics(ctx context.Context, addr string, recorder *metrics.Recorder) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info("Метрики доступны", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Ошибка сервера метрик", zap.Error(err))
		}
	}()
}

func runLive(ctx context.Context, cfg *config.Config) error {
	interval, err := storage.IntervalDuration(cfg.Timeframe)
	if err != nil {
		return err
	}

	client := exchange.NewBinanceClient(cfg.Binance, cfg.Symbol)
	if err := client.CheckRisk(cfg.Risk); err != nil {
		return err
	}
	store, err := order.NewStore(cfg.State)
	if err != nil {
		return err
	}
	defer store.Close()

	manager := order.NewManager(cfg.Order, cfg.Binance.QuantityPrecision, client, store)
	recorder := metrics.NewRecorder()
	if cfg.Metrics.Enabled {
		serveMetrics(ctx, cfg.Metrics.Addr, recorder)
	}

	// Бары кэшируются на один бар: повторные опросы внутри бара не ходят на биржу
	bars := storage.NewBarCache(client, interval)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				bars.Purge()
			}
		}
	}()

	deps := live.Deps{
		Bars:     bars,
		Broker:   client,
		Manager:  manager,
		Funding:  client,
		Books:    client,
		Recorder: recorder,
	}
	if cfg.Live.UseStream {
		deps.Stream = exchange.NewPriceFeed(cfg.Binance.StreamURL, cfg.Symbol)
	}
	if deps.News, err = newsFilter(cfg); err != nil {
		return err
	}
	if cfg.Journal.Enabled {
		journal, err := storage.NewJournal(ctx, cfg.Journal)
		if err != nil {
			return err
		}
		defer journal.Close()
		deps.Journal = journal
	}
	if cfg.Storage.Enabled {
		influx, err := storage.NewInfluxDBStorage(cfg.Storage)
		if err != nil {
			return err
		}
		defer influx.Close()
		deps.Sink = influx
	}

	loop, err := live.New(cfg, deps)
	if err != nil {
		return err
	}

	if !cfg.UI.Enabled {
		return loop.Run(ctx)
	}

	// UI в основном потоке, цикл в горутине; выход из UI останавливает цикл
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- loop.Run(ctx)
		cancel()
	}()

	uiErr := ui.NewTermUI(cfg.UI, cfg.Logging.JSONFile, manager, loop).Run(ctx)
	cancel()
	if err := <-done; err != nil {
		return err
	}
	return uiErr
}
