package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skalibog/sqe/pkg/models"
)

// Recorder экспортирует live-метрики в prometheus
type Recorder struct {
	registry   *prometheus.Registry
	decisions  *prometheus.CounterVec
	skips      *prometheus.CounterVec
	trades     *prometheus.CounterVec
	realizedR  *prometheus.CounterVec
	events     *prometheus.CounterVec
	errors     *prometheus.CounterVec
	openOrders prometheus.Gauge
	lastPrice  *prometheus.GaugeVec
	latency    *prometheus.HistogramVec
}

// NewRecorder создает recorder с собственным реестром
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqe_decisions_total",
				Help: "Entry decisions evaluated on closed bars",
			},
			[]string{"direction", "taken"},
		),
		skips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqe_skipped_candidates_total",
				Help: "Candidates skipped by guardrails and filters",
			},
			[]string{"reason"},
		),
		trades: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqe_trades_total",
				Help: "Closed trades by outcome",
			},
			[]string{"direction", "outcome"},
		),
		realizedR: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqe_realized_r_total",
				Help: "Sum of realized R by direction and sign",
			},
			[]string{"direction", "sign"},
		),
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqe_order_events_total",
				Help: "Order lifecycle events",
			},
			[]string{"type"},
		),
		errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqe_errors_total",
				Help: "Errors encountered by the live loop",
			},
			[]string{"type"},
		),
		openOrders: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sqe_open_orders",
			Help: "Managed orders currently open",
		}),
		lastPrice: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sqe_last_price",
				Help: "Last observed mid price",
			},
			[]string{"symbol"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqe_operation_duration_seconds",
				Help:    "Duration of live loop operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// Handler http-обработчик /metrics
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry реестр метрик
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// RecordDecision учитывает решение по закрытому бару
func (r *Recorder) RecordDecision(d models.Decision) {
	taken := "false"
	if d.Taken {
		taken = "true"
	}
	r.decisions.WithLabelValues(string(d.Direction), taken).Inc()
}

// OnSkip учитывает пропуск кандидата ограничителем или фильтром
func (r *Recorder) OnSkip(reason string) {
	r.skips.WithLabelValues(reason).Inc()
}

// OnTrade учитывает закрытую сделку
func (r *Recorder) OnTrade(t models.Trade) {
	r.trades.WithLabelValues(string(t.Direction), string(t.Outcome)).Inc()
	if t.PnLR >= 0 {
		r.realizedR.WithLabelValues(string(t.Direction), "profit").Add(t.PnLR)
	} else {
		r.realizedR.WithLabelValues(string(t.Direction), "loss").Add(-t.PnLR)
	}
}

// RecordEvent учитывает событие жизненного цикла ордера
func (r *Recorder) RecordEvent(kind string) {
	r.events.WithLabelValues(kind).Inc()
}

// RecordError учитывает ошибку
func (r *Recorder) RecordError(kind string) {
	r.errors.WithLabelValues(kind).Inc()
}

// SetOpenOrders число открытых управляемых ордеров
func (r *Recorder) SetOpenOrders(n int) {
	r.openOrders.Set(float64(n))
}

// RecordLastPrice последняя цена
func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

// RecordLatency длительность операции в секундах
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}
