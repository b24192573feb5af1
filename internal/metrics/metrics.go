package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: сколько времени заняла обработка (включая коннекторы)
	RequestDuration *prometheus.HistogramVec

	// Traffic: общее кол-во запросов
	TotalRequests *prometheus.CounterVec

	// Errors: классификация отказов по стабильному коду
	DenyTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge

	// Исполнения по исходу: executed, replayed, failed, rolled_back
	ExecutionsTotal *prometheus.CounterVec

	// Здоровье коннекторов по последней пробе (1 - жив)
	ConnectorUp *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capgw_request_duration_seconds",
			Help:    "Histogram of request latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"route", "method", "status"}),

		TotalRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "capgw_requests_total",
			Help: "Total number of processed requests.",
		}, []string{"route", "method"}),

		DenyTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "capgw_denies_total",
			Help: "Total number of denied operations by error code.",
		}, []string{"code"}), // коды: KILL_SWITCH_ACTIVE, RATE_LIMITED, APPROVAL_REQUIRED, ...

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "capgw_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open).",
		}, []string{"connector_id"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "capgw_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),

		ExecutionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "capgw_executions_total",
			Help: "Proposal executions by outcome.",
		}, []string{"outcome"}),

		ConnectorUp: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "capgw_connector_up",
			Help: "Connector health by last probe (1=healthy).",
		}, []string{"connector_id"}),
	}
}
