// Package metrics содержит Prometheus-метрики движка на собственном реестре.
// Все методы безопасны для nil-получателя.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "questpoints"

// Metrics хранит коллекторы движка.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	assessments     *prometheus.CounterVec
	scores          prometheus.Histogram
	credits         *prometheus.CounterVec
	creditRetries   prometheus.Counter
	sweepCredited   prometheus.Counter
	sweepFailed     prometheus.Counter
	sweepDuration   prometheus.Histogram
	referrals       *prometheus.CounterVec
	alerts          *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	requestDuration *prometheus.HistogramVec
}

// New регистрирует коллекторы в новом реестре.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		assessments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessments_total",
			Help:      "Scored completions by review decision",
		}, []string{"decision"}),
		scores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fraud_score",
			Help:      "Distribution of fraud scores",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
		credits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_total",
			Help:      "Crediting attempts by target status and outcome",
		}, []string{"status", "outcome"}),
		creditRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_retries_total",
			Help:      "Crediting transactions retried after a transient failure",
		}),
		sweepCredited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_credited_total",
			Help:      "Completions credited by the auto-approval sweep",
		}),
		sweepFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_failed_total",
			Help:      "Completions skipped by the auto-approval sweep because of an error",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of auto-approval sweeps",
			Buckets:   prometheus.DefBuckets,
		}),
		referrals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "referrals_total",
			Help:      "Referral processing outcomes",
		}, []string{"outcome"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Risk alert deliveries by sink and result",
		}, []string{"sink", "result"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breakers (0=closed, 0.5=half-open, 1=open)",
		}, []string{"breaker"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	registry.MustRegister(
		m.assessments, m.scores, m.credits, m.creditRetries,
		m.sweepCredited, m.sweepFailed, m.sweepDuration,
		m.referrals, m.alerts, m.breakerState, m.requestDuration,
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return m
}

// Handler отдаёт метрики в текстовом формате Prometheus.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry возвращает реестр.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveAssessment учитывает оценку нового выполнения.
func (m *Metrics) ObserveAssessment(score int, needsReview bool) {
	if m == nil {
		return
	}
	decision := "auto"
	if needsReview {
		decision = "review"
	}
	m.assessments.WithLabelValues(decision).Inc()
	m.scores.Observe(float64(score))
}

// ObserveCredit учитывает результат начисления. outcome содержит класс ошибки или "none".
func (m *Metrics) ObserveCredit(status, outcome string) {
	if m == nil {
		return
	}
	m.credits.WithLabelValues(status, outcome).Inc()
}

// IncCreditRetry учитывает повтор транзакции начисления.
func (m *Metrics) IncCreditRetry() {
	if m == nil {
		return
	}
	m.creditRetries.Inc()
}

// ObserveSweep учитывает один проход автоодобрения.
func (m *Metrics) ObserveSweep(credited, failed int, duration time.Duration) {
	if m == nil {
		return
	}
	m.sweepCredited.Add(float64(credited))
	m.sweepFailed.Add(float64(failed))
	m.sweepDuration.Observe(duration.Seconds())
}

// ObserveReferral учитывает исход обработки реферала.
func (m *Metrics) ObserveReferral(outcome string) {
	if m == nil {
		return
	}
	m.referrals.WithLabelValues(outcome).Inc()
}

// ObserveAlert учитывает доставку уведомления.
func (m *Metrics) ObserveAlert(sink string, err error) {
	if m == nil {
		return
	}
	result := "delivered"
	if err != nil {
		result = "failed"
	}
	m.alerts.WithLabelValues(sink, result).Inc()
}

// SetBreakerState публикует состояние предохранителя: 0 закрыт, 0.5 полуоткрыт, 1 открыт.
func (m *Metrics) SetBreakerState(name string, value float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(value)
}

// ObserveHTTPRequest учитывает обработанный HTTP-запрос.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}
