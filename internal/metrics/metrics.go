// Package metrics содержит prometheus-метрики планировщика.
// Методы безопасно вызывать на nil *Metrics, тогда они ничего не делают.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "subscription_lifecycle"

// Исходы отправки уведомлений.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Metrics набор метрик процесса.
type Metrics struct {
	registry      *prometheus.Registry
	notifications *prometheus.CounterVec
	ledgerErrors  prometheus.Counter
	accessChanges *prometheus.CounterVec
	jobRuns       *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
}

// New создает метрики в отдельном реестре.
func New() (*Metrics, error) {
	const op = "metrics.New"
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications processed by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ledgerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_write_errors_total",
			Help:      "Ledger entries that failed to persist after a side effect.",
		}),
		accessChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_changes_total",
			Help:      "Gateway enable/disable calls by action and outcome.",
		}, []string{"action", "outcome"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job runs by job and status.",
		}, []string{"job", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of scheduled job runs.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		}, []string{"job"}),
	}

	for _, c := range []prometheus.Collector{
		m.notifications,
		m.ledgerErrors,
		m.accessChanges,
		m.jobRuns,
		m.jobDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return m, nil
}

// Handler отдает метрики в формате prometheus.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Notification учитывает одно уведомление. kind это окно или "broadcast".
func (m *Metrics) Notification(kind, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, outcome).Inc()
}

// LedgerError учитывает запись журнала, которая не сохранилась.
func (m *Metrics) LedgerError() {
	if m == nil {
		return
	}
	m.ledgerErrors.Inc()
}

// AccessChange учитывает вызов шлюза доступа.
func (m *Metrics) AccessChange(action string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.accessChanges.WithLabelValues(action, outcome).Inc()
}

// JobRun учитывает завершенный запуск задачи.
func (m *Metrics) JobRun(job, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, status).Inc()
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}
