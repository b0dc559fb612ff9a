package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics содержит метрики жизненного цикла продаж.
// Методы можно вызывать на nil: так метрики отключаются в тестах.
type LedgerMetrics struct {
	// Счётчики продаж и переходов
	salesCreated        prometheus.Counter
	transitions         *prometheus.CounterVec
	rejectedTransitions *prometheus.CounterVec
	versionRetries      prometheus.Counter

	// Вебхуки провайдеров
	webhookEvents *prometheus.CounterVec

	// Зачисления
	activationFailures prometheus.Counter
	backfilled         prometheus.Counter

	// Гистограммы времени шагов оплаты
	stepDuration *prometheus.HistogramVec

	outboxEvents prometheus.Counter

	// Gauge для оплат, которые сейчас проходят через провайдера
	paymentsInFlight prometheus.Gauge
}

// NewLedgerMetrics создаёт метрики в глобальном реестре Prometheus.
func NewLedgerMetrics() *LedgerMetrics {
	return NewLedgerMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewLedgerMetricsWithRegisterer создаёт метрики в переданном реестре.
func NewLedgerMetricsWithRegisterer(registerer prometheus.Registerer) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &LedgerMetrics{
		salesCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "sales_created_total",
			Help: "Total number of sales created",
		}),
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "sales_transitions_total",
			Help: "Total number of applied sale status transitions",
		}, []string{"from", "to"}),
		rejectedTransitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "sales_transitions_rejected_total",
			Help: "Total number of rejected sale status transitions",
		}, []string{"reason"}),
		versionRetries: registerCounter(registerer, prometheus.CounterOpts{
			Name: "sales_version_conflict_retries_total",
			Help: "Total number of retries caused by optimistic locking conflicts",
		}),
		webhookEvents: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "sales_webhook_events_total",
			Help: "Total number of payment provider webhook events by outcome",
		}, []string{"provider", "outcome"}),
		activationFailures: registerCounter(registerer, prometheus.CounterOpts{
			Name: "sales_enrollment_activation_failures_total",
			Help: "Total number of enrollment activations that failed after completion",
		}),
		backfilled: registerCounter(registerer, prometheus.CounterOpts{
			Name: "sales_enrollment_backfilled_total",
			Help: "Total number of enrollments created by the reconciliation backfill",
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "sales_payment_step_duration_seconds",
			Help:    "Duration of individual payment steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "sales_outbox_events_total",
			Help: "Total number of sale events enqueued to outbox",
		}),
		paymentsInFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "sales_payments_in_flight",
			Help: "Number of payment processing calls currently talking to a provider",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordSaleCreated увеличивает счётчик созданных продаж.
func (m *LedgerMetrics) RecordSaleCreated() {
	if m == nil {
		return
	}
	m.salesCreated.Inc()
}

// RecordTransition учитывает применённый переход.
func (m *LedgerMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordRejectedTransition учитывает отклонённый переход (invalid, forbidden, conflict).
func (m *LedgerMetrics) RecordRejectedTransition(reason string) {
	if m == nil {
		return
	}
	m.rejectedTransitions.WithLabelValues(reason).Inc()
}

// RecordVersionRetry учитывает повтор после конфликта версий.
func (m *LedgerMetrics) RecordVersionRetry() {
	if m == nil {
		return
	}
	m.versionRetries.Inc()
}

// RecordWebhook учитывает обработанный вебхук.
func (m *LedgerMetrics) RecordWebhook(provider, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(provider, outcome).Inc()
}

// RecordActivationFailure учитывает неудачную выдачу доступа.
func (m *LedgerMetrics) RecordActivationFailure() {
	if m == nil {
		return
	}
	m.activationFailures.Inc()
}

// RecordBackfill учитывает зачисление, восстановленное сверкой.
func (m *LedgerMetrics) RecordBackfill() {
	if m == nil {
		return
	}
	m.backfilled.Inc()
}

// RecordStepDuration записывает время выполнения шага оплаты.
func (m *LedgerMetrics) RecordStepDuration(step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *LedgerMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}

// PaymentStarted увеличивает количество оплат в работе.
func (m *LedgerMetrics) PaymentStarted() {
	if m == nil {
		return
	}
	m.paymentsInFlight.Inc()
}

// PaymentFinished уменьшает количество оплат в работе.
func (m *LedgerMetrics) PaymentFinished() {
	if m == nil {
		return
	}
	m.paymentsInFlight.Dec()
}
