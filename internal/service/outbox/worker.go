// Package outbox публикует события продаж из transactional outbox в брокер.
package outbox

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 5 * time.Second
)

var (
	publishResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sales_outbox_publish_total",
		Help: "Outbox publish outcomes: sent, retry, failed, deferred, dlq_failed.",
	}, []string{"result"})
	backlogSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sales_outbox_pending_records",
		Help: "Sale events waiting in the outbox.",
	})
	backlogAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sales_outbox_oldest_pending_age_seconds",
		Help: "Age of the oldest pending sale event.",
	})
)

// Option настраивает Worker.
type Option func(*Worker)

func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDLQPublisher включает отправку в DLQ событий, исчерпавших попытки.
func WithDLQPublisher(p domain.OutboxPublisher) Option {
	return func(w *Worker) { w.dlq = p }
}

func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithRetryBaseDelay задаёт первую паузу между попытками; дальше она удваивается. 0 отключает паузы.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(w *Worker) {
		if d >= 0 {
			w.retryBaseDelay = d
		}
	}
}

// Worker публикует pending-события продаж и переносит непубликуемые в DLQ.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	logger    *log.Entry

	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
	now            func() time.Time
}

func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, opts ...Option) *Worker {
	w := &Worker{
		repo:           repo,
		publisher:      publisher,
		logger:         log.WithField("component", "outbox-worker"),
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run опрашивает outbox раз в pollInterval до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker disabled: repository or publisher missing")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce публикует одну порцию событий. Если событие продажи не удалось опубликовать,
// остальные события этой продажи в порции ждут следующего цикла, чтобы не обогнать его.
func (w *Worker) ProcessOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	w.observeBacklog(ctx)

	batch, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("pull pending sale events")
		return
	}

	stalled := make(map[string]bool)
	for _, event := range batch {
		if stalled[event.AggregateID] {
			publishResults.WithLabelValues("deferred").Inc()
			continue
		}
		attempts, err := w.deliver(ctx, event)
		if ctx.Err() != nil {
			// остановка посреди ретраев: событие остаётся pending
			return
		}
		if err != nil {
			stalled[event.AggregateID] = true
			w.bury(ctx, event, attempts, err)
		}
	}

	if len(batch) > 0 {
		w.observeBacklog(ctx)
	}
}

// deliver публикует событие с экспоненциальной паузой между попытками и помечает его отправленным.
func (w *Worker) deliver(ctx context.Context, event domain.OutboxMessage) (int, error) {
	for attempt := 1; ; attempt++ {
		err := w.publisher.Publish(ctx, event)
		if err == nil {
			publishResults.WithLabelValues("sent").Inc()
			if markErr := w.repo.MarkSent(ctx, event.ID); markErr != nil {
				w.logger.WithError(markErr).WithField("outbox_id", event.ID).Warn("mark sale event sent")
			}
			return attempt, nil
		}
		publishResults.WithLabelValues("retry").Inc()
		if attempt >= w.maxAttempts {
			return attempt, err
		}
		if err := sleep(ctx, w.retryBackoff(attempt)); err != nil {
			return attempt, err
		}
	}
}

// bury отправляет событие в DLQ (если он настроен) и закрывает его как failed.
func (w *Worker) bury(ctx context.Context, event domain.OutboxMessage, attempts int, cause error) {
	publishResults.WithLabelValues("failed").Inc()
	entry := w.logger.WithFields(log.Fields{
		"outbox_id":  event.ID,
		"sale_id":    event.AggregateID,
		"event_type": event.EventType,
		"attempts":   attempts,
	})
	entry.WithError(cause).Error("sale event not published, moving to dead letter")

	if w.dlq != nil {
		msg, err := newDeadLetter(event, attempts, cause, w.now()).Message()
		if err == nil {
			err = w.dlq.Publish(ctx, msg)
		}
		if err != nil {
			publishResults.WithLabelValues("dlq_failed").Inc()
			entry.WithError(err).Warn("dead letter publish failed")
		}
	}
	if err := w.repo.MarkFailed(ctx, event.ID); err != nil {
		entry.WithError(err).Warn("mark sale event failed")
	}
}

func (w *Worker) observeBacklog(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("outbox backlog stats")
		return
	}
	backlogSize.Set(float64(stats.PendingCount))
	age := 0.0
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = max(w.now().Sub(stats.OldestPendingAt).Seconds(), 0)
	}
	backlogAge.Set(age)
}

// retryBackoff возвращает паузу после attempt-й неудачной попытки: base, 2*base, 4*base..., не больше maxRetryDelay.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 {
		return 0
	}
	delay := w.retryBaseDelay
	for i := 1; i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
