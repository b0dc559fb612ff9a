package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

const (
	defaultPurgeInterval = 10 * time.Minute
	defaultPurgeBatch    = 500
	// за один проход не больше maxBatches порций, остальное доберёт следующий тик
	defaultMaxBatches = 20
)

var (
	purgeRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sales_idempotency_purge_runs_total",
		Help: "Idempotency key purge runs by result.",
	}, []string{"result"})
	purgedKeys = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sales_idempotency_purged_keys_total",
		Help: "Expired idempotency keys removed from storage.",
	})
)

// Option настраивает Janitor.
type Option func(*Janitor)

func WithLogger(logger *log.Entry) Option {
	return func(j *Janitor) {
		if logger != nil {
			j.logger = logger
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(j *Janitor) {
		if n > 0 {
			j.batch = n
		}
	}
}

func WithMaxBatches(n int) Option {
	return func(j *Janitor) {
		if n > 0 {
			j.maxBatches = n
		}
	}
}

// Janitor удаляет истёкшие ключи идемпотентности по таймеру.
// Redis-хранилище чистит ключи по TTL само, для него Purge всегда возвращает 0.
type Janitor struct {
	repo       domain.IdempotencyRepository
	logger     *log.Entry
	interval   time.Duration
	batch      int
	maxBatches int
	now        func() time.Time
}

func NewJanitor(repo domain.IdempotencyRepository, opts ...Option) *Janitor {
	j := &Janitor{
		repo:       repo,
		logger:     log.WithField("component", "idempotency-janitor"),
		interval:   defaultPurgeInterval,
		batch:      defaultPurgeBatch,
		maxBatches: defaultMaxBatches,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run чистит сразу при старте и затем раз в interval, пока ctx жив.
func (j *Janitor) Run(ctx context.Context) {
	if j.repo == nil {
		j.logger.Warn("idempotency janitor disabled: no repository")
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		j.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	removed, err := j.Purge(ctx)
	switch {
	case errors.Is(err, context.Canceled):
	case err != nil:
		purgeRuns.WithLabelValues("error").Inc()
		j.logger.WithError(err).WithField("removed", removed).Warn("idempotency purge failed")
	default:
		purgeRuns.WithLabelValues("ok").Inc()
		if removed > 0 {
			j.logger.WithField("removed", removed).Debug("expired idempotency keys purged")
		}
	}
}

// Purge удаляет ключи, истёкшие к текущему моменту, порциями по batch.
func (j *Janitor) Purge(ctx context.Context) (int, error) {
	cutoff := j.now()
	total := 0
	for i := 0; i < j.maxBatches; i++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := j.repo.DeleteExpired(ctx, cutoff, j.batch)
		if err != nil {
			return total, err
		}
		total += n
		purgedKeys.Add(float64(n))
		if n < j.batch {
			break
		}
	}
	return total, nil
}
