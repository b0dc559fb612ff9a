package app

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/coursesales/internal/health"
)

const outboxStatsTimeout = 2 * time.Second

// outboxBacklogChecker помечает сервис degraded, когда неотправленных событий больше maxPending.
type outboxBacklogChecker struct {
	repo       domain.OutboxRepository
	maxPending int
}

func newOutboxBacklogChecker(repo domain.OutboxRepository, maxPending int) *outboxBacklogChecker {
	return &outboxBacklogChecker{repo: repo, maxPending: maxPending}
}

func (c *outboxBacklogChecker) Check(ctx context.Context) healthcheck.Check {
	ctx, cancel := context.WithTimeout(ctx, outboxStatsTimeout)
	defer cancel()

	start := time.Now()
	stats, err := c.repo.Stats(ctx)
	check := healthcheck.Check{
		Name:       "outbox",
		Status:     healthcheck.StatusHealthy,
		DurationMs: time.Since(start).Milliseconds(),
	}
	switch {
	case err != nil:
		check.Status = healthcheck.StatusUnhealthy
		check.Message = err.Error()
	case c.maxPending > 0 && stats.PendingCount > c.maxPending:
		check.Status = healthcheck.StatusDegraded
		check.Message = fmt.Sprintf("%d pending events exceed limit %d", stats.PendingCount, c.maxPending)
	}
	return check
}
