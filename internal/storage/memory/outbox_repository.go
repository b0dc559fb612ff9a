package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

const defaultPullLimit = 100

type outboxEntry struct {
	msg      domain.OutboxMessage
	settled  bool
	failed   bool
	queuedAt time.Time
}

// OutboxRepository держит события в порядке постановки; отправленные остаются в журнале.
type OutboxRepository struct {
	mu      sync.RWMutex
	journal []*outboxEntry
	byID    map[string]*outboxEntry
	now     func() time.Time
}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		byID: make(map[string]*outboxEntry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue ставит событие в очередь. Повтор с тем же ID ничего не меняет.
func (r *OutboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Payload = append([]byte(nil), msg.Payload...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byID[msg.ID]; dup {
		return msg, nil
	}
	e := &outboxEntry{msg: msg, queuedAt: r.now()}
	r.journal = append(r.journal, e)
	r.byID[msg.ID] = e
	return msg, nil
}

func (r *OutboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultPullLimit
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.OutboxMessage
	for _, e := range r.journal {
		if len(out) == limit {
			break
		}
		if !e.settled {
			out = append(out, e.msg)
		}
	}
	return out, nil
}

func (r *OutboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.OutboxStats
	for _, e := range r.journal {
		if e.settled {
			continue
		}
		if stats.PendingCount == 0 {
			stats.OldestPendingAt = e.queuedAt
		}
		stats.PendingCount++
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(_ context.Context, id string) error {
	return r.settle(id, false)
}

// MarkFailed закрывает событие, ушедшее в DLQ.
func (r *OutboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.settle(id, true)
}

// AllPending возвращает снимок неотправленных событий для тестов.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	msgs, _ := r.PullPending(context.Background(), len(r.byID)+1)
	return msgs
}

// DeadLettered возвращает события, закрытые через MarkFailed, в порядке постановки.
func (r *OutboxRepository) DeadLettered() []domain.OutboxMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.OutboxMessage
	for _, e := range r.journal {
		if e.failed {
			out = append(out, e.msg)
		}
	}
	return out
}

func (r *OutboxRepository) settle(id string, failed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: event %s not found", domain.ErrOutboxPublish, id)
	}
	e.settled = true
	e.failed = failed
	return nil
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
