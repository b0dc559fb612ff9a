package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

type outboxState string

const (
	outboxPending outboxState = "pending"
	outboxSent    outboxState = "sent"
	outboxFailed  outboxState = "failed"

	defaultOutboxBatch = 100
)

var errOutboxMessageIncomplete = errors.New("outbox message requires sale id and event type")

// saleOutbox хранит события продаж в sale_event_outbox; порядок выдачи задаёт identity-колонка seq.
type saleOutbox struct {
	db *sql.DB
}

// NewOutboxRepository создаёт PostgreSQL-реализацию OutboxRepository для событий продаж.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &saleOutbox{db: store.DB()}
}

// Enqueue ставит событие в очередь. Повторная вставка с тем же ID ничего не меняет.
func (o *saleOutbox) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.AggregateID == "" || msg.EventType == "" {
		return domain.OutboxMessage{}, errOutboxMessageIncomplete
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.AggregateType == "" {
		msg.AggregateType = "sale"
	}
	payload := msg.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := o.db.ExecContext(ctx, `
		INSERT INTO sale_event_outbox (event_id, aggregate_type, sale_id, event_type, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
	`, msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, payload); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue %s for sale %s: %w", msg.EventType, msg.AggregateID, err)
	}
	return msg, nil
}

func (o *saleOutbox) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultOutboxBatch
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := o.db.QueryContext(ctx, `
		SELECT event_id, aggregate_type, sale_id, event_type, payload
		FROM sale_event_outbox
		WHERE state = $1
		ORDER BY seq
		LIMIT $2
	`, string(outboxPending), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending sale events: %w", err)
	}
	defer rows.Close()

	var batch []domain.OutboxMessage
	for rows.Next() {
		var msg domain.OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Payload); err != nil {
			return nil, fmt.Errorf("scan sale event: %w", err)
		}
		batch = append(batch, msg)
	}
	return batch, rows.Err()
}

func (o *saleOutbox) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	err := o.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(enqueued_at) FROM sale_event_outbox WHERE state = $1`,
		string(outboxPending),
	).Scan(&stats.PendingCount, &oldest)
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox backlog: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (o *saleOutbox) MarkSent(ctx context.Context, id string) error {
	return o.settle(ctx, id, outboxSent)
}

func (o *saleOutbox) MarkFailed(ctx context.Context, id string) error {
	return o.settle(ctx, id, outboxFailed)
}

// settle закрывает событие; неизвестный ID возвращает ErrOutboxPublish.
func (o *saleOutbox) settle(ctx context.Context, id string, state outboxState) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := o.db.ExecContext(ctx, `
		UPDATE sale_event_outbox
		SET state = $2, attempts = attempts + 1, settled_at = NOW()
		WHERE event_id = $1
	`, id, string(state))
	if err != nil {
		return fmt.Errorf("mark sale event %s %s: %w", id, state, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("mark sale event %s: %w", id, err)
	} else if n == 0 {
		return fmt.Errorf("%w: event %s not found", domain.ErrOutboxPublish, id)
	}
	return nil
}

var _ domain.OutboxRepository = (*saleOutbox)(nil)
