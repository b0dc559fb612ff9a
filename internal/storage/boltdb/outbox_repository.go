package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

const (
	outboxStatusPending = "pending"
	outboxStatusSent    = "sent"
	outboxStatusFailed  = "failed"
)

type outboxDocument struct {
	ID            string    `json:"id"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	EventType     string    `json:"event_type"`
	Payload       []byte    `json:"payload"`
	Status        string    `json:"status"`
	AttemptCount  int       `json:"attempt_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// outboxRepository хранит сообщения под ключом из NextSequence: обход курсора идёт в порядке вставки.
// Индекс id -> ключ нужен для MarkSent/MarkFailed.
type outboxRepository struct {
	db *bolt.DB
}

// NewOutboxRepository создаёт bbolt-реализацию OutboxRepository.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxRepository{db: store.db}
}

func (r *outboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	doc := outboxDocument{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       msg.Payload,
		Status:        outboxStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := sequenceKey(seq)
		if err := tx.Bucket(bucketOutboxIndex).Put([]byte(msg.ID), key); err != nil {
			return err
		}
		return putOutbox(b, key, doc)
	})
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox message: %w", err)
	}
	return msg, nil
}

func (r *outboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	result := make([]domain.OutboxMessage, 0)
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()
		for k, v := c.First(); k != nil && len(result) < limit; k, v = c.Next() {
			var doc outboxDocument
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("decode outbox message: %w", err)
			}
			if doc.Status != outboxStatusPending {
				continue
			}
			result = append(result, domain.OutboxMessage{
				ID:            doc.ID,
				AggregateType: doc.AggregateType,
				AggregateID:   doc.AggregateID,
				EventType:     doc.EventType,
				Payload:       doc.Payload,
			})
		}
		return nil
	})
	return result, err
}

func (r *outboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	var stats domain.OutboxStats
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(_, v []byte) error {
			var doc outboxDocument
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("decode outbox message: %w", err)
			}
			if doc.Status != outboxStatusPending {
				return nil
			}
			stats.PendingCount++
			if stats.OldestPendingAt.IsZero() || doc.CreatedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = doc.CreatedAt
			}
			return nil
		})
	})
	return stats, err
}

func (r *outboxRepository) MarkSent(_ context.Context, id string) error {
	return r.markStatus(id, outboxStatusSent)
}

func (r *outboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.markStatus(id, outboxStatusFailed)
}

func (r *outboxRepository) markStatus(id, status string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketOutboxIndex).Get([]byte(id))
		if key == nil {
			return domain.ErrOutboxPublish
		}
		b := tx.Bucket(bucketOutbox)
		raw := b.Get(key)
		if raw == nil {
			return domain.ErrOutboxPublish
		}
		var doc outboxDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("decode outbox message: %w", err)
		}
		doc.Status = status
		doc.AttemptCount++
		doc.UpdatedAt = time.Now().UTC()
		return putOutbox(b, append([]byte(nil), key...), doc)
	})
}

func putOutbox(b *bolt.Bucket, key []byte, doc outboxDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode outbox message: %w", err)
	}
	return b.Put(key, raw)
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)
