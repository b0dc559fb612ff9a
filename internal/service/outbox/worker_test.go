package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
	"github.com/vladislavdragonenkov/coursesales/internal/storage/memory"
)

// fakePublisher возвращает ошибки из script по очереди, затем failAll для всех остальных вызовов.
type fakePublisher struct {
	mu        sync.Mutex
	script    []error
	failAll   error
	failSales map[string]bool
	published []domain.OutboxMessage
}

func (p *fakePublisher) Publish(_ context.Context, event domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, event)
	if len(p.script) > 0 {
		err := p.script[0]
		p.script = p.script[1:]
		return err
	}
	if p.failSales[event.AggregateID] {
		return errors.New("broker rejected " + event.AggregateID)
	}
	return p.failAll
}

func (p *fakePublisher) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *fakePublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.published))
	for _, m := range p.published {
		out = append(out, m.EventType)
	}
	return out
}

func enqueue(t *testing.T, repo *memory.OutboxRepository, saleID, eventType, payload string) domain.OutboxMessage {
	t.Helper()
	msg, err := repo.Enqueue(context.Background(), domain.OutboxMessage{
		AggregateType: "sale",
		AggregateID:   saleID,
		EventType:     eventType,
		Payload:       []byte(payload),
	})
	require.NoError(t, err)
	return msg
}

func pendingCount(t *testing.T, repo domain.OutboxRepository) int {
	t.Helper()
	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	return stats.PendingCount
}

func TestWorker_PublishesInInsertionOrder(t *testing.T) {
	repo := memory.NewOutboxRepository()
	enqueue(t, repo, "sale-1", "SaleCreated", `{"status":"PENDING"}`)
	enqueue(t, repo, "sale-1", "SaleStatusChanged", `{"status":"PROCESSING"}`)
	enqueue(t, repo, "sale-1", "SaleStatusChanged", `{"status":"PAID"}`)
	pub := &fakePublisher{}

	NewWorker(repo, pub, WithRetryBaseDelay(0)).ProcessOnce(context.Background())

	assert.Equal(t, []string{"SaleCreated", "SaleStatusChanged", "SaleStatusChanged"}, pub.eventTypes())
	assert.Zero(t, pendingCount(t, repo))
}

func TestWorker_RetriesThenSucceeds(t *testing.T) {
	repo := memory.NewOutboxRepository()
	enqueue(t, repo, "sale-3", "SaleStatusChanged", `{"status":"PAID"}`)
	pub := &fakePublisher{script: []error{errors.New("leader moved"), errors.New("timeout")}}
	dlq := &fakePublisher{}

	NewWorker(repo, pub, WithDLQPublisher(dlq), WithMaxAttempts(3), WithRetryBaseDelay(0)).
		ProcessOnce(context.Background())

	assert.Equal(t, 3, pub.calls())
	assert.Zero(t, dlq.calls())
	assert.Zero(t, pendingCount(t, repo))
}

func TestWorker_DeadLettersAfterMaxAttempts(t *testing.T) {
	repo := memory.NewOutboxRepository()
	original := enqueue(t, repo, "sale-2", "SaleStatusChanged", `{"status":"CANCELLED"}`)
	pub := &fakePublisher{failAll: errors.New("broker down")}
	dlq := &fakePublisher{}

	w := NewWorker(repo, pub, WithDLQPublisher(dlq), WithMaxAttempts(3), WithRetryBaseDelay(0))
	fixed := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }
	w.ProcessOnce(context.Background())

	assert.Equal(t, 3, pub.calls())
	require.Equal(t, 1, dlq.calls())
	assert.Zero(t, pendingCount(t, repo), "failed event leaves the pending backlog")
	require.Len(t, repo.DeadLettered(), 1)

	msg := dlq.published[0]
	assert.Equal(t, DeadLetterEventPrefix+"SaleStatusChanged", msg.EventType)
	assert.Equal(t, "sale-2", msg.AggregateID)

	letter, err := ParseDeadLetter(msg.Payload, msg.EventType)
	require.NoError(t, err)
	assert.Equal(t, original.ID, letter.OutboxID)
	assert.Equal(t, 3, letter.Attempts)
	assert.Equal(t, "broker down", letter.Error)
	assert.True(t, letter.FailedAt.Equal(fixed))
	assert.Equal(t, original, letter.Original())
}

func TestWorker_DefersLaterEventsOfFailedSale(t *testing.T) {
	repo := memory.NewOutboxRepository()
	enqueue(t, repo, "sale-bad", "SaleCreated", `{}`)
	enqueue(t, repo, "sale-ok", "SaleCreated", `{}`)
	enqueue(t, repo, "sale-bad", "SaleStatusChanged", `{}`)
	pub := &fakePublisher{failSales: map[string]bool{"sale-bad": true}}

	w := NewWorker(repo, pub, WithMaxAttempts(1), WithRetryBaseDelay(0))
	w.ProcessOnce(context.Background())

	assert.Equal(t, 2, pub.calls(), "second sale-bad event must not overtake the failed one")
	assert.Equal(t, 1, pendingCount(t, repo))

	pub.failSales = nil
	w.ProcessOnce(context.Background())
	assert.Equal(t, 3, pub.calls())
	assert.Zero(t, pendingCount(t, repo))
}

func TestWorker_CancelDuringRetryKeepsEventPending(t *testing.T) {
	repo := memory.NewOutboxRepository()
	enqueue(t, repo, "sale-1", "SaleCreated", `{}`)
	pub := &fakePublisher{failAll: errors.New("broker down")}
	dlq := &fakePublisher{}

	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(repo, pub, WithDLQPublisher(dlq), WithMaxAttempts(5), WithRetryBaseDelay(time.Hour))
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.ProcessOnce(ctx)
	}()

	require.Eventually(t, func() bool { return pub.calls() == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done

	assert.Zero(t, dlq.calls())
	assert.Equal(t, 1, pendingCount(t, repo))
}

func TestWorker_BatchSizeLimitsOneCycle(t *testing.T) {
	repo := memory.NewOutboxRepository()
	for range 3 {
		enqueue(t, repo, "sale-mem", "SaleStatusChanged", `{}`)
	}
	pub := &fakePublisher{}
	w := NewWorker(repo, pub, WithBatchSize(2), WithRetryBaseDelay(0))

	w.ProcessOnce(context.Background())
	assert.Equal(t, 2, pub.calls())
	w.ProcessOnce(context.Background())
	assert.Equal(t, 3, pub.calls())
	assert.Zero(t, pendingCount(t, repo))
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	repo := memory.NewOutboxRepository()
	pub := &fakePublisher{}
	w := NewWorker(repo, pub, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	enqueue(t, repo, "sale-late", "SaleCreated", `{}`)
	require.Eventually(t, func() bool { return pub.calls() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestWorker_RetryBackoff(t *testing.T) {
	w := NewWorker(nil, nil, WithRetryBaseDelay(10*time.Millisecond))
	assert.Equal(t, 10*time.Millisecond, w.retryBackoff(1))
	assert.Equal(t, 40*time.Millisecond, w.retryBackoff(3))
	assert.Equal(t, maxRetryDelay, w.retryBackoff(30))

	assert.Zero(t, NewWorker(nil, nil, WithRetryBaseDelay(0)).retryBackoff(2))
}

func TestParseDeadLetter(t *testing.T) {
	body, err := json.Marshal(map[string]any{
		"outbox_id":    "evt-1",
		"aggregate_id": "sale-9",
		"payload":      map[string]string{"status": "PAID"},
	})
	require.NoError(t, err)

	letter, err := ParseDeadLetter(body, DeadLetterEventPrefix+"SaleStatusChanged")
	require.NoError(t, err)
	assert.Equal(t, "SaleStatusChanged", letter.EventType)
	assert.Equal(t, "sale-9", letter.Original().AggregateID)

	_, err = ParseDeadLetter([]byte(`{"outbox_id":"evt-2"}`), "")
	require.ErrorIs(t, err, errEmptyDeadLetter)

	_, err = ParseDeadLetter([]byte(`{`), "")
	require.Error(t, err)
}
