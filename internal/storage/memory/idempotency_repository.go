package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

// IdempotencyRepository держит ключи идемпотентности в map; истёкшие ключи считаются свободными
// ещё до того, как их удалит janitor.
type IdempotencyRepository struct {
	mu   sync.Mutex
	keys map[string]domain.IdempotencyRecord
}

func NewIdempotencyRepository() *IdempotencyRepository {
	return &IdempotencyRepository{keys: make(map[string]domain.IdempotencyRecord)}
}

func (r *IdempotencyRepository) CreateProcessing(_ context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key, requestHash = strings.TrimSpace(key), strings.TrimSpace(requestHash)
	switch {
	case key == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	case requestHash == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := time.Now().UTC()
	if ttlAt.IsZero() {
		ttlAt = now.Add(domain.DefaultIdempotencyTTL)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.keys[key]; ok && !cur.Expired(now) {
		err := domain.ErrIdempotencyKeyAlreadyExists
		if cur.RequestHash != requestHash {
			err = domain.ErrIdempotencyHashMismatch
		}
		return copyRecord(cur), err
	}

	rec := domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		TTLAt:       ttlAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.keys[key] = rec
	return rec, nil
}

func (r *IdempotencyRepository) Get(_ context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.keys[key]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return copyRecord(rec), nil
}

func (r *IdempotencyRepository) MarkDone(_ context.Context, key string, body []byte, httpStatus int) error {
	return r.finish(key, domain.IdempotencyStatusDone, body, httpStatus)
}

func (r *IdempotencyRepository) MarkFailed(_ context.Context, key string, body []byte, httpStatus int) error {
	return r.finish(key, domain.IdempotencyStatusFailed, body, httpStatus)
}

// DeleteExpired удаляет до limit ключей с TTL <= before, начиная с самых старых.
func (r *IdempotencyRepository) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []domain.IdempotencyRecord
	for _, rec := range r.keys {
		if rec.Expired(before) {
			expired = append(expired, rec)
		}
	}
	slices.SortFunc(expired, func(a, b domain.IdempotencyRecord) int { return a.TTLAt.Compare(b.TTLAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, rec := range expired {
		delete(r.keys, rec.Key)
	}
	return len(expired), nil
}

func (r *IdempotencyRepository) finish(key string, status domain.IdempotencyStatus, body []byte, httpStatus int) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.keys[key]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	rec.Status = status
	rec.HTTPStatus = httpStatus
	rec.ResponseBody = slices.Clone(body)
	rec.UpdatedAt = time.Now().UTC()
	r.keys[key] = rec
	return nil
}

func copyRecord(rec domain.IdempotencyRecord) domain.IdempotencyRecord {
	rec.ResponseBody = slices.Clone(rec.ResponseBody)
	return rec
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
