// Package redis хранит ключи идемпотентности в Redis: TTL записи совпадает с TTL ключа,
// поэтому просроченные ключи удаляет сам Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

const (
	defaultKeyPrefix = "sales:idempotency:"
	connectTimeout   = 5 * time.Second
)

// NewClient создаёт клиента по URL и проверяет соединение.
func NewClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type idempotencyDocument struct {
	RequestHash  string    `json:"request_hash"`
	ResponseBody []byte    `json:"response_body,omitempty"`
	HTTPStatus   int       `json:"http_status,omitempty"`
	Status       string    `json:"status"`
	TTLAt        time.Time `json:"ttl_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type idempotencyRepository struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewIdempotencyRepository создаёт Redis-реализацию IdempotencyRepository.
func NewIdempotencyRepository(client goredis.UniversalClient, prefix string) domain.IdempotencyRepository {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &idempotencyRepository{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *idempotencyRepository) CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	requestHash = strings.TrimSpace(requestHash)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}
	if requestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := r.now()
	if ttlAt.IsZero() {
		ttlAt = now.Add(domain.DefaultIdempotencyTTL)
	}
	ttl := ttlAt.Sub(now)
	if ttl <= 0 {
		// уже просроченный ключ живёт минимально возможное время
		ttl = time.Millisecond
	}

	doc := idempotencyDocument{
		RequestHash: requestHash,
		Status:      string(domain.IdempotencyStatusProcessing),
		TTLAt:       ttlAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("encode idempotency record: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.prefix+key, payload, ttl).Result()
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("create idempotency record: %w", err)
	}
	if !ok {
		existing, getErr := r.Get(ctx, key)
		if getErr != nil {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
		}
		if existing.RequestHash != requestHash {
			return existing, domain.ErrIdempotencyHashMismatch
		}
		return existing, domain.ErrIdempotencyKeyAlreadyExists
	}

	return doc.toDomain(key), nil
}

func (r *idempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency record: %w", err)
	}
	return decodeRecord(key, raw)
}

func (r *idempotencyRepository) MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.markStatus(ctx, key, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

func (r *idempotencyRepository) MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.markStatus(ctx, key, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

// DeleteExpired ничего не делает: ключи истекают по TTL Redis.
func (r *idempotencyRepository) DeleteExpired(_ context.Context, _ time.Time, _ int) (int, error) {
	return 0, nil
}

func (r *idempotencyRepository) markStatus(ctx context.Context, key string, status domain.IdempotencyStatus, responseBody []byte, httpStatus int) error {
	record, err := r.Get(ctx, key)
	if err != nil {
		return err
	}

	doc := idempotencyDocument{
		RequestHash:  record.RequestHash,
		ResponseBody: responseBody,
		HTTPStatus:   httpStatus,
		Status:       string(status),
		TTLAt:        record.TTLAt,
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    r.now(),
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}

	// XX + KEEPTTL: обновляем только существующий ключ и не продлеваем его жизнь
	err = r.client.SetArgs(ctx, r.prefix+strings.TrimSpace(key), payload, goredis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return domain.ErrIdempotencyKeyNotFound
		}
		return fmt.Errorf("mark idempotency key status: %w", err)
	}
	return nil
}

func decodeRecord(key string, raw []byte) (domain.IdempotencyRecord, error) {
	var doc idempotencyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("decode idempotency record: %w", err)
	}
	record := doc.toDomain(key)
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q for key %s", doc.Status, key)
	}
	return record, nil
}

func (d idempotencyDocument) toDomain(key string) domain.IdempotencyRecord {
	return domain.IdempotencyRecord{
		Key:          key,
		RequestHash:  d.RequestHash,
		ResponseBody: append([]byte(nil), d.ResponseBody...),
		HTTPStatus:   d.HTTPStatus,
		Status:       domain.IdempotencyStatus(d.Status),
		TTLAt:        d.TTLAt,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
