package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

// ErrRequestInProgress — запрос с тем же ключом ещё обрабатывается.
var ErrRequestInProgress = errors.New("request with the same idempotency key is already processing")

// Replay — сохранённый ответ, который нужно вернуть вместо повторной обработки.
type Replay struct {
	HTTPStatus int
	Body       []byte
}

// Guard связывает Idempotency-Key запроса с сохранённым ответом.
type Guard struct {
	repo   domain.IdempotencyRepository
	ttl    time.Duration
	logger *log.Entry
	now    func() time.Time
}

// NewGuard создаёт guard; ttl <= 0 заменяется на DefaultIdempotencyTTL.
func NewGuard(repo domain.IdempotencyRepository, ttl time.Duration, logger *log.Entry) *Guard {
	if ttl <= 0 {
		ttl = domain.DefaultIdempotencyTTL
	}
	if logger == nil {
		logger = log.WithField("component", "idempotency-guard")
	}
	return &Guard{
		repo:   repo,
		ttl:    ttl,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RequestHash строит отпечаток запроса: один ключ нельзя переиспользовать для другого тела.
func RequestHash(method, path, caller string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(caller))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Begin резервирует ключ. Возвращает (nil, nil), если запрос нужно выполнить,
// и Replay, если по ключу уже есть готовый ответ.
func (g *Guard) Begin(ctx context.Context, key, requestHash string) (*Replay, error) {
	record, err := g.repo.CreateProcessing(ctx, key, requestHash, g.now().Add(g.ttl))
	if err == nil {
		return nil, nil
	}

	switch {
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return nil, err
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
		if !record.Status.Valid() {
			if record, err = g.repo.Get(ctx, key); err != nil {
				return nil, fmt.Errorf("load idempotency record: %w", err)
			}
		}
		if record.Status == domain.IdempotencyStatusProcessing || !record.Replayable() {
			return nil, ErrRequestInProgress
		}
		g.logger.WithFields(log.Fields{
			"idempotency_key": key,
			"status":          record.Status,
		}).Debug("replaying stored response")
		return &Replay{HTTPStatus: record.HTTPStatus, Body: record.ResponseBody}, nil
	default:
		return nil, err
	}
}

// Finish сохраняет ответ. Ошибочный ответ тоже кэшируется и отдаётся при повторе.
func (g *Guard) Finish(ctx context.Context, key string, httpStatus int, body []byte) {
	var err error
	if httpStatus >= 400 {
		err = g.repo.MarkFailed(ctx, key, body, httpStatus)
	} else {
		err = g.repo.MarkDone(ctx, key, body, httpStatus)
	}
	if err != nil {
		g.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent response")
	}
}
