package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

const idempotencyColumns = `idem_key, request_hash, state, http_status, response_body, expires_at, created_at, updated_at`

// requestKeys хранит ответы на запросы с Idempotency-Key в таблице request_idempotency.
type requestKeys struct {
	db *sql.DB
}

// NewIdempotencyRepository создаёт PostgreSQL-реализацию IdempotencyRepository.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &requestKeys{db: store.DB()}
}

func scanIdempotency(row rowScanner) (domain.IdempotencyRecord, error) {
	var (
		rec    domain.IdempotencyRecord
		state  string
		status sql.NullInt64
		body   []byte
	)
	if err := row.Scan(&rec.Key, &rec.RequestHash, &state, &status, &body, &rec.TTLAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("scan idempotency key: %w", err)
	}
	rec.Status = domain.IdempotencyStatus(state)
	if !rec.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("idempotency key %s has unknown state %q", rec.Key, state)
	}
	if status.Valid {
		rec.HTTPStatus = int(status.Int64)
	}
	if len(body) > 0 {
		rec.ResponseBody = body
	}
	return rec, nil
}

// CreateProcessing резервирует ключ под новый запрос. Истёкший ключ переиспользуется.
func (r *requestKeys) CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
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
	fresh := domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		TTLAt:       ttlAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var existing domain.IdempotencyRecord
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		current, err := scanIdempotency(tx.QueryRowContext(ctx,
			`SELECT `+idempotencyColumns+` FROM request_idempotency WHERE idem_key = $1 FOR UPDATE`, key))
		switch {
		case errors.Is(err, domain.ErrIdempotencyKeyNotFound):
			_, err = tx.ExecContext(ctx, `
				INSERT INTO request_idempotency (idem_key, request_hash, state, expires_at, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $5)
			`, key, requestHash, string(domain.IdempotencyStatusProcessing), ttlAt, now)
			if isUniqueViolation(err, "") {
				// параллельный запрос успел занять ключ
				return domain.ErrIdempotencyKeyAlreadyExists
			}
			return err
		case err != nil:
			return err
		case !current.Expired(now):
			existing = current
			if current.RequestHash != requestHash {
				return domain.ErrIdempotencyHashMismatch
			}
			return domain.ErrIdempotencyKeyAlreadyExists
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE request_idempotency
			SET request_hash = $2, state = $3, http_status = NULL, response_body = NULL,
			    expires_at = $4, created_at = $5, updated_at = $5
			WHERE idem_key = $1
		`, key, requestHash, string(domain.IdempotencyStatusProcessing), ttlAt, now)
		return err
	})
	switch {
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists), errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return existing, err
	case err != nil:
		return domain.IdempotencyRecord{}, fmt.Errorf("reserve idempotency key %s: %w", key, err)
	}
	return fresh, nil
}

func (r *requestKeys) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return scanIdempotency(r.db.QueryRowContext(ctx,
		`SELECT `+idempotencyColumns+` FROM request_idempotency WHERE idem_key = $1`, key))
}

func (r *requestKeys) MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.finish(ctx, key, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

func (r *requestKeys) MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.finish(ctx, key, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

// DeleteExpired удаляет до limit истёкших ключей, самые старые первыми; limit<=0 снимает ограничение.
func (r *requestKeys) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// LIMIT NULL в PostgreSQL означает отсутствие лимита
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM request_idempotency
		WHERE idem_key IN (
			SELECT idem_key FROM request_idempotency
			WHERE expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
		)
	`, before, sql.NullInt64{Int64: int64(limit), Valid: limit > 0})
	if err != nil {
		return 0, fmt.Errorf("purge expired idempotency keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired idempotency keys: %w", err)
	}
	return int(n), nil
}

func (r *requestKeys) finish(ctx context.Context, key string, state domain.IdempotencyStatus, body []byte, httpStatus int) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE request_idempotency
		SET state = $2, http_status = $3, response_body = $4, updated_at = $5
		WHERE idem_key = $1
	`, key, string(state), httpStatus, body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("finish idempotency key %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("finish idempotency key %s: %w", key, err)
	} else if n == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

var _ domain.IdempotencyRepository = (*requestKeys)(nil)
