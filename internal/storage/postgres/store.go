// Package postgres хранит продажи, зачисления, outbox и ключи идемпотентности в PostgreSQL через pgx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	connTimeout = 5 * time.Second
	// opTimeout ограничивает одну операцию репозитория.
	opTimeout = 5 * time.Second

	maxOpenConns    = 25
	maxIdleConns    = 10
	connMaxLifetime = 30 * time.Minute
	connMaxIdleTime = 5 * time.Minute

	pgUniqueViolation = "23505"
)

var (
	errStoreNotInitialized = errors.New("postgres store is not initialized")

	// ErrSchemaOutdated — в базе не применены все встроенные миграции.
	ErrSchemaOutdated = errors.New("postgres schema is outdated")
)

// Store держит пул подключений, общий для всех репозиториев.
type Store struct {
	db *sql.DB
}

// Open открывает пул через драйвер pgx и проверяет доступность базы.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	store := &Store{db: db}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store, nil
}

// DB возвращает пул для репозиториев и тестов.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	return nil
}

// Ping используется health-проверкой storage.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, connTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// CheckSchema возвращает ErrSchemaOutdated, если остались неприменённые миграции
// (сервис запущен без автомиграции и без cmd/migrate).
func (s *Store) CheckSchema(ctx context.Context) error {
	state, err := s.MigrationStatus(ctx)
	if err != nil {
		return err
	}
	if len(state.Pending) > 0 {
		return fmt.Errorf("%w: version=%d pending=%v", ErrSchemaOutdated, state.Version, state.Pending)
	}
	return nil
}

// Close закрывает пул. Повторный вызов и nil-store безопасны.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withTx выполняет fn в транзакции: commit при nil, rollback при ошибке.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isUniqueViolation проверяет нарушение уникальности; пустой constraint означает любое ограничение.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
