package postgres

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	migrationsDir = "sql/migrations"
	// migrationLockKey — ключ pg_advisory_lock, общий для всех экземпляров сервиса продаж.
	migrationLockKey  = int64(0x5a1e5)
	migrationTimeout  = 5 * time.Second
	migrationTableDDL = `
CREATE TABLE IF NOT EXISTS sales_schema_migrations (
    version    BIGINT PRIMARY KEY,
    name       TEXT NOT NULL,
    checksum   TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

var (
	//go:embed sql/migrations/*.sql
	migrationsFS embed.FS

	// 0001_sales.up.sql
	migrationFilePattern = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

	// ErrMigrationChecksum — применённая миграция не совпадает с файлом в бинарнике.
	ErrMigrationChecksum = errors.New("applied migration differs from embedded file")
)

// MigrationState — состояние схемы относительно встроенных миграций.
type MigrationState struct {
	Version int64
	Applied int
	// Pending — версии, которые применит MigrateUp без ограничения шагов.
	Pending []int64
}

type migration struct {
	Version  int64
	Name     string
	UpSQL    string
	DownSQL  string
	Checksum string
}

type appliedMigration struct {
	version  int64
	checksum string
}

// MigrateUp применяет не более steps миграций (0 означает все) и возвращает число применённых.
func (s *Store) MigrateUp(ctx context.Context, steps int) (int, error) {
	var applied int
	err := s.withMigrationLock(ctx, func(conn *sql.Conn, migrations []migration) error {
		done, err := loadApplied(ctx, conn)
		if err != nil {
			return err
		}
		if err := verifyChecksums(migrations, done); err != nil {
			return err
		}
		for _, m := range pendingMigrations(migrations, done) {
			if steps > 0 && applied >= steps {
				break
			}
			if err := runInTx(ctx, conn, m.UpSQL, `
				INSERT INTO sales_schema_migrations (version, name, checksum) VALUES ($1, $2, $3)
			`, m.Version, m.Name, m.Checksum); err != nil {
				return fmt.Errorf("apply %04d_%s: %w", m.Version, m.Name, err)
			}
			applied++
		}
		return nil
	})
	return applied, err
}

// MigrateDown откатывает steps последних миграций; steps<=0 означает один шаг.
func (s *Store) MigrateDown(ctx context.Context, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	var reverted int
	err := s.withMigrationLock(ctx, func(conn *sql.Conn, migrations []migration) error {
		done, err := loadApplied(ctx, conn)
		if err != nil {
			return err
		}
		for i := len(done) - 1; i >= 0 && reverted < steps; i-- {
			idx := slices.IndexFunc(migrations, func(m migration) bool { return m.Version == done[i].version })
			if idx < 0 {
				return fmt.Errorf("cannot rollback unknown migration version %d", done[i].version)
			}
			m := migrations[idx]
			if err := runInTx(ctx, conn, m.DownSQL, `
				DELETE FROM sales_schema_migrations WHERE version = $1
			`, m.Version); err != nil {
				return fmt.Errorf("rollback %04d_%s: %w", m.Version, m.Name, err)
			}
			reverted++
		}
		return nil
	})
	return reverted, err
}

// MigrationStatus возвращает текущую версию, число применённых и список ожидающих миграций.
func (s *Store) MigrationStatus(ctx context.Context) (MigrationState, error) {
	if err := s.ready(); err != nil {
		return MigrationState{}, err
	}
	migrations, err := loadMigrations(migrationsFS)
	if err != nil {
		return MigrationState{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return MigrationState{}, fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, migrationTableDDL); err != nil {
		return MigrationState{}, fmt.Errorf("ensure migration table: %w", err)
	}
	done, err := loadApplied(ctx, conn)
	if err != nil {
		return MigrationState{}, err
	}

	state := MigrationState{Applied: len(done)}
	if len(done) > 0 {
		state.Version = done[len(done)-1].version
	}
	for _, m := range pendingMigrations(migrations, done) {
		state.Pending = append(state.Pending, m.Version)
	}
	return state, verifyChecksums(migrations, done)
}

// withMigrationLock держит advisory lock на отдельном соединении, чтобы два экземпляра не мигрировали одновременно.
func (s *Store) withMigrationLock(ctx context.Context, fn func(conn *sql.Conn, migrations []migration) error) error {
	if err := s.ready(); err != nil {
		return err
	}
	migrations, err := loadMigrations(migrationsFS)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockKey)
	}()

	if _, err := conn.ExecContext(ctx, migrationTableDDL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn, migrations)
}

// runInTx выполняет тело миграции и запись в журнал миграций одной транзакцией.
func runInTx(ctx context.Context, conn *sql.Conn, body, bookkeeping string, args ...any) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update migration journal: %w", err)
	}
	return tx.Commit()
}

// loadApplied возвращает применённые миграции по возрастанию версии.
func loadApplied(ctx context.Context, conn *sql.Conn) ([]appliedMigration, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM sales_schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	var out []appliedMigration
	for rows.Next() {
		var a appliedMigration
		if err := rows.Scan(&a.version, &a.checksum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return out, nil
}

func pendingMigrations(migrations []migration, done []appliedMigration) []migration {
	var out []migration
	for _, m := range migrations {
		if !slices.ContainsFunc(done, func(a appliedMigration) bool { return a.version == m.Version }) {
			out = append(out, m)
		}
	}
	return out
}

// verifyChecksums ловит миграции, отредактированные после применения.
func verifyChecksums(migrations []migration, done []appliedMigration) error {
	for _, a := range done {
		idx := slices.IndexFunc(migrations, func(m migration) bool { return m.Version == a.version })
		if idx >= 0 && migrations[idx].Checksum != a.checksum {
			return fmt.Errorf("%w: version %d", ErrMigrationChecksum, a.version)
		}
	}
	return nil
}

// loadMigrations читает пары up/down из fsys и сортирует их по версии.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int64]*migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		parts := migrationFilePattern.FindStringSubmatch(name)
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", name)
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version from %s: %w", name, err)
		}

		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, name))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", name)
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{Version: version, Name: parts[2]}
			byVersion[version] = m
		} else if m.Name != parts[2] {
			return nil, fmt.Errorf("migration name mismatch for version %d: %s vs %s", version, m.Name, parts[2])
		}

		target := &m.UpSQL
		if parts[3] == "down" {
			target = &m.DownSQL
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", parts[3], version)
		}
		*target = body
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migration files found")
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" || m.DownSQL == "" {
			return nil, fmt.Errorf("migration %04d_%s must have both up and down files", m.Version, m.Name)
		}
		sum := sha256.Sum256([]byte(m.UpSQL))
		m.Checksum = hex.EncodeToString(sum[:])
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}
