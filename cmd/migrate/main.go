// migrate применяет, откатывает и показывает миграции схемы продаж в PostgreSQL.
//
//	migrate [-dsn DSN] [-timeout 30s] up|down|status [-steps N]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/coursesales/internal/storage/postgres"
)

const envPostgresDSN = "SALES_POSTGRES_DSN"

// migrator — часть postgres.Store, которую использует утилита.
type migrator interface {
	MigrateUp(ctx context.Context, steps int) (int, error)
	MigrateDown(ctx context.Context, steps int) (int, error)
	MigrationStatus(ctx context.Context) (postgres.MigrationState, error)
	Close() error
}

var openStore = func(ctx context.Context, dsn string) (migrator, error) {
	return postgres.Open(ctx, dsn)
}

type command struct {
	dsn     string
	timeout time.Duration
	action  string
	steps   int
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("не удалось прочитать .env")
	}
	os.Exit(execute(os.Args[1:], os.LookupEnv))
}

func execute(args []string, lookup func(string) (string, bool)) int {
	cmd, err := parseCommand(args, lookup, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		log.WithError(err).Error("invalid arguments")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), cmd.timeout)
	defer cancel()

	store, err := openStore(ctx, cmd.dsn)
	if err != nil {
		log.WithError(err).Error("failed to open postgres store")
		return 1
	}
	defer func() { _ = store.Close() }()

	state, err := apply(ctx, store, cmd)
	entry := log.WithFields(log.Fields{
		"action":  cmd.action,
		"version": state.Version,
		"applied": state.Applied,
		"pending": len(state.Pending),
	})
	if err != nil {
		entry.WithError(err).Error("migration failed")
		return 1
	}
	entry.Info("migration done")
	return 0
}

// parseCommand разбирает глобальные флаги, действие и его -steps.
func parseCommand(args []string, lookup func(string) (string, bool), usage io.Writer) (command, error) {
	cmd := command{}
	global := flag.NewFlagSet("migrate", flag.ContinueOnError)
	global.SetOutput(usage)
	global.StringVar(&cmd.dsn, "dsn", "", "PostgreSQL DSN (default $"+envPostgresDSN+")")
	global.DurationVar(&cmd.timeout, "timeout", 30*time.Second, "overall timeout")
	if err := global.Parse(args); err != nil {
		return command{}, err
	}

	rest := global.Args()
	if len(rest) == 0 {
		return command{}, errors.New("action is required: up, down or status")
	}
	cmd.action = strings.ToLower(rest[0])

	sub := flag.NewFlagSet(cmd.action, flag.ContinueOnError)
	sub.SetOutput(usage)
	switch cmd.action {
	case "up":
		sub.IntVar(&cmd.steps, "steps", 0, "apply at most N migrations, 0 applies all")
	case "down":
		sub.IntVar(&cmd.steps, "steps", 1, "revert the last N migrations")
	case "status":
	default:
		return command{}, fmt.Errorf("unknown action %q", rest[0])
	}
	if err := sub.Parse(rest[1:]); err != nil {
		return command{}, err
	}
	if sub.NArg() > 0 {
		return command{}, fmt.Errorf("unexpected arguments: %s", strings.Join(sub.Args(), " "))
	}
	if cmd.steps < 0 {
		return command{}, errors.New("steps must not be negative")
	}
	if cmd.timeout <= 0 {
		return command{}, errors.New("timeout must be positive")
	}

	if cmd.dsn = strings.TrimSpace(cmd.dsn); cmd.dsn == "" {
		v, _ := lookup(envPostgresDSN)
		cmd.dsn = strings.TrimSpace(v)
	}
	if cmd.dsn == "" {
		return command{}, fmt.Errorf("%s or -dsn is required", envPostgresDSN)
	}
	return cmd, nil
}

// apply выполняет действие и возвращает состояние схемы после него.
// Расхождение контрольных сумм возвращается вместе с состоянием.
func apply(ctx context.Context, m migrator, cmd command) (postgres.MigrationState, error) {
	var err error
	switch cmd.action {
	case "up":
		var n int
		if n, err = m.MigrateUp(ctx, cmd.steps); err != nil {
			err = fmt.Errorf("up stopped after %d migration(s): %w", n, err)
		}
	case "down":
		var n int
		if n, err = m.MigrateDown(ctx, cmd.steps); err != nil {
			err = fmt.Errorf("down stopped after %d migration(s): %w", n, err)
		}
	}

	state, statusErr := m.MigrationStatus(ctx)
	if statusErr != nil {
		statusErr = fmt.Errorf("status: %w", statusErr)
	}
	return state, errors.Join(err, statusErr)
}
