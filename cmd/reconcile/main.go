package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/coursesales/internal/app"
)

// Разовая сверка продаж: подтверждает зависшие платежи и дозаводит записи о зачислении.
func main() {
	var timeout time.Duration
	flag.DurationVar(&timeout, "timeout", 5*time.Minute, "max duration of the reconcile pass")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("failed to read .env")
	}

	app.SetupLogger(os.LookupEnv)
	cfg, warnings := app.ConfigFromEnv(os.LookupEnv)
	for _, w := range warnings {
		log.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	report, err := app.ReconcileOnce(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("reconcile pass failed")
		os.Exit(1)
	}

	log.WithFields(log.Fields{
		"stale_checked":  report.StaleChecked,
		"confirmed":      report.Confirmed,
		"failed":         report.Failed,
		"still_pending":  report.StillPending,
		"backfilled":     report.Backfilled,
		"backfill_fails": report.BackfillFails,
	}).Info("reconcile pass finished")

	if report.BackfillFails > 0 {
		os.Exit(2)
	}
}
