// loadtest гоняет сценарии покупки курса против HTTP API продаж и печатает сводку задержек.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	envJWTSecret     = "SALES_JWT_SECRET"
	defaultJWTSecret = "dev-jwt-secret"
	defaultScenarios = 400
)

type loadMode string

const (
	// modeCreate только создаёт продажи.
	modeCreate loadMode = "create"
	// modeCreatePay проводит оплату через симулятор: redirect, затем подтверждение.
	modeCreatePay loadMode = "create-pay"
	// modeCreateCancel создаёт продажу и отменяет её от имени покупателя.
	modeCreateCancel loadMode = "create-cancel"
)

type config struct {
	baseURL string
	// scenarios == 0 вместе с duration означает «сколько успеем».
	scenarios   int
	duration    time.Duration
	workers     int
	timeout     time.Duration
	mode        loadMode
	cancelRate  int
	courseID    string
	buyerPrefix string
	jwtSecret   string
	reportPath  string
}

func main() {
	os.Exit(execute(os.Args[1:], os.LookupEnv, os.Stdout))
}

// execute возвращает код выхода: 0 если все сценарии прошли, 1 при отказах, 2 при неверных аргументах.
func execute(args []string, lookup func(string) (string, bool), out io.Writer) int {
	cfg, err := parseConfig(args, lookup)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		log.WithError(err).Error("invalid arguments")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := newHTTPSalesClient(cfg.baseURL, cfg.jwtSecret, cfg.timeout)
	defer func() { _ = client.Close() }()

	result := run(ctx, client, cfg)
	result.print(out, cfg)
	if cfg.reportPath != "" {
		if err := result.save(cfg.reportPath); err != nil {
			log.WithError(err).Error("failed to write report")
			return 1
		}
	}
	if result.Scenarios.Failed > 0 {
		return 1
	}
	return 0
}

func parseConfig(args []string, lookup func(string) (string, bool)) (config, error) {
	var (
		cfg  config
		mode string
	)
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "sales API base URL")
	fs.IntVar(&cfg.scenarios, "total", 0, fmt.Sprintf("scenarios to run (default %d, unlimited with -duration)", defaultScenarios))
	fs.DurationVar(&cfg.duration, "duration", 0, "stop starting new scenarios after this long")
	fs.IntVar(&cfg.workers, "concurrency", 40, "concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&mode, "mode", string(modeCreate), "create | create-pay | create-cancel")
	fs.IntVar(&cfg.cancelRate, "cancel-rate", 0, "percent of create-pay scenarios cancelled instead of paid")
	fs.StringVar(&cfg.courseID, "course", "course-load", "course id to buy")
	fs.StringVar(&cfg.buyerPrefix, "buyer-tag", "load", "buyer id prefix")
	fs.StringVar(&cfg.jwtSecret, "jwt-secret", "", "HMAC secret for buyer tokens (default $"+envJWTSecret+")")
	fs.StringVar(&cfg.reportPath, "output", "", "write the JSON report to this file")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	var err error
	if cfg.mode, err = parseMode(mode); err != nil {
		return config{}, err
	}
	if cfg.scenarios == 0 && cfg.duration == 0 {
		cfg.scenarios = defaultScenarios
	}
	if strings.TrimSpace(cfg.jwtSecret) == "" {
		cfg.jwtSecret, _ = lookup(envJWTSecret)
	}
	if cfg.jwtSecret = strings.TrimSpace(cfg.jwtSecret); cfg.jwtSecret == "" {
		cfg.jwtSecret = defaultJWTSecret
	}

	switch {
	case cfg.scenarios < 0:
		return config{}, errors.New("total must not be negative")
	case cfg.duration < 0:
		return config{}, errors.New("duration must not be negative")
	case cfg.workers <= 0:
		return config{}, errors.New("concurrency must be positive")
	case cfg.timeout <= 0:
		return config{}, errors.New("timeout must be positive")
	case cfg.cancelRate < 0 || cfg.cancelRate > 100:
		return config{}, errors.New("cancel-rate must be between 0 and 100")
	case strings.TrimSpace(cfg.baseURL) == "" || strings.TrimSpace(cfg.courseID) == "" || strings.TrimSpace(cfg.buyerPrefix) == "":
		return config{}, errors.New("url, course and buyer-tag must not be empty")
	}
	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch m := loadMode(strings.TrimSpace(value)); m {
	case modeCreate, modeCreatePay, modeCreateCancel:
		return m, nil
	default:
		return "", fmt.Errorf("unsupported mode %q", value)
	}
}

// target описывает ограничение прогона для сводки.
func (c config) target() string {
	switch {
	case c.duration == 0:
		return fmt.Sprintf("%d scenarios", c.scenarios)
	case c.scenarios > 0:
		return fmt.Sprintf("%s or %d scenarios", c.duration, c.scenarios)
	default:
		return c.duration.String()
	}
}
