// dlq-reprocess переотправляет сообщения из sales.dlq: вебхуки возвращаются в исходный топик,
// события продаж в sales.events с исходным типом. Без -execute только печатает кандидатов.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/coursesales/internal/messaging/kafka"
)

const (
	defaultLimit       = 100
	defaultIdleTimeout = 2 * time.Second
	envKafkaBrokers    = "SALES_KAFKA_BROKERS"
)

type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
	saleID      string
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("failed to read .env")
	}

	cfg, err := parseConfig(os.Args[1:], os.LookupEnv)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.WithError(err).Error("invalid arguments")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := run(ctx, cfg); err != nil {
		log.WithError(err).Error("dlq replay failed")
		os.Exit(1)
	}
}

func parseConfig(args []string, lookup func(string) (string, bool)) (config, error) {
	var (
		cfg     config
		brokers string
	)
	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.StringVar(&brokers, "brokers", "", "comma-separated Kafka brokers (default $"+envKafkaBrokers+")")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "dead letter topic to scan")
	fs.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicSaleEvents, "topic for replayed sale events")
	fs.IntVar(&cfg.limit, "limit", defaultLimit, "max messages to scan across all partitions")
	fs.BoolVar(&cfg.execute, "execute", false, "publish messages instead of a dry run")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "scan the last -limit messages of each partition")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop reading a partition after this much silence")
	fs.StringVar(&cfg.saleID, "sale-id", "", "replay only messages of this sale")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokers) == "" {
		brokers, _ = lookup(envKafkaBrokers)
	}
	cfg.brokers = splitList(brokers)
	cfg.sourceTopic = strings.TrimSpace(cfg.sourceTopic)
	cfg.targetTopic = strings.TrimSpace(cfg.targetTopic)
	cfg.saleID = strings.TrimSpace(cfg.saleID)

	switch {
	case len(cfg.brokers) == 0:
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or %s)", envKafkaBrokers)
	case cfg.sourceTopic == "" || cfg.targetTopic == "":
		return config{}, errors.New("source and target topics must not be empty")
	case cfg.limit <= 0:
		return config{}, errors.New("limit must be positive")
	case cfg.idleTimeout <= 0:
		return config{}, errors.New("idle-timeout must be positive")
	}
	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func run(ctx context.Context, cfg config) (tally, error) {
	c, err := connect(cfg)
	if err != nil {
		return tally{}, err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.WithError(err).Warn("failed to close kafka connections")
		}
	}()

	logger := log.WithField("component", "dlq-reprocess")
	logger.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"target_topic": cfg.targetTopic,
		"limit":        cfg.limit,
		"execute":      cfg.execute,
		"sale_id":      cfg.saleID,
	}).Info("starting dlq replay")

	r := &replayer{cfg: cfg, offsets: c.offsets, opener: c.opener, sink: c.sink, logger: logger}
	return r.run(ctx)
}
