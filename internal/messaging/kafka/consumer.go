package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// MessageHandler обрабатывает одно сообщение из топика.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent помечает ошибку обработчика, которую повтор не исправит:
// сообщение подтверждается сразу, без retry и DLQ.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var target *permanentError
	return errors.As(err, &target)
}

// ConsumerConfig задаёт consumer group и политику повторов.
type ConsumerConfig struct {
	Brokers    []string
	GroupID    string
	Topics     []string
	MaxRetries int
	RetryDelay time.Duration
}

// Consumer читает топики consumer group'ой и передаёт сообщения в MessageHandler.
// Сообщения, исчерпавшие повторы, уходят в sales.dlq.
type Consumer struct {
	group      sarama.ConsumerGroup
	topics     []string
	handle     MessageHandler
	dlq        *Producer
	maxRetries int
	retryDelay time.Duration
	logger     *log.Entry
	wg         sync.WaitGroup
}

// NewConsumer подключается к consumer group. dlq может быть nil: тогда сообщение после повторов
// остаётся неподтверждённым и будет прочитано снова.
func NewConsumer(cfg ConsumerConfig, handle MessageHandler, dlq *Producer) (*Consumer, error) {
	switch {
	case handle == nil:
		return nil, errors.New("kafka consumer: handler is required")
	case cfg.GroupID == "" || len(cfg.Topics) == 0:
		return nil, errors.New("kafka consumer: group id and topics are required")
	}

	sc := sarama.NewConfig()
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("join consumer group %s: %w", cfg.GroupID, err)
	}

	return &Consumer{
		group:      group,
		topics:     cfg.Topics,
		handle:     handle,
		dlq:        dlq,
		maxRetries: max(cfg.MaxRetries, 0),
		retryDelay: cfg.RetryDelay,
		logger:     log.WithField("component", "kafka-consumer"),
	}, nil
}

// Start запускает чтение в фоне; остановка через отмену ctx или Stop.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		// Consume возвращается на каждом rebalance, поэтому вызывается в цикле
		for ctx.Err() == nil {
			err := c.group.Consume(ctx, c.topics, c)
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			if err != nil {
				c.logger.WithError(err).Error("consumer group session ended with error")
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Warn("consumer group error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("close consumer group: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim подтверждает сообщение только после успешной обработки или отправки в DLQ.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			if err := c.process(ctx, message); err != nil {
				c.logger.WithError(err).WithFields(messageFields(message)).Error("message left unacknowledged")
				continue
			}
			session.MarkMessage(message, "")
		}
	}
}

// process вызывает обработчик с повторами. Попытки, записанные в заголовке x-retry-count,
// засчитываются в лимит.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) error {
	retries := priorRetries(message)
	for {
		err := c.handle(ctx, message)
		switch {
		case err == nil:
			return nil
		case IsPermanent(err):
			c.logger.WithError(err).WithFields(messageFields(message)).Warn("message rejected, skipping")
			return nil
		case retries >= c.maxRetries:
			return c.giveUp(message, err, retries)
		}

		retries++
		c.logger.WithError(err).WithFields(messageFields(message)).
			WithField("retry", retries).Warn("message handling failed, retrying")
		if c.retryDelay > 0 {
			t := time.NewTimer(c.retryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
}

// giveUp отправляет сообщение в DLQ; без DLQ возвращает исходную ошибку.
func (c *Consumer) giveUp(message *sarama.ConsumerMessage, cause error, retries int) error {
	if c.dlq == nil {
		return cause
	}
	failed := FailedMessage{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		Error:             cause.Error(),
		RetryCount:        retries,
		FailedAt:          time.Now().UTC(),
	}
	err := c.dlq.Send(TopicDeadLetterQueue, failed.OriginalKey, failed,
		header(HeaderRetryCount, strconv.Itoa(retries)),
		header(HeaderOriginalTopic, failed.OriginalTopic),
		header(HeaderErrorMessage, failed.Error),
		header(HeaderFailedAt, failed.FailedAt.Format(time.RFC3339)),
	)
	if err != nil {
		return fmt.Errorf("dead-letter %s/%d@%d: %w", message.Topic, message.Partition, message.Offset, err)
	}
	c.logger.WithFields(messageFields(message)).WithField("retries", retries).Warn("message moved to dead letter queue")
	return nil
}

func priorRetries(message *sarama.ConsumerMessage) int {
	for _, h := range message.Headers {
		if h == nil || string(h.Key) != HeaderRetryCount {
			continue
		}
		if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func messageFields(m *sarama.ConsumerMessage) log.Fields {
	return log.Fields{"topic": m.Topic, "partition": m.Partition, "offset": m.Offset}
}
