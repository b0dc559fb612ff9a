package main

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/coursesales/internal/messaging/kafka"
)

const replayClientID = "sales-dlq-reprocess"

type offsetReader interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partition int32, at int64) (int64, error)
}

type partitionReader interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionOpener interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionReader, error)
}

type consumerOpener struct {
	consumer sarama.Consumer
}

func (o consumerOpener) ConsumePartition(topic string, partition int32, offset int64) (partitionReader, error) {
	return o.consumer.ConsumePartition(topic, partition, offset)
}

// connections — клиенты Kafka одного запуска; sink пустой в dry-run.
type connections struct {
	offsets offsetReader
	opener  partitionOpener
	sink    sarama.SyncProducer
	closers []io.Closer
}

// Close закрывает клиентов в обратном порядке открытия.
func (c *connections) Close() error {
	var errs []error
	for _, closer := range slices.Backward(c.closers) {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var connect = func(cfg config) (*connections, error) {
	sc := sarama.NewConfig()
	sc.ClientID = replayClientID
	sc.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("connect to kafka: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create partition consumer: %w", err)
	}
	c := &connections{
		offsets: client,
		opener:  consumerOpener{consumer: consumer},
		closers: []io.Closer{client, consumer},
	}
	if !cfg.execute {
		return c, nil
	}

	producer, err := sarama.NewSyncProducer(cfg.brokers, kafka.ProducerConfig(replayClientID))
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("create replay producer: %w", err)
	}
	c.sink = producer
	c.closers = append(c.closers, producer)
	return c, nil
}
