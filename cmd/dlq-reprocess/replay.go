package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// tally — итог прохода: scanned = matched + skipped.
type tally struct {
	scanned int
	matched int
	skipped int
}

type replayer struct {
	cfg     config
	offsets offsetReader
	opener  partitionOpener
	sink    sarama.SyncProducer
	logger  *log.Entry
}

// run читает партиции по возрастанию номера, пока не наберёт cfg.limit сообщений.
func (r *replayer) run(ctx context.Context) (tally, error) {
	var total tally
	if r.cfg.execute && r.sink == nil {
		return total, errors.New("execute mode requires a producer")
	}

	partitions, err := r.offsets.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("list partitions of %s: %w", r.cfg.sourceTopic, err)
	}
	partitions = slices.Sorted(slices.Values(partitions))

	for _, partition := range partitions {
		left := r.cfg.limit - total.scanned
		if left <= 0 {
			break
		}
		if err := r.scanPartition(ctx, partition, left, &total); err != nil {
			return total, err
		}
	}

	mode := "dry-run"
	if r.cfg.execute {
		mode = "execute"
	}
	r.logger.WithFields(log.Fields{
		"mode":    mode,
		"scanned": total.scanned,
		"matched": total.matched,
		"skipped": total.skipped,
	}).Info("dlq replay finished")
	return total, nil
}

// window возвращает полуинтервал offset'ов [start, end) для чтения партиции.
func (r *replayer) window(partition int32, limit int) (start, end int64, err error) {
	oldest, err := r.offsets.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	end, err = r.offsets.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	start = oldest
	if r.cfg.fromNewest {
		start = max(end-int64(limit), oldest)
	}
	return start, end, nil
}

func (r *replayer) scanPartition(ctx context.Context, partition int32, limit int, t *tally) error {
	start, end, err := r.window(partition, limit)
	if err != nil || start >= end {
		return err
	}

	pc, err := r.opener.ConsumePartition(r.cfg.sourceTopic, partition, start)
	if err != nil {
		return fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer pc.Close()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	for read := 0; read < limit; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			r.logger.WithField("partition", partition).Warn("partition went idle before its end offset")
			return nil
		case cerr, ok := <-pc.Errors():
			if !ok {
				return nil
			}
			return fmt.Errorf("read partition %d: %w", partition, cerr)
		case msg, ok := <-pc.Messages():
			if !ok || msg.Offset >= end {
				return nil
			}
			idle.Reset(r.cfg.idleTimeout)
			read++
			t.scanned++
			if err := r.replay(msg, t); err != nil {
				return err
			}
			if msg.Offset+1 >= end {
				return nil
			}
		}
	}
	return nil
}

func (r *replayer) replay(msg *sarama.ConsumerMessage, t *tally) error {
	logger := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	out, ok, err := decodeDeadLetter(msg.Value, r.cfg.targetTopic)
	if err != nil {
		t.skipped++
		logger.WithError(err).Warn("skip unreadable dlq message")
		return nil
	}
	// события продаж ключуются идентификатором продажи, вебхуки ключом отправителя
	if !ok || (r.cfg.saleID != "" && out.key != r.cfg.saleID) {
		t.skipped++
		return nil
	}

	t.matched++
	logger = logger.WithFields(log.Fields{"target_topic": out.topic, "key": out.key})
	if !r.cfg.execute {
		logger.Info("dlq replay candidate")
		return nil
	}
	if _, _, err := r.sink.SendMessage(out.producerMessage(msg.Offset)); err != nil {
		return fmt.Errorf("replay offset %d to %s: %w", msg.Offset, out.topic, err)
	}
	logger.Debug("dlq message replayed")
	return nil
}
