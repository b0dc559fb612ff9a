package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	opScenario = "scenario"
	opCreate   = "CreateSale"
	opPay      = "ProcessPayment"
	opCancel   = "CancelSale"

	phaseCompleted = "completed"
)

// run раздаёт номера сценариев пулу из cfg.workers воркеров. С duration новые сценарии
// перестают выдаваться по таймеру, начатые доигрываются до конца.
func run(ctx context.Context, client salesClient, cfg config) summary {
	started := time.Now()
	requests := context.WithoutCancel(ctx)
	if cfg.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.duration)
		defer cancel()
	}

	rec := newRecorder()
	s := &scenario{
		client: client,
		cfg:    cfg,
		runID:  fmt.Sprintf("%d-%d", started.UnixNano(), os.Getpid()),
		rec:    rec,
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for range cfg.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range jobs {
				_ = s.run(requests, n)
			}
		}()
	}
	feed(ctx, jobs, cfg.scenarios)
	wg.Wait()

	return rec.summary(started, time.Since(started))
}

// feed выдаёт номера 0..limit-1, пока ctx жив. Нулевой limit снимает ограничение.
func feed(ctx context.Context, jobs chan<- int, limit int) {
	defer close(jobs)
	for n := 0; limit == 0 || n < limit; n++ {
		select {
		case <-ctx.Done():
			return
		case jobs <- n:
		}
	}
}

type scenario struct {
	client salesClient
	cfg    config
	runID  string
	rec    *recorder
}

func (s *scenario) run(ctx context.Context, n int) error {
	start := time.Now()
	err := s.play(ctx, n)
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	s.rec.observe(opScenario, time.Since(start), outcome, err == nil)
	return err
}

func (s *scenario) play(ctx context.Context, n int) error {
	// свой покупатель на сценарий: вторая незавершённая покупка того же курса получит 409
	buyer := fmt.Sprintf("%s-%s-%d", s.cfg.buyerPrefix, s.runID, n)

	var saleID string
	err := s.step(ctx, opCreate, func(ctx context.Context) (int, error) {
		id, status, err := s.client.CreateSale(ctx, buyer, s.cfg.courseID, s.key("create", n, 0))
		saleID = id
		return status, err
	})
	if err != nil {
		return err
	}

	switch {
	case s.cfg.mode == modeCreate:
		return nil
	case s.cfg.mode == modeCreateCancel || cancels(n, s.cfg.cancelRate):
		return s.step(ctx, opCancel, func(ctx context.Context) (int, error) {
			return s.client.CancelSale(ctx, buyer, saleID)
		})
	}

	// первый вызов открывает транзакцию у симулятора, второй её подтверждает
	for attempt := 1; attempt <= 2; attempt++ {
		var phase string
		err := s.step(ctx, opPay, func(ctx context.Context) (int, error) {
			p, status, err := s.client.ProcessPayment(ctx, buyer, saleID, s.key("pay", n, attempt))
			phase = p
			return status, err
		})
		if err != nil {
			return err
		}
		if phase == phaseCompleted {
			return nil
		}
	}
	return fmt.Errorf("sale %s is not completed after checkout", saleID)
}

// step выполняет один HTTP-вызов с таймаутом запроса и записывает его под именем op.
func (s *scenario) step(ctx context.Context, op string, call func(context.Context) (int, error)) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.timeout)
	defer cancel()

	start := time.Now()
	status, err := call(ctx)
	s.rec.observe(op, time.Since(start), statusLabel(status), err == nil)
	return err
}

func (s *scenario) key(op string, n, attempt int) string {
	return fmt.Sprintf("lt-%s-%s-%d-%d", op, s.runID, n, attempt)
}

// cancels выбирает rate сценариев из каждой сотни.
func cancels(n, rate int) bool {
	return n%100 < rate
}
