package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSalesClient struct {
	createErr error
	// вызовов ProcessPayment до завершения оплаты; при 0 оплата не завершается
	payRounds int

	mu      sync.Mutex
	paid    map[string]int
	cancels int
	keys    map[string]bool
}

func newFakeSalesClient() *fakeSalesClient {
	return &fakeSalesClient{payRounds: 2, paid: make(map[string]int), keys: make(map[string]bool)}
}

func (f *fakeSalesClient) CreateSale(_ context.Context, buyerID, _, key string) (string, int, error) {
	f.remember(key)
	if f.createErr != nil {
		return "", http.StatusConflict, f.createErr
	}
	return "sale-" + buyerID, http.StatusCreated, nil
}

func (f *fakeSalesClient) ProcessPayment(_ context.Context, _, saleID, key string) (string, int, error) {
	f.remember(key)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paid[saleID]++
	if f.payRounds > 0 && f.paid[saleID] >= f.payRounds {
		return phaseCompleted, http.StatusOK, nil
	}
	return "redirect", http.StatusOK, nil
}

func (f *fakeSalesClient) CancelSale(context.Context, string, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return http.StatusOK, nil
}

func (f *fakeSalesClient) remember(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key] = true
}

func loadConfig(mode loadMode, scenarios int) config {
	return config{
		scenarios:   scenarios,
		workers:     4,
		timeout:     time.Second,
		mode:        mode,
		courseID:    "go-101",
		buyerPrefix: "lt",
	}
}

func TestRun_Modes(t *testing.T) {
	tests := []struct {
		name        string
		mode        loadMode
		cancelRate  int
		wantOps     map[string]int64
		wantCancels int
	}{
		{name: "create", mode: modeCreate, wantOps: map[string]int64{opCreate: 10}},
		{name: "create-pay", mode: modeCreatePay, wantOps: map[string]int64{opCreate: 10, opPay: 20}},
		{name: "create-cancel", mode: modeCreateCancel, wantOps: map[string]int64{opCreate: 10, opCancel: 10}, wantCancels: 10},
		{
			name: "create-pay with cancel rate", mode: modeCreatePay, cancelRate: 30,
			wantOps:     map[string]int64{opCreate: 10, opPay: 14, opCancel: 3},
			wantCancels: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeSalesClient()
			cfg := loadConfig(tt.mode, 10)
			cfg.cancelRate = tt.cancelRate

			result := run(t.Context(), client, cfg)

			assert.Equal(t, int64(10), result.Scenarios.OK)
			assert.Zero(t, result.Scenarios.Failed)
			require.Len(t, result.Operations, len(tt.wantOps))
			for op, calls := range tt.wantOps {
				assert.Equal(t, calls, result.Operations[op].Calls, op)
			}
			assert.Equal(t, tt.wantCancels, client.cancels)
		})
	}
}

func TestRun_UniqueIdempotencyKeys(t *testing.T) {
	client := newFakeSalesClient()
	run(t.Context(), client, loadConfig(modeCreatePay, 5))
	// create + две оплаты на каждый сценарий
	assert.Len(t, client.keys, 15)
}

func TestRun_Failures(t *testing.T) {
	t.Run("create rejected", func(t *testing.T) {
		client := newFakeSalesClient()
		client.createErr = errors.New("already purchasing")

		result := run(t.Context(), client, loadConfig(modeCreatePay, 3))

		assert.Equal(t, int64(3), result.Scenarios.Failed)
		assert.Equal(t, int64(3), result.Operations[opCreate].Outcomes["409"])
		assert.NotContains(t, result.Operations, opPay)
		assert.InDelta(t, 1.0, result.Scenarios.ErrorRate, 1e-9)
	})

	t.Run("payment never completes", func(t *testing.T) {
		client := newFakeSalesClient()
		client.payRounds = 0

		result := run(t.Context(), client, loadConfig(modeCreatePay, 2))

		assert.Equal(t, int64(2), result.Scenarios.Failed)
		// сами вызовы успешны, проваливается сценарий
		assert.Equal(t, int64(4), result.Operations[opPay].OK)
	})
}

func TestRun_DurationStopsFeeding(t *testing.T) {
	client := newFakeSalesClient()
	cfg := loadConfig(modeCreate, 0)
	cfg.duration = 50 * time.Millisecond

	done := make(chan summary, 1)
	go func() { done <- run(context.Background(), client, cfg) }()

	select {
	case result := <-done:
		assert.Positive(t, result.Scenarios.Calls)
		assert.Zero(t, result.Scenarios.Failed)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after duration")
	}
}

func TestFeed(t *testing.T) {
	t.Run("limit", func(t *testing.T) {
		jobs := make(chan int, 10)
		feed(t.Context(), jobs, 3)

		var got []int
		for n := range jobs {
			got = append(got, n)
		}
		assert.Equal(t, []int{0, 1, 2}, got)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		jobs := make(chan int)
		feed(ctx, jobs, 0)

		_, open := <-jobs
		assert.False(t, open)
	})
}

func TestCancels(t *testing.T) {
	assert.False(t, cancels(0, 0))
	assert.True(t, cancels(0, 1))
	assert.False(t, cancels(1, 1))
	assert.True(t, cancels(149, 50))
	assert.True(t, cancels(99, 100))
}
