package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"text/tabwriter"
	"time"
)

// latencyMs хранит распределение задержек в миллисекундах.
type latencyMs struct {
	Min  float64 `json:"min"`
	Mean float64 `json:"mean"`
	P50  float64 `json:"p50"`
	P95  float64 `json:"p95"`
	P99  float64 `json:"p99"`
	Max  float64 `json:"max"`
}

type opStats struct {
	Calls     int64            `json:"calls"`
	OK        int64            `json:"ok"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Outcomes  map[string]int64 `json:"outcomes"`
	Latency   latencyMs        `json:"latency_ms"`
}

type summary struct {
	StartedAt          time.Time          `json:"started_at"`
	ElapsedSeconds     float64            `json:"elapsed_seconds"`
	ScenariosPerSecond float64            `json:"scenarios_per_second"`
	Scenarios          opStats            `json:"scenarios"`
	Operations         map[string]opStats `json:"operations"`
}

type series struct {
	ok, failed int64
	outcomes   map[string]int64
	samples    []float64
}

// recorder копит наблюдения по операциям; безопасен для конкурентного использования.
type recorder struct {
	mu     sync.Mutex
	series map[string]*series
}

func newRecorder() *recorder {
	return &recorder{series: make(map[string]*series)}
}

func (r *recorder) observe(op string, took time.Duration, outcome string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.series[op]
	if s == nil {
		s = &series{outcomes: make(map[string]int64)}
		r.series[op] = s
	}
	if ok {
		s.ok++
	} else {
		s.failed++
	}
	s.outcomes[outcome]++
	s.samples = append(s.samples, float64(took.Microseconds())/1000)
}

func (r *recorder) summary(started time.Time, elapsed time.Duration) summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := summary{
		StartedAt:      started.UTC(),
		ElapsedSeconds: elapsed.Seconds(),
		Operations:     make(map[string]opStats, len(r.series)),
	}
	for op, s := range r.series {
		if op == opScenario {
			out.Scenarios = s.stats()
			continue
		}
		out.Operations[op] = s.stats()
	}
	if elapsed > 0 {
		out.ScenariosPerSecond = float64(out.Scenarios.Calls) / elapsed.Seconds()
	}
	return out
}

func (s *series) stats() opStats {
	calls := s.ok + s.failed
	st := opStats{
		Calls:    calls,
		OK:       s.ok,
		Failed:   s.failed,
		Outcomes: maps.Clone(s.outcomes),
		Latency:  latencyOf(s.samples),
	}
	if calls > 0 {
		st.ErrorRate = float64(s.failed) / float64(calls)
	}
	return st
}

func latencyOf(samples []float64) latencyMs {
	if len(samples) == 0 {
		return latencyMs{}
	}
	sorted := slices.Sorted(slices.Values(samples))
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return latencyMs{
		Min:  sorted[0],
		Mean: sum / float64(len(sorted)),
		P50:  quantile(sorted, 0.50),
		P95:  quantile(sorted, 0.95),
		P99:  quantile(sorted, 0.99),
		Max:  sorted[len(sorted)-1],
	}
}

// quantile интерполирует между соседними значениями отсортированной выборки.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*(pos-float64(lo))
}

// statusLabel: HTTP-код или transport_error, если ответа не было.
func statusLabel(status int) string {
	if status == 0 {
		return "transport_error"
	}
	return strconv.Itoa(status)
}

func (s summary) print(w io.Writer, cfg config) {
	sc := s.Scenarios
	fmt.Fprintf(w, "mode=%s target=%s elapsed=%.2fs rate=%.2f/s\n", cfg.mode, cfg.target(), s.ElapsedSeconds, s.ScenariosPerSecond)
	fmt.Fprintf(w, "scenarios: %d ok, %d failed (error rate %.4f)\n\n", sc.OK, sc.Failed, sc.ErrorRate)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "operation\tcalls\tfailed\tp50 ms\tp95 ms\tp99 ms\tmax ms\t")
	row := func(name string, st opStats) {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.2f\t%.2f\t%.2f\t%.2f\t\n",
			name, st.Calls, st.Failed, st.Latency.P50, st.Latency.P95, st.Latency.P99, st.Latency.Max)
	}
	row(opScenario, sc)
	for _, op := range slices.Sorted(maps.Keys(s.Operations)) {
		row(op, s.Operations[op])
	}
	_ = tw.Flush()
}

func (s summary) save(path string) error {
	path = filepath.Clean(path)
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return errors.New("report path is a directory")
	}
	body, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(body, '\n'), 0o644)
}
