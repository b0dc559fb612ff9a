// Package health собирает проверки зависимостей сервиса в отчёт для /healthz и /readyz.
package health

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"sync"
	"time"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// DefaultTimeout ограничивает одну проверку, если вызывающий не задал свой дедлайн.
const DefaultTimeout = 2 * time.Second

// Check — результат проверки одного компонента.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Report — тело ответа /healthz.
type Report struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

type Checker interface {
	Check(ctx context.Context) Check
}

// Probe превращает fn в Checker: ошибка fn означает unhealthy. timeout <= 0 заменяется на DefaultTimeout.
func Probe(name string, timeout time.Duration, fn func(ctx context.Context) error) Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return probe{name: name, timeout: timeout, fn: fn}
}

type probe struct {
	name    string
	timeout time.Duration
	fn      func(ctx context.Context) error
}

func (p probe) Check(ctx context.Context) Check {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := p.fn(ctx)
	c := Check{Name: p.name, Status: StatusHealthy, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		c.Status = StatusUnhealthy
		c.Message = err.Error()
	}
	return c
}

type registration struct {
	checker  Checker
	optional bool
}

// Handler хранит зарегистрированные проверки и отдаёт отчёт по HTTP.
type Handler struct {
	mu      sync.RWMutex
	checks  map[string]registration
	version string
	started time.Time
}

func NewHandler(version string) *Handler {
	return &Handler{checks: make(map[string]registration), version: version, started: time.Now()}
}

// Register добавляет обязательную проверку: её отказ делает сервис unhealthy.
func (h *Handler) Register(name string, c Checker) {
	h.register(name, registration{checker: c})
}

// RegisterOptional добавляет проверку, отказ которой только понижает статус до degraded.
func (h *Handler) RegisterOptional(name string, c Checker) {
	h.register(name, registration{checker: c, optional: true})
}

func (h *Handler) register(name string, r registration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = r
}

// Evaluate выполняет все проверки параллельно и сводит их в отчёт.
func (h *Handler) Evaluate(ctx context.Context) Report {
	h.mu.RLock()
	regs := maps.Clone(h.checks)
	h.mu.RUnlock()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		report = Report{Status: StatusHealthy, Checks: make(map[string]Check, len(regs)), Version: h.version}
	)
	for name, r := range regs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := r.checker.Check(ctx)
			if r.optional && c.Status == StatusUnhealthy {
				c.Status = StatusDegraded
			}
			mu.Lock()
			report.Checks[name] = c
			report.Status = worse(report.Status, c.Status)
			mu.Unlock()
		}()
	}
	wg.Wait()

	report.Timestamp = time.Now().UTC()
	report.UptimeSeconds = int64(time.Since(h.started).Seconds())
	return report
}

func worse(a, b Status) Status {
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func rank(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// ServeHTTP отдаёт отчёт в JSON; 503 только для unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.Evaluate(r.Context())
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}

// ReadinessHandler отвечает "ready", пока ни одна обязательная проверка не провалена.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.Evaluate(r.Context()).Status == StatusUnhealthy {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ready"))
}

// LivenessHandler всегда отвечает 200: процесс жив, пока обслуживает HTTP.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}
