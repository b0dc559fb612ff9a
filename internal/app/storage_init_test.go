package app

import (
	"context"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/coursesales/internal/health"
)

func TestInitRuntimeDependencies_Memory(t *testing.T) {
	t.Parallel()

	deps, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverMemory,
	}, log.WithField("test", "memory-storage"))
	if err != nil {
		t.Fatalf("initRuntimeDependencies(memory) failed: %v", err)
	}
	if deps.sales == nil {
		t.Fatal("sales repo should not be nil for memory storage")
	}
	if deps.enrollments == nil {
		t.Fatal("enrollments repo should not be nil for memory storage")
	}
	if deps.outboxRepo == nil {
		t.Fatal("outboxRepo should not be nil for memory storage")
	}
	if deps.idempotencyRepo == nil {
		t.Fatal("idempotencyRepo should not be nil for memory storage")
	}
	if err := deps.close(); err != nil {
		t.Fatalf("close memory deps: %v", err)
	}
}

func TestInitRuntimeDependencies_Bolt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sales.db")
	deps, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverBolt,
		BoltPath:      path,
	}, log.WithField("test", "bolt-storage"))
	if err != nil {
		t.Fatalf("initRuntimeDependencies(bolt) failed: %v", err)
	}
	defer func() { _ = deps.close() }()

	if deps.sales == nil || deps.enrollments == nil || deps.outboxRepo == nil || deps.idempotencyRepo == nil {
		t.Fatalf("bolt dependencies must be initialized: %+v", deps)
	}
	if check := deps.storageChecker.Check(context.Background()); check.Status != healthcheck.StatusHealthy {
		t.Fatalf("expected healthy bolt checker, got %+v", check)
	}

	handler := healthcheck.NewHandler("test")
	deps.registerCheckers(handler)
	if handler.Evaluate(context.Background()).Status != healthcheck.StatusHealthy {
		t.Fatal("handler should be healthy with an open bolt store")
	}
}

func TestInitRuntimeDependencies_BoltRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverBolt,
	}, log.WithField("test", "bolt-missing-path"))
	if err == nil {
		t.Fatal("expected error when bolt driver is selected without path")
	}
}

func TestInitRuntimeDependencies_PostgresRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverPostgres,
	}, log.WithField("test", "postgres-missing-dsn"))
	if err == nil {
		t.Fatal("expected error when postgres driver is selected without DSN")
	}
}

func TestInitRuntimeDependencies_InvalidRedisURL(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverMemory,
		RedisURL:      "not a url",
	}, log.WithField("test", "redis-invalid"))
	if err == nil {
		t.Fatal("expected error for invalid redis url")
	}
}

func TestInitRuntimeDependencies_UnsupportedDriver(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: "sqlite",
	}, log.WithField("test", "unsupported-driver"))
	if err == nil {
		t.Fatal("expected error for unsupported storage driver")
	}
}

func TestRuntimeDependencies_CloseOrder(t *testing.T) {
	var order []string
	deps := &runtimeDependencies{closeFn: func() error {
		order = append(order, "storage")
		return nil
	}}
	deps.addCloser(func() error {
		order = append(order, "redis")
		return nil
	})

	if err := deps.close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if len(order) != 2 || order[0] != "redis" || order[1] != "storage" {
		t.Fatalf("unexpected close order: %v", order)
	}
}
