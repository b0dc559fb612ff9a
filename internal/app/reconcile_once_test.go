package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileOnce_BoltStorage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverBolt
	cfg.BoltPath = filepath.Join(t.TempDir(), "sales.db")
	cfg.CatalogFile = writeCatalogFile(t)

	report, err := ReconcileOnce(context.Background(), cfg)
	require.NoError(t, err)
	assert.Zero(t, report.StaleChecked)
	assert.Zero(t, report.Backfilled)
}

func TestReconcileOnce_InvalidStorage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = "cassandra"

	_, err := ReconcileOnce(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage driver")
}
