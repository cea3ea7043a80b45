package storage_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/grafana/dskit/services"
	storagesvc "github.com/otelfleet/otaagent/pkg/services/storage"
	"github.com/otelfleet/otaagent/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoragePersistsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history")

	svc, err := storagesvc.NewStorageService(slog.Default(), path)
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(t.Context(), svc))
	require.NoError(t, svc.KeyValue("history").Put(t.Context(), "k", []byte("v")))
	require.NoError(t, services.StopAndAwaitTerminated(t.Context(), svc))

	svc, err = storagesvc.NewStorageService(slog.Default(), path)
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(t.Context(), svc))
	t.Cleanup(func() { _ = services.StopAndAwaitTerminated(context.Background(), svc) })

	got, err := svc.KeyValue("history").Get(t.Context(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestStorageInMemory(t *testing.T) {
	svc, err := storagesvc.NewStorageService(slog.Default(), "")
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(t.Context(), svc))
	t.Cleanup(func() { _ = services.StopAndAwaitTerminated(context.Background(), svc) })

	_, err = svc.KeyValue("history").Get(t.Context(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
