package storage

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/pebble/v2"
	"github.com/grafana/dskit/services"
	"github.com/otelfleet/otaagent/pkg/storage"
	otapebble "github.com/otelfleet/otaagent/pkg/storage/pebble"
)

// StorageService owns the pebble database backing the install history.
type StorageService struct {
	logger *slog.Logger
	db     *pebble.DB
	broker storage.KVBroker

	services.Service
	storagePath string
}

var _ services.Service = (*StorageService)(nil)
var _ storage.KVBroker = (*StorageService)(nil)

// NewStorageService opens the database at storagePath, or in memory when
// storagePath is empty.
func NewStorageService(
	logger *slog.Logger,
	storagePath string,
) (*StorageService, error) {
	kvDb, err := otapebble.Open(storagePath)
	if err != nil {
		logger.With("err", err, "path", storagePath).Error("failed to open KV store")
		return nil, err
	}
	s := &StorageService{
		logger:      logger,
		storagePath: storagePath,
		db:          kvDb,
		broker:      otapebble.NewKVBroker(kvDb),
	}

	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s, nil
}

func (s *StorageService) starting(_ context.Context) error {
	return nil
}

func (s *StorageService) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *StorageService) stopping(_ error) error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *StorageService) KeyValue(prefix string) storage.KV {
	return s.broker.KeyValue(prefix)
}
