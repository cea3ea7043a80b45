package pebble

import (
	"log/slog"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/otelfleet/otaagent/pkg/storage"
)

// Open opens the database at path. An empty path keeps everything in
// memory, which is what read-only agents and tests use.
func Open(path string) (*pebble.DB, error) {
	if path == "" {
		return pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	}
	return pebble.Open(path, &pebble.Options{})
}

// KeyValueBroker hands out JSON encoded stores of T.
type KeyValueBroker[T any] struct {
	logger *slog.Logger
	kv     *KVBroker
}

func NewPebbleBroker[T any](logger *slog.Logger, db *pebble.DB) *KeyValueBroker[T] {
	return &KeyValueBroker[T]{
		logger: logger,
		kv:     NewKVBroker(db),
	}
}

func (k *KeyValueBroker[T]) KeyValue(prefix string) storage.KeyValue[T] {
	return storage.NewJSONKV[T](k.logger, k.kv.KeyValue(prefix))
}

var _ storage.KeyValueBroker[any] = (*KeyValueBroker[any])(nil)
