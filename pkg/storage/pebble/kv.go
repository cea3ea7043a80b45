package pebble

import (
	"bytes"
	"context"
	"errors"

	"github.com/cockroachdb/pebble/v2"
	"github.com/otelfleet/otaagent/pkg/storage"
)

type KVBroker struct {
	db *pebble.DB
}

func NewKVBroker(db *pebble.DB) *KVBroker {
	return &KVBroker{
		db: db,
	}
}

func (k *KVBroker) KeyValue(prefix string) storage.KV {
	return k.newPrefixedKeyValue(prefix)
}

func (k *KVBroker) newPrefixedKeyValue(prefix string) *prefixedKV {
	return &prefixedKV{
		db:     k.db,
		prefix: []byte(prefix),
	}
}

type prefixedKV struct {
	prefix []byte
	db     *pebble.DB
}

func (k *prefixedKV) key(key string) []byte {
	fullKey := make([]byte, len(k.prefix)+len(key)+1)
	copy(fullKey, k.prefix)
	fullKey[len(k.prefix)] = '/'
	copy(fullKey[len(k.prefix)+1:], key)
	return fullKey
}

func (k *prefixedKV) Put(_ context.Context, key string, value []byte) error {
	return k.db.Set(k.key(key), value, pebble.Sync)
}

func (k *prefixedKV) Get(_ context.Context, key string) ([]byte, error) {
	data, closer, err := k.db.Get(k.key(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return bytes.Clone(data), nil
}

func (k *prefixedKV) bounds() *pebble.IterOptions {
	lower := make([]byte, len(k.prefix)+1)
	copy(lower, k.prefix)
	lower[len(k.prefix)] = '/'
	upper := bytes.Clone(lower)
	upper[len(upper)-1]++
	return &pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	}
}

func (k *prefixedKV) ListKeys(ctx context.Context) ([]string, error) {
	opts := k.bounds()
	pn := len(opts.LowerBound)
	iter, err := k.db.NewIterWithContext(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	keys := []string{}
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()[pn:]))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (k *prefixedKV) List(ctx context.Context) ([][]byte, error) {
	iter, err := k.db.NewIterWithContext(ctx, k.bounds())
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	vs := [][]byte{}
	for iter.First(); iter.Valid(); iter.Next() {
		vs = append(vs, bytes.Clone(iter.Value()))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return vs, nil
}

func (k *prefixedKV) Delete(_ context.Context, key string) error {
	return k.db.Delete(k.key(key), pebble.Sync)
}

var _ storage.KV = (*prefixedKV)(nil)
var _ storage.KVBroker = (*KVBroker)(nil)
