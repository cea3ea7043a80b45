package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
)

// NewJSONKV stores values of T as JSON documents in kv.
func NewJSONKV[T any](
	logger *slog.Logger,
	kv KV,
) KeyValue[T] {
	return &jsonKeyValue[T]{
		underlying: kv,
		logger:     logger,
	}
}

// NewJSONBroker hands out JSON stores of T on top of broker.
func NewJSONBroker[T any](logger *slog.Logger, broker KVBroker) KeyValueBroker[T] {
	return &jsonBroker[T]{logger: logger, broker: broker}
}

type jsonBroker[T any] struct {
	logger *slog.Logger
	broker KVBroker
}

func (b *jsonBroker[T]) KeyValue(prefix string) KeyValue[T] {
	return NewJSONKV[T](b.logger.With("prefix", prefix), b.broker.KeyValue(prefix))
}

type jsonKeyValue[T any] struct {
	logger     *slog.Logger
	underlying KV
}

func (kv *jsonKeyValue[T]) Put(ctx context.Context, key string, obj T) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return kv.underlying.Put(ctx, key, data)
}

func (kv *jsonKeyValue[T]) Get(ctx context.Context, key string) (T, error) {
	var t T
	raw, err := kv.underlying.Get(ctx, key)
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return t, err
	}
	return t, nil
}

func (kv *jsonKeyValue[T]) ListKeys(ctx context.Context) ([]string, error) {
	return kv.underlying.ListKeys(ctx)
}

// List skips documents that no longer decode into T.
func (kv *jsonKeyValue[T]) List(ctx context.Context) ([]T, error) {
	raw, err := kv.underlying.List(ctx)
	if err != nil {
		return nil, err
	}
	ret := make([]T, 0, len(raw))
	for _, el := range raw {
		var t T
		if err := json.Unmarshal(el, &t); err != nil {
			kv.logger.With("type", reflect.TypeOf(t)).With("err", err).Error("failed to decode stored value")
			continue
		}
		ret = append(ret, t)
	}
	return ret, nil
}

func (kv *jsonKeyValue[T]) Delete(ctx context.Context, key string) error {
	return kv.underlying.Delete(ctx, key)
}
