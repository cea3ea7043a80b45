package statemachine

import (
	"context"
	"sort"
	"time"

	"github.com/otelfleet/otaagent/pkg/storage"
	"github.com/otelfleet/otaagent/pkg/util"
)

const historyPrefix = "history"

// HistoryEntry records a finished install attempt.
type HistoryEntry struct {
	ID              string    `json:"id"`
	PackageUID      string    `json:"package-uid"`
	Version         string    `json:"version"`
	InstallationSet int       `json:"installation-set"`
	Local           bool      `json:"local"`
	Result          string    `json:"result"`
	Error           string    `json:"error,omitempty"`
	FinishedAt      time.Time `json:"finished-at"`
}

// History keeps the most recent install attempts.
type History struct {
	kv    storage.KeyValue[HistoryEntry]
	limit int
}

// NewHistory stores entries under the history prefix of broker.
func NewHistory(broker storage.KeyValueBroker[HistoryEntry], limit int) *History {
	if limit <= 0 {
		limit = 20
	}
	return &History{kv: broker.KeyValue(historyPrefix), limit: limit}
}

// Append stores e and drops the oldest entries past the limit.
func (h *History) Append(ctx context.Context, e HistoryEntry) error {
	if e.ID == "" {
		e.ID = util.NewUUID()
	}
	if err := h.kv.Put(ctx, e.ID, e); err != nil {
		return err
	}
	keys, err := h.kv.ListKeys(ctx)
	if err != nil {
		return err
	}
	// ids are v7 uuids and sort by creation time
	sort.Strings(keys)
	for len(keys) > h.limit {
		if err := h.kv.Delete(ctx, keys[0]); err != nil {
			return err
		}
		keys = keys[1:]
	}
	return nil
}

// List returns entries newest first.
func (h *History) List(ctx context.Context) ([]HistoryEntry, error) {
	entries, err := h.kv.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID > entries[j].ID })
	return entries, nil
}
