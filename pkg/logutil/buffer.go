package logutil

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Entry is a single record held by the RingBuffer.
type Entry struct {
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Time    string            `json:"time"`
	Data    map[string]string `json:"data"`
}

// RingBuffer keeps the most recent log records in memory.
type RingBuffer struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &RingBuffer{
		entries: make([]Entry, size),
	}
}

func (r *RingBuffer) add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// Entries returns the buffered records, oldest first.
func (r *RingBuffer) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return slices.Clone(r.entries[:r.next])
	}
	out := make([]Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

func (r *RingBuffer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.entries)
	r.next = 0
	r.full = false
}

// Handler returns a slog.Handler appending to r.
func (r *RingBuffer) Handler(leveler slog.Leveler) slog.Handler {
	return &bufferHandler{buf: r, level: leveler}
}

type bufferHandler struct {
	buf    *RingBuffer
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

func (h *bufferHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *bufferHandler) Handle(_ context.Context, rec slog.Record) error {
	data := make(map[string]string, len(h.attrs)+rec.NumAttrs())
	prefix := ""
	for _, g := range h.groups {
		prefix += g + "."
	}
	for _, a := range h.attrs {
		data[a.Key] = a.Value.String()
	}
	rec.Attrs(func(a slog.Attr) bool {
		data[prefix+a.Key] = a.Value.String()
		return true
	})
	h.buf.add(Entry{
		Level:   LevelName(rec.Level),
		Message: rec.Message,
		Time:    rec.Time.Format(time.RFC3339Nano),
		Data:    data,
	})
	return nil
}

func (h *bufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	for _, g := range h.groups {
		prefix += g + "."
	}
	merged := slices.Clone(h.attrs)
	for _, a := range attrs {
		merged = append(merged, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &bufferHandler{buf: h.buf, level: h.level, attrs: merged, groups: h.groups}
}

func (h *bufferHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &bufferHandler{buf: h.buf, level: h.level, attrs: h.attrs, groups: append(slices.Clone(h.groups), name)}
}

type fanout []slog.Handler

// NewFanout duplicates each record to every handler.
func NewFanout(handlers ...slog.Handler) slog.Handler {
	return fanout(handlers)
}

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, rec slog.Record) error {
	var firstErr error
	for _, h := range f {
		if !h.Enabled(ctx, rec.Level) {
			continue
		}
		if err := h.Handle(ctx, rec.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
