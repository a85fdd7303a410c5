package logging

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Entry is one record kept in the log history.
type Entry struct {
	Time       time.Time      `json:"time"`
	Level      string         `json:"level"`
	Module     string         `json:"module"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// RingBuffer keeps the most recent entries, overwriting the oldest.
type RingBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int
}

// NewRingBuffer creates a buffer holding up to size entries.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{entries: make([]Entry, size)}
}

// Write appends e.
func (rb *RingBuffer) Write(e Entry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.head] = e
	rb.head = (rb.head + 1) % len(rb.entries)
	if rb.count < len(rb.entries) {
		rb.count++
	}
}

// Last returns up to n entries, oldest first. n <= 0 returns everything.
func (rb *RingBuffer) Last(n int) []Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || n > rb.count {
		n = rb.count
	}
	out := make([]Entry, 0, n)
	size := len(rb.entries)
	for i := rb.count - n; i < rb.count; i++ {
		idx := (rb.head - rb.count + i + size) % size
		out = append(out, rb.entries[idx])
	}
	return out
}

// Len returns the number of stored entries.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// HistoryHandler writes records into the package history buffer. It looks
// the buffer up on each record so handlers built before Initialize start
// recording once it exists.
type HistoryHandler struct {
	level  slog.Leveler
	attrs  []scopedAttr
	groups []string
}

type scopedAttr struct {
	groups []string
	attr   slog.Attr
}

// NewHistoryHandler creates a history handler gated by level.
func NewHistoryHandler(level slog.Leveler) *HistoryHandler {
	return &HistoryHandler{level: level}
}

func (h *HistoryHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *HistoryHandler) Handle(_ context.Context, r slog.Record) error {
	buf := History()
	if buf == nil {
		return nil
	}

	e := Entry{
		Time:       r.Time,
		Level:      strings.ToLower(r.Level.String()),
		Module:     "main",
		Message:    r.Message,
		Attributes: make(map[string]any),
	}
	add := func(groups []string, a slog.Attr) {
		if a.Key == "module" && len(groups) == 0 {
			e.Module = a.Value.String()
			return
		}
		flatten(e.Attributes, groups, a)
	}
	for _, sa := range h.attrs {
		add(sa.groups, sa.attr)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(h.groups, a)
		return true
	})

	buf.Write(e)
	return nil
}

func (h *HistoryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scoped := slices.Clip(h.attrs)
	for _, a := range attrs {
		scoped = append(scoped, scopedAttr{groups: h.groups, attr: a})
	}
	return &HistoryHandler{level: h.level, attrs: scoped, groups: h.groups}
}

func (h *HistoryHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &HistoryHandler{level: h.level, attrs: h.attrs, groups: append(slices.Clip(h.groups), name)}
}

func flatten(dst map[string]any, groups []string, a slog.Attr) {
	key := a.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		nested := append(slices.Clone(groups), a.Key)
		for _, ga := range v.Group() {
			flatten(dst, nested, ga)
		}
	case slog.KindTime:
		dst[key] = v.Time().Format(time.RFC3339Nano)
	case slog.KindDuration:
		dst[key] = v.Duration().String()
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			dst[key] = err.Error()
		} else {
			dst[key] = v.Any()
		}
	default:
		dst[key] = v.Any()
	}
}
