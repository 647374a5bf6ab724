// Package trace implements the request trace/event log: a bounded,
// single-writer channel that records the named event vocabulary emitted by
// the candidate loop and the HTTP layer, batch-flushed to storage.
package trace

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codex-gateway/gateway/internal/gatewaycore"
)

const (
	eventChanSize  = 2000
	batchSize      = 200
	flushEvery     = 2 * time.Second
	drainTimeout   = 10 * time.Second
	dropWarnEvery  = 5 * time.Second
)

// Event is one row of the trace/request log, keyed by trace ID.
type Event struct {
	ID      string
	TraceID string
	Name    string
	Fields  map[string]string
	At      time.Time
}

// Store is the persistence interface consumed by Writer.
type Store interface {
	InsertTraceEvents(ctx context.Context, events []Event) error
}

// Writer is C13: it implements gatewaycore.Tracer, buffering Event calls on
// a bounded channel and batch-flushing them off the request hot path.
// Grounded on internal/worker/usage_recorder.go's UsageRecorder.
type Writer struct {
	ch    chan Event
	store Store

	lastDropWarnMu sync.Mutex
	lastDropWarn   time.Time
	dropped        int64
}

// NewWriter creates a Writer backed by store.
func NewWriter(store Store) *Writer {
	return &Writer{
		ch:    make(chan Event, eventChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (w *Writer) Name() string { return "trace_writer" }

// Event implements gatewaycore.Tracer. kv must be an even-length list of
// alternating string keys and values of any printable type; it never
// blocks on a full channel, it drops and counts.
func (w *Writer) Event(ctx context.Context, name string, kv ...any) {
	ev := Event{
		ID:     uuid.NewString(),
		Name:   name,
		Fields: fieldsFrom(kv),
		At:     time.Now(),
	}
	if tid, ok := ev.Fields["trace_id"]; ok {
		ev.TraceID = tid
	} else {
		ev.TraceID = gatewaycore.TraceIDFromContext(ctx)
	}

	select {
	case w.ch <- ev:
	default:
		w.warnDropped(ctx)
	}
}

func (w *Writer) warnDropped(ctx context.Context) {
	w.lastDropWarnMu.Lock()
	defer w.lastDropWarnMu.Unlock()
	w.dropped++
	if time.Since(w.lastDropWarn) < dropWarnEvery {
		return
	}
	w.lastDropWarn = time.Now()
	slog.LogAttrs(ctx, slog.LevelWarn, "trace event dropped, channel full",
		slog.Int64("dropped_total", w.dropped))
}

// Run processes events until ctx is cancelled, then drains remaining events
// with a bounded timeout.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	buf := make([]Event, 0, batchSize)

	for {
		select {
		case ev := <-w.ch:
			buf = append(buf, ev)
			if len(buf) >= batchSize {
				w.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				w.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			w.drain(buf)
			return nil
		}
	}
}

func (w *Writer) drain(buf []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case ev := <-w.ch:
			buf = append(buf, ev)
			if len(buf) >= batchSize {
				w.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				w.flush(ctx, buf)
			}
			return
		}
	}
}

func (w *Writer) flush(ctx context.Context, buf []Event) {
	batch := make([]Event, len(buf))
	copy(batch, buf)

	if err := w.store.InsertTraceEvents(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "trace flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()))
	}
}

// fieldsFrom converts an alternating key/value list into a sanitized string
// map, stripping CR/LF from values so a malicious upstream body can't forge
// extra log lines in a downstream line-oriented sink.
func fieldsFrom(kv []any) map[string]string {
	fields := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = sanitize(toString(kv[i+1]))
	}
	return fields
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	default:
		return fmt.Sprint(t)
	}
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}
