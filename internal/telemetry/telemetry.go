package telemetry

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	v1 "github.com/weftlab/weft/internal/api/v1"
	"github.com/weftlab/weft/internal/core/storage"
)

// Emitter records processing outcomes without blocking the path that
// produced them. Emit enqueues onto a bounded buffer; a background drain
// goroutine writes records to the store. When the buffer is full the record
// is dropped and counted rather than stalling a worker.
type Emitter struct {
	store   storage.TelemetryStore
	ch      chan v1.TelemetryRecord
	dropped atomic.Int64
}

// NewEmitter creates an emitter with the given buffer size.
func NewEmitter(store storage.TelemetryStore, bufferSize int) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Emitter{
		store: store,
		ch:    make(chan v1.TelemetryRecord, bufferSize),
	}
}

// Emit records one outcome. Never blocks.
func (e *Emitter) Emit(rec v1.TelemetryRecord) {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	select {
	case e.ch <- rec:
	default:
		e.dropped.Add(1)
	}
}

// Dropped returns how many records were discarded due to a full buffer.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Run drains the buffer until ctx is cancelled, then flushes whatever is
// still buffered before returning.
func (e *Emitter) Run(ctx context.Context) error {
	slog.Info("[Telemetry] Emitter started", "buffer", cap(e.ch))

	for {
		select {
		case rec := <-e.ch:
			e.write(rec)
		case <-ctx.Done():
			e.flush()
			if n := e.dropped.Load(); n > 0 {
				slog.Warn("[Telemetry] Records dropped during run", "count", n)
			}
			slog.Info("[Telemetry] Emitter stopped")
			return nil
		}
	}
}

func (e *Emitter) flush() {
	for {
		select {
		case rec := <-e.ch:
			e.write(rec)
		default:
			return
		}
	}
}

func (e *Emitter) write(rec v1.TelemetryRecord) {
	// Telemetry writes use their own deadline: the worker that emitted the
	// record has already moved on.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.store.SaveTelemetry(ctx, &rec); err != nil {
		slog.Error("[Telemetry] Failed to save record",
			"event_id", rec.EventID,
			"outcome", rec.Outcome,
			"error", err)
	}
}
