package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/serenline/vigil/internal/storage"
	"github.com/serenline/vigil/internal/telemetry"
)

// maxLedgerCapacity is the hard upper limit on buffered ledger records to
// prevent OOM. When reached, Append applies backpressure by returning an error.
const maxLedgerCapacity = 100_000

// LedgerBuffer accumulates session ledger records in memory and flushes them
// to the database using COPY when either the buffer size or flush timeout is
// reached. High-volume ai_analysis records go through here; session_start and
// session_end bypass it so they are durable before the response goes out.
type LedgerBuffer struct {
	db           *storage.DB
	logger       *slog.Logger
	maxSize      int
	flushTimeout time.Duration

	mu      sync.Mutex
	records []storage.SessionRecord

	droppedRecords atomic.Int64 // total records dropped due to capacity after flush failure

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc // cancels the flushLoop goroutine
	drainCtx   context.Context    // set by Drain so final flush respects caller's deadline
}

// NewLedgerBuffer creates a new ledger buffer.
func NewLedgerBuffer(db *storage.DB, logger *slog.Logger, maxSize int, flushTimeout time.Duration) *LedgerBuffer {
	return &LedgerBuffer{
		db:           db,
		logger:       logger,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics. Call Drain to stop.
func (b *LedgerBuffer) Start(ctx context.Context) {
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Append adds records to the buffer, assigning IDs and timestamps at append
// time so flush order doesn't skew ledger timestamps.
// Returns an error if the buffer is at capacity (backpressure).
func (b *LedgerBuffer) Append(records ...storage.SessionRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records)+len(records) > maxLedgerCapacity {
		return fmt.Errorf("ingest: ledger buffer at capacity (%d records), try again later", len(b.records))
	}

	now := time.Now().UTC()
	for i := range records {
		if records[i].ID == uuid.Nil {
			records[i].ID = uuid.New()
		}
		if records[i].CreatedAt.IsZero() {
			records[i].CreatedAt = now
		}
	}
	b.records = append(b.records, records...)

	if len(b.records) >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *LedgerBuffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush needs a non-cancelled context; ctx is already done.
			// The drain context carries the caller's shutdown deadline.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *LedgerBuffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.records) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.records
	b.records = nil
	b.mu.Unlock()

	start := time.Now()
	count, err := b.db.InsertSessionRecords(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		b.logger.Error("ingest: ledger flush failed", "error", err, "batch_size", len(batch))
		// Put records back for retry, but respect the capacity limit.
		b.mu.Lock()
		if len(b.records)+len(batch) <= maxLedgerCapacity {
			b.records = append(batch, b.records...)
		} else {
			b.droppedRecords.Add(int64(len(batch)))
			b.logger.Error("ingest: dropping ledger records, buffer at capacity after flush failure",
				"dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}

	b.logger.Info("ingest: ledger batch flushed",
		"batch_size", count,
		"flush_duration_ms", duration.Milliseconds(),
	)
}

// Drain signals the background flush loop to stop, waits for its final flush,
// and returns. The ctx controls the maximum time to wait and is passed to the
// final flush so it respects the caller's deadline.
func (b *LedgerBuffer) Drain(ctx context.Context) {
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("ingest: ledger drain timed out waiting for flush loop")
	}
}

// registerMetrics registers observable OTEL gauges for buffer health.
func (b *LedgerBuffer) registerMetrics() {
	meter := telemetry.Meter("vigil/ledger")

	_, _ = meter.Int64ObservableGauge("vigil.ledger.buffer_depth",
		metric.WithDescription("Current number of records in the ledger write buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("vigil.ledger.dropped_total",
		metric.WithDescription("Total ledger records dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.DroppedRecords())
			return nil
		}),
	)
}

// Len returns the current number of buffered records.
func (b *LedgerBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Capacity returns the hard buffer capacity, for health reporting.
func (b *LedgerBuffer) Capacity() int {
	return maxLedgerCapacity
}

// DroppedRecords returns the total number of records dropped after flush
// failures. A non-zero value indicates ledger data loss.
func (b *LedgerBuffer) DroppedRecords() int64 {
	return b.droppedRecords.Load()
}
