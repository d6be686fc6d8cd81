package persistence

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// WriteOp represents a database write operation.
type WriteOp struct {
	Table string
	Query string
	Args  []any
}

// FallbackFunc receives operations that could not be written after every retry.
type FallbackFunc func(op WriteOp, err error)

// Options tunes a BatchWriter. Zero values pick defaults.
type Options struct {
	MaxSize       int           // ops buffered before an early flush
	FlushInterval time.Duration // time-based flush
	MaxRetries    int           // attempts per batch before falling back
	BaseBackoff   time.Duration // first retry delay, doubled per attempt
	Fallback      FallbackFunc
}

// BatchWriter batches database writes off the caller's path. Failed batches
// are retried with backoff; ops that still fail go to the fallback so
// nothing is dropped silently.
type BatchWriter struct {
	db       *sql.DB
	log      zerolog.Logger
	opts     Options
	buffer   []WriteOp
	mu       sync.Mutex
	flushMu  sync.Mutex // keeps batches in write order
	kick     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
	metrics  BatchWriterMetrics
	lastSize atomic.Int64
	lastTime atomic.Int64
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalRetries  uint64    `json:"total_retries"`
	TotalErrors   uint64    `json:"total_errors"`
	FallbackOps   uint64    `json:"fallback_ops"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter creates a batch writer and starts its flush loop.
func NewBatchWriter(db *sql.DB, log zerolog.Logger, opts Options) *BatchWriter {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 50 * time.Millisecond
	}

	bw := &BatchWriter{
		db:     db,
		log:    log.With().Str("component", "batch_writer").Logger(),
		opts:   opts,
		buffer: make([]WriteOp, 0, opts.MaxSize),
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if bw.opts.Fallback == nil {
		bw.opts.Fallback = bw.logFallback
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Write adds a write operation to the batch. It never blocks on I/O.
// Writes after Close go straight to the fallback.
func (bw *BatchWriter) Write(op WriteOp) {
	if bw.closed.Load() {
		atomic.AddUint64(&bw.metrics.FallbackOps, 1)
		bw.opts.Fallback(op, errWriterClosed)
		return
	}

	bw.mu.Lock()
	bw.buffer = append(bw.buffer, op)
	shouldFlush := len(bw.buffer) >= bw.opts.MaxSize
	bw.mu.Unlock()

	if shouldFlush {
		select {
		case bw.kick <- struct{}{}:
		default:
		}
	}
}

// WriteQuery is a convenience method for simple queries.
func (bw *BatchWriter) WriteQuery(table, query string, args ...any) {
	bw.Write(WriteOp{Table: table, Query: query, Args: args})
}

// Flush immediately writes all buffered operations to the database.
func (bw *BatchWriter) Flush() error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.opts.MaxSize)
	bw.mu.Unlock()

	return bw.writeWithRetry(ops)
}

// writeWithRetry retries the whole batch; once retries are exhausted each op
// is tried on its own and only the failing ones reach the fallback.
func (bw *BatchWriter) writeWithRetry(ops []WriteOp) error {
	var err error
	backoff := bw.opts.BaseBackoff
	for attempt := 1; attempt <= bw.opts.MaxRetries; attempt++ {
		if err = bw.executeBatch(ops); err == nil {
			return nil
		}
		if attempt == bw.opts.MaxRetries {
			break
		}
		atomic.AddUint64(&bw.metrics.TotalRetries, 1)
		bw.log.Warn().Err(err).Int("attempt", attempt).Int("ops", len(ops)).Msg("Batch write failed, retrying")
		time.Sleep(backoff)
		backoff *= 2
	}

	bw.log.Error().Err(err).Int("ops", len(ops)).Msg("Batch write retries exhausted, writing ops individually")
	for _, op := range ops {
		if opErr := bw.executeBatch([]WriteOp{op}); opErr != nil {
			atomic.AddUint64(&bw.metrics.FallbackOps, 1)
			bw.opts.Fallback(op, opErr)
		}
	}
	return err
}

// executeBatch runs a batch of operations in a transaction.
func (bw *BatchWriter) executeBatch(ops []WriteOp) error {
	atomic.AddUint64(&bw.metrics.TotalBatches, 1)
	bw.lastSize.Store(int64(len(ops)))
	bw.lastTime.Store(time.Now().UnixNano())

	tx, err := bw.db.BeginTx(context.Background(), nil)
	if err != nil {
		atomic.AddUint64(&bw.metrics.TotalErrors, 1)
		return err
	}

	for _, op := range ops {
		if _, err := tx.Exec(op.Query, op.Args...); err != nil {
			_ = tx.Rollback()
			atomic.AddUint64(&bw.metrics.TotalErrors, 1)
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		atomic.AddUint64(&bw.metrics.TotalErrors, 1)
		return err
	}

	atomic.AddUint64(&bw.metrics.TotalWrites, uint64(len(ops)))
	bw.log.Debug().Int("ops", len(ops)).Msg("Batch flushed")
	return nil
}

// backgroundFlush periodically flushes the buffer.
func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = bw.Flush()
		case <-bw.kick:
			_ = bw.Flush()
		case <-bw.done:
			// Final flush before shutdown
			if err := bw.Flush(); err != nil {
				bw.log.Warn().Err(err).Msg("Final flush error")
			}
			return
		}
	}
}

func (bw *BatchWriter) logFallback(op WriteOp, err error) {
	bw.log.Error().
		Err(err).
		Str("table", op.Table).
		Str("query", op.Query).
		Interface("args", op.Args).
		Msg("Write not persisted; payload preserved in log")
}

// Pending returns the number of pending operations.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// GetMetrics returns the current metrics for the batch writer.
func (bw *BatchWriter) GetMetrics() BatchWriterMetrics {
	m := BatchWriterMetrics{
		TotalWrites:   atomic.LoadUint64(&bw.metrics.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&bw.metrics.TotalBatches),
		TotalRetries:  atomic.LoadUint64(&bw.metrics.TotalRetries),
		TotalErrors:   atomic.LoadUint64(&bw.metrics.TotalErrors),
		FallbackOps:   atomic.LoadUint64(&bw.metrics.FallbackOps),
		LastBatchSize: int(bw.lastSize.Load()),
	}
	if ts := bw.lastTime.Load(); ts > 0 {
		m.LastFlushTime = time.Unix(0, ts)
	}
	return m
}

// Close flushes what is buffered and stops the flush loop.
func (bw *BatchWriter) Close() error {
	if !bw.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(bw.done)
	bw.wg.Wait()
	return nil
}

type writerError string

func (e writerError) Error() string { return string(e) }

const errWriterClosed = writerError("batch writer closed")
