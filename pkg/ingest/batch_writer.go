package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/japaniel/docdedup/pkg/db"
)

// WriteFunc is a callback that performs database writes inside a transaction.
// It may run more than once when a batch is retried after SQLite reports the
// store busy, so it must not keep state across calls.
type WriteFunc func(ctx context.Context, tx *sql.Tx) error

// DropFunc records a write whose batch was given up. cause is the error that
// failed the batch.
type DropFunc func(ctx context.Context, tx *sql.Tx, cause error) error

// dropTxTimeout bounds the transaction that records a dropped batch. It is
// independent of TxTimeout, which may be what failed the batch.
const dropTxTimeout = 10 * time.Second

type batchEntry struct {
	write   WriteFunc
	// done runs after the batch holding this entry committed, or after its
	// drop record committed.
	done    func()
	dropped DropFunc
}

// BatchWriter buffers write operations and flushes them in batches inside a
// transaction. A single committer goroutine owns every write transaction, so
// writes reach the store one batch at a time and in submission order.
type BatchWriter struct {
	mu          sync.Mutex
	buf         []batchEntry
	cap         int
	flushTicker *time.Ticker
	closed      bool
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc

	commitCh chan []batchEntry
	db       *sql.DB
	OnError  func(error)
	// OnCommit observes every committed batch.
	OnCommit func(size int, elapsed time.Duration)

	// TxTimeout bounds one batch transaction; 0 means no bound.
	TxTimeout time.Duration
	// BusyRetries is how often a batch that hit SQLITE_BUSY is re-run.
	BusyRetries int
	BusyBackoff time.Duration

	// lastErr stores the first asynchronous error seen by the writer. Protected by errMu.
	errMu   sync.Mutex
	lastErr error
}

// NewBatchWriter creates a new BatchWriter.
// db: the database connection to use for transactions.
// bufferSize: flush when buffer reaches this size.
// flushInterval: flush after this duration (0 to disable).
func NewBatchWriter(db *sql.DB, bufferSize int, flushInterval time.Duration) *BatchWriter {
	if bufferSize <= 0 {
		bufferSize = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	bw := &BatchWriter{
		buf:         make([]batchEntry, 0, bufferSize),
		cap:         bufferSize,
		ctx:         ctx,
		cancel:      cancel,
		commitCh:    make(chan []batchEntry, 2), // Buffer a couple of batches
		db:          db,
		BusyRetries: 3,
		BusyBackoff: 50 * time.Millisecond,
	}

	bw.wg.Add(1)
	go bw.committer()

	if flushInterval > 0 {
		bw.flushTicker = time.NewTicker(flushInterval)
		bw.wg.Add(1)
		go bw.loop()
	}
	return bw
}

// Submit enqueues a write function.
func (bw *BatchWriter) Submit(w WriteFunc) error {
	return bw.SubmitFunc(w, nil)
}

// SubmitFunc enqueues a write function and a callback that runs once the
// write is committed. done never runs for a batch that failed.
func (bw *BatchWriter) SubmitFunc(w WriteFunc, done func()) error {
	return bw.SubmitDroppable(w, done, nil)
}

// SubmitDroppable is SubmitFunc with a fallback: if the batch holding w is
// given up, dropped runs in a fresh transaction together with the drop
// records of the other entries, and done runs once that commits.
func (bw *BatchWriter) SubmitDroppable(w WriteFunc, done func(), dropped DropFunc) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if bw.closed {
		return ErrBatchWriterClosed
	}
	bw.buf = append(bw.buf, batchEntry{write: w, done: done, dropped: dropped})
	if len(bw.buf) >= bw.cap {
		bw.flushLocked()
	}
	return nil
}

// flushLocked assumes bw.mu is held. A full commit queue blocks the caller,
// which is how backpressure reaches the producers.
func (bw *BatchWriter) flushLocked() {
	if len(bw.buf) == 0 {
		return
	}
	batch := bw.buf
	bw.buf = make([]batchEntry, 0, bw.cap)

	select {
	case bw.commitCh <- batch:
	case <-bw.ctx.Done():
		bw.recordErr(fmt.Errorf("batch writer: dropping batch of %d items due to context cancellation", len(batch)))
	}
}

func (bw *BatchWriter) recordErr(err error) {
	bw.errMu.Lock()
	if bw.lastErr == nil {
		bw.lastErr = err
	}
	bw.errMu.Unlock()
	if bw.OnError != nil {
		bw.OnError(err)
	}
}

func (bw *BatchWriter) committer() {
	defer bw.wg.Done()
	for batch := range bw.commitCh {
		if err := bw.executeBatch(batch); err != nil {
			bw.recordErr(err)
		}
	}
}

func (bw *BatchWriter) executeBatch(batch []batchEntry) error {
	// Without a DB (tests) the callbacks run with a nil tx.
	if bw.db == nil {
		for _, e := range batch {
			if err := e.write(bw.ctx, nil); err != nil {
				return err
			}
		}
		bw.finish(batch)
		return nil
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = bw.runBatch(batch)
		if err == nil || !db.IsBusy(err) || attempt >= bw.BusyRetries {
			break
		}
		time.Sleep(bw.BusyBackoff * time.Duration(attempt+1))
	}
	if err != nil {
		if dropErr := bw.recordDropped(batch, err); dropErr != nil {
			return fmt.Errorf("%w (recording dropped batch: %v)", err, dropErr)
		}
		return err
	}
	bw.finish(batch)
	return nil
}

// recordDropped runs the drop callbacks of a failed batch in one fresh
// transaction and then their done callbacks.
func (bw *BatchWriter) recordDropped(batch []batchEntry, cause error) error {
	var drops []batchEntry
	for _, e := range batch {
		if e.dropped != nil {
			drops = append(drops, e)
		}
	}
	if len(drops) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), dropTxTimeout)
	defer cancel()
	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin drop tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // ignored if committed
	}()
	for _, e := range drops {
		if err := e.dropped(ctx, tx, cause); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit drop tx: %w", err)
	}
	bw.finish(drops)
	return nil
}

func (bw *BatchWriter) runBatch(batch []batchEntry) error {
	// Background rather than bw.ctx so batches still flush while closing.
	ctx := context.Background()
	if bw.TxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bw.TxTimeout)
		defer cancel()
	}

	start := time.Now()
	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // ignored if committed
	}()

	for _, e := range batch {
		if err := e.write(ctx, tx); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch (%d items): %w", len(batch), err)
	}
	if bw.OnCommit != nil {
		bw.OnCommit(len(batch), time.Since(start))
	}
	return nil
}

func (bw *BatchWriter) finish(batch []batchEntry) {
	for _, e := range batch {
		if e.done != nil {
			e.done()
		}
	}
}

func (bw *BatchWriter) loop() {
	defer bw.wg.Done()
	for {
		select {
		case <-bw.ctx.Done():
			return
		case <-bw.flushTicker.C:
			bw.mu.Lock()
			if len(bw.buf) > 0 {
				bw.flushLocked()
			}
			bw.mu.Unlock()
		}
	}
}

// Close stops accepting submissions and waits for pending writes to complete.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return ErrBatchWriterClosed
	}
	bw.closed = true
	if bw.flushTicker != nil {
		bw.flushTicker.Stop()
	}
	// flush remaining
	if len(bw.buf) > 0 {
		bw.flushLocked()
	}
	bw.mu.Unlock()

	bw.cancel()        // Stop ticker loop
	close(bw.commitCh) // Stop committer loop
	bw.wg.Wait()

	// Return any async error that was recorded during execution
	bw.errMu.Lock()
	defer bw.errMu.Unlock()
	return bw.lastErr
}

var ErrBatchWriterClosed = &BatchWriterError{"batch writer closed"}

type BatchWriterError struct{ msg string }

func (e *BatchWriterError) Error() string { return e.msg }
