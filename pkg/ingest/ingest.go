package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/japaniel/docdedup/pkg/db"
	"github.com/japaniel/docdedup/pkg/dedup"
	"github.com/japaniel/docdedup/pkg/descriptor"
	"github.com/japaniel/docdedup/pkg/metrics"
	"github.com/japaniel/docdedup/pkg/overlap"
)

// WorkerPoolInterface abstracts the worker pool so tests can inject failing implementations.
type WorkerPoolInterface interface {
	Start(ctx context.Context)
	Submit(Job) error
	// SubmitCtx attempts to enqueue a job but returns promptly if ctx is canceled.
	SubmitCtx(ctx context.Context, job Job) error
	Close()
}

// Summary totals one ingestion run. Only committed documents are counted.
type Summary struct {
	RunID         string
	Processed     int
	NewCanonical  int
	AttachedExact int
	MergedFuzzy   int
	Ambiguous     int
	Overlaps      int
	Errors        int
	Duration      time.Duration
}

// Duplicates is the number of documents folded into an existing canonical.
func (s Summary) Duplicates() int { return s.AttachedExact + s.MergedFuzzy }

// Progress is reported after every committed document.
type Progress struct {
	Processed  int
	Duplicates int
	Errors     int
	// Throughput is committed documents per second since the run started.
	Throughput float64
	Elapsed    time.Duration
}

// Ingester reads descriptors, hashes and classifies them on a pool of
// workers and commits the outcomes in batches, in stream order.
type Ingester struct {
	DB      *sql.DB
	Dedup   *dedup.Deduplicator
	Overlap *overlap.Detector
	Loader  *descriptor.Loader

	BatchSize     int
	Workers       int
	FlushInterval time.Duration
	// TxTimeout bounds a single batch transaction; 0 disables it.
	TxTimeout time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// OnProgress is called from the commit goroutine; it must not block.
	OnProgress func(Progress)

	// PoolFactory allows tests to inject custom worker pool implementations.
	PoolFactory func(workers, queue int) WorkerPoolInterface
}

// NewIngester creates a new Ingester.
func NewIngester(conn *sql.DB, dd *dedup.Deduplicator, od *overlap.Detector) *Ingester {
	return &Ingester{
		DB:            conn,
		Dedup:         dd,
		Overlap:       od,
		Loader:        descriptor.NewLoader(2, 100*time.Millisecond),
		BatchSize:     50,
		Workers:       4, // Default worker count
		FlushInterval: 100 * time.Millisecond,
		Logger:        zerolog.Nop(),
	}
}

// pending is one stream entry on its way to the store. Exactly one of doc
// and err is set once a worker has handled it.
type pending struct {
	index     int
	origin    string
	desc      *descriptor.Descriptor
	doc       *descriptor.Document
	prepared  *dedup.Prepared
	err       error
	classTime time.Duration
}

// outcome is what the write step did with one document. It is rebuilt on
// every run of the write step because a busy batch is replayed.
type outcome struct {
	kind     dedup.Kind
	errKind  string
	overlaps int
}

// Ingest consumes src until it is exhausted or ctx is done. Documents that
// fail to load or classify are written to the processing log and skipped;
// Ingest only returns an error for cancellation, a broken stream or a failed
// commit.
func (ig *Ingester) Ingest(ctx context.Context, src descriptor.Stream) (Summary, error) {
	start := time.Now()
	sum := Summary{RunID: uuid.NewString()}
	log := ig.Logger.With().Str("run_id", sum.RunID).Logger()
	audit := db.Audit{RunID: sum.RunID}

	workers := ig.Workers
	if workers <= 0 {
		workers = 1
	}
	batchSize := ig.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	loader := ig.Loader
	if loader == nil {
		loader = descriptor.NewLoader(0, 0)
	}

	// 1. Setup concurrency components
	var wp WorkerPoolInterface
	if ig.PoolFactory != nil {
		wp = ig.PoolFactory(workers, workers*2)
	} else {
		wp = NewWorkerPool(workers, workers*2)
	}
	resultCh := make(chan *pending, workers*2)
	closedResultCh := false
	doneCh := make(chan error, 1)

	bw := NewBatchWriter(ig.DB, batchSize, ig.FlushInterval)
	bw.TxTimeout = ig.TxTimeout
	var batchErr error
	var batchErrMu sync.Mutex
	bw.OnError = func(e error) {
		batchErrMu.Lock()
		if batchErr == nil {
			batchErr = e
		}
		batchErrMu.Unlock()
	}
	if ig.Metrics != nil {
		bw.OnCommit = func(_ int, elapsed time.Duration) {
			ig.Metrics.BatchCommit.Observe(elapsed.Seconds())
		}
	}

	// Summary is only touched from done callbacks, which all run on the
	// committer goroutine, and read after bw.Close.
	committed := func(o *outcome) {
		sum.Processed++
		switch {
		case o.errKind != "":
			sum.Errors++
		case o.kind == dedup.KindNewCanonical:
			sum.NewCanonical++
		case o.kind == dedup.KindAttachExact:
			sum.AttachedExact++
		case o.kind == dedup.KindMergeFuzzy:
			sum.MergedFuzzy++
		case o.kind == dedup.KindAmbiguous:
			sum.Ambiguous++
		}
		sum.Overlaps += o.overlaps

		if m := ig.Metrics; m != nil {
			m.DocumentsProcessed.Inc()
			if o.errKind != "" {
				m.Errors.WithLabelValues(o.errKind).Inc()
			} else {
				m.Decisions.WithLabelValues(string(o.kind)).Inc()
			}
			m.Overlaps.Add(float64(o.overlaps))
		}
		if ig.OnProgress != nil {
			elapsed := time.Since(start)
			p := Progress{Processed: sum.Processed, Duplicates: sum.Duplicates(), Errors: sum.Errors, Elapsed: elapsed}
			if secs := elapsed.Seconds(); secs > 0 {
				p.Throughput = float64(sum.Processed) / secs
			}
			ig.OnProgress(p)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Ensure resources are cleaned up on any return path: stop workers, close resultCh, flush batches.
	defer func() {
		wp.Close()
		if !closedResultCh {
			close(resultCh)
		}
		_ = bw.Close()
	}()

	wp.Start(ctx)

	// 2. Consumer: restore stream order and hand documents to the writer.
	go func() {
		defer close(doneCh)
		buffer := make(map[int]*pending)
		nextIdx := 0
		for res := range resultCh {
			buffer[res.index] = res
			for {
				item, ok := buffer[nextIdx]
				if !ok {
					break
				}
				delete(buffer, nextIdx)
				nextIdx++

				o := &outcome{}
				write := func(ctx context.Context, tx *sql.Tx) error {
					*o = outcome{}
					return ig.write(ctx, tx, item, o, audit, log)
				}
				dropped := func(ctx context.Context, tx *sql.Tx, cause error) error {
					*o = outcome{}
					return ig.recordFailure(ctx, tx, item, &BatchError{Err: cause}, o, audit, log)
				}
				if err := bw.SubmitDroppable(write, func() { committed(o) }, dropped); err != nil {
					cancel()
					doneCh <- err
					return
				}
			}
		}
		doneCh <- nil
	}()

	// 3. Producer loop: read the stream and submit load+hash jobs
	var streamErr error
	seq := 0
Loop:
	for {
		if ctx.Err() != nil {
			break
		}
		item, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() == nil {
				streamErr = fmt.Errorf("read descriptor stream: %w", err)
			}
			break
		}

		p := &pending{index: seq, origin: item.Origin, desc: item.Descriptor, err: item.Err}
		seq++

		job := func(ctx context.Context) error {
			if p.err == nil {
				ig.prepare(ctx, loader, p)
			}
			select {
			case resultCh <- p:
			case <-ctx.Done():
			}
			return nil
		}

		if err := wp.SubmitCtx(ctx, job); err != nil {
			if err == ctx.Err() || err == ErrPoolClosed {
				break Loop
			}
			streamErr = err
			break Loop
		}
	}

	// Ensure there are no more worker goroutines running and close the result channel to
	// signal the consumer that no more items will arrive.
	wp.Close()
	close(resultCh)
	closedResultCh = true

	consumerErr := <-doneCh
	closeErr := bw.Close()

	sum.Duration = time.Since(start)
	log.Info().
		Int("processed", sum.Processed).
		Int("new", sum.NewCanonical).
		Int("exact", sum.AttachedExact).
		Int("fuzzy", sum.MergedFuzzy).
		Int("ambiguous", sum.Ambiguous).
		Int("overlaps", sum.Overlaps).
		Int("errors", sum.Errors).
		Dur("duration", sum.Duration).
		Msg("ingest finished")

	switch {
	case streamErr != nil:
		return sum, streamErr
	case consumerErr != nil:
		return sum, consumerErr
	case closeErr != nil && closeErr != ErrBatchWriterClosed:
		return sum, closeErr
	}
	batchErrMu.Lock()
	defer batchErrMu.Unlock()
	if batchErr != nil {
		return sum, batchErr
	}
	return sum, ctx.Err()
}

// prepare is the CPU-bound half of a document: read, extract, hash. The
// fuzzy signatures are computed here so the commit goroutine does not have
// to, unless the document is already stored.
func (ig *Ingester) prepare(ctx context.Context, loader *descriptor.Loader, p *pending) {
	t0 := time.Now()
	doc, err := loader.Load(ctx, p.desc)
	if err != nil {
		p.err = err
		return
	}
	p.doc = doc
	p.prepared = ig.Dedup.Prepare(dedup.Input{
		SourceName:         doc.SourceName,
		OriginalIdentifier: doc.OriginalIdentifier,
		DocumentType:       doc.Type,
		Raw:                doc.Raw,
		Text:               doc.Text,
	})
	ig.warm(ctx, p.prepared)
	p.classTime = time.Since(t0)
}

// warm computes the fuzzy signatures of p and reports whether it did. A
// document already committed by identity or hash is left alone; the lookup
// is advisory and Decide repeats it inside the batch transaction, computing
// the signatures there if they turn out to be needed.
func (ig *Ingester) warm(ctx context.Context, p *dedup.Prepared) bool {
	if len(p.Words) == 0 {
		return false
	}
	if ig.DB != nil {
		known, err := ig.Dedup.KnownExact(ctx, ig.DB, p)
		if err == nil && known {
			return false
		}
	}
	h := ig.Dedup.Hasher()
	p.BandKeys(h)
	p.ShingleSet(h)
	return true
}

// write applies one document inside the batch transaction. Per-document
// failures are rolled back to a savepoint and logged; only store-level
// failures are returned and fail the batch.
func (ig *Ingester) write(ctx context.Context, tx *sql.Tx, p *pending, o *outcome, audit db.Audit, log zerolog.Logger) error {
	if p.err != nil {
		return ig.recordFailure(ctx, tx, p, p.err, o, audit, log)
	}

	t0 := time.Now()
	dec, err := ig.Dedup.Decide(ctx, tx, p.prepared)
	if ig.Metrics != nil {
		ig.Metrics.Classify.Observe((p.classTime + time.Since(t0)).Seconds())
	}
	if err != nil {
		if fatal(ctx, err) {
			return err
		}
		return ig.recordFailure(ctx, tx, p, err, o, audit, log)
	}

	err = db.WithSavepoint(ctx, tx, "document", func(ex db.DBExecutor) error {
		return ig.apply(ctx, ex, p, dec, o, audit, log)
	})
	if err != nil {
		if fatal(ctx, err) {
			return err
		}
		*o = outcome{}
		return ig.recordFailure(ctx, tx, p, err, o, audit, log)
	}
	return nil
}

func (ig *Ingester) apply(ctx context.Context, ex db.DBExecutor, p *pending, dec dedup.Decision, o *outcome, audit db.Audit, log zerolog.Logger) error {
	doc, prep := p.doc, p.prepared
	h := ig.Dedup.Hasher()
	src := &db.DocumentSource{
		SourceName:         doc.SourceName,
		Collection:         doc.Collection,
		OriginalIdentifier: doc.OriginalIdentifier,
		Format:             doc.Format,
		RawFileHash:        prep.FileHash,
		ContentHash:        prep.ContentHash,
		OCRQualityScore:    doc.Quality,
	}
	o.kind = dec.Kind

	switch dec.Kind {
	case dedup.KindNewCanonical:
		canon := &db.CanonicalDocument{
			ContentHash:      prep.ContentHash,
			FuzzyFingerprint: prep.Fingerprint(h).String(),
			PrimaryText:      doc.Text,
			OCRQualityScore:  doc.Quality,
			DocumentType:     doc.Type,
			Metadata:         doc.Metadata,
		}
		id, err := db.InsertCanonical(ctx, ex, canon, src, prep.BandKeys(h), audit)
		var conflict *db.ConflictError
		if errors.As(err, &conflict) {
			o.kind = dedup.KindAttachExact
			_, err = db.AttachSource(ctx, ex, conflict.ExistingID, src, audit)
			return err
		}
		if err != nil {
			return err
		}
		return ig.detectOverlaps(ctx, ex, id, o, audit, log)

	case dedup.KindAttachExact:
		_, err := db.AttachSource(ctx, ex, dec.CanonicalID, src, audit)
		return err

	case dedup.KindMergeFuzzy:
		res, err := db.RecordFuzzyMerge(ctx, ex, &db.FuzzyMerge{
			CanonicalID: dec.CanonicalID,
			Similarity:  dec.Similarity,
			Source:      *src,
			Text:        doc.Text,
			Fingerprint: prep.Fingerprint(h).String(),
			BandKeys:    prep.BandKeys(h),
			Metadata:    doc.Metadata,
		}, audit)
		if err != nil {
			return err
		}
		if res.Upgraded {
			log.Debug().Int64("canonical_id", dec.CanonicalID).Str("identifier", doc.OriginalIdentifier).Msg("primary text upgraded")
		}
		return nil

	case dedup.KindAmbiguous:
		d := *doc.Descriptor
		d.ExtractedText = doc.Text
		d.RawBytes = nil
		body, err := json.Marshal(&d)
		if err != nil {
			return fmt.Errorf("encode review descriptor: %w", err)
		}
		if _, err := db.AppendReview(ctx, ex, &db.Review{
			SourceName:         doc.SourceName,
			OriginalIdentifier: doc.OriginalIdentifier,
			ContentHash:        prep.ContentHash,
			Descriptor:         string(body),
			Candidates:         dec.Candidates,
		}, audit); err != nil {
			return err
		}
		log.Warn().Err(dec.Err()).Str("identifier", doc.OriginalIdentifier).Msg("queued for review")
		return nil
	}
	return fmt.Errorf("unknown decision %q", dec.Kind)
}

// detectOverlaps records partial overlaps of a new canonical document. A
// failed detection is logged and does not undo the insert.
func (ig *Ingester) detectOverlaps(ctx context.Context, ex db.DBExecutor, id int64, o *outcome, audit db.Audit, log zerolog.Logger) error {
	if ig.Overlap == nil {
		return nil
	}
	var found int
	err := db.WithSavepoint(ctx, ex, "overlap", func(sp db.DBExecutor) error {
		found = 0
		rep, err := ig.Overlap.Detect(ctx, sp, id)
		if err != nil {
			return err
		}
		for i := range rep.Overlaps {
			if err := db.RecordOverlap(ctx, sp, &rep.Overlaps[i], audit); err != nil {
				return err
			}
			found++
		}
		for _, m := range rep.Misrouted {
			log.Error().Err(m).Int64("canonical_id", m.CanonicalID).Int64("other_id", m.OtherID).Msg("missed duplicate")
			if err := db.AppendLog(ctx, sp, &db.ProcessingLogEntry{
				RunID:     audit.RunID,
				Operation: db.OpError,
				RecordIDs: []int64{m.CanonicalID, m.OtherID},
				Outcome:   m.ErrorKind(),
				Detail:    m.Error(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if fatal(ctx, err) {
			return err
		}
		log.Warn().Err(err).Int64("canonical_id", id).Msg("overlap detection failed")
		return db.AppendLog(ctx, ex, &db.ProcessingLogEntry{
			RunID:     audit.RunID,
			Operation: db.OpError,
			RecordIDs: []int64{id},
			Outcome:   db.ErrorKind(err),
			Detail:    "overlap detection: " + err.Error(),
		})
	}
	o.overlaps = found
	return nil
}

func (ig *Ingester) recordFailure(ctx context.Context, tx *sql.Tx, p *pending, cause error, o *outcome, audit db.Audit, log zerolog.Logger) error {
	o.errKind = db.ErrorKind(cause)
	ident := p.origin
	if p.desc != nil && p.desc.OriginalIdentifier != "" {
		ident = p.desc.OriginalIdentifier
	}
	log.Error().Err(cause).Str("kind", o.errKind).Str("identifier", ident).Msg("document failed")
	return db.AppendLog(ctx, tx, &db.ProcessingLogEntry{
		RunID:     audit.RunID,
		Operation: db.OpError,
		Outcome:   o.errKind,
		Detail:    fmt.Sprintf("%s: %v", ident, cause),
	})
}

// BatchError reports a document whose batch transaction was given up, for
// example after the store stayed busy or the transaction timed out.
type BatchError struct {
	Err error
}

func (e *BatchError) Error() string     { return "batch not committed: " + e.Err.Error() }
func (e *BatchError) Unwrap() error     { return e.Err }
func (e *BatchError) ErrorKind() string { return "batch_failed" }

// fatal reports errors that must fail the whole batch rather than one document.
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || db.IsBusy(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
