// Package orchestrator runs change streams through loaders: one target
// transaction per batch, the ledger consulted before and updated after each
// batch, and several streams in parallel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/johndauphine/cdcload/internal/config"
	"github.com/johndauphine/cdcload/internal/ledger"
	"github.com/johndauphine/cdcload/internal/loader"
	"github.com/johndauphine/cdcload/internal/logging"
	"github.com/johndauphine/cdcload/internal/metrics"
	"github.com/johndauphine/cdcload/internal/progress"
	"github.com/johndauphine/cdcload/internal/target"
	"golang.org/x/sync/errgroup"
)

// Source is one change stream to load.
type Source struct {
	Name string
	Size int64 // bytes, or -1 when unknown
	Open func() (io.ReadCloser, error)
}

// FileSource returns a Source reading path. "-" reads standard input.
func FileSource(path string) (Source, error) {
	if path == "-" {
		return ReaderSource("stdin", io.NopCloser(os.Stdin)), nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return Source{}, err
	}
	if fi.IsDir() {
		return Source{}, fmt.Errorf("%s is a directory", path)
	}
	return Source{
		Name: path,
		Size: fi.Size(),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// ReaderSource wraps an already open stream of unknown size.
func ReaderSource(name string, rc io.ReadCloser) Source {
	return Source{Name: name, Size: -1, Open: func() (io.ReadCloser, error) { return rc, nil }}
}

// Orchestrator applies streams to one target database.
type Orchestrator struct {
	config   *config.Config
	target   *target.Database
	ledger   ledger.Backend // nil when disabled
	template *loader.Loader
	progress bool
}

// New creates an orchestrator. ledger may be nil.
func New(cfg *config.Config, db *target.Database, l ledger.Backend) *Orchestrator {
	return &Orchestrator{
		config:   cfg,
		target:   db,
		ledger:   l,
		template: loader.New(cfg.LoaderOptions(), db.Dialect(), &cfg.Routing),
		progress: cfg.Run.Progress,
	}
}

// StreamResult is the outcome of one stream.
type StreamResult struct {
	Name    string
	Batches int
	Skipped int
	Failed  *BatchFailure
	Totals  loader.Statistics
	Elapsed time.Duration
	Lines   int   // lines consumed from the stream
	Bytes   int64 // bytes consumed from the stream
}

// BatchFailure describes the batch that stopped a stream.
type BatchFailure struct {
	NodeID  string
	BatchID string
	Line    int
	Err     error
}

func (f *BatchFailure) Error() string {
	return fmt.Sprintf("batch %s from node %s failed at line %d: %v", f.BatchID, f.NodeID, f.Line, f.Err)
}

func (f *BatchFailure) Unwrap() error { return f.Err }

// RunResult collects all stream outcomes, in the order given to Run.
type RunResult struct {
	RunID   string
	Streams []*StreamResult
}

// Failures returns the streams that stopped on a failed batch.
func (r *RunResult) Failures() []*StreamResult {
	var out []*StreamResult
	for _, s := range r.Streams {
		if s.Failed != nil {
			out = append(out, s)
		}
	}
	return out
}

// Run loads every source, at most run.workers at a time. A failed batch
// stops its own stream but not the others; Run then returns an error
// listing the failed streams together with the full result.
func (o *Orchestrator) Run(ctx context.Context, sources []Source) (*RunResult, error) {
	result := &RunResult{Streams: make([]*StreamResult, len(sources))}

	names := make([]string, len(sources))
	var total int64
	for i, s := range sources {
		names[i] = s.Name
		if s.Size < 0 || total < 0 {
			total = -1
		} else {
			total += s.Size
		}
	}

	if o.ledger != nil {
		runID, err := o.ledger.StartRun(strings.Join(names, ","))
		if err != nil {
			return nil, err
		}
		result.RunID = runID
	}

	var tracker *progress.Tracker
	if o.progress {
		tracker = progress.New()
		tracker.SetTotal(total)
	}

	logging.Info("Loading %d stream(s) into %s with %d worker(s)",
		len(sources), o.target.Dialect().DBType(), o.config.Run.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Run.Workers)
	for i, src := range sources {
		g.Go(func() error {
			sr, err := o.runStream(gctx, result.RunID, src, tracker)
			result.Streams[i] = sr
			return err
		})
	}
	err := g.Wait()

	if tracker != nil {
		tracker.Finish()
	}

	if err == nil {
		if failed := result.Failures(); len(failed) > 0 {
			msgs := make([]string, len(failed))
			for i, s := range failed {
				msgs[i] = s.Name + ": " + s.Failed.Error()
			}
			err = fmt.Errorf("%d of %d stream(s) failed: %s", len(failed), len(sources), strings.Join(msgs, "; "))
		}
	}

	if o.ledger != nil {
		status, msg := ledger.RunSuccess, ""
		if err != nil {
			status, msg = ledger.RunFailed, err.Error()
		}
		if cerr := o.ledger.CompleteRun(result.RunID, status, msg); cerr != nil {
			logging.Warn("Recording run outcome: %v", cerr)
		}
	}

	o.logSummary(result)
	return result, err
}

// runStream loads one source with its own loader. It returns an error only
// for failures that should stop every stream: cancellation, an unreadable
// source or a ledger that cannot be written.
func (o *Orchestrator) runStream(ctx context.Context, runID string, src Source, tracker *progress.Tracker) (*StreamResult, error) {
	sr := &StreamResult{Name: src.Name}
	start := time.Now()
	defer func() { sr.Elapsed = time.Since(start) }()

	rc, err := src.Open()
	if err != nil {
		return sr, fmt.Errorf("opening %s: %w", src.Name, err)
	}
	r, err := decodeStream(rc, o.config.Run.StreamCharset)
	if err != nil {
		rc.Close()
		return sr, err
	}
	if tracker != nil {
		r = &countingReader{r: r, tracker: tracker}
	}

	l := o.template.Clone()
	l.Open(readCloser{Reader: r, Closer: rc})
	defer l.Close()
	defer func() { sr.Lines, sr.Bytes = l.Position() }()

	for {
		ok, err := l.HasNext(ctx)
		if err != nil {
			if isCanceled(err) {
				return sr, err
			}
			sr.Failed = &BatchFailure{NodeID: l.Context().NodeID, BatchID: l.Context().BatchID,
				Line: loader.ErrorLine(err), Err: err}
			logging.Error("Stream %s: %v", src.Name, err)
			return sr, nil
		}
		if !ok {
			return sr, nil
		}

		bctx := l.Context()
		if o.ledger != nil {
			loaded, err := o.ledger.IsLoaded(bctx.NodeID, bctx.BatchID)
			if err != nil {
				return sr, err
			}
			if loaded {
				if err := o.skipBatch(ctx, runID, l, sr); err != nil {
					return sr, err
				}
				if tracker != nil {
					tracker.BatchDone(true)
				}
				continue
			}
		}

		if err := o.loadBatch(ctx, runID, l, sr); err != nil {
			if isCanceled(err) {
				return sr, err
			}
			var failure *BatchFailure
			if errors.As(err, &failure) {
				sr.Failed = failure
				logging.Error("Stream %s: %v", src.Name, failure)
				return sr, nil
			}
			return sr, err
		}
		if tracker != nil {
			tracker.BatchDone(false)
		}
	}
}

func (o *Orchestrator) skipBatch(ctx context.Context, runID string, l *loader.Loader, sr *StreamResult) error {
	bctx := l.Context()
	logging.Info("Batch %s from node %s was already loaded, skipping", bctx.BatchID, bctx.NodeID)
	if err := l.Skip(ctx); err != nil {
		return err
	}
	sr.Skipped++
	stats := l.Statistics()
	sr.Totals.Add(stats)
	metrics.ObserveBatch(bctx.NodeID, "skipped", stats, 0)
	if o.ledger != nil {
		return o.ledger.SkipBatch(runID, bctx.NodeID, bctx.BatchID)
	}
	return nil
}

// loadBatch applies the current batch in one transaction. A failure of the
// batch itself is returned as *BatchFailure after the ledger records it.
func (o *Orchestrator) loadBatch(ctx context.Context, runID string, l *loader.Loader, sr *StreamResult) error {
	bctx := l.Context()
	start := time.Now()

	if o.ledger != nil {
		if err := o.ledger.BeginBatch(runID, bctx.NodeID, bctx.BatchID); err != nil {
			return err
		}
	}

	sess, err := o.target.Begin(ctx)
	if err != nil {
		return o.failBatch(l, err)
	}
	if err := l.Load(ctx, sess); err != nil {
		if rbErr := sess.Rollback(); rbErr != nil {
			logging.Warn("Rolling back batch %s: %v", bctx.BatchID, rbErr)
		}
		return o.failBatch(l, err)
	}
	if err := sess.Commit(); err != nil {
		return o.failBatch(l, fmt.Errorf("committing batch: %w", err))
	}

	stats := l.Statistics()
	sr.Batches++
	sr.Totals.Add(stats)
	elapsed := time.Since(start)
	metrics.ObserveBatch(bctx.NodeID, "ok", stats, elapsed)
	logging.Info("Batch %s from node %s loaded in %s: %s", bctx.BatchID, bctx.NodeID,
		elapsed.Round(time.Millisecond), stats.String())

	if o.ledger != nil {
		return o.ledger.FinishBatch(bctx.NodeID, bctx.BatchID, ledger.BatchStats{
			Statements: stats.Statements,
			Rows:       stats.Rows(),
			Bytes:      stats.Bytes,
		})
	}
	return nil
}

func (o *Orchestrator) failBatch(l *loader.Loader, err error) error {
	if isCanceled(err) {
		return err
	}
	bctx := l.Context()
	failure := &BatchFailure{NodeID: bctx.NodeID, BatchID: bctx.BatchID, Line: loader.ErrorLine(err), Err: err}
	metrics.ObserveBatch(bctx.NodeID, "error", l.Statistics(), 0)
	if o.ledger != nil {
		if lerr := o.ledger.FailBatch(bctx.NodeID, bctx.BatchID, failure.Line, err.Error()); lerr != nil {
			return lerr
		}
	}
	return failure
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (o *Orchestrator) logSummary(result *RunResult) {
	var totals loader.Statistics
	batches, skipped := 0, 0
	for _, s := range result.Streams {
		if s == nil {
			continue
		}
		batches += s.Batches
		skipped += s.Skipped
		totals.Add(s.Totals)
		if logging.IsDebug() {
			logging.Debug("%-30s lines=%d bytes=%d batches=%d skipped=%d %s",
				s.Name, s.Lines, s.Bytes, s.Batches, s.Skipped, s.Totals.String())
		}
	}
	logging.Info("Loaded %d batch(es), skipped %d: %s", batches, skipped, totals.String())
}
