package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/beiju/chron-ingestd/internal/chron"
	"github.com/beiju/chron-ingestd/internal/cursor"
	"github.com/beiju/chron-ingestd/internal/rawstore"
	"github.com/beiju/chron-ingestd/internal/syncsig"
)

// GetStartCursor returns the cursor stage-2 should resume the derived
// ingest from; callers typically track this themselves (the derived store
// is opaque to this package).
type GetStartCursor func(ctx context.Context) (*cursor.Cursor, error)

// IngestVersionsPage hands a chunk of raw snapshots to the derived-store
// callback. workerID identifies which stage-2 worker is calling, for
// callbacks that shard by partition.
type IngestVersionsPage func(ctx context.Context, workerID int, chunk []chron.Snapshot) error

// Stage2Config parameterizes a single stage-2 worker.
type Stage2Config struct {
	Kind      string
	WorkerID  int
	BatchSize int
}

// Stage2 drains the raw store into a derived-store callback, woken by
// notify and stopped by either finish (drain what's already notified, then
// exit) or abort (stop at the next chunk boundary without draining the rest
// of the stream).
type Stage2 struct {
	store   *rawstore.Store
	notify  *syncsig.Notify
	finish  *syncsig.Token
	abort   *syncsig.Token
	log     *slog.Logger
	metrics *Metrics
}

// NewStage2 builds a Stage2 worker bound to the given coordination
// primitives. logger and metrics may be nil.
func NewStage2(store *rawstore.Store, notify *syncsig.Notify, finish, abort *syncsig.Token, logger *slog.Logger, metrics *Metrics) *Stage2 {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Stage2{store: store, notify: notify, finish: finish, abort: abort, log: logger, metrics: metrics}
}

// Run drives the worker loop: wait for work (abort > notify > finish
// priority), stream everything newer than getStartCursor's answer through
// transform in batches, and loop back to waiting once the raw store is
// drained. It returns nil on a clean finish or abort, and a non-nil error
// if the start-cursor lookup, the raw stream, or transform fails.
func (s *Stage2) Run(ctx context.Context, cfg Stage2Config, getStartCursor GetStartCursor, transform IngestVersionsPage) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

outer:
	for {
		if !waitForWork(ctx, s.notify, s.finish, s.abort) {
			return nil
		}

		startCursor, err := getStartCursor(ctx)
		if err != nil {
			return fmt.Errorf("ingest: stage2[%s/%d]: get start cursor: %w", cfg.Kind, cfg.WorkerID, err)
		}

		stream := s.store.StreamAfter(ctx, cfg.Kind, startCursor, cfg.BatchSize)
		chunks := chunkResults(ctx, stream, cfg.BatchSize)

	drain:
		for {
			// Non-blocking pre-check so a pending abort wins over a chunk
			// that is also ready (a plain select picks between them at random).
			select {
			case <-s.abort.Cancelled():
				break outer
			default:
			}
			var chunk resultChunk
			var ok bool
			select {
			case <-s.abort.Cancelled():
				break outer
			case chunk, ok = <-chunks:
				if !ok {
					break drain
				}
			}

			if len(chunk.Items) > 0 {
				if err := transform(ctx, cfg.WorkerID, chunk.Items); err != nil {
					return fmt.Errorf("ingest: stage2[%s/%d]: transform: %w", cfg.Kind, cfg.WorkerID, err)
				}
				s.metrics.rowsProcessed.Add(int64(len(chunk.Items)))
			}
			if chunk.Err != nil {
				return fmt.Errorf("ingest: stage2[%s/%d]: raw stream: %w", cfg.Kind, cfg.WorkerID, chunk.Err)
			}
		}
		// Raw store drained up to its current tail: go back to waiting for
		// the next notify (or finish/abort).
	}

	s.log.Info("stage2 worker aborted", "kind", cfg.Kind, "worker", cfg.WorkerID)
	return nil
}

// waitForWork blocks until there is either new work to drain or a reason
// to stop, observing strict abort > notify > finish priority. The two
// non-blocking pre-checks establish that priority for whichever signal is
// already pending before the call; the blocking select below only runs
// when none of them are.
func waitForWork(ctx context.Context, notify *syncsig.Notify, finish, abort *syncsig.Token) bool {
	select {
	case <-abort.Cancelled():
		return false
	default:
	}
	select {
	case <-notify.C():
		return true
	default:
	}

	select {
	case <-abort.Cancelled():
		return false
	case <-notify.C():
		return true
	case <-finish.Cancelled():
		return false
	case <-ctx.Done():
		return false
	}
}
