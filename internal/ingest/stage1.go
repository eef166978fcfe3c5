package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/beiju/chron-ingestd/internal/chron"
	"github.com/beiju/chron-ingestd/internal/rawstore"
	"github.com/beiju/chron-ingestd/internal/syncsig"
	"github.com/beiju/chron-ingestd/pkg/fn"
)

// Stage1Config parameterizes a single stage-1 run.
type Stage1Config struct {
	Kind      string
	ChunkSize int

	// ForceStartAt, if set, overrides the raw store's stored cursor as the
	// upstream fetch's start point. Used by the manual backfill CLI to
	// replay from an explicit cutoff regardless of what's already ingested;
	// the daemon's normal runs leave this nil and resume from the cursor.
	ForceStartAt *time.Time
}

// Stage1 pulls snapshots from the upstream client and appends them to the
// raw store, signaling notify after every successfully persisted chunk so
// stage-2 workers wake up and drain what's new.
type Stage1 struct {
	client  *chron.Client
	store   *rawstore.Store
	notify  *syncsig.Notify
	log     *slog.Logger
	metrics *Metrics
}

// NewStage1 builds a Stage1 ingester. logger and metrics may be nil, in
// which case slog.Default() and a freestanding metrics set are used.
func NewStage1(client *chron.Client, store *rawstore.Store, notify *syncsig.Notify, logger *slog.Logger, metrics *Metrics) *Stage1 {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Stage1{client: client, store: store, notify: notify, log: logger, metrics: metrics}
}

// Run drives one full stage-1 pass for cfg.Kind: resume from the raw
// store's latest cursor, skip the upstream's inclusive-boundary overlap,
// chunk the remainder, and insert chunk by chunk. It returns the number of
// rows inserted (the successful prefix, even on error) when the upstream
// stream is exhausted, or on the first DB or upstream error — whichever
// comes first, after persisting any successful prefix already collected
// for the chunk in flight.
func (s *Stage1) Run(ctx context.Context, cfg Stage1Config) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var startAt *time.Time
	var stream <-chan fn.Result[chron.Snapshot]

	if cfg.ForceStartAt != nil {
		// Manual replay: the operator is asking for a raw re-fetch from an
		// explicit cutoff, so the stored cursor's overlap boundary does not
		// apply. Rows already present at or after ForceStartAt will collide
		// on the table's uniqueness constraint; that's the operator's call.
		startAt = cfg.ForceStartAt
		stream = s.client.Versions(ctx, cfg.Kind, startAt)
	} else {
		startCursor, hasCursor, err := s.store.LatestCursor(ctx, cfg.Kind)
		if err != nil {
			return 0, fmt.Errorf("ingest: stage1[%s]: latest cursor: %w", cfg.Kind, err)
		}
		if hasCursor {
			t := startCursor.ValidFrom
			startAt = &t
		}
		stream = skipOverlap(ctx, s.client.Versions(ctx, cfg.Kind, startAt), startCursor, hasCursor)
	}

	chunks := chunkResults(ctx, stream, cfg.ChunkSize)

	var total int64
	for chunk := range chunks {
		if len(chunk.Items) > 0 {
			n, err := s.store.InsertBatch(ctx, cfg.Kind, chunk.Items)
			if err != nil {
				return total, fmt.Errorf("ingest: stage1[%s]: insert batch: %w", cfg.Kind, err)
			}
			total += n
			s.metrics.rowsInserted.Add(n)
			s.notify.Signal()
		}
		if chunk.Err != nil {
			return total, fmt.Errorf("ingest: stage1[%s]: upstream: %w", cfg.Kind, chunk.Err)
		}
	}

	s.log.Info("stage1 pass complete", "kind", cfg.Kind, "rows_inserted", total)
	return total, nil
}
