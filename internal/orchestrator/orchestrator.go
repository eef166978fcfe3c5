// Package orchestrator drives one end-to-end ingest run per kind: spawn
// stage-2 workers, run stage-1 to completion (or abort), then join.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/beiju/chron-ingestd/internal/chron"
	"github.com/beiju/chron-ingestd/internal/cursor"
	"github.com/beiju/chron-ingestd/internal/ingest"
	"github.com/beiju/chron-ingestd/internal/rawstore"
	"github.com/beiju/chron-ingestd/internal/syncsig"
	"github.com/beiju/chron-ingestd/pkg/natsutil"

	"github.com/nats-io/nats.go"
)

// RunSummary is the per-kind result of one RunIngest call, published to
// NATS (if configured) and returned to the caller for logging/CLI output.
type RunSummary struct {
	Kind         string         `json:"kind"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	Elapsed      time.Duration  `json:"elapsed_ns"`
	RowsIngested int64          `json:"rows_ingested"`
	FinalCursor  *cursor.Cursor `json:"final_cursor,omitempty"`
	Err          string         `json:"error,omitempty"`
}

// Config parameterizes one RunIngest call. Chron's page size is fixed per
// kind on the client passed to New, not here.
type Config struct {
	Kind              string
	Stage1ChunkSize   int
	Stage2BatchSize   int
	IngestParallelism int // number of stage-2 workers; default 1

	// ForceStartAt overrides stage-1's cursor-resume point; see
	// ingest.Stage1Config.ForceStartAt. Left nil for normal daemon runs.
	ForceStartAt *time.Time
}

// Orchestrator owns the shared dependencies a RunIngest call needs: one
// upstream client per kind (page size varies per kind, so the client can't
// be shared), the raw store, and (optionally) a NATS connection for
// completion events.
type Orchestrator struct {
	clients map[string]*chron.Client
	store   *rawstore.Store
	nc      *nats.Conn
	log     *slog.Logger
	metrics *ingest.Metrics
}

// New builds an Orchestrator. clients maps kind -> the Client to use for
// that kind's stage-1 fetch. nc may be nil (run-completion events are then
// skipped). logger and metrics may be nil.
func New(clients map[string]*chron.Client, store *rawstore.Store, nc *nats.Conn, logger *slog.Logger, metrics *ingest.Metrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = ingest.NewMetrics(nil)
	}
	return &Orchestrator{clients: clients, store: store, nc: nc, log: logger, metrics: metrics}
}

// RunIngest spawns cfg.IngestParallelism (default 1) stage-2 workers, races
// stage-1 against abort, and joins all workers before returning. abort may
// be nil, in which case a token that is never cancelled is used.
func (o *Orchestrator) RunIngest(
	ctx context.Context,
	cfg Config,
	abort *syncsig.Token,
	getStartCursor ingest.GetStartCursor,
	ingestVersionsPage ingest.IngestVersionsPage,
) (RunSummary, error) {
	if cfg.IngestParallelism < 1 {
		cfg.IngestParallelism = 1
	}
	if abort == nil {
		abort = syncsig.NewToken()
	}

	client, ok := o.clients[cfg.Kind]
	if !ok {
		return RunSummary{}, fmt.Errorf("orchestrator: no chron client configured for kind %q", cfg.Kind)
	}

	started := time.Now()
	summary := RunSummary{Kind: cfg.Kind, StartedAt: started}

	notify := syncsig.NewNotify(true) // pre-armed: drain any backlog before waiting
	finish := syncsig.NewToken()

	stage1 := ingest.NewStage1(client, o.store, notify, o.log, o.metrics)
	stage2 := ingest.NewStage2(o.store, notify, finish, abort, o.log, o.metrics)

	// Stage-2 workers observe abort directly in their own select loop (see
	// ingest.waitForWork), so they run against the caller's ctx unmodified.
	// Stage-1 has no such select — it only knows context cancellation — so
	// it runs against a derived context that abort also cancels.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		select {
		case <-abort.Cancelled():
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	workerErrs := make(chan error, cfg.IngestParallelism)
	for w := 1; w <= cfg.IngestParallelism; w++ {
		workerID := w
		go func() {
			workerErrs <- stage2.Run(ctx, ingest.Stage2Config{
				Kind:      cfg.Kind,
				WorkerID:  workerID,
				BatchSize: cfg.Stage2BatchSize,
			}, getStartCursor, ingestVersionsPage)
		}()
	}

	o.log.Info("ingest run starting", "kind", cfg.Kind, "workers", cfg.IngestParallelism)

	type stage1Result struct {
		rows int64
		err  error
	}
	stage1Done := make(chan stage1Result, 1)
	go func() {
		rows, err := stage1.Run(runCtx, ingest.Stage1Config{
			Kind:         cfg.Kind,
			ChunkSize:    cfg.Stage1ChunkSize,
			ForceStartAt: cfg.ForceStartAt,
		})
		stage1Done <- stage1Result{rows: rows, err: err}
	}()

	var stage1Err error
	select {
	case res := <-stage1Done:
		stage1Err = res.err
		summary.RowsIngested = res.rows
		if stage1Err == nil {
			finish.Cancel()
			o.log.Info("stage1 finished, signaling stage2 to drain and exit", "kind", cfg.Kind)
		} else {
			// Stage-1 failed fatally: there is no well-defined "drain what's
			// left" state to hand stage-2, so stop workers outright rather
			// than leaving them parked on notify/finish forever.
			abort.Cancel()
			o.log.Error("stage1 failed, aborting stage2 workers", "kind", cfg.Kind, "err", stage1Err)
		}
	case <-abort.Cancelled():
		o.log.Info("ingest run aborted before stage1 finished", "kind", cfg.Kind)
	}

	var joinErr error
	for i := 0; i < cfg.IngestParallelism; i++ {
		if err := <-workerErrs; err != nil && joinErr == nil {
			joinErr = err
		}
	}

	summary.FinishedAt = time.Now()
	summary.Elapsed = summary.FinishedAt.Sub(started)

	if final, ok, err := o.store.LatestCursor(ctx, cfg.Kind); err == nil && ok {
		summary.FinalCursor = &final
	}

	runErr := stage1Err
	if runErr == nil {
		runErr = joinErr
	}
	if runErr != nil {
		summary.Err = runErr.Error()
	}

	o.publish(ctx, summary)

	if runErr != nil {
		return summary, fmt.Errorf("orchestrator: run %s: %w", cfg.Kind, runErr)
	}
	return summary, nil
}

func (o *Orchestrator) publish(ctx context.Context, summary RunSummary) {
	if o.nc == nil {
		return
	}
	subject := fmt.Sprintf("chron.ingest.%s.completed", summary.Kind)
	if err := natsutil.Publish(ctx, o.nc, subject, summary); err != nil {
		o.log.Warn("failed to publish run summary", "kind", summary.Kind, "err", err)
	}
}
