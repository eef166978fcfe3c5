// Command ingestd is the chron ingest orchestrator daemon. It loads
// configuration, connects to Postgres and (optionally) NATS, serves
// /healthz and /metrics, and runs one ingest pass per enabled kind on a
// fixed period until asked to stop.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/beiju/chron-ingestd/internal/chron"
	"github.com/beiju/chron-ingestd/internal/config"
	"github.com/beiju/chron-ingestd/internal/cursor"
	"github.com/beiju/chron-ingestd/internal/ingest"
	"github.com/beiju/chron-ingestd/internal/orchestrator"
	"github.com/beiju/chron-ingestd/internal/rawstore"
	"github.com/beiju/chron-ingestd/internal/syncsig"
	"github.com/beiju/chron-ingestd/pkg/metrics"
	"github.com/beiju/chron-ingestd/pkg/mid"
	"github.com/beiju/chron-ingestd/pkg/resilience"
)

const (
	freeBaseURL       = "https://freecashe.ws/api/chron/v0"
	cheapBaseURL      = "https://cheapcashews.beiju.me/chron/v0"
	localCheapBaseURL = "http://localhost:8090/chron/v0"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("ingestd exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.GlobalConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if cfg.DBPoolSize > 0 {
		poolCfg.MaxConns = int32(cfg.DBPoolSize)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	var ready atomic.Bool
	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := pool.Ping(pingCtx); err != nil {
		pingCancel()
		return fmt.Errorf("pinging postgres: %w", err)
	}
	pingCancel()
	ready.Store(true)

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		defer nc.Close()
	}

	reg := metrics.New()
	chronMetrics := chron.NewMetrics(reg)
	ingestMetrics := ingest.NewMetrics(reg)

	cheap := cheapBaseURL
	if cfg.UseLocalCheapCashews {
		cheap = localCheapBaseURL
	}

	versionsStore := rawstore.New(pool, "raw.versions")

	// Every kind shares the breaker/limiter/metrics but gets its own Client
	// so that chron_fetch_batch_size can vary per kind; the orchestrator is
	// likewise shared since RunIngest takes a fresh Config per call.
	breaker := resilience.NewBreaker(resilience.DefaultBreakerOpts)
	limiter := resilience.NewLimiter(resilience.LimiterOpts{Rate: 20, Burst: 20})
	clients := make(map[string]*chron.Client, len(cfg.Kinds))
	for kind, kc := range cfg.Kinds {
		clients[kind] = chron.New(chron.Options{
			PageSize:     kc.ChronFetchBatchSize,
			FreeBaseURL:  freeBaseURL,
			CheapBaseURL: cheap,
			Breaker:      breaker,
			Limiter:      limiter,
			Logger:       logger,
			Metrics:      chronMetrics,
		})
	}

	orch := orchestrator.New(clients, versionsStore, nc, logger, ingestMetrics)

	errCh := make(chan error, 1)
	go func() {
		errCh <- serveAdmin(ctx, cfg.AdminPort, reg, &ready, logger)
	}()

	inFlight := &inFlightKinds{}

	if cfg.StartIngestEveryLaunch {
		runAllKinds(ctx, cfg, orch, inFlight, logger)
	}

	ticker := time.NewTicker(time.Duration(cfg.IngestPeriodSeconds) * time.Second)
	defer ticker.Stop()

	var runs sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received, waiting for in-flight ingest to stop")
			err := <-errCh
			runs.Wait()
			return err
		case err := <-errCh:
			return err
		case <-ticker.C:
			runs.Add(1)
			go func() {
				defer runs.Done()
				runAllKinds(ctx, cfg, orch, inFlight, logger)
			}()
		}
	}
}

// inFlightKinds tracks which kinds currently have a RunIngest call in
// flight, so a tick that fires while a previous pass for that kind hasn't
// finished yet skips it instead of running it concurrently with itself.
type inFlightKinds struct {
	m sync.Map // kind string -> struct{}
}

func (f *inFlightKinds) tryStart(kind string) bool {
	_, loaded := f.m.LoadOrStore(kind, struct{}{})
	return !loaded
}

func (f *inFlightKinds) finish(kind string) {
	f.m.Delete(kind)
}

// runAllKinds runs one ingest pass per enabled kind, each against its own
// freshly-constructed abort token: RunIngest cancels the token it's given on
// a fatal stage-1 error, and since syncsig.Token is one-shot, reusing a
// single token across kinds or ticks would permanently short-circuit every
// later call once any one kind hit a fatal error. A kind already in flight
// from a previous tick is skipped rather than queued or re-run concurrently.
func runAllKinds(ctx context.Context, cfg config.GlobalConfig, orch *orchestrator.Orchestrator, inFlight *inFlightKinds, logger *slog.Logger) {
	for kind, kc := range cfg.Kinds {
		if !kc.Enable {
			continue
		}
		if !inFlight.tryStart(kind) {
			logger.Warn("skipping ingest tick: previous run for this kind is still in flight", "kind", kind)
			continue
		}
		runOneKind(ctx, kind, kc, orch, logger)
		inFlight.finish(kind)
	}
}

// runOneKind runs a single RunIngest call against a token scoped to just
// that call; a watcher goroutine cancels it if the daemon's shutdown
// context fires while the call is in flight, and is torn down as soon as
// the call returns.
func runOneKind(ctx context.Context, kind string, kc config.KindConfig, orch *orchestrator.Orchestrator, logger *slog.Logger) {
	abort := syncsig.NewToken()
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			abort.Cancel()
		case <-stopWatch:
		}
	}()

	summary, err := orch.RunIngest(ctx, orchestrator.Config{
		Kind:              kind,
		Stage1ChunkSize:   kc.InsertRawEntityBatchSize,
		Stage2BatchSize:   kc.ProcessBatchSize,
		IngestParallelism: kc.IngestParallelism,
	}, abort, noopGetStartCursor, noopIngestVersionsPage)
	if err != nil {
		logger.Error("ingest run failed", "kind", kind, "err", err)
		return
	}
	logger.Info("ingest run complete", "kind", kind, "rows_ingested", summary.RowsIngested, "elapsed", summary.Elapsed)
}

// noopGetStartCursor and noopIngestVersionsPage stand in for the derived
// (processed) store this module's Non-goals keep out of scope: there is no
// derived table here, so stage 2 always starts from the beginning of the
// raw table and its transform is a no-op. A deployment that adds a derived
// store wires its own callbacks here instead.
func noopGetStartCursor(ctx context.Context) (*cursor.Cursor, error) {
	return nil, nil
}

func noopIngestVersionsPage(ctx context.Context, workerID int, chunk []chron.Snapshot) error {
	return nil
}

func serveAdmin(ctx context.Context, port int, reg *metrics.Registry, ready *atomic.Bool, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", reg.Handler())

	handler := mid.Chain(mux, mid.Recover(logger), mid.Logger(logger))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin server starting", "port", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}
