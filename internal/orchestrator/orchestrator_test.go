package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beiju/chron-ingestd/internal/chron"
	"github.com/beiju/chron-ingestd/internal/cursor"
	"github.com/beiju/chron-ingestd/internal/rawstore"
	"github.com/beiju/chron-ingestd/internal/syncsig"
)

func testStore(t *testing.T) (*rawstore.Store, func()) {
	t.Helper()
	dsn := os.Getenv("CHRON_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CHRON_TEST_DATABASE_URL not set; skipping orchestrator integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	if _, err := pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS raw`); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS raw.orchestrator_test_versions (
			kind text NOT NULL,
			entity_id text NOT NULL,
			valid_from timestamptz NOT NULL,
			valid_to timestamptz,
			data jsonb NOT NULL,
			UNIQUE (kind, entity_id, valid_from)
		)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE raw.orchestrator_test_versions`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	return rawstore.New(pool, "raw.orchestrator_test_versions"), pool.Close
}

func TestRunIngestEndToEndSuccess(t *testing.T) {
	store, closeFn := testStore(t)
	defer closeFn()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// All items precede the first cutover, so only the first segment's
		// window (no `after` bound on an empty table) holds them; every
		// later segment's window starts at a cutover and is empty upstream.
		if r.URL.Query().Get("after") != "" {
			fmt.Fprintf(w, `{"items":[],"next_page":null}`)
			return
		}
		fmt.Fprintf(w, `{"items":[
			{"kind":"game","entity_id":"g1","valid_from":"2025-08-01T00:00:00Z","data":{}},
			{"kind":"game","entity_id":"g2","valid_from":"2025-08-01T00:00:01Z","data":{}}
		],"next_page":null}`)
	}))
	defer srv.Close()

	client := chron.New(chron.Options{
		PageSize:     1000,
		FreeBaseURL:  srv.URL,
		CheapBaseURL: srv.URL,
		HTTPClient:   &http.Client{Timeout: 5 * time.Second},
	})

	orch := New(map[string]*chron.Client{"game": client}, store, nil, nil, nil)

	var mu sync.Mutex
	var processed []string
	getStart := func(ctx context.Context) (*cursor.Cursor, error) { return nil, nil }
	transform := func(ctx context.Context, workerID int, chunk []chron.Snapshot) error {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range chunk {
			processed = append(processed, s.EntityID)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	summary, err := orch.RunIngest(ctx, Config{
		Kind:            "game",
		Stage1ChunkSize: 10,
		Stage2BatchSize: 10,
	}, nil, getStart, transform)
	if err != nil {
		t.Fatalf("RunIngest: %v", err)
	}
	if summary.FinalCursor == nil || summary.FinalCursor.EntityID != "g2" {
		t.Errorf("summary.FinalCursor = %+v, want entity_id g2", summary.FinalCursor)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(processed) != 2 || processed[0] != "g1" || processed[1] != "g2" {
		t.Errorf("transform saw %v, want [g1 g2]", processed)
	}
}

func TestRunIngestAbortReturnsNoError(t *testing.T) {
	store, closeFn := testStore(t)
	defer closeFn()

	// A server that blocks until released, so stage1 is still in flight
	// when abort fires.
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"items":[],"next_page":null}`)
	}))
	defer srv.Close()
	defer close(release)

	client := chron.New(chron.Options{
		PageSize:     1000,
		FreeBaseURL:  srv.URL,
		CheapBaseURL: srv.URL,
		HTTPClient:   &http.Client{Timeout: 5 * time.Second},
	})

	orch := New(map[string]*chron.Client{"game": client}, store, nil, nil, nil)
	abort := syncsig.NewToken()

	getStart := func(ctx context.Context) (*cursor.Cursor, error) { return nil, nil }
	transform := func(ctx context.Context, workerID int, chunk []chron.Snapshot) error { return nil }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	done := make(chan struct {
		summary RunSummary
		err     error
	}, 1)
	go func() {
		s, err := orch.RunIngest(ctx, Config{
			Kind:            "game",
			Stage1ChunkSize: 10,
			Stage2BatchSize: 10,
		}, abort, getStart, transform)
		done <- struct {
			summary RunSummary
			err     error
		}{s, err}
	}()

	time.Sleep(50 * time.Millisecond)
	abort.Cancel()

	select {
	case result := <-done:
		if result.err != nil {
			t.Fatalf("RunIngest after abort: %v", result.err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("RunIngest did not return after abort")
	}
}
