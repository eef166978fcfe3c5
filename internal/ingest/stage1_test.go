package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beiju/chron-ingestd/internal/chron"
	"github.com/beiju/chron-ingestd/internal/rawstore"
	"github.com/beiju/chron-ingestd/internal/syncsig"
)

// testRawStore mirrors rawstore's own integration-test helper: gated
// behind CHRON_TEST_DATABASE_URL, skipped otherwise.
func testRawStore(t *testing.T) (*rawstore.Store, func()) {
	t.Helper()
	dsn := os.Getenv("CHRON_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CHRON_TEST_DATABASE_URL not set; skipping ingest integration test")
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
		CREATE TABLE IF NOT EXISTS raw.ingest_test_versions (
			kind text NOT NULL,
			entity_id text NOT NULL,
			valid_from timestamptz NOT NULL,
			valid_to timestamptz,
			data jsonb NOT NULL,
			UNIQUE (kind, entity_id, valid_from)
		)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE raw.ingest_test_versions`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	return rawstore.New(pool, "raw.ingest_test_versions"), pool.Close
}

func TestStage1RunInsertsAndSignals(t *testing.T) {
	store, closeFn := testRawStore(t)
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
			{"kind":"game","entity_id":"g1","valid_from":"2025-06-01T00:00:00Z","data":{}},
			{"kind":"game","entity_id":"g2","valid_from":"2025-06-01T00:00:01Z","data":{}},
			{"kind":"game","entity_id":"g3","valid_from":"2025-06-01T00:00:02Z","data":{}}
		],"next_page":null}`)
	}))
	defer srv.Close()

	client := chron.New(chron.Options{
		PageSize:     1000,
		FreeBaseURL:  srv.URL,
		CheapBaseURL: srv.URL,
		HTTPClient:   &http.Client{Timeout: 5 * time.Second},
	})

	notify := syncsig.NewNotify(false)
	stage1 := NewStage1(client, store, notify, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := stage1.Run(ctx, Stage1Config{Kind: "game", ChunkSize: 2})
	if err != nil {
		t.Fatalf("Stage1.Run: %v", err)
	}
	if rows != 3 {
		t.Errorf("Stage1.Run returned %d rows, want 3", rows)
	}

	latest, ok, err := store.LatestCursor(ctx, "game")
	if err != nil || !ok {
		t.Fatalf("LatestCursor: ok=%v err=%v", ok, err)
	}
	if latest.EntityID != "g3" {
		t.Errorf("LatestCursor = %+v, want entity_id g3", latest)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer waitCancel()
	if err := notify.Wait(waitCtx); err != nil {
		t.Error("expected Run to leave notify signaled after inserting rows")
	}
}
