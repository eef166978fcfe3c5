package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/beiju/chron-ingestd/internal/chron"
	"github.com/beiju/chron-ingestd/internal/cursor"
	"github.com/beiju/chron-ingestd/internal/syncsig"
)

func TestStage2RunDrainsThenExitsOnFinish(t *testing.T) {
	store, closeFn := testRawStore(t)
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	base := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	snaps := []chron.Snapshot{
		{Kind: "game", EntityID: "g1", ValidFrom: base, Data: []byte(`{}`)},
		{Kind: "game", EntityID: "g2", ValidFrom: base.Add(time.Second), Data: []byte(`{}`)},
	}
	if _, err := store.InsertBatch(ctx, "game", snaps); err != nil {
		t.Fatalf("seed InsertBatch: %v", err)
	}

	notify := syncsig.NewNotify(true) // pretend stage-1 already signaled
	finish := syncsig.NewToken()
	abort := syncsig.NewToken()
	stage2 := NewStage2(store, notify, finish, abort, nil, nil)

	var mu sync.Mutex
	var seen []string
	var startCalls int
	getStart := func(ctx context.Context) (*cursor.Cursor, error) {
		startCalls++
		return nil, nil
	}
	transform := func(ctx context.Context, workerID int, chunk []chron.Snapshot) error {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range chunk {
			seen = append(seen, s.EntityID)
		}
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- stage2.Run(ctx, Stage2Config{Kind: "game", WorkerID: 0, BatchSize: 10}, getStart, transform)
	}()

	// Give the worker a moment to drain the seeded rows, then ask it to
	// stop; since nothing re-signals notify afterward it should exit via
	// finish the next time it goes back to waitForWork.
	time.Sleep(50 * time.Millisecond)
	finish.Cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stage2.Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stage2.Run did not exit after finish was signaled")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "g1" || seen[1] != "g2" {
		t.Errorf("transform saw %v, want [g1 g2]", seen)
	}
	if startCalls == 0 {
		t.Error("expected getStartCursor to be called at least once")
	}
}

func TestStage2RunAbortPreemptsMidDrain(t *testing.T) {
	store, closeFn := testRawStore(t)
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	base := time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC)
	var snaps []chron.Snapshot
	for i := 0; i < 20; i++ {
		snaps = append(snaps, chron.Snapshot{
			Kind:      "game",
			EntityID:  fmt.Sprintf("g%02d", i),
			ValidFrom: base.Add(time.Duration(i) * time.Second),
			Data:      []byte(`{}`),
		})
	}
	if _, err := store.InsertBatch(ctx, "game", snaps); err != nil {
		t.Fatalf("seed InsertBatch: %v", err)
	}

	notify := syncsig.NewNotify(true)
	finish := syncsig.NewToken()
	abort := syncsig.NewToken()
	stage2 := NewStage2(store, notify, finish, abort, nil, nil)

	getStart := func(ctx context.Context) (*cursor.Cursor, error) { return nil, nil }

	var mu sync.Mutex
	var processedChunks int
	transform := func(ctx context.Context, workerID int, chunk []chron.Snapshot) error {
		mu.Lock()
		processedChunks++
		mu.Unlock()
		// Slow enough that the drain loop is still mid-stream when abort
		// fires below.
		time.Sleep(50 * time.Millisecond)
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- stage2.Run(ctx, Stage2Config{Kind: "game", WorkerID: 0, BatchSize: 2}, getStart, transform)
	}()

	time.Sleep(60 * time.Millisecond)
	abort.Cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stage2.Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stage2.Run did not exit promptly after abort fired mid-drain")
	}

	mu.Lock()
	defer mu.Unlock()
	if processedChunks >= 10 {
		t.Errorf("processed %d of 10 chunks before exiting; abort should have preempted the drain loop well before the stream was exhausted", processedChunks)
	}
}

func TestStage2RunAbortStopsImmediately(t *testing.T) {
	store, closeFn := testRawStore(t)
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	notify := syncsig.NewNotify(false)
	finish := syncsig.NewToken()
	abort := syncsig.NewToken()
	stage2 := NewStage2(store, notify, finish, abort, nil, nil)

	getStart := func(ctx context.Context) (*cursor.Cursor, error) { return nil, nil }
	transform := func(ctx context.Context, workerID int, chunk []chron.Snapshot) error { return nil }

	done := make(chan error, 1)
	go func() {
		done <- stage2.Run(ctx, Stage2Config{Kind: "game", WorkerID: 0, BatchSize: 10}, getStart, transform)
	}()

	abort.Cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stage2.Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stage2.Run did not exit after abort was signaled")
	}
}
