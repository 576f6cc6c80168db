package recording_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/stream-recorder/recording"
	"github.com/onnwee/stream-recorder/testutil"
)

func TestPostgresGatewayLifecycle(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	gw := recording.NewPostgresGateway(database)

	started := time.Now().UTC().Truncate(time.Millisecond)
	id, err := gw.CreateRecording(ctx, recording.NewRecord{StreamerID: "alice", Target: "alice", Quality: "best", StartedAt: started})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := gw.SetOutputPath(ctx, id, "/data/alice/1.ts"); err != nil {
		t.Fatalf("set output: %v", err)
	}

	open, err := gw.QueryOpenRecordings(ctx)
	if err != nil {
		t.Fatalf("query open: %v", err)
	}
	if r, ok := findRecord(open, id); !ok || r.Status != recording.StatusRecording || r.EndedAt != nil {
		t.Fatalf("open = %+v", open)
	}

	ended := started.Add(time.Minute)
	if err := gw.MarkEnded(ctx, id, ended, recording.StatusFailed, "capture exited unexpectedly: exit code 1"); err != nil {
		t.Fatalf("mark ended: %v", err)
	}
	rec, err := gw.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != recording.StatusFailed || rec.EndedAt == nil || !rec.EndedAt.Equal(ended) || rec.OutputPath != "/data/alice/1.ts" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.FailureReason != "capture exited unexpectedly: exit code 1" {
		t.Fatalf("reason = %q", rec.FailureReason)
	}

	open, _ = gw.QueryOpenRecordings(ctx)
	if _, ok := findRecord(open, id); ok {
		t.Fatalf("record still open: %+v", open)
	}
}

func findRecord(recs []recording.Record, id int64) (recording.Record, bool) {
	for _, r := range recs {
		if r.ID == id {
			return r, true
		}
	}
	return recording.Record{}, false
}

func TestPostgresGatewayMarkEndedIsConditional(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	gw := recording.NewPostgresGateway(database)

	id, err := gw.CreateRecording(ctx, recording.NewRecord{StreamerID: "bob", StartedAt: time.Now()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// concurrent resolvers: exactly one wins
	var wg sync.WaitGroup
	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- gw.MarkEnded(ctx, id, time.Now(), recording.StatusCompleted, "")
		}()
	}
	wg.Wait()
	close(results)
	var ok, already int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, recording.ErrAlreadyEnded):
			already++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || already != 3 {
		t.Fatalf("ok=%d already=%d", ok, already)
	}

	if err := gw.MarkEnded(ctx, 999999, time.Now(), recording.StatusCompleted, ""); !errors.Is(err, recording.ErrNotFound) {
		t.Fatalf("missing record err = %v", err)
	}
	if err := gw.MarkEnded(ctx, id, time.Now(), recording.StatusRecording, ""); err == nil {
		t.Fatal("non-terminal status must be rejected")
	}
	if _, err := gw.Get(ctx, 999999); !errors.Is(err, recording.ErrNotFound) {
		t.Fatalf("get missing err = %v", err)
	}
}

func TestPostgresGatewayListByStreamer(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	gw := recording.NewPostgresGateway(database)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		if _, err := gw.CreateRecording(ctx, recording.NewRecord{StreamerID: "carol", StartedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := gw.CreateRecording(ctx, recording.NewRecord{StreamerID: "dave", StartedAt: base}); err != nil {
		t.Fatalf("create: %v", err)
	}

	recs, err := gw.ListByStreamer(ctx, "carol", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || !recs[0].StartedAt.After(recs[1].StartedAt) {
		t.Fatalf("recs = %+v", recs)
	}
	if recs, _ := gw.ListByStreamer(ctx, "nobody", 10); len(recs) != 0 {
		t.Fatalf("unexpected recs %+v", recs)
	}
}
