package viewers

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func setupTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return NewTracker(client, testLogger()), mr
}

func TestHeartbeatThenCount(t *testing.T) {
	tracker, _ := setupTracker(t)
	ctx := context.Background()

	if err := tracker.Heartbeat(ctx, "t1", "stream_a", "viewer-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	count, err := tracker.Count(ctx, "t1", "stream_a")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestCount_EvictsStaleViewers(t *testing.T) {
	tracker, _ := setupTracker(t)
	ctx := context.Background()

	base := time.Now()
	tracker.now = func() time.Time { return base }

	if err := tracker.Heartbeat(ctx, "t1", "stream_a", "stale"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	// One missed interval keeps the viewer counted
	tracker.now = func() time.Time { return base.Add(ViewerTTL / 2) }
	if err := tracker.Heartbeat(ctx, "t1", "stream_a", "fresh"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	count, err := tracker.Count(ctx, "t1", "stream_a")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	// A heartbeat exactly ViewerTTL old is still counted
	tracker.now = func() time.Time { return base.Add(ViewerTTL) }
	count, err = tracker.Count(ctx, "t1", "stream_a")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("count at the boundary = %d, want 2", count)
	}

	// Past the TTL only the fresh viewer survives
	tracker.now = func() time.Time { return base.Add(ViewerTTL + time.Second) }
	count, err = tracker.Count(ctx, "t1", "stream_a")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	viewers, err := tracker.GetViewers(ctx, "t1", "stream_a")
	if err != nil {
		t.Fatalf("GetViewers: %v", err)
	}
	if len(viewers) != 1 || viewers[0] != "fresh" {
		t.Errorf("viewers = %v, want [fresh]", viewers)
	}
}

func TestGetViewers_AscendingScoreOrder(t *testing.T) {
	tracker, _ := setupTracker(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"first", "second", "third"} {
		offset := time.Duration(i) * time.Second
		tracker.now = func() time.Time { return base.Add(offset) }
		if err := tracker.Heartbeat(ctx, "t1", "stream_a", id); err != nil {
			t.Fatalf("Heartbeat(%s): %v", id, err)
		}
	}
	tracker.now = func() time.Time { return base.Add(3 * time.Second) }

	viewers, err := tracker.GetViewers(ctx, "t1", "stream_a")
	if err != nil {
		t.Fatalf("GetViewers: %v", err)
	}
	want := []string{"first", "second", "third"}
	if len(viewers) != len(want) {
		t.Fatalf("viewers = %v, want %v", viewers, want)
	}
	for i := range want {
		if viewers[i] != want[i] {
			t.Errorf("viewers[%d] = %q, want %q", i, viewers[i], want[i])
		}
	}
}

func TestRemove(t *testing.T) {
	tracker, _ := setupTracker(t)
	ctx := context.Background()

	if err := tracker.Heartbeat(ctx, "t1", "stream_a", "viewer-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := tracker.Remove(ctx, "t1", "stream_a", "viewer-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	count, err := tracker.Count(ctx, "t1", "stream_a")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestKeyTTLRefreshedOnHeartbeat(t *testing.T) {
	tracker, mr := setupTracker(t)
	ctx := context.Background()

	if err := tracker.Heartbeat(ctx, "t1", "stream_a", "viewer-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	// The set self-cleans after 4×TTL of silence
	mr.FastForward(4*ViewerTTL + time.Second)
	if mr.Exists("stream_viewers:t1:stream_a") {
		t.Error("expected presence set to expire after silence")
	}
}

func TestClearStream(t *testing.T) {
	tracker, mr := setupTracker(t)
	ctx := context.Background()

	if err := tracker.Heartbeat(ctx, "t1", "stream_a", "viewer-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := tracker.ClearStream(ctx, "t1", "stream_a"); err != nil {
		t.Fatalf("ClearStream: %v", err)
	}
	if mr.Exists("stream_viewers:t1:stream_a") {
		t.Error("expected presence set to be deleted")
	}
}

func TestTenantIsolation(t *testing.T) {
	tracker, _ := setupTracker(t)
	ctx := context.Background()

	if err := tracker.Heartbeat(ctx, "t1", "stream_a", "viewer-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	count, err := tracker.Count(ctx, "t2", "stream_a")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("cross-tenant count = %d, want 0", count)
	}
}
