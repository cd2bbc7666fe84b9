package handlers

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/easiviotech/fabriq-streaming/internal/streams"
	"github.com/easiviotech/fabriq-streaming/internal/transcoder"
	"github.com/easiviotech/fabriq-streaming/internal/viewers"
)

func setupCoordinator(t *testing.T) (*Coordinator, *streams.Manager, *transcoder.Supervisor, *viewers.Tracker, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	logger := testLogger()

	manager := streams.NewManager(client, time.Hour, nil, logger)
	supervisor := transcoder.NewSupervisor(transcoder.Options{
		FFmpegPath:    "/bin/sleep",
		StorageRoot:   t.TempDir(),
		MaxConcurrent: 4,
		GracePeriod:   100 * time.Millisecond,
	}, logger)
	t.Cleanup(supervisor.StopAll)
	tracker := viewers.NewTracker(client, logger)

	return NewCoordinator(manager, supervisor, tracker, logger), manager, supervisor, tracker, mr
}

func TestCoordinator_BroadcastStarted(t *testing.T) {
	coord, manager, _, _, _ := setupCoordinator(t)
	ctx := context.Background()

	stream, err := manager.Create(ctx, "t1", "u1", "s", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	coord.BroadcastStarted(ctx, "t1", stream.ID)

	got, _ := manager.Get(stream.ID)
	if got.Status != streams.StatusLive {
		t.Errorf("status = %q, want live", got.Status)
	}
}

func TestCoordinator_BroadcastEndedCascade(t *testing.T) {
	coord, manager, supervisor, tracker, mr := setupCoordinator(t)
	ctx := context.Background()

	stream, err := manager.Create(ctx, "t1", "u1", "s", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	coord.BroadcastStarted(ctx, "t1", stream.ID)

	if !supervisor.Start(stream.ID, "pipe:0") {
		t.Fatal("supervisor.Start failed")
	}
	if err := tracker.Heartbeat(ctx, "t1", stream.ID, "v1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	coord.BroadcastEnded(ctx, "t1", stream.ID)

	got, _ := manager.Get(stream.ID)
	if got.Status != streams.StatusEnded {
		t.Errorf("status = %q, want ended", got.Status)
	}
	if supervisor.IsActive(stream.ID) {
		t.Error("transcoder survived the cascade")
	}
	if _, err := os.Stat(supervisor.OutputDir(stream.ID)); !os.IsNotExist(err) {
		t.Error("HLS artifacts survived the cascade")
	}
	if mr.Exists("stream_viewers:t1:" + stream.ID) {
		t.Error("viewer presence survived the cascade")
	}
	if mr.Exists("stream_key:t1:" + stream.ID) {
		t.Error("stream key survived the cascade")
	}
}

func TestCoordinator_ReapDead(t *testing.T) {
	coord, manager, _, _, _ := setupCoordinator(t)
	ctx := context.Background()

	stream, err := manager.Create(ctx, "t1", "u1", "s", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	coord.BroadcastStarted(ctx, "t1", stream.ID)

	coord.ReapDead(stream.ID)

	got, _ := manager.Get(stream.ID)
	if got.Status != streams.StatusEnded {
		t.Errorf("status = %q, want ended after reap", got.Status)
	}

	// Unknown streams are ignored
	coord.ReapDead("stream_missing")
}
