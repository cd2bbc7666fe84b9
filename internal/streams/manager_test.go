package streams

import (
	"context"
	"io"
	"strings"
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

func setupManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return NewManager(client, time.Hour, nil, testLogger()), mr
}

func TestCreate(t *testing.T) {
	m, mr := setupManager(t)
	ctx := context.Background()

	stream, err := m.Create(ctx, "t1", "u1", "My Stream", map[string]string{"game": "chess"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if !strings.HasPrefix(stream.ID, "stream_") || len(stream.ID) != len("stream_")+24 {
		t.Errorf("stream id = %q, want stream_ + 24 hex chars", stream.ID)
	}
	if !strings.HasPrefix(stream.StreamKey, "sk_") || len(stream.StreamKey) != len("sk_")+48 {
		t.Errorf("stream key = %q, want sk_ + 48 hex chars", stream.StreamKey)
	}
	if stream.Status != StatusPending {
		t.Errorf("status = %q, want pending", stream.Status)
	}

	// Key is stored in the KV with a TTL
	kvKey := "stream_key:t1:" + stream.ID
	got, err := mr.Get(kvKey)
	if err != nil {
		t.Fatalf("stream key not in KV: %v", err)
	}
	if got != stream.StreamKey {
		t.Errorf("KV key = %q, want %q", got, stream.StreamKey)
	}
	if mr.TTL(kvKey) <= 0 {
		t.Error("expected a TTL on the stream key entry")
	}
}

func TestCreate_UniqueIDs(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		stream, err := m.Create(ctx, "t1", "u1", "s", nil)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if seen[stream.ID] {
			t.Fatalf("duplicate stream id %q", stream.ID)
		}
		seen[stream.ID] = true
	}
}

func TestCreate_KVFailureRollsBack(t *testing.T) {
	m, mr := setupManager(t)
	ctx := context.Background()

	mr.Close()

	stream, err := m.Create(ctx, "t1", "u1", "s", nil)
	if err == nil {
		t.Fatal("expected error when KV is down")
	}
	if stream != nil {
		t.Error("expected no stream on failure")
	}
	if got := m.Stats()["total"]; got != 0 {
		t.Errorf("local records = %d, want 0 after rollback", got)
	}
}

func TestValidateKey(t *testing.T) {
	m, mr := setupManager(t)
	ctx := context.Background()

	stream, err := m.Create(ctx, "t1", "u1", "s", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if !m.ValidateKey(ctx, "t1", stream.ID, stream.StreamKey) {
		t.Error("valid key rejected")
	}
	if m.ValidateKey(ctx, "t1", stream.ID, "sk_wrong") {
		t.Error("wrong key accepted")
	}
	if m.ValidateKey(ctx, "t1", stream.ID, "") {
		t.Error("empty key accepted")
	}
	if m.ValidateKey(ctx, "t2", stream.ID, stream.StreamKey) {
		t.Error("key accepted for wrong tenant")
	}

	// Key TTL lapse invalidates
	mr.FastForward(2 * time.Hour)
	if m.ValidateKey(ctx, "t1", stream.ID, stream.StreamKey) {
		t.Error("key accepted after TTL lapse")
	}
}

func TestStartPublishesToActiveStreams(t *testing.T) {
	m, mr := setupManager(t)
	ctx := context.Background()

	stream, err := m.Create(ctx, "t1", "u1", "s", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := m.Start(ctx, stream.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !ok {
		t.Fatal("Start = false, want true")
	}

	got, ok := m.Get(stream.ID)
	if !ok {
		t.Fatal("stream disappeared")
	}
	if got.Status != StatusLive {
		t.Errorf("status = %q, want live", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("started_at not set")
	}

	if !mr.Exists("active_streams") {
		t.Fatal("active_streams hash missing")
	}
	if raw := mr.HGet("active_streams", stream.ID); raw == "" {
		t.Error("stream not mirrored into active_streams")
	} else if strings.Contains(raw, stream.StreamKey) {
		t.Error("stream key leaked into the shared mirror")
	}

	active, err := m.ActiveStreams(ctx)
	if err != nil {
		t.Fatalf("ActiveStreams: %v", err)
	}
	if entry, ok := active[stream.ID]; !ok {
		t.Error("stream missing from ActiveStreams")
	} else if entry.Status != StatusLive {
		t.Errorf("mirrored status = %q, want live", entry.Status)
	}
}

func TestStart_UnknownAndNonPending(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	if ok, err := m.Start(ctx, "stream_missing"); err != nil || ok {
		t.Errorf("Start(unknown) = (%v, %v), want (false, nil)", ok, err)
	}

	stream, err := m.Create(ctx, "t1", "u1", "s", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Start(ctx, stream.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// live → live is refused
	if ok, err := m.Start(ctx, stream.ID); err != nil || ok {
		t.Errorf("second Start = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestEndRetractsKVState(t *testing.T) {
	m, mr := setupManager(t)
	ctx := context.Background()

	stream, err := m.Create(ctx, "t1", "u1", "s", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Start(ctx, stream.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ok, err := m.End(ctx, stream.ID)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if !ok {
		t.Fatal("End = false, want true")
	}

	got, _ := m.Get(stream.ID)
	if got.Status != StatusEnded {
		t.Errorf("status = %q, want ended", got.Status)
	}
	if got.EndedAt == nil {
		t.Error("ended_at not set")
	}

	if raw := mr.HGet("active_streams", stream.ID); raw != "" {
		t.Error("active_streams entry survived End")
	}
	if mr.Exists("stream_key:t1:" + stream.ID) {
		t.Error("stream key survived End")
	}

	// ended is terminal
	if ok, err := m.End(ctx, stream.ID); err != nil || ok {
		t.Errorf("second End = (%v, %v), want (false, nil)", ok, err)
	}
	if ok, err := m.Start(ctx, stream.ID); err != nil || ok {
		t.Errorf("Start after End = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestEnd_Unknown(t *testing.T) {
	m, _ := setupManager(t)
	if ok, err := m.End(context.Background(), "stream_missing"); err != nil || ok {
		t.Errorf("End(unknown) = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestEndFromPending(t *testing.T) {
	// A stream that never went live can still be ended (cancels the key)
	m, mr := setupManager(t)
	ctx := context.Background()

	stream, err := m.Create(ctx, "t1", "u1", "s", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := m.End(ctx, stream.ID)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if !ok {
		t.Fatal("End = false, want true")
	}
	if mr.Exists("stream_key:t1:" + stream.ID) {
		t.Error("stream key survived End")
	}
}

func TestLiveStreamsAndStats(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	a, _ := m.Create(ctx, "t1", "u1", "a", nil)
	if _, err := m.Create(ctx, "t1", "u1", "b", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	c, _ := m.Create(ctx, "t2", "u2", "c", nil)

	if _, err := m.Start(ctx, a.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Start(ctx, c.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	live := m.LiveStreams("t1")
	if len(live) != 1 || live[0].ID != a.ID {
		t.Errorf("LiveStreams(t1) = %v, want just %s", live, a.ID)
	}

	stats := m.Stats()
	if stats["total"] != 3 {
		t.Errorf("total = %d, want 3", stats["total"])
	}
	if stats["live"] != 2 {
		t.Errorf("live = %d, want 2", stats["live"])
	}
	if stats["pending"] != 1 {
		t.Errorf("pending = %d, want 1", stats["pending"])
	}
}
