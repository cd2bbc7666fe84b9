package chat

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

func setupModerator(t *testing.T, opts Options) (*Moderator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return NewModerator(client, opts, testLogger()), mr
}

func TestValidate_Allowed(t *testing.T) {
	m, _ := setupModerator(t, Options{MaxMessageLength: 500})
	ctx := context.Background()

	allowed, reason, err := m.Validate(ctx, "t1", "stream_a", "user-1", "hello world")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !allowed {
		t.Errorf("allowed = false, reason %q", reason)
	}
}

func TestValidate_LengthBoundary(t *testing.T) {
	m, _ := setupModerator(t, Options{MaxMessageLength: 10})
	ctx := context.Background()

	allowed, _, err := m.Validate(ctx, "t1", "stream_a", "user-1", strings.Repeat("a", 10))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !allowed {
		t.Error("message at exactly max length should be allowed")
	}

	allowed, reason, err := m.Validate(ctx, "t1", "stream_a", "user-1", strings.Repeat("a", 11))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if allowed || reason != ReasonTooLong {
		t.Errorf("allowed=%v reason=%q, want rejection %q", allowed, reason, ReasonTooLong)
	}
}

func TestValidate_EmptyAfterTrim(t *testing.T) {
	m, _ := setupModerator(t, Options{MaxMessageLength: 500})
	ctx := context.Background()

	allowed, reason, err := m.Validate(ctx, "t1", "stream_a", "user-1", "   \t ")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if allowed || reason != ReasonEmpty {
		t.Errorf("allowed=%v reason=%q, want %q", allowed, reason, ReasonEmpty)
	}
}

func TestValidate_BannedUser(t *testing.T) {
	m, _ := setupModerator(t, Options{MaxMessageLength: 500})
	ctx := context.Background()

	if err := m.Ban(ctx, "t1", "stream_a", "troll", 0); err != nil {
		t.Fatalf("Ban: %v", err)
	}

	allowed, reason, err := m.Validate(ctx, "t1", "stream_a", "troll", "hi")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if allowed || reason != ReasonBanned {
		t.Errorf("allowed=%v reason=%q, want %q", allowed, reason, ReasonBanned)
	}

	// Other users and other streams are unaffected
	allowed, _, err = m.Validate(ctx, "t1", "stream_a", "user-2", "hi")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !allowed {
		t.Error("unbanned user should be allowed")
	}
	allowed, _, err = m.Validate(ctx, "t1", "stream_b", "troll", "hi")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !allowed {
		t.Error("ban should be scoped to the stream")
	}
}

func TestValidate_BanWithTTL(t *testing.T) {
	m, mr := setupModerator(t, Options{MaxMessageLength: 500})
	ctx := context.Background()

	if err := m.Ban(ctx, "t1", "stream_a", "troll", 10*time.Second); err != nil {
		t.Fatalf("Ban: %v", err)
	}

	mr.FastForward(11 * time.Second)

	allowed, _, err := m.Validate(ctx, "t1", "stream_a", "troll", "hi")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !allowed {
		t.Error("expired ban should not reject")
	}
}

func TestValidate_Unban(t *testing.T) {
	m, _ := setupModerator(t, Options{MaxMessageLength: 500})
	ctx := context.Background()

	if err := m.Ban(ctx, "t1", "stream_a", "troll", 0); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	if err := m.Unban(ctx, "t1", "stream_a", "troll"); err != nil {
		t.Fatalf("Unban: %v", err)
	}

	allowed, _, err := m.Validate(ctx, "t1", "stream_a", "troll", "hi")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !allowed {
		t.Error("unbanned user should be allowed")
	}
}

func TestValidate_WordFilter(t *testing.T) {
	m, _ := setupModerator(t, Options{MaxMessageLength: 500})
	ctx := context.Background()

	if err := m.AddFilter(ctx, "t1", "stream_a", "SPOILER"); err != nil {
		t.Fatalf("AddFilter: %v", err)
	}

	allowed, reason, err := m.Validate(ctx, "t1", "stream_a", "user-1", "big Spoiler ahead")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if allowed || reason != ReasonFiltered {
		t.Errorf("allowed=%v reason=%q, want %q", allowed, reason, ReasonFiltered)
	}

	if err := m.RemoveFilter(ctx, "t1", "stream_a", "spoiler"); err != nil {
		t.Fatalf("RemoveFilter: %v", err)
	}
	allowed, _, err = m.Validate(ctx, "t1", "stream_a", "user-1", "big Spoiler ahead")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !allowed {
		t.Error("message should pass after filter removal")
	}
}

func TestValidate_SlowMode(t *testing.T) {
	m, mr := setupModerator(t, Options{MaxMessageLength: 500, SlowModeSeconds: 5})
	ctx := context.Background()

	allowed, _, err := m.Validate(ctx, "t1", "stream_a", "user-1", "hi")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !allowed {
		t.Fatal("first message should be allowed")
	}

	allowed, reason, err := m.Validate(ctx, "t1", "stream_a", "user-1", "hi again")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if allowed {
		t.Fatal("second message inside the window should be rejected")
	}
	if !strings.HasPrefix(reason, "Slow mode") {
		t.Errorf("reason = %q, want prefix %q", reason, "Slow mode")
	}

	// Another user is not throttled by this user's token
	allowed, _, err = m.Validate(ctx, "t1", "stream_a", "user-2", "hi")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !allowed {
		t.Error("slow mode should be per-user")
	}

	mr.FastForward(5 * time.Second)
	allowed, _, err = m.Validate(ctx, "t1", "stream_a", "user-1", "hi later")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !allowed {
		t.Error("message after the slow-mode window should be allowed")
	}
}

func TestValidate_CheckOrder(t *testing.T) {
	// A banned user sending an over-long message gets the length reason first
	m, _ := setupModerator(t, Options{MaxMessageLength: 5})
	ctx := context.Background()

	if err := m.Ban(ctx, "t1", "stream_a", "troll", 0); err != nil {
		t.Fatalf("Ban: %v", err)
	}

	_, reason, err := m.Validate(ctx, "t1", "stream_a", "troll", "toolongmessage")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if reason != ReasonTooLong {
		t.Errorf("reason = %q, want %q (first failure wins)", reason, ReasonTooLong)
	}
}
