package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/easiviotech/fabriq-streaming/pkg/logging"
)

// Rejection reasons returned to chat clients.
const (
	ReasonTooLong  = "Message exceeds maximum length"
	ReasonEmpty    = "Message is empty"
	ReasonBanned   = "You are banned from this chat"
	ReasonFiltered = "Message contains prohibited words"
	ReasonSlowMode = "Slow mode is enabled, please wait before sending another message"
)

// Options configures per-message admission.
type Options struct {
	MaxMessageLength int
	SlowModeSeconds  int
}

// Moderator gates chat messages per tenant and stream. Bans, word filters and
// slow-mode tokens live in the shared KV store so every worker agrees.
type Moderator struct {
	client goredis.UniversalClient
	opts   Options
	logger logging.Logger
}

// NewModerator creates a moderator backed by the given Redis client.
func NewModerator(client goredis.UniversalClient, opts Options, logger logging.Logger) *Moderator {
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = 500
	}
	return &Moderator{
		client: client,
		opts:   opts,
		logger: logger,
	}
}

func banKey(tenantID, streamID string) string {
	return fmt.Sprintf("chat_ban:%s:%s", tenantID, streamID)
}

func filterKey(tenantID, streamID string) string {
	return fmt.Sprintf("chat_filter:%s:%s", tenantID, streamID)
}

func slowKey(tenantID, streamID, userID string) string {
	return fmt.Sprintf("chat_slow:%s:%s:%s", tenantID, streamID, userID)
}

// Validate runs the admission checks in order; the first failure wins.
// A true result means the user may send the message now (in slow mode this
// also consumes the user's slow-mode token).
func (m *Moderator) Validate(ctx context.Context, tenantID, streamID, userID, message string) (bool, string, error) {
	if len(message) > m.opts.MaxMessageLength {
		return false, ReasonTooLong, nil
	}
	if strings.TrimSpace(message) == "" {
		return false, ReasonEmpty, nil
	}

	banned, err := m.client.SIsMember(ctx, banKey(tenantID, streamID), userID).Result()
	if err != nil {
		return false, "", fmt.Errorf("chat ban lookup: %w", err)
	}
	if banned {
		return false, ReasonBanned, nil
	}

	words, err := m.client.SMembers(ctx, filterKey(tenantID, streamID)).Result()
	if err != nil {
		return false, "", fmt.Errorf("chat filter lookup: %w", err)
	}
	lowered := strings.ToLower(message)
	for _, word := range words {
		if word != "" && strings.Contains(lowered, word) {
			return false, ReasonFiltered, nil
		}
	}

	if m.opts.SlowModeSeconds > 0 {
		ttl := time.Duration(m.opts.SlowModeSeconds) * time.Second
		ok, err := m.client.SetNX(ctx, slowKey(tenantID, streamID, userID), "1", ttl).Result()
		if err != nil {
			return false, "", fmt.Errorf("chat slow-mode token: %w", err)
		}
		if !ok {
			return false, ReasonSlowMode, nil
		}
	}

	return true, "", nil
}

// Ban adds a user to the stream's ban set. A positive ttl makes the ban
// expire with the whole set; zero means it persists until cleared.
func (m *Moderator) Ban(ctx context.Context, tenantID, streamID, userID string, ttl time.Duration) error {
	key := banKey(tenantID, streamID)
	if err := m.client.SAdd(ctx, key, userID).Err(); err != nil {
		return fmt.Errorf("chat ban: %w", err)
	}
	if ttl > 0 {
		if err := m.client.Expire(ctx, key, ttl).Err(); err != nil {
			return fmt.Errorf("chat ban expire: %w", err)
		}
	}

	m.logger.WithFields(logging.Fields{
		"tenant_id": tenantID,
		"stream_id": streamID,
		"user_id":   userID,
	}).Info("User banned from chat")
	return nil
}

// Unban removes a user from the stream's ban set.
func (m *Moderator) Unban(ctx context.Context, tenantID, streamID, userID string) error {
	if err := m.client.SRem(ctx, banKey(tenantID, streamID), userID).Err(); err != nil {
		return fmt.Errorf("chat unban: %w", err)
	}
	return nil
}

// AddFilter registers a banned substring. Matching is case-insensitive; the
// stored form is lower-cased.
func (m *Moderator) AddFilter(ctx context.Context, tenantID, streamID, word string) error {
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return nil
	}
	if err := m.client.SAdd(ctx, filterKey(tenantID, streamID), word).Err(); err != nil {
		return fmt.Errorf("chat add filter: %w", err)
	}
	return nil
}

// RemoveFilter drops a banned substring.
func (m *Moderator) RemoveFilter(ctx context.Context, tenantID, streamID, word string) error {
	word = strings.ToLower(strings.TrimSpace(word))
	if err := m.client.SRem(ctx, filterKey(tenantID, streamID), word).Err(); err != nil {
		return fmt.Errorf("chat remove filter: %w", err)
	}
	return nil
}

// Filters returns the stream's banned substrings.
func (m *Moderator) Filters(ctx context.Context, tenantID, streamID string) ([]string, error) {
	words, err := m.client.SMembers(ctx, filterKey(tenantID, streamID)).Result()
	if err != nil {
		return nil, fmt.Errorf("chat filters: %w", err)
	}
	return words, nil
}
