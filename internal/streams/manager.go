package streams

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	goredis "github.com/redis/go-redis/v9"

	"github.com/easiviotech/fabriq-streaming/pkg/logging"
)

// Status is a stream's lifecycle state. Transitions only advance:
// pending → live → ended.
type Status string

const (
	StatusPending Status = "pending"
	StatusLive    Status = "live"
	StatusEnded   Status = "ended"
)

// activeStreamsKey is the shared hash mirroring live streams across workers.
const activeStreamsKey = "active_streams"

// Stream is the authoritative record of a live-streaming session.
type Stream struct {
	ID        string            `json:"stream_id"`
	TenantID  string            `json:"tenant_id"`
	UserID    string            `json:"user_id"`
	StreamKey string            `json:"-"` // secret, never mirrored
	Status    Status            `json:"status"`
	Title     string            `json:"title"`
	StartedAt *int64            `json:"started_at,omitempty"` // epoch seconds
	EndedAt   *int64            `json:"ended_at,omitempty"`   // epoch seconds
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

// Archive receives lifecycle transitions for durable storage. Failures are
// logged and never block the live path.
type Archive interface {
	RecordCreate(ctx context.Context, s *Stream) error
	RecordStart(ctx context.Context, streamID string, startedAt time.Time) error
	RecordEnd(ctx context.Context, streamID string, endedAt time.Time) error
}

// Manager owns stream lifecycle on this worker: record keeping, stream-key
// issuance and validation, and the cross-worker live-state mirror in the KV
// store. Records are worker-local; anything other workers must observe goes
// through Redis.
type Manager struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	client  goredis.UniversalClient
	keyTTL  time.Duration
	archive Archive
	logger  logging.Logger
	retry   retrypolicy.RetryPolicy[any]
	now     func() time.Time
}

// NewManager creates a stream manager. archive may be nil.
func NewManager(client goredis.UniversalClient, keyTTL time.Duration, archive Archive, logger logging.Logger) *Manager {
	if keyTTL <= 0 {
		keyTTL = 24 * time.Hour
	}
	return &Manager{
		streams: make(map[string]*Stream),
		client:  client,
		keyTTL:  keyTTL,
		archive: archive,
		logger:  logger,
		retry: retrypolicy.NewBuilder[any]().
			WithBackoff(100*time.Millisecond, time.Second).
			WithMaxRetries(2).
			Build(),
		now: time.Now,
	}
}

func streamKeyKV(tenantID, streamID string) string {
	return fmt.Sprintf("stream_key:%s:%s", tenantID, streamID)
}

func randomHex(chars int) (string, error) {
	buf := make([]byte, chars/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Create mints a new stream with a fresh id and secret key, records it with
// status pending, and writes the key to the KV store with a TTL. If the KV
// write fails the local record is rolled back.
func (m *Manager) Create(ctx context.Context, tenantID, userID, title string, metadata map[string]string) (*Stream, error) {
	id, err := randomHex(24)
	if err != nil {
		return nil, err
	}
	key, err := randomHex(48)
	if err != nil {
		return nil, err
	}

	stream := &Stream{
		ID:        "stream_" + id,
		TenantID:  tenantID,
		UserID:    userID,
		StreamKey: "sk_" + key,
		Status:    StatusPending,
		Title:     title,
		Metadata:  metadata,
		CreatedAt: m.now().Unix(),
	}

	m.mu.Lock()
	m.streams[stream.ID] = stream
	m.mu.Unlock()

	if err := m.client.SetEx(ctx, streamKeyKV(tenantID, stream.ID), stream.StreamKey, m.keyTTL).Err(); err != nil {
		m.mu.Lock()
		delete(m.streams, stream.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("store stream key: %w", err)
	}

	if m.archive != nil {
		if err := m.archive.RecordCreate(ctx, stream); err != nil {
			m.logger.WithError(err).WithField("stream_id", stream.ID).Warn("Failed to archive stream creation")
		}
	}

	m.logger.WithFields(logging.Fields{
		"stream_id": stream.ID,
		"tenant_id": tenantID,
		"user_id":   userID,
	}).Info("Stream created")

	return m.copyOf(stream.ID), nil
}

// ValidateKey compares the presented key against the KV-stored value in
// constant time. Empty keys and missing KV entries never validate.
func (m *Manager) ValidateKey(ctx context.Context, tenantID, streamID, key string) bool {
	if key == "" {
		return false
	}
	stored, err := m.client.Get(ctx, streamKeyKV(tenantID, streamID)).Result()
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(key)) == 1
}

// Start transitions a pending stream to live and publishes it into the
// shared active-streams hash. A failed publish reverts the local transition
// so no stale state survives.
func (m *Manager) Start(ctx context.Context, streamID string) (bool, error) {
	m.mu.Lock()
	stream, ok := m.streams[streamID]
	if !ok || stream.Status != StatusPending {
		m.mu.Unlock()
		return false, nil
	}
	startedAt := m.now().Unix()
	stream.Status = StatusLive
	stream.StartedAt = &startedAt
	payload, err := json.Marshal(stream)
	m.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("marshal stream record: %w", err)
	}

	if err := m.publish(ctx, streamID, payload); err != nil {
		m.mu.Lock()
		if s, ok := m.streams[streamID]; ok {
			s.Status = StatusPending
			s.StartedAt = nil
		}
		m.mu.Unlock()
		return false, fmt.Errorf("publish live stream: %w", err)
	}

	if m.archive != nil {
		if err := m.archive.RecordStart(ctx, streamID, time.Unix(startedAt, 0)); err != nil {
			m.logger.WithError(err).WithField("stream_id", streamID).Warn("Failed to archive stream start")
		}
	}

	m.logger.WithField("stream_id", streamID).Info("Stream live")
	return true, nil
}

// publish writes the serialized record into the shared hash, retrying briefly
// on transient KV failures before giving up.
func (m *Manager) publish(ctx context.Context, streamID string, payload []byte) error {
	_, err := failsafe.With(m.retry).Get(func() (any, error) {
		return nil, m.client.HSet(ctx, activeStreamsKey, streamID, payload).Err()
	})
	return err
}

// End transitions a stream to ended and removes its mirror entry and stream
// key from the KV store. Returns false when the stream is unknown or already
// ended.
func (m *Manager) End(ctx context.Context, streamID string) (bool, error) {
	m.mu.Lock()
	stream, ok := m.streams[streamID]
	if !ok || stream.Status == StatusEnded {
		m.mu.Unlock()
		return false, nil
	}
	prevStatus := stream.Status
	endedAt := m.now().Unix()
	stream.Status = StatusEnded
	stream.EndedAt = &endedAt
	tenantID := stream.TenantID
	m.mu.Unlock()

	pipe := m.client.Pipeline()
	pipe.HDel(ctx, activeStreamsKey, streamID)
	pipe.Del(ctx, streamKeyKV(tenantID, streamID))
	if _, err := pipe.Exec(ctx); err != nil {
		m.mu.Lock()
		if s, ok := m.streams[streamID]; ok {
			s.Status = prevStatus
			s.EndedAt = nil
		}
		m.mu.Unlock()
		return false, fmt.Errorf("retract live stream: %w", err)
	}

	if m.archive != nil {
		if err := m.archive.RecordEnd(ctx, streamID, time.Unix(endedAt, 0)); err != nil {
			m.logger.WithError(err).WithField("stream_id", streamID).Warn("Failed to archive stream end")
		}
	}

	m.logger.WithField("stream_id", streamID).Info("Stream ended")
	return true, nil
}

// Get returns a copy of the local stream record.
func (m *Manager) Get(streamID string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stream, ok := m.streams[streamID]
	if !ok {
		return nil, false
	}
	cp := *stream
	return &cp, true
}

// LiveStreams returns this worker's live streams for a tenant.
func (m *Manager) LiveStreams(tenantID string) []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Stream
	for _, s := range m.streams {
		if s.TenantID == tenantID && s.Status == StatusLive {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out
}

// ActiveStreams reads the shared mirror: every live stream across all
// workers, keyed by stream id.
func (m *Manager) ActiveStreams(ctx context.Context) (map[string]*Stream, error) {
	entries, err := m.client.HGetAll(ctx, activeStreamsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read active streams: %w", err)
	}

	out := make(map[string]*Stream, len(entries))
	for id, raw := range entries {
		var s Stream
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			m.logger.WithError(err).WithField("stream_id", id).Warn("Skipping undecodable active stream entry")
			continue
		}
		out[id] = &s
	}
	return out, nil
}

// Stats reports local record counts by status.
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := map[string]int{"total": len(m.streams)}
	for _, s := range m.streams {
		stats[string(s.Status)]++
	}
	return stats
}

func (m *Manager) copyOf(streamID string) *Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.streams[streamID]; ok {
		cp := *s
		return &cp
	}
	return nil
}
