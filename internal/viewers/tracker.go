package viewers

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/easiviotech/fabriq-streaming/pkg/logging"
)

// ViewerTTL is how long a viewer stays counted after its last heartbeat.
// Clients heartbeat every ViewerTTL/2; two consecutive misses drop them.
const ViewerTTL = 30 * time.Second

// Tracker maintains per-stream live viewer presence in a Redis sorted set.
// Members are viewer ids, scores are epoch seconds of the last heartbeat.
type Tracker struct {
	client goredis.UniversalClient
	logger logging.Logger
	now    func() time.Time
}

// NewTracker creates a tracker backed by the given Redis client.
func NewTracker(client goredis.UniversalClient, logger logging.Logger) *Tracker {
	return &Tracker{
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

func (t *Tracker) key(tenantID, streamID string) string {
	return fmt.Sprintf("stream_viewers:%s:%s", tenantID, streamID)
}

// Heartbeat upserts the viewer with the current timestamp and refreshes the
// set's own TTL so it self-cleans after silence.
func (t *Tracker) Heartbeat(ctx context.Context, tenantID, streamID, viewerID string) error {
	key := t.key(tenantID, streamID)

	pipe := t.client.Pipeline()
	pipe.ZAdd(ctx, key, goredis.Z{Score: float64(t.now().Unix()), Member: viewerID})
	pipe.Expire(ctx, key, 4*ViewerTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("viewer heartbeat: %w", err)
	}
	return nil
}

// Remove deletes the viewer from the stream's presence set.
func (t *Tracker) Remove(ctx context.Context, tenantID, streamID, viewerID string) error {
	if err := t.client.ZRem(ctx, t.key(tenantID, streamID), viewerID).Err(); err != nil {
		return fmt.Errorf("viewer remove: %w", err)
	}
	return nil
}

// Count evicts expired members, then returns the live cardinality.
func (t *Tracker) Count(ctx context.Context, tenantID, streamID string) (int64, error) {
	key := t.key(tenantID, streamID)
	if err := t.evictExpired(ctx, key); err != nil {
		return 0, err
	}

	count, err := t.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("viewer count: %w", err)
	}
	return count, nil
}

// GetViewers evicts expired members, then returns the remaining viewer ids in
// ascending heartbeat order.
func (t *Tracker) GetViewers(ctx context.Context, tenantID, streamID string) ([]string, error) {
	key := t.key(tenantID, streamID)
	if err := t.evictExpired(ctx, key); err != nil {
		return nil, err
	}

	members, err := t.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("viewer list: %w", err)
	}
	return members, nil
}

// ClearStream drops the whole presence set for a stream.
func (t *Tracker) ClearStream(ctx context.Context, tenantID, streamID string) error {
	if err := t.client.Del(ctx, t.key(tenantID, streamID)).Err(); err != nil {
		return fmt.Errorf("viewer clear: %w", err)
	}
	return nil
}

// evictExpired drops members whose score is strictly below now−ViewerTTL; a
// heartbeat exactly ViewerTTL old still counts.
func (t *Tracker) evictExpired(ctx context.Context, key string) error {
	cutoff := t.now().Add(-ViewerTTL).Unix()
	upper := "(" + strconv.FormatInt(cutoff, 10)
	if err := t.client.ZRemRangeByScore(ctx, key, "-inf", upper).Err(); err != nil {
		return fmt.Errorf("viewer evict: %w", err)
	}
	return nil
}
