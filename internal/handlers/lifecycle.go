package handlers

import (
	"context"

	"github.com/easiviotech/fabriq-streaming/internal/streams"
	"github.com/easiviotech/fabriq-streaming/internal/transcoder"
	"github.com/easiviotech/fabriq-streaming/internal/viewers"
	"github.com/easiviotech/fabriq-streaming/pkg/logging"
)

// Coordinator converges stream state across components when signaling
// reports a lifecycle transition: an accepted offer drives pending→live, a
// broadcaster disconnect drives →ended plus transcoder shutdown, HLS artifact
// cleanup and viewer-presence eviction.
type Coordinator struct {
	streams    *streams.Manager
	supervisor *transcoder.Supervisor
	tracker    *viewers.Tracker
	logger     logging.Logger
}

// NewCoordinator wires the convergence cascade.
func NewCoordinator(m *streams.Manager, s *transcoder.Supervisor, t *viewers.Tracker, logger logging.Logger) *Coordinator {
	return &Coordinator{streams: m, supervisor: s, tracker: t, logger: logger}
}

// BroadcastStarted transitions the stream to live.
func (c *Coordinator) BroadcastStarted(ctx context.Context, tenantID, streamID string) {
	if _, err := c.streams.Start(ctx, streamID); err != nil {
		c.logger.WithError(err).WithField("stream_id", streamID).Error("Failed to mark stream live")
	}
}

// BroadcastEnded transitions the stream to ended and tears down everything
// attached to it.
func (c *Coordinator) BroadcastEnded(ctx context.Context, tenantID, streamID string) {
	if _, err := c.streams.End(ctx, streamID); err != nil {
		c.logger.WithError(err).WithField("stream_id", streamID).Error("Failed to mark stream ended")
	}

	if c.supervisor.Stop(streamID) {
		if err := c.supervisor.Cleanup(streamID); err != nil {
			c.logger.WithError(err).WithField("stream_id", streamID).Warn("Failed to clean up HLS artifacts")
		}
	}

	if err := c.tracker.ClearStream(ctx, tenantID, streamID); err != nil {
		c.logger.WithError(err).WithField("stream_id", streamID).Warn("Failed to clear viewer presence")
	}
}

// ReapDead ends streams whose encoder died without a signaling event. Wired
// to the supervisor's periodic reap.
func (c *Coordinator) ReapDead(streamID string) {
	ctx := context.Background()
	stream, ok := c.streams.Get(streamID)
	if !ok {
		return
	}
	c.logger.WithField("stream_id", streamID).Warn("Ending stream after encoder death")
	c.BroadcastEnded(ctx, stream.TenantID, streamID)
}
