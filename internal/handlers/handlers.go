package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/easiviotech/fabriq-streaming/internal/chat"
	"github.com/easiviotech/fabriq-streaming/internal/metrics"
	"github.com/easiviotech/fabriq-streaming/internal/signaling"
	"github.com/easiviotech/fabriq-streaming/internal/streams"
	"github.com/easiviotech/fabriq-streaming/internal/transcoder"
	"github.com/easiviotech/fabriq-streaming/internal/viewers"
	"github.com/easiviotech/fabriq-streaming/pkg/logging"
)

// Handlers exposes the orchestrator's REST control surface.
type Handlers struct {
	streams    *streams.Manager
	supervisor *transcoder.Supervisor
	tracker    *viewers.Tracker
	moderator  *chat.Moderator
	signaling  *signaling.Router
	logger     logging.Logger
	metrics    *metrics.Metrics
}

// New creates the handler set. m may be nil.
func New(
	mgr *streams.Manager,
	s *transcoder.Supervisor,
	t *viewers.Tracker,
	mod *chat.Moderator,
	sig *signaling.Router,
	logger logging.Logger,
	m *metrics.Metrics,
) *Handlers {
	return &Handlers{
		streams:    mgr,
		supervisor: s,
		tracker:    t,
		moderator:  mod,
		signaling:  sig,
		logger:     logger,
		metrics:    m,
	}
}

type createStreamRequest struct {
	Title    string            `json:"title" binding:"required"`
	Metadata map[string]string `json:"metadata"`
}

type createStreamResponse struct {
	StreamID  string `json:"stream_id"`
	StreamKey string `json:"stream_key"`
	Status    string `json:"status"`
}

// CreateStream mints a stream and its secret key for the caller.
func (h *Handlers) CreateStream(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	userID := c.GetString("user_id")

	var req createStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}

	stream, err := h.streams.Create(c.Request.Context(), tenantID, userID, req.Title, req.Metadata)
	if err != nil {
		h.logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to create stream")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create stream"})
		return
	}

	c.JSON(http.StatusCreated, createStreamResponse{
		StreamID:  stream.ID,
		StreamKey: stream.StreamKey,
		Status:    string(stream.Status),
	})
}

// GetStream returns the caller's stream record.
func (h *Handlers) GetStream(c *gin.Context) {
	tenantID := c.GetString("tenant_id")

	stream, ok := h.streams.Get(c.Param("id"))
	if !ok || stream.TenantID != tenantID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Stream not found"})
		return
	}
	c.JSON(http.StatusOK, stream)
}

// ListLiveStreams returns this worker's live streams for the tenant.
func (h *Handlers) ListLiveStreams(c *gin.Context) {
	live := h.streams.LiveStreams(c.GetString("tenant_id"))
	if live == nil {
		live = []*streams.Stream{}
	}
	c.JSON(http.StatusOK, gin.H{"streams": live})
}

// ListActiveStreams returns the cross-worker live set from the shared KV,
// filtered to the caller's tenant.
func (h *Handlers) ListActiveStreams(c *gin.Context) {
	tenantID := c.GetString("tenant_id")

	active, err := h.streams.ActiveStreams(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to read active streams")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read active streams"})
		return
	}

	out := make([]*streams.Stream, 0, len(active))
	for _, s := range active {
		if s.TenantID == tenantID {
			out = append(out, s)
		}
	}
	c.JSON(http.StatusOK, gin.H{"streams": out})
}

// EndStream ends a stream and tears down its transcoder, artifacts and
// viewer presence.
func (h *Handlers) EndStream(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	streamID := c.Param("id")

	stream, ok := h.streams.Get(streamID)
	if !ok || stream.TenantID != tenantID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Stream not found"})
		return
	}

	ended, err := h.streams.End(c.Request.Context(), streamID)
	if err != nil {
		h.logger.WithError(err).WithField("stream_id", streamID).Error("Failed to end stream")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to end stream"})
		return
	}
	if !ended {
		c.JSON(http.StatusConflict, gin.H{"error": "Stream already ended"})
		return
	}

	if h.supervisor.Stop(streamID) {
		if err := h.supervisor.Cleanup(streamID); err != nil {
			h.logger.WithError(err).WithField("stream_id", streamID).Warn("Failed to clean up HLS artifacts")
		}
	}
	if err := h.tracker.ClearStream(c.Request.Context(), tenantID, streamID); err != nil {
		h.logger.WithError(err).WithField("stream_id", streamID).Warn("Failed to clear viewer presence")
	}

	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

type startTranscodeRequest struct {
	InputURL string `json:"input_url" binding:"required"`
}

// StartTranscode asks the supervisor to ingest the stream and emit HLS.
func (h *Handlers) StartTranscode(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	streamID := c.Param("id")

	stream, ok := h.streams.Get(streamID)
	if !ok || stream.TenantID != tenantID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Stream not found"})
		return
	}
	if stream.Status == streams.StatusEnded {
		c.JSON(http.StatusConflict, gin.H{"error": "Stream already ended"})
		return
	}

	var req startTranscodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "input_url is required"})
		return
	}

	if !h.supervisor.Start(streamID, req.InputURL) {
		if h.metrics != nil {
			h.metrics.TranscodeStarts.WithLabelValues("refused").Inc()
		}
		c.JSON(http.StatusConflict, gin.H{"error": "Transcoder unavailable for stream"})
		return
	}
	if h.metrics != nil {
		h.metrics.TranscodeStarts.WithLabelValues("ok").Inc()
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "transcoding"})
}

// StopTranscode stops the encoder and removes the HLS artifacts.
func (h *Handlers) StopTranscode(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	streamID := c.Param("id")

	stream, ok := h.streams.Get(streamID)
	if !ok || stream.TenantID != tenantID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Stream not found"})
		return
	}

	if !h.supervisor.Stop(streamID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No transcoder for stream"})
		return
	}
	if err := h.supervisor.Cleanup(streamID); err != nil {
		h.logger.WithError(err).WithField("stream_id", streamID).Warn("Failed to clean up HLS artifacts")
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// Heartbeat records viewer presence.
func (h *Handlers) Heartbeat(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	streamID := c.Param("id")
	viewerID := c.Param("viewer_id")

	if err := h.tracker.Heartbeat(c.Request.Context(), tenantID, streamID, viewerID); err != nil {
		h.logger.WithError(err).WithField("stream_id", streamID).Error("Failed to record heartbeat")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record heartbeat"})
		return
	}
	if h.metrics != nil {
		h.metrics.ViewerHeartbeats.WithLabelValues().Inc()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetViewers returns the live viewer count and members.
func (h *Handlers) GetViewers(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	streamID := c.Param("id")

	members, err := h.tracker.GetViewers(c.Request.Context(), tenantID, streamID)
	if err != nil {
		h.logger.WithError(err).WithField("stream_id", streamID).Error("Failed to list viewers")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list viewers"})
		return
	}
	if members == nil {
		members = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(members), "viewers": members})
}

type chatMessageRequest struct {
	Message string `json:"message"`
}

// ValidateChatMessage runs a message through moderation.
func (h *Handlers) ValidateChatMessage(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	userID := c.GetString("user_id")
	streamID := c.Param("id")

	var req chatMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	allowed, reason, err := h.moderator.Validate(c.Request.Context(), tenantID, streamID, userID, req.Message)
	if err != nil {
		h.logger.WithError(err).WithField("stream_id", streamID).Error("Chat moderation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Moderation unavailable"})
		return
	}
	if !allowed && h.metrics != nil {
		h.metrics.ChatRejections.WithLabelValues(reason).Inc()
	}
	c.JSON(http.StatusOK, gin.H{"allowed": allowed, "reason": reason})
}

type banRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// BanUser adds a chat ban, optionally expiring.
func (h *Handlers) BanUser(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	streamID := c.Param("id")

	var req banRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := h.moderator.Ban(c.Request.Context(), tenantID, streamID, req.UserID, ttl); err != nil {
		h.logger.WithError(err).WithField("stream_id", streamID).Error("Failed to ban user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to ban user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "banned"})
}

// UnbanUser lifts a chat ban.
func (h *Handlers) UnbanUser(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	streamID := c.Param("id")

	if err := h.moderator.Unban(c.Request.Context(), tenantID, streamID, c.Param("user_id")); err != nil {
		h.logger.WithError(err).WithField("stream_id", streamID).Error("Failed to unban user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to unban user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unbanned"})
}

type filterRequest struct {
	Word string `json:"word" binding:"required"`
}

// AddChatFilter registers a banned substring.
func (h *Handlers) AddChatFilter(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	streamID := c.Param("id")

	var req filterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "word is required"})
		return
	}

	if err := h.moderator.AddFilter(c.Request.Context(), tenantID, streamID, req.Word); err != nil {
		h.logger.WithError(err).WithField("stream_id", streamID).Error("Failed to add chat filter")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add chat filter"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "added"})
}

// RemoveChatFilter drops a banned substring.
func (h *Handlers) RemoveChatFilter(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	streamID := c.Param("id")

	if err := h.moderator.RemoveFilter(c.Request.Context(), tenantID, streamID, c.Param("word")); err != nil {
		h.logger.WithError(err).WithField("stream_id", streamID).Error("Failed to remove chat filter")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove chat filter"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

// Stats aggregates component statistics.
func (h *Handlers) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"streams":     h.streams.Stats(),
		"transcoders": h.supervisor.GetStats(),
		"signaling":   h.signaling.GetStats(),
	})
}
