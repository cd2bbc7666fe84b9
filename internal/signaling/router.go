package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/easiviotech/fabriq-streaming/internal/metrics"
	"github.com/easiviotech/fabriq-streaming/pkg/logging"
)

// KeyValidator authorizes a broadcaster's offer against its stream key.
type KeyValidator interface {
	ValidateKey(ctx context.Context, tenantID, streamID, key string) bool
}

// Lifecycle receives stream transitions driven by signaling: a valid offer
// means the broadcast started, a broadcaster disconnect means it ended.
type Lifecycle interface {
	BroadcastStarted(ctx context.Context, tenantID, streamID string)
	BroadcastEnded(ctx context.Context, tenantID, streamID string)
}

type broadcasterEntry struct {
	connID   uint64
	tenantID string
	userID   string
}

// Router is the WebSocket signaling fabric: it registers one broadcaster and
// an ordered viewer set per stream, relays SDP and ICE frames between them,
// and converges all registrations when a socket closes. All registries are
// worker-local.
type Router struct {
	mu           sync.RWMutex
	conns        map[uint64]*Conn
	broadcasters map[string]broadcasterEntry
	viewers      map[string][]uint64 // insertion-ordered per stream
	connStream   map[uint64]string   // reverse map for disconnect cleanup

	nextID    atomic.Uint64
	keys      KeyValidator
	lifecycle Lifecycle
	logger    logging.Logger
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader
}

// NewRouter creates a signaling router. lifecycle may be nil.
func NewRouter(keys KeyValidator, lifecycle Lifecycle, logger logging.Logger, m *metrics.Metrics) *Router {
	return &Router{
		conns:        make(map[uint64]*Conn),
		broadcasters: make(map[string]broadcasterEntry),
		viewers:      make(map[string][]uint64),
		connStream:   make(map[uint64]string),
		keys:         keys,
		lifecycle:    lifecycle,
		logger:       logger,
		metrics:      m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades the request and runs the connection's pumps. Tenant and
// user identity must already be on the gin context.
func (r *Router) HandleWS(c *gin.Context) {
	ws, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	conn := &Conn{
		id:       r.nextID.Add(1),
		ws:       ws,
		send:     make(chan []byte, 256),
		tenantID: c.GetString("tenant_id"),
		userID:   c.GetString("user_id"),
		router:   r,
		logger:   r.logger,
	}

	r.mu.Lock()
	r.conns[conn.id] = conn
	total := len(r.conns)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SignalingConnections.WithLabelValues("total").Inc()
	}
	r.logger.WithFields(logging.Fields{
		"conn_id":    conn.id,
		"tenant_id":  conn.tenantID,
		"conn_count": total,
	}).Info("Signaling client connected")

	go conn.writePump()
	go conn.readPump()
}

// handleMessage dispatches one inbound frame.
func (r *Router) handleMessage(c *Conn, raw []byte) {
	var msg envelope
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendJSON(errorFrame{Error: "Invalid JSON"})
		return
	}

	if r.metrics != nil {
		r.metrics.SignalingMessages.WithLabelValues(msg.Type, "in").Inc()
	}

	switch msg.Type {
	case TypeOffer:
		r.handleOffer(c, &msg)
	case TypeAnswer:
		r.handleAnswer(c, &msg)
	case TypeCandidate:
		r.handleCandidate(c, &msg)
	case TypeSubscribe:
		r.handleSubscribe(c, &msg)
	default:
		c.sendJSON(errorFrame{Error: "Unknown signaling type", Type: msg.Type})
	}
}

// handleOffer registers c as the stream's broadcaster and fans the offer out
// to every established viewer. A prior broadcaster on this worker is
// overwritten; the takeover is logged at warn.
func (r *Router) handleOffer(c *Conn, msg *envelope) {
	if msg.StreamID == "" || msg.SDP == "" {
		c.sendJSON(errorFrame{Error: "Missing stream_id or sdp"})
		return
	}

	if !r.keys.ValidateKey(context.Background(), c.tenantID, msg.StreamID, msg.StreamKey) {
		r.logger.WithFields(logging.Fields{
			"stream_id": msg.StreamID,
			"tenant_id": c.tenantID,
			"conn_id":   c.id,
		}).Warn("Offer with invalid stream key")
		c.sendJSON(errorFrame{Error: "Invalid stream key"})
		return
	}

	r.mu.Lock()
	// A connection that was enrolled as a viewer leaves that set; the
	// broadcaster is never in the viewer set of any stream.
	if prev, ok := r.connStream[c.id]; ok {
		r.removeViewerLocked(prev, c.id)
	}
	prior, takeover := r.broadcasters[msg.StreamID]
	if takeover && prior.connID != c.id {
		delete(r.connStream, prior.connID)
	}
	r.broadcasters[msg.StreamID] = broadcasterEntry{connID: c.id, tenantID: c.tenantID, userID: c.userID}
	r.connStream[c.id] = msg.StreamID
	if r.viewers[msg.StreamID] == nil {
		r.viewers[msg.StreamID] = []uint64{}
	}
	audience := r.viewerConns(msg.StreamID)
	r.mu.Unlock()

	if takeover && prior.connID != c.id {
		r.logger.WithFields(logging.Fields{
			"stream_id":    msg.StreamID,
			"prior_conn":   prior.connID,
			"new_conn":     c.id,
			"viewer_count": len(audience),
		}).Warn("Broadcaster re-registration, prior registration overwritten")
	}

	c.sendJSON(streamFrame{Type: TypeBroadcastStarted, StreamID: msg.StreamID})

	offer := offerFrame{Type: TypeOffer, StreamID: msg.StreamID, SDP: msg.SDP}
	for _, viewer := range audience {
		viewer.sendJSON(offer)
	}

	r.logger.WithFields(logging.Fields{
		"stream_id":    msg.StreamID,
		"conn_id":      c.id,
		"viewer_count": len(audience),
	}).Info("Broadcast started")

	if r.lifecycle != nil {
		r.lifecycle.BroadcastStarted(context.Background(), c.tenantID, msg.StreamID)
	}
}

// handleAnswer relays a viewer's SDP answer to the broadcaster, tagged with
// the viewer's connection id so the broadcaster can address that peer.
func (r *Router) handleAnswer(c *Conn, msg *envelope) {
	r.mu.RLock()
	entry, ok := r.broadcasters[msg.StreamID]
	broadcaster := r.conns[entry.connID]
	r.mu.RUnlock()

	if !ok {
		c.sendJSON(errorFrame{Error: "Stream not found"})
		return
	}
	if broadcaster == nil {
		return
	}

	broadcaster.sendJSON(answerFrame{
		Type:     TypeAnswer,
		StreamID: msg.StreamID,
		SDP:      msg.SDP,
		ViewerFD: c.id,
	})
}

// handleCandidate routes an ICE candidate. Best-effort: malformed or
// unroutable candidates are dropped without a response.
func (r *Router) handleCandidate(c *Conn, msg *envelope) {
	if msg.StreamID == "" || len(msg.Candidate) == 0 {
		return
	}

	frame := candidateFrame{
		Type:      TypeCandidate,
		StreamID:  msg.StreamID,
		Candidate: msg.Candidate,
		FromFD:    c.id,
	}

	if msg.TargetFD != 0 {
		r.mu.RLock()
		target := r.conns[msg.TargetFD]
		r.mu.RUnlock()
		if target != nil {
			target.sendJSON(frame)
		}
		return
	}

	r.mu.RLock()
	entry, hasBroadcaster := r.broadcasters[msg.StreamID]
	fromBroadcaster := hasBroadcaster && entry.connID == c.id
	var targets []*Conn
	if fromBroadcaster {
		targets = r.viewerConns(msg.StreamID)
	} else if hasBroadcaster {
		if b := r.conns[entry.connID]; b != nil {
			targets = []*Conn{b}
		}
	}
	r.mu.RUnlock()

	for _, target := range targets {
		target.sendJSON(frame)
	}
}

// handleSubscribe enrolls c in the stream's viewer set and tells each side
// about the other.
func (r *Router) handleSubscribe(c *Conn, msg *envelope) {
	if msg.StreamID == "" {
		c.sendJSON(errorFrame{Error: "Missing stream_id"})
		return
	}

	r.mu.Lock()
	// Re-subscribing to another stream moves the registration
	if prev, ok := r.connStream[c.id]; ok && prev != msg.StreamID {
		r.removeViewerLocked(prev, c.id)
	}

	entry, hasBroadcaster := r.broadcasters[msg.StreamID]
	isBroadcaster := hasBroadcaster && entry.connID == c.id
	if !isBroadcaster {
		r.connStream[c.id] = msg.StreamID
		present := false
		for _, id := range r.viewers[msg.StreamID] {
			if id == c.id {
				present = true
				break
			}
		}
		if !present {
			r.viewers[msg.StreamID] = append(r.viewers[msg.StreamID], c.id)
		}
	}
	broadcaster := r.conns[entry.connID]
	r.mu.Unlock()

	r.logger.WithFields(logging.Fields{
		"stream_id": msg.StreamID,
		"conn_id":   c.id,
		"tenant_id": c.tenantID,
	}).Info("Viewer subscribed")

	if hasBroadcaster {
		c.sendJSON(streamFrame{Type: TypeStreamActive, StreamID: msg.StreamID})
		if broadcaster != nil {
			broadcaster.sendJSON(viewerJoinedFrame{
				Type:     TypeViewerJoined,
				StreamID: msg.StreamID,
				ViewerFD: c.id,
			})
		}
	} else {
		c.sendJSON(streamFrame{Type: TypeStreamWaiting, StreamID: msg.StreamID})
	}
}

// disconnect converges all state for a closed connection. A broadcaster
// close cascades: viewers are notified and both registries are dropped.
func (r *Router) disconnect(c *Conn) {
	r.mu.Lock()
	delete(r.conns, c.id)

	streamID, registered := r.connStream[c.id]
	if !registered {
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.SignalingConnections.WithLabelValues("total").Dec()
		}
		return
	}
	delete(r.connStream, c.id)

	entry, hasBroadcaster := r.broadcasters[streamID]
	if hasBroadcaster && entry.connID == c.id {
		audience := r.viewerConns(streamID)
		for _, id := range r.viewers[streamID] {
			delete(r.connStream, id)
		}
		delete(r.broadcasters, streamID)
		delete(r.viewers, streamID)
		r.mu.Unlock()

		ended := streamFrame{Type: TypeStreamEnded, StreamID: streamID}
		for _, viewer := range audience {
			viewer.sendJSON(ended)
		}

		r.logger.WithFields(logging.Fields{
			"stream_id":    streamID,
			"conn_id":      c.id,
			"viewer_count": len(audience),
		}).Info("Broadcaster disconnected, stream ended")

		if r.lifecycle != nil {
			r.lifecycle.BroadcastEnded(context.Background(), entry.tenantID, streamID)
		}
	} else {
		r.removeViewerLocked(streamID, c.id)
		r.mu.Unlock()

		r.logger.WithFields(logging.Fields{
			"stream_id": streamID,
			"conn_id":   c.id,
		}).Info("Viewer disconnected")
	}

	if r.metrics != nil {
		r.metrics.SignalingConnections.WithLabelValues("total").Dec()
	}
}

// removeViewerLocked drops a connection from a stream's viewer set,
// preserving the order of the survivors. Caller holds r.mu.
func (r *Router) removeViewerLocked(streamID string, connID uint64) {
	ids := r.viewers[streamID]
	for i, id := range ids {
		if id == connID {
			r.viewers[streamID] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// viewerConns resolves the stream's viewer ids to established connections in
// insertion order. Caller holds r.mu (read or write).
func (r *Router) viewerConns(streamID string) []*Conn {
	ids := r.viewers[streamID]
	out := make([]*Conn, 0, len(ids))
	for _, id := range ids {
		if conn, ok := r.conns[id]; ok {
			out = append(out, conn)
		}
	}
	return out
}

// RouterStats is a snapshot of the router's registries.
type RouterStats struct {
	Connections  int `json:"connections"`
	Broadcasters int `json:"broadcasters"`
	Viewers      int `json:"viewers"`
}

// GetStats returns current registry sizes.
func (r *Router) GetStats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	viewers := 0
	for _, ids := range r.viewers {
		viewers += len(ids)
	}
	return RouterStats{
		Connections:  len(r.conns),
		Broadcasters: len(r.broadcasters),
		Viewers:      viewers,
	}
}
