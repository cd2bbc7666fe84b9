package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the orchestrator's service-specific metric handles. The
// collectors are created and registered by main via the monitoring package.
type Metrics struct {
	SignalingConnections *prometheus.GaugeVec   // by role; the router reports every connection as "total"
	SignalingMessages    *prometheus.CounterVec // by type, direction
	ActiveStreams        *prometheus.GaugeVec   // by lifecycle status
	TranscodersActive    *prometheus.GaugeVec
	TranscodeStarts      *prometheus.CounterVec // by status (ok/refused)
	ChatRejections       *prometheus.CounterVec // by reason
	ViewerHeartbeats     *prometheus.CounterVec
}
