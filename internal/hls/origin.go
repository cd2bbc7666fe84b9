package hls

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/easiviotech/fabriq-streaming/pkg/logging"
)

// Origin serves HLS manifests and segments for every stream under the
// storage root. Manifests are polled by players and must never be cached;
// segments are immutable once written and cache forever.
type Origin struct {
	storageRoot string
	logger      logging.Logger
}

// NewOrigin creates an HLS origin over the given storage root.
func NewOrigin(storageRoot string, logger logging.Logger) *Origin {
	return &Origin{storageRoot: storageRoot, logger: logger}
}

// ServeFile handles GET /hls/:stream_id/*filename.
func (o *Origin) ServeFile(c *gin.Context) {
	streamID := c.Param("stream_id")
	filename := strings.TrimPrefix(c.Param("filename"), "/")

	if strings.Contains(filename, "..") || strings.ContainsAny(filename, `/\`) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid filename"})
		return
	}

	path := filepath.Join(o.storageRoot, streamID, filename)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		o.logger.WithFields(logging.Fields{
			"stream_id": streamID,
			"filename":  filename,
		}).Debug("HLS artifact not found")
		c.JSON(http.StatusNotFound, gin.H{"error": "Segment not found"})
		return
	}

	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Content-Type")

	switch filepath.Ext(filename) {
	case ".m3u8":
		c.Header("Content-Type", "application/vnd.apple.mpegurl")
		c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	case ".ts":
		c.Header("Content-Type", "video/mp2t")
		c.Header("Cache-Control", "public, max-age=31536000, immutable")
	default:
		c.Header("Content-Type", "application/octet-stream")
	}

	// net/http uses sendfile for the body where the platform supports it
	c.File(path)
}
