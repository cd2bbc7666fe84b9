package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/easiviotech/fabriq-streaming/internal/hls"
)

// Register mounts the orchestrator's routes: the public HLS origin, the
// authenticated signaling endpoint, and the authenticated control API.
func (h *Handlers) Register(router *gin.Engine, origin *hls.Origin, authMW gin.HandlerFunc) {
	router.GET("/hls/:stream_id/*filename", origin.ServeFile)

	router.GET("/ws", authMW, h.signaling.HandleWS)

	api := router.Group("/api", authMW)
	{
		api.POST("/streams", h.CreateStream)
		api.GET("/streams", h.ListLiveStreams)
		api.GET("/streams/active", h.ListActiveStreams)
		api.GET("/streams/:id", h.GetStream)
		api.POST("/streams/:id/end", h.EndStream)

		api.POST("/streams/:id/hls", h.StartTranscode)
		api.DELETE("/streams/:id/hls", h.StopTranscode)

		api.POST("/streams/:id/viewers/:viewer_id/heartbeat", h.Heartbeat)
		api.GET("/streams/:id/viewers", h.GetViewers)

		api.POST("/streams/:id/chat/messages", h.ValidateChatMessage)
		api.POST("/streams/:id/chat/bans", h.BanUser)
		api.DELETE("/streams/:id/chat/bans/:user_id", h.UnbanUser)
		api.POST("/streams/:id/chat/filters", h.AddChatFilter)
		api.DELETE("/streams/:id/chat/filters/:word", h.RemoveChatFilter)

		api.GET("/stats", h.Stats)
	}
}
