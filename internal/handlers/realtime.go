package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/holonext/scenesync/internal/realtime"
)

// RealtimeHandler upgrades HTTP connections into collaboration websockets.
type RealtimeHandler struct {
	hub *realtime.Hub
}

// NewRealtimeHandler constructs the websocket entry point.
func NewRealtimeHandler(hub *realtime.Hub) *RealtimeHandler {
	return &RealtimeHandler{hub: hub}
}

// Stream hands the request to the hub, which owns the socket from here on.
func (h *RealtimeHandler) Stream(c *gin.Context) {
	h.hub.Serve(c.Writer, c.Request)
}
