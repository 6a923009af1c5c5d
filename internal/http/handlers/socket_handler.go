// README: Worker live-session endpoint (websocket upgrade into the hub).
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"dispatchd/internal/http/middleware"
	"dispatchd/internal/modules/notification"
	"dispatchd/internal/types"
)

type SocketHandler struct {
	hub      *notification.Hub
	upgrader websocket.Upgrader
}

func NewSocketHandler(hub *notification.Hub) *SocketHandler {
	return &SocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Serve upgrades the connection and holds it until the worker disconnects.
func (h *SocketHandler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	h.hub.Serve(c.Request.Context(), types.ID(middleware.CallerUID(c)), conn)
}
