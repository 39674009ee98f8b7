package server

import (
	"net/http"

	"github.com/easel-labs/easel-backend/internal/relay"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	websocketReadBufferSize  = 4096
	websocketWriteBufferSize = 4096
)

// handleWebsocket upgrades the connection and hands it to the relay. The read
// pump runs on the handler goroutine; the write pump gets its own.
func (h *httpHandler) handleWebsocket(c *gin.Context) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  websocketReadBufferSize,
		WriteBufferSize: websocketWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(h.allowedOrigins, r.Header.Get("Origin"))
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := relay.NewClient(conn, h.relay, h.logger)
	go client.WritePump()
	client.ReadPump()
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return true
	}
	for _, candidate := range allowed {
		if candidate == "*" || candidate == origin {
			return true
		}
	}
	return false
}
