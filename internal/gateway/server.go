package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var startedAt = time.Now()

// upgrader is shared across connections; CheckOrigin always allows since
// the gateway is meant to sit behind a trusted reverse proxy per the
// teacher's "trust reverse proxy" deployment assumption, not exposed
// directly to arbitrary browser origins.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RegisterRoutes wires the WebSocket upgrade endpoint and a liveness
// health check onto a gin engine, grounded on the teacher's r.GET("/api/ping", ...).
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET(h.cfg.HealthPath, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"uptime_s":        int64(time.Since(startedAt).Seconds()),
			"active_sessions": h.sessions.ActiveCount(),
			"max_sessions":    h.sessions.Capacity(),
		})
	})

	r.GET(h.cfg.WSPath, func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		h.HandleConnection(conn)
	})
}
