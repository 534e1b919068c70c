package ws

import (
	"log/slog"
	"net/http"

	"github.com/driftbyte/agent-gateway/internal/auth"
	"github.com/driftbyte/agent-gateway/internal/logger"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by the CORS layer; the handshake
	// itself accepts any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades GET /ws to a WebSocket and hands the connection to the
// dispatcher. Authentication happens before the upgrade so a bad token costs
// a plain 401, not a socket.
func Handler(validator auth.TokenValidator, dispatcher *Dispatcher, log *logger.Logger) gin.HandlerFunc {
	hlog := log.WithComponent("ws_handler")

	return func(c *gin.Context) {
		userID, err := validator.ValidateToken(auth.BearerToken(c.Request))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		sock, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hlog.Error("websocket upgrade failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()))
			return
		}

		conn := NewConnection(userID, sock)
		hlog.Info("websocket connected",
			slog.String("connection_id", conn.Key()),
			slog.String("user_id", userID))

		dispatcher.HandleConnection(conn)

		hlog.Info("websocket disconnected",
			slog.String("connection_id", conn.Key()),
			slog.String("user_id", userID))
	}
}
