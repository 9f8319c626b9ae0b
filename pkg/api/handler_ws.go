package api

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/ruleiq/orchestrator/pkg/fault"
)

// wsHandler handles GET /api/v1/ws, upgrading to WebSocket and handing the
// connection to the ConnectionManager until the client disconnects.
// Cross-origin requests are rejected unless their origin matches
// AllowedWSOrigins; an empty list permits same-origin requests only.
func (s *Server) wsHandler(c *gin.Context) {
	if s.manager == nil {
		c.JSON(http.StatusServiceUnavailable, &ErrorResponse{
			Kind:  string(fault.KindInternal),
			Error: "WebSocket not available",
		})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedWSOrigins,
	})
	if err != nil {
		// Accept has already written the HTTP error response.
		slog.Warn("WebSocket accept failed", "error", err)
		return
	}

	// HandleConnection blocks until the WebSocket closes.
	s.manager.HandleConnection(c.Request.Context(), conn)
}
