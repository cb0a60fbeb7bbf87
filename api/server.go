package api

import (
	"net/http"

	"github.com/equicourse/collab-server/auth"
	"github.com/gin-gonic/gin"
)

// Server exposes the collaboration endpoints over gin
type Server struct {
	wsHub     *WebSocketHub
	validator auth.TokenValidator
}

// NewServer creates a new API server instance
func NewServer(hub *WebSocketHub, validator auth.TokenValidator) *Server {
	return &Server{
		wsHub:     hub,
		validator: validator,
	}
}

// Hub returns the websocket hub, mainly for tests and diagnostics
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// RegisterHandlers registers the collaboration routes with the router.
// The websocket route resolves identity optionally: shared-link guests
// connect without a token.
func (s *Server) RegisterHandlers(r *gin.Engine) {
	r.GET("/ws/collaboration/:design_id", auth.OptionalMiddleware(s.validator), s.wsHub.HandleWS)
	r.GET("/healthz", s.handleHealth)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"sessions":    s.wsHub.SessionCount(),
		"connections": s.wsHub.ConnectionCount(),
	})
}
