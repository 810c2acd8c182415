package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/netsession/internal/util"
)

// Version is reported by the public endpoints.
const Version = "1.0.0"

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "netsession",
		"version": Version,
	})
}

func (s *Server) handleSystem(c *gin.Context) {
	conn := s.cfg.GetConnection()
	c.JSON(http.StatusOK, gin.H{
		"player_id":   conn.PlayerID,
		"player_name": conn.PlayerName,
		"state":       s.control.State().String(),
		"transport":   s.cfg.GetTransport().Kind,
		"sessions":    s.sessions.Enabled(),
		"system":      util.GetSystemInfo(),
		"local_ip":    util.GetLocalIP(),
	})
}
