package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/netsession/internal/connection"
	"github.com/energizer-project/netsession/internal/util"
)

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.control.Snapshot())
}

func (s *Server) handlePlayers(c *gin.Context) {
	players := s.players.Players()
	c.JSON(http.StatusOK, gin.H{
		"players":   players,
		"total":     len(players),
		"connected": s.players.ConnectedCount(),
	})
}

type transitionView struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Event string `json:"event"`
}

func (s *Server) handleTransitions(c *gin.Context) {
	out := make([]transitionView, 0, len(connection.Transitions))
	for _, t := range connection.Transitions {
		out = append(out, transitionView{From: t.From.String(), To: t.To.String(), Event: t.Event})
	}
	c.JSON(http.StatusOK, gin.H{
		"current":     s.control.State().String(),
		"transitions": out,
	})
}

func (s *Server) handleResources(c *gin.Context) {
	usage, err := util.GetResourceUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, usage)
}

func (s *Server) handleListSessions(c *gin.Context) {
	list, err := s.sessions.RetrieveAndPublishSessionList(c.Request.Context())
	if err != nil {
		s.fail(c, "query_sessions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list, "total": len(list)})
}

func (s *Server) handleCurrentSession(c *gin.Context) {
	cur := s.sessions.CurrentSession()
	if cur == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return
	}
	c.JSON(http.StatusOK, cur)
}
