package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// connectRequest starts a client or host. Empty fields fall back to the
// configured defaults; Session selects the session-service path.
type connectRequest struct {
	PlayerName string `json:"player_name"`
	Address    string `json:"address"`
	Port       int    `json:"port"`
	Session    bool   `json:"session"`
}

func (s *Server) bindConnect(c *gin.Context) (connectRequest, bool) {
	var req connectRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return req, false
		}
	}
	if req.PlayerName == "" {
		req.PlayerName = s.cfg.GetConnection().PlayerName
	}
	t := s.cfg.GetTransport()
	if req.Address == "" {
		req.Address = t.Address
	}
	if req.Port == 0 {
		req.Port = t.Port
	}
	return req, true
}

func (s *Server) accepted(c *gin.Context, op string) {
	s.logger.Info().Str("op", op).Msg("API: lifecycle command accepted")
	c.JSON(http.StatusAccepted, gin.H{
		"status": "accepted",
		"op":     op,
		"state":  s.control.State().String(),
	})
}

func (s *Server) handleHost(c *gin.Context) {
	req, ok := s.bindConnect(c)
	if !ok {
		return
	}
	var err error
	if req.Session {
		err = s.control.StartHostSession(req.PlayerName)
	} else {
		err = s.control.StartHostIP(req.PlayerName, req.Address, req.Port)
	}
	if err != nil {
		s.fail(c, "start_host", err)
		return
	}
	s.accepted(c, "start_host")
}

func (s *Server) handleJoin(c *gin.Context) {
	req, ok := s.bindConnect(c)
	if !ok {
		return
	}
	var err error
	if req.Session {
		err = s.control.StartClientSession(req.PlayerName)
	} else {
		err = s.control.StartClientIP(req.PlayerName, req.Address, req.Port)
	}
	if err != nil {
		s.fail(c, "start_client", err)
		return
	}
	s.accepted(c, "start_client")
}

func (s *Server) handleServer(c *gin.Context) {
	req, ok := s.bindConnect(c)
	if !ok {
		return
	}
	if err := s.control.StartServerIP(req.Address, req.Port); err != nil {
		s.fail(c, "start_server", err)
		return
	}
	s.accepted(c, "start_server")
}

func (s *Server) handleShutdown(c *gin.Context) {
	s.control.RequestShutdown()
	s.accepted(c, "shutdown")
}

type createSessionRequest struct {
	Name       string `json:"name"`
	MaxPlayers int    `json:"max_players"`
	Private    bool   `json:"private"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Name == "" {
		req.Name = s.cfg.GetSession().SessionName
	}
	if req.MaxPlayers <= 0 {
		req.MaxPlayers = s.cfg.GetConnection().MaxConnectedPlayers
	}

	created, err := s.sessions.TryCreateSession(c.Request.Context(), req.Name, req.MaxPlayers, req.Private)
	if err != nil {
		s.fail(c, "create_session", err)
		return
	}
	c.JSON(http.StatusOK, created)
}

type joinSessionRequest struct {
	Code string `json:"code"`
	ID   string `json:"id"`
}

func (s *Server) handleJoinSession(c *gin.Context) {
	var req joinSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	switch {
	case req.Code != "":
		joined, err := s.sessions.TryJoinSessionByCode(ctx, req.Code)
		if err != nil {
			s.fail(c, "join_session", err)
			return
		}
		c.JSON(http.StatusOK, joined)
	case req.ID != "":
		joined, err := s.sessions.TryJoinSessionByID(ctx, req.ID)
		if err != nil {
			s.fail(c, "join_session", err)
			return
		}
		c.JSON(http.StatusOK, joined)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "code or id is required"})
	}
}

func (s *Server) handleQuickJoin(c *gin.Context) {
	joined, err := s.sessions.TryQuickJoinSession(c.Request.Context())
	if err != nil {
		s.fail(c, "quick_join", err)
		return
	}
	c.JSON(http.StatusOK, joined)
}

func (s *Server) handleLeaveSession(c *gin.Context) {
	if err := s.sessions.LeaveSession(c.Request.Context()); err != nil {
		s.fail(c, "leave_session", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}
