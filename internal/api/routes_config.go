package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/netsession/internal/events"
)

func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.View())
}

type setFieldRequest struct {
	Section string      `json:"section" binding:"required"`
	Key     string      `json:"key" binding:"required"`
	Value   interface{} `json:"value"`
}

// handleSetField updates one field and persists the file. Running
// components keep their settings until restarted.
func (s *Server) handleSetField(c *gin.Context) {
	var req setFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.cfg.UpdateField(req.Section, req.Key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.cfg.Save(); err != nil {
		s.logger.Error().Err(err).Msg("failed to save config")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	s.eventBus.Emit(c.Request.Context(), events.Event{
		Type:   events.EventConfigChanged,
		Source: "api",
		Payload: events.ConfigChangedPayload{
			Section: req.Section,
			Key:     req.Key,
		},
	})

	s.logger.Info().Str("section", req.Section).Str("key", req.Key).Msg("API: config updated")
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}
