package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/gatekeeper/internal/events"
	"github.com/energizer-project/gatekeeper/internal/session"
	"github.com/energizer-project/gatekeeper/internal/world"
)

// ChannelReport is the body of POST /api/worlds/:id/channels/:channel.
type ChannelReport struct {
	Players int  `json:"players"`
	Online  bool `json:"online"`
}

func (s *Server) handleGetWorlds(c *gin.Context) {
	worlds := s.deps.Router.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"worlds": worlds,
		"total":  len(worlds),
	})
}

func (s *Server) handleGetWorld(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	for _, w := range s.deps.Router.Snapshot() {
		if w.ID == id {
			c.JSON(http.StatusOK, w)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "world not found"})
}

// handleReportChannel applies a channel heartbeat. With a bus it travels
// the same path as MQTT reports, so metrics and subscribers see it too.
func (s *Server) handleReportChannel(c *gin.Context) {
	worldID, ok := intParam(c, "id")
	if !ok {
		return
	}
	index, ok := intParam(c, "channel")
	if !ok {
		return
	}

	var report ChannelReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}

	var err error
	if s.deps.Bus != nil {
		err = s.deps.Bus.EmitSync(c.Request.Context(), events.New(events.EventChannelStatus, "api", events.ChannelStatusPayload{
			World:   worldID,
			Channel: index,
			Players: report.Players,
			Online:  report.Online,
		}))
	} else {
		err = s.deps.Router.ReportChannel(worldID, index, report.Players, report.Online)
	}

	switch {
	case errors.Is(err, world.ErrUnknownWorld), errors.Is(err, world.ErrUnknownChannel):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		s.logger.Error().Err(err).Int("world", worldID).Int("channel", index).Msg("channel report failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "channel report failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (s *Server) handleGetSession(c *gin.Context) {
	accountID, ok := intParam(c, "account")
	if !ok {
		return
	}

	rec, err := s.deps.Coordinator.Lookup(c.Request.Context(), accountID)
	if errors.Is(err, session.ErrNoSession) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session"})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Int("account_id", accountID).Msg("session lookup failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session backend unavailable"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// handleRefreshSession renews an Active lease. Channel servers call it
// while the player is online.
func (s *Server) handleRefreshSession(c *gin.Context) {
	accountID, ok := intParam(c, "account")
	if !ok {
		return
	}

	err := s.deps.Coordinator.Refresh(c.Request.Context(), accountID)
	if errors.Is(err, session.ErrNoSession) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Int("account_id", accountID).Msg("session refresh failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session backend unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refreshed", "account_id": accountID})
}

// handleCloseSession force-closes whatever session the account holds.
func (s *Server) handleCloseSession(c *gin.Context) {
	accountID, ok := intParam(c, "account")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := s.deps.Coordinator.CloseSession(ctx, accountID, true); err != nil {
		s.logger.Error().Err(err).Int("account_id", accountID).Msg("forced session close failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session backend unavailable"})
		return
	}

	s.logger.Info().Int("account_id", accountID).Msg("session closed by admin")
	if s.deps.Bus != nil {
		s.deps.Bus.Emit(context.WithoutCancel(ctx), events.New(events.EventSessionClosed, "api", events.SessionClosedPayload{
			AccountID: accountID,
			Forced:    true,
			Reason:    "admin",
		}))
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed", "account_id": accountID})
}

func (s *Server) handleGetConnections(c *gin.Context) {
	if s.deps.Connections == nil {
		c.JSON(http.StatusOK, gin.H{"total": 0, "clients": []any{}})
		return
	}
	clients := s.deps.Connections.Clients()
	c.JSON(http.StatusOK, gin.H{
		"total":   s.deps.Connections.Count(),
		"clients": clients,
	})
}

func intParam(c *gin.Context, name string) (int, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil || v < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return v, true
}
