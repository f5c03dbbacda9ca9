package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/gatekeeper/internal/util"
)

const serviceVersion = "1.0.0"

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"service":  "gatekeeper",
		"version":  serviceVersion,
		"instance": s.deps.InstanceID,
	})
}

// handleHealth reports host load plus the login server's own counters.
func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status":     "ok",
		"instance":   s.deps.InstanceID,
		"uptime_sec": int64(time.Since(s.started).Seconds()),
		"system":     util.GetSystemInfo(),
		"usage":      util.GetHostUsage(s.deps.DataDir),
	}
	if s.deps.Connections != nil {
		resp["connections"] = s.deps.Connections.Count()
	}
	c.JSON(http.StatusOK, resp)
}
