package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ruleiq/orchestrator/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /healthz.
// Only the orchestrator's own components (database, run pool) decide the
// verdict. Provider circuit breakers are reported without affecting it, so
// an external model outage cannot make the platform restart a healthy
// process.
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if err := s.pool.Ping(reqCtx); err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	resp := &HealthResponse{
		Version: version.GitCommit,
		Checks:  checks,
	}

	if s.sched != nil {
		poolHealth := s.sched.Health()
		resp.Scheduler = &poolHealth
		if !poolHealth.IsHealthy {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["scheduler"] = HealthCheck{Status: healthStatusDegraded, Message: "draining"}
		} else {
			checks["scheduler"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if s.breakers != nil {
		resp.Breakers = s.breakers.States()
	}
	if s.manager != nil {
		resp.Connections = s.manager.ActiveConnections()
	}

	resp.Status = status
	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, resp)
}
