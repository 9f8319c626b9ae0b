// Package api is the reference HTTP surface over the embedding services:
// run submission and lifecycle, evidence collections, the WebSocket event
// stream, health, and Prometheus metrics. Authentication is left to the
// platform in front of it.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ruleiq/orchestrator/pkg/config"
	"github.com/ruleiq/orchestrator/pkg/events"
	"github.com/ruleiq/orchestrator/pkg/resilience"
	"github.com/ruleiq/orchestrator/pkg/scheduler"
	"github.com/ruleiq/orchestrator/pkg/services"
)

// Deps carries the wired components the server exposes. Manager, Breakers,
// and Registry may be nil; the matching endpoints degrade instead of panic.
type Deps struct {
	Runs     *services.RunService
	Evidence *services.EvidenceService
	Pool     *pgxpool.Pool
	Sched    *scheduler.Pool
	Manager  *events.ConnectionManager
	Breakers *resilience.BreakerSet
	Registry *prometheus.Registry
}

// Server is the HTTP API server.
type Server struct {
	cfg      config.ServerConfig
	runs     *services.RunService
	evidence *services.EvidenceService
	pool     *pgxpool.Pool
	sched    *scheduler.Pool
	manager  *events.ConnectionManager
	breakers *resilience.BreakerSet
	registry *prometheus.Registry
}

// NewServer creates the API server over its wired dependencies.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	return &Server{
		cfg:      cfg,
		runs:     deps.Runs,
		evidence: deps.Evidence,
		pool:     deps.Pool,
		sched:    deps.Sched,
		manager:  deps.Manager,
		breakers: deps.Breakers,
		registry: deps.Registry,
	}
}

// Handler builds the gin engine with all routes mounted.
func (s *Server) Handler() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(requestLogger(), gin.Recovery(), securityHeaders())

	r.GET("/healthz", s.healthHandler)
	if s.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	v1.POST("/runs", s.submitRunHandler)
	v1.GET("/runs/:id", s.getRunHandler)
	v1.POST("/runs/:id/resume", s.resumeRunHandler)
	v1.POST("/runs/:id/cancel", s.cancelRunHandler)
	v1.POST("/collections", s.collectHandler)
	v1.GET("/collections/:id", s.getCollectionHandler)
	v1.GET("/ws", s.wsHandler)

	return r
}
