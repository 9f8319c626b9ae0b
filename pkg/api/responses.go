package api

import (
	"github.com/ruleiq/orchestrator/pkg/scheduler"
)

// RunAcceptedResponse is returned by POST /api/v1/runs and by
// POST /api/v1/runs/:id/resume.
type RunAcceptedResponse struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CancelResponse is returned by POST /api/v1/runs/:id/cancel.
type CancelResponse struct {
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}

// CollectionAcceptedResponse is returned by POST /api/v1/collections.
type CollectionAcceptedResponse struct {
	CollectionID string `json:"collection_id"`
	Message      string `json:"message"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status      string                 `json:"status"`
	Version     string                 `json:"version"`
	Checks      map[string]HealthCheck `json:"checks"`
	Scheduler   *scheduler.PoolHealth  `json:"scheduler,omitempty"`
	Breakers    map[string]string      `json:"breakers,omitempty"`
	Connections int                    `json:"ws_connections"`
}

// HealthCheck is one named probe inside HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
