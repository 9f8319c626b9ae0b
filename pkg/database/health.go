package database

import (
	"context"
	"time"
)

// HealthStatus reports pool liveness and utilization for the health endpoint.
type HealthStatus struct {
	Healthy      bool   `json:"healthy"`
	Error        string `json:"error,omitempty"`
	TotalConns   int32  `json:"total_conns"`
	IdleConns    int32  `json:"idle_conns"`
	AcquiredConn int32  `json:"acquired_conns"`
	MaxConns     int32  `json:"max_conns"`
}

// Health pings the database and snapshots pool statistics.
func (c *Client) Health(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status := HealthStatus{}
	if err := c.pool.Ping(ctx); err != nil {
		status.Error = err.Error()
		return status
	}

	stat := c.pool.Stat()
	status.Healthy = true
	status.TotalConns = stat.TotalConns()
	status.IdleConns = stat.IdleConns()
	status.AcquiredConn = stat.AcquiredConns()
	status.MaxConns = stat.MaxConns()
	return status
}
