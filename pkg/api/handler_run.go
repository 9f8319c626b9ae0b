package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ruleiq/orchestrator/pkg/fault"
	"github.com/ruleiq/orchestrator/pkg/graph"
	"github.com/ruleiq/orchestrator/pkg/services"
)

// maxQueryBytes bounds the submitted query text.
const maxQueryBytes = 64 * 1024

// submitRunHandler handles POST /api/v1/runs.
// The run is scheduled and the handler returns immediately; HTTP clients
// follow progress over the run's WS channel. The in-process event mirror
// is for embedding callers and is discarded here.
func (s *Server) submitRunHandler(c *gin.Context) {
	var req SubmitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fault.New(fault.KindInvalidInput, err.Error()))
		return
	}
	if len(req.Query) > maxQueryBytes {
		c.JSON(http.StatusRequestEntityTooLarge, &ErrorResponse{
			Kind:  string(fault.KindInvalidInput),
			Error: fmt.Sprintf("query exceeds maximum size of %d bytes", maxQueryBytes),
		})
		return
	}

	runID, _, err := s.runs.Submit(c.Request.Context(), services.Query{
		TenantID:  req.TenantID,
		UserID:    req.UserID,
		Query:     req.Query,
		Framework: req.Framework,
		Stream:    req.Stream,
		Metadata:  req.Metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, &RunAcceptedResponse{
		RunID:   runID,
		Status:  string(graph.StatusRunning),
		Message: "Run submitted for processing",
	})
}

// getRunHandler handles GET /api/v1/runs/:id.
func (s *Server) getRunHandler(c *gin.Context) {
	runID := c.Param("id")
	if runID == "" {
		writeError(c, fault.New(fault.KindInvalidInput, "run id is required"))
		return
	}

	view, err := s.runs.Get(c.Request.Context(), runID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// resumeRunHandler handles POST /api/v1/runs/:id/resume.
func (s *Server) resumeRunHandler(c *gin.Context) {
	runID := c.Param("id")
	if runID == "" {
		writeError(c, fault.New(fault.KindInvalidInput, "run id is required"))
		return
	}

	var req ResumeRunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, fault.New(fault.KindInvalidInput, err.Error()))
			return
		}
	}

	if _, err := s.runs.Resume(c.Request.Context(), runID, req.Input); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, &RunAcceptedResponse{
		RunID:   runID,
		Status:  string(graph.StatusRunning),
		Message: "Run resumed",
	})
}

// cancelRunHandler handles POST /api/v1/runs/:id/cancel.
func (s *Server) cancelRunHandler(c *gin.Context) {
	runID := c.Param("id")
	if runID == "" {
		writeError(c, fault.New(fault.KindInvalidInput, "run id is required"))
		return
	}

	if err := s.runs.Cancel(c.Request.Context(), runID); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, &CancelResponse{
		RunID:   runID,
		Message: "Run cancellation requested",
	})
}
