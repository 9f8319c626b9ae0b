package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ruleiq/orchestrator/pkg/evidence"
	"github.com/ruleiq/orchestrator/pkg/fault"
)

// collectHandler handles POST /api/v1/collections.
// The collection runs detached from the request; progress streams over the
// collection's WS channel.
func (s *Server) collectHandler(c *gin.Context) {
	var req CollectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fault.New(fault.KindInvalidInput, err.Error()))
		return
	}

	collectionID, _, err := s.evidence.Collect(c.Request.Context(), evidence.Request{
		TenantID:     req.TenantID,
		FrameworkIDs: req.FrameworkIDs,
		ControlIDs:   req.ControlIDs,
		Sources:      req.Sources,
		Mode:         evidence.Mode(req.Mode),
		Delay:        time.Duration(req.DelaySeconds) * time.Second,
		MaxDuration:  time.Duration(req.MaxDurationSeconds) * time.Second,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, &CollectionAcceptedResponse{
		CollectionID: collectionID,
		Message:      "Evidence collection submitted",
	})
}

// getCollectionHandler handles GET /api/v1/collections/:id.
func (s *Server) getCollectionHandler(c *gin.Context) {
	collectionID := c.Param("id")
	if collectionID == "" {
		writeError(c, fault.New(fault.KindInvalidInput, "collection id is required"))
		return
	}

	view, err := s.evidence.GetCollection(c.Request.Context(), collectionID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}
