package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gantryio/gantry/pkg/api"
)

func (s *Server) listApprovals(c *gin.Context) {
	execID := api.ExecutionID(c.Param("executionID"))

	reqs, err := s.engine.PendingApprovals(c.Request.Context(), execID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, api.ApprovalsListResponse{
		Approvals: reqs,
		Count:     len(reqs),
	})
}

func (s *Server) recordDecision(c *gin.Context) {
	execID := api.ExecutionID(c.Param("executionID"))
	stepID := api.StepID(c.Param("stepID"))

	var req api.ApprovalDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrInvalidJSON, err),
			Status: http.StatusBadRequest,
		})
		return
	}

	if err := req.Status.Validate(); err != nil {
		respondError(c, err)
		return
	}
	if req.DecidedBy == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  "decided_by is required",
			Status: http.StatusBadRequest,
		})
		return
	}

	err := s.engine.RecordApprovalDecision(
		c.Request.Context(), execID, stepID, req.Status, req.DecidedBy,
		req.Reason,
	)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, api.MessageResponse{Message: "Decision recorded"})
}
