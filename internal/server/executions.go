package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gantryio/gantry/pkg/api"
)

func (s *Server) listExecutions(c *gin.Context) {
	execs, err := s.engine.ListActiveExecutions(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, api.ExecutionsListResponse{
		Executions: execs,
		Count:      len(execs),
	})
}

func (s *Server) startExecution(c *gin.Context) {
	var req api.StartExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrInvalidJSON, err),
			Status: http.StatusBadRequest,
		})
		return
	}

	if req.ProcessID == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  "process_id is required",
			Status: http.StatusBadRequest,
		})
		return
	}

	execID, err := s.engine.StartExecution(
		c.Request.Context(), req.ProcessID, req.Version, req.TriggeredBy,
		req.Input,
	)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, api.ExecutionStartedResponse{
		Message:     "Execution started",
		ExecutionID: execID,
	})
}

func (s *Server) getExecution(c *gin.Context) {
	execID := api.ExecutionID(c.Param("executionID"))

	st, err := s.engine.GetExecution(c.Request.Context(), execID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, st)
}

func (s *Server) cancelExecution(c *gin.Context) {
	execID := api.ExecutionID(c.Param("executionID"))

	var req api.CancelExecutionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, api.ErrorResponse{
				Error:  fmt.Sprintf("%s: %v", ErrInvalidJSON, err),
				Status: http.StatusBadRequest,
			})
			return
		}
	}

	err := s.engine.CancelExecution(c.Request.Context(), execID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, api.MessageResponse{Message: "Execution cancelled"})
}

func (s *Server) listExecutionEvents(c *gin.Context) {
	execID := api.ExecutionID(c.Param("executionID"))

	evs, err := s.engine.ListExecutionEvents(c.Request.Context(), execID)
	if err != nil {
		respondError(c, err)
		return
	}

	records := make([]*api.EventRecord, len(evs))
	for i, ev := range evs {
		records[i] = &api.EventRecord{
			Data:      ev.Data,
			Type:      api.EventType(ev.Type),
			Sequence:  ev.Sequence,
			Timestamp: ev.Timestamp.UnixMilli(),
		}
	}

	c.JSON(http.StatusOK, api.EventsListResponse{
		Events: records,
		Count:  len(records),
	})
}
