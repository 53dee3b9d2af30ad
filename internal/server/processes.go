package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gantryio/gantry/pkg/api"
)

func (s *Server) listDefinitions(c *gin.Context) {
	defs, err := s.engine.ListDefinitions(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, api.DefinitionsListResponse{
		Definitions: defs,
		Count:       len(defs),
	})
}

func (s *Server) saveDefinition(c *gin.Context) {
	var def api.ProcessDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  fmt.Sprintf("%s: %v", ErrInvalidJSON, err),
			Status: http.StatusBadRequest,
		})
		return
	}

	saved, err := s.engine.SaveDefinition(c.Request.Context(), &def)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, api.DefinitionSavedResponse{
		Definition: saved,
		Message:    "Definition saved",
	})
}

func (s *Server) getDefinition(c *gin.Context) {
	processID := api.ProcessID(c.Param("processID"))
	version, ok := versionParam(c)
	if !ok {
		return
	}

	def, err := s.engine.GetDefinition(c.Request.Context(), processID, version)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, def)
}

func (s *Server) publishDefinition(c *gin.Context) {
	s.changeDefinitionStatus(c, s.engine.PublishDefinition,
		"Definition published")
}

func (s *Server) archiveDefinition(c *gin.Context) {
	s.changeDefinitionStatus(c, s.engine.ArchiveDefinition,
		"Definition archived")
}

func (s *Server) changeDefinitionStatus(
	c *gin.Context, change func(context.Context, api.ProcessID, int64) error,
	message string,
) {
	processID := api.ProcessID(c.Param("processID"))
	version, ok := versionParam(c)
	if !ok {
		return
	}

	if err := change(c.Request.Context(), processID, version); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, api.MessageResponse{Message: message})
}

// versionParam reads the optional version query parameter. Zero selects the
// latest version.
func versionParam(c *gin.Context) (int64, bool) {
	raw := c.Query("version")
	if raw == "" {
		return 0, true
	}

	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || version < 0 {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error:  fmt.Sprintf("invalid version: %s", raw),
			Status: http.StatusBadRequest,
		})
		return 0, false
	}
	return version, true
}
