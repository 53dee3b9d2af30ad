package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	app "github.com/gantryio/gantry"
	"github.com/gantryio/gantry/pkg/api"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, api.HealthResponse{
		Service: app.Name,
		Status:  "healthy",
		Version: app.Version,
	})
}
