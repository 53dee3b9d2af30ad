package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"
	"github.com/kode4food/timebox"

	"github.com/gantryio/gantry/internal/approval"
	"github.com/gantryio/gantry/internal/engine"
	"github.com/gantryio/gantry/internal/graph"
	"github.com/gantryio/gantry/internal/util"
	"github.com/gantryio/gantry/pkg/api"
)

// Server implements the HTTP API server for the engine
type Server struct {
	engine   *engine.Engine
	eventHub timebox.EventHub
	sockets  util.Set[*Client]
	mu       sync.Mutex
}

var ErrInvalidJSON = errors.New("invalid JSON request")

// NewServer creates a new HTTP API server
func NewServer(eng *engine.Engine, hub timebox.EventHub) *Server {
	return &Server{
		engine:   eng,
		eventHub: hub,
		sockets:  util.Set[*Client]{},
	}
}

// SetupRoutes configures and returns the HTTP router with all API endpoints
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(c *gin.Context, l *slog.Logger) *slog.Logger {
			return slog.Default()
		}),
	))

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set(
			"Access-Control-Allow-Methods",
			"GET, POST, PUT, DELETE, OPTIONS",
		)
		c.Writer.Header().Set(
			"Access-Control-Allow-Headers",
			"Content-Type, Authorization",
		)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	})

	// Health check
	router.GET("/health", s.handleHealth)

	eng := router.Group("/engine")
	{
		// Process definition endpoints
		eng.GET("/process", s.listDefinitions)
		eng.POST("/process", s.saveDefinition)
		eng.GET("/process/:processID", s.getDefinition)
		eng.POST("/process/:processID/publish", s.publishDefinition)
		eng.POST("/process/:processID/archive", s.archiveDefinition)

		// Execution endpoints
		eng.GET("/execution", s.listExecutions)
		eng.POST("/execution", s.startExecution)
		eng.GET("/execution/:executionID", s.getExecution)
		eng.POST("/execution/:executionID/cancel", s.cancelExecution)
		eng.GET("/execution/:executionID/events", s.listExecutionEvents)

		// Approval endpoints
		eng.GET("/execution/:executionID/approvals", s.listApprovals)
		eng.POST(
			"/execution/:executionID/step/:stepID/decision",
			s.recordDecision,
		)

		// WebSocket
		eng.GET("/ws", s.handleWebSocket)
	}

	return router
}

func (s *Server) registerWebSocket(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets.Add(c)
}

func (s *Server) unregisterWebSocket(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets.Remove(c)
}

// CloseWebSockets closes all active WebSocket connections.
func (s *Server) CloseWebSockets() {
	s.mu.Lock()
	conns := make([]*Client, 0, len(s.sockets))
	for c := range s.sockets {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func isNotFoundError(err error) bool {
	return errors.Is(err, engine.ErrExecutionNotFound) ||
		errors.Is(err, engine.ErrDefinitionNotFound) ||
		errors.Is(err, engine.ErrStepNotFound) ||
		errors.Is(err, approval.ErrApprovalNotFound)
}

func isConflictError(err error) bool {
	return errors.Is(err, engine.ErrConcurrencyConflict) ||
		errors.Is(err, engine.ErrDefinitionPublished) ||
		errors.Is(err, engine.ErrDefinitionRetired)
}

func isValidationError(err error) bool {
	return errors.Is(err, graph.ErrProcessValidation) ||
		errors.Is(err, engine.ErrDefinitionNotDraft) ||
		errors.Is(err, engine.ErrDefinitionNotRunnable) ||
		errors.Is(err, engine.ErrInvalidExecutionState) ||
		errors.Is(err, engine.ErrStepNotWaiting) ||
		errors.Is(err, api.ErrInvalidApprovalStatus)
}

func errorStatus(err error) int {
	switch {
	case isNotFoundError(err):
		return http.StatusNotFound
	case isConflictError(err):
		return http.StatusConflict
	case isValidationError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := errorStatus(err)
	c.JSON(status, api.ErrorResponse{
		Error:  err.Error(),
		Status: status,
	})
}
