// Package server implements the HTTP API server for the engine
//
// This package provides REST endpoints for managing process definitions,
// executions, approvals, health checks, and WebSocket connections
package server
