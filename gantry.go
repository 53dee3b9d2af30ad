// Package gantry is a durable process execution engine. It runs versioned
// DAG process definitions whose steps perform long-running external work
// (agent tasks, human approvals, timers, gateways, notifications), persisting
// progress as event-sourced aggregates so executions survive restarts.
package gantry

const (
	// Name is the service name reported in logs and health output
	Name = "gantry"

	// Version is the engine release version
	Version = "0.3.0"
)
