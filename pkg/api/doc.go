// Package api defines the public domain model of the engine: identifiers,
// process definitions, execution aggregates, step states, domain event
// payloads, and the value objects shared across the engine and its callers.
package api
