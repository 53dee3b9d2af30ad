// Package events defines the event-sourcing surface of the engine: aggregate
// keys, applier functions that fold domain events into aggregate state, and
// adapters between domain event types and the timebox substrate.
package events

import (
	"github.com/kode4food/timebox"

	"github.com/gantryio/gantry/pkg/api"
)

// EventFilter selects events from the hub stream
type EventFilter func(*timebox.Event) bool

// Raise raises a domain event through the aggregator
func Raise[T, E any](
	ag *timebox.Aggregator[T], eventType api.EventType, event E,
) error {
	return timebox.Raise(ag, timebox.EventType(eventType), event)
}

// MakeAppliers adapts a domain-typed applier map to the timebox applier map
func MakeAppliers[T any](
	app map[api.EventType]timebox.Applier[T],
) timebox.Appliers[T] {
	res := map[timebox.EventType]timebox.Applier[T]{}
	for et, fn := range app {
		res[timebox.EventType(et)] = fn
	}
	return res
}

// MakeDispatcher adapts a domain-typed handler map to a timebox dispatcher
func MakeDispatcher(
	handlers map[api.EventType]timebox.Handler,
) timebox.Handler {
	res := map[timebox.EventType]timebox.Handler{}
	for et, fn := range handlers {
		res[timebox.EventType(et)] = fn
	}
	return timebox.MakeDispatcher(res)
}

// FilterTypes selects events of the given kinds
func FilterTypes(eventTypes ...api.EventType) EventFilter {
	lookup := map[timebox.EventType]bool{}
	for _, et := range eventTypes {
		lookup[timebox.EventType(et)] = true
	}
	return func(ev *timebox.Event) bool {
		return lookup[ev.Type]
	}
}

// FilterExecution selects events belonging to one execution aggregate
func FilterExecution(id api.ExecutionID) EventFilter {
	return func(ev *timebox.Event) bool {
		return IsExecutionEvent(ev) && ev.AggregateID[1] == timebox.ID(id)
	}
}

// AndFilters matches when every filter matches
func AndFilters(filters ...EventFilter) EventFilter {
	return func(ev *timebox.Event) bool {
		for _, filter := range filters {
			if !filter(ev) {
				return false
			}
		}
		return true
	}
}
