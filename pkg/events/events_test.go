package events_test

import (
	"testing"

	"github.com/kode4food/timebox"
	"github.com/stretchr/testify/assert"

	"github.com/gantryio/gantry/pkg/api"
	"github.com/gantryio/gantry/pkg/events"
)

func TestFilterTypes(t *testing.T) {
	filter := events.FilterTypes(
		api.EventTypeProcessStarted,
		api.EventTypeProcessCompleted,
	)

	started := &timebox.Event{
		Type: timebox.EventType(api.EventTypeProcessStarted),
	}
	completed := &timebox.Event{
		Type: timebox.EventType(api.EventTypeProcessCompleted),
	}
	failed := &timebox.Event{
		Type: timebox.EventType(api.EventTypeProcessFailed),
	}

	assert.True(t, filter(started))
	assert.True(t, filter(completed))
	assert.False(t, filter(failed))
}

func TestFilterExecution(t *testing.T) {
	filter := events.FilterExecution("we-123")

	matching := &timebox.Event{
		AggregateID: events.ExecutionKey(api.ExecutionID("we-123")),
	}
	other := &timebox.Event{
		AggregateID: events.ExecutionKey(api.ExecutionID("we-456")),
	}
	registry := &timebox.Event{
		AggregateID: events.RegistryKey,
	}

	assert.True(t, filter(matching))
	assert.False(t, filter(other))
	assert.False(t, filter(registry))
}

func TestAndFilters(t *testing.T) {
	filter := events.AndFilters(
		events.FilterExecution("we-123"),
		events.FilterTypes(api.EventTypeStepCompleted),
	)

	match := &timebox.Event{
		AggregateID: events.ExecutionKey(api.ExecutionID("we-123")),
		Type:        timebox.EventType(api.EventTypeStepCompleted),
	}
	wrongType := &timebox.Event{
		AggregateID: events.ExecutionKey(api.ExecutionID("we-123")),
		Type:        timebox.EventType(api.EventTypeStepStarted),
	}
	wrongExecution := &timebox.Event{
		AggregateID: events.ExecutionKey(api.ExecutionID("we-456")),
		Type:        timebox.EventType(api.EventTypeStepCompleted),
	}

	assert.True(t, filter(match))
	assert.False(t, filter(wrongType))
	assert.False(t, filter(wrongExecution))
}
