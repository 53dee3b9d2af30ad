package events_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/kode4food/timebox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryio/gantry/internal/assert/helpers"
	"github.com/gantryio/gantry/pkg/api"
	"github.com/gantryio/gantry/pkg/events"
)

func TestDefinitionSavedApplier(t *testing.T) {
	now := time.Now()
	def := helpers.NewTestProcess(helpers.NewAgentStep("a"))
	def.ID = "wf-1"
	def.Version = 1

	st := applyRegistry(t, events.NewRegistryState(), now,
		api.EventTypeDefinitionSaved,
		api.DefinitionSavedEvent{Definition: def})

	stored := st.Definition("wf-1", 1)
	require.NotNil(t, stored)
	assert.Equal(t, api.DefinitionDraft, stored.Status)
	assert.Equal(t, int64(1), st.Latest["wf-1"])
	assert.True(t, stored.CreatedAt.Equal(now))
}

func TestDefinitionSavedTracksLatest(t *testing.T) {
	st := events.NewRegistryState()
	for v := int64(1); v <= 3; v++ {
		def := helpers.NewTestProcess(helpers.NewAgentStep("a"))
		def.ID = "wf-1"
		def.Version = v
		st = applyRegistry(t, st, time.Now(),
			api.EventTypeDefinitionSaved,
			api.DefinitionSavedEvent{Definition: def})
	}

	assert.Equal(t, int64(3), st.Latest["wf-1"])
	latest := st.LatestDefinition("wf-1")
	require.NotNil(t, latest)
	assert.Equal(t, int64(3), latest.Version)
}

func TestDefinitionStatusAppliers(t *testing.T) {
	def := helpers.NewTestProcess(helpers.NewAgentStep("a"))
	def.ID = "wf-1"
	def.Version = 1

	st := applyRegistry(t, events.NewRegistryState(), time.Now(),
		api.EventTypeDefinitionSaved,
		api.DefinitionSavedEvent{Definition: def})

	st = applyRegistry(t, st, time.Now(),
		api.EventTypeDefinitionPublished,
		api.DefinitionPublishedEvent{ProcessID: "wf-1", Version: 1})
	assert.Equal(t, api.DefinitionPublished, st.Definition("wf-1", 1).Status)

	st = applyRegistry(t, st, time.Now(),
		api.EventTypeDefinitionArchived,
		api.DefinitionArchivedEvent{ProcessID: "wf-1", Version: 1})
	assert.Equal(t, api.DefinitionArchived, st.Definition("wf-1", 1).Status)
}

func TestDefinitionStatusUnknownVersionIgnored(t *testing.T) {
	st := applyRegistry(t, events.NewRegistryState(), time.Now(),
		api.EventTypeDefinitionPublished,
		api.DefinitionPublishedEvent{ProcessID: "wf-9", Version: 4})

	assert.Nil(t, st.Definition("wf-9", 4))
}

func TestExecutionActivationAppliers(t *testing.T) {
	now := time.Now()

	st := applyRegistry(t, events.NewRegistryState(), now,
		api.EventTypeExecutionActivated,
		api.ExecutionActivatedEvent{
			ExecutionID: "we-1",
			ProcessID:   "wf-1",
		})

	digest := st.Active["we-1"]
	require.NotNil(t, digest)
	assert.Equal(t, api.ProcessID("wf-1"), digest.ProcessID)
	assert.True(t, digest.StartedAt.Equal(now))

	st = applyRegistry(t, st, time.Now(),
		api.EventTypeExecutionDeactivated,
		api.ExecutionDeactivatedEvent{ExecutionID: "we-1"})
	assert.Empty(t, st.Active)
}

func applyRegistry(
	t *testing.T, st *api.RegistryState, ts time.Time,
	eventType api.EventType, payload any,
) *api.RegistryState {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	ev := &timebox.Event{
		Timestamp:   ts,
		AggregateID: events.RegistryKey,
		Type:        timebox.EventType(eventType),
		Data:        data,
	}

	applier := events.RegistryAppliers[ev.Type]
	require.NotNil(t, applier, "no applier for %s", eventType)
	return applier(st, ev)
}
