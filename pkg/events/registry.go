package events

import (
	"github.com/kode4food/timebox"

	"github.com/gantryio/gantry/pkg/api"
)

// RegistryPrefix is the aggregate prefix for the engine registry
const RegistryPrefix = "registry"

var (
	// RegistryKey is the aggregate ID of the singleton registry
	RegistryKey = timebox.NewAggregateID(RegistryPrefix)

	// RegistryAppliers contains the event applier functions for the
	// registry aggregate
	RegistryAppliers = makeRegistryAppliers()
)

// NewRegistryState creates an empty registry aggregate
func NewRegistryState() *api.RegistryState {
	return &api.RegistryState{
		Definitions: map[string]*api.ProcessDefinition{},
		Latest:      map[api.ProcessID]int64{},
		Active:      map[api.ExecutionID]*api.ExecutionDigest{},
	}
}

// IsRegistryEvent returns true if the event is for the registry aggregate
func IsRegistryEvent(ev *timebox.Event) bool {
	return len(ev.AggregateID) >= 1 && ev.AggregateID[0] == RegistryPrefix
}

func makeRegistryAppliers() timebox.Appliers[*api.RegistryState] {
	return MakeAppliers(map[api.EventType]timebox.Applier[*api.RegistryState]{
		api.EventTypeDefinitionSaved:      timebox.MakeApplier(definitionSaved),
		api.EventTypeDefinitionPublished:  timebox.MakeApplier(definitionPublished),
		api.EventTypeDefinitionArchived:   timebox.MakeApplier(definitionArchived),
		api.EventTypeExecutionActivated:   timebox.MakeApplier(executionActivated),
		api.EventTypeExecutionDeactivated: timebox.MakeApplier(executionDeactivated),
	})
}

func definitionSaved(
	st *api.RegistryState, ev *timebox.Event, data api.DefinitionSavedEvent,
) *api.RegistryState {
	def := *data.Definition
	def.Status = api.DefinitionDraft
	def.UpdatedAt = ev.Timestamp
	if def.CreatedAt.IsZero() {
		def.CreatedAt = ev.Timestamp
	}

	return st.
		SetDefinition(&def).
		SetLastUpdated(ev.Timestamp)
}

func definitionPublished(
	st *api.RegistryState, ev *timebox.Event, data api.DefinitionPublishedEvent,
) *api.RegistryState {
	return setDefinitionStatus(
		st, ev, data.ProcessID, data.Version, api.DefinitionPublished,
	)
}

func definitionArchived(
	st *api.RegistryState, ev *timebox.Event, data api.DefinitionArchivedEvent,
) *api.RegistryState {
	return setDefinitionStatus(
		st, ev, data.ProcessID, data.Version, api.DefinitionArchived,
	)
}

func setDefinitionStatus(
	st *api.RegistryState, ev *timebox.Event, id api.ProcessID, version int64,
	status api.DefinitionStatus,
) *api.RegistryState {
	existing := st.Definition(id, version)
	if existing == nil {
		return st
	}

	def := *existing
	def.Status = status
	def.UpdatedAt = ev.Timestamp

	return st.
		SetDefinition(&def).
		SetLastUpdated(ev.Timestamp)
}

func executionActivated(
	st *api.RegistryState, ev *timebox.Event, data api.ExecutionActivatedEvent,
) *api.RegistryState {
	return st.
		SetActive(&api.ExecutionDigest{
			ExecutionID: data.ExecutionID,
			ProcessID:   data.ProcessID,
			StartedAt:   ev.Timestamp,
			LastActive:  ev.Timestamp,
		}).
		SetLastUpdated(ev.Timestamp)
}

func executionDeactivated(
	st *api.RegistryState, ev *timebox.Event,
	data api.ExecutionDeactivatedEvent,
) *api.RegistryState {
	return st.
		RemoveActive(data.ExecutionID).
		SetLastUpdated(ev.Timestamp)
}
