package api

import (
	"maps"
	"strconv"
	"time"
)

type (
	// ExecutionStatus is the lifecycle state of a process execution
	ExecutionStatus string

	// StepStatus is the state of a single step execution
	StepStatus string

	// OutputPath references a step output persisted in external storage
	OutputPath string

	// ExecutionState is the authoritative aggregate for one process
	// execution. The engine reads and mutates it through event appliers;
	// the event log behind it is the audit record.
	ExecutionState struct {
		CreatedAt    time.Time             `json:"created_at"`
		CompletedAt  time.Time             `json:"completed_at,omitempty"`
		LastUpdated  time.Time             `json:"last_updated"`
		Definition   *ProcessDefinition    `json:"definition"`
		Steps        map[StepID]*StepState `json:"steps"`
		Input        Args                  `json:"input,omitempty"`
		ID           ExecutionID           `json:"id"`
		ProcessID    ProcessID             `json:"process_id"`
		TriggeredBy  string                `json:"triggered_by,omitempty"`
		Status       ExecutionStatus       `json:"status"`
		Error        string                `json:"error,omitempty"`
		Version      int64                 `json:"version"`
		ProcessVer   int64                 `json:"process_version"`
		CompletedSeq int64                 `json:"completed_seq"`
	}

	// StepState is the per-step execution record inside the aggregate
	StepState struct {
		StartedAt    time.Time  `json:"started_at,omitempty"`
		CompletedAt  time.Time  `json:"completed_at,omitempty"`
		NextRetryAt  time.Time  `json:"next_retry_at,omitempty"`
		ResumeAt     time.Time  `json:"resume_at,omitempty"`
		Output       Args       `json:"output,omitempty"`
		OutputRef    OutputPath `json:"output_ref,omitempty"`
		Cost         Money      `json:"cost"`
		Tokens       TokenUsage `json:"tokens"`
		Status       StepStatus `json:"status"`
		Error        string     `json:"error,omitempty"`
		WaitReason   string     `json:"wait_reason,omitempty"`
		Attempts     int        `json:"attempts"`
		PolicyReset  bool       `json:"policy_reset,omitempty"`
		DurationSec  Seconds    `json:"duration_sec,omitempty"`
		CompletedSeq int64      `json:"completed_seq,omitempty"`
	}

	// ExecutionDigest summarizes an execution in the registry aggregate
	ExecutionDigest struct {
		StartedAt   time.Time   `json:"started_at"`
		LastActive  time.Time   `json:"last_active"`
		ExecutionID ExecutionID `json:"execution_id"`
		ProcessID   ProcessID   `json:"process_id"`
	}

	// RegistryState is the engine-level aggregate: stored definitions by
	// version and the set of active executions the recovery sweep visits
	RegistryState struct {
		LastUpdated time.Time                        `json:"last_updated"`
		Definitions map[string]*ProcessDefinition    `json:"definitions"`
		Latest      map[ProcessID]int64              `json:"latest"`
		Active      map[ExecutionID]*ExecutionDigest `json:"active"`
		Version     int64                            `json:"version"`
	}
)

const (
	ExecutionCreated   ExecutionStatus = "created"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepWaiting     StepStatus = "waiting"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepSkipped     StepStatus = "skipped"
	StepCompensated StepStatus = "compensated"
)

// IsTerminal reports whether no further step may start on this execution
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether a step has settled
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCompensated:
		return true
	}
	return false
}

// SatisfiesDependency reports whether a dependent step may treat this step
// as done
func (s StepStatus) SatisfiesDependency() bool {
	return s == StepCompleted || s == StepSkipped
}

// Step returns the state for a step, or nil if unknown
func (st *ExecutionState) Step(id StepID) *StepState {
	return st.Steps[id]
}

// StepStatuses returns the status of every step, keyed by step ID
func (st *ExecutionState) StepStatuses() map[StepID]StepStatus {
	res := make(map[StepID]StepStatus, len(st.Steps))
	for id, ss := range st.Steps {
		res[id] = ss.Status
	}
	return res
}

// TotalCost sums the cost of all steps. Steps without a cost contribute
// nothing.
func (st *ExecutionState) TotalCost() (Money, error) {
	total := Money{}
	for _, ss := range st.Steps {
		var err error
		if total, err = total.Add(ss.Cost); err != nil {
			return Money{}, err
		}
	}
	return total, nil
}

// SetStatus returns a copy with the execution status updated
func (st *ExecutionState) SetStatus(s ExecutionStatus) *ExecutionState {
	res := *st
	res.Status = s
	return &res
}

// SetError returns a copy with the terminal error recorded
func (st *ExecutionState) SetError(msg string) *ExecutionState {
	res := *st
	res.Error = msg
	return &res
}

// SetStep returns a copy with one step state replaced
func (st *ExecutionState) SetStep(id StepID, ss *StepState) *ExecutionState {
	res := *st
	res.Steps = maps.Clone(st.Steps)
	res.Steps[id] = ss
	return &res
}

// SetCompletedAt returns a copy with the completion timestamp set
func (st *ExecutionState) SetCompletedAt(t time.Time) *ExecutionState {
	res := *st
	res.CompletedAt = t
	return &res
}

// SetLastUpdated returns a copy with the last-updated timestamp set and the
// aggregate version bumped. Every applier funnels through this, so Version
// is monotone per applied event.
func (st *ExecutionState) SetLastUpdated(t time.Time) *ExecutionState {
	res := *st
	res.LastUpdated = t
	res.Version++
	return &res
}

// NextCompletedSeq returns a copy with the completion sequence advanced,
// and the sequence value assigned. Compensation runs in reverse of this
// order.
func (st *ExecutionState) NextCompletedSeq() (*ExecutionState, int64) {
	res := *st
	res.CompletedSeq++
	return &res, res.CompletedSeq
}

// SetStatus returns a copy with the step status updated
func (ss *StepState) SetStatus(s StepStatus) *StepState {
	res := *ss
	res.Status = s
	return &res
}

// SetStartedAt returns a copy with the start timestamp set
func (ss *StepState) SetStartedAt(t time.Time) *StepState {
	res := *ss
	res.StartedAt = t
	return &res
}

// SetCompletedAt returns a copy with the completion timestamp set
func (ss *StepState) SetCompletedAt(t time.Time) *StepState {
	res := *ss
	res.CompletedAt = t
	return &res
}

// SetOutput returns a copy with inline output and external reference set
func (ss *StepState) SetOutput(out Args, ref OutputPath) *StepState {
	res := *ss
	res.Output = out
	res.OutputRef = ref
	return &res
}

// SetCost returns a copy with cost and token usage recorded
func (ss *StepState) SetCost(cost Money, tokens TokenUsage) *StepState {
	res := *ss
	res.Cost = cost
	res.Tokens = tokens
	return &res
}

// SetError returns a copy with the last error recorded
func (ss *StepState) SetError(msg string) *StepState {
	res := *ss
	res.Error = msg
	return &res
}

// SetWaitReason returns a copy with the suspension reason and resume time
func (ss *StepState) SetWaitReason(reason string, at time.Time) *StepState {
	res := *ss
	res.WaitReason = reason
	res.ResumeAt = at
	return &res
}

// SetAttempts returns a copy with the attempt counter set
func (ss *StepState) SetAttempts(n int) *StepState {
	res := *ss
	res.Attempts = n
	return &res
}

// SetNextRetryAt returns a copy with the retry deadline set
func (ss *StepState) SetNextRetryAt(t time.Time) *StepState {
	res := *ss
	res.NextRetryAt = t
	return &res
}

// SetPolicyReset returns a copy marking that the one-shot on_error=retry
// attempt reset has been consumed
func (ss *StepState) SetPolicyReset() *StepState {
	res := *ss
	res.PolicyReset = true
	return &res
}

// SetDuration returns a copy with the observed duration recorded
func (ss *StepState) SetDuration(d Seconds) *StepState {
	res := *ss
	res.DurationSec = d
	return &res
}

// SetCompletedSeq returns a copy with the completion order recorded
func (ss *StepState) SetCompletedSeq(seq int64) *StepState {
	res := *ss
	res.CompletedSeq = seq
	return &res
}

// DefinitionKey builds the registry key for a definition version
func DefinitionKey(id ProcessID, version int64) string {
	return string(id) + "@" + strconv.FormatInt(version, 10)
}

// SetDefinition returns a copy of the registry with a definition stored
func (st *RegistryState) SetDefinition(d *ProcessDefinition) *RegistryState {
	res := *st
	res.Definitions = maps.Clone(st.Definitions)
	res.Latest = maps.Clone(st.Latest)
	res.Definitions[DefinitionKey(d.ID, d.Version)] = d
	if d.Version > res.Latest[d.ID] {
		res.Latest[d.ID] = d.Version
	}
	return &res
}

// Definition returns a stored definition version, or nil
func (st *RegistryState) Definition(
	id ProcessID, version int64,
) *ProcessDefinition {
	return st.Definitions[DefinitionKey(id, version)]
}

// LatestDefinition returns the most recent version of a definition, or nil
func (st *RegistryState) LatestDefinition(id ProcessID) *ProcessDefinition {
	v, ok := st.Latest[id]
	if !ok {
		return nil
	}
	return st.Definition(id, v)
}

// SetActive returns a copy with an execution digest recorded
func (st *RegistryState) SetActive(d *ExecutionDigest) *RegistryState {
	res := *st
	res.Active = maps.Clone(st.Active)
	res.Active[d.ExecutionID] = d
	return &res
}

// RemoveActive returns a copy with an execution digest removed
func (st *RegistryState) RemoveActive(id ExecutionID) *RegistryState {
	res := *st
	res.Active = maps.Clone(st.Active)
	delete(res.Active, id)
	return &res
}

// SetLastUpdated returns a copy with the timestamp set and version bumped
func (st *RegistryState) SetLastUpdated(t time.Time) *RegistryState {
	res := *st
	res.LastUpdated = t
	res.Version++
	return &res
}
