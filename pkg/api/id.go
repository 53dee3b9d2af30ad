package api

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

type (
	// ProcessID is a unique identifier for a process definition
	ProcessID string

	// ExecutionID is a unique identifier for a process execution
	ExecutionID string

	// StepID identifies a step within a process definition
	StepID string

	// ExecutionStep identifies a step execution within an execution
	ExecutionStep struct {
		ExecutionID ExecutionID
		StepID      StepID
	}
)

// ValidStepID matches identifiers permitted for steps: lowercase letters,
// digits, hyphen, and underscore, starting with a letter
var ValidStepID = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

var (
	ErrStepIDEmpty   = errors.New("step ID empty")
	ErrStepIDInvalid = errors.New("step ID invalid")
)

// NewProcessID generates a globally unique process identifier
func NewProcessID() ProcessID {
	return ProcessID(uuid.NewString())
}

// NewExecutionID generates a globally unique execution identifier
func NewExecutionID() ExecutionID {
	return ExecutionID(uuid.NewString())
}

// Validate checks that the step ID conforms to the permitted syntax
func (id StepID) Validate() error {
	if id == "" {
		return ErrStepIDEmpty
	}
	if !ValidStepID.MatchString(string(id)) {
		return fmt.Errorf("%w: %q", ErrStepIDInvalid, string(id))
	}
	return nil
}
