// Package ids generates the opaque identifiers used across the broker.
package ids

import "github.com/google/uuid"

// ExecutionID identifies one accepted execution for the life of the engine.
type ExecutionID string

// OutputID identifies one persisted output artifact.
type OutputID string

// NewExecutionID mints a fresh ExecutionID.
func NewExecutionID() ExecutionID {
	return ExecutionID("exec_" + uuid.New().String())
}

// NewOutputID mints a fresh OutputID.
func NewOutputID() OutputID {
	return OutputID("out_" + uuid.New().String())
}
