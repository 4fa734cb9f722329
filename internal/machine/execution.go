package machine

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/rs/zerolog/log"
)

// RunState is the lifecycle state of one workflow execution.
type RunState string

const (
	RunStateRunning   RunState = "RUNNING"
	RunStateSucceeded RunState = "SUCCEEDED"
	RunStateFailed    RunState = "FAILED"
)

// Execution is one durable run of a workflow definition. The current state
// pointer plus the revision counter act as the lease: a step may only write
// its output if the execution is still where it was dispatched from.
type Execution struct {
	ExecutionID  string         `json:"execution_id" dynamodbav:"-"`
	Workflow     WorkflowKind   `json:"workflow" dynamodbav:"workflow"`
	CurrentState string         `json:"current_state" dynamodbav:"currentState"`
	Context      map[string]any `json:"context" dynamodbav:"context"`
	Attempt      int            `json:"attempt" dynamodbav:"attempt"`
	Revision     int64          `json:"revision" dynamodbav:"revision"`
	RunState     RunState       `json:"run_state" dynamodbav:"runState"`
	Error        string         `json:"error,omitempty" dynamodbav:"error,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty" dynamodbav:"errorKind,omitempty"`
	WakeAt       *time.Time     `json:"wake_at,omitempty" dynamodbav:"wakeAt,omitempty"`
	StartedAt    time.Time      `json:"started_at" dynamodbav:"startedAt"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty" dynamodbav:"completedAt,omitempty"`
}

// Finished reports whether the execution reached a terminal run state.
func (e *Execution) Finished() bool {
	return e.RunState != RunStateRunning
}

// NewExecutionID creates a new cryptographically random execution ID.
func NewExecutionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		log.Fatal().Err(err).Msg("Failed to generate random execution ID")
	}
	return "exec-" + hex.EncodeToString(b)
}
