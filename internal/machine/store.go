package machine

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by ExecutionStore implementations.
var (
	// ErrExecutionNotFound indicates no execution exists for the ID.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrLeaseConflict indicates the execution moved on since the caller
	// loaded it. The caller lost the lease and must abandon its step
	// without repeating side effects.
	ErrLeaseConflict = errors.New("execution advanced by another worker")
)

// Advance is a conditional transition of an execution. It applies only if
// the execution is still at FromState with FromRevision; otherwise the
// store returns ErrLeaseConflict. Every applied advance bumps the revision.
type Advance struct {
	FromState    string
	FromRevision int64

	ToState  string
	Context  map[string]any
	Attempt  int
	RunState RunState

	// Error and ErrorKind are set on failed terminal advances.
	Error     string
	ErrorKind string

	// WakeAt is set when parking in a WAIT state, cleared otherwise.
	WakeAt *time.Time
}

// ExecutionStore is the persistence contract for workflow executions.
type ExecutionStore interface {
	// Create persists a new execution in RUNNING state.
	Create(ctx context.Context, exec *Execution) error

	// Get retrieves an execution by ID, or ErrExecutionNotFound.
	Get(ctx context.Context, executionID string) (*Execution, error)

	// Advance applies a conditional transition and returns the updated
	// execution. ErrLeaseConflict means another worker advanced it first.
	Advance(ctx context.Context, executionID string, adv Advance) (*Execution, error)

	// ListRunning returns all executions still in RUNNING state, used for
	// crash recovery at startup.
	ListRunning(ctx context.Context) ([]*Execution, error)
}
