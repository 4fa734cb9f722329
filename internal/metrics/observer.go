package metrics

import (
	"time"

	"github.com/fpang/blob-recognizer/internal/machine"
)

// ExecutorObserver emits one EMF document per step and per finished
// execution, dimensioned by workflow and state so dashboards can break
// latency and failure counts down per transition.
type ExecutorObserver struct {
	namespace string
}

var _ machine.Observer = (*ExecutorObserver)(nil)

// NewExecutorObserver creates an observer publishing to the given namespace.
// An empty namespace uses the project default.
func NewExecutorObserver(namespace string) *ExecutorObserver {
	if namespace == "" {
		namespace = Namespace
	}
	return &ExecutorObserver{namespace: namespace}
}

func (o *ExecutorObserver) StepCompleted(workflow machine.WorkflowKind, state string, elapsed time.Duration, err error) {
	r := New(o.namespace).
		Dimension("Workflow", string(workflow)).
		Dimension("State", state).
		Metric("StepDuration", float64(elapsed.Milliseconds()), UnitMilliseconds)
	if err != nil {
		r.Count("StepError").Property("ErrorMessage", err.Error())
		if kind := machine.KindOf(err); kind != "" {
			r.Property("ErrorKind", kind)
		}
	} else {
		r.Metric("StepError", 0, UnitCount)
	}
	r.Flush()
}

func (o *ExecutorObserver) ExecutionFinished(workflow machine.WorkflowKind, runState machine.RunState, errorKind string) {
	r := New(o.namespace).
		Dimension("Workflow", string(workflow)).
		Count("ExecutionFinished").
		Property("RunState", string(runState))
	if runState == machine.RunStateFailed {
		r.Count("ExecutionFailed")
	} else {
		r.Metric("ExecutionFailed", 0, UnitCount)
	}
	if errorKind != "" {
		r.Property("ErrorKind", errorKind)
	}
	r.Flush()
}
