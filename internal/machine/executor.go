package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// StepInput is what a task handler receives: the durable context accumulated
// by prior steps plus the execution's identity. Handlers must treat the
// context as read-only; new data flows back through StepOutput.
type StepInput struct {
	ExecutionID string
	Workflow    WorkflowKind
	State       string
	Attempt     int
	Context     map[string]any
}

// StepOutput is a task handler's result. Output is merged into the execution
// context before the next state runs. Rearm requests the state's re-arm
// transition instead of the normal one, incrementing the attempt counter.
type StepOutput struct {
	Output map[string]any
	Rearm  bool
}

// TaskHandler executes one TASK (or PASS) state. Handlers must be
// idempotent: a crash after the side effect but before the checkpoint means
// the step runs again on resume.
type TaskHandler func(ctx context.Context, in StepInput) (StepOutput, error)

// Observer receives executor lifecycle notifications, used for metrics.
type Observer interface {
	StepCompleted(workflow WorkflowKind, state string, elapsed time.Duration, err error)
	ExecutionFinished(workflow WorkflowKind, runState RunState, errorKind string)
}

// NopObserver ignores all notifications.
type NopObserver struct{}

func (NopObserver) StepCompleted(WorkflowKind, string, time.Duration, error) {}
func (NopObserver) ExecutionFinished(WorkflowKind, RunState, string)         {}

// errorContextKey is where the catch dispatcher records the caught error in
// the execution context, so fallback states can read it.
const errorContextKey = "error"

// Executor advances workflow executions through their state machines.
// Between steps it checkpoints durably through the ExecutionStore; WAIT
// states park on timers instead of holding a worker. All advances are
// conditional on the execution's current state and revision, so at most one
// worker ever commits a given step.
type Executor struct {
	store    ExecutionStore
	defs     map[WorkflowKind]*Definition
	handlers map[WorkflowKind]map[string]TaskHandler
	observer Observer

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) { e.observer = o }
}

// NewExecutor creates an executor backed by the given store.
func NewExecutor(store ExecutionStore, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:    store,
		defs:     make(map[WorkflowKind]*Definition),
		handlers: make(map[WorkflowKind]map[string]TaskHandler),
		observer: NopObserver{},
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register validates a definition and binds its task handlers.
func (e *Executor) Register(def *Definition, handlers map[string]TaskHandler) error {
	if err := def.Validate(); err != nil {
		return err
	}
	for name, s := range def.States {
		if s.Kind == StateTask {
			if _, ok := handlers[name]; !ok {
				return fmt.Errorf("workflow %s: task state %q has no handler", def.Kind, name)
			}
		}
	}
	e.defs[def.Kind] = def
	e.handlers[def.Kind] = handlers
	return nil
}

// Start creates an execution and runs it synchronously until it parks on a
// WAIT timer or reaches a terminal state. The returned execution reflects
// the last committed checkpoint.
func (e *Executor) Start(ctx context.Context, kind WorkflowKind, input map[string]any) (*Execution, error) {
	def, ok := e.defs[kind]
	if !ok {
		return nil, fmt.Errorf("no workflow registered for kind %q", kind)
	}

	exec := &Execution{
		ExecutionID:  NewExecutionID(),
		Workflow:     kind,
		CurrentState: def.Start,
		Context:      input,
		RunState:     RunStateRunning,
		StartedAt:    time.Now().UTC(),
	}
	if exec.Context == nil {
		exec.Context = map[string]any{}
	}
	if err := e.store.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution for workflow %s: %w", kind, err)
	}

	log.Info().
		Str("executionId", exec.ExecutionID).
		Str("workflow", string(kind)).
		Str("state", exec.CurrentState).
		Msg("Execution started")

	return e.run(ctx, exec), nil
}

// StartAsync creates an execution and runs it in a background goroutine.
func (e *Executor) StartAsync(ctx context.Context, kind WorkflowKind, input map[string]any) (*Execution, error) {
	def, ok := e.defs[kind]
	if !ok {
		return nil, fmt.Errorf("no workflow registered for kind %q", kind)
	}

	exec := &Execution{
		ExecutionID:  NewExecutionID(),
		Workflow:     kind,
		CurrentState: def.Start,
		Context:      input,
		RunState:     RunStateRunning,
		StartedAt:    time.Now().UTC(),
	}
	if exec.Context == nil {
		exec.Context = map[string]any{}
	}
	if err := e.store.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution for workflow %s: %w", kind, err)
	}

	go e.run(context.WithoutCancel(ctx), exec)
	return exec, nil
}

// Resume re-enters a running execution, typically after a crash.
func (e *Executor) Resume(ctx context.Context, executionID string) error {
	exec, err := e.store.Get(ctx, executionID)
	if err != nil {
		return fmt.Errorf("get execution %s: %w", executionID, err)
	}
	if exec.Finished() {
		return fmt.Errorf("execution %s already finished as %s", executionID, exec.RunState)
	}
	e.run(ctx, exec)
	return nil
}

// ResumeAll re-enters every running execution. Called at startup for crash
// recovery: parked waits re-arm their timers, interrupted tasks re-dispatch.
func (e *Executor) ResumeAll(ctx context.Context) error {
	running, err := e.store.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("list running executions: %w", err)
	}
	for _, exec := range running {
		log.Info().
			Str("executionId", exec.ExecutionID).
			Str("workflow", string(exec.Workflow)).
			Str("state", exec.CurrentState).
			Msg("Resuming execution")
		e.run(ctx, exec)
	}
	return nil
}

// Stop cancels all pending timers. In-flight steps finish their current
// checkpoint; parked executions are picked up by ResumeAll on next start.
func (e *Executor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

// run advances the execution until it parks or finishes. Every transition
// is committed through the store before the next state's side effects run;
// losing the lease at any point abandons the loop silently — the winning
// worker carries on.
func (e *Executor) run(ctx context.Context, exec *Execution) *Execution {
	def, ok := e.defs[exec.Workflow]
	if !ok {
		log.Error().
			Str("executionId", exec.ExecutionID).
			Str("workflow", string(exec.Workflow)).
			Msg("Execution references unregistered workflow")
		return exec
	}

	for !exec.Finished() {
		state, ok := def.States[exec.CurrentState]
		if !ok {
			return e.finish(ctx, exec, RunStateFailed,
				fmt.Sprintf("undefined state %q", exec.CurrentState), "Unexpected")
		}

		var parked bool
		exec, parked = e.step(ctx, exec, def, state)
		if parked || exec == nil {
			return exec
		}
	}
	return exec
}

// step executes one state. It returns the refreshed execution and whether
// the execution parked on a timer. A nil execution means the lease was lost.
func (e *Executor) step(ctx context.Context, exec *Execution, def *Definition, state *StateDefinition) (*Execution, bool) {
	switch state.Kind {
	case StateParallel:
		// Enter the branch; the catch table applies to every branch state.
		return e.advance(ctx, exec, Advance{
			FromState:    exec.CurrentState,
			FromRevision: exec.Revision,
			ToState:      state.Branch,
		}), false

	case StateWait:
		return e.stepWait(ctx, exec, state)

	case StateTask:
		return e.stepTask(ctx, exec, def, state)

	case StatePass:
		return e.stepPass(ctx, exec, def, state), false

	default:
		return e.finish(ctx, exec, RunStateFailed,
			fmt.Sprintf("state %q has unsupported kind %q", state.Name, state.Kind), "Unexpected"), false
	}
}

// stepWait parks the execution on a timer. The wake time is persisted first
// so a restart re-arms the timer from durable state instead of restarting
// the full duration.
func (e *Executor) stepWait(ctx context.Context, exec *Execution, state *StateDefinition) (*Execution, bool) {
	now := time.Now().UTC()

	if exec.WakeAt == nil {
		wake := now.Add(state.WaitFor)
		exec = e.advance(ctx, exec, Advance{
			FromState:    exec.CurrentState,
			FromRevision: exec.Revision,
			ToState:      exec.CurrentState,
			Attempt:      exec.Attempt,
			WakeAt:       &wake,
		})
		if exec == nil {
			return nil, false
		}
		e.schedule(exec.ExecutionID, state.WaitFor)
		return exec, true
	}

	if remaining := exec.WakeAt.Sub(now); remaining > 0 {
		e.schedule(exec.ExecutionID, remaining)
		return exec, true
	}

	// Timer elapsed: move on, preserving the attempt counter so re-armed
	// polling loops keep counting across wait cycles.
	return e.advance(ctx, exec, Advance{
		FromState:    exec.CurrentState,
		FromRevision: exec.Revision,
		ToState:      state.Next,
		Attempt:      exec.Attempt,
		Context:      exec.Context,
	}), false
}

// stepTask dispatches the state's handler and commits its outcome.
func (e *Executor) stepTask(ctx context.Context, exec *Execution, def *Definition, state *StateDefinition) (*Execution, bool) {
	handler := e.handlers[exec.Workflow][state.Name]

	start := time.Now()
	out, err := handler(ctx, StepInput{
		ExecutionID: exec.ExecutionID,
		Workflow:    exec.Workflow,
		State:       state.Name,
		Attempt:     exec.Attempt,
		Context:     exec.Context,
	})
	e.observer.StepCompleted(exec.Workflow, state.Name, time.Since(start), err)

	if err != nil {
		log.Warn().
			Err(err).
			Str("executionId", exec.ExecutionID).
			Str("state", state.Name).
			Msg("Step failed")
		return e.dispatchCatch(ctx, exec, def, state, err), false
	}

	merged := mergeContext(exec.Context, out.Output)

	if out.Rearm && state.Rearm != "" {
		return e.advance(ctx, exec, Advance{
			FromState:    exec.CurrentState,
			FromRevision: exec.Revision,
			ToState:      state.Rearm,
			Attempt:      exec.Attempt + 1,
			Context:      merged,
		}), false
	}

	return e.completeState(ctx, exec, def, state, merged), false
}

// stepPass runs an optional handler whose failure is logged but never fails
// the execution, then transitions through.
func (e *Executor) stepPass(ctx context.Context, exec *Execution, def *Definition, state *StateDefinition) *Execution {
	merged := exec.Context
	if handler, ok := e.handlers[exec.Workflow][state.Name]; ok {
		out, err := handler(ctx, StepInput{
			ExecutionID: exec.ExecutionID,
			Workflow:    exec.Workflow,
			State:       state.Name,
			Attempt:     exec.Attempt,
			Context:     exec.Context,
		})
		if err != nil {
			log.Error().
				Err(err).
				Str("executionId", exec.ExecutionID).
				Str("state", state.Name).
				Msg("Pass-state handler failed; continuing")
		} else {
			merged = mergeContext(exec.Context, out.Output)
		}
	}
	return e.completeState(ctx, exec, def, state, merged)
}

// completeState transitions past a finished state: to its successor, out of
// a completed parallel branch, or to workflow success.
func (e *Executor) completeState(ctx context.Context, exec *Execution, def *Definition, state *StateDefinition, context map[string]any) *Execution {
	next := state.Next
	if next == "" {
		if par := def.enclosingParallel(state.Name); par != nil {
			next = par.Next
		}
	}
	if next == "" {
		return e.finishWithContext(ctx, exec, context, RunStateSucceeded, "", "")
	}
	return e.advance(ctx, exec, Advance{
		FromState:    exec.CurrentState,
		FromRevision: exec.Revision,
		ToState:      next,
		Context:      context,
	})
}

// dispatchCatch routes a failed step through the enclosing parallel's catch
// table: first matching clause wins, the wildcard catches everything else.
// With no applicable clause the execution fails.
func (e *Executor) dispatchCatch(ctx context.Context, exec *Execution, def *Definition, state *StateDefinition, stepErr error) *Execution {
	kind := KindOf(stepErr)

	if par := def.enclosingParallel(state.Name); par != nil {
		for _, clause := range par.Catch {
			if !clause.matches(kind) {
				continue
			}
			caught := mergeContext(exec.Context, map[string]any{
				errorContextKey: map[string]any{
					"kind":    kind,
					"message": stepErr.Error(),
				},
			})
			log.Info().
				Str("executionId", exec.ExecutionID).
				Str("state", state.Name).
				Str("errorKind", kind).
				Str("fallback", clause.Next).
				Msg("Catch clause matched")
			return e.advance(ctx, exec, Advance{
				FromState:    exec.CurrentState,
				FromRevision: exec.Revision,
				ToState:      clause.Next,
				Context:      caught,
				Error:        stepErr.Error(),
				ErrorKind:    kind,
			})
		}
	}

	if kind == "" {
		kind = "Unexpected"
	}
	return e.finish(ctx, exec, RunStateFailed, stepErr.Error(), kind)
}

// finish commits a terminal run state.
func (e *Executor) finish(ctx context.Context, exec *Execution, runState RunState, errMsg, errorKind string) *Execution {
	return e.finishWithContext(ctx, exec, exec.Context, runState, errMsg, errorKind)
}

func (e *Executor) finishWithContext(ctx context.Context, exec *Execution, context map[string]any, runState RunState, errMsg, errorKind string) *Execution {
	done := e.advance(ctx, exec, Advance{
		FromState:    exec.CurrentState,
		FromRevision: exec.Revision,
		ToState:      exec.CurrentState,
		Context:      context,
		RunState:     runState,
		Error:        errMsg,
		ErrorKind:    errorKind,
	})
	if done != nil {
		e.observer.ExecutionFinished(exec.Workflow, runState, errorKind)
		evt := log.Info()
		if runState == RunStateFailed {
			evt = log.Error()
		}
		evt.
			Str("executionId", exec.ExecutionID).
			Str("workflow", string(exec.Workflow)).
			Str("runState", string(runState)).
			Str("errorKind", errorKind).
			Msg("Execution finished")
	}
	return done
}

// advance commits a conditional transition. Losing the lease is not an
// error: another worker owns the execution now, so this one stands down.
func (e *Executor) advance(ctx context.Context, exec *Execution, adv Advance) *Execution {
	updated, err := e.store.Advance(ctx, exec.ExecutionID, adv)
	if err != nil {
		if errors.Is(err, ErrLeaseConflict) {
			log.Info().
				Str("executionId", exec.ExecutionID).
				Str("fromState", adv.FromState).
				Msg("Lost execution lease; abandoning step")
			return nil
		}
		log.Error().
			Err(err).
			Str("executionId", exec.ExecutionID).
			Str("fromState", adv.FromState).
			Msg("Failed to checkpoint execution; leaving for resume")
		return nil
	}
	return updated
}

// schedule arms (or re-arms) the wake timer for a parked execution.
func (e *Executor) schedule(executionID string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	if t, ok := e.timers[executionID]; ok {
		t.Stop()
	}
	e.timers[executionID] = time.AfterFunc(d, func() { e.fire(executionID) })
}

// fire re-enters a parked execution when its wait timer elapses.
func (e *Executor) fire(executionID string) {
	e.mu.Lock()
	delete(e.timers, executionID)
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return
	}

	ctx := context.Background()
	exec, err := e.store.Get(ctx, executionID)
	if err != nil {
		log.Error().Err(err).Str("executionId", executionID).Msg("Failed to load execution on timer fire")
		return
	}
	if exec.Finished() {
		return
	}
	e.run(ctx, exec)
}

// mergeContext returns a new context map with output applied over base.
func mergeContext(base, output map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(output))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range output {
		merged[k] = v
	}
	return merged
}
