// Package machine is the workflow orchestration core: immutable state
// machine definitions, durable executions, and the executor that advances
// them. Definitions support the topologies the recognizer needs — linear
// task sequences, timer-driven waits, a parallel wrapper with catch-based
// error routing, and pass-through states — not a general workflow language.
package machine

import (
	"fmt"
	"time"
)

// WorkflowKind identifies a registered workflow definition.
type WorkflowKind string

const (
	UploadWatch WorkflowKind = "UPLOAD_WATCH"
	Recognition WorkflowKind = "RECOGNITION"
)

// StateKind is the behavior of a single state.
type StateKind string

const (
	// StateTask invokes a registered handler and merges its output into the
	// execution context.
	StateTask StateKind = "TASK"

	// StateWait parks the execution on a timer; no worker is held for the
	// duration.
	StateWait StateKind = "WAIT"

	// StateParallel runs its branch to completion and routes branch errors
	// through its catch table.
	StateParallel StateKind = "PARALLEL"

	// StatePass transitions through, optionally invoking a handler whose
	// failure is logged but never fails the execution.
	StatePass StateKind = "PASS"
)

// CatchAll is the wildcard error-kind pattern. It matches every error,
// including ones carrying no recognized kind at all.
const CatchAll = "*"

// CatchClause routes step errors whose kind matches one of ErrorEquals to
// the Next state. Clauses are evaluated in declaration order; first match
// wins.
type CatchClause struct {
	ErrorEquals []string
	Next        string
}

// matches reports whether the clause applies to the given error kind.
func (c CatchClause) matches(kind string) bool {
	for _, e := range c.ErrorEquals {
		if e == CatchAll || (kind != "" && e == kind) {
			return true
		}
	}
	return false
}

// StateDefinition describes one state of a workflow. Definitions are static
// and shared across executions; all per-execution mutable data lives on the
// Execution record.
type StateDefinition struct {
	Name string
	Kind StateKind

	// Next is the state entered after this one completes. Empty means this
	// state ends its sequence: the workflow succeeds, or, inside a parallel
	// branch, the branch completes.
	Next string

	// WaitFor is the timer duration for WAIT states.
	WaitFor time.Duration

	// Rearm is the state a TASK may loop back to by returning a re-arm
	// result. The executor increments the attempt counter on this path
	// instead of resetting it.
	Rearm string

	// Branch is the first state of a PARALLEL state's single branch.
	Branch string

	// Catch is the PARALLEL error-routing table, tried in order.
	Catch []CatchClause
}

// Definition is a complete workflow state machine.
type Definition struct {
	Kind    WorkflowKind
	Start   string
	States  map[string]*StateDefinition

	// enclosing maps a branch state to the PARALLEL state containing it,
	// computed by Validate.
	enclosing map[string]string
}

// Validate checks structural soundness and computes the branch-to-parallel
// enclosure used for catch dispatch. It must be called (once) before the
// definition is registered with an executor.
func (d *Definition) Validate() error {
	if d.Start == "" {
		return fmt.Errorf("workflow %s: no start state", d.Kind)
	}
	if _, ok := d.States[d.Start]; !ok {
		return fmt.Errorf("workflow %s: start state %q not defined", d.Kind, d.Start)
	}

	d.enclosing = make(map[string]string)
	for name, s := range d.States {
		if s.Name != name {
			return fmt.Errorf("workflow %s: state %q keyed as %q", d.Kind, s.Name, name)
		}
		if s.Next != "" {
			if _, ok := d.States[s.Next]; !ok {
				return fmt.Errorf("workflow %s: state %q transitions to undefined state %q", d.Kind, name, s.Next)
			}
		}
		switch s.Kind {
		case StateWait:
			if s.WaitFor <= 0 {
				return fmt.Errorf("workflow %s: wait state %q has no duration", d.Kind, name)
			}
		case StateParallel:
			if s.Branch == "" {
				return fmt.Errorf("workflow %s: parallel state %q has no branch", d.Kind, name)
			}
			if _, ok := d.States[s.Branch]; !ok {
				return fmt.Errorf("workflow %s: parallel state %q branch start %q not defined", d.Kind, name, s.Branch)
			}
			if len(s.Catch) > 0 {
				last := s.Catch[len(s.Catch)-1]
				if !last.matches(CatchAll) {
					return fmt.Errorf("workflow %s: parallel state %q catch table lacks a wildcard clause", d.Kind, name)
				}
			}
			for _, c := range s.Catch {
				if _, ok := d.States[c.Next]; !ok {
					return fmt.Errorf("workflow %s: catch clause targets undefined state %q", d.Kind, c.Next)
				}
			}
			if err := d.markBranch(name, s.Branch); err != nil {
				return err
			}
		case StateTask, StatePass:
			// no structural constraints beyond transition targets
		default:
			return fmt.Errorf("workflow %s: state %q has unknown kind %q", d.Kind, name, s.Kind)
		}
		if s.Rearm != "" {
			if _, ok := d.States[s.Rearm]; !ok {
				return fmt.Errorf("workflow %s: state %q re-arms to undefined state %q", d.Kind, name, s.Rearm)
			}
		}
	}
	return nil
}

// markBranch records every state reachable from the branch start as enclosed
// by the parallel state.
func (d *Definition) markBranch(parallel, start string) error {
	for cur := start; cur != ""; {
		if prev, dup := d.enclosing[cur]; dup && prev != parallel {
			return fmt.Errorf("workflow %s: state %q belongs to two parallel branches", d.Kind, cur)
		}
		d.enclosing[cur] = parallel
		s, ok := d.States[cur]
		if !ok {
			return fmt.Errorf("workflow %s: branch of %q references undefined state %q", d.Kind, parallel, cur)
		}
		cur = s.Next
	}
	return nil
}

// enclosingParallel returns the PARALLEL state containing the named state,
// or nil if the state is top-level.
func (d *Definition) enclosingParallel(state string) *StateDefinition {
	name, ok := d.enclosing[state]
	if !ok {
		return nil
	}
	return d.States[name]
}
