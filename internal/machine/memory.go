package machine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryExecutionStore is an in-memory ExecutionStore for tests and local
// development. It enforces the same lease semantics as the DynamoDB store.
type MemoryExecutionStore struct {
	mu    sync.Mutex
	execs map[string]*Execution
}

var _ ExecutionStore = (*MemoryExecutionStore)(nil)

// NewMemoryExecutionStore creates an empty in-memory execution store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{execs: make(map[string]*Execution)}
}

func (s *MemoryExecutionStore) Create(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.execs[exec.ExecutionID]; ok {
		return fmt.Errorf("execution %s already exists", exec.ExecutionID)
	}
	cp, err := copyExecution(exec)
	if err != nil {
		return err
	}
	s.execs[exec.ExecutionID] = cp
	return nil
}

func (s *MemoryExecutionStore) Get(_ context.Context, executionID string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.execs[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return copyExecution(exec)
}

func (s *MemoryExecutionStore) Advance(_ context.Context, executionID string, adv Advance) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.execs[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	if exec.CurrentState != adv.FromState || exec.Revision != adv.FromRevision {
		return nil, ErrLeaseConflict
	}
	if exec.Finished() {
		return nil, ErrLeaseConflict
	}

	exec.CurrentState = adv.ToState
	exec.Attempt = adv.Attempt
	exec.Revision++
	exec.WakeAt = adv.WakeAt
	if adv.Context != nil {
		exec.Context = adv.Context
	}
	if adv.RunState != "" {
		exec.RunState = adv.RunState
		if exec.Finished() {
			now := time.Now().UTC()
			exec.CompletedAt = &now
		}
	}
	if adv.Error != "" {
		exec.Error = adv.Error
	}
	if adv.ErrorKind != "" {
		exec.ErrorKind = adv.ErrorKind
	}

	return copyExecution(exec)
}

func (s *MemoryExecutionStore) ListRunning(_ context.Context) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var running []*Execution
	for _, exec := range s.execs {
		if exec.RunState == RunStateRunning {
			cp, err := copyExecution(exec)
			if err != nil {
				return nil, err
			}
			running = append(running, cp)
		}
	}
	return running, nil
}

// copyExecution deep-copies an execution through JSON so callers never share
// the stored context map.
func copyExecution(exec *Execution) (*Execution, error) {
	data, err := json.Marshal(exec)
	if err != nil {
		return nil, fmt.Errorf("copy execution %s: %w", exec.ExecutionID, err)
	}
	var cp Execution
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("copy execution %s: %w", exec.ExecutionID, err)
	}
	cp.ExecutionID = exec.ExecutionID
	return &cp, nil
}
