// Package audit persists operator-facing records of unexpected workflow
// failures. Every entry is keyed by execution ID so an operator can trace an
// alert back to the exact run that raised it.
package audit

import (
	"context"
	"sync"
	"time"
)

// Entry is one audit record for an unexpected failure.
type Entry struct {
	ExecutionID string    `json:"execution_id" dynamodbav:"-"`
	Workflow    string    `json:"workflow" dynamodbav:"workflow"`
	BlobID      string    `json:"blob_id" dynamodbav:"blobId"`
	ErrorKind   string    `json:"error_kind" dynamodbav:"errorKind"`
	Message     string    `json:"message" dynamodbav:"message"`
	OccurredAt  time.Time `json:"occurred_at" dynamodbav:"occurredAt"`
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// MultiRecorder fans an entry out to several recorders. Each recorder gets
// its chance even if an earlier one fails; the first error is returned.
type MultiRecorder []Recorder

var _ Recorder = (MultiRecorder)(nil)

func (m MultiRecorder) Record(ctx context.Context, entry Entry) error {
	var first error
	for _, r := range m {
		if err := r.Record(ctx, entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// MemoryRecorder collects entries in memory for tests and local development.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

var _ Recorder = (*MemoryRecorder)(nil)

// NewMemoryRecorder creates an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(_ context.Context, entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

// Entries returns a snapshot of everything recorded so far.
func (r *MemoryRecorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}
