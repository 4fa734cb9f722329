package record

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and local development.
// It enforces the same conditional-update semantics as the DynamoDB store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*BlobRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*BlobRecord)}
}

func (s *MemoryStore) Put(_ context.Context, rec *BlobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.BlobID]; ok {
		return ErrAlreadyExists
	}
	cp := *rec
	cp.Labels = append([]Label(nil), rec.Labels...)
	s.records[rec.BlobID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, blobID string) (*BlobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[blobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.Labels = append([]Label(nil), rec.Labels...)
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, blobID string, mut Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[blobID]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != mut.ExpectedStatus {
		return ErrConflict
	}

	if mut.Status != "" {
		rec.Status = mut.Status
	}
	if mut.Labels != nil {
		rec.Labels = append([]Label(nil), mut.Labels...)
	}
	if mut.ErrorKind != "" {
		rec.ErrorKind = mut.ErrorKind
	}
	if mut.CallbackStatus != "" {
		rec.CallbackStatus = mut.CallbackStatus
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}
