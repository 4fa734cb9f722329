package blobstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory ObjectStore for tests and local development.
// MarkUploaded stands in for a client completing a presigned upload.
type MemoryStore struct {
	mu       sync.Mutex
	uploaded map[string]bool
}

var _ ObjectStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{uploaded: make(map[string]bool)}
}

func (s *MemoryStore) PresignUpload(_ context.Context, blobID string, _ time.Duration) (string, error) {
	return "https://uploads.invalid/" + blobID, nil
}

func (s *MemoryStore) Exists(_ context.Context, blobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploaded[blobID], nil
}

// MarkUploaded records the blob object as present.
func (s *MemoryStore) MarkUploaded(blobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploaded[blobID] = true
}
