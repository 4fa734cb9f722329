package record

import (
	"context"
	"errors"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound indicates no record exists for the blob ID.
	ErrNotFound = errors.New("blob record not found")

	// ErrAlreadyExists indicates a create collided with an existing record.
	ErrAlreadyExists = errors.New("blob record already exists")

	// ErrConflict indicates a conditional mutation found the record in a
	// different status than expected. The caller lost the race and must not
	// repeat its side effect.
	ErrConflict = errors.New("blob record status conflict")
)

// Mutation describes a conditional record update. The update applies only
// if the record's current status equals ExpectedStatus; otherwise the store
// returns ErrConflict. This is the compare-and-set guard against duplicate
// triggers and lost updates.
type Mutation struct {
	ExpectedStatus Status

	Status         Status
	Labels         []Label
	ErrorKind      ErrorKind
	CallbackStatus CallbackStatus
}

// Store is the persistence contract for blob records.
type Store interface {
	// Put creates a new record. Returns ErrAlreadyExists if the blob ID is
	// already present.
	Put(ctx context.Context, rec *BlobRecord) error

	// Get retrieves the record for a blob ID, or ErrNotFound.
	Get(ctx context.Context, blobID string) (*BlobRecord, error)

	// Update applies a conditional mutation. Returns ErrNotFound if the
	// record does not exist and ErrConflict if its status does not match
	// the mutation's expectation.
	Update(ctx context.Context, blobID string, mut Mutation) error
}
