// Package record defines the BlobRecord model and its persistence contract.
// One record exists per uploaded object, keyed by blob ID, and moves through
// a monotonic status lifecycle ending in exactly one terminal status.
package record

import "time"

// Status is the recognition lifecycle state of a blob.
type Status string

const (
	StatusPendingUpload Status = "PENDING_UPLOAD"
	StatusUploaded      Status = "UPLOADED"
	StatusRecognizing   Status = "RECOGNIZING"
	StatusLabeled       Status = "LABELED"
	StatusFailed        Status = "FAILED"
)

// statusRank orders statuses along the allowed forward-only lifecycle.
var statusRank = map[Status]int{
	StatusPendingUpload: 0,
	StatusUploaded:      1,
	StatusRecognizing:   2,
	StatusLabeled:       3,
	StatusFailed:        3,
}

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusLabeled || s == StatusFailed
}

// CanAdvanceTo reports whether a transition from s to next moves strictly
// forward along the lifecycle. Terminal statuses never advance.
func (s Status) CanAdvanceTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	return statusRank[next] > statusRank[s]
}

// ErrorKind is the coarse, user-visible failure classification stored on a
// FAILED record. Internal error detail never reaches the record.
type ErrorKind string

const (
	// ErrorKindDomainMismatch marks the expected business failure: no label
	// met the confidence bar.
	ErrorKindDomainMismatch ErrorKind = "DomainMismatch"

	// ErrorKindUnexpected marks infrastructure or unclassified failures.
	ErrorKindUnexpected ErrorKind = "Unexpected"

	// ErrorKindUploadTimeout marks a presigned upload URL that expired
	// without the object ever arriving.
	ErrorKindUploadTimeout ErrorKind = "UploadTimeout"
)

// Label is a single recognized label with its confidence score (0-100).
type Label struct {
	Name       string  `json:"name" dynamodbav:"name"`
	Confidence float64 `json:"confidence" dynamodbav:"confidence"`
}

// CallbackStatus records the outcome of the final callback delivery. It is
// a best-effort side channel: a failed delivery never reverts the record's
// recognition status.
type CallbackStatus string

const (
	CallbackDelivered         CallbackStatus = "DELIVERED"
	CallbackFailed            CallbackStatus = "FAILED"
	CallbackConnectionTimeout CallbackStatus = "CONNECTION_TIMEOUT"
	CallbackConnectionError   CallbackStatus = "CONNECTION_ERROR"
)

// BlobRecord is the durable per-blob state.
type BlobRecord struct {
	BlobID         string         `json:"blob_id" dynamodbav:"-"`
	Status         Status         `json:"status" dynamodbav:"status"`
	CallbackURL    string         `json:"callback_url" dynamodbav:"callbackUrl"`
	Labels         []Label        `json:"labels,omitempty" dynamodbav:"labels,omitempty"`
	ErrorKind      ErrorKind      `json:"error_kind,omitempty" dynamodbav:"errorKind,omitempty"`
	CallbackStatus CallbackStatus `json:"callback_status,omitempty" dynamodbav:"callbackStatus,omitempty"`
	CreatedAt      time.Time      `json:"created_at" dynamodbav:"createdAt"`
	UpdatedAt      time.Time      `json:"updated_at" dynamodbav:"updatedAt"`
}
