package machine

import (
	"errors"
	"fmt"
)

// Error kinds raised by the recognizer's workflows. The catch dispatcher
// compares kinds by exact string match; anything without a recognized kind
// only matches the wildcard clause.
const (
	KindRecognitionStepFailed   = "RecognitionStepHasBeenFailed"
	KindRecognitionBackendError = "RecognitionBackendError"
	KindRecordStoreError        = "RecordStoreError"
	KindUploadTimeout           = "UploadTimeout"
)

// StepError is a step failure carrying a classification kind for catch
// dispatch. Steps wrap their underlying error with the kind the workflow
// should route on.
type StepError struct {
	Kind string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// NewStepError wraps err with a catch-dispatch kind.
func NewStepError(kind string, err error) *StepError {
	return &StepError{Kind: kind, Err: err}
}

// KindOf extracts the classification kind from a step error chain.
// Returns the empty string for errors carrying no StepError, which the
// dispatcher routes to the wildcard clause only.
func KindOf(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
