// Package recognizer wires the blob recognition domain together: the two
// workflow definitions (upload-watch and recognition), their task handlers,
// and the service facade consumed by the HTTP front door, the S3
// notification handler, and the admin CLI.
package recognizer

import (
	"time"

	"github.com/fpang/blob-recognizer/internal/machine"
)

// Upload-watch states.
const (
	StateWait           = "Wait"
	StateCheckUploading = "CheckUploading"
)

// Recognition states.
const (
	StateRecognize          = "Recognize"
	StateGetLabels          = "GetLabels"
	StateTransformLabels    = "TransformLabels"
	StateSaveLabels         = "SaveLabels"
	StateInvokeCallback     = "InvokeCallback"
	StatePredefinedFallback = "RecognitionPredefinedErrorFallback"
	StateUnexpectedFallback = "UnexpectedErrorFallback"
)

// Execution context keys shared between steps.
const (
	ctxBlobID    = "blob_id"
	ctxRawLabels = "raw_labels"
	ctxLabels    = "labels"
)

// newUploadWatchDefinition builds the polling loop that waits for the
// client's upload to land: park, check the record, re-arm until the
// presigned URL can no longer be live.
func newUploadWatchDefinition(waitFor time.Duration) *machine.Definition {
	return &machine.Definition{
		Kind:  machine.UploadWatch,
		Start: StateWait,
		States: map[string]*machine.StateDefinition{
			StateWait: {
				Name:    StateWait,
				Kind:    machine.StateWait,
				WaitFor: waitFor,
				Next:    StateCheckUploading,
			},
			StateCheckUploading: {
				Name:  StateCheckUploading,
				Kind:  machine.StateTask,
				Rearm: StateWait,
			},
		},
	}
}

// newRecognitionDefinition builds the recognition pipeline: a parallel
// wrapper around the four-step branch, with the domain failure routed to
// its own fallback and everything else to the unexpected-error fallback.
func newRecognitionDefinition() *machine.Definition {
	return &machine.Definition{
		Kind:  machine.Recognition,
		Start: StateRecognize,
		States: map[string]*machine.StateDefinition{
			StateRecognize: {
				Name:   StateRecognize,
				Kind:   machine.StateParallel,
				Branch: StateGetLabels,
				Catch: []machine.CatchClause{
					{
						ErrorEquals: []string{machine.KindRecognitionStepFailed},
						Next:        StatePredefinedFallback,
					},
					{
						ErrorEquals: []string{machine.CatchAll},
						Next:        StateUnexpectedFallback,
					},
				},
			},
			StateGetLabels: {
				Name: StateGetLabels,
				Kind: machine.StateTask,
				Next: StateTransformLabels,
			},
			StateTransformLabels: {
				Name: StateTransformLabels,
				Kind: machine.StateTask,
				Next: StateSaveLabels,
			},
			StateSaveLabels: {
				Name: StateSaveLabels,
				Kind: machine.StateTask,
				Next: StateInvokeCallback,
			},
			StateInvokeCallback: {
				Name: StateInvokeCallback,
				Kind: machine.StateTask,
			},
			StatePredefinedFallback: {
				Name: StatePredefinedFallback,
				Kind: machine.StatePass,
			},
			StateUnexpectedFallback: {
				Name: StateUnexpectedFallback,
				Kind: machine.StateTask,
			},
		},
	}
}
