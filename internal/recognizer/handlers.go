package recognizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/blob-recognizer/internal/audit"
	"github.com/fpang/blob-recognizer/internal/callback"
	"github.com/fpang/blob-recognizer/internal/labels"
	"github.com/fpang/blob-recognizer/internal/machine"
	"github.com/fpang/blob-recognizer/internal/record"
)

// checkUploading is the upload-watch poll step. It reads the blob record,
// hands an uploaded blob to the recognition workflow, re-arms while the
// upload is pending, and fails the watch once the presigned URL can no
// longer be live.
func (s *Service) checkUploading(ctx context.Context, in machine.StepInput) (machine.StepOutput, error) {
	blobID, err := blobIDFrom(in.Context)
	if err != nil {
		return machine.StepOutput{}, err
	}

	rec, err := s.records.Get(ctx, blobID)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return machine.StepOutput{}, fmt.Errorf("watched blob %s has no record: %w", blobID, err)
		}
		return machine.StepOutput{}, machine.NewStepError(machine.KindRecordStoreError, err)
	}

	switch rec.Status {
	case record.StatusUploaded:
		return s.startRecognition(ctx, blobID)
	case record.StatusRecognizing, record.StatusLabeled, record.StatusFailed:
		// Recognition already started or finished; nothing left to watch.
		return machine.StepOutput{}, nil
	}

	// Still PENDING_UPLOAD. The notification handler owns the UPLOADED
	// transition, but notifications can be delayed or lost, so probe the
	// object store directly before giving up on this cycle.
	exists, err := s.objects.Exists(ctx, blobID)
	if err != nil {
		log.Warn().Err(err).Str("blobId", blobID).Msg("Object existence probe failed; treating as not uploaded")
		exists = false
	}
	if exists {
		if err := s.HandleObjectCreated(ctx, blobID); err != nil {
			return machine.StepOutput{}, machine.NewStepError(machine.KindRecordStoreError, err)
		}
		return s.startRecognition(ctx, blobID)
	}

	if in.Attempt+1 >= s.opts.UploadCheckLimit() {
		err := s.records.Update(ctx, blobID, record.Mutation{
			ExpectedStatus: record.StatusPendingUpload,
			Status:         record.StatusFailed,
			ErrorKind:      record.ErrorKindUploadTimeout,
		})
		if errors.Is(err, record.ErrConflict) {
			// Upload landed between the read and the timeout write; give the
			// watch one more cycle to pick it up.
			return machine.StepOutput{Rearm: true}, nil
		}
		if err != nil {
			return machine.StepOutput{}, machine.NewStepError(machine.KindRecordStoreError, err)
		}
		log.Warn().
			Str("blobId", blobID).
			Int("checks", in.Attempt+1).
			Msg("Upload never arrived; blob failed with UploadTimeout")
		return machine.StepOutput{}, machine.NewStepError(machine.KindUploadTimeout,
			fmt.Errorf("blob %s not uploaded after %d checks", blobID, in.Attempt+1))
	}

	return machine.StepOutput{Rearm: true}, nil
}

// startRecognition flips the record to RECOGNIZING and starts the
// recognition workflow. A conflict means another worker already did both;
// the watch succeeds without starting a duplicate.
func (s *Service) startRecognition(ctx context.Context, blobID string) (machine.StepOutput, error) {
	err := s.records.Update(ctx, blobID, record.Mutation{
		ExpectedStatus: record.StatusUploaded,
		Status:         record.StatusRecognizing,
	})
	if errors.Is(err, record.ErrConflict) {
		log.Debug().Str("blobId", blobID).Msg("Blob already claimed for recognition")
		return machine.StepOutput{}, nil
	}
	if err != nil {
		return machine.StepOutput{}, machine.NewStepError(machine.KindRecordStoreError, err)
	}

	exec, err := s.executor.StartAsync(ctx, machine.Recognition, map[string]any{
		ctxBlobID: blobID,
	})
	if err != nil {
		return machine.StepOutput{}, fmt.Errorf("start recognition for blob %s: %w", blobID, err)
	}

	log.Info().
		Str("blobId", blobID).
		Str("executionId", exec.ExecutionID).
		Msg("Recognition started")
	return machine.StepOutput{
		Output: map[string]any{"recognition_execution_id": exec.ExecutionID},
	}, nil
}

// getLabels calls the recognition backend. Any backend failure is an
// infrastructure error, never a domain one.
func (s *Service) getLabels(ctx context.Context, in machine.StepInput) (machine.StepOutput, error) {
	blobID, err := blobIDFrom(in.Context)
	if err != nil {
		return machine.StepOutput{}, err
	}

	raw, err := s.detector.DetectLabels(ctx, blobID)
	if err != nil {
		return machine.StepOutput{}, machine.NewStepError(machine.KindRecognitionBackendError, err)
	}
	return machine.StepOutput{
		Output: map[string]any{ctxRawLabels: raw},
	}, nil
}

// transformLabels applies the confidence filter and size cap. An empty
// result is the one expected domain failure of the pipeline.
func (s *Service) transformLabels(_ context.Context, in machine.StepInput) (machine.StepOutput, error) {
	raw, err := labelsFrom(in.Context, ctxRawLabels)
	if err != nil {
		return machine.StepOutput{}, err
	}

	filtered, err := labels.Transform(raw, s.opts.MinConfidence, s.opts.MaxLabels)
	if err != nil {
		if errors.Is(err, labels.ErrNoLabelsMatched) {
			return machine.StepOutput{}, machine.NewStepError(machine.KindRecognitionStepFailed, err)
		}
		return machine.StepOutput{}, err
	}
	return machine.StepOutput{
		Output: map[string]any{ctxLabels: filtered},
	}, nil
}

// saveLabels persists the filtered labels and flips the record to LABELED.
// A re-run of the same step after a crash finds the record already LABELED
// and treats the conflict as its own earlier success.
func (s *Service) saveLabels(ctx context.Context, in machine.StepInput) (machine.StepOutput, error) {
	blobID, err := blobIDFrom(in.Context)
	if err != nil {
		return machine.StepOutput{}, err
	}
	lbls, err := labelsFrom(in.Context, ctxLabels)
	if err != nil {
		return machine.StepOutput{}, err
	}

	err = s.records.Update(ctx, blobID, record.Mutation{
		ExpectedStatus: record.StatusRecognizing,
		Status:         record.StatusLabeled,
		Labels:         lbls,
	})
	if errors.Is(err, record.ErrConflict) {
		rec, gerr := s.records.Get(ctx, blobID)
		if gerr == nil && rec.Status == record.StatusLabeled {
			log.Debug().Str("blobId", blobID).Msg("Labels already saved; step replay is a no-op")
			return machine.StepOutput{}, nil
		}
		return machine.StepOutput{}, machine.NewStepError(machine.KindRecordStoreError, err)
	}
	if err != nil {
		return machine.StepOutput{}, machine.NewStepError(machine.KindRecordStoreError, err)
	}
	return machine.StepOutput{}, nil
}

// invokeCallback delivers the final record to the callback URL. Delivery is
// best effort: the outcome lands on the record's side channel and a failure
// never fails the workflow or reverts the recognition status.
func (s *Service) invokeCallback(ctx context.Context, in machine.StepInput) (machine.StepOutput, error) {
	blobID, err := blobIDFrom(in.Context)
	if err != nil {
		return machine.StepOutput{}, err
	}

	rec, err := s.records.Get(ctx, blobID)
	if err != nil {
		return machine.StepOutput{}, machine.NewStepError(machine.KindRecordStoreError, err)
	}

	status := s.deliverCallback(ctx, rec)
	return machine.StepOutput{
		Output: map[string]any{"callback_status": string(status)},
	}, nil
}

// predefinedErrorFallback handles the expected domain failure: the record
// fails with DomainMismatch, the client is notified, no alert is raised.
func (s *Service) predefinedErrorFallback(ctx context.Context, in machine.StepInput) (machine.StepOutput, error) {
	blobID, err := blobIDFrom(in.Context)
	if err != nil {
		return machine.StepOutput{}, err
	}

	if err := s.failRecord(ctx, blobID, record.ErrorKindDomainMismatch); err != nil {
		return machine.StepOutput{}, err
	}
	s.notifyFailure(ctx, blobID)
	return machine.StepOutput{}, nil
}

// unexpectedErrorFallback handles infrastructure and unclassified failures:
// the record fails with Unexpected, a durable audit entry is written, the
// client is notified.
func (s *Service) unexpectedErrorFallback(ctx context.Context, in machine.StepInput) (machine.StepOutput, error) {
	blobID, err := blobIDFrom(in.Context)
	if err != nil {
		return machine.StepOutput{}, err
	}
	kind, message := caughtError(in.Context)

	if err := s.failRecord(ctx, blobID, record.ErrorKindUnexpected); err != nil {
		log.Error().Err(err).Str("blobId", blobID).Msg("Failed to mark record FAILED; continuing to audit")
	}

	entry := audit.Entry{
		ExecutionID: in.ExecutionID,
		Workflow:    string(in.Workflow),
		BlobID:      blobID,
		ErrorKind:   kind,
		Message:     message,
		OccurredAt:  time.Now().UTC(),
	}
	if err := s.audits.Record(ctx, entry); err != nil {
		log.Error().Err(err).Str("executionId", in.ExecutionID).Msg("Failed to persist audit entry")
	}

	log.Error().
		Str("blobId", blobID).
		Str("executionId", in.ExecutionID).
		Str("errorKind", kind).
		Str("message", message).
		Msg("Recognition failed unexpectedly")

	s.notifyFailure(ctx, blobID)
	return machine.StepOutput{}, nil
}

// failRecord applies the FAILED terminal with the given error kind. A
// conflict means a replayed fallback already wrote the terminal; that is
// not an error.
func (s *Service) failRecord(ctx context.Context, blobID string, kind record.ErrorKind) error {
	err := s.records.Update(ctx, blobID, record.Mutation{
		ExpectedStatus: record.StatusRecognizing,
		Status:         record.StatusFailed,
		ErrorKind:      kind,
	})
	if err != nil && !errors.Is(err, record.ErrConflict) {
		return fmt.Errorf("fail blob %s with %s: %w", blobID, kind, err)
	}
	return nil
}

// deliverCallback posts the record to its callback URL and stores the
// delivery outcome on the record's side channel. Every failure along the
// way is logged only.
func (s *Service) deliverCallback(ctx context.Context, rec *record.BlobRecord) record.CallbackStatus {
	outcome, err := s.invoker.Invoke(ctx, rec.CallbackURL, callback.Payload{
		BlobID:    rec.BlobID,
		Status:    rec.Status,
		Labels:    rec.Labels,
		ErrorKind: rec.ErrorKind,
	})
	if err != nil {
		log.Warn().Err(err).Str("blobId", rec.BlobID).Msg("Callback delivery failed")
	}

	status := outcome.RecordStatus()
	uerr := s.records.Update(ctx, rec.BlobID, record.Mutation{
		ExpectedStatus: rec.Status,
		Status:         rec.Status,
		CallbackStatus: status,
	})
	if uerr != nil {
		log.Warn().Err(uerr).Str("blobId", rec.BlobID).Msg("Failed to record callback status")
	}
	return status
}

// notifyFailure loads the (now FAILED) record and delivers the failure
// callback best effort.
func (s *Service) notifyFailure(ctx context.Context, blobID string) {
	rec, err := s.records.Get(ctx, blobID)
	if err != nil {
		log.Warn().Err(err).Str("blobId", blobID).Msg("Cannot load record for failure callback")
		return
	}
	s.deliverCallback(ctx, rec)
}

// blobIDFrom extracts the blob ID every workflow execution starts with.
func blobIDFrom(ctx map[string]any) (string, error) {
	v, ok := ctx[ctxBlobID]
	if !ok {
		return "", errors.New("execution context has no blob_id")
	}
	id, ok := v.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("execution context blob_id is %T, want non-empty string", v)
	}
	return id, nil
}

// labelsFrom decodes a label slice from the execution context. The context
// round-trips through JSON, so the value may arrive as []record.Label or as
// generic []any; a marshal/unmarshal pass handles both.
func labelsFrom(ctx map[string]any, key string) ([]record.Label, error) {
	v, ok := ctx[key]
	if !ok {
		return nil, fmt.Errorf("execution context has no %q", key)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("decode context %q: %w", key, err)
	}
	var lbls []record.Label
	if err := json.Unmarshal(data, &lbls); err != nil {
		return nil, fmt.Errorf("decode context %q: %w", key, err)
	}
	return lbls, nil
}

// caughtError reads the error the catch dispatcher recorded in the context.
func caughtError(ctx map[string]any) (kind, message string) {
	v, ok := ctx["error"].(map[string]any)
	if !ok {
		return "", ""
	}
	kind, _ = v["kind"].(string)
	message, _ = v["message"].(string)
	return kind, message
}

func nowUTC() time.Time { return time.Now().UTC() }
