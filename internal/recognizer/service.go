package recognizer

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/blob-recognizer/internal/audit"
	"github.com/fpang/blob-recognizer/internal/blobstore"
	"github.com/fpang/blob-recognizer/internal/callback"
	"github.com/fpang/blob-recognizer/internal/config"
	"github.com/fpang/blob-recognizer/internal/labels"
	"github.com/fpang/blob-recognizer/internal/machine"
	"github.com/fpang/blob-recognizer/internal/record"
)

// ErrInvalidCallbackURL rejects upload initialization with an unusable
// callback URL.
var ErrInvalidCallbackURL = errors.New("callback URL must be an absolute http or https URL")

// Service is the recognizer facade: it owns the record and object stores,
// the recognition backend, the callback invoker, and the workflow executor
// the two workflows run on.
type Service struct {
	records  record.Store
	objects  blobstore.ObjectStore
	detector labels.Detector
	invoker  *callback.Invoker
	audits   audit.Recorder
	executor *machine.Executor
	opts     config.Options
}

// NewService wires the recognizer together and registers both workflow
// definitions on the executor.
func NewService(
	records record.Store,
	objects blobstore.ObjectStore,
	detector labels.Detector,
	invoker *callback.Invoker,
	audits audit.Recorder,
	executor *machine.Executor,
	opts config.Options,
) (*Service, error) {
	s := &Service{
		records:  records,
		objects:  objects,
		detector: detector,
		invoker:  invoker,
		audits:   audits,
		executor: executor,
		opts:     opts,
	}

	watch := newUploadWatchDefinition(opts.UploadingWaitingTime)
	if err := executor.Register(watch, map[string]machine.TaskHandler{
		StateCheckUploading: s.checkUploading,
	}); err != nil {
		return nil, fmt.Errorf("register upload-watch workflow: %w", err)
	}

	recog := newRecognitionDefinition()
	if err := executor.Register(recog, map[string]machine.TaskHandler{
		StateGetLabels:          s.getLabels,
		StateTransformLabels:    s.transformLabels,
		StateSaveLabels:         s.saveLabels,
		StateInvokeCallback:     s.invokeCallback,
		StatePredefinedFallback: s.predefinedErrorFallback,
		StateUnexpectedFallback: s.unexpectedErrorFallback,
	}); err != nil {
		return nil, fmt.Errorf("register recognition workflow: %w", err)
	}

	return s, nil
}

// UploadGrant is the response to a successful upload initialization.
type UploadGrant struct {
	BlobID      string `json:"blob_id"`
	CallbackURL string `json:"callback_url"`
	UploadURL   string `json:"upload_url"`
}

// InitializeUpload creates a blob record in PENDING_UPLOAD, issues a
// presigned upload URL, and starts the upload-watch workflow for it.
func (s *Service) InitializeUpload(ctx context.Context, callbackURL string) (*UploadGrant, error) {
	if err := validateCallbackURL(callbackURL); err != nil {
		return nil, err
	}

	blobID := uuid.NewString()

	uploadURL, err := s.objects.PresignUpload(ctx, blobID, s.opts.PresignedURLTTL)
	if err != nil {
		return nil, fmt.Errorf("presign upload for blob %s: %w", blobID, err)
	}

	now := nowUTC()
	rec := &record.BlobRecord{
		BlobID:      blobID,
		Status:      record.StatusPendingUpload,
		CallbackURL: callbackURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.records.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("create record for blob %s: %w", blobID, err)
	}

	exec, err := s.executor.StartAsync(ctx, machine.UploadWatch, map[string]any{
		ctxBlobID: blobID,
	})
	if err != nil {
		return nil, fmt.Errorf("start upload watch for blob %s: %w", blobID, err)
	}

	log.Info().
		Str("blobId", blobID).
		Str("executionId", exec.ExecutionID).
		Msg("Upload initialized")

	return &UploadGrant{
		BlobID:      blobID,
		CallbackURL: callbackURL,
		UploadURL:   uploadURL,
	}, nil
}

// HandleObjectCreated applies the PENDING_UPLOAD → UPLOADED transition when
// the object-created notification arrives. Duplicate notifications and
// records already past PENDING_UPLOAD are no-ops; unknown keys are logged
// and skipped so unrelated bucket objects cannot poison the handler.
func (s *Service) HandleObjectCreated(ctx context.Context, blobID string) error {
	err := s.records.Update(ctx, blobID, record.Mutation{
		ExpectedStatus: record.StatusPendingUpload,
		Status:         record.StatusUploaded,
	})
	switch {
	case err == nil:
		log.Info().Str("blobId", blobID).Msg("Blob marked uploaded")
		return nil
	case errors.Is(err, record.ErrConflict):
		log.Debug().Str("blobId", blobID).Msg("Blob already past PENDING_UPLOAD; ignoring duplicate notification")
		return nil
	case errors.Is(err, record.ErrNotFound):
		log.Warn().Str("blobId", blobID).Msg("Object created for unknown blob; ignoring")
		return nil
	default:
		return fmt.Errorf("mark blob %s uploaded: %w", blobID, err)
	}
}

// GetResult returns the blob record, or record.ErrNotFound.
func (s *Service) GetResult(ctx context.Context, blobID string) (*record.BlobRecord, error) {
	return s.records.Get(ctx, blobID)
}

// Executor exposes the underlying executor for host startup (ResumeAll)
// and shutdown.
func (s *Service) Executor() *machine.Executor {
	return s.executor
}

func validateCallbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCallbackURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidCallbackURL
	}
	return nil
}
