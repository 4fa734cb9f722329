// Package main provides the Lambda entry point for S3 ObjectCreated
// notifications on the blob bucket. Each event applies the conditional
// PENDING_UPLOAD → UPLOADED transition; the parked upload-watch execution
// picks the new status up on its next cycle.
package main

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/blob-recognizer/internal/boot"
	"github.com/fpang/blob-recognizer/internal/logging"
	"github.com/fpang/blob-recognizer/internal/recognizer"
)

var (
	coldStart = true
	svc       *recognizer.Service
)

func init() {
	initStart := time.Now()
	logging.Init()

	deps := boot.InitService("uploaded-lambda", initStart)
	svc = deps.Service
}

func main() {
	lambda.Start(handler)
}

func handler(ctx context.Context, s3Event events.S3Event) error {
	if coldStart {
		coldStart = false
		log.Info().Str("function", "uploaded-lambda").Msg("Cold start — first invocation")
	}

	for _, rec := range s3Event.Records {
		key := rec.S3.Object.Key

		// Blob objects are keyed by their UUID; anything else in the bucket
		// is not ours to handle.
		if err := uuid.Validate(key); err != nil {
			log.Debug().Str("key", key).Msg("Skipping non-blob object key")
			continue
		}

		if err := svc.HandleObjectCreated(ctx, key); err != nil {
			log.Error().Err(err).Str("key", key).Msg("Failed to mark blob uploaded")
			// Keep going — the remaining records in the batch are unrelated.
		}
	}
	return nil
}
