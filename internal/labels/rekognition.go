package labels

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	rekognitiontypes "github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/blob-recognizer/internal/record"
)

// detectTimeout bounds a single DetectLabels call so a hung backend
// surfaces as an infrastructure failure instead of stalling the workflow.
const detectTimeout = 30 * time.Second

// detectRetries is how many times a failed backend call is retried at the
// client layer before the error is surfaced to the workflow.
const detectRetries = 2

// retryDelay is the constant pause between backend retries.
const retryDelay = time.Second

// RekognitionDetector implements Detector using AWS Rekognition over
// objects stored in a single S3 bucket, keyed by blob ID.
type RekognitionDetector struct {
	client *rekognition.Client
	bucket string
}

var _ Detector = (*RekognitionDetector)(nil)

// NewRekognitionDetector creates a detector reading from the given bucket.
func NewRekognitionDetector(client *rekognition.Client, bucket string) *RekognitionDetector {
	return &RekognitionDetector{client: client, bucket: bucket}
}

// DetectLabels calls Rekognition and converts the response. Rekognition
// already returns labels ordered by descending confidence; that order is
// preserved.
func (d *RekognitionDetector) DetectLabels(ctx context.Context, blobID string) ([]record.Label, error) {
	ctx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	input := &rekognition.DetectLabelsInput{
		Image: &rekognitiontypes.Image{
			S3Object: &rekognitiontypes.S3Object{
				Bucket: &d.bucket,
				Name:   &blobID,
			},
		},
	}

	var out *rekognition.DetectLabelsOutput
	var err error
	for attempt := 0; ; attempt++ {
		out, err = d.client.DetectLabels(ctx, input)
		if err == nil {
			break
		}
		if attempt >= detectRetries || ctx.Err() != nil {
			return nil, fmt.Errorf("DetectLabels %s: %w", blobID, err)
		}
		log.Warn().
			Err(err).
			Str("blobId", blobID).
			Int("attempt", attempt+1).
			Msg("Rekognition call failed, retrying")
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("DetectLabels %s: %w", blobID, ctx.Err())
		}
	}

	result := make([]record.Label, 0, len(out.Labels))
	for _, l := range out.Labels {
		result = append(result, record.Label{
			Name:       aws.ToString(l.Name),
			Confidence: float64(aws.ToFloat32(l.Confidence)),
		})
	}

	log.Debug().
		Str("blobId", blobID).
		Int("labels", len(result)).
		Msg("Labels detected")
	return result, nil
}
