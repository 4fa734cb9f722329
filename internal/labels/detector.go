// Package labels provides the label-recognition backend client and the
// transformation applied to raw backend output before it is persisted.
package labels

import (
	"context"
	"errors"

	"github.com/fpang/blob-recognizer/internal/record"
)

// Detector is the recognition backend contract. Implementations return
// labels ordered by descending confidence, scores on a 0-100 scale.
type Detector interface {
	DetectLabels(ctx context.Context, blobID string) ([]record.Label, error)
}

// ErrNoLabelsMatched is the expected domain failure: after filtering, no
// label met the confidence bar.
var ErrNoLabelsMatched = errors.New("no label met the confidence threshold")
