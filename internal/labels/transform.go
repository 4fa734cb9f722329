package labels

import (
	"sort"

	"github.com/fpang/blob-recognizer/internal/record"
)

// Transform filters raw backend labels to those with confidence at or above
// minConfidence and truncates the result to at most maxLabels entries.
// The backend's ranking order is preserved; a stable sort by descending
// confidence is applied only if the input arrives unordered.
//
// Returns ErrNoLabelsMatched when nothing survives the filter — the one
// expected domain failure of the recognition pipeline.
func Transform(raw []record.Label, minConfidence float64, maxLabels int) ([]record.Label, error) {
	filtered := make([]record.Label, 0, len(raw))
	for _, l := range raw {
		if l.Confidence >= minConfidence {
			filtered = append(filtered, l)
		}
	}
	if len(filtered) == 0 {
		return nil, ErrNoLabelsMatched
	}

	if !sort.SliceIsSorted(filtered, func(i, j int) bool {
		return filtered[i].Confidence > filtered[j].Confidence
	}) {
		sort.SliceStable(filtered, func(i, j int) bool {
			return filtered[i].Confidence > filtered[j].Confidence
		})
	}

	if maxLabels > 0 && len(filtered) > maxLabels {
		filtered = filtered[:maxLabels]
	}
	return filtered, nil
}
