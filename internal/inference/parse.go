package inference

import (
	"encoding/json"
	"fmt"
)

// ParsingVersion tags stored results with the summary format in use, so the
// audit log stays interpretable if the derivation ever changes.
const ParsingVersion = "1.0"

// Summary holds the aggregate counts derived from one raw prediction.
type Summary struct {
	TotalObjects  int
	TotalLarvae   int
	TotalOther    int
	AvgConfidence float64
}

// ParsePrediction derives the aggregate counts from a raw provider response.
// Detections whose class matches targetClass count as larvae, everything else
// as other. The average confidence spans all detections and is zero for an
// empty frame.
func ParsePrediction(raw []byte, targetClass string) (*Summary, error) {
	var response struct {
		Predictions []struct {
			Class      string  `json:"class"`
			Confidence float64 `json:"confidence"`
		} `json:"predictions"`
	}
	if err := json.Unmarshal(raw, &response); err != nil {
		return nil, fmt.Errorf("failed to parse prediction: %w", err)
	}

	summary := &Summary{TotalObjects: len(response.Predictions)}

	var confidenceSum float64
	for _, p := range response.Predictions {
		if p.Class == targetClass {
			summary.TotalLarvae++
		} else {
			summary.TotalOther++
		}
		confidenceSum += p.Confidence
	}
	if summary.TotalObjects > 0 {
		summary.AvgConfidence = confidenceSum / float64(summary.TotalObjects)
	}

	return summary, nil
}
