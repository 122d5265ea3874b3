// Package expression classifies a mouth width against a calibrated baseline.
package expression

import "fmt"

// DefaultThreshold is the multiplicative factor over the baseline above
// which a frame counts as smiling.
const DefaultThreshold = 1.1

// Result is the classification of a single frame.
type Result struct {
	Width     float64 `json:"width"`
	Baseline  float64 `json:"baseline"`
	IsSmiling bool    `json:"is_smiling"`
}

// Label returns "smiling" or "neutral".
func (r Result) Label() string {
	if r.IsSmiling {
		return "smiling"
	}
	return "neutral"
}

// Ratio returns width relative to the baseline.
func (r Result) Ratio() float64 {
	if r.Baseline == 0 {
		return 0
	}
	return r.Width / r.Baseline
}

// Classify reports whether width exceeds baseline*threshold.
func Classify(width, baseline, threshold float64) bool {
	return width > baseline*threshold
}

// Classifier classifies every frame independently with a fixed threshold.
type Classifier struct {
	Threshold float64
}

// NewClassifier creates a classifier. A non-positive threshold selects
// DefaultThreshold.
func NewClassifier(threshold float64) Classifier {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Classifier{Threshold: threshold}
}

// Evaluate classifies width against baseline.
func (c Classifier) Evaluate(width, baseline float64) Result {
	return Result{
		Width:     width,
		Baseline:  baseline,
		IsSmiling: Classify(width, baseline, c.Threshold),
	}
}

func (c Classifier) String() string {
	return fmt.Sprintf("width > baseline * %.2f", c.Threshold)
}
