package detect

import (
	"github.com/sentryd/sentryd/internal/analyzer"
)

// BaselineScorer is an optional, disabled-by-default anomaly rule: it
// tracks a trailing average packet rate per destination and flags a
// feature whose rate runs far above its own history. It answers the
// unresolved "what should the anomaly detector actually measure"
// question conservatively, as one candidate baseline rather than a
// replacement for the signature rules above.
type BaselineScorer struct {
	alpha     float64 // exponential trailing-average weight
	threshold float64 // multiple of baseline that counts as anomalous
	baseline  map[string]float64
}

// NewBaselineScorer builds a scorer with the given smoothing factor and
// deviation threshold. alpha=0.1 and threshold=5 are reasonable starting
// points: the current rate must run 5x the trailing average to register.
func NewBaselineScorer(alpha, threshold float64) *BaselineScorer {
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.1
	}
	if threshold <= 1 {
		threshold = 5
	}
	return &BaselineScorer{alpha: alpha, threshold: threshold, baseline: make(map[string]float64)}
}

// Score updates the trailing average for f.DstIP and returns -1 when the
// current packet rate exceeds threshold times the previous average, and 0
// otherwise; the size of the excess does not change the score. A
// destination seen for the first time is never anomalous: there is
// nothing yet to deviate from.
func (s *BaselineScorer) Score(f *analyzer.Feature) (float64, error) {
	prev, seen := s.baseline[f.DstIP]
	next := f.PacketRate
	if seen {
		next = s.alpha*f.PacketRate + (1-s.alpha)*prev
	}
	s.baseline[f.DstIP] = next

	if !seen || prev <= 0 {
		return 0, nil
	}
	if f.PacketRate <= prev*s.threshold {
		return 0, nil
	}

	ratio := f.PacketRate / (prev * s.threshold)
	score := -ratio
	if score < -1 {
		score = -1
	}
	return score, nil
}
