package training

import (
	"fmt"
	"math"
)

// Loss weight policies for cross_entropy
const (
	LossWeightBalance = "balance"
	LossWeightDynamic = "dynamic"
)

// LossWeightsScheduler produces per-class cross-entropy weights that move from
// inverse class frequency toward uniform: w_c = base_c ^ (decay ^ epoch), with
// base_c = N / count_c. A decay of 1 keeps the balanced weights every epoch.
type LossWeightsScheduler struct {
	base  []float64
	decay float64
	epoch int
}

// NewLossWeightsScheduler counts targets per class. Every class needs at least one sample.
func NewLossWeightsScheduler(targets []int, numClasses int, decay float64) (*LossWeightsScheduler, error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("numClasses must be positive, got %d", numClasses)
	}
	if decay < 0 || decay > 1 {
		return nil, fmt.Errorf("loss weight decay rate must be in [0, 1], got %f", decay)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("cannot compute class weights from an empty dataset")
	}

	counts := make([]int, numClasses)
	for i, y := range targets {
		if y < 0 || y >= numClasses {
			return nil, fmt.Errorf("target %d at index %d is out of range [0, %d)", y, i, numClasses)
		}
		counts[y]++
	}

	base := make([]float64, numClasses)
	for c, n := range counts {
		if n == 0 {
			return nil, fmt.Errorf("class %d has no samples", c)
		}
		base[c] = float64(len(targets)) / float64(n)
	}
	return &LossWeightsScheduler{base: base, decay: decay}, nil
}

// WeightsAt returns the weights for epoch without advancing the scheduler
func (s *LossWeightsScheduler) WeightsAt(epoch int) []float32 {
	exp := math.Pow(s.decay, float64(epoch))
	out := make([]float32, len(s.base))
	for c, b := range s.base {
		out[c] = float32(math.Pow(b, exp))
	}
	return out
}

// Step returns the weights for the current epoch and advances to the next one
func (s *LossWeightsScheduler) Step() []float32 {
	w := s.WeightsAt(s.epoch)
	s.epoch++
	return w
}

// SetEpoch positions the scheduler, e.g. when a run resumes mid-way
func (s *LossWeightsScheduler) SetEpoch(epoch int) {
	s.epoch = epoch
}

// Epoch returns the epoch the next Step will produce weights for
func (s *LossWeightsScheduler) Epoch() int {
	return s.epoch
}
