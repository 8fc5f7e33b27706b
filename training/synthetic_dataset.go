package training

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-fgp/tensor"
)

// SyntheticDataset generates class-conditioned samples for demos and tests.
// Each class shifts a distinct slice of features, so the task is learnable.
// A sample depends only on (seed, idx), so repeated Gets are identical.
type SyntheticDataset struct {
	size         int
	inFeatures   int
	sideFeatures int
	numClasses   int
	noise        float64
	seed         int64
}

// NewSyntheticDataset creates a dataset of size samples with balanced labels
func NewSyntheticDataset(size, inFeatures, sideFeatures, numClasses int, seed int64) (*SyntheticDataset, error) {
	if size <= 0 || inFeatures <= 0 || sideFeatures <= 0 || numClasses < 2 {
		return nil, fmt.Errorf("invalid synthetic dataset: size=%d in=%d side=%d classes=%d",
			size, inFeatures, sideFeatures, numClasses)
	}
	return &SyntheticDataset{
		size:         size,
		inFeatures:   inFeatures,
		sideFeatures: sideFeatures,
		numClasses:   numClasses,
		noise:        0.5,
		seed:         seed,
	}, nil
}

// Len returns the size of the dataset
func (sd *SyntheticDataset) Len() int {
	return sd.size
}

// NumClasses returns the number of classes
func (sd *SyntheticDataset) NumClasses() int {
	return sd.numClasses
}

func (sd *SyntheticDataset) label(idx int) int {
	return idx % sd.numClasses
}

// Targets returns the label of every sample
func (sd *SyntheticDataset) Targets() []int {
	out := make([]int, sd.size)
	for i := range out {
		out[i] = sd.label(i)
	}
	return out
}

func (sd *SyntheticDataset) features(rng *rand.Rand, n, label int) []float32 {
	out := make([]float32, n)
	for j := range out {
		v := rng.NormFloat64() * sd.noise
		if j%sd.numClasses == label {
			v += 1.0
		}
		out[j] = float32(v)
	}
	return out
}

// Get generates sample idx
func (sd *SyntheticDataset) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= sd.size {
		return Sample{}, fmt.Errorf("index %d out of range [0, %d)", idx, sd.size)
	}
	rng := rand.New(rand.NewSource(sd.seed*1_000_003 + int64(idx)))
	label := sd.label(idx)

	input, err := tensor.FromFloat32([]int{sd.inFeatures}, sd.features(rng, sd.inFeatures, label))
	if err != nil {
		return Sample{}, fmt.Errorf("failed to create input tensor: %w", err)
	}
	side, err := tensor.FromFloat32([]int{sd.sideFeatures}, sd.features(rng, sd.sideFeatures, label))
	if err != nil {
		return Sample{}, fmt.Errorf("failed to create side tensor: %w", err)
	}
	return Sample{Input: input, Side: side, Label: float32(label)}, nil
}
