package training

import (
	"fmt"
	"math/rand"
)

// SubsetDataset exposes selected samples of an underlying dataset
type SubsetDataset struct {
	originalDataset Dataset
	indices         []int
}

// NewSubsetDataset creates a view over the given indices of original
func NewSubsetDataset(original Dataset, indices []int) (*SubsetDataset, error) {
	n := original.Len()
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("subset index %d out of range [0, %d)", idx, n)
		}
	}
	return &SubsetDataset{
		originalDataset: original,
		indices:         append([]int(nil), indices...),
	}, nil
}

// Len returns the number of samples in the subset
func (sd *SubsetDataset) Len() int {
	return len(sd.indices)
}

// Get returns the idx-th sample of the subset
func (sd *SubsetDataset) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= len(sd.indices) {
		return Sample{}, fmt.Errorf("index out of bounds for subset: %d (size: %d)", idx, len(sd.indices))
	}
	return sd.originalDataset.Get(sd.indices[idx])
}

// Targets returns the labels of the subset's samples
func (sd *SubsetDataset) Targets() []int {
	if tp, ok := sd.originalDataset.(TargetProvider); ok {
		all := tp.Targets()
		out := make([]int, len(sd.indices))
		for i, idx := range sd.indices {
			out[i] = all[idx]
		}
		return out
	}
	targets, err := DatasetTargets(sd)
	if err != nil {
		return nil
	}
	return targets
}

// SplitDataset shuffles ds with seed and splits it into consecutive parts of the given fractions.
// The last part takes the remainder.
func SplitDataset(ds Dataset, seed int64, fractions ...float64) ([]*SubsetDataset, error) {
	if len(fractions) == 0 {
		return nil, fmt.Errorf("no split fractions given")
	}
	var total float64
	for _, f := range fractions {
		if f < 0 {
			return nil, fmt.Errorf("split fraction cannot be negative: %f", f)
		}
		total += f
	}
	if total > 1+1e-9 {
		return nil, fmt.Errorf("split fractions sum to %f, more than 1", total)
	}

	n := ds.Len()
	order := rand.New(rand.NewSource(seed)).Perm(n)
	parts := make([]*SubsetDataset, len(fractions))
	start := 0
	for i, f := range fractions {
		end := start + int(f*float64(n))
		if i == len(fractions)-1 || end > n {
			end = n
		}
		sub, err := NewSubsetDataset(ds, order[start:end])
		if err != nil {
			return nil, err
		}
		parts[i] = sub
		start = end
	}
	return parts, nil
}
