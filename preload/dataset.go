package preload

import (
	"context"
	"fmt"
	"time"

	"github.com/tsawler/go-fgp/models"
	"github.com/tsawler/go-fgp/tensor"
	"github.com/tsawler/go-fgp/training"
)

// Build encodes every sample of ds that has no record yet and stores its states under split.
// Encoding runs without gradient tracking. It returns how many samples were encoded; an
// interrupted build resumes where it stopped.
func (s *Store) Build(ctx context.Context, encoder models.FrozenEncoder, ds training.Dataset, split string) (int, error) {
	if err := validSplit(split); err != nil {
		return 0, err
	}
	if encoder == nil {
		return 0, fmt.Errorf("preload build requires a frozen encoder")
	}
	restore := tensor.NoGrad()
	defer restore()

	begin := time.Now()
	var pending []int
	for i := 0; i < ds.Len(); i++ {
		if !s.Has(split, i) {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		s.logger.Info("preload split already complete", "split", split, "path", s.root, "samples", ds.Len())
		return 0, nil
	}

	encoded := 0
	for start := 0; start < len(pending); start += s.batchSize {
		if err := ctx.Err(); err != nil {
			return encoded, err
		}
		end := min(start+s.batchSize, len(pending))
		if err := s.buildBatch(encoder, ds, split, pending[start:end]); err != nil {
			return encoded, err
		}
		encoded += end - start
		s.logger.Debug("preloaded batch", "split", split, "done", encoded, "pending", len(pending))
	}

	s.logger.Info("preloaded split", "split", split, "path", s.root, "encoded", encoded,
		"duration", time.Since(begin).Round(time.Millisecond))
	return encoded, nil
}

func (s *Store) buildBatch(encoder models.FrozenEncoder, ds training.Dataset, split string, indices []int) error {
	inputs := make([]*tensor.Tensor, len(indices))
	for i, idx := range indices {
		sample, err := ds.Get(idx)
		if err != nil {
			return fmt.Errorf("failed to load sample %d: %w", idx, err)
		}
		if sample.Input == nil {
			return fmt.Errorf("sample %d has no raw input to encode", idx)
		}
		inputs[i] = sample.Input
	}
	x, err := tensor.Stack(inputs)
	if err != nil {
		return fmt.Errorf("failed to collate inputs: %w", err)
	}
	_, key, value, err := encoder.Encode(x, s.interp)
	if err != nil {
		return fmt.Errorf("frozen encoder failed: %w", err)
	}

	for i, idx := range indices {
		k, err := sampleStates(key, i)
		if err != nil {
			return err
		}
		v, err := sampleStates(value, i)
		if err != nil {
			return err
		}
		if err := s.Put(split, idx, k, v); err != nil {
			return err
		}
	}
	return nil
}

// sampleStates copies sample b out of [layers, batch, seq, dim] states as [layers, seq, dim]
func sampleStates(states *tensor.Tensor, b int) (*tensor.Tensor, error) {
	if len(states.Shape) != 4 {
		return nil, fmt.Errorf("encoder states must be [layers, batch, seq, dim], got %v", states.Shape)
	}
	nl, nb, ns, nd := states.Shape[0], states.Shape[1], states.Shape[2], states.Shape[3]
	if b >= nb {
		return nil, fmt.Errorf("sample %d out of range for batch of %d", b, nb)
	}
	data := states.Float32Data()
	row := ns * nd
	out := make([]float32, nl*row)
	for l := 0; l < nl; l++ {
		copy(out[l*row:(l+1)*row], data[(l*nb+b)*row:(l*nb+b+1)*row])
	}
	return tensor.FromFloat32([]int{nl, ns, nd}, out)
}

// Dataset serves preloaded samples: the side input and label come from the raw
// dataset, the key/value states from the store
type Dataset struct {
	raw   training.Dataset
	store *Store
	split string
}

// NewDataset wraps raw with the states stored under split. Every sample must be preloaded.
func NewDataset(raw training.Dataset, store *Store, split string) (*Dataset, error) {
	n, err := store.Count(split)
	if err != nil {
		return nil, err
	}
	if n < raw.Len() {
		return nil, fmt.Errorf("split %s has %d preloaded samples, dataset has %d", split, n, raw.Len())
	}
	return &Dataset{raw: raw, store: store, split: split}, nil
}

// Len returns the number of samples
func (d *Dataset) Len() int {
	return d.raw.Len()
}

// Get returns sample idx with its stored states and without the raw input
func (d *Dataset) Get(idx int) (training.Sample, error) {
	sample, err := d.raw.Get(idx)
	if err != nil {
		return training.Sample{}, err
	}
	key, value, err := d.store.Get(d.split, idx)
	if err != nil {
		return training.Sample{}, err
	}
	return training.Sample{Side: sample.Side, Key: key, Value: value, Label: sample.Label}, nil
}

// Targets returns the labels of the raw dataset, or nil when a label cannot be read
func (d *Dataset) Targets() []int {
	targets, err := training.DatasetTargets(d.raw)
	if err != nil {
		return nil
	}
	return targets
}
