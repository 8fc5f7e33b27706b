package training

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/tsawler/go-fgp/tensor"
)

// Sample is one dataset item. Raw samples carry Input (for the frozen encoder);
// preloaded samples carry Key and Value states of shape [layers, seq, dim] instead.
type Sample struct {
	Input *tensor.Tensor
	Side  *tensor.Tensor
	Key   *tensor.Tensor
	Value *tensor.Tensor
	Label float32
}

// Preloaded reports whether the sample carries precomputed key/value states
func (s Sample) Preloaded() bool {
	return s.Key != nil
}

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int
	Get(idx int) (Sample, error)
}

// TargetProvider is implemented by datasets that can list their labels without loading samples
type TargetProvider interface {
	Targets() []int
}

// DatasetTargets returns the class label of every sample
func DatasetTargets(ds Dataset) ([]int, error) {
	if tp, ok := ds.(TargetProvider); ok {
		return tp.Targets(), nil
	}
	targets := make([]int, ds.Len())
	for i := range targets {
		s, err := ds.Get(i)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", i, err)
		}
		targets[i] = int(s.Label)
	}
	return targets, nil
}

// DataLoaderConfig holds the loader options
type DataLoaderConfig struct {
	BatchSize  int
	Shuffle    bool
	NumWorkers int  // 0 loads batches on the calling goroutine
	DropLast   bool // drop the final incomplete batch
	PinMemory  bool // accepted for config compatibility; CPU tensors need no pinning
	Seed       int64
}

// DataLoader provides batching, per-epoch shuffling, and ordered parallel prefetch
type DataLoader struct {
	dataset Dataset
	config  DataLoaderConfig
	epoch   int
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset Dataset, config DataLoaderConfig) (*DataLoader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset is nil")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.NumWorkers < 0 {
		config.NumWorkers = 0
	}
	return &DataLoader{dataset: dataset, config: config}, nil
}

// Dataset returns the underlying dataset
func (dl *DataLoader) Dataset() Dataset {
	return dl.dataset
}

// Config returns the loader options
func (dl *DataLoader) Config() DataLoaderConfig {
	return dl.config
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	n := dl.dataset.Len()
	if dl.config.DropLast {
		return n / dl.config.BatchSize
	}
	return (n + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// SetEpoch selects the shuffle order used by the next Iterator. The order for a given
// seed and epoch is always the same, so resumed runs see the same batches.
func (dl *DataLoader) SetEpoch(epoch int) {
	dl.epoch = epoch
}

// plan splits the epoch's sample order into batches
func (dl *DataLoader) plan() [][]int {
	n := dl.dataset.Len()
	var order []int
	if dl.config.Shuffle {
		rng := rand.New(rand.NewSource(dl.config.Seed + int64(dl.epoch)))
		order = rng.Perm(n)
	} else {
		order = make([]int, n)
		for i := range order {
			order[i] = i
		}
	}

	batches := make([][]int, 0, dl.Len())
	for start := 0; start < n; start += dl.config.BatchSize {
		end := start + dl.config.BatchSize
		if end > n {
			if dl.config.DropLast {
				break
			}
			end = n
		}
		batches = append(batches, order[start:end])
	}
	return batches
}

// Batch is a collated set of samples. Key and Value are [batch, layers, seq, dim] when preloaded.
type Batch struct {
	Input   *tensor.Tensor
	Side    *tensor.Tensor
	Key     *tensor.Tensor
	Value   *tensor.Tensor
	Labels  *tensor.Tensor // [batch] Float32
	Indices []int
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	return len(b.Indices)
}

// Preloaded reports whether the batch carries precomputed key/value states
func (b *Batch) Preloaded() bool {
	return b.Key != nil
}

// loadBatch loads a batch of samples and combines them into batched tensors
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	var inputs, sides, keys, values []*tensor.Tensor
	labels := make([]float32, len(indices))
	preloaded := false
	for i, idx := range indices {
		s, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
		}
		if i == 0 {
			preloaded = s.Preloaded()
		} else if s.Preloaded() != preloaded {
			return nil, fmt.Errorf("sample %d mixes raw and preloaded layouts within one batch", idx)
		}
		if s.Side == nil {
			return nil, fmt.Errorf("sample %d has no side input", idx)
		}
		sides = append(sides, s.Side)
		if preloaded {
			if s.Value == nil {
				return nil, fmt.Errorf("sample %d has key states but no value states", idx)
			}
			keys = append(keys, s.Key)
			values = append(values, s.Value)
		} else {
			if s.Input == nil {
				return nil, fmt.Errorf("sample %d has neither an encoder input nor preloaded states", idx)
			}
			inputs = append(inputs, s.Input)
		}
		labels[i] = s.Label
	}

	batch := &Batch{Indices: append([]int(nil), indices...)}
	var err error
	if batch.Side, err = tensor.Stack(sides); err != nil {
		return nil, fmt.Errorf("failed to collate side inputs: %w", err)
	}
	if preloaded {
		if batch.Key, err = tensor.Stack(keys); err != nil {
			return nil, fmt.Errorf("failed to collate key states: %w", err)
		}
		if batch.Value, err = tensor.Stack(values); err != nil {
			return nil, fmt.Errorf("failed to collate value states: %w", err)
		}
	} else if batch.Input, err = tensor.Stack(inputs); err != nil {
		return nil, fmt.Errorf("failed to collate inputs: %w", err)
	}
	if batch.Labels, err = tensor.FromFloat32([]int{len(labels)}, labels); err != nil {
		return nil, err
	}
	return batch, nil
}

type batchResult struct {
	batch *Batch
	err   error
}

// BatchIterator yields the batches of one epoch in plan order
type BatchIterator struct {
	dl     *DataLoader
	plan   [][]int
	next   int
	ctx    context.Context
	cancel context.CancelFunc

	// prefetch state, nil when loading synchronously
	slots  []chan batchResult
	window chan struct{}
}

// Iterator starts an epoch. With NumWorkers > 0 batches are loaded by a worker pool
// that prefetches at most 2*NumWorkers batches ahead; delivery order never changes.
// Close releases the workers when the epoch is abandoned early.
func (dl *DataLoader) Iterator(ctx context.Context) *BatchIterator {
	ctx, cancel := context.WithCancel(ctx)
	it := &BatchIterator{dl: dl, plan: dl.plan(), ctx: ctx, cancel: cancel}
	if dl.config.NumWorkers == 0 || len(it.plan) == 0 {
		return it
	}

	it.slots = make([]chan batchResult, len(it.plan))
	for i := range it.slots {
		it.slots[i] = make(chan batchResult, 1)
	}
	it.window = make(chan struct{}, 2*dl.config.NumWorkers)

	jobs := make(chan int)
	go func() {
		defer close(jobs)
		for i := range it.plan {
			select {
			case it.window <- struct{}{}:
			case <-ctx.Done():
				return
			}
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()
	for w := 0; w < dl.config.NumWorkers; w++ {
		go func() {
			for i := range jobs {
				b, err := dl.loadBatch(it.plan[i])
				it.slots[i] <- batchResult{batch: b, err: err}
			}
		}()
	}
	return it
}

// Len returns the number of batches in this epoch
func (it *BatchIterator) Len() int {
	return len(it.plan)
}

// Next returns the next batch, or nil at the end of the epoch
func (it *BatchIterator) Next() (*Batch, error) {
	if it.next >= len(it.plan) {
		return nil, nil
	}
	i := it.next
	it.next++

	if it.slots == nil {
		if err := it.ctx.Err(); err != nil {
			return nil, err
		}
		return it.dl.loadBatch(it.plan[i])
	}

	select {
	case r := <-it.slots[i]:
		<-it.window
		if r.err != nil {
			return nil, r.err
		}
		return r.batch, nil
	case <-it.ctx.Done():
		return nil, it.ctx.Err()
	}
}

// Close stops any outstanding prefetch
func (it *BatchIterator) Close() {
	it.cancel()
}

// SimpleDataset is an in-memory Dataset
type SimpleDataset struct {
	samples []Sample
}

// NewSimpleDataset creates a new SimpleDataset
func NewSimpleDataset(samples []Sample) *SimpleDataset {
	return &SimpleDataset{samples: samples}
}

// Len returns the number of samples in the dataset
func (ds *SimpleDataset) Len() int {
	return len(ds.samples)
}

// Get returns a sample at the given index
func (ds *SimpleDataset) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= len(ds.samples) {
		return Sample{}, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.samples))
	}
	return ds.samples[idx], nil
}

// Targets returns the integer label of every sample
func (ds *SimpleDataset) Targets() []int {
	out := make([]int, len(ds.samples))
	for i, s := range ds.samples {
		out[i] = int(s.Label)
	}
	return out
}
