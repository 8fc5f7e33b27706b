package training

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"

	"github.com/tsawler/go-fgp/checkpoints"
	"github.com/tsawler/go-fgp/tensor"
)

func weightsEqual(a, b []checkpoints.WeightTensor) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || len(a[i].Data) != len(b[i].Data) {
			return false
		}
		for j := range a[i].Data {
			if a[i].Data[j] != b[i].Data[j] {
				return false
			}
		}
	}
	return true
}

// panicEstimator panics on the first update
type panicEstimator struct{}

func (panicEstimator) Reset() {}
func (panicEstimator) Update(predicted, target *tensor.Tensor) error {
	panic("estimator failure")
}
func (panicEstimator) GetScores(digits int) map[string]float64 { return nil }

func TestEvaluateLeavesTrainingStateUntouched(t *testing.T) {
	f := newFixture(t, 16, 10)
	opt := f.optimizer(t, "ADAMW", 0.01)

	calls := 0
	opt.ZeroGrad()
	if _, _, err := f.pass(f.firstBatch(t), &calls)(); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if err := opt.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	state, err := opt.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	before, err := checkpoints.MarshalOptimizerState(state)
	if err != nil {
		t.Fatalf("MarshalOptimizerState failed: %v", err)
	}
	weights := f.model.StateDict()

	res, err := Evaluate(context.Background(), f.model, f.val, f.resolver, f.criterion, f.estimator, 4, nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Batches != 3 {
		t.Errorf("Expected 3 validation batches, got %d", res.Batches)
	}
	if math.IsNaN(res.Loss) || res.Loss <= 0 {
		t.Errorf("Expected a positive mean loss, got %v", res.Loss)
	}
	if _, ok := res.Scores[ScoreAccuracy]; !ok {
		t.Errorf("Expected acc score, got %v", res.Scores)
	}

	state, err = opt.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	after, err := checkpoints.MarshalOptimizerState(state)
	if err != nil {
		t.Fatalf("MarshalOptimizerState failed: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Error("Optimizer state changed during evaluation")
	}
	if !weightsEqual(weights, f.model.StateDict()) {
		t.Error("Model weights or batch norm statistics changed during evaluation")
	}
	if !f.model.IsTraining() {
		t.Error("Expected model back in train mode after evaluation")
	}
	if !tensor.IsGradEnabled() {
		t.Error("Expected gradient tracking restored after evaluation")
	}
}

func TestEvaluateRestoresStateOnPanic(t *testing.T) {
	f := newFixture(t, 8, 8)
	func() {
		defer func() {
			if recover() == nil {
				t.Error("Expected the estimator panic to propagate")
			}
		}()
		Evaluate(context.Background(), f.model, f.val, f.resolver, f.criterion, panicEstimator{}, 4, nil)
	}()

	if !f.model.IsTraining() {
		t.Error("Expected model back in train mode after a panic")
	}
	if !tensor.IsGradEnabled() {
		t.Error("Expected gradient tracking restored after a panic")
	}
}

func TestEvaluateRejectsBatchLayout(t *testing.T) {
	f := newFixture(t, 8, 8)
	f.resolver.Preloaded = true

	_, err := Evaluate(context.Background(), f.model, f.val, f.resolver, f.criterion, f.estimator, 4, nil)
	if !errors.Is(err, ErrBatchLayout) {
		t.Errorf("Expected ErrBatchLayout, got %v", err)
	}
	if !f.model.IsTraining() || !tensor.IsGradEnabled() {
		t.Error("Expected state restored after a failed evaluation")
	}
}

func TestBatchResolverPreloaded(t *testing.T) {
	key := make([]float32, 2*2*3*4)
	for i := range key {
		key[i] = float32(i)
	}
	samples := make([]Sample, 2)
	for i := range samples {
		samples[i] = Sample{
			Side:  tensor.MustFromFloat32([]int{3}, []float32{1, 2, 3}),
			Key:   tensor.MustFromFloat32([]int{2, 3, 4}, key[i*24:(i+1)*24]),
			Value: tensor.MustFromFloat32([]int{2, 3, 4}, key[i*24:(i+1)*24]),
			Label: float32(i),
		}
	}
	dl, err := NewDataLoader(NewSimpleDataset(samples), DataLoaderConfig{BatchSize: 2})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	b, err := dl.loadBatch(dl.plan()[0])
	if err != nil {
		t.Fatalf("loadBatch failed: %v", err)
	}

	r := &BatchResolver{Preloaded: true, Device: tensor.CPU, TargetType: tensor.Int32}
	in, err := r.Resolve(b)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !tensor.ShapesEqual(in.Key.Shape, []int{2, 2, 3, 4}) {
		t.Errorf("Expected key shape [layers batch seq dim] = [2 2 3 4], got %v", in.Key.Shape)
	}
	// layer 1 of sample 0 starts at offset 12 of its own states
	if got := in.Key.Float32Data()[1*2*12]; got != 12 {
		t.Errorf("Expected transposed key[1][0][0][0] = 12, got %v", got)
	}
	if in.Labels.DType != tensor.Int32 {
		t.Errorf("Expected Int32 labels, got %s", in.Labels.DType)
	}

	r.Preloaded = false
	if _, err := r.Resolve(b); !errors.Is(err, ErrBatchLayout) {
		t.Errorf("Expected ErrBatchLayout for a preloaded batch in a raw run, got %v", err)
	}
}
