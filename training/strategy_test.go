package training

import (
	"errors"
	"math"
	"testing"

	"github.com/tsawler/go-fgp/checkpoints"
	"github.com/tsawler/go-fgp/layers"
	"github.com/tsawler/go-fgp/optimizer"
	"github.com/tsawler/go-fgp/tensor"
)

// spyOptimizer records the global gradient norm seen by every Step
type spyOptimizer struct {
	groups []*optimizer.ParamGroup
	norms  []float64
}

func (s *spyOptimizer) Step() error {
	s.norms = append(s.norms, optimizer.GradNorm(optimizer.AllParams(s.groups)))
	return nil
}

func (s *spyOptimizer) ZeroGrad() {
	for _, g := range s.groups {
		layers.ZeroGrad(g.Params)
	}
}

func (s *spyOptimizer) ParamGroups() []*optimizer.ParamGroup { return s.groups }
func (s *spyOptimizer) GetStepCount() uint64                 { return uint64(len(s.norms)) }
func (s *spyOptimizer) Name() string                         { return "SPY" }
func (s *spyOptimizer) GetState() (*optimizer.OptimizerState, error) {
	return &checkpoints.OptimizerState{Type: "SPY"}, nil
}
func (s *spyOptimizer) LoadState(state *optimizer.OptimizerState) error { return nil }

// loudPass fills every gradient with v so the global norm is far above the clip threshold
func loudPass(groups []*optimizer.ParamGroup, v float32, calls *int) Pass {
	return func() (float64, *tensor.Tensor, error) {
		*calls++
		for _, p := range optimizer.AllParams(groups) {
			for i := range p.Grad {
				p.Grad[i] += v
			}
		}
		return 1, nil, nil
	}
}

func TestStrategiesClipBeforeEveryStep(t *testing.T) {
	f := newFixture(t, 8, 4)

	newSpy := func() *spyOptimizer { return &spyOptimizer{groups: f.groups(0.1)} }

	baseSpy := newSpy()
	baseline, err := NewBaseline(baseSpy, nil, DefaultMaxGradNorm)
	if err != nil {
		t.Fatalf("NewBaseline failed: %v", err)
	}

	samSpy := newSpy()
	sam, err := optimizer.NewSAM(samSpy, 0.05, true)
	if err != nil {
		t.Fatalf("NewSAM failed: %v", err)
	}
	sharp, err := NewSharpnessAware(sam, nil, 1, DefaultMaxGradNorm)
	if err != nil {
		t.Fatalf("NewSharpnessAware failed: %v", err)
	}

	swaSpy := newSpy()
	swa, err := NewStochasticWeightAveraging(swaSpy, f.model, 3, 2, SWAConfig{StartEpoch: 1, PctStart: 0.3, SWALR: 0.01}, DefaultMaxGradNorm)
	if err != nil {
		t.Fatalf("NewStochasticWeightAveraging failed: %v", err)
	}

	tests := []struct {
		name     string
		strategy StepStrategy
		spy      *spyOptimizer
	}{
		{"baseline", baseline, baseSpy},
		{"sam", sharp, samSpy},
		{"swa", swa, swaSpy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			for epoch := 0; epoch < 3; epoch++ {
				tt.strategy.PrepareStep(epoch, 0, 2)
				if _, _, err := tt.strategy.ComputeAndApplyUpdate(epoch, loudPass(tt.spy.groups, 50, &calls)); err != nil {
					t.Fatalf("Epoch %d: update failed: %v", epoch, err)
				}
			}
			if len(tt.spy.norms) != 3 {
				t.Fatalf("Expected 3 optimizer steps, got %d", len(tt.spy.norms))
			}
			for i, n := range tt.spy.norms {
				if n > DefaultMaxGradNorm+1e-4 {
					t.Errorf("Step %d: gradient norm %f exceeds %f at step time", i, n, DefaultMaxGradNorm)
				}
			}
		})
	}
}

func TestSharpnessAwarePassCount(t *testing.T) {
	f := newFixture(t, 8, 4)
	base := f.optimizer(t, "ADAMW", 0.01)
	sam, err := optimizer.NewSAM(base, 0.05, true)
	if err != nil {
		t.Fatalf("NewSAM failed: %v", err)
	}
	s, err := NewSharpnessAware(sam, NewWarmupCosineScheduler(2, 4), 2, DefaultMaxGradNorm)
	if err != nil {
		t.Fatalf("NewSharpnessAware failed: %v", err)
	}
	in := f.firstBatch(t)

	for epoch, want := range []int{1, 1, 2, 2} {
		calls := 0
		s.PrepareStep(epoch, 0, 1)
		loss, logits, err := s.ComputeAndApplyUpdate(epoch, f.pass(in, &calls))
		if err != nil {
			t.Fatalf("Epoch %d: update failed: %v", epoch, err)
		}
		if calls != want {
			t.Errorf("Epoch %d: expected %d forward/backward passes, got %d", epoch, want, calls)
		}
		if logits == nil || math.IsNaN(loss) {
			t.Errorf("Epoch %d: expected first-pass loss and logits, got %v %v", epoch, loss, logits)
		}
	}
	if base.GetStepCount() != 4 {
		t.Errorf("Expected 4 base optimizer steps, got %d", base.GetStepCount())
	}
}

func TestSharpnessAwareSchedule(t *testing.T) {
	f := newFixture(t, 8, 4)
	sam, err := optimizer.NewSAM(f.optimizer(t, "ADAMW", 0.1), 0.05, false)
	if err != nil {
		t.Fatalf("NewSAM failed: %v", err)
	}
	s, err := NewSharpnessAware(sam, NewWarmupCosineScheduler(2, 5), 0, DefaultMaxGradNorm)
	if err != nil {
		t.Fatalf("NewSharpnessAware failed: %v", err)
	}

	// (epoch+1)/warmup during warmup, then cosine from the full rate over the remaining epochs
	want := []float64{0.5, 1.0, 1.0, 0.75, 0.25}
	for epoch, factor := range want {
		s.PrepareStep(epoch, 0, 4)
		if got := currentLR(sam); math.Abs(got-0.1*factor) > 1e-12 {
			t.Errorf("Epoch %d: expected LR %f, got %f", epoch, 0.1*factor, got)
		}
	}
	s.PrepareStep(4, 3, 4)
	if currentLR(sam) == 0 {
		t.Error("Expected a non-zero rate in the last epoch")
	}
}

func TestSharpnessAwareSecondPassFailureRestoresWeights(t *testing.T) {
	f := newFixture(t, 8, 4)
	spy := &spyOptimizer{groups: f.groups(0.1)}
	sam, err := optimizer.NewSAM(spy, 0.5, false)
	if err != nil {
		t.Fatalf("NewSAM failed: %v", err)
	}
	s, err := NewSharpnessAware(sam, nil, 0, DefaultMaxGradNorm)
	if err != nil {
		t.Fatalf("NewSharpnessAware failed: %v", err)
	}

	before := f.model.StateDict()
	calls := 0
	boom := errors.New("second pass failed")
	pass := func() (float64, *tensor.Tensor, error) {
		calls++
		if calls == 2 {
			return 0, nil, boom
		}
		return loudPass(spy.groups, 1, new(int))()
	}

	if _, _, err := s.ComputeAndApplyUpdate(0, pass); !errors.Is(err, boom) {
		t.Fatalf("Expected the second pass error, got %v", err)
	}
	if len(spy.norms) != 0 {
		t.Errorf("Expected no optimizer step, got %d", len(spy.norms))
	}
	if !weightsEqual(before, f.model.StateDict()) {
		t.Error("Expected weights restored after the failed second pass")
	}

	// the adapter must accept a fresh step afterwards
	calls = 10
	if _, _, err := s.ComputeAndApplyUpdate(0, pass); err != nil {
		t.Errorf("Expected a clean update after abort, got %v", err)
	}
}

func TestBaselineFractionalSchedule(t *testing.T) {
	f := newFixture(t, 8, 4)
	opt := f.optimizer(t, "SGD", 0.2)
	schedule := NewWarmupCosineScheduler(1, 3)
	b, err := NewBaseline(opt, schedule, DefaultMaxGradNorm)
	if err != nil {
		t.Fatalf("NewBaseline failed: %v", err)
	}

	tests := []struct {
		epoch, step, spe int
	}{
		{0, 0, 4},
		{0, 2, 4},
		{1, 1, 4},
		{2, 3, 4},
	}
	for _, tt := range tests {
		b.PrepareStep(tt.epoch, tt.step, tt.spe)
		want := 0.2 * schedule.Factor(float64(tt.epoch)+float64(tt.step)/float64(tt.spe))
		for _, g := range opt.ParamGroups() {
			if math.Abs(g.LR-want) > 1e-12 {
				t.Errorf("Epoch %d step %d: expected LR %f in group %s, got %f", tt.epoch, tt.step, want, g.Name, g.LR)
			}
		}
	}
}

func TestStochasticWeightAveragingPhases(t *testing.T) {
	f := newFixture(t, 8, 4)
	opt := f.optimizer(t, "SGD", 0.1)
	const epochs, spe, start = 5, 2, 2
	s, err := NewStochasticWeightAveraging(opt, f.model, epochs, spe, SWAConfig{StartEpoch: start, PctStart: 0.1, SWALR: 0.02}, DefaultMaxGradNorm)
	if err != nil {
		t.Fatalf("NewStochasticWeightAveraging failed: %v", err)
	}
	oneCycle := NewOneCycleScheduler(epochs*spe, 0.1)
	in := f.firstBatch(t)

	for epoch := 0; epoch < epochs; epoch++ {
		for step := 0; step < spe; step++ {
			s.PrepareStep(epoch, step, spe)
			want := 0.02
			if epoch < start {
				want = oneCycle.LR(epoch*spe+step, 0.1)
			}
			if got := currentLR(opt); math.Abs(got-want) > 1e-12 {
				t.Errorf("Epoch %d step %d: expected LR %f, got %f", epoch, step, want, got)
			}
			calls := 0
			if _, _, err := s.ComputeAndApplyUpdate(epoch, f.pass(in, &calls)); err != nil {
				t.Fatalf("Epoch %d: update failed: %v", epoch, err)
			}
		}
		if err := s.EndEpoch(epoch, f.model); err != nil {
			t.Fatalf("EndEpoch failed: %v", err)
		}

		wantAveraged := 0
		if epoch >= start {
			wantAveraged = epoch - start + 1
		}
		if got := s.Averaged().NumAveraged(); got != wantAveraged {
			t.Errorf("Epoch %d: expected %d averaged samples, got %d", epoch, wantAveraged, got)
		}

		evalModel := s.EvalModel(epoch, f.model)
		if epoch < start && evalModel != f.model {
			t.Errorf("Epoch %d: expected the live model before averaging", epoch)
		}
		if epoch >= start && evalModel != s.Averaged().Model() {
			t.Errorf("Epoch %d: expected the averaged model during averaging", epoch)
		}
	}
}

func TestNewStochasticWeightAveragingValidation(t *testing.T) {
	f := newFixture(t, 8, 4)
	opt := f.optimizer(t, "SGD", 0.1)
	tests := []struct {
		name string
		cfg  SWAConfig
	}{
		{"zero pct", SWAConfig{PctStart: 0}},
		{"full pct", SWAConfig{PctStart: 1}},
		{"negative start", SWAConfig{StartEpoch: -1, PctStart: 0.1}},
		{"negative swa lr", SWAConfig{PctStart: 0.1, SWALR: -1}},
	}
	for _, tt := range tests {
		if _, err := NewStochasticWeightAveraging(opt, f.model, 4, 2, tt.cfg, DefaultMaxGradNorm); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}
