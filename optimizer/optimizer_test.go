package optimizer

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/tsawler/go-fgp/checkpoints"
	"github.com/tsawler/go-fgp/layers"
)

func approxEqual(a, b float32, tol float64) bool {
	return math.Abs(float64(a)-float64(b)) <= tol
}

func singleGroup(lr float64, data ...[]float32) ([]*ParamGroup, []*layers.Parameter) {
	var params []*layers.Parameter
	for i, d := range data {
		params = append(params, layers.NewParameter(string(rune('a'+i)), []int{len(d)}, d))
	}
	return []*ParamGroup{NewParamGroup("all", params, lr)}, params
}

// TestDefaultConfigs checks torch-compatible defaults
func TestDefaultConfigs(t *testing.T) {
	adam := DefaultAdamConfig()
	if adam.Beta1 != 0.9 || adam.Beta2 != 0.999 || adam.Epsilon != 1e-8 || adam.WeightDecay != 0 {
		t.Errorf("Unexpected Adam defaults: %+v", adam)
	}
	if DefaultAdamWConfig().WeightDecay != 0.01 {
		t.Errorf("Expected AdamW weight decay 0.01, got %f", DefaultAdamWConfig().WeightDecay)
	}
	sgd := DefaultSGDConfig()
	if sgd.Momentum != 0 || sgd.Nesterov {
		t.Errorf("Unexpected SGD defaults: %+v", sgd)
	}
}

// TestSGDMomentum checks two momentum steps against hand-computed values
func TestSGDMomentum(t *testing.T) {
	groups, params := singleGroup(0.1, []float32{1, 2})
	opt, err := NewSGD(groups, SGDConfig{Momentum: 0.9})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}

	expected := [][]float32{{0.95, 2.1}, {0.855, 2.29}}
	for step, want := range expected {
		copy(params[0].Grad, []float32{0.5, -1})
		if err := opt.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		for i := range want {
			if !approxEqual(params[0].Data[i], want[i], 1e-6) {
				t.Errorf("Step %d, index %d: expected %f, got %f", step, i, want[i], params[0].Data[i])
			}
		}
	}
	if opt.GetStepCount() != 2 {
		t.Errorf("Expected step count 2, got %d", opt.GetStepCount())
	}
}

// TestSGDInvalidConfig checks configuration validation
func TestSGDInvalidConfig(t *testing.T) {
	groups, _ := singleGroup(0.1, []float32{1})
	tests := []struct {
		name   string
		config SGDConfig
	}{
		{"negative_momentum", SGDConfig{Momentum: -0.1}},
		{"negative_weight_decay", SGDConfig{WeightDecay: -1}},
		{"nesterov_without_momentum", SGDConfig{Nesterov: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSGD(groups, tt.config); err == nil {
				t.Error("Expected configuration error")
			}
		})
	}

	if _, err := NewSGD(nil, DefaultSGDConfig()); err == nil {
		t.Error("Expected error for no parameter groups")
	}
}

// TestAdamFirstStep checks that the first bias-corrected step moves by about lr
func TestAdamFirstStep(t *testing.T) {
	tests := []struct {
		name     string
		build    func([]*ParamGroup, AdamConfig) (*Adam, error)
		decay    float64
		expected float32
	}{
		{"adam", NewAdam, 0, 0.9},
		{"adam_l2", NewAdam, 0.1, 0.9},
		{"adamw_decoupled", NewAdamW, 0.1, 0.89},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groups, params := singleGroup(0.1, []float32{1})
			cfg := DefaultAdamConfig()
			cfg.WeightDecay = tt.decay
			opt, err := tt.build(groups, cfg)
			if err != nil {
				t.Fatalf("Failed to create optimizer: %v", err)
			}
			params[0].Grad[0] = 0.5
			if err := opt.Step(); err != nil {
				t.Fatalf("Step failed: %v", err)
			}
			if !approxEqual(params[0].Data[0], tt.expected, 1e-5) {
				t.Errorf("Expected %f, got %f", tt.expected, params[0].Data[0])
			}
		})
	}
}

// TestAdamInvalidConfig checks hyperparameter bounds
func TestAdamInvalidConfig(t *testing.T) {
	groups, _ := singleGroup(0.1, []float32{1})
	bad := []AdamConfig{
		{Beta1: 1, Beta2: 0.999, Epsilon: 1e-8},
		{Beta1: 0.9, Beta2: -0.1, Epsilon: 1e-8},
		{Beta1: 0.9, Beta2: 0.999, Epsilon: 0},
		{Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8, WeightDecay: -1},
	}
	for i, cfg := range bad {
		if _, err := NewAdam(groups, cfg); err == nil {
			t.Errorf("Config %d: expected error for %+v", i, cfg)
		}
	}
}

// TestParamGroupsUseOwnLearningRate checks differential learning rates
func TestParamGroupsUseOwnLearningRate(t *testing.T) {
	backbone := layers.NewParameter("backbone.weight", []int{1}, []float32{1})
	head := layers.NewParameter("head.weight", []int{1}, []float32{1})
	groups := []*ParamGroup{
		NewParamGroup("backbone", []*layers.Parameter{backbone}, 0.01),
		NewParamGroup("head", []*layers.Parameter{head}, 0.1),
	}
	opt, err := NewSGD(groups, DefaultSGDConfig())
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}
	backbone.Grad[0], head.Grad[0] = 1, 1
	if err := opt.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if !approxEqual(backbone.Data[0], 0.99, 1e-7) {
		t.Errorf("Expected backbone 0.99, got %f", backbone.Data[0])
	}
	if !approxEqual(head.Data[0], 0.9, 1e-7) {
		t.Errorf("Expected head 0.9, got %f", head.Data[0])
	}
}

// TestDuplicateParameterRejected checks that a parameter cannot sit in two groups
func TestDuplicateParameterRejected(t *testing.T) {
	p := layers.NewParameter("w", []int{1}, []float32{1})
	groups := []*ParamGroup{
		NewParamGroup("a", []*layers.Parameter{p}, 0.1),
		NewParamGroup("b", []*layers.Parameter{p}, 0.1),
	}
	if _, err := NewAdamW(groups, DefaultAdamWConfig()); err == nil {
		t.Error("Expected error for parameter in two groups")
	}
}

// TestNewByName checks the optimizer factory
func TestNewByName(t *testing.T) {
	tests := []struct {
		kind     string
		expected string
	}{
		{"SGD", "SGD"},
		{"adam", "ADAM"},
		{"AdamW", "ADAMW"},
	}
	for _, tt := range tests {
		groups, _ := singleGroup(0.1, []float32{1})
		opt, err := New(tt.kind, groups, DefaultConfig())
		if err != nil {
			t.Fatalf("New(%s) failed: %v", tt.kind, err)
		}
		if opt.Name() != tt.expected {
			t.Errorf("New(%s): expected %s, got %s", tt.kind, tt.expected, opt.Name())
		}
	}

	groups, _ := singleGroup(0.1, []float32{1})
	_, err := New("RMSPROP", groups, DefaultConfig())
	if !errors.Is(err, ErrUnsupportedOptimizer) {
		t.Errorf("Expected ErrUnsupportedOptimizer, got %v", err)
	}
	if Supported("lbfgs") || !Supported("sgd") {
		t.Error("Unexpected Supported result")
	}
}

// TestStateRoundTripResumesIdentically checks that a restored optimizer continues exactly
func TestStateRoundTripResumesIdentically(t *testing.T) {
	for _, kind := range []string{KindSGD, KindAdam, KindAdamW} {
		t.Run(kind, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Momentum = 0.9
			cfg.WeightDecay = 0.01

			groupsA, paramsA := singleGroup(0.05, []float32{1, -2, 3})
			a, err := New(kind, groupsA, cfg)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			for i := 0; i < 3; i++ {
				copy(paramsA[0].Grad, []float32{0.1 * float32(i+1), -0.3, 0.2})
				if err := a.Step(); err != nil {
					t.Fatalf("Step failed: %v", err)
				}
			}
			groupsA[0].LR = 0.02

			state, err := a.GetState()
			if err != nil {
				t.Fatalf("GetState failed: %v", err)
			}
			encoded, err := checkpoints.MarshalOptimizerState(state)
			if err != nil {
				t.Fatalf("MarshalOptimizerState failed: %v", err)
			}
			decoded, err := checkpoints.UnmarshalOptimizerState(encoded)
			if err != nil {
				t.Fatalf("UnmarshalOptimizerState failed: %v", err)
			}

			groupsB, paramsB := singleGroup(0.05, append([]float32(nil), paramsA[0].Data...))
			b, err := New(kind, groupsB, cfg)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if err := b.LoadState(decoded); err != nil {
				t.Fatalf("LoadState failed: %v", err)
			}
			if groupsB[0].LR != 0.02 {
				t.Errorf("Expected restored LR 0.02, got %f", groupsB[0].LR)
			}
			if b.GetStepCount() != a.GetStepCount() {
				t.Errorf("Expected step count %d, got %d", a.GetStepCount(), b.GetStepCount())
			}

			copy(paramsA[0].Grad, []float32{0.5, 0.5, -0.5})
			copy(paramsB[0].Grad, []float32{0.5, 0.5, -0.5})
			if err := a.Step(); err != nil {
				t.Fatalf("Step failed: %v", err)
			}
			if err := b.Step(); err != nil {
				t.Fatalf("Step failed: %v", err)
			}
			for i := range paramsA[0].Data {
				if paramsA[0].Data[i] != paramsB[0].Data[i] {
					t.Errorf("Index %d: expected %f, got %f", i, paramsA[0].Data[i], paramsB[0].Data[i])
				}
			}
		})
	}
}

// TestGetStateDeterministic checks that equal states encode to equal bytes
func TestGetStateDeterministic(t *testing.T) {
	groups, params := singleGroup(0.1, []float32{1, 2})
	opt, err := NewAdamW(groups, DefaultAdamWConfig())
	if err != nil {
		t.Fatalf("NewAdamW failed: %v", err)
	}
	params[0].Grad[0] = 1
	if err := opt.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	encode := func() []byte {
		state, err := opt.GetState()
		if err != nil {
			t.Fatalf("GetState failed: %v", err)
		}
		b, err := checkpoints.MarshalOptimizerState(state)
		if err != nil {
			t.Fatalf("MarshalOptimizerState failed: %v", err)
		}
		return b
	}
	if !bytes.Equal(encode(), encode()) {
		t.Error("Expected identical encodings for unchanged optimizer state")
	}
}

// TestLoadStateRejectsMismatch checks that a bad state leaves the optimizer untouched
func TestLoadStateRejectsMismatch(t *testing.T) {
	groups, _ := singleGroup(0.1, []float32{1, 2})
	opt, err := NewAdam(groups, DefaultAdamConfig())
	if err != nil {
		t.Fatalf("NewAdam failed: %v", err)
	}
	state, _ := opt.GetState()

	wrongType := *state
	wrongType.Type = "SGD"
	if err := opt.LoadState(&wrongType); err == nil {
		t.Error("Expected error for state type mismatch")
	}

	wrongSize := *state
	wrongSize.StateData = append([]checkpoints.OptimizerTensor(nil), state.StateData...)
	wrongSize.StateData[0].Data = []float32{1, 2, 3}
	wrongSize.Groups = []checkpoints.GroupState{{Name: "all", LR: 5}}
	if err := opt.LoadState(&wrongSize); err == nil {
		t.Error("Expected error for buffer size mismatch")
	}
	if groups[0].LR != 0.1 {
		t.Errorf("Expected LR untouched after failed load, got %f", groups[0].LR)
	}
}

// TestExtractBufferIndex tests the extractBufferIndex helper function
func TestExtractBufferIndex(t *testing.T) {
	tests := []struct {
		name     string
		expected int
	}{
		{"momentum_0", 0},
		{"m_12", 12},
		{"v_3", 3},
		{"no_index_here", -1},
		{"plain", -1},
	}
	for _, tt := range tests {
		if got := extractBufferIndex(tt.name); got != tt.expected {
			t.Errorf("extractBufferIndex(%s): expected %d, got %d", tt.name, tt.expected, got)
		}
	}
}

// TestExtractParams tests the state map helpers
func TestExtractParams(t *testing.T) {
	params := map[string]interface{}{"lr": 0.01, "nesterov": true, "bad": "x"}
	if got := extractFloat64Param(params, "lr", 1); got != 0.01 {
		t.Errorf("Expected 0.01, got %f", got)
	}
	if got := extractFloat64Param(params, "bad", 1); got != 1 {
		t.Errorf("Expected default 1, got %f", got)
	}
	if !extractBoolParam(params, "nesterov", false) {
		t.Error("Expected nesterov true")
	}
	if extractBoolParam(params, "missing", false) {
		t.Error("Expected default false")
	}
}
