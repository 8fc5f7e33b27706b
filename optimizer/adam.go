package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-fgp/checkpoints"
	"gonum.org/v1/gonum/blas/blas32"
)

// AdamConfig holds configuration for the Adam family
type AdamConfig struct {
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		Beta1:       0.9,
		Beta2:       0.999,
		Epsilon:     1e-8,
		WeightDecay: 0.0,
	}
}

// Adam implements Adam. With decoupled weight decay it is AdamW.
type Adam struct {
	config    AdamConfig
	decoupled bool
	groups    []*ParamGroup

	// first and second moment buffers, indexed like AllParams
	m [][]float32
	v [][]float32

	scratch   []float32
	stepCount uint64
}

// NewAdam creates an Adam optimizer. Weight decay is an L2 term added to the gradient.
func NewAdam(groups []*ParamGroup, config AdamConfig) (*Adam, error) {
	return newAdam(groups, config, false)
}

func newAdam(groups []*ParamGroup, config AdamConfig, decoupled bool) (*Adam, error) {
	if err := validateGroups(groups); err != nil {
		return nil, err
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1), got %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1), got %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	params := AllParams(groups)
	a := &Adam{
		config:    config,
		decoupled: decoupled,
		groups:    groups,
		m:         make([][]float32, len(params)),
		v:         make([][]float32, len(params)),
	}
	for i, p := range params {
		a.m[i] = make([]float32, len(p.Data))
		a.v[i] = make([]float32, len(p.Data))
	}
	return a, nil
}

// Step performs a single optimization step
func (a *Adam) Step() error {
	a.stepCount++
	t := float64(a.stepCount)
	b1, b2 := a.config.Beta1, a.config.Beta2
	bc1 := 1 - math.Pow(b1, t)
	bc2Sqrt := math.Sqrt(1 - math.Pow(b2, t))

	idx := 0
	for _, g := range a.groups {
		for _, p := range g.Params {
			i := idx
			idx++
			if !p.RequiresGrad {
				continue
			}

			grad := p.Grad
			if a.config.WeightDecay != 0 {
				if a.decoupled {
					blas32.Scal(float32(1-g.LR*a.config.WeightDecay), vec(p.Data))
				} else {
					if cap(a.scratch) < len(grad) {
						a.scratch = make([]float32, len(grad))
					}
					d := a.scratch[:len(grad)]
					copy(d, grad)
					blas32.Axpy(float32(a.config.WeightDecay), vec(p.Data), vec(d))
					grad = d
				}
			}

			m, v := a.m[i], a.v[i]
			blas32.Scal(float32(b1), vec(m))
			blas32.Axpy(float32(1-b1), vec(grad), vec(m))

			stepSize := g.LR / bc1
			for j, gj := range grad {
				vj := b2*float64(v[j]) + (1-b2)*float64(gj)*float64(gj)
				v[j] = float32(vj)
				denom := math.Sqrt(vj)/bc2Sqrt + a.config.Epsilon
				p.Data[j] -= float32(stepSize * float64(m[j]) / denom)
			}
		}
	}
	return nil
}

func (a *Adam) ZeroGrad() {
	zeroGrad(a.groups)
}

func (a *Adam) ParamGroups() []*ParamGroup {
	return a.groups
}

func (a *Adam) GetStepCount() uint64 {
	return a.stepCount
}

func (a *Adam) Name() string {
	if a.decoupled {
		return "ADAMW"
	}
	return "ADAM"
}

// GetState extracts optimizer state for checkpointing
func (a *Adam) GetState() (*OptimizerState, error) {
	params := AllParams(a.groups)
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(params))
	for i, p := range params {
		stateData = append(stateData,
			extractBufferState(a.m[i], p.Shape, fmt.Sprintf("m_%d", i), "m"),
			extractBufferState(a.v[i], p.Shape, fmt.Sprintf("v_%d", i), "v"),
		)
	}

	return &OptimizerState{
		Type: a.Name(),
		Parameters: map[string]interface{}{
			"beta1":        a.config.Beta1,
			"beta2":        a.config.Beta2,
			"epsilon":      a.config.Epsilon,
			"weight_decay": a.config.WeightDecay,
		},
		StateData: stateData,
		Groups:    groupStates(a.groups),
		StepCount: int64(a.stepCount),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (a *Adam) LoadState(state *OptimizerState) error {
	if err := validateStateType(a.Name(), state); err != nil {
		return err
	}
	if err := checkGroupStates(a.groups, state.Groups); err != nil {
		return err
	}
	params := AllParams(a.groups)
	m, err := indexStateTensors(state, params, "m")
	if err != nil {
		return err
	}
	v, err := indexStateTensors(state, params, "v")
	if err != nil {
		return err
	}
	if len(m) != len(params) || len(v) != len(params) {
		return fmt.Errorf("incomplete %s state: %d m and %d v buffers for %d parameters", a.Name(), len(m), len(v), len(params))
	}

	a.config.Beta1 = extractFloat64Param(state.Parameters, "beta1", a.config.Beta1)
	a.config.Beta2 = extractFloat64Param(state.Parameters, "beta2", a.config.Beta2)
	a.config.Epsilon = extractFloat64Param(state.Parameters, "epsilon", a.config.Epsilon)
	a.config.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", a.config.WeightDecay)
	applyGroupStates(a.groups, state.Groups)

	for i := range params {
		copy(a.m[i], m[i])
		copy(a.v[i], v[i])
	}
	a.stepCount = uint64(state.StepCount)
	return nil
}
