package optimizer

import (
	"fmt"

	"github.com/tsawler/go-fgp/checkpoints"
	"gonum.org/v1/gonum/blas/blas32"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	Momentum    float64
	WeightDecay float64 // L2 penalty added to the gradient
	Nesterov    bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		Momentum:    0.0,
		WeightDecay: 0.0,
		Nesterov:    false,
	}
}

// SGD implements stochastic gradient descent with optional momentum and Nesterov acceleration
type SGD struct {
	config SGDConfig
	groups []*ParamGroup

	// momentum buffers, indexed like AllParams; nil until the first step
	momentumBuffers [][]float32
	scratch         []float32

	stepCount uint64
}

// NewSGD creates a new SGD optimizer
func NewSGD(groups []*ParamGroup, config SGDConfig) (*SGD, error) {
	if err := validateGroups(groups); err != nil {
		return nil, err
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum <= 0 {
		return nil, fmt.Errorf("nesterov momentum requires a positive momentum")
	}

	return &SGD{
		config:          config,
		groups:          groups,
		momentumBuffers: make([][]float32, len(AllParams(groups))),
	}, nil
}

// Step performs a single optimization step
func (s *SGD) Step() error {
	idx := 0
	for _, g := range s.groups {
		lr := float32(g.LR)
		for _, p := range g.Params {
			i := idx
			idx++
			if !p.RequiresGrad {
				continue
			}

			d := s.direction(p.Data, p.Grad)
			if s.config.Momentum != 0 {
				buf := s.momentumBuffers[i]
				if buf == nil {
					buf = append([]float32(nil), d...)
					s.momentumBuffers[i] = buf
				} else {
					blas32.Scal(float32(s.config.Momentum), vec(buf))
					blas32.Axpy(1, vec(d), vec(buf))
				}
				if s.config.Nesterov {
					blas32.Axpy(float32(s.config.Momentum), vec(buf), vec(d))
				} else {
					d = buf
				}
			}
			blas32.Axpy(-lr, vec(d), vec(p.Data))
		}
	}
	s.stepCount++
	return nil
}

// direction returns grad + wd*param in a scratch buffer
func (s *SGD) direction(data, grad []float32) []float32 {
	if cap(s.scratch) < len(grad) {
		s.scratch = make([]float32, len(grad))
	}
	d := s.scratch[:len(grad)]
	copy(d, grad)
	if s.config.WeightDecay != 0 {
		blas32.Axpy(float32(s.config.WeightDecay), vec(data), vec(d))
	}
	return d
}

func (s *SGD) ZeroGrad() {
	zeroGrad(s.groups)
}

func (s *SGD) ParamGroups() []*ParamGroup {
	return s.groups
}

func (s *SGD) GetStepCount() uint64 {
	return s.stepCount
}

func (s *SGD) Name() string {
	return "SGD"
}

// GetState extracts optimizer state for checkpointing
func (s *SGD) GetState() (*OptimizerState, error) {
	params := AllParams(s.groups)
	var stateData []checkpoints.OptimizerTensor
	for i, buf := range s.momentumBuffers {
		if buf == nil {
			continue
		}
		stateData = append(stateData, extractBufferState(buf, params[i].Shape, fmt.Sprintf("momentum_%d", i), "momentum"))
	}

	return &OptimizerState{
		Type: s.Name(),
		Parameters: map[string]interface{}{
			"momentum":     s.config.Momentum,
			"weight_decay": s.config.WeightDecay,
			"nesterov":     s.config.Nesterov,
		},
		StateData: stateData,
		Groups:    groupStates(s.groups),
		StepCount: int64(s.stepCount),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (s *SGD) LoadState(state *OptimizerState) error {
	if err := validateStateType(s.Name(), state); err != nil {
		return err
	}
	if err := checkGroupStates(s.groups, state.Groups); err != nil {
		return err
	}
	params := AllParams(s.groups)
	momentum, err := indexStateTensors(state, params, "momentum")
	if err != nil {
		return err
	}

	s.config.Momentum = extractFloat64Param(state.Parameters, "momentum", s.config.Momentum)
	s.config.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", s.config.WeightDecay)
	s.config.Nesterov = extractBoolParam(state.Parameters, "nesterov", s.config.Nesterov)
	applyGroupStates(s.groups, state.Groups)

	s.momentumBuffers = make([][]float32, len(params))
	for i, data := range momentum {
		s.momentumBuffers[i] = append([]float32(nil), data...)
	}
	s.stepCount = uint64(state.StepCount)
	return nil
}
