package optimizer

import (
	"fmt"
	"math"
	"strings"

	"github.com/tsawler/go-fgp/layers"
)

// SAM wraps a base optimizer with the two-step sharpness-aware update:
//
//	pert, _ := sam.FirstStep()   // climb to the nearby worst-case point
//	... zero grads, forward and backward again at the perturbed point ...
//	sam.SecondStep(pert)         // restore parameters, then base update with the second gradient
type SAM struct {
	base     Optimizer
	rho      float64
	adaptive bool

	live *Perturbation
}

// Perturbation is the per-step snapshot taken by FirstStep. It is consumed exactly once by SecondStep.
type Perturbation struct {
	owner    *SAM
	params   []*layers.Parameter
	old      [][]float32
	gradNorm float64
	consumed bool
}

// GradNorm returns the gradient norm that scaled this perturbation
func (p *Perturbation) GradNorm() float64 {
	return p.gradNorm
}

// NewSAM wraps base. rho is the neighbourhood radius. With adaptive set the
// perturbation is scaled elementwise by the parameter magnitude.
func NewSAM(base Optimizer, rho float64, adaptive bool) (*SAM, error) {
	if base == nil {
		return nil, fmt.Errorf("SAM requires a base optimizer")
	}
	if rho < 0 {
		return nil, fmt.Errorf("invalid rho, should be non-negative: %f", rho)
	}
	return &SAM{base: base, rho: rho, adaptive: adaptive}, nil
}

// Base returns the wrapped optimizer
func (s *SAM) Base() Optimizer {
	return s.base
}

// FirstStep perturbs every trainable parameter by e_w = rho * s(p) * grad / (||s(p)*grad|| + 1e-12),
// where s(p) is |p| in the norm and p² in e_w when adaptive, and 1 otherwise.
func (s *SAM) FirstStep() (*Perturbation, error) {
	if s.live != nil {
		return nil, ErrPerturbationPending
	}

	params := trainable(AllParams(s.base.ParamGroups()))
	gradNorm := s.gradNorm(params)
	scale := s.rho / (gradNorm + 1e-12)

	pert := &Perturbation{
		owner:    s,
		params:   params,
		old:      make([][]float32, len(params)),
		gradNorm: gradNorm,
	}
	for i, p := range params {
		pert.old[i] = append([]float32(nil), p.Data...)
		for j, g := range p.Grad {
			w := float64(p.Data[j])
			e := float64(g) * scale
			if s.adaptive {
				e *= w * w
			}
			p.Data[j] = float32(w + e)
		}
	}
	s.live = pert
	return pert, nil
}

// SecondStep restores the parameters saved by FirstStep and applies the base
// optimizer with the gradients accumulated at the perturbed point.
func (s *SAM) SecondStep(pert *Perturbation) error {
	if pert == nil || pert.consumed || pert.owner != s || s.live != pert {
		return ErrNoFirstStep
	}
	for i, p := range pert.params {
		copy(p.Data, pert.old[i])
	}
	pert.consumed = true
	pert.old = nil
	s.live = nil
	return s.base.Step()
}

// Abort restores the parameters saved by FirstStep without updating them.
// It is used when the second pass fails, so the perturbation never outlives its step.
func (s *SAM) Abort(pert *Perturbation) error {
	if pert == nil || pert.consumed || pert.owner != s || s.live != pert {
		return ErrNoFirstStep
	}
	for i, p := range pert.params {
		copy(p.Data, pert.old[i])
	}
	pert.consumed = true
	pert.old = nil
	s.live = nil
	return nil
}

// BaseStep applies the wrapped optimizer directly, for epochs before sharpness-aware updates begin
func (s *SAM) BaseStep() error {
	if s.live != nil {
		return ErrPerturbationPending
	}
	return s.base.Step()
}

// Step always fails: the update needs a second forward/backward pass between FirstStep and SecondStep
func (s *SAM) Step() error {
	return ErrClosureStepUnsupported
}

func (s *SAM) gradNorm(params []*layers.Parameter) float64 {
	var sumSq float64
	for _, p := range params {
		for j, g := range p.Grad {
			v := float64(g)
			if s.adaptive {
				v *= math.Abs(float64(p.Data[j]))
			}
			sumSq += v * v
		}
	}
	return math.Sqrt(sumSq)
}

func (s *SAM) ZeroGrad() {
	s.base.ZeroGrad()
}

func (s *SAM) ParamGroups() []*ParamGroup {
	return s.base.ParamGroups()
}

func (s *SAM) GetStepCount() uint64 {
	return s.base.GetStepCount()
}

func (s *SAM) Name() string {
	return "SAM/" + s.base.Name()
}

// GetState returns the base optimizer state tagged with the SAM settings
func (s *SAM) GetState() (*OptimizerState, error) {
	state, err := s.base.GetState()
	if err != nil {
		return nil, err
	}
	state.Type = s.Name()
	state.Parameters["rho"] = s.rho
	state.Parameters["adaptive"] = s.adaptive
	return state, nil
}

// LoadState restores the base optimizer and the SAM settings
func (s *SAM) LoadState(state *OptimizerState) error {
	if err := validateStateType(s.Name(), state); err != nil {
		return err
	}
	baseState := *state
	baseState.Type = strings.TrimPrefix(state.Type, "SAM/")
	baseState.Parameters = make(map[string]interface{}, len(state.Parameters))
	for k, v := range state.Parameters {
		if k == "rho" || k == "adaptive" {
			continue
		}
		baseState.Parameters[k] = v
	}
	if err := s.base.LoadState(&baseState); err != nil {
		return err
	}
	s.rho = extractFloat64Param(state.Parameters, "rho", s.rho)
	s.adaptive = extractBoolParam(state.Parameters, "adaptive", s.adaptive)
	return nil
}

func trainable(params []*layers.Parameter) []*layers.Parameter {
	out := params[:0:0]
	for _, p := range params {
		if p.RequiresGrad {
			out = append(out, p)
		}
	}
	return out
}
