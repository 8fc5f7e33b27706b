package optimizer

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-fgp/checkpoints"
	"github.com/tsawler/go-fgp/layers"
)

var (
	// ErrUnsupportedOptimizer is returned by New for an unknown optimizer name
	ErrUnsupportedOptimizer = errors.New("unsupported optimizer")
	// ErrClosureStepUnsupported is returned by SAM.Step: SAM updates only through FirstStep/SecondStep
	ErrClosureStepUnsupported = errors.New("SAM does not support a plain Step; use FirstStep and SecondStep")
	// ErrNoFirstStep is returned by SAM.SecondStep without a live perturbation from FirstStep
	ErrNoFirstStep = errors.New("SAM SecondStep called without a preceding FirstStep")
	// ErrPerturbationPending is returned by SAM.FirstStep while a perturbation is still applied
	ErrPerturbationPending = errors.New("SAM FirstStep called while the previous perturbation is still applied")
)

// Optimizer defines the common interface for all optimizers.
// Learning rates live on the parameter groups; schedulers write ParamGroup.LR between steps.
type Optimizer interface {
	// Step applies one update from the gradients currently accumulated on the parameters
	Step() error

	// ZeroGrad clears the gradients of every parameter in every group
	ZeroGrad()

	// ParamGroups returns the live parameter groups
	ParamGroups() []*ParamGroup

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint. The state is validated
	// completely before anything is applied.
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// Name returns the optimizer kind, e.g. "ADAMW"
	Name() string
}

// OptimizerState represents the complete state of an optimizer
type OptimizerState = checkpoints.OptimizerState

// ParamGroup is a set of parameters updated with one learning rate
type ParamGroup struct {
	Name   string
	Params []*layers.Parameter

	// LR is the rate used by the next Step
	LR float64
	// InitialLR is the configured base rate that schedules scale
	InitialLR float64
}

// NewParamGroup creates a group whose current and initial rate are lr
func NewParamGroup(name string, params []*layers.Parameter, lr float64) *ParamGroup {
	return &ParamGroup{Name: name, Params: params, LR: lr, InitialLR: lr}
}

// SetLR sets the current learning rate of every group
func SetLR(groups []*ParamGroup, lr float64) {
	for _, g := range groups {
		g.LR = lr
	}
}

// AllParams flattens the parameters of all groups in order
func AllParams(groups []*ParamGroup) []*layers.Parameter {
	var params []*layers.Parameter
	for _, g := range groups {
		params = append(params, g.Params...)
	}
	return params
}

func validateGroups(groups []*ParamGroup) error {
	if len(groups) == 0 {
		return fmt.Errorf("no parameter groups provided")
	}
	seen := map[*layers.Parameter]string{}
	for _, g := range groups {
		if g.LR < 0 {
			return fmt.Errorf("learning rate cannot be negative: group %s has %f", g.Name, g.LR)
		}
		for _, p := range g.Params {
			if prev, ok := seen[p]; ok {
				return fmt.Errorf("parameter %s appears in groups %s and %s", p.Name, prev, g.Name)
			}
			seen[p] = g.Name
		}
	}
	return nil
}

func zeroGrad(groups []*ParamGroup) {
	for _, g := range groups {
		layers.ZeroGrad(g.Params)
	}
}
