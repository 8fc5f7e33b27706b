package optimizer

import (
	"fmt"

	"github.com/tsawler/go-fgp/checkpoints"
	"github.com/tsawler/go-fgp/layers"
	"gonum.org/v1/gonum/blas/blas32"
)

// Common helper functions for optimizer state management

// vec views a slice as a unit-stride BLAS vector
func vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}

// extractBufferState copies one state buffer for checkpointing
func extractBufferState(buffer []float32, shape []int, name string, stateType string) checkpoints.OptimizerTensor {
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      append([]float32(nil), buffer...),
		StateType: stateType,
	}
}

// checkBufferState validates that a checkpointed buffer fits the live buffer
func checkBufferState(buffer []float32, data []float32, name string) error {
	if len(data) != len(buffer) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, len(buffer), len(data))
	}
	return nil
}

// groupStates snapshots the learning rates of each group
func groupStates(groups []*ParamGroup) []checkpoints.GroupState {
	states := make([]checkpoints.GroupState, len(groups))
	for i, g := range groups {
		states[i] = checkpoints.GroupState{Name: g.Name, LR: g.LR, InitialLR: g.InitialLR}
	}
	return states
}

// checkGroupStates verifies that a checkpoint was taken with the same group layout
func checkGroupStates(groups []*ParamGroup, states []checkpoints.GroupState) error {
	if len(states) != len(groups) {
		return fmt.Errorf("parameter group count mismatch: expected %d, got %d", len(groups), len(states))
	}
	for i, g := range groups {
		if states[i].Name != g.Name {
			return fmt.Errorf("parameter group %d mismatch: expected %s, got %s", i, g.Name, states[i].Name)
		}
	}
	return nil
}

func applyGroupStates(groups []*ParamGroup, states []checkpoints.GroupState) {
	for i, g := range groups {
		g.LR = states[i].LR
		g.InitialLR = states[i].InitialLR
	}
}

// indexStateTensors maps "<prefix>_<index>" tensors to their parameter index, validating sizes
func indexStateTensors(state *OptimizerState, params []*layers.Parameter, stateType string) (map[int][]float32, error) {
	out := map[int][]float32{}
	for _, t := range state.StateData {
		if t.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(params) {
			return nil, fmt.Errorf("invalid %s buffer index in %s", stateType, t.Name)
		}
		if err := checkBufferState(params[idx].Data, t.Data, t.Name); err != nil {
			return nil, err
		}
		out[idx] = t.Data
	}
	return out, nil
}

// extractFloat64Param safely extracts a float parameter from the state map
func extractFloat64Param(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch val := params[key].(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "m_1"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
