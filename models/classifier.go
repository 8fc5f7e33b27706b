package models

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-fgp/checkpoints"
	"github.com/tsawler/go-fgp/layers"
	"github.com/tsawler/go-fgp/tensor"
)

// Parameter group names used for differential learning rates
const (
	GroupBackbone = "backbone"
	GroupHead     = "head"
)

// ParameterGroup is a structurally declared set of parameters sharing one base learning rate
type ParameterGroup struct {
	Name   string
	Params []*layers.Parameter
}

// Classifier is a differentiable model over a side input and key/value attention states.
// key and value have shape [layers, batch, seq, dim].
type Classifier interface {
	layers.Module

	Forward(side, key, value *tensor.Tensor) (*tensor.Tensor, error)
	// Backward accumulates parameter gradients from the gradient of the last Forward's logits
	Backward(gradLogits *tensor.Tensor) error

	Parameters() []*layers.Parameter
	ParameterGroups() []ParameterGroup

	StateDict() []checkpoints.WeightTensor
	// LoadStateDict validates every entry before applying any of them
	LoadStateDict(weights []checkpoints.WeightTensor) error

	Clone() Classifier
	BatchNorms() []*layers.BatchNorm1D
}

// FrozenEncoder produces key/value attention states without gradient tracking
type FrozenEncoder interface {
	Encode(x *tensor.Tensor, interpolatePosEncoding bool) (hidden, key, value *tensor.Tensor, err error)
}

func splitName(name string) (layer, kind string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}

func weightFromParameter(p *layers.Parameter) checkpoints.WeightTensor {
	layer, kind := splitName(p.Name)
	return checkpoints.WeightTensor{
		Name:  p.Name,
		Shape: append([]int(nil), p.Shape...),
		Data:  append([]float32(nil), p.Data...),
		Layer: layer,
		Type:  kind,
	}
}

func weightFromBuffer(b *layers.Buffer) checkpoints.WeightTensor {
	layer, kind := splitName(b.Name)
	return checkpoints.WeightTensor{
		Name:  b.Name,
		Shape: append([]int(nil), b.Shape...),
		Data:  append([]float32(nil), b.Data...),
		Layer: layer,
		Type:  kind,
	}
}

// stateTarget is one destination slot of a state dict
type stateTarget struct {
	name  string
	shape []int
	data  []float32
}

// loadState checks every target against weights, then copies. Nothing is written on error.
func loadState(targets []stateTarget, weights []checkpoints.WeightTensor) error {
	byName := checkpoints.WeightMap(weights)
	for _, t := range targets {
		w, ok := byName[t.name]
		if !ok {
			return fmt.Errorf("missing key in state dict: %s", t.name)
		}
		if !tensor.ShapesEqual(w.Shape, t.shape) {
			return fmt.Errorf("shape mismatch for %s: expected %v, got %v", t.name, t.shape, w.Shape)
		}
		if len(w.Data) != len(t.data) {
			return fmt.Errorf("size mismatch for %s: expected %d values, got %d", t.name, len(t.data), len(w.Data))
		}
	}
	if len(byName) != len(targets) {
		known := make(map[string]bool, len(targets))
		for _, t := range targets {
			known[t.name] = true
		}
		for name := range byName {
			if !known[name] {
				return fmt.Errorf("unexpected key in state dict: %s", name)
			}
		}
	}
	for _, t := range targets {
		copy(t.data, byName[t.name].Data)
	}
	return nil
}
