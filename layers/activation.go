package layers

import (
	"fmt"

	"github.com/tsawler/go-fgp/tensor"
)

// ReLU applies max(0, x) elementwise
type ReLU struct {
	training bool
	mask     []bool
}

func NewReLU() *ReLU {
	return &ReLU{training: true}
}

func (r *ReLU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	in := x.Float32Data()
	if in == nil {
		return nil, fmt.Errorf("relu: input must be Float32, got %s", x.DType)
	}
	out := make([]float32, len(in))
	var mask []bool
	if recording(r.training) {
		mask = make([]bool, len(in))
	}
	for i, v := range in {
		if v > 0 {
			out[i] = v
			if mask != nil {
				mask[i] = true
			}
		}
	}
	r.mask = mask
	return tensor.FromFloat32(x.Shape, out)
}

func (r *ReLU) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if r.mask == nil {
		return nil, fmt.Errorf("relu: backward called without a recorded forward pass")
	}
	dy := gradOut.Float32Data()
	if len(dy) != len(r.mask) {
		return nil, fmt.Errorf("relu: gradient size %d does not match recorded size %d", len(dy), len(r.mask))
	}
	dx := make([]float32, len(dy))
	for i, g := range dy {
		if r.mask[i] {
			dx[i] = g
		}
	}
	r.mask = nil
	return tensor.FromFloat32(gradOut.Shape, dx)
}

func (r *ReLU) Train() {
	r.training = true
}

func (r *ReLU) Eval() {
	r.training = false
	r.mask = nil
}

func (r *ReLU) IsTraining() bool {
	return r.training
}
