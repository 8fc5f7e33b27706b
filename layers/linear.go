package layers

import (
	"fmt"

	"github.com/tsawler/go-fgp/tensor"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Linear implements a fully connected layer: y = xW + b, W has shape [in, out]
type Linear struct {
	Name        string
	InFeatures  int
	OutFeatures int
	Weight      *Parameter
	Bias        *Parameter
	training    bool

	input *tensor.Tensor // cached for Backward
}

// NewLinear creates a Linear layer with Xavier/Glorot uniform weights and zero bias
func NewLinear(name string, in, out int, bias bool) *Linear {
	l := &Linear{
		Name:        name,
		InFeatures:  in,
		OutFeatures: out,
		Weight:      NewParameter(name+".weight", []int{in, out}, uniform(in*out, xavierBound(in, out))),
		training:    true,
	}
	if bias {
		l.Bias = NewParameter(name+".bias", []int{out}, make([]float32, out))
	}
	return l
}

// Forward computes the layer output for x of shape [batch, in]
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	batch, err := requireMatrix(x, l.InFeatures, l.Name)
	if err != nil {
		return nil, err
	}

	out := make([]float32, batch*l.OutFeatures)
	if l.Bias != nil {
		for b := 0; b < batch; b++ {
			copy(out[b*l.OutFeatures:(b+1)*l.OutFeatures], l.Bias.Data)
		}
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		general(batch, l.InFeatures, x.Float32Data()),
		general(l.InFeatures, l.OutFeatures, l.Weight.Data),
		1, general(batch, l.OutFeatures, out))

	if recording(l.training) {
		l.input = x
	} else {
		l.input = nil
	}
	return tensor.FromFloat32([]int{batch, l.OutFeatures}, out)
}

// Backward accumulates parameter gradients and returns the gradient w.r.t. the input
func (l *Linear) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, fmt.Errorf("%s: backward called without a recorded forward pass", l.Name)
	}
	batch, err := requireMatrix(gradOut, l.OutFeatures, l.Name+" backward")
	if err != nil {
		return nil, err
	}
	if batch != l.input.Shape[0] {
		return nil, fmt.Errorf("%s: gradient batch %d does not match input batch %d", l.Name, batch, l.input.Shape[0])
	}

	dy := general(batch, l.OutFeatures, gradOut.Float32Data())
	dx := make([]float32, batch*l.InFeatures)

	// dW += xᵀ·dy, dx = dy·Wᵀ
	blas32.Gemm(blas.Trans, blas.NoTrans, 1,
		general(batch, l.InFeatures, l.input.Float32Data()), dy,
		1, general(l.InFeatures, l.OutFeatures, l.Weight.Grad))
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		dy, general(l.InFeatures, l.OutFeatures, l.Weight.Data),
		0, general(batch, l.InFeatures, dx))

	if l.Bias != nil {
		bias := blas32.Vector{N: l.OutFeatures, Inc: 1, Data: l.Bias.Grad}
		for b := 0; b < batch; b++ {
			row := dy.Data[b*l.OutFeatures : (b+1)*l.OutFeatures]
			blas32.Axpy(1, blas32.Vector{N: l.OutFeatures, Inc: 1, Data: row}, bias)
		}
	}

	l.input = nil
	return tensor.FromFloat32([]int{batch, l.InFeatures}, dx)
}

// Parameters returns the trainable parameters of the layer
func (l *Linear) Parameters() []*Parameter {
	if l.Bias != nil {
		return []*Parameter{l.Weight, l.Bias}
	}
	return []*Parameter{l.Weight}
}

// Clone returns an independent copy of the layer
func (l *Linear) Clone() *Linear {
	c := &Linear{
		Name:        l.Name,
		InFeatures:  l.InFeatures,
		OutFeatures: l.OutFeatures,
		Weight:      l.Weight.Clone(),
		training:    l.training,
	}
	if l.Bias != nil {
		c.Bias = l.Bias.Clone()
	}
	return c
}

func (l *Linear) Train() {
	l.training = true
}

func (l *Linear) Eval() {
	l.training = false
	l.input = nil
}

func (l *Linear) IsTraining() bool {
	return l.training
}

// general views row-major data as a rows×cols BLAS matrix
func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}
