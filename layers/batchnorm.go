package layers

import (
	"fmt"
	"math"

	"github.com/tsawler/go-fgp/tensor"
)

// BatchNorm1D normalizes [batch, features] inputs.
//
// In train mode the running statistics are updated from every forward pass,
// with or without gradient tracking, so a forward-only sweep re-calibrates them.
// With Cumulative set the update is a cumulative moving average over the
// batches seen since the last ResetRunningStats.
type BatchNorm1D struct {
	Name        string
	NumFeatures int
	Eps         float64
	Momentum    float64
	Cumulative  bool

	Gamma       *Parameter
	Beta        *Parameter
	RunningMean *Buffer
	RunningVar  *Buffer

	NumBatchesTracked int64
	training          bool

	// cached for Backward
	xhat   []float32
	invStd []float32
}

// NewBatchNorm1D creates a batch norm layer with unit scale and zero shift
func NewBatchNorm1D(name string, features int) *BatchNorm1D {
	ones := make([]float32, features)
	for i := range ones {
		ones[i] = 1
	}
	bn := &BatchNorm1D{
		Name:        name,
		NumFeatures: features,
		Eps:         1e-5,
		Momentum:    0.1,
		Gamma:       NewParameter(name+".weight", []int{features}, ones),
		Beta:        NewParameter(name+".bias", []int{features}, make([]float32, features)),
		RunningMean: &Buffer{Name: name + ".running_mean", Shape: []int{features}, Data: make([]float32, features)},
		RunningVar:  &Buffer{Name: name + ".running_var", Shape: []int{features}, Data: make([]float32, features)},
		training:    true,
	}
	bn.ResetRunningStats()
	return bn
}

// ResetRunningStats sets running mean to 0, running variance to 1 and clears the batch counter
func (bn *BatchNorm1D) ResetRunningStats() {
	for i := 0; i < bn.NumFeatures; i++ {
		bn.RunningMean.Data[i] = 0
		bn.RunningVar.Data[i] = 1
	}
	bn.NumBatchesTracked = 0
}

// Forward normalizes x of shape [batch, features]
func (bn *BatchNorm1D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	batch, err := requireMatrix(x, bn.NumFeatures, bn.Name)
	if err != nil {
		return nil, err
	}

	in := x.Float32Data()
	out := make([]float32, len(in))
	f := bn.NumFeatures

	if !bn.training {
		for j := 0; j < f; j++ {
			inv := 1.0 / math.Sqrt(float64(bn.RunningVar.Data[j])+bn.Eps)
			mean := float64(bn.RunningMean.Data[j])
			for b := 0; b < batch; b++ {
				xh := (float64(in[b*f+j]) - mean) * inv
				out[b*f+j] = float32(xh)*bn.Gamma.Data[j] + bn.Beta.Data[j]
			}
		}
		bn.xhat, bn.invStd = nil, nil
		return tensor.FromFloat32(x.Shape, out)
	}

	if batch < 2 {
		return nil, fmt.Errorf("%s: expected more than 1 value per channel when training, got batch of %d", bn.Name, batch)
	}

	bn.NumBatchesTracked++
	factor := bn.Momentum
	if bn.Cumulative {
		factor = 1.0 / float64(bn.NumBatchesTracked)
	}

	record := recording(bn.training)
	var xhat, invStd []float32
	if record {
		xhat = make([]float32, len(in))
		invStd = make([]float32, f)
	}

	n := float64(batch)
	for j := 0; j < f; j++ {
		var mean float64
		for b := 0; b < batch; b++ {
			mean += float64(in[b*f+j])
		}
		mean /= n

		var variance float64
		for b := 0; b < batch; b++ {
			d := float64(in[b*f+j]) - mean
			variance += d * d
		}
		variance /= n

		inv := 1.0 / math.Sqrt(variance+bn.Eps)
		for b := 0; b < batch; b++ {
			xh := (float64(in[b*f+j]) - mean) * inv
			out[b*f+j] = float32(xh)*bn.Gamma.Data[j] + bn.Beta.Data[j]
			if record {
				xhat[b*f+j] = float32(xh)
			}
		}
		if record {
			invStd[j] = float32(inv)
		}

		// running variance uses the unbiased estimate
		unbiased := variance * n / (n - 1)
		bn.RunningMean.Data[j] = float32((1-factor)*float64(bn.RunningMean.Data[j]) + factor*mean)
		bn.RunningVar.Data[j] = float32((1-factor)*float64(bn.RunningVar.Data[j]) + factor*unbiased)
	}

	bn.xhat, bn.invStd = xhat, invStd
	return tensor.FromFloat32(x.Shape, out)
}

// Backward accumulates gamma/beta gradients and returns the input gradient
func (bn *BatchNorm1D) Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if bn.xhat == nil {
		return nil, fmt.Errorf("%s: backward called without a recorded forward pass", bn.Name)
	}
	batch, err := requireMatrix(gradOut, bn.NumFeatures, bn.Name+" backward")
	if err != nil {
		return nil, err
	}
	f := bn.NumFeatures
	if batch*f != len(bn.xhat) {
		return nil, fmt.Errorf("%s: gradient batch %d does not match recorded batch", bn.Name, batch)
	}

	dy := gradOut.Float32Data()
	dx := make([]float32, len(dy))
	n := float64(batch)

	for j := 0; j < f; j++ {
		var sumDy, sumDyXhat float64
		for b := 0; b < batch; b++ {
			g := float64(dy[b*f+j])
			sumDy += g
			sumDyXhat += g * float64(bn.xhat[b*f+j])
		}
		bn.Gamma.Grad[j] += float32(sumDyXhat)
		bn.Beta.Grad[j] += float32(sumDy)

		gamma := float64(bn.Gamma.Data[j])
		inv := float64(bn.invStd[j])
		for b := 0; b < batch; b++ {
			dxhat := float64(dy[b*f+j]) * gamma
			xh := float64(bn.xhat[b*f+j])
			dx[b*f+j] = float32(inv / n * (n*dxhat - gamma*sumDy - xh*gamma*sumDyXhat))
		}
	}

	bn.xhat, bn.invStd = nil, nil
	return tensor.FromFloat32(gradOut.Shape, dx)
}

// Parameters returns gamma and beta
func (bn *BatchNorm1D) Parameters() []*Parameter {
	return []*Parameter{bn.Gamma, bn.Beta}
}

// Buffers returns the running statistics
func (bn *BatchNorm1D) Buffers() []*Buffer {
	return []*Buffer{bn.RunningMean, bn.RunningVar}
}

// Clone returns an independent copy of the layer, statistics included
func (bn *BatchNorm1D) Clone() *BatchNorm1D {
	c := &BatchNorm1D{
		Name:              bn.Name,
		NumFeatures:       bn.NumFeatures,
		Eps:               bn.Eps,
		Momentum:          bn.Momentum,
		Cumulative:        bn.Cumulative,
		Gamma:             bn.Gamma.Clone(),
		Beta:              bn.Beta.Clone(),
		RunningMean:       &Buffer{Name: bn.RunningMean.Name, Shape: bn.RunningMean.Shape, Data: append([]float32(nil), bn.RunningMean.Data...)},
		RunningVar:        &Buffer{Name: bn.RunningVar.Name, Shape: bn.RunningVar.Shape, Data: append([]float32(nil), bn.RunningVar.Data...)},
		NumBatchesTracked: bn.NumBatchesTracked,
		training:          bn.training,
	}
	return c
}

func (bn *BatchNorm1D) Train() {
	bn.training = true
}

func (bn *BatchNorm1D) Eval() {
	bn.training = false
	bn.xhat, bn.invStd = nil, nil
}

func (bn *BatchNorm1D) IsTraining() bool {
	return bn.training
}
