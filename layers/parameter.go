package layers

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/tsawler/go-fgp/tensor"
)

// Global random source for deterministic initialization
var (
	rngMu     sync.Mutex
	globalRng = rand.New(rand.NewSource(1))
)

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed int64) {
	rngMu.Lock()
	defer rngMu.Unlock()
	globalRng = rand.New(rand.NewSource(seed))
}

func uniform(n int, bound float64) []float32 {
	rngMu.Lock()
	defer rngMu.Unlock()
	out := make([]float32, n)
	for i := range out {
		out[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}
	return out
}

// Parameter is a trainable tensor with its accumulated gradient
type Parameter struct {
	Name         string
	Shape        []int
	Data         []float32
	Grad         []float32
	RequiresGrad bool
}

// NewParameter creates a trainable parameter. data is used as-is, not copied.
func NewParameter(name string, shape []int, data []float32) *Parameter {
	return &Parameter{
		Name:         name,
		Shape:        append([]int(nil), shape...),
		Data:         data,
		Grad:         make([]float32, len(data)),
		RequiresGrad: true,
	}
}

// ZeroGrad clears the accumulated gradient
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Clone returns a deep copy with a zeroed gradient
func (p *Parameter) Clone() *Parameter {
	c := NewParameter(p.Name, p.Shape, append([]float32(nil), p.Data...))
	c.RequiresGrad = p.RequiresGrad
	return c
}

// Rename returns the parameter after prefixing its name
func (p *Parameter) Rename(prefix string) *Parameter {
	p.Name = prefix + p.Name
	return p
}

// ZeroGrad clears gradients of all parameters
func ZeroGrad(params []*Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// Buffer is non-trainable layer state that still belongs in a state dict (e.g. running statistics)
type Buffer struct {
	Name  string
	Shape []int
	Data  []float32
}

// Module is the mode switch shared by all layers
type Module interface {
	Train()
	Eval()
	IsTraining() bool
}

// recording reports whether a layer in the given mode must keep activations for Backward
func recording(training bool) bool {
	return training && tensor.IsGradEnabled()
}

func requireMatrix(x *tensor.Tensor, features int, layer string) (int, error) {
	if x.DType != tensor.Float32 {
		return 0, fmt.Errorf("%s: input must be Float32, got %s", layer, x.DType)
	}
	if len(x.Shape) != 2 || x.Shape[1] != features {
		return 0, fmt.Errorf("%s: expected input shape [batch, %d], got %v", layer, features, x.Shape)
	}
	return x.Shape[0], nil
}

func xavierBound(fanIn, fanOut int) float64 {
	return math.Sqrt(6.0 / float64(fanIn+fanOut))
}
