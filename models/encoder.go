package models

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-fgp/tensor"
)

// ProjectionEncoder is a frozen encoder that maps [batch, features] inputs to
// key/value states of shape [layers, batch, seq, dim] with fixed random projections
// plus a sinusoidal position encoding.
type ProjectionEncoder struct {
	InFeatures int
	Layers     int
	Seq        int
	Dim        int

	keyProj   [][]float32 // per layer, [in, seq*dim]
	valueProj [][]float32
	pos       []float32 // [seq, dim]
}

// NewProjectionEncoder builds an encoder whose projections depend only on seed
func NewProjectionEncoder(inFeatures, numLayers, seq, dim int, seed int64) (*ProjectionEncoder, error) {
	if inFeatures <= 0 || numLayers <= 0 || seq <= 0 || dim <= 0 {
		return nil, fmt.Errorf("invalid encoder dimensions: in=%d layers=%d seq=%d dim=%d", inFeatures, numLayers, seq, dim)
	}
	rng := rand.New(rand.NewSource(seed))
	scale := 1.0 / math.Sqrt(float64(inFeatures))
	proj := func() []float32 {
		w := make([]float32, inFeatures*seq*dim)
		for i := range w {
			w[i] = float32(rng.NormFloat64() * scale)
		}
		return w
	}

	e := &ProjectionEncoder{
		InFeatures: inFeatures,
		Layers:     numLayers,
		Seq:        seq,
		Dim:        dim,
		pos:        make([]float32, seq*dim),
	}
	for l := 0; l < numLayers; l++ {
		e.keyProj = append(e.keyProj, proj())
		e.valueProj = append(e.valueProj, proj())
	}
	for s := 0; s < seq; s++ {
		for d := 0; d < dim; d++ {
			angle := float64(s) / math.Pow(10000, float64(2*(d/2))/float64(dim))
			if d%2 == 0 {
				e.pos[s*dim+d] = float32(math.Sin(angle))
			} else {
				e.pos[s*dim+d] = float32(math.Cos(angle))
			}
		}
	}
	return e, nil
}

// Encode returns (x, key, value). With interpolatePosEncoding set, inputs whose feature
// count differs from InFeatures are linearly resampled instead of rejected.
func (e *ProjectionEncoder) Encode(x *tensor.Tensor, interpolatePosEncoding bool) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, error) {
	if len(x.Shape) != 2 || x.DType != tensor.Float32 {
		return nil, nil, nil, fmt.Errorf("encoder input must be Float32 [batch, features], got %s %v", x.DType, x.Shape)
	}
	batch, features := x.Shape[0], x.Shape[1]
	in := x.Float32Data()
	if features != e.InFeatures {
		if !interpolatePosEncoding {
			return nil, nil, nil, fmt.Errorf("encoder expects %d features, got %d", e.InFeatures, features)
		}
		in = resample(in, batch, features, e.InFeatures)
	}

	sd := e.Seq * e.Dim
	key := make([]float32, e.Layers*batch*sd)
	value := make([]float32, e.Layers*batch*sd)
	for l := 0; l < e.Layers; l++ {
		for b := 0; b < batch; b++ {
			row := in[b*e.InFeatures : (b+1)*e.InFeatures]
			e.project(key[(l*batch+b)*sd:(l*batch+b+1)*sd], row, e.keyProj[l])
			e.project(value[(l*batch+b)*sd:(l*batch+b+1)*sd], row, e.valueProj[l])
		}
	}

	shape := []int{e.Layers, batch, e.Seq, e.Dim}
	kt, err := tensor.FromFloat32(shape, key)
	if err != nil {
		return nil, nil, nil, err
	}
	vt, err := tensor.FromFloat32(shape, value)
	if err != nil {
		return nil, nil, nil, err
	}
	return x, kt, vt, nil
}

func (e *ProjectionEncoder) project(dst, row, w []float32) {
	sd := len(dst)
	for i, xi := range row {
		if xi == 0 {
			continue
		}
		wrow := w[i*sd : (i+1)*sd]
		for j := range dst {
			dst[j] += xi * wrow[j]
		}
	}
	for j := range dst {
		dst[j] = float32(math.Tanh(float64(dst[j]))) + e.pos[j]
	}
}

// resample linearly interpolates each row from n to m points
func resample(data []float32, batch, n, m int) []float32 {
	out := make([]float32, batch*m)
	for b := 0; b < batch; b++ {
		src := data[b*n : (b+1)*n]
		for j := 0; j < m; j++ {
			if n == 1 || m == 1 {
				out[b*m+j] = src[0]
				continue
			}
			pos := float64(j) * float64(n-1) / float64(m-1)
			lo := int(pos)
			if lo >= n-1 {
				out[b*m+j] = src[n-1]
				continue
			}
			frac := float32(pos - float64(lo))
			out[b*m+j] = src[lo]*(1-frac) + src[lo+1]*frac
		}
	}
	return out
}
