package tensor

import (
	"fmt"
	"math"
)

// Transpose01 swaps the first two axes, e.g. [batch, layers, ...] -> [layers, batch, ...]
func Transpose01(t *Tensor) (*Tensor, error) {
	if len(t.Shape) < 2 {
		return nil, fmt.Errorf("transpose requires at least 2 dimensions, got shape %v", t.Shape)
	}

	d0, d1 := t.Shape[0], t.Shape[1]
	inner := t.NumElems / (d0 * d1)
	shape := append([]int{d1, d0}, t.Shape[2:]...)

	switch src := t.Data.(type) {
	case []float32:
		dst := make([]float32, len(src))
		for i := 0; i < d0; i++ {
			for j := 0; j < d1; j++ {
				copy(dst[(j*d0+i)*inner:(j*d0+i+1)*inner], src[(i*d1+j)*inner:(i*d1+j+1)*inner])
			}
		}
		return NewTensor(shape, t.DType, t.Device, dst)
	case []int32:
		dst := make([]int32, len(src))
		for i := 0; i < d0; i++ {
			for j := 0; j < d1; j++ {
				copy(dst[(j*d0+i)*inner:(j*d0+i+1)*inner], src[(i*d1+j)*inner:(i*d1+j+1)*inner])
			}
		}
		return NewTensor(shape, t.DType, t.Device, dst)
	default:
		return nil, fmt.Errorf("cannot transpose tensor with data type %T", t.Data)
	}
}

// AsType converts element types. Float to Int32 truncates toward zero, like a torch .long() cast.
func (t *Tensor) AsType(dtype DType) (*Tensor, error) {
	if t.DType == dtype {
		return t, nil
	}

	switch dtype {
	case Int32:
		src := t.Float32Data()
		out := make([]int32, len(src))
		for i, v := range src {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, fmt.Errorf("cannot convert non-finite value %v at index %d to Int32", v, i)
			}
			out[i] = int32(v)
		}
		return NewTensor(t.Shape, Int32, t.Device, out)
	case Float32:
		src := t.Int32Data()
		out := make([]float32, len(src))
		for i, v := range src {
			out[i] = float32(v)
		}
		return NewTensor(t.Shape, Float32, t.Device, out)
	default:
		return nil, fmt.Errorf("unsupported target dtype: %s", dtype)
	}
}

// To moves the tensor to a device. Transfers are synchronous.
func (t *Tensor) To(device DeviceType) (*Tensor, error) {
	if t.Device == device {
		return t, nil
	}
	return nil, fmt.Errorf("cannot move tensor from %s to %s", t.Device, device)
}

// Reshape returns a view with a new shape over the same data
func (t *Tensor) Reshape(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if calculateNumElements(shape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape %v (%d elements) to %v", t.Shape, t.NumElems, shape)
	}
	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		DType:    t.DType,
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

// IsFinite reports whether all Float32 elements are finite
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Float32Data() {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}
