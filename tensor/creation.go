package tensor

import (
	"fmt"
)

// NewTensor creates a tensor over data. A scalar data value fills the tensor.
func NewTensor(shape []int, dtype DType, device DeviceType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	tensor := &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		Device:   device,
		NumElems: numElems,
	}

	if data == nil {
		switch dtype {
		case Float32:
			tensor.Data = make([]float32, numElems)
		case Int32:
			tensor.Data = make([]int32, numElems)
		default:
			return nil, fmt.Errorf("unsupported dtype: %s", dtype)
		}
		return tensor, nil
	}

	if err := tensor.setData(data); err != nil {
		return nil, err
	}
	return tensor, nil
}

func (t *Tensor) setData(data interface{}) error {
	switch t.DType {
	case Float32:
		switch d := data.(type) {
		case []float32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case float32:
			slice := make([]float32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Float32 tensor: %T", data)
		}
	case Int32:
		switch d := data.(type) {
		case []int32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case int32:
			slice := make([]int32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Int32 tensor: %T", data)
		}
	default:
		return fmt.Errorf("unsupported dtype: %s", t.DType)
	}
	return nil
}

// Zeros creates a zero-filled tensor
func Zeros(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	return NewTensor(shape, dtype, device, nil)
}

// FromFloat32 is a shorthand for a CPU Float32 tensor
func FromFloat32(shape []int, data []float32) (*Tensor, error) {
	return NewTensor(shape, Float32, CPU, data)
}

// MustFromFloat32 panics on shape errors. Intended for fixed-shape construction in tests and demos.
func MustFromFloat32(shape []int, data []float32) *Tensor {
	t, err := FromFloat32(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// Clone returns a deep copy
func (t *Tensor) Clone() (*Tensor, error) {
	switch d := t.Data.(type) {
	case []float32:
		return NewTensor(t.Shape, t.DType, t.Device, append([]float32(nil), d...))
	case []int32:
		return NewTensor(t.Shape, t.DType, t.Device, append([]int32(nil), d...))
	default:
		return nil, fmt.Errorf("cannot clone tensor with data type %T", t.Data)
	}
}

// Stack collates same-shaped tensors along a new leading axis
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("cannot stack an empty list of tensors")
	}

	first := items[0]
	shape := append([]int{len(items)}, first.Shape...)
	for i, item := range items {
		if item.DType != first.DType {
			return nil, fmt.Errorf("dtype mismatch at index %d: %s vs %s", i, item.DType, first.DType)
		}
		if !shapesEqual(item.Shape, first.Shape) {
			return nil, fmt.Errorf("shape mismatch at index %d: %v vs %v", i, item.Shape, first.Shape)
		}
	}

	switch first.DType {
	case Float32:
		out := make([]float32, 0, len(items)*first.NumElems)
		for _, item := range items {
			out = append(out, item.Float32Data()...)
		}
		return NewTensor(shape, Float32, first.Device, out)
	case Int32:
		out := make([]int32, 0, len(items)*first.NumElems)
		for _, item := range items {
			out = append(out, item.Int32Data()...)
		}
		return NewTensor(shape, Int32, first.Device, out)
	default:
		return nil, fmt.Errorf("unsupported dtype: %s", first.DType)
	}
}
