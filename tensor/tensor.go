package tensor

import (
	"fmt"
	"strings"
)

type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

type DeviceType int

const (
	CPU DeviceType = iota
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	default:
		return "Unknown"
	}
}

// ParseDevice resolves a configured device identifier such as "cpu"
func ParseDevice(name string) (DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cpu":
		return CPU, nil
	default:
		return CPU, fmt.Errorf("unsupported device %q: only cpu is available", name)
	}
}

// Tensor is a dense row-major tensor. Data holds []float32 or []int32 depending on DType.
type Tensor struct {
	Shape    []int
	Strides  []int
	DType    DType
	Device   DeviceType
	Data     interface{}
	NumElems int
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s, elements=%d)",
		t.Shape, t.DType, t.Device, t.NumElems)
}

// Float32Data returns the backing slice of a Float32 tensor
func (t *Tensor) Float32Data() []float32 {
	if d, ok := t.Data.([]float32); ok {
		return d
	}
	return nil
}

// Int32Data returns the backing slice of an Int32 tensor
func (t *Tensor) Int32Data() []int32 {
	if d, ok := t.Data.([]int32); ok {
		return d
	}
	return nil
}

// Dim returns the size of dimension i, or 0 when out of range
func (t *Tensor) Dim(i int) int {
	if i < 0 || i >= len(t.Shape) {
		return 0
	}
	return t.Shape[i]
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: tensor must have at least one dimension")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ShapesEqual reports whether two shapes are identical
func ShapesEqual(a, b []int) bool {
	return shapesEqual(a, b)
}
