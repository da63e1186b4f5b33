package tensor

import (
	"fmt"
)

// Tensor is a dense row-major float32 array with an explicit shape.
// Batches are rank-4: [batch, channel, height, width] for images and
// [batch, 1, height, width] for masks. Prediction maps are rank-2.
type Tensor struct {
	Shape []int
	Data  []float32
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, len(t.Data))
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func numElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}

// New creates a tensor wrapping the provided data. The data length must
// match the shape's element count.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if len(data) != numElements(shape) {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)",
			len(data), shape, numElements(shape))
	}
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)
	return &Tensor{Shape: shapeCopy, Data: data}, nil
}

// Zeros creates a zero-filled tensor of the given shape.
func Zeros(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	return New(shape, make([]float32, numElements(shape)))
}

// Full creates a tensor of the given shape filled with value.
func Full(shape []int, value float32) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// NumElems returns the total number of elements.
func (t *Tensor) NumElems() int {
	return len(t.Data)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Shape: shape, Data: data}
}

// Reshape returns a tensor sharing the same backing data with a new shape.
func (t *Tensor) Reshape(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if numElements(shape) != len(t.Data) {
		return nil, fmt.Errorf("cannot reshape %v (%d elements) to %v (%d elements)",
			t.Shape, len(t.Data), shape, numElements(shape))
	}
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)
	return &Tensor{Shape: shapeCopy, Data: t.Data}, nil
}

// Item returns the single element of a one-element tensor.
func (t *Tensor) Item() (float32, error) {
	if len(t.Data) != 1 {
		return 0, fmt.Errorf("Item requires a one-element tensor, got shape %v", t.Shape)
	}
	return t.Data[0], nil
}

// SameShape reports whether two tensors have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// Sum returns the sum of all elements as float64 to limit accumulation error.
func (t *Tensor) Sum() float64 {
	var s float64
	for _, v := range t.Data {
		s += float64(v)
	}
	return s
}
