package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor wraps data in a tensor of the given shape. A nil data slice
// allocates zeroed storage.
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	s := make([]int, len(shape))
	copy(s, shape)

	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		Device:   CPU,
		Data:     data,
		NumElems: numElems,
	}, nil
}

// mustNew is used by operations whose shapes were already checked.
func mustNew(shape []int, data []float32) *Tensor {
	t, err := NewTensor(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

func Zeros(shape ...int) *Tensor {
	return mustNew(shape, nil)
}

func Ones(shape ...int) *Tensor {
	return Full(1, shape...)
}

func Full(value float32, shape ...int) *Tensor {
	t := mustNew(shape, nil)
	for i := range t.Data {
		t.Data[i] = value
	}
	return t
}

// FromScalar creates a zero-dimensional tensor.
func FromScalar(value float32) *Tensor {
	return mustNew([]int{}, []float32{value})
}

// RandomUniform fills a tensor with values drawn uniformly from [lo, hi).
func RandomUniform(rng *rand.Rand, lo, hi float32, shape ...int) *Tensor {
	t := mustNew(shape, nil)
	for i := range t.Data {
		t.Data[i] = lo + (hi-lo)*rng.Float32()
	}
	return t
}

func RandomNormal(rng *rand.Rand, mean, std float32, shape ...int) *Tensor {
	t := mustNew(shape, nil)
	for i := range t.Data {
		t.Data[i] = mean + std*float32(rng.NormFloat64())
	}
	return t
}

// FromPoints packs a list of xyz points into an [N,3] tensor.
func FromPoints(points [][3]float32) (*Tensor, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("empty point list")
	}
	data := make([]float32, 0, len(points)*3)
	for _, p := range points {
		data = append(data, p[0], p[1], p[2])
	}
	return NewTensor([]int{len(points), 3}, data)
}
