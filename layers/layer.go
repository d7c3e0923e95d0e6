package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/go-sapcn/sapcn/tensor"
)

// LayerType represents the type of a network layer
type LayerType int

const (
	Linear LayerType = iota
	ReLU
	SelfAttention
)

func (lt LayerType) String() string {
	switch lt {
	case Linear:
		return "Linear"
	case ReLU:
		return "ReLU"
	case SelfAttention:
		return "SelfAttention"
	default:
		return "Unknown"
	}
}

// Parameter is a named trainable tensor. Names are relative to the module
// that returns them, dot separated, e.g. "first_conv.0.weight".
type Parameter struct {
	Name   string
	Tensor *tensor.Tensor
}

// Module is anything that owns parameters and can switch between training
// and inference mode.
type Module interface {
	Parameters() []Parameter
	SetTraining(training bool)
}

// Layer is a module with a single-input forward pass over an [N,C] matrix of
// per-point features.
type Layer interface {
	Module
	Type() LayerType
	Forward(x *tensor.Tensor) *tensor.Tensor
}

// Prefix prepends prefix to the names of params.
func Prefix(prefix string, params []Parameter) []Parameter {
	out := make([]Parameter, len(params))
	for i, p := range params {
		out[i] = Parameter{Name: prefix + "." + p.Name, Tensor: p.Tensor}
	}
	return out
}

// modeParam returns the tensor a forward pass should read. In inference mode
// the parameter is detached so that no graph is recorded.
func modeParam(p *tensor.Tensor, training bool) *tensor.Tensor {
	if training {
		return p
	}
	return p.Detach()
}

// LinearLayer is a shared point-wise fully connected layer (a 1x1 Conv1d):
// y = x W + b for every row of x.
type LinearLayer struct {
	In, Out  int
	Weight   *tensor.Tensor // [In, Out]
	Bias     *tensor.Tensor // [Out]
	training bool
}

// NewLinear initialises weights uniformly in ±1/sqrt(in).
func NewLinear(in, out int, rng *rand.Rand) *LinearLayer {
	bound := float32(1 / math.Sqrt(float64(in)))
	w := tensor.RandomUniform(rng, -bound, bound, in, out)
	b := tensor.RandomUniform(rng, -bound, bound, out)
	w.SetRequiresGrad(true)
	b.SetRequiresGrad(true)
	return &LinearLayer{In: in, Out: out, Weight: w, Bias: b, training: true}
}

func (l *LinearLayer) Type() LayerType { return Linear }

func (l *LinearLayer) Parameters() []Parameter {
	return []Parameter{{Name: "weight", Tensor: l.Weight}, {Name: "bias", Tensor: l.Bias}}
}

func (l *LinearLayer) SetTraining(training bool) { l.training = training }

func (l *LinearLayer) Forward(x *tensor.Tensor) *tensor.Tensor {
	w := modeParam(l.Weight, l.training)
	b := modeParam(l.Bias, l.training)
	return tensor.AddBias(tensor.MatMul(x, w), b)
}

// ReLULayer has no parameters.
type ReLULayer struct{}

func (ReLULayer) Type() LayerType { return ReLU }

func (ReLULayer) Parameters() []Parameter { return nil }

func (ReLULayer) SetTraining(bool) {}

func (ReLULayer) Forward(x *tensor.Tensor) *tensor.Tensor { return tensor.ReLU(x) }

// Sequential chains layers; parameters are named by position like
// "0.weight", "2.bias".
type Sequential struct {
	Layers []Layer
}

func (s *Sequential) Parameters() []Parameter {
	var params []Parameter
	for i, l := range s.Layers {
		params = append(params, Prefix(fmt.Sprint(i), l.Parameters())...)
	}
	return params
}

func (s *Sequential) SetTraining(training bool) {
	for _, l := range s.Layers {
		l.SetTraining(training)
	}
}

func (s *Sequential) Forward(x *tensor.Tensor) *tensor.Tensor {
	for _, l := range s.Layers {
		x = l.Forward(x)
	}
	return x
}

// SequentialBuilder assembles a Sequential the way models are described:
// a list of widths with ReLU between hidden layers.
type SequentialBuilder struct {
	rng    *rand.Rand
	width  int
	layers []Layer
	err    error
}

// NewSequentialBuilder starts a stack whose input has the given width.
func NewSequentialBuilder(inputWidth int, rng *rand.Rand) *SequentialBuilder {
	return &SequentialBuilder{rng: rng, width: inputWidth}
}

func (sb *SequentialBuilder) AddLinear(out int) *SequentialBuilder {
	if out <= 0 && sb.err == nil {
		sb.err = fmt.Errorf("layer %d: output width must be positive, got %d", len(sb.layers), out)
	}
	if sb.err != nil {
		return sb
	}
	sb.layers = append(sb.layers, NewLinear(sb.width, out, sb.rng))
	sb.width = out
	return sb
}

func (sb *SequentialBuilder) AddReLU() *SequentialBuilder {
	sb.layers = append(sb.layers, ReLULayer{})
	return sb
}

// Build returns the stack, or the first error recorded while adding layers.
func (sb *SequentialBuilder) Build() (*Sequential, error) {
	if sb.err != nil {
		return nil, sb.err
	}
	if len(sb.layers) == 0 {
		return nil, fmt.Errorf("sequential stack has no layers")
	}
	return &Sequential{Layers: sb.layers}, nil
}

// MLP builds Linear/ReLU/.../Linear over the given widths (no trailing ReLU).
func MLP(rng *rand.Rand, widths ...int) (*Sequential, error) {
	if len(widths) < 2 {
		return nil, fmt.Errorf("MLP needs at least input and output widths, got %v", widths)
	}
	b := NewSequentialBuilder(widths[0], rng)
	for i, w := range widths[1:] {
		if i > 0 {
			b.AddReLU()
		}
		b.AddLinear(w)
	}
	return b.Build()
}
