package layers

import (
	"math"
	"math/rand"

	"github.com/go-sapcn/sapcn/tensor"
)

// AttentionLayer is single-head self-attention over the rows of an [N,D]
// feature matrix with a residual connection:
//
//	y = x + softmax((x Wq)(x Wk)ᵀ / sqrt(D)) (x Wv) Wo
type AttentionLayer struct {
	Dim        int
	Q, K, V, O *LinearLayer
}

func NewAttention(dim int, rng *rand.Rand) *AttentionLayer {
	return &AttentionLayer{
		Dim: dim,
		Q:   NewLinear(dim, dim, rng),
		K:   NewLinear(dim, dim, rng),
		V:   NewLinear(dim, dim, rng),
		O:   NewLinear(dim, dim, rng),
	}
}

func (a *AttentionLayer) Type() LayerType { return SelfAttention }

func (a *AttentionLayer) Parameters() []Parameter {
	var params []Parameter
	params = append(params, Prefix("q", a.Q.Parameters())...)
	params = append(params, Prefix("k", a.K.Parameters())...)
	params = append(params, Prefix("v", a.V.Parameters())...)
	params = append(params, Prefix("o", a.O.Parameters())...)
	return params
}

func (a *AttentionLayer) SetTraining(training bool) {
	a.Q.SetTraining(training)
	a.K.SetTraining(training)
	a.V.SetTraining(training)
	a.O.SetTraining(training)
}

func (a *AttentionLayer) Forward(x *tensor.Tensor) *tensor.Tensor {
	q := a.Q.Forward(x)
	k := a.K.Forward(x)
	v := a.V.Forward(x)

	scores := tensor.Scale(tensor.MatMul(q, tensor.Transpose(k)), float32(1/math.Sqrt(float64(a.Dim))))
	attended := tensor.MatMul(tensor.Softmax(scores), v)
	return tensor.Add(x, a.O.Forward(attended))
}
