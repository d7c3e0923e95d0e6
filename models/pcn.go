package models

import (
	"math/rand"

	"github.com/go-sapcn/sapcn/layers"
	"github.com/go-sapcn/sapcn/tensor"
)

// Encoder is the PCN point encoder: a shared MLP, max pooling, the pooled
// feature concatenated back onto every point, a second shared MLP and a final
// max pool. With Attention set, self-attention runs over the first-stage
// per-point features before pooling.
type Encoder struct {
	FirstConv  *layers.Sequential
	Attention  *layers.AttentionLayer
	SecondConv *layers.Sequential
}

// NewEncoder builds the plain PCN encoder.
func NewEncoder(cfg Config, rng *rand.Rand) (*Encoder, error) {
	first, err := layers.MLP(rng, 3, cfg.EncoderHidden, cfg.EncoderFeature)
	if err != nil {
		return nil, err
	}
	second, err := layers.MLP(rng, 2*cfg.EncoderFeature, 2*cfg.EncoderFeature, cfg.LatentDim)
	if err != nil {
		return nil, err
	}
	return &Encoder{FirstConv: first, SecondConv: second}, nil
}

func (e *Encoder) Parameters() []layers.Parameter {
	params := layers.Prefix("first_conv", e.FirstConv.Parameters())
	if e.Attention != nil {
		params = append(params, layers.Prefix("sa", e.Attention.Parameters())...)
	}
	return append(params, layers.Prefix("second_conv", e.SecondConv.Parameters())...)
}

func (e *Encoder) SetTraining(training bool) {
	e.FirstConv.SetTraining(training)
	if e.Attention != nil {
		e.Attention.SetTraining(training)
	}
	e.SecondConv.SetTraining(training)
}

// Encode maps a channel-first [B,3,N] cloud to [B, LatentDim].
func (e *Encoder) Encode(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkInput(x); err != nil {
		return nil, err
	}
	batch, n := x.Shape[0], x.Shape[2]

	codes := make([]*tensor.Tensor, batch)
	for b := 0; b < batch; b++ {
		points := tensor.Transpose(tensor.Select(x, b)) // [N,3]
		codes[b] = e.encodePoints(points, n)
	}
	v := tensor.Stack(codes...) // [B,1,L]
	return tensor.Reshape(v, batch, v.Shape[2]), nil
}

func (e *Encoder) encodePoints(points *tensor.Tensor, n int) *tensor.Tensor {
	feature := e.FirstConv.Forward(points)
	if e.Attention != nil {
		feature = e.Attention.Forward(feature)
	}
	global := tensor.RepeatRows(tensor.MaxRows(feature), n)
	feature = e.SecondConv.Forward(tensor.ConcatCols(global, feature))
	return tensor.MaxRows(feature)
}

// Decoder turns a latent code into a coarse cloud with an MLP and refines it
// by folding a small 2-D grid around every coarse point.
type Decoder struct {
	MLP       *layers.Sequential
	FinalConv *layers.Sequential
	cfg       Config
	grid      *tensor.Tensor
}

func NewDecoder(cfg Config, rng *rand.Rand) (*Decoder, error) {
	mlp, err := layers.MLP(rng, cfg.LatentDim, cfg.DecoderHidden, cfg.DecoderHidden, 3*cfg.NumCoarse)
	if err != nil {
		return nil, err
	}
	final, err := layers.MLP(rng, cfg.LatentDim+2+3, cfg.FoldingHidden, cfg.FoldingHidden, 3)
	if err != nil {
		return nil, err
	}
	return &Decoder{
		MLP:       mlp,
		FinalConv: final,
		cfg:       cfg,
		grid:      foldingGrid(cfg.NumCoarse, cfg.StepRatio, cfg.GridScale),
	}, nil
}

func (d *Decoder) Parameters() []layers.Parameter {
	params := layers.Prefix("mlp", d.MLP.Parameters())
	return append(params, layers.Prefix("final_conv", d.FinalConv.Parameters())...)
}

func (d *Decoder) SetTraining(training bool) {
	d.MLP.SetTraining(training)
	d.FinalConv.SetTraining(training)
}

// Decode maps [B, LatentDim] to channel-first coarse and fine clouds.
func (d *Decoder) Decode(v *tensor.Tensor) (coarse, fine *tensor.Tensor) {
	batch := v.Shape[0]
	coarseClouds := make([]*tensor.Tensor, batch)
	fineClouds := make([]*tensor.Tensor, batch)
	for b := 0; b < batch; b++ {
		code := tensor.Reshape(tensor.Select(v, b), 1, d.cfg.LatentDim)
		coarseClouds[b], fineClouds[b] = d.decodeOne(code)
	}
	return tensor.Transpose(tensor.Stack(coarseClouds...)), tensor.Transpose(tensor.Stack(fineClouds...))
}

func (d *Decoder) decodeOne(code *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
	coarse := tensor.Reshape(d.MLP.Forward(code), d.cfg.NumCoarse, 3)

	numFine := d.cfg.NumFine()
	pointFeat := tensor.RepeatInterleave(coarse, d.cfg.StepRatio) // [NumFine,3]
	features := tensor.ConcatCols(tensor.RepeatRows(code, numFine), d.grid, pointFeat)
	fine := tensor.Add(d.FinalConv.Forward(features), pointFeat)
	return coarse, fine
}

// AutoEncoder is the stage-1 PCN backbone.
type AutoEncoder struct {
	Encoder *Encoder
	Decoder *Decoder
}

func NewAutoEncoder(cfg Config, rng *rand.Rand) (*AutoEncoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	enc, err := NewEncoder(cfg, rng)
	if err != nil {
		return nil, err
	}
	dec, err := NewDecoder(cfg, rng)
	if err != nil {
		return nil, err
	}
	return &AutoEncoder{Encoder: enc, Decoder: dec}, nil
}

func (m *AutoEncoder) Name() string { return "PCN" }

func (m *AutoEncoder) Parameters() []layers.Parameter {
	params := layers.Prefix("encoder", m.Encoder.Parameters())
	return append(params, layers.Prefix("decoder", m.Decoder.Parameters())...)
}

func (m *AutoEncoder) SetTraining(training bool) {
	m.Encoder.SetTraining(training)
	m.Decoder.SetTraining(training)
}

func (m *AutoEncoder) Forward(x *tensor.Tensor) (*Output, error) {
	v, err := m.Encoder.Encode(x)
	if err != nil {
		return nil, err
	}
	coarse, fine := m.Decoder.Decode(v)
	return &Output{Latent: v, Coarse: coarse, Fine: fine}, nil
}
