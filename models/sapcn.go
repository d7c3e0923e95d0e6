package models

import (
	"math/rand"

	"github.com/go-sapcn/sapcn/layers"
	"github.com/go-sapcn/sapcn/tensor"
)

// ASFM is the stage-2 completion module: a PCN encoder with self-attention
// over per-point features, followed by the PCN decoder. Its decoder parameter
// names match AutoEncoder's so stage-1 decoder weights can seed it.
type ASFM struct {
	Encoder *Encoder
	Decoder *Decoder
}

// NewASFM builds the module with the given refinement ratio; stepRatio <= 0
// keeps cfg.StepRatio.
func NewASFM(cfg Config, stepRatio int, rng *rand.Rand) (*ASFM, error) {
	if stepRatio > 0 {
		cfg.StepRatio = stepRatio
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	enc, err := NewEncoder(cfg, rng)
	if err != nil {
		return nil, err
	}
	enc.Attention = layers.NewAttention(cfg.EncoderFeature, rng)

	dec, err := NewDecoder(cfg, rng)
	if err != nil {
		return nil, err
	}
	return &ASFM{Encoder: enc, Decoder: dec}, nil
}

func (m *ASFM) Name() string { return "ASFM" }

func (m *ASFM) Parameters() []layers.Parameter {
	params := layers.Prefix("encoder", m.Encoder.Parameters())
	return append(params, layers.Prefix("decoder", m.Decoder.Parameters())...)
}

func (m *ASFM) SetTraining(training bool) {
	m.Encoder.SetTraining(training)
	m.Decoder.SetTraining(training)
}

func (m *ASFM) Forward(x *tensor.Tensor) (*Output, error) {
	v, err := m.Encoder.Encode(x)
	if err != nil {
		return nil, err
	}
	coarse, fine := m.Decoder.Decode(v)
	return &Output{Latent: v, Coarse: coarse, Fine: fine}, nil
}

