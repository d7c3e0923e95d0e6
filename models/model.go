// Package models holds the point cloud completion networks: the PCN
// autoencoder used as the stage-1 backbone and the self-attention completion
// module fine-tuned against it.
package models

import (
	"fmt"
	"math"

	"github.com/go-sapcn/sapcn/layers"
	"github.com/go-sapcn/sapcn/tensor"
)

// Config sizes the networks. The defaults reproduce the published PCN widths
// with a 1024-point coarse cloud refined 4x.
type Config struct {
	EncoderHidden  int     `json:"ENCODER_HIDDEN"`
	EncoderFeature int     `json:"ENCODER_FEATURE"`
	LatentDim      int     `json:"LATENT_DIM"`
	DecoderHidden  int     `json:"DECODER_HIDDEN"`
	FoldingHidden  int     `json:"FOLDING_HIDDEN"`
	NumCoarse      int     `json:"NUM_COARSE"`
	StepRatio      int     `json:"STEP_RATIO"`
	GridScale      float32 `json:"GRID_SCALE"`
}

func DefaultConfig() Config {
	return Config{
		EncoderHidden:  128,
		EncoderFeature: 256,
		LatentDim:      1024,
		DecoderHidden:  1024,
		FoldingHidden:  512,
		NumCoarse:      1024,
		StepRatio:      4,
		GridScale:      0.05,
	}
}

// NumFine is the size of the refined output cloud.
func (c Config) NumFine() int {
	return c.NumCoarse * c.StepRatio
}

func (c Config) Validate() error {
	for name, v := range map[string]int{
		"ENCODER_HIDDEN":  c.EncoderHidden,
		"ENCODER_FEATURE": c.EncoderFeature,
		"LATENT_DIM":      c.LatentDim,
		"DECODER_HIDDEN":  c.DecoderHidden,
		"FOLDING_HIDDEN":  c.FoldingHidden,
		"NUM_COARSE":      c.NumCoarse,
		"STEP_RATIO":      c.StepRatio,
	} {
		if v <= 0 {
			return fmt.Errorf("MODEL.%s must be positive, got %d", name, v)
		}
	}
	if c.GridScale <= 0 {
		return fmt.Errorf("MODEL.GRID_SCALE must be positive, got %f", c.GridScale)
	}
	return nil
}

// Output is what a completion model produces for a batch. Coarse and Fine are
// channel-first, [B,3,NumCoarse] and [B,3,NumFine].
type Output struct {
	Latent *tensor.Tensor // [B, LatentDim]
	Coarse *tensor.Tensor
	Fine   *tensor.Tensor
}

// CompletionModel maps a channel-first [B,3,N] cloud to a latent code and two
// completed clouds.
type CompletionModel interface {
	layers.Module
	Name() string
	Forward(x *tensor.Tensor) (*Output, error)
}

// Eval switches m to inference mode.
func Eval(m layers.Module) { m.SetTraining(false) }

// Train switches m to training mode.
func Train(m layers.Module) { m.SetTraining(true) }

func checkInput(x *tensor.Tensor) error {
	if len(x.Shape) != 3 || x.Shape[1] != 3 {
		return fmt.Errorf("expected a channel-first [B,3,N] cloud, got %v", x.Shape)
	}
	return nil
}

// foldingGrid returns the 2-D seed offsets attached to each copy of a coarse
// point, tiled for numCoarse points: [numCoarse*step, 2].
func foldingGrid(numCoarse, step int, scale float32) *tensor.Tensor {
	side := int(math.Ceil(math.Sqrt(float64(step))))
	coords := make([]float32, side)
	for i := range coords {
		if side == 1 {
			coords[i] = 0
		} else {
			coords[i] = -scale + 2*scale*float32(i)/float32(side-1)
		}
	}

	seeds := make([]float32, 0, step*2)
	for i := 0; i < side && len(seeds) < step*2; i++ {
		for j := 0; j < side && len(seeds) < step*2; j++ {
			seeds = append(seeds, coords[i], coords[j])
		}
	}

	grid := tensor.Zeros(numCoarse*step, 2)
	for p := 0; p < numCoarse; p++ {
		copy(grid.Data[p*step*2:(p+1)*step*2], seeds)
	}
	return grid
}
