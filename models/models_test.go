package models

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/go-sapcn/sapcn/layers"
	"github.com/go-sapcn/sapcn/tensor"
)

func tinyConfig() Config {
	return Config{
		EncoderHidden:  8,
		EncoderFeature: 8,
		LatentDim:      16,
		DecoderHidden:  16,
		FoldingHidden:  8,
		NumCoarse:      6,
		StepRatio:      4,
		GridScale:      0.05,
	}
}

func TestAutoEncoderShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	m, err := NewAutoEncoder(tinyConfig(), rng)
	if err != nil {
		t.Fatalf("NewAutoEncoder failed: %v", err)
	}

	x := tensor.RandomNormal(rng, 0, 1, 2, 3, 20)
	out, err := m.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	checks := []struct {
		name  string
		got   []int
		shape []int
	}{
		{"latent", out.Latent.Shape, []int{2, 16}},
		{"coarse", out.Coarse.Shape, []int{2, 3, 6}},
		{"fine", out.Fine.Shape, []int{2, 3, 24}},
	}
	for _, c := range checks {
		if len(c.got) != len(c.shape) {
			t.Errorf("%s: expected shape %v, got %v", c.name, c.shape, c.got)
			continue
		}
		for i := range c.shape {
			if c.got[i] != c.shape[i] {
				t.Errorf("%s: expected shape %v, got %v", c.name, c.shape, c.got)
				break
			}
		}
	}

	if _, err := m.Forward(tensor.Zeros(2, 20, 3)); err == nil {
		t.Error("expected error for point-major input")
	}
}

func TestParameterNamesShareDecoderLayout(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	pcn, _ := NewAutoEncoder(tinyConfig(), rng)
	sa, err := NewASFM(tinyConfig(), 4, rng)
	if err != nil {
		t.Fatalf("NewASFM failed: %v", err)
	}

	pcnNames := map[string]bool{}
	for _, p := range pcn.Parameters() {
		pcnNames[p.Name] = true
	}

	hasAttention := false
	for _, p := range sa.Parameters() {
		if strings.HasPrefix(p.Name, "decoder.") && !pcnNames[p.Name] {
			t.Errorf("ASFM decoder parameter %s has no PCN counterpart", p.Name)
		}
		if strings.HasPrefix(p.Name, "encoder.sa.") {
			hasAttention = true
		}
	}
	if !hasAttention {
		t.Error("ASFM encoder has no attention parameters")
	}
	if !pcnNames["encoder.first_conv.0.weight"] || !pcnNames["decoder.final_conv.4.bias"] {
		t.Error("unexpected PCN parameter naming")
	}
}

func TestEvalForwardBuildsNoGraph(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	m, _ := NewASFM(tinyConfig(), 0, rng)
	x := tensor.RandomNormal(rng, 0, 1, 1, 3, 12)

	out, _ := m.Forward(x)
	if !out.Fine.RequiresGrad() {
		t.Error("training forward should record a graph")
	}

	Eval(m)
	out, _ = m.Forward(x)
	if out.Fine.RequiresGrad() || out.Coarse.RequiresGrad() || out.Latent.RequiresGrad() {
		t.Error("inference forward should not record a graph")
	}
	Train(m)
}

func TestFrozenDecoderGetsNoGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	m, _ := NewASFM(tinyConfig(), 0, rng)
	layers.Freeze(m.Decoder)

	out, _ := m.Forward(tensor.RandomNormal(rng, 0, 1, 1, 3, 10))
	if err := tensor.Mean(out.Fine).Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for _, p := range m.Decoder.Parameters() {
		if p.Tensor.Grad() != nil {
			t.Errorf("frozen decoder parameter %s received a gradient", p.Name)
		}
	}
	for _, p := range layers.Trainable(m) {
		if p.Tensor.Grad() == nil {
			t.Errorf("trainable parameter %s has no gradient", p.Name)
		}
	}
}

func TestFoldingGrid(t *testing.T) {
	grid := foldingGrid(2, 4, 0.05)
	if grid.Shape[0] != 8 || grid.Shape[1] != 2 {
		t.Fatalf("unexpected grid shape %v", grid.Shape)
	}
	expected := []float32{-0.05, -0.05, -0.05, 0.05, 0.05, -0.05, 0.05, 0.05}
	for i, v := range expected {
		if grid.Data[i] != v || grid.Data[8+i] != v {
			t.Errorf("grid value %d: expected %f, got %f / %f", i, v, grid.Data[i], grid.Data[8+i])
		}
	}
}
