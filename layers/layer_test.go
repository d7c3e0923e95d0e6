package layers

import (
	"math/rand"
	"testing"

	"github.com/go-sapcn/sapcn/tensor"
)

func TestMLPParameterNames(t *testing.T) {
	mlp, err := MLP(rand.New(rand.NewSource(1)), 3, 8, 4)
	if err != nil {
		t.Fatalf("MLP failed: %v", err)
	}

	expected := []string{"0.weight", "0.bias", "2.weight", "2.bias"}
	params := mlp.Parameters()
	if len(params) != len(expected) {
		t.Fatalf("expected %d parameters, got %d", len(expected), len(params))
	}
	for i, name := range expected {
		if params[i].Name != name {
			t.Errorf("parameter %d: expected %s, got %s", i, name, params[i].Name)
		}
	}
	if CountParameters(mlp) != 3*8+8+8*4+4 {
		t.Errorf("unexpected parameter count %d", CountParameters(mlp))
	}
}

func TestMLPRejectsBadWidths(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	if _, err := MLP(rng, 3); err == nil {
		t.Error("expected error for a single width")
	}
	if _, err := MLP(rng, 3, 0, 2); err == nil {
		t.Error("expected error for a zero width")
	}
}

func TestInferenceModeRecordsNoGraph(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	mlp, _ := MLP(rng, 3, 4, 2)
	x := tensor.RandomNormal(rng, 0, 1, 5, 3)

	if !mlp.Forward(x).RequiresGrad() {
		t.Error("training mode output should require gradients")
	}

	mlp.SetTraining(false)
	y := mlp.Forward(x)
	if y.RequiresGrad() || !y.IsLeaf() {
		t.Error("inference mode output should not be part of a graph")
	}
}

func TestAttentionKeepsShape(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	att := NewAttention(6, rng)
	x := tensor.RandomNormal(rng, 0, 1, 10, 6)

	y := att.Forward(x)
	if y.Shape[0] != 10 || y.Shape[1] != 6 {
		t.Fatalf("unexpected output shape %v", y.Shape)
	}
	if err := tensor.Mean(y).Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for _, p := range att.Parameters() {
		if p.Tensor.Grad() == nil {
			t.Errorf("parameter %s has no gradient", p.Name)
		}
	}
}
