package layers

import (
	"math/rand"
	"testing"
)

func TestLoadStateDictStrict(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	src, _ := MLP(rng, 3, 4, 2)
	dst, _ := MLP(rng, 3, 4, 2)

	report, err := LoadStateDict(dst, GetStateDict(src), true)
	if err != nil {
		t.Fatalf("strict load failed: %v", err)
	}
	if !report.Clean() || len(report.Loaded) != 4 {
		t.Errorf("unexpected report: %s", report)
	}
	for i, p := range dst.Parameters() {
		want := src.Parameters()[i].Tensor
		for j := range want.Data {
			if p.Tensor.Data[j] != want.Data[j] {
				t.Fatalf("%s differs after load", p.Name)
			}
		}
	}
}

func TestLoadStateDictRelaxed(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	src, _ := MLP(rng, 3, 4)
	dst, _ := MLP(rng, 3, 4, 2)

	sd := GetStateDict(src)
	sd["extra.weight"] = sd["0.weight"]

	if _, err := LoadStateDict(dst, sd, true); err == nil {
		t.Error("expected strict load to fail")
	}

	report, err := LoadStateDict(dst, sd, false)
	if err != nil {
		t.Fatalf("relaxed load failed: %v", err)
	}
	if len(report.Missing) != 2 || report.Missing[0] != "2.weight" {
		t.Errorf("unexpected missing keys %v", report.Missing)
	}
	if len(report.Unexpected) != 1 || report.Unexpected[0] != "extra.weight" {
		t.Errorf("unexpected keys %v", report.Unexpected)
	}
}

func TestLoadStateDictShapeMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	src, _ := MLP(rng, 3, 5)
	dst, _ := MLP(rng, 3, 4)
	before := dst.Parameters()[0].Tensor.Clone()

	if _, err := LoadStateDict(dst, GetStateDict(src), false); err == nil {
		t.Fatal("expected size mismatch error")
	}
	for i, v := range before.Data {
		if dst.Parameters()[0].Tensor.Data[i] != v {
			t.Fatal("module modified by failed load")
		}
	}
}

func TestFreezeAndTrainable(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a, _ := MLP(rng, 3, 4)
	Freeze(a)
	if len(Trainable(a)) != 0 {
		t.Error("frozen module still has trainable parameters")
	}
	b, _ := MLP(rng, 3, 4)
	if len(Trainable(b)) != 2 {
		t.Errorf("expected 2 trainable parameters, got %d", len(Trainable(b)))
	}
}
