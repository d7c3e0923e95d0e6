package metrics

import (
	"math"
	"testing"
)

func TestAverageMeter(t *testing.T) {
	m := NewAverageMeter([]string{"cd_coarse", "cd_fine", "cd_total"})

	if m.Avg(0) != 0 {
		t.Errorf("expected 0 before any update, got %f", m.Avg(0))
	}

	updates := [][]float64{{1, 10, 100}, {2, 20, 200}, {4, 40, 400}}
	for _, u := range updates {
		if err := m.Update(u...); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	}

	tests := []struct {
		channel int
		avg     float64
	}{
		{0, (1.0 + 2.0 + 4.0) / 3},
		{1, (10.0 + 20.0 + 40.0) / 3},
		{2, (100.0 + 200.0 + 400.0) / 3},
	}
	for _, test := range tests {
		if got := m.Avg(test.channel); got != test.avg {
			t.Errorf("Avg(%d) = %f, expected %f", test.channel, got, test.avg)
		}
		if m.Count(test.channel) != 3 {
			t.Errorf("Count(%d) = %d, expected 3", test.channel, m.Count(test.channel))
		}
	}

	if vals := m.Vals(); vals[0] != 4 || vals[2] != 400 {
		t.Errorf("unexpected latest values %v", vals)
	}

	if err := m.Update(1, 2, 3, 4); err == nil {
		t.Error("expected error for too many values")
	}

	m.Reset()
	if m.Count(0) != 0 || m.Avg(1) != 0 {
		t.Error("Reset did not clear the meter")
	}
}

func TestAverageMeterPartialUpdate(t *testing.T) {
	m := NewAverageMeter(Names())
	_ = m.Update(0.5)
	_ = m.Update(1.5)

	if m.Avg(0) != 1 {
		t.Errorf("Avg(0) = %f, expected 1", m.Avg(0))
	}
	if m.Count(1) != 0 || m.Avg(1) != 0 {
		t.Error("untouched channel should stay empty")
	}
}

func TestNames(t *testing.T) {
	names := Names()
	if len(names) != 2 || names[0] != "CD" || names[1] != "F-Score" {
		t.Errorf("unexpected names %v", names)
	}
	if Metric(9).String() != "Unknown(9)" {
		t.Errorf("unexpected unknown metric name %s", Metric(9))
	}
}

func TestCompute(t *testing.T) {
	t.Run("identical clouds", func(t *testing.T) {
		cloud := []float32{0, 0, 0, 1, 0, 0, 0, 1, 0}
		values, err := Compute(cloud, cloud)
		if err != nil {
			t.Fatalf("Compute failed: %v", err)
		}
		if math.Abs(values[CD]-math.Sqrt(chamferClamp)) > 1e-9 {
			t.Errorf("CD = %g, expected clamp floor", values[CD])
		}
		if values[FScore] != 1 {
			t.Errorf("F-Score = %f, expected 1", values[FScore])
		}
	})

	t.Run("shifted cloud", func(t *testing.T) {
		gt := []float32{0, 0, 0, 1, 0, 0}
		pred := []float32{0, 0, 0.5, 1, 0, 0.5}
		cd, err := ChamferSqrt(pred, gt)
		if err != nil {
			t.Fatalf("ChamferSqrt failed: %v", err)
		}
		if math.Abs(cd-0.5) > 1e-6 {
			t.Errorf("CD = %f, expected 0.5", cd)
		}
		values, _ := Compute(pred, gt)
		if values[FScore] != 0 {
			t.Errorf("F-Score = %f, expected 0", values[FScore])
		}
	})

	t.Run("half matched", func(t *testing.T) {
		gt := []float32{0, 0, 0, 5, 0, 0}
		pred := []float32{0, 0, 0.001, 0, 0, 0}
		values, _ := Compute(pred, gt)
		// precision 1, recall 0.5
		if math.Abs(values[FScore]-2.0/3.0) > 1e-9 {
			t.Errorf("F-Score = %f, expected 2/3", values[FScore])
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		if _, err := Compute(nil, []float32{0, 0, 0}); err == nil {
			t.Error("expected error for empty prediction")
		}
		if _, err := Compute([]float32{0, 0}, []float32{0, 0, 0}); err == nil {
			t.Error("expected error for ragged cloud")
		}
	})
}

func TestBetter(t *testing.T) {
	if !Better(CD, 0.1, 0.2) || Better(CD, 0.3, 0.2) {
		t.Error("lower CD should be better")
	}
	if !Better(FScore, 0.9, 0.5) {
		t.Error("higher F-Score should be better")
	}
}
