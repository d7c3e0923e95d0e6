package training

import (
	"bufio"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestSummaryWriter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs", "train")
	w, err := NewSummaryWriter(dir)
	if err != nil {
		t.Fatalf("NewSummaryWriter failed: %v", err)
	}

	for step := 1; step <= 3; step++ {
		if err := w.AddScalar("Loss/Epoch/cd_coarse", 10/float64(step), step); err != nil {
			t.Fatalf("AddScalar failed: %v", err)
		}
	}
	if err := w.AddScalar("Metric/CD", math.Inf(1), 1); err != nil {
		t.Fatalf("AddScalar of +Inf failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := w.AddScalar("late", 1, 1); err == nil {
		t.Error("expected error after Close")
	}

	f, err := os.Open(filepath.Join(dir, "scalars.jsonl"))
	if err != nil {
		t.Fatalf("missing event file: %v", err)
	}
	defer f.Close()
	var events []ScalarEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev ScalarEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad event line %q: %v", scanner.Text(), err)
		}
		events = append(events, ev)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[2].Step != 3 || math.Abs(float64(events[2].Value)-10.0/3) > 1e-12 {
		t.Errorf("unexpected event %+v", events[2])
	}
	if !math.IsInf(float64(events[3].Value), 1) {
		t.Errorf("expected +Inf to survive, got %v", events[3].Value)
	}

	if _, err := os.Stat(w.PlotPath("Loss/Epoch/cd_coarse")); err != nil {
		t.Errorf("expected a plot: %v", err)
	}
	// a tag with no finite points gets no plot
	if _, err := os.Stat(w.PlotPath("Metric/CD")); !os.IsNotExist(err) {
		t.Errorf("expected no plot for a non-finite series, got %v", err)
	}
}

func TestSeriesColorsDiffer(t *testing.T) {
	a, b := seriesColor(0, 3), seriesColor(1, 3)
	if a.DistanceLab(b) < 0.1 {
		t.Errorf("expected distinct colours, got %v and %v", a.Hex(), b.Hex())
	}
}
