package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Resuming() {
		t.Error("default config should not resume")
	}
	if cfg.Resolution.Input != 2048 || cfg.Resolution.Coarse != 1024 || cfg.Resolution.Fine != 4096 {
		t.Errorf("unexpected resolutions %+v", cfg.Resolution)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"DATASET": {"TRAIN_DATASET": "Synthetic", "TEST_DATASET": "Synthetic"},
		"CONST": {"BBWEIGHTS": "ckpt.pb", "NUM_WORKERS": 2},
		"TRAIN": {"ACCUMULATION_STEPS": 4, "BETAS": [0.8, 0.99]}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Dataset.TrainDataset != Synthetic {
		t.Errorf("train dataset %q", cfg.Dataset.TrainDataset)
	}
	if !cfg.Resuming() || cfg.Const.NumWorkers != 2 {
		t.Errorf("CONST not applied: %+v", cfg.Const)
	}
	if cfg.Train.AccumulationSteps != 4 || cfg.Train.Betas[0] != 0.8 {
		t.Errorf("TRAIN not applied: %+v", cfg.Train)
	}
	if cfg.Train.SaveFreq != 25 || cfg.Model.NumCoarse != 1024 {
		t.Error("defaults lost while overlaying")
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		message string
	}{
		{"unknown dataset", `{"DATASET": {"TRAIN_DATASET": "KITTI"}}`, "unknown dataset"},
		{"unknown field", `{"TRAIN": {"BATCH": 3}}`, "unknown field"},
		{"bad syntax", `{"TRAIN": `, "failed to parse"},
		{"zero accumulation", `{"TRAIN": {"ACCUMULATION_STEPS": 0}}`, "ACCUMULATION_STEPS"},
		{"bad betas", `{"TRAIN": {"BETAS": [1.0, 0.9]}}`, "BETAS"},
		{"bad format", `{"TRAIN": {"CHECKPOINT_FORMAT": "pth"}}`, "CHECKPOINT_FORMAT"},
		{"bad device", `{"CONST": {"DEVICE": "tpu"}}`, "DEVICE"},
		{"bad model", `{"MODEL": {"LATENT_DIM": 0}}`, "LATENT_DIM"},
		{"fine above shapenet cloud", `{"RESOLUTION": {"FINE": 20000}}`, "RESOLUTION.FINE (20000) exceeds DATASETS.SHAPENET.N_POINTS (16384)"},
		{"input above shapenet cloud", `{"DATASETS": {"SHAPENET": {"N_POINTS": 1024}}}`, "RESOLUTION.INPUT (2048) exceeds DATASETS.SHAPENET.N_POINTS"},
		{"fine above synthetic cloud", `{"DATASET": {"TRAIN_DATASET": "Synthetic", "TEST_DATASET": "Synthetic"}, "DATASETS": {"SYNTHETIC": {"N_POINTS": 3000}}}`, "RESOLUTION.FINE (4096) exceeds DATASETS.SYNTHETIC.N_POINTS (3000)"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, test.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), test.message) {
				t.Errorf("error %q does not mention %q", err, test.message)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseDatasetName(t *testing.T) {
	for _, name := range DatasetNames {
		got, err := ParseDatasetName(string(name))
		if err != nil || got != name {
			t.Errorf("ParseDatasetName(%q) = %q, %v", name, got, err)
		}
	}
	if _, err := ParseDatasetName("Completion3D"); err == nil {
		t.Error("expected error for unsupported dataset")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Dataset.TestDataset = ShapeNetCars
	cfg.Train.NEpochs = 3

	path := filepath.Join(t.TempDir(), "out", "config.json")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Dataset.TestDataset != ShapeNetCars || loaded.Train.NEpochs != 3 {
		t.Errorf("round trip lost values: %+v", loaded)
	}
}
