package checkpoints

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-sapcn/sapcn/layers"
	"github.com/go-sapcn/sapcn/tensor"
)

// namedModule exposes a fixed parameter list.
type namedModule struct {
	params []layers.Parameter
}

func (m *namedModule) Parameters() []layers.Parameter { return m.params }

func (m *namedModule) SetTraining(bool) {}

func newNamedModule(names ...string) *namedModule {
	m := &namedModule{}
	for _, name := range names {
		m.params = append(m.params, layers.Parameter{Name: name, Tensor: tensor.Zeros(2)})
	}
	return m
}

func testCheckpoint() *Checkpoint {
	return &Checkpoint{
		EpochIndex:  7,
		BestMetrics: Score(math.Inf(1)),
		Steps:       301,
		Model: []WeightTensor{
			{Name: "module.encoder.layer1.w", Shape: []int{2}, Data: []float32{1, 2}},
			{Name: "module.decoder.layer2.w", Shape: []int{2}, Data: []float32{3, 4}},
		},
		Optimizer: &OptimizerState{
			Type:       "Adam",
			Parameters: map[string]float64{"learning_rate": 1e-4, "step_count": 12},
			StateData: []OptimizerTensor{
				{Name: "exp_avg.layer1.w", Shape: []int{2}, Data: []float32{0.5, -0.5}, StateType: "m"},
			},
		},
		LRScheduler: &SchedulerState{Type: "StepLR", LastEpoch: 7, BaseLR: 1e-4, StepSize: 20, Gamma: 0.7, LastLR: 1e-4},
		Metadata: CheckpointMetadata{
			Version:   FormatVersion,
			Framework: Framework,
			RunID:     "run-1",
			CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC),
			Tags:      []string{"backbone"},
		},
	}
}

func TestCheckpointSaveLoad(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatProto, FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "ckpt"+format.Ext())
			saver := NewCheckpointSaver(format)
			if err := saver.SaveCheckpoint(testCheckpoint(), path); err != nil {
				t.Fatalf("SaveCheckpoint failed: %v", err)
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			want := testCheckpoint()

			if loaded.EpochIndex != want.EpochIndex || loaded.Steps != want.Steps {
				t.Errorf("epoch/steps: got %d/%d", loaded.EpochIndex, loaded.Steps)
			}
			if !math.IsInf(float64(loaded.BestMetrics), 1) {
				t.Errorf("best metrics: expected +Inf, got %v", loaded.BestMetrics)
			}
			if len(loaded.Model) != 2 || loaded.Model[1].Name != "module.decoder.layer2.w" || loaded.Model[1].Data[1] != 4 {
				t.Errorf("model tensors not restored: %+v", loaded.Model)
			}
			if loaded.Optimizer == nil || loaded.Optimizer.Parameters["step_count"] != 12 {
				t.Fatalf("optimizer state not restored: %+v", loaded.Optimizer)
			}
			if st := loaded.Optimizer.StateData[0]; st.StateType != "m" || st.Data[1] != -0.5 {
				t.Errorf("optimizer tensor not restored: %+v", st)
			}
			if *loaded.LRScheduler != *want.LRScheduler {
				t.Errorf("scheduler: expected %+v, got %+v", *want.LRScheduler, *loaded.LRScheduler)
			}
			if !loaded.Metadata.CreatedAt.Equal(want.Metadata.CreatedAt) || loaded.Metadata.RunID != "run-1" {
				t.Errorf("metadata not restored: %+v", loaded.Metadata)
			}
		})
	}
}

func TestLoadMalformedCheckpoint(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		file    string
		content []byte
	}{
		{"truncated proto", "bad.pb", []byte{0x0a, 0xff}},
		{"proto without metadata", "empty.pb", []byte{0x08, 0x01}},
		{"broken json", "bad.json", []byte("{\"epoch_index\": ")},
		{"json without version", "nover.json", []byte("{\"epoch_index\": 1}")},
		{"unknown extension", "ckpt.pth", []byte{}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(dir, test.file)
			if err := os.WriteFile(path, test.content, 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := Load(filepath.Join(dir, "missing.pb")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestPartialLoadStripsRolePrefix(t *testing.T) {
	ckpt := testCheckpoint()
	encoder := newNamedModule("layer1.w")
	decoder := newNamedModule("layer2.w")

	report, err := ckpt.LoadModule(encoder, EncoderKeys, true)
	if err != nil {
		t.Fatalf("encoder load failed: %v", err)
	}
	if !report.Clean() {
		t.Errorf("encoder load should be clean: %s", report)
	}
	if got := encoder.params[0].Tensor.Data; got[0] != 1 || got[1] != 2 {
		t.Errorf("encoder layer1.w: got %v", got)
	}

	if _, err := ckpt.LoadModule(decoder, DecoderKeys, false); err != nil {
		t.Fatalf("decoder load failed: %v", err)
	}
	if got := decoder.params[0].Tensor.Data; got[0] != 3 || got[1] != 4 {
		t.Errorf("decoder layer2.w: got %v", got)
	}
}

func TestRelaxedLoadReportsMismatches(t *testing.T) {
	m := newNamedModule("decoder.layer2.w", "layer3.w")
	report, err := testCheckpoint().LoadModule(m, ModelKeys, false)
	if err != nil {
		t.Fatalf("relaxed load failed: %v", err)
	}
	if len(report.Missing) != 1 || report.Missing[0] != "layer3.w" {
		t.Errorf("missing: %v", report.Missing)
	}
	if len(report.Unexpected) != 1 || report.Unexpected[0] != "encoder.layer1.w" {
		t.Errorf("unexpected: %v", report.Unexpected)
	}

	if m.params[0].Tensor.Data[0] != 3 {
		t.Errorf("decoder.layer2.w not loaded: %v", m.params[0].Tensor.Data)
	}

	if _, err := testCheckpoint().LoadModule(m, ModelKeys, true); err == nil {
		t.Error("strict load should fail on mismatched keys")
	}
}

func TestKeyMapping(t *testing.T) {
	sd := layers.StateDict{
		"module.encoder.a": tensor.Zeros(1),
		"module.decoder.b": tensor.Zeros(1),
		"other":            tensor.Zeros(1),
	}

	t.Run("longest prefix wins", func(t *testing.T) {
		km := KeyMapping{Rules: []Rule{{From: "module."}, {From: "module.encoder.", To: "enc."}}}
		out, dropped, err := km.Apply(sd)
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		for _, key := range []string{"enc.a", "decoder.b", "other"} {
			if _, ok := out[key]; !ok {
				t.Errorf("missing key %s in %v", key, out.Keys())
			}
		}
		if len(dropped) != 0 {
			t.Errorf("nothing should be dropped, got %v", dropped)
		}
	})

	t.Run("drop unmatched", func(t *testing.T) {
		out, dropped, err := EncoderKeys.Apply(sd)
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if len(out) != 1 || out["a"] == nil {
			t.Errorf("unexpected result %v", out.Keys())
		}
		if strings.Join(dropped, ",") != "module.decoder.b,other" {
			t.Errorf("dropped: %v", dropped)
		}
	})

	t.Run("invalid mappings", func(t *testing.T) {
		invalid := []KeyMapping{
			{},
			{Rules: []Rule{{From: ""}}},
			{Rules: []Rule{{From: "a."}, {From: "a."}}},
		}
		for i, km := range invalid {
			if err := km.Validate(); err == nil {
				t.Errorf("mapping %d should be invalid", i)
			}
		}
	})

	t.Run("collision", func(t *testing.T) {
		km := KeyMapping{Rules: []Rule{{From: "module.encoder.", To: "x."}, {From: "module.decoder.", To: "x."}}}
		clash := layers.StateDict{"module.encoder.a": tensor.Zeros(1), "module.decoder.a": tensor.Zeros(1)}
		if _, _, err := km.Apply(clash); err == nil {
			t.Error("expected collision error")
		}
	})
}

func TestFromStateDict(t *testing.T) {
	w, _ := tensor.NewTensor([]int{2}, []float32{5, 6})
	weights := FromStateDict(layers.StateDict{"b": w, "a": tensor.Zeros(1)}, ReplicaPrefix)
	if len(weights) != 2 || weights[0].Name != "module.a" || weights[1].Name != "module.b" {
		t.Fatalf("unexpected weights %+v", weights)
	}
	w.Data[0] = 0
	if weights[1].Data[0] != 5 {
		t.Error("weights should not alias the state dict")
	}

	c := &Checkpoint{Model: weights}
	sd, err := c.StateDict()
	if err != nil {
		t.Fatalf("StateDict failed: %v", err)
	}
	if sd["module.b"].Data[1] != 6 {
		t.Errorf("unexpected tensor %v", sd["module.b"].Data)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want CheckpointFormat
		ok   bool
	}{
		{".pb", FormatProto, true},
		{"json", FormatJSON, true},
		{"PROTO", FormatProto, true},
		{".pth", 0, false},
	}
	for _, test := range tests {
		got, err := ParseFormat(test.in)
		if (err == nil) != test.ok || (test.ok && got != test.want) {
			t.Errorf("ParseFormat(%q) = %v, %v", test.in, got, err)
		}
	}
}
