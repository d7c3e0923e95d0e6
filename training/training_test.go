package training

import (
	"bytes"
	"context"
	"io"
	"log"
	"math"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/go-sapcn/sapcn/checkpoints"
	"github.com/go-sapcn/sapcn/config"
	"github.com/go-sapcn/sapcn/device"
	"github.com/go-sapcn/sapcn/layers"
	"github.com/go-sapcn/sapcn/metrics"
	"github.com/go-sapcn/sapcn/models"
	"github.com/go-sapcn/sapcn/optimizer"
	"github.com/go-sapcn/sapcn/tensor"
)

func testSession(out io.Writer) *Session {
	return &Session{
		Device: device.Detect("cpu", 2),
		Rand:   rand.New(rand.NewSource(7)),
		Out:    out,
		Logger: log.New(io.Discard, "", 0),
		RunID:  "test-run",
	}
}

// tinyConfig trains on a handful of synthetic shapes with a very small model.
func tinyConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Dataset = config.DatasetConfig{TrainDataset: config.Synthetic, TestDataset: config.Synthetic}
	cfg.Datasets.Synthetic = config.SyntheticConfig{NTrain: 4, NTest: 3, NPoints: 32, NPartialPoint: 16}
	cfg.Const.NumWorkers = 2
	cfg.Model = models.Config{
		EncoderHidden:  8,
		EncoderFeature: 8,
		LatentDim:      16,
		DecoderHidden:  16,
		FoldingHidden:  8,
		NumCoarse:      4,
		StepRatio:      2,
		GridScale:      0.05,
	}
	cfg.Resolution = config.ResolutionConfig{Input: 16, Coarse: 4, Fine: 8}
	cfg.Train.BackboneBatchSize = 2
	cfg.Train.AccumulationSteps = 1
	cfg.Train.NEpochs = 2
	cfg.Train.SaveFreq = 1
	cfg.Train.WarmupSteps = 1
	cfg.Train.BackboneLearningRate = 1e-3
	cfg.Dir.OutPath = t.TempDir()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	return cfg
}

func findCheckpoints(t *testing.T, pattern string) []string {
	t.Helper()
	paths, err := filepath.Glob(pattern)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(paths)
	return paths
}

func param(name string, values ...float32) layers.Parameter {
	p, _ := tensor.NewTensor([]int{len(values)}, append([]float32(nil), values...))
	p.SetRequiresGrad(true)
	return layers.Parameter{Name: name, Tensor: p}
}

func TestAccumulatorStepsOncePerWindow(t *testing.T) {
	p := param("w", 1, 2)
	opt, err := optimizer.NewAdam(optimizer.DefaultAdamConfig(), []layers.Parameter{p})
	if err != nil {
		t.Fatal(err)
	}
	acc := newAccumulator(opt, 3)
	acc.Reset()

	for batch := 1; batch <= 7; batch++ {
		if err := tensor.Mean(p.Tensor).Backward(); err != nil {
			t.Fatal(err)
		}
		stepped, err := acc.Add()
		if err != nil {
			t.Fatal(err)
		}
		if want := batch%3 == 0; stepped != want {
			t.Errorf("batch %d: stepped = %v, expected %v", batch, stepped, want)
		}
		g := p.Tensor.Grad().Data
		if stepped && (g[0] != 0 || g[1] != 0) {
			t.Errorf("batch %d: gradient not zeroed after step: %v", batch, g)
		}
		// the window sums gradients until it closes
		if !stepped {
			want := float32(batch%3) * 0.5
			if math.Abs(float64(g[0]-want)) > 1e-6 {
				t.Errorf("batch %d: expected accumulated grad %f, got %f", batch, want, g[0])
			}
		}
	}
	if opt.GetStepCount() != 2 {
		t.Errorf("expected 2 optimizer steps, got %d", opt.GetStepCount())
	}

	acc.Reset()
	if g := p.Tensor.Grad().Data; g[0] != 0 {
		t.Errorf("Reset left gradient %v", g)
	}
}

func TestWarmupTick(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		resumed   bool
		optSteps  int
		wantSteps int
	}{
		{"advances per optimizer step", 10, false, 4, 4},
		{"stops past the limit", 3, false, 10, 4},
		{"zero limit ticks once", 0, false, 5, 1},
		{"never when resumed", 10, true, 5, 0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			after := NewStepLRScheduler(1, 100, 0.5)
			sched := NewGradualWarmupScheduler(test.limit, after)
			steps := 0
			for i := 0; i < test.optSteps; i++ {
				warmupTick(sched, &steps, test.limit, test.resumed)
			}
			if steps != test.wantSteps {
				t.Errorf("expected %d warmup ticks, got %d", test.wantSteps, steps)
			}
		})
	}
}

func TestSavePolicy(t *testing.T) {
	inf := math.Inf(1)
	tests := []struct {
		metric      metrics.Metric
		epoch, freq int
		score, best float64
		save        bool
		name        string
	}{
		{metrics.CD, 1, 25, 5, inf, true, "pcnbackbone-best.pb"},
		{metrics.CD, 2, 25, 6, 5, false, ""},
		{metrics.CD, 25, 25, 6, 5, true, "ckpt-epoch-025.pb"},
		{metrics.CD, 50, 25, 4, 5, true, "pcnbackbone-best.pb"},
		{metrics.CD, 7, 25, 5, 5, false, ""},
		// F-Score improves upwards
		{metrics.FScore, 1, 25, 0.2, math.Inf(-1), true, "pcnbackbone-best.pb"},
		{metrics.FScore, 3, 25, 0.9, 0.5, true, "pcnbackbone-best.pb"},
		{metrics.FScore, 4, 25, 0.4, 0.5, false, ""},
		{metrics.FScore, 25, 25, 0.4, 0.5, true, "ckpt-epoch-025.pb"},
	}
	for _, test := range tests {
		if got := shouldSave(test.metric, test.epoch, test.freq, test.score, test.best); got != test.save {
			t.Errorf("%s epoch %d score %g best %g: save = %v, expected %v",
				test.metric, test.epoch, test.score, test.best, got, test.save)
		}
		if !test.save {
			continue
		}
		name := checkpointName(test.metric, "pcnbackbone-best", test.epoch, test.score, test.best, checkpoints.FormatProto)
		if name != test.name {
			t.Errorf("%s epoch %d: expected %s, got %s", test.metric, test.epoch, test.name, name)
		}
		if strings.Contains(name, "best") != metrics.Better(test.metric, test.score, test.best) {
			t.Errorf("%s epoch %d: %s names best without improving", test.metric, test.epoch, name)
		}
	}
}

func TestFreshStateStartsAtWorst(t *testing.T) {
	for _, m := range metrics.All {
		st := freshState(m)
		if st.Epoch != 0 || st.Steps != 0 {
			t.Errorf("%s: unexpected fresh state %+v", m, st)
		}
		// any finite score must beat the starting best
		for _, score := range []float64{0, 1e6, -1e6} {
			if !metrics.Better(m, score, st.Best) {
				t.Errorf("%s: score %g does not improve on fresh best %g", m, score, st.Best)
			}
		}
	}
}

// pretrain runs stage 1 and returns its best checkpoint.
func pretrain(t *testing.T, cfg *config.Config) string {
	t.Helper()
	if err := PretrainAutoEncoder(context.Background(), testSession(io.Discard), cfg); err != nil {
		t.Fatalf("PretrainAutoEncoder failed: %v", err)
	}
	best := findCheckpoints(t, filepath.Join(cfg.Dir.OutPath, "pcn", "checkpoints", "*", "pcn-best.pb"))
	if len(best) != 1 {
		t.Fatalf("expected one pcn-best checkpoint, got %v", best)
	}
	return best[0]
}

func TestFrozenEncoderNeverChanges(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.Train.NEpochs = 1
	weights := pretrain(t, cfg)

	sess := testSession(io.Discard)
	blEncoder, asfm, err := SAModulesInit(sess, cfg, weights, 0)
	if err != nil {
		t.Fatalf("SAModulesInit failed: %v", err)
	}
	snapshot := make(map[string][]float32)
	for k, v := range layers.GetStateDict(blEncoder) {
		snapshot[k] = append([]float32(nil), v.Data...)
	}
	for _, p := range blEncoder.Parameters() {
		if p.Tensor.RequiresGrad() {
			t.Errorf("%s still requires gradients", p.Name)
		}
	}

	opt, err := newAdam(cfg, layers.Trainable(asfm))
	if err != nil {
		t.Fatal(err)
	}
	models.Train(asfm)
	x := tensor.RandomNormal(sess.Rand, 0, 0.3, 2, 3, 16)
	for i := 0; i < 3; i++ {
		out, err := asfm.Forward(x)
		if err != nil {
			t.Fatal(err)
		}
		v, err := blEncoder.Encode(x)
		if err != nil {
			t.Fatal(err)
		}
		loss, err := NewRMSELoss().Forward(out.Latent, v)
		if err != nil {
			t.Fatal(err)
		}
		if err := loss.Backward(); err != nil {
			t.Fatal(err)
		}
		if err := opt.Step(); err != nil {
			t.Fatal(err)
		}
		opt.ZeroGrad()
	}

	for _, p := range blEncoder.Parameters() {
		if p.Tensor.Grad() != nil {
			t.Errorf("%s received a gradient", p.Name)
		}
		for i, v := range p.Tensor.Data {
			if v != snapshot[p.Name][i] {
				t.Errorf("%s changed at %d", p.Name, i)
				break
			}
		}
	}
}

func TestTrainBackboneAndResume(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.Const.PCNWeights = pretrain(t, cfg)

	if err := TrainBackbone(context.Background(), testSession(io.Discard), cfg); err != nil {
		t.Fatalf("TrainBackbone failed: %v", err)
	}
	saved := findCheckpoints(t, filepath.Join(cfg.Dir.OutPath, "backbone", "checkpoints", "*", "*.pb"))
	if len(saved) == 0 {
		t.Fatal("TrainBackbone saved no checkpoint")
	}

	var latest *checkpoints.Checkpoint
	var latestPath string
	for _, path := range saved {
		ckpt, err := checkpoints.Load(path)
		if err != nil {
			t.Fatalf("Load %s failed: %v", path, err)
		}
		// two batches per epoch, one optimizer step each
		if got := ckpt.Optimizer.Parameters["step_count"]; got != float64(2*ckpt.EpochIndex) {
			t.Errorf("%s: %g optimizer steps after epoch %d", path, got, ckpt.EpochIndex)
		}
		// warmup ticks while steps <= WARMUP_STEPS, so twice
		if ckpt.Steps != 2 {
			t.Errorf("%s: expected 2 warmup steps, got %d", path, ckpt.Steps)
		}
		if ckpt.LRScheduler == nil || ckpt.LRScheduler.Type != "StepLR" {
			t.Errorf("%s: expected a StepLR state, got %+v", path, ckpt.LRScheduler)
		}
		if !strings.HasPrefix(ckpt.Model[0].Name, checkpoints.ReplicaPrefix) {
			t.Errorf("%s: model key %s lacks the replica prefix", path, ckpt.Model[0].Name)
		}
		if latest == nil || ckpt.EpochIndex > latest.EpochIndex {
			latest, latestPath = ckpt, path
		}
	}
	if latest.EpochIndex != 2 {
		t.Fatalf("expected a checkpoint of epoch 2, latest is %d", latest.EpochIndex)
	}

	cfg.Const.BBWeights = latestPath
	cfg.Train.NEpochs = 3
	if err := TrainBackbone(context.Background(), testSession(io.Discard), cfg); err != nil {
		t.Fatalf("resumed TrainBackbone failed: %v", err)
	}
	found := false
	for _, path := range findCheckpoints(t, filepath.Join(cfg.Dir.OutPath, "backbone", "checkpoints", "*", "*.pb")) {
		ckpt, err := checkpoints.Load(path)
		if err != nil {
			t.Fatal(err)
		}
		if ckpt.EpochIndex != 3 {
			continue
		}
		found = true
		if ckpt.Steps != 2 {
			t.Errorf("resumed run advanced warmup: steps = %d", ckpt.Steps)
		}
		if got := ckpt.Optimizer.Parameters["step_count"]; got != 6 {
			t.Errorf("expected 6 optimizer steps after resuming, got %g", got)
		}
	}
	if !found {
		t.Error("resumed run saved no epoch 3 checkpoint")
	}
}

func TestOnlyStageTwoResumes(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.Train.NEpochs = 1
	missing := filepath.Join(t.TempDir(), "missing.pb")
	cfg.Const.BBWeights = missing
	if !cfg.Resuming() {
		t.Fatal("expected the config to resume stage 2")
	}
	// stage 1 never resumes, so the missing file is not read
	cfg.Const.PCNWeights = pretrain(t, cfg)

	err := TrainBackbone(context.Background(), testSession(io.Discard), cfg)
	if err == nil || !strings.Contains(err.Error(), "missing.pb") {
		t.Errorf("expected stage 2 to resume from %s, got %v", missing, err)
	}
}

func TestTestBackboneIsReproducible(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.Train.NEpochs = 1
	cfg.Const.Weights = pretrain(t, cfg)

	run := func() (string, float64) {
		var out bytes.Buffer
		score, err := TestBackbone(context.Background(), testSession(&out), cfg, -1, nil, nil, nil)
		if err != nil {
			t.Fatalf("TestBackbone failed: %v", err)
		}
		return out.String(), score
	}
	first, score1 := run()
	second, score2 := run()

	if first != second || score1 != score2 {
		t.Errorf("evaluation passes differ:\n%s\n---\n%s", first, second)
	}
	for _, want := range []string{"TEST RESULTS", "Taxonomy\t#Sample\tCD\tF-Score\t", "sphere\t1\t", "Overall\t\t\t", "Epoch  -1\t"} {
		if !strings.Contains(first, want) {
			t.Errorf("expected %q in table:\n%s", want, first)
		}
	}
	if score1 <= 0 || math.IsNaN(score1) {
		t.Errorf("expected a positive coarse distance, got %g", score1)
	}
}

func TestTestBackboneErrors(t *testing.T) {
	cfg := tinyConfig(t)
	if _, err := TestBackbone(context.Background(), testSession(io.Discard), cfg, -1, nil, nil, nil); err == nil {
		t.Error("expected error without CONST.WEIGHTS")
	}
	cfg.Const.Weights = filepath.Join(t.TempDir(), "missing.pb")
	if _, err := TestBackbone(context.Background(), testSession(io.Discard), cfg, -1, nil, nil, nil); err == nil {
		t.Error("expected error for a missing checkpoint")
	}
	if err := TrainBackbone(context.Background(), testSession(io.Discard), cfg); err == nil {
		t.Error("expected error without CONST.PCNWEIGHTS")
	}
}

type recordingWriter struct {
	tags []string
}

func (w *recordingWriter) AddScalar(tag string, value float64, step int) error {
	w.tags = append(w.tags, tag)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

// failingWriter rejects every scalar after the first ok ones.
type failingWriter struct {
	ok    int
	added int
}

func (w *failingWriter) AddScalar(tag string, value float64, step int) error {
	if w.added >= w.ok {
		return errors.New("disk full")
	}
	w.added++
	return nil
}

func (w *failingWriter) Close() error { return nil }

func TestAddScalars(t *testing.T) {
	names := []string{"cd_coarse", "cd_fine"}

	rec := &recordingWriter{}
	if err := addScalars(rec, "Loss/Batch/", names, []float64{1, 2}, 3); err != nil {
		t.Fatalf("addScalars failed: %v", err)
	}
	if strings.Join(rec.tags, ",") != "Loss/Batch/cd_coarse,Loss/Batch/cd_fine" {
		t.Errorf("unexpected tags %v", rec.tags)
	}

	tests := []struct {
		name   string
		writer ScalarWriter
		values []float64
		want   string
	}{
		{"first write fails", &failingWriter{}, []float64{1, 2}, "Loss/Batch/cd_coarse: disk full"},
		{"second write fails", &failingWriter{ok: 1}, []float64{1, 2}, "Loss/Batch/cd_fine: disk full"},
		{"missing values", &recordingWriter{}, []float64{1}, "1 values for 2 scalars"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := addScalars(test.writer, "Loss/Batch/", names, test.values, 3)
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Errorf("expected error containing %q, got %v", test.want, err)
			}
		})
	}
}

func TestTestBackboneRecordsScalars(t *testing.T) {
	cfg := tinyConfig(t)
	sess := testSession(io.Discard)
	model, err := models.NewAutoEncoder(cfg.Model, sess.Rand)
	if err != nil {
		t.Fatal(err)
	}
	w := &recordingWriter{}
	if _, err := TestBackbone(context.Background(), sess, cfg, 4, nil, w, model); err != nil {
		t.Fatalf("TestBackbone failed: %v", err)
	}
	want := []string{"Loss/Epoch/cd_coarse", "Loss/Epoch/cd_fine", "Loss/Epoch/cd_total", "Metric/CD", "Metric/F-Score"}
	if strings.Join(w.tags, ",") != strings.Join(want, ",") {
		t.Errorf("expected tags %v, got %v", want, w.tags)
	}
}
