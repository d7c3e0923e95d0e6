package training

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-sapcn/sapcn/checkpoints"
	"github.com/go-sapcn/sapcn/config"
	"github.com/go-sapcn/sapcn/datasets"
	"github.com/go-sapcn/sapcn/layers"
	"github.com/go-sapcn/sapcn/metrics"
	"github.com/go-sapcn/sapcn/models"
	"github.com/go-sapcn/sapcn/optimizer"
	"github.com/go-sapcn/sapcn/sampling"
	"github.com/go-sapcn/sapcn/tensor"
)

// targets are the fixed-resolution clouds derived from a ground truth batch.
type targets struct {
	Input  *tensor.Tensor // [B,Input,3]
	Coarse *tensor.Tensor // [B,Coarse,3]
	Fine   *tensor.Tensor // [B,Fine,3], nil unless requested
}

// subsampleGT reduces gt with farthest point sampling to the configured input
// and coarse resolutions, and to the fine resolution when withFine is set.
func subsampleGT(gt *tensor.Tensor, res config.ResolutionConfig, withFine bool, workers int) (*targets, error) {
	var t targets
	var err error
	if t.Input, err = sampling.FPSSubsample(gt, res.Input, workers); err != nil {
		return nil, errors.Wrap(err, "input subsampling")
	}
	if t.Coarse, err = sampling.FPSSubsample(gt, res.Coarse, workers); err != nil {
		return nil, errors.Wrap(err, "coarse subsampling")
	}
	if withFine {
		if t.Fine, err = sampling.FPSSubsample(gt, res.Fine, workers); err != nil {
			return nil, errors.Wrap(err, "fine subsampling")
		}
	}
	return &t, nil
}

// newDataLoader builds a loader over one split of the named dataset.
func newDataLoader(sess *Session, cfg *config.Config, name config.DatasetName, subset datasets.Subset, batchSize, workers int, shuffle bool) (*datasets.DataLoader, error) {
	loader, err := datasets.NewLoader(name, cfg)
	if err != nil {
		return nil, err
	}
	ds, err := loader.Dataset(subset)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s split", name, subset)
	}
	return datasets.NewDataLoader(ds, datasets.DataLoaderConfig{
		BatchSize: batchSize,
		Shuffle:   shuffle,
		Workers:   workers,
		Seed:      sess.Rand.Int63(),
	})
}

// newTrainValLoaders builds the shuffled training loader and the ordered
// validation loader. Validation gets half the workers.
func newTrainValLoaders(sess *Session, cfg *config.Config) (train, val *datasets.DataLoader, err error) {
	train, err = newDataLoader(sess, cfg, cfg.Dataset.TrainDataset, datasets.Train,
		cfg.Train.BackboneBatchSize, cfg.Const.NumWorkers, true)
	if err != nil {
		return nil, nil, err
	}
	val, err = newDataLoader(sess, cfg, cfg.Dataset.TestDataset, datasets.Test,
		cfg.Train.BackboneBatchSize, cfg.Const.NumWorkers/2, false)
	if err != nil {
		return nil, nil, err
	}
	return train, val, nil
}

// runDirs are the per-run checkpoint and log directories,
// <out>/<stage>/{checkpoints,logs}/<start time>.
type runDirs struct {
	Checkpoints string
	Logs        string
}

func newRunDirs(outPath, stage string, start time.Time) (runDirs, error) {
	stamp := start.Format("2006-01-02T15:04:05.000000")
	dirs := runDirs{
		Checkpoints: filepath.Join(outPath, stage, "checkpoints", stamp),
		Logs:        filepath.Join(outPath, stage, "logs", stamp),
	}
	if err := os.MkdirAll(dirs.Checkpoints, 0o755); err != nil {
		return dirs, errors.Wrap(err, "failed to create checkpoint directory")
	}
	return dirs, nil
}

func newAdam(cfg *config.Config, params []layers.Parameter) (*optimizer.Adam, error) {
	ac := optimizer.DefaultAdamConfig()
	ac.LearningRate = float32(cfg.Train.BackboneLearningRate)
	ac.Beta1 = float32(cfg.Train.Betas[0])
	ac.Beta2 = float32(cfg.Train.Betas[1])
	ac.WeightDecay = float32(cfg.Train.WeightDecay)
	return optimizer.NewAdam(ac, params)
}

// accumulator sums gradients over a window of batches and takes one
// optimizer step per window, zeroing gradients right after.
type accumulator struct {
	opt     optimizer.Optimizer
	every   int
	pending int
}

func newAccumulator(opt optimizer.Optimizer, every int) *accumulator {
	if every <= 0 {
		every = 1
	}
	return &accumulator{opt: opt, every: every}
}

// Reset drops any partial window.
func (a *accumulator) Reset() {
	a.opt.ZeroGrad()
	a.pending = 0
}

// Add records one back-propagated batch and reports whether it completed a
// window.
func (a *accumulator) Add() (bool, error) {
	a.pending++
	if a.pending < a.every {
		return false, nil
	}
	if err := a.opt.Step(); err != nil {
		return false, errors.Wrap(err, "optimizer step")
	}
	a.opt.ZeroGrad()
	a.pending = 0
	return true, nil
}

// warmupTick advances sched after an optimizer step while a fresh run is
// still warming up, counting the tick in steps.
func warmupTick(sched LRScheduler, steps *int, limit int, resumed bool) bool {
	if resumed || *steps > limit {
		return false
	}
	sched.Step()
	*steps++
	return true
}

// shouldSave reports whether epoch produces a checkpoint: on the save
// period, or when score improves on best under m.
func shouldSave(m metrics.Metric, epoch, saveFreq int, score, best float64) bool {
	return (saveFreq > 0 && epoch%saveFreq == 0) || metrics.Better(m, score, best)
}

// checkpointName is bestName for an improvement and the epoch name otherwise.
func checkpointName(m metrics.Metric, bestName string, epoch int, score, best float64, format checkpoints.CheckpointFormat) string {
	if metrics.Better(m, score, best) {
		return bestName + format.Ext()
	}
	return fmt.Sprintf("ckpt-epoch-%03d%s", epoch, format.Ext())
}

// trainState is what a resumable run carries between epochs.
type trainState struct {
	Epoch int
	Best  float64
	Steps int
}

// freshState starts Best at the worst possible value of m.
func freshState(m metrics.Metric) trainState {
	if metrics.Better(m, 1, 0) {
		return trainState{Best: math.Inf(-1)}
	}
	return trainState{Best: math.Inf(1)}
}

// saveCheckpoint writes model, optimizer and scheduler. Model keys carry the
// replica prefix so the file is interchangeable with stage-1 checkpoints.
func saveCheckpoint(sess *Session, saver *checkpoints.CheckpointSaver, path string, st trainState,
	m layers.Module, opt optimizer.Optimizer, sched *StepLRScheduler, description string) error {
	optState, err := opt.GetState()
	if err != nil {
		return errors.Wrap(err, "failed to capture optimizer state")
	}
	ckpt := &checkpoints.Checkpoint{
		EpochIndex:  st.Epoch,
		BestMetrics: checkpoints.Score(st.Best),
		Steps:       st.Steps,
		Model:       checkpoints.FromStateDict(layers.GetStateDict(m), checkpoints.ReplicaPrefix),
		Optimizer:   optState,
		LRScheduler: sched.State(),
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       sess.RunID,
			Description: description,
		},
	}
	if err := saver.SaveCheckpoint(ckpt, path); err != nil {
		return err
	}
	sess.logf("Saved checkpoint to %s ...", path)
	return nil
}

// resume restores model, optimizer and scheduler from path.
func resume(sess *Session, path string, m layers.Module, opt optimizer.Optimizer, sched *StepLRScheduler) (trainState, error) {
	sess.logf("Recovering from %s ...", path)
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return trainState{}, err
	}
	if _, err := ckpt.LoadModule(m, checkpoints.ModelKeys, true); err != nil {
		return trainState{}, err
	}
	if ckpt.Optimizer == nil {
		return trainState{}, errors.Errorf("checkpoint %s has no optimizer state", path)
	}
	if err := opt.LoadState(ckpt.Optimizer); err != nil {
		return trainState{}, errors.Wrap(err, "failed to restore optimizer")
	}
	if err := sched.LoadState(ckpt.LRScheduler); err != nil {
		return trainState{}, err
	}
	st := trainState{Epoch: ckpt.EpochIndex, Best: float64(ckpt.BestMetrics), Steps: ckpt.Steps}
	sess.logf("Recover complete. Current epoch = #%d; best metrics = %g.", st.Epoch, st.Best)
	return st, nil
}

// stage describes one of the two training stages to runStage.
type stage struct {
	dir        string // run directory under DIR.OUT_PATH
	bestName   string
	model      models.CompletionModel
	lossNames  []string
	metric     metrics.Metric // ranks validation scores for the best checkpoint
	trainStep  func(ctx context.Context, batch *datasets.Batch) ([]float64, error)
	checkpoint string // CONST path to resume from, empty for a fresh run
}

// runStage is the epoch loop shared by both stages: accumulate, step,
// warm up, decay, validate and checkpoint.
func runStage(ctx context.Context, sess *Session, cfg *config.Config, st *stage, trainLoader, valLoader *datasets.DataLoader) error {
	format, err := checkpoints.ParseFormat(cfg.Train.CheckpointFormat)
	if err != nil {
		return err
	}
	saver := checkpoints.NewCheckpointSaver(format)

	dirs, err := newRunDirs(cfg.Dir.OutPath, st.dir, time.Now())
	if err != nil {
		return err
	}
	sess.logf("Writing %s run to %s", st.model.Name(), dirs.Checkpoints)
	trainWriter, err := NewSummaryWriter(filepath.Join(dirs.Logs, "train"))
	if err != nil {
		return err
	}
	defer closeWriter(sess, trainWriter)
	valWriter, err := NewSummaryWriter(filepath.Join(dirs.Logs, "test"))
	if err != nil {
		return err
	}
	defer closeWriter(sess, valWriter)

	opt, err := newAdam(cfg, layers.Trainable(st.model))
	if err != nil {
		return err
	}
	decay := NewStepLRScheduler(cfg.Train.BackboneLearningRate, cfg.Train.LRStepSize, cfg.Train.LRGamma)
	var sched LRScheduler = decay

	state := freshState(st.metric)
	resumed := st.checkpoint != ""
	if resumed {
		if state, err = resume(sess, st.checkpoint, st.model, opt, decay); err != nil {
			return err
		}
	} else {
		sched = NewGradualWarmupScheduler(cfg.Train.WarmupSteps, decay)
	}
	opt.UpdateLearningRate(float32(sched.LR()))

	acc := newAccumulator(opt, cfg.Train.AccumulationSteps)
	nBatches := trainLoader.Len()

	for epochIdx := state.Epoch + 1; epochIdx <= cfg.Train.NEpochs; epochIdx++ {
		epochStart := time.Now()
		models.Train(st.model)
		acc.Reset()
		losses := metrics.NewAverageMeter(st.lossNames)

		bar := NewProgressBar(sess.Progress, fmt.Sprintf("[Epoch %d/%d]", epochIdx, cfg.Train.NEpochs), nBatches)
		epoch := trainLoader.Epoch(ctx)
		for batchIdx := 0; ; batchIdx++ {
			batch, err := epoch.Next()
			if err != nil {
				epoch.Close()
				return errors.Wrapf(err, "epoch %d", epochIdx)
			}
			if batch == nil {
				break
			}
			values, err := st.trainStep(ctx, batch)
			if err != nil {
				epoch.Close()
				return errors.Wrapf(err, "epoch %d batch %d", epochIdx, batchIdx)
			}
			stepped, err := acc.Add()
			if err != nil {
				epoch.Close()
				return err
			}
			if !stepped {
				continue
			}

			// one sample per optimizer step, so the epoch averages are
			// over windows, not over nBatches
			if err := losses.Update(values...); err != nil {
				epoch.Close()
				return err
			}
			nItr := (epochIdx-1)*nBatches + batchIdx
			if err := addScalars(trainWriter, "Loss/Batch/", st.lossNames, values, nItr); err != nil {
				epoch.Close()
				return errors.Wrapf(err, "epoch %d batch %d", epochIdx, batchIdx)
			}
			bar.Update(batchIdx+1, namedValues(st.lossNames, values))

			if warmupTick(sched, &state.Steps, cfg.Train.WarmupSteps, resumed) {
				opt.UpdateLearningRate(float32(sched.LR()))
			}
		}
		epoch.Close()
		bar.Finish()

		sched.Step()
		opt.UpdateLearningRate(float32(sched.LR()))
		sess.logf("epoch: %d optimizer: %g", epochIdx, opt.GetLearningRate())

		avgs := losses.Avgs()
		if err := addScalars(trainWriter, "Loss/Epoch/", st.lossNames, avgs, epochIdx); err != nil {
			return errors.Wrapf(err, "epoch %d", epochIdx)
		}
		sess.logf("[Epoch %d/%d] EpochTime = %.3f (s) Losses = %s",
			epochIdx, cfg.Train.NEpochs, time.Since(epochStart).Seconds(), formatValues(avgs))

		score, err := TestBackbone(ctx, sess, cfg, epochIdx, valLoader, valWriter, st.model)
		if err != nil {
			return errors.Wrapf(err, "validation after epoch %d", epochIdx)
		}

		if shouldSave(st.metric, epochIdx, cfg.Train.SaveFreq, score, state.Best) {
			path := filepath.Join(dirs.Checkpoints, checkpointName(st.metric, st.bestName, epochIdx, score, state.Best, format))
			saved := trainState{Epoch: epochIdx, Best: state.Best, Steps: state.Steps}
			if err := saveCheckpoint(sess, saver, path, saved, st.model, opt, decay, st.model.Name()); err != nil {
				return err
			}
		}
		if metrics.Better(st.metric, score, state.Best) {
			state.Best = score
		}
		if err := trainWriter.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func closeWriter(sess *Session, w ScalarWriter) {
	if err := w.Close(); err != nil {
		sess.logf("failed to close summary writer: %v", err)
	}
}

// addScalars writes values[i] under prefix+names[i] at step.
func addScalars(w ScalarWriter, prefix string, names []string, values []float64, step int) error {
	if len(values) < len(names) {
		return errors.Errorf("%d values for %d scalars", len(values), len(names))
	}
	for i, name := range names {
		if err := w.AddScalar(prefix+name, values[i], step); err != nil {
			return errors.Wrapf(err, "failed to record %s%s", prefix, name)
		}
	}
	return nil
}

func namedValues(names []string, values []float64) map[string]float64 {
	out := make(map[string]float64, len(names))
	for i, name := range names {
		if i < len(values) {
			out[name] = values[i]
		}
	}
	return out
}

// formatValues renders values the way the epoch log line lists them.
func formatValues(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("'%.4f'", v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
