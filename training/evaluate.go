package training

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/go-sapcn/sapcn/checkpoints"
	"github.com/go-sapcn/sapcn/config"
	"github.com/go-sapcn/sapcn/datasets"
	"github.com/go-sapcn/sapcn/metrics"
	"github.com/go-sapcn/sapcn/models"
	"github.com/go-sapcn/sapcn/tensor"
)

// Loss channels of an evaluation pass, all in units of 1e-3.
var testLosses = []string{"cd_coarse", "cd_fine", "cd_total"}

// fineWeight scales the fine chamfer term of the combined test score.
const fineWeight = 0.1

// categoryMeters keeps one meter per taxonomy id in first-seen order.
type categoryMeters struct {
	order  []string
	meters map[string]*metrics.AverageMeter
}

func newCategoryMeters() *categoryMeters {
	return &categoryMeters{meters: make(map[string]*metrics.AverageMeter)}
}

func (c *categoryMeters) get(taxonomyID string) *metrics.AverageMeter {
	m, ok := c.meters[taxonomyID]
	if !ok {
		m = metrics.NewAverageMeter(metrics.Names())
		c.meters[taxonomyID] = m
		c.order = append(c.order, taxonomyID)
	}
	return m
}

// TestBackbone runs one evaluation pass and returns the mean coarse chamfer
// distance. A nil model is built as the stage-1 AutoEncoder and loaded from
// CONST.WEIGHTS; a nil loader reads the test split one sample at a time.
// A nil writer drops the scalars.
func TestBackbone(ctx context.Context, sess *Session, cfg *config.Config, epochIdx int,
	loader *datasets.DataLoader, writer ScalarWriter, model models.CompletionModel) (float64, error) {
	if loader == nil {
		var err error
		loader, err = newDataLoader(sess, cfg, cfg.Dataset.TestDataset, datasets.Test, 1, cfg.Const.NumWorkers, false)
		if err != nil {
			return 0, err
		}
	}
	if model == nil {
		var err error
		if model, err = loadAutoEncoder(sess, cfg); err != nil {
			return 0, err
		}
	}
	if writer == nil {
		writer = discardWriter{}
	}
	models.Eval(model)

	chamfer := NewChamferLoss(sess.Workers())
	losses := metrics.NewAverageMeter(testLosses)
	overall := metrics.NewAverageMeter(metrics.Names())
	categories := newCategoryMeters()

	nSamples := loader.NumSamples()
	bar := NewProgressBar(sess.Progress, "Test", nSamples)
	epoch := loader.Epoch(ctx)
	defer epoch.Close()

	idx := 0
	for {
		batch, err := epoch.Next()
		if err != nil {
			return 0, err
		}
		if batch == nil {
			break
		}
		for b := 0; b < batch.Size(); b++ {
			gt, err := sampleCloud(batch.GT, b)
			if err != nil {
				return 0, err
			}
			lossValues, metricValues, err := evaluateSample(sess, cfg, chamfer, model, gt)
			if err != nil {
				return 0, errors.Wrapf(err, "sample %s/%s", batch.TaxonomyIDs[b], batch.ModelIDs[b])
			}
			if err := losses.Update(lossValues...); err != nil {
				return 0, err
			}
			if err := overall.Update(metricValues...); err != nil {
				return 0, err
			}
			if err := categories.get(batch.TaxonomyIDs[b]).Update(metricValues...); err != nil {
				return 0, err
			}

			idx++
			bar.SetDescription(fmt.Sprintf("Test[%d/%d] Taxonomy = %s Sample = %s",
				idx, nSamples, batch.TaxonomyIDs[b], batch.ModelIDs[b]))
			bar.Update(idx, namedValues(testLosses, losses.Vals()))
		}
	}
	bar.Finish()

	printResults(sess.out(), epochIdx, losses, overall, categories)

	if err := addScalars(writer, "Loss/Epoch/", testLosses, losses.Avgs(), epochIdx); err != nil {
		return 0, err
	}
	if err := addScalars(writer, "Metric/", overall.Items(), overall.Avgs(), epochIdx); err != nil {
		return 0, err
	}
	return losses.Avg(0), nil
}

func loadAutoEncoder(sess *Session, cfg *config.Config) (models.CompletionModel, error) {
	if cfg.Const.Weights == "" {
		return nil, errors.New("CONST.WEIGHTS is not set")
	}
	model, err := models.NewAutoEncoder(cfg.Model, sess.Rand)
	if err != nil {
		return nil, err
	}
	sess.logf("Recovering from %s ...", cfg.Const.Weights)
	ckpt, err := checkpoints.Load(cfg.Const.Weights)
	if err != nil {
		return nil, err
	}
	if _, err := ckpt.LoadModule(model, checkpoints.ModelKeys, true); err != nil {
		return nil, err
	}
	return model, nil
}

// sampleCloud returns element b of a [B,N,3] batch as a [1,N,3] view.
func sampleCloud(batch *tensor.Tensor, b int) (*tensor.Tensor, error) {
	n := batch.Shape[1]
	return tensor.NewTensor([]int{1, n, 3}, batch.Data[b*n*3:(b+1)*n*3])
}

// evaluateSample scores one ground truth cloud: the network completes its
// farthest point subsample and is compared against the coarse subsample and
// the full cloud.
func evaluateSample(sess *Session, cfg *config.Config, chamfer *ChamferLoss, model models.CompletionModel, gt *tensor.Tensor) ([]float64, []float64, error) {
	t, err := subsampleGT(gt, cfg.Resolution, false, sess.Workers())
	if err != nil {
		return nil, nil, err
	}
	out, err := model.Forward(tensor.Transpose(t.Input))
	if err != nil {
		return nil, nil, err
	}
	yCoarse := tensor.Transpose(out.Coarse)
	yFine := tensor.Transpose(out.Fine)

	lossCoarse, err := chamfer.Forward(t.Coarse, yCoarse)
	if err != nil {
		return nil, nil, err
	}
	lossFine, err := chamfer.Forward(gt, yFine)
	if err != nil {
		return nil, nil, err
	}
	cdCoarse := float64(lossCoarse.Item())
	cdFine := float64(lossFine.Item())
	cdTotal := cdCoarse + fineWeight*cdFine

	values, err := metrics.Compute(yFine.Data, gt.Data)
	if err != nil {
		return nil, nil, err
	}
	return []float64{cdCoarse * 1e3, cdFine * 1e3, cdTotal * 1e3}, values, nil
}

func printResults(w io.Writer, epochIdx int, losses, overall *metrics.AverageMeter, categories *categoryMeters) {
	fmt.Fprintln(w, "============================ TEST RESULTS ============================")
	fmt.Fprint(w, "Taxonomy\t#Sample\t")
	for _, item := range overall.Items() {
		fmt.Fprintf(w, "%s\t", item)
	}
	fmt.Fprintln(w)

	for _, id := range categories.order {
		m := categories.meters[id]
		fmt.Fprintf(w, "%s\t%d\t", id, m.Count(0))
		for _, v := range m.Avgs() {
			fmt.Fprintf(w, "%.4f\t", v)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprint(w, "Overall\t\t\t")
	for _, v := range overall.Avgs() {
		fmt.Fprintf(w, "%.4f\t", v)
	}
	fmt.Fprint(w, "\n\n")

	fmt.Fprintf(w, "Epoch  %d\t", epochIdx)
	for _, v := range losses.Avgs() {
		fmt.Fprintf(w, "%.4f\t", v)
	}
	fmt.Fprint(w, "\n\n")
}
