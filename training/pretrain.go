package training

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-sapcn/sapcn/config"
	"github.com/go-sapcn/sapcn/datasets"
	"github.com/go-sapcn/sapcn/metrics"
	"github.com/go-sapcn/sapcn/models"
	"github.com/go-sapcn/sapcn/tensor"
)

var pretrainLosses = []string{"cd_coarse", "cd_fine", "cd_total"}

// PretrainAutoEncoder runs stage 1: the PCN autoencoder is trained from
// scratch to complete partial clouds. Its best checkpoint, pcn-best, is what
// CONST.PCNWEIGHTS points stage 2 at.
func PretrainAutoEncoder(ctx context.Context, sess *Session, cfg *config.Config) error {
	trainLoader, valLoader, err := newTrainValLoaders(sess, cfg)
	if err != nil {
		return err
	}
	model, err := models.NewAutoEncoder(cfg.Model, sess.Rand)
	if err != nil {
		return err
	}
	PrintArchitecture(sess.Progress, model.Name(), model)

	chamfer := NewChamferLoss(sess.Workers())
	k := float32(cfg.Train.AccumulationSteps)

	step := func(ctx context.Context, batch *datasets.Batch) ([]float64, error) {
		t, err := subsampleGT(batch.GT, cfg.Resolution, true, sess.Workers())
		if err != nil {
			return nil, err
		}
		out, err := model.Forward(tensor.Transpose(batch.Partial))
		if err != nil {
			return nil, err
		}
		lossCoarse, err := chamfer.Forward(t.Coarse, tensor.Transpose(out.Coarse))
		if err != nil {
			return nil, errors.Wrap(err, "coarse loss")
		}
		lossFine, err := chamfer.Forward(t.Fine, tensor.Transpose(out.Fine))
		if err != nil {
			return nil, errors.Wrap(err, "fine loss")
		}
		loss := tensor.Scale(tensor.Add(lossCoarse, lossFine), 1/k)
		if err := loss.Backward(); err != nil {
			return nil, err
		}
		return []float64{
			float64(lossCoarse.Item()) * 1e3,
			float64(lossFine.Item()) * 1e3,
			float64(loss.Item()) * 1e3,
		}, nil
	}

	return runStage(ctx, sess, cfg, &stage{
		dir:       "pcn",
		bestName:  "pcn-best",
		model:     model,
		lossNames: pretrainLosses,
		metric:    metrics.CD,
		trainStep: step,
	}, trainLoader, valLoader)
}
