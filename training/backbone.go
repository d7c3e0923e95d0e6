package training

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-sapcn/sapcn/checkpoints"
	"github.com/go-sapcn/sapcn/config"
	"github.com/go-sapcn/sapcn/datasets"
	"github.com/go-sapcn/sapcn/layers"
	"github.com/go-sapcn/sapcn/metrics"
	"github.com/go-sapcn/sapcn/models"
	"github.com/go-sapcn/sapcn/tensor"
)

// Loss channels recorded while training the completion module.
var backboneLosses = []string{"feat_matching", "cd_coarse", "cd_fine", "cd_total"}

// featWeight scales the latent matching term against the chamfer terms.
const featWeight = 1e-3

// SAModulesInit builds the frozen baseline encoder and the completion module
// from the stage-1 checkpoint at path. The baseline encoder must match the
// checkpoint's encoder exactly; the completion module's decoder takes
// whatever fits, and the mismatches are logged.
func SAModulesInit(sess *Session, cfg *config.Config, path string, stepRatio int) (*models.Encoder, *models.ASFM, error) {
	if path == "" {
		return nil, nil, errors.New("CONST.PCNWEIGHTS is not set")
	}
	blEncoder, err := models.NewEncoder(cfg.Model, sess.Rand)
	if err != nil {
		return nil, nil, err
	}
	asAutoencoder, err := models.NewASFM(cfg.Model, stepRatio, sess.Rand)
	if err != nil {
		return nil, nil, err
	}

	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return nil, nil, err
	}
	report, err := ckpt.LoadModule(blEncoder, checkpoints.EncoderKeys, true)
	if err != nil {
		return nil, nil, errors.Wrap(err, "baseline encoder")
	}
	sess.logf("baseline encoder: %s", report)
	freezeEncoder(blEncoder)

	report, err = ckpt.LoadModule(asAutoencoder.Decoder, checkpoints.DecoderKeys, false)
	if err != nil {
		return nil, nil, errors.Wrap(err, "completion module decoder")
	}
	sess.logf("completion module decoder: %s", report)
	sess.logf("AS Preparation Done!")
	return blEncoder, asAutoencoder, nil
}

func freezeEncoder(e *models.Encoder) {
	layers.Freeze(e)
	models.Eval(e)
}

// TrainBackbone runs stage 2: the completion module learns to complete
// partial clouds while its latent code is pulled towards the frozen stage-1
// encoder's code for the complete cloud.
func TrainBackbone(ctx context.Context, sess *Session, cfg *config.Config) error {
	trainLoader, valLoader, err := newTrainValLoaders(sess, cfg)
	if err != nil {
		return err
	}
	blEncoder, asAutoencoder, err := SAModulesInit(sess, cfg, cfg.Const.PCNWeights, cfg.Model.StepRatio)
	if err != nil {
		return err
	}
	PrintArchitecture(sess.Progress, asAutoencoder.Name(), asAutoencoder)

	feat := NewRMSELoss()
	chamfer := NewChamferLoss(sess.Workers())
	k := float32(cfg.Train.AccumulationSteps)

	step := func(ctx context.Context, batch *datasets.Batch) ([]float64, error) {
		t, err := subsampleGT(batch.GT, cfg.Resolution, true, sess.Workers())
		if err != nil {
			return nil, err
		}
		out, err := asAutoencoder.Forward(tensor.Transpose(batch.Partial))
		if err != nil {
			return nil, err
		}
		vComplete, err := blEncoder.Encode(tensor.Transpose(t.Input))
		if err != nil {
			return nil, err
		}

		lossFeat, err := feat.Forward(out.Latent, vComplete)
		if err != nil {
			return nil, errors.Wrap(err, "feature matching loss")
		}
		lossCoarse, err := chamfer.Forward(t.Coarse, tensor.Transpose(out.Coarse))
		if err != nil {
			return nil, errors.Wrap(err, "coarse loss")
		}
		lossFine, err := chamfer.Forward(t.Fine, tensor.Transpose(out.Fine))
		if err != nil {
			return nil, errors.Wrap(err, "fine loss")
		}

		loss := tensor.Add(tensor.Add(tensor.Scale(lossFeat, featWeight), lossCoarse), lossFine)
		loss = tensor.Scale(loss, 1/k)
		if err := loss.Backward(); err != nil {
			return nil, err
		}
		return []float64{
			float64(lossFeat.Item()),
			float64(lossCoarse.Item()) * 1e3,
			float64(lossFine.Item()) * 1e3,
			float64(loss.Item()) * 1e3,
		}, nil
	}

	st := &stage{
		dir:       "backbone",
		bestName:  "pcnbackbone-best",
		model:     asAutoencoder,
		lossNames: backboneLosses,
		metric:    metrics.CD,
		trainStep: step,
	}
	if cfg.Resuming() {
		st.checkpoint = cfg.Const.BBWeights
	}
	return runStage(ctx, sess, cfg, st, trainLoader, valLoader)
}
