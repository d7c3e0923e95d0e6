// Package config holds the run configuration. Files are JSON documents with
// upper-case section names, overlaid on Default.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-sapcn/sapcn/models"
)

// DatasetName is one of the supported datasets.
type DatasetName string

const (
	ShapeNet     DatasetName = "ShapeNet"
	ShapeNetCars DatasetName = "ShapeNetCars"
	Synthetic    DatasetName = "Synthetic"
)

// DatasetNames lists every supported dataset.
var DatasetNames = []DatasetName{ShapeNet, ShapeNetCars, Synthetic}

// ParseDatasetName resolves s against the supported datasets.
func ParseDatasetName(s string) (DatasetName, error) {
	for _, name := range DatasetNames {
		if string(name) == s {
			return name, nil
		}
	}
	known := make([]string, len(DatasetNames))
	for i, name := range DatasetNames {
		known[i] = string(name)
	}
	return "", errors.Errorf("unknown dataset %q, expected one of %s", s, strings.Join(known, ", "))
}

func (d *DatasetName) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "dataset name")
	}
	name, err := ParseDatasetName(s)
	if err != nil {
		return err
	}
	*d = name
	return nil
}

type DatasetConfig struct {
	TrainDataset DatasetName `json:"TRAIN_DATASET"`
	TestDataset  DatasetName `json:"TEST_DATASET"`
}

// ShapeNetConfig locates the PCN release of ShapeNet. The point paths are
// printf patterns: partial takes (subset, taxonomy, model, rendering) and
// complete takes (subset, taxonomy, model).
type ShapeNetConfig struct {
	CategoryFilePath   string `json:"CATEGORY_FILE_PATH"`
	NRenderings        int    `json:"N_RENDERINGS"`
	NPoints            int    `json:"N_POINTS"`
	PartialPointsPath  string `json:"PARTIAL_POINTS_PATH"`
	CompletePointsPath string `json:"COMPLETE_POINTS_PATH"`
	CarsTaxonomyID     string `json:"CARS_TAXONOMY_ID"`
	// CacheSize is the number of decoded complete clouds kept in memory.
	CacheSize int `json:"CACHE_SIZE"`
}

// SyntheticConfig sizes the generated dataset.
type SyntheticConfig struct {
	NTrain        int `json:"N_TRAIN"`
	NTest         int `json:"N_TEST"`
	NPoints       int `json:"N_POINTS"`
	NPartialPoint int `json:"N_PARTIAL_POINTS"`
}

type DatasetsConfig struct {
	ShapeNet  ShapeNetConfig  `json:"SHAPENET"`
	Synthetic SyntheticConfig `json:"SYNTHETIC"`
}

type ConstConfig struct {
	NumWorkers   int    `json:"NUM_WORKERS"`
	Weights      string `json:"WEIGHTS"`
	PCNWeights   string `json:"PCNWEIGHTS"`
	BBWeights    string `json:"BBWEIGHTS"`
	Device       string `json:"DEVICE"`
	Seed         int64  `json:"SEED"`
	NInputPoints int    `json:"N_INPUT_POINTS"`
}

type TrainConfig struct {
	BackboneBatchSize    int        `json:"BACKBONE_BATCH_SIZE"`
	BackboneLearningRate float64    `json:"BACKBONE_LEARNING_RATE"`
	WeightDecay          float64    `json:"WEIGHT_DECAY"`
	Betas                [2]float64 `json:"BETAS"`
	WarmupSteps          int        `json:"WARMUP_STEPS"`
	NEpochs              int        `json:"N_EPOCHS"`
	SaveFreq             int        `json:"SAVE_FREQ"`
	AccumulationSteps    int        `json:"ACCUMULATION_STEPS"`
	LRStepSize           int        `json:"LR_STEP_SIZE"`
	LRGamma              float64    `json:"LR_GAMMA"`
	CheckpointFormat     string     `json:"CHECKPOINT_FORMAT"`
}

// ResolutionConfig holds the point counts the ground truth is subsampled to.
type ResolutionConfig struct {
	Input  int `json:"INPUT"`
	Coarse int `json:"COARSE"`
	Fine   int `json:"FINE"`
}

type DirConfig struct {
	OutPath string `json:"OUT_PATH"`
}

type Config struct {
	Dataset    DatasetConfig    `json:"DATASET"`
	Datasets   DatasetsConfig   `json:"DATASETS"`
	Const      ConstConfig      `json:"CONST"`
	Train      TrainConfig      `json:"TRAIN"`
	Model      models.Config    `json:"MODEL"`
	Resolution ResolutionConfig `json:"RESOLUTION"`
	Dir        DirConfig        `json:"DIR"`
}

func Default() *Config {
	return &Config{
		Dataset: DatasetConfig{
			TrainDataset: ShapeNet,
			TestDataset:  ShapeNet,
		},
		Datasets: DatasetsConfig{
			ShapeNet: ShapeNetConfig{
				CategoryFilePath:   "./datasets/PCN.json",
				NRenderings:        8,
				NPoints:            16384,
				PartialPointsPath:  "./data/PCN/%s/partial/%s/%s/%02d.pcd",
				CompletePointsPath: "./data/PCN/%s/complete/%s/%s.pcd",
				CarsTaxonomyID:     "02958343",
				CacheSize:          512,
			},
			Synthetic: SyntheticConfig{
				NTrain:        64,
				NTest:         16,
				NPoints:       16384,
				NPartialPoint: 2048,
			},
		},
		Const: ConstConfig{
			NumWorkers:   8,
			Device:       "auto",
			Seed:         1,
			NInputPoints: 2048,
		},
		Train: TrainConfig{
			BackboneBatchSize:    8,
			BackboneLearningRate: 0.0001,
			WeightDecay:          0,
			Betas:                [2]float64{0.9, 0.999},
			WarmupSteps:          200,
			NEpochs:              400,
			SaveFreq:             25,
			AccumulationSteps:    2,
			LRStepSize:           20,
			LRGamma:              0.7,
			CheckpointFormat:     "pb",
		},
		Model: models.DefaultConfig(),
		Resolution: ResolutionConfig{
			Input:  2048,
			Coarse: 1024,
			Fine:   4096,
		},
		Dir: DirConfig{
			OutPath: "./output",
		},
	}
}

// Load overlays the JSON file at path on Default and validates the result.
// Unknown fields are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}
	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "failed to write config")
}

// Resuming reports whether stage-2 training continues from CONST.BBWEIGHTS.
func (c *Config) Resuming() bool {
	return c.Const.BBWeights != ""
}

func (c *Config) Validate() error {
	for _, name := range []DatasetName{c.Dataset.TrainDataset, c.Dataset.TestDataset} {
		if _, err := ParseDatasetName(string(name)); err != nil {
			return err
		}
	}

	positive := []struct {
		name  string
		value int
	}{
		{"TRAIN.BACKBONE_BATCH_SIZE", c.Train.BackboneBatchSize},
		{"TRAIN.N_EPOCHS", c.Train.NEpochs},
		{"TRAIN.SAVE_FREQ", c.Train.SaveFreq},
		{"TRAIN.ACCUMULATION_STEPS", c.Train.AccumulationSteps},
		{"TRAIN.LR_STEP_SIZE", c.Train.LRStepSize},
		{"RESOLUTION.INPUT", c.Resolution.Input},
		{"RESOLUTION.COARSE", c.Resolution.Coarse},
		{"RESOLUTION.FINE", c.Resolution.Fine},
		{"CONST.N_INPUT_POINTS", c.Const.NInputPoints},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}

	if c.Const.NumWorkers < 0 {
		return errors.Errorf("CONST.NUM_WORKERS must not be negative, got %d", c.Const.NumWorkers)
	}
	if c.Train.WarmupSteps < 0 {
		return errors.Errorf("TRAIN.WARMUP_STEPS must not be negative, got %d", c.Train.WarmupSteps)
	}
	if c.Train.BackboneLearningRate <= 0 {
		return errors.Errorf("TRAIN.BACKBONE_LEARNING_RATE must be positive, got %g", c.Train.BackboneLearningRate)
	}
	if c.Train.WeightDecay < 0 {
		return errors.Errorf("TRAIN.WEIGHT_DECAY must not be negative, got %g", c.Train.WeightDecay)
	}
	for _, b := range c.Train.Betas {
		if b < 0 || b >= 1 {
			return errors.Errorf("TRAIN.BETAS must lie in [0, 1), got %v", c.Train.Betas)
		}
	}
	if c.Train.LRGamma <= 0 || c.Train.LRGamma > 1 {
		return errors.Errorf("TRAIN.LR_GAMMA must lie in (0, 1], got %g", c.Train.LRGamma)
	}
	switch strings.ToLower(c.Train.CheckpointFormat) {
	case "pb", "json":
	default:
		return errors.Errorf("TRAIN.CHECKPOINT_FORMAT must be pb or json, got %q", c.Train.CheckpointFormat)
	}
	switch strings.ToLower(c.Const.Device) {
	case "", "auto", "cpu", "gpu", "cuda":
	default:
		return errors.Errorf("CONST.DEVICE must be auto, cpu, gpu or cuda, got %q", c.Const.Device)
	}
	if c.Dir.OutPath == "" {
		return errors.New("DIR.OUT_PATH must be set")
	}
	if err := c.Model.Validate(); err != nil {
		return err
	}
	return c.validateDatasets()
}

func (c *Config) validateDatasets() error {
	uses := func(name DatasetName) bool {
		return c.Dataset.TrainDataset == name || c.Dataset.TestDataset == name
	}
	if uses(ShapeNet) || uses(ShapeNetCars) {
		sn := c.Datasets.ShapeNet
		if sn.CategoryFilePath == "" || sn.PartialPointsPath == "" || sn.CompletePointsPath == "" {
			return errors.New("DATASETS.SHAPENET needs CATEGORY_FILE_PATH, PARTIAL_POINTS_PATH and COMPLETE_POINTS_PATH")
		}
		if sn.NRenderings <= 0 {
			return errors.Errorf("DATASETS.SHAPENET.N_RENDERINGS must be positive, got %d", sn.NRenderings)
		}
		if err := c.Resolution.fits("DATASETS.SHAPENET.N_POINTS", sn.NPoints); err != nil {
			return err
		}
	}
	if uses(Synthetic) {
		sy := c.Datasets.Synthetic
		if sy.NTrain <= 0 || sy.NTest <= 0 || sy.NPoints <= 0 || sy.NPartialPoint <= 0 {
			return errors.Errorf("DATASETS.SYNTHETIC sizes must be positive, got %+v", sy)
		}
		if err := c.Resolution.fits("DATASETS.SYNTHETIC.N_POINTS", sy.NPoints); err != nil {
			return err
		}
	}
	return nil
}

// fits checks that every resolution can be drawn from a ground truth cloud
// of nPoints points.
func (r ResolutionConfig) fits(field string, nPoints int) error {
	for _, res := range []struct {
		name  string
		value int
	}{
		{"RESOLUTION.INPUT", r.Input},
		{"RESOLUTION.COARSE", r.Coarse},
		{"RESOLUTION.FINE", r.Fine},
	} {
		if res.value > nPoints {
			return errors.Errorf("%s (%d) exceeds %s (%d)", res.name, res.value, field, nPoints)
		}
	}
	return nil
}
