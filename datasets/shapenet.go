package datasets

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"

	"github.com/pkg/errors"

	"github.com/go-sapcn/sapcn/config"
	"github.com/go-sapcn/sapcn/sampling"
	"github.com/go-sapcn/sapcn/tensor"
)

// Category is one entry of the PCN category file.
type Category struct {
	TaxonomyID   string   `json:"taxonomy_id"`
	TaxonomyName string   `json:"taxonomy_name"`
	Train        []string `json:"train"`
	Val          []string `json:"val"`
	Test         []string `json:"test"`
}

func (c Category) models(subset Subset) []string {
	switch subset {
	case Train:
		return c.Train
	case Val:
		return c.Val
	default:
		return c.Test
	}
}

// ReadCategories parses a PCN category file.
func ReadCategories(path string) ([]Category, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read category file")
	}
	var categories []Category
	if err := json.Unmarshal(data, &categories); err != nil {
		return nil, errors.Wrapf(err, "failed to parse category file %s", path)
	}
	return categories, nil
}

type shapeNetLoader struct {
	cfg        config.ShapeNetConfig
	nInput     int
	categories []Category
	cache      *CloudCache
}

func newShapeNet(cfg *config.Config) (Loader, error) {
	categories, err := ReadCategories(cfg.Datasets.ShapeNet.CategoryFilePath)
	if err != nil {
		return nil, err
	}
	return &shapeNetLoader{
		cfg:        cfg.Datasets.ShapeNet,
		nInput:     cfg.Const.NInputPoints,
		categories: categories,
		cache:      NewCloudCache(cfg.Datasets.ShapeNet.CacheSize),
	}, nil
}

// newShapeNetCars keeps only the car category.
func newShapeNetCars(cfg *config.Config) (Loader, error) {
	loader, err := newShapeNet(cfg)
	if err != nil {
		return nil, err
	}
	sn := loader.(*shapeNetLoader)
	var cars []Category
	for _, c := range sn.categories {
		if c.TaxonomyID == cfg.Datasets.ShapeNet.CarsTaxonomyID {
			cars = append(cars, c)
		}
	}
	if len(cars) == 0 {
		return nil, errors.Errorf("category file has no taxonomy %s", cfg.Datasets.ShapeNet.CarsTaxonomyID)
	}
	sn.categories = cars
	return sn, nil
}

type shapeNetFile struct {
	taxonomyID string
	modelID    string
	partial    []string
	complete   string
}

func (l *shapeNetLoader) Dataset(subset Subset) (Dataset, error) {
	nRenderings := 1
	if subset == Train {
		nRenderings = l.cfg.NRenderings
	}

	var files []shapeNetFile
	for _, c := range l.categories {
		for _, model := range c.models(subset) {
			f := shapeNetFile{
				taxonomyID: c.TaxonomyID,
				modelID:    model,
				complete:   fmt.Sprintf(l.cfg.CompletePointsPath, subset, c.TaxonomyID, model),
			}
			for i := 0; i < nRenderings; i++ {
				f.partial = append(f.partial, fmt.Sprintf(l.cfg.PartialPointsPath, subset, c.TaxonomyID, model, i))
			}
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no %s models in the category file", subset)
	}
	return &shapeNetDataset{files: files, nInput: l.nInput, augment: subset == Train, cache: l.cache}, nil
}

type shapeNetDataset struct {
	files   []shapeNetFile
	nInput  int
	augment bool
	cache   *CloudCache
}

func (d *shapeNetDataset) Len() int { return len(d.files) }

// Get reads one pair. Training samples use a random rendering and a random
// mirror; every split resamples the partial cloud to a fixed size.
func (d *shapeNetDataset) Get(idx int, rng *rand.Rand) (*Sample, error) {
	if idx < 0 || idx >= len(d.files) {
		return nil, errors.Errorf("index %d out of range [0, %d)", idx, len(d.files))
	}
	f := d.files[idx]

	rendering := 0
	if d.augment {
		rendering = rng.Intn(len(f.partial))
	}
	partial, err := ReadPCD(f.partial[rendering])
	if err != nil {
		return nil, err
	}
	gt, err := d.cache.Read(f.complete)
	if err != nil {
		return nil, err
	}

	partial = sampling.RandomSample(partial, d.nInput, rng)
	if d.augment {
		mirror := randomMirror(rng)
		mirror(partial)
		mirror(gt)
	}
	return newSample(f.taxonomyID, f.modelID, partial, gt)
}

func newSample(taxonomyID, modelID string, partial, gt []float32) (*Sample, error) {
	p, err := cloudTensor(partial)
	if err != nil {
		return nil, err
	}
	g, err := cloudTensor(gt)
	if err != nil {
		return nil, err
	}
	return &Sample{
		TaxonomyID: taxonomyID,
		ModelID:    modelID,
		Data:       map[string]*tensor.Tensor{PartialCloud: p, GTCloud: g},
	}, nil
}

// randomMirror picks, with equal odds, a flip of x and z, of x, of z, or none.
func randomMirror(rng *rand.Rand) func([]float32) {
	flipX, flipZ := false, false
	switch r := rng.Float64(); {
	case r <= 0.25:
		flipX, flipZ = true, true
	case r <= 0.5:
		flipX = true
	case r <= 0.75:
		flipZ = true
	}
	return func(points []float32) {
		for i := 0; i+2 < len(points); i += 3 {
			if flipX {
				points[i] = -points[i]
			}
			if flipZ {
				points[i+2] = -points[i+2]
			}
		}
	}
}
