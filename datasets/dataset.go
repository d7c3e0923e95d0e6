// Package datasets loads point cloud completion samples and batches them.
package datasets

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/go-sapcn/sapcn/config"
	"github.com/go-sapcn/sapcn/tensor"
)

// Keys of Sample.Data.
const (
	PartialCloud = "partial_cloud"
	GTCloud      = "gtcloud"
)

// Subset selects a split of a dataset.
type Subset int

const (
	Train Subset = iota
	Val
	Test
)

func (s Subset) String() string {
	switch s {
	case Train:
		return "train"
	case Val:
		return "val"
	case Test:
		return "test"
	default:
		return "unknown"
	}
}

// Sample is one partial/complete pair. Clouds are [N,3].
type Sample struct {
	TaxonomyID string
	ModelID    string
	Data       map[string]*tensor.Tensor
}

// Partial returns the partial cloud.
func (s *Sample) Partial() *tensor.Tensor { return s.Data[PartialCloud] }

// GT returns the complete ground-truth cloud.
func (s *Sample) GT() *tensor.Tensor { return s.Data[GTCloud] }

// Dataset is an indexed collection of samples. Get may use rng for
// augmentation and must not touch any other shared random source, so that
// concurrent calls with distinct generators are safe.
type Dataset interface {
	Len() int
	Get(idx int, rng *rand.Rand) (*Sample, error)
}

// Loader builds the subsets of one dataset.
type Loader interface {
	Dataset(subset Subset) (Dataset, error)
}

// Factory constructs a Loader from the configuration.
type Factory func(cfg *config.Config) (Loader, error)

var registry = map[config.DatasetName]Factory{
	config.ShapeNet:     newShapeNet,
	config.ShapeNetCars: newShapeNetCars,
	config.Synthetic:    newSynthetic,
}

// NewLoader looks name up in the registry.
func NewLoader(name config.DatasetName, cfg *config.Config) (Loader, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, errors.Errorf("no loader registered for dataset %q", name)
	}
	loader, err := factory(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "dataset %s", name)
	}
	return loader, nil
}

// Batch is a collated list of samples, clouds stacked to [B,N,3].
type Batch struct {
	TaxonomyIDs []string
	ModelIDs    []string
	Partial     *tensor.Tensor
	GT          *tensor.Tensor
}

// Size is the number of samples in the batch.
func (b *Batch) Size() int { return len(b.ModelIDs) }

// Collate stacks samples whose clouds share sizes.
func Collate(samples []*Sample) (*Batch, error) {
	if len(samples) == 0 {
		return nil, errors.New("cannot collate an empty batch")
	}
	batch := &Batch{
		TaxonomyIDs: make([]string, len(samples)),
		ModelIDs:    make([]string, len(samples)),
	}
	var err error
	if batch.Partial, err = stackClouds(samples, PartialCloud); err != nil {
		return nil, err
	}
	if batch.GT, err = stackClouds(samples, GTCloud); err != nil {
		return nil, err
	}
	for i, s := range samples {
		batch.TaxonomyIDs[i] = s.TaxonomyID
		batch.ModelIDs[i] = s.ModelID
	}
	return batch, nil
}

func stackClouds(samples []*Sample, key string) (*tensor.Tensor, error) {
	first, ok := samples[0].Data[key]
	if !ok {
		return nil, errors.Errorf("sample %s has no %s", samples[0].ModelID, key)
	}
	n := first.Shape[0]
	out := tensor.Zeros(len(samples), n, 3)
	for i, s := range samples {
		t, ok := s.Data[key]
		if !ok {
			return nil, errors.Errorf("sample %s has no %s", s.ModelID, key)
		}
		if len(t.Shape) != 2 || t.Shape[0] != n || t.Shape[1] != 3 {
			return nil, errors.Errorf("sample %s: %s has shape %v, batch expects [%d 3]", s.ModelID, key, t.Shape, n)
		}
		copy(out.Data[i*n*3:(i+1)*n*3], t.Data)
	}
	return out, nil
}

func cloudTensor(points []float32) (*tensor.Tensor, error) {
	return tensor.NewTensor([]int{len(points) / 3, 3}, points)
}
