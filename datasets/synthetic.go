package datasets

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/go-sapcn/sapcn/config"
	"github.com/go-sapcn/sapcn/sampling"
)

// Shapes generated by the synthetic dataset, used as taxonomy ids.
var syntheticShapes = []string{"sphere", "cube", "torus"}

// syntheticLoader generates primitive surfaces and their half-space crops.
// A sample depends only on the seed, subset and index, so every split is
// reproducible without any files on disk.
type syntheticLoader struct {
	cfg  config.SyntheticConfig
	seed int64
}

func newSynthetic(cfg *config.Config) (Loader, error) {
	return &syntheticLoader{cfg: cfg.Datasets.Synthetic, seed: cfg.Const.Seed}, nil
}

func (l *syntheticLoader) Dataset(subset Subset) (Dataset, error) {
	n := l.cfg.NTest
	if subset == Train {
		n = l.cfg.NTrain
	}
	if n <= 0 {
		return nil, errors.Errorf("synthetic %s split is empty", subset)
	}
	return &syntheticDataset{cfg: l.cfg, seed: l.seed, subset: subset, n: n}, nil
}

type syntheticDataset struct {
	cfg    config.SyntheticConfig
	seed   int64
	subset Subset
	n      int
}

func (d *syntheticDataset) Len() int { return d.n }

// Get builds sample idx. Training samples are mirrored at random with rng.
func (d *syntheticDataset) Get(idx int, rng *rand.Rand) (*Sample, error) {
	if idx < 0 || idx >= d.n {
		return nil, errors.Errorf("index %d out of range [0, %d)", idx, d.n)
	}
	local := rand.New(rand.NewSource(d.seed*1_000_003 + int64(d.subset)*100_003 + int64(idx)))
	shape := syntheticShapes[idx%len(syntheticShapes)]

	gt := make([]float32, d.cfg.NPoints*3)
	for i := 0; i < d.cfg.NPoints; i++ {
		x, y, z := surfacePoint(shape, local)
		gt[i*3], gt[i*3+1], gt[i*3+2] = x, y, z
	}

	partial := crop(gt, local)
	partial = sampling.RandomSample(partial, d.cfg.NPartialPoint, local)

	if d.subset == Train && rng != nil {
		mirror := randomMirror(rng)
		mirror(partial)
		mirror(gt)
	}
	return newSample(shape, fmt.Sprintf("%s-%s-%04d", shape, d.subset, idx), partial, gt)
}

// surfacePoint samples a point on a primitive of radius about 0.4.
func surfacePoint(shape string, rng *rand.Rand) (float32, float32, float32) {
	switch shape {
	case "cube":
		face := rng.Intn(6)
		u, v := rng.Float64()*0.6-0.3, rng.Float64()*0.6-0.3
		s := 0.3
		if face%2 == 1 {
			s = -0.3
		}
		switch face / 2 {
		case 0:
			return float32(s), float32(u), float32(v)
		case 1:
			return float32(u), float32(s), float32(v)
		default:
			return float32(u), float32(v), float32(s)
		}
	case "torus":
		theta, phi := rng.Float64()*2*math.Pi, rng.Float64()*2*math.Pi
		const major, minor = 0.3, 0.1
		r := major + minor*math.Cos(phi)
		return float32(r * math.Cos(theta)), float32(minor * math.Sin(phi)), float32(r * math.Sin(theta))
	default:
		x, y, z := rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()
		norm := math.Sqrt(x*x+y*y+z*z) / 0.4
		if norm == 0 {
			return 0.4, 0, 0
		}
		return float32(x / norm), float32(y / norm), float32(z / norm)
	}
}

// crop keeps the points on the positive side of a random plane through the
// origin, the way a single depth scan only sees part of an object.
func crop(points []float32, rng *rand.Rand) []float32 {
	nx, ny, nz := rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()
	kept := make([]float32, 0, len(points)/2)
	for i := 0; i+2 < len(points); i += 3 {
		d := float64(points[i])*nx + float64(points[i+1])*ny + float64(points[i+2])*nz
		if d >= 0 {
			kept = append(kept, points[i], points[i+1], points[i+2])
		}
	}
	if len(kept) == 0 {
		return points
	}
	return kept
}
