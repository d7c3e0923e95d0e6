// Package sampling selects fixed-size subsets of point clouds.
package sampling

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/go-sapcn/sapcn/parallel"
	"github.com/go-sapcn/sapcn/tensor"
)

// FarthestPointIndices greedily picks n indices of an xyz point list so that
// each new point is the one farthest from those already chosen. The first
// index is always 0 and ties go to the lowest index, so the result is a pure
// function of the input.
func FarthestPointIndices(points []float32, n int) ([]int, error) {
	count := len(points) / 3
	if n <= 0 {
		return nil, fmt.Errorf("sample size must be positive, got %d", n)
	}
	if n > count {
		return nil, fmt.Errorf("cannot sample %d points from a cloud of %d", n, count)
	}

	indices := make([]int, n)
	minDist := make([]float64, count)
	for i := range minDist {
		minDist[i] = math.Inf(1)
	}

	last := 0
	for k := 1; k < n; k++ {
		lx, ly, lz := points[last*3], points[last*3+1], points[last*3+2]
		best, bestDist := 0, -1.0
		for i := 0; i < count; i++ {
			dx := float64(points[i*3] - lx)
			dy := float64(points[i*3+1] - ly)
			dz := float64(points[i*3+2] - lz)
			d := dx*dx + dy*dy + dz*dz
			if d < minDist[i] {
				minDist[i] = d
			}
			if minDist[i] > bestDist {
				best, bestDist = i, minDist[i]
			}
		}
		indices[k] = best
		last = best
	}
	return indices, nil
}

// FPSSubsample reduces every cloud of a [B,N,3] batch to [B,n,3] with
// farthest point sampling. Batch elements are processed on up to workers
// goroutines.
func FPSSubsample(pc *tensor.Tensor, n, workers int) (*tensor.Tensor, error) {
	if len(pc.Shape) != 3 || pc.Shape[2] != 3 {
		return nil, fmt.Errorf("expected a [B,N,3] point cloud, got %v", pc.Shape)
	}
	batch, count := pc.Shape[0], pc.Shape[1]
	out := tensor.Zeros(batch, n, 3)

	err := parallel.ForEachErr(batch, workers, func(b int) error {
		src := pc.Data[b*count*3 : (b+1)*count*3]
		indices, err := FarthestPointIndices(src, n)
		if err != nil {
			return fmt.Errorf("batch element %d: %v", b, err)
		}
		dst := out.Data[b*n*3 : (b+1)*n*3]
		for k, idx := range indices {
			copy(dst[k*3:k*3+3], src[idx*3:idx*3+3])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RandomSample draws n points of an xyz list in random order. Clouds with
// fewer than n points are padded with points at the origin.
func RandomSample(points []float32, n int, rng *rand.Rand) []float32 {
	count := len(points) / 3
	perm := rng.Perm(count)
	out := make([]float32, n*3)
	for k := 0; k < n && k < count; k++ {
		copy(out[k*3:k*3+3], points[perm[k]*3:perm[k]*3+3])
	}
	return out
}
