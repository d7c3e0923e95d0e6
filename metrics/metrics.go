package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/go-sapcn/sapcn/sampling"
)

// Metric identifies one completion quality measure.
type Metric int

const (
	// CD is the symmetric square-root chamfer distance.
	CD Metric = iota
	// FScore is the harmonic mean of precision and recall within
	// FScoreThreshold.
	FScore
)

// FScoreThreshold is the distance under which a point counts as matched.
const FScoreThreshold = 0.01

// chamferClamp keeps sqrt away from zero distances.
const chamferClamp = 1e-9

func (m Metric) String() string {
	switch m {
	case CD:
		return "CD"
	case FScore:
		return "F-Score"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// All lists the metrics in the order Compute reports them.
var All = []Metric{CD, FScore}

// Names returns the channel names used for metric meters.
func Names() []string {
	names := make([]string, len(All))
	for i, m := range All {
		names[i] = m.String()
	}
	return names
}

// Compute scores one predicted cloud against its ground truth. Both are
// flat xyz lists; the result follows the order of All.
func Compute(pred, gt []float32) ([]float64, error) {
	if len(pred) == 0 || len(gt) == 0 || len(pred)%3 != 0 || len(gt)%3 != 0 {
		return nil, fmt.Errorf("metrics need non-empty xyz clouds, got %d and %d values", len(pred), len(gt))
	}
	predToGT, _ := sampling.Nearest(pred, gt)
	gtToPred, _ := sampling.Nearest(gt, pred)

	d1 := sqrtDistances(predToGT)
	d2 := sqrtDistances(gtToPred)

	cd := (floats.Sum(d1)/float64(len(d1)) + floats.Sum(d2)/float64(len(d2))) / 2
	return []float64{cd, fScore(d1, d2, FScoreThreshold)}, nil
}

// ChamferSqrt is the CD channel of Compute.
func ChamferSqrt(pred, gt []float32) (float64, error) {
	values, err := Compute(pred, gt)
	if err != nil {
		return 0, err
	}
	return values[CD], nil
}

func sqrtDistances(dist2 []float32) []float64 {
	out := make([]float64, len(dist2))
	for i, d := range dist2 {
		out[i] = math.Sqrt(math.Max(float64(d), chamferClamp))
	}
	return out
}

func fScore(predToGT, gtToPred []float64, threshold float64) float64 {
	precision := fractionWithin(predToGT, threshold)
	recall := fractionWithin(gtToPred, threshold)
	if precision+recall == 0 {
		return 0
	}
	return 2 * precision * recall / (precision + recall)
}

func fractionWithin(dist []float64, threshold float64) float64 {
	n := 0
	for _, d := range dist {
		if d < threshold {
			n++
		}
	}
	return float64(n) / float64(len(dist))
}

// Better reports whether score a beats score b for metric m.
func Better(m Metric, a, b float64) bool {
	if m == FScore {
		return a > b
	}
	return a < b
}
