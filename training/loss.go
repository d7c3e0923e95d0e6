package training

import (
	"fmt"
	"math"

	"github.com/go-sapcn/sapcn/parallel"
	"github.com/go-sapcn/sapcn/sampling"
	"github.com/go-sapcn/sapcn/tensor"
)

// Loss interface defines methods that all loss functions must implement
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// chamferClamp keeps sqrt away from zero distances.
const chamferClamp = 1e-9

// ChamferLoss is the symmetric chamfer distance over point-major [B,N,3]
// clouds, taken on square roots of the nearest-neighbour distances:
// (mean_i sqrt(d(p_i, Q)) + mean_j sqrt(d(q_j, P))) / 2.
type ChamferLoss struct {
	Workers int
}

// NewChamferLoss creates a chamfer loss that fans out over at most workers
// batch elements.
func NewChamferLoss(workers int) *ChamferLoss {
	return &ChamferLoss{Workers: workers}
}

func (c *ChamferLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkCloudPair(predicted, target); err != nil {
		return nil, err
	}
	return (&chamferOp{workers: c.Workers}).Forward(predicted, target), nil
}

// ChamferSqrt is a convenience wrapper around ChamferLoss.
func ChamferSqrt(p1, p2 *tensor.Tensor, workers int) (*tensor.Tensor, error) {
	return NewChamferLoss(workers).Forward(p1, p2)
}

func checkCloudPair(a, b *tensor.Tensor) error {
	if len(a.Shape) != 3 || a.Shape[2] != 3 {
		return fmt.Errorf("expected a [B,N,3] cloud, got %v", a.Shape)
	}
	if len(b.Shape) != 3 || b.Shape[2] != 3 {
		return fmt.Errorf("expected a [B,M,3] cloud, got %v", b.Shape)
	}
	if a.Shape[0] != b.Shape[0] {
		return fmt.Errorf("batch size mismatch: %d vs %d", a.Shape[0], b.Shape[0])
	}
	if a.Shape[1] == 0 || b.Shape[1] == 0 {
		return fmt.Errorf("chamfer distance of an empty cloud")
	}
	return nil
}

type chamferOp struct {
	inputs  []*tensor.Tensor
	workers int
	// per batch element: nearest index and clamped distance in each direction
	idx12, idx21   [][]int
	dist12, dist21 [][]float32
}

func (op *chamferOp) Inputs() []*tensor.Tensor { return op.inputs }

func (op *chamferOp) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	p1, p2 := inputs[0], inputs[1]
	op.inputs = inputs

	batch, n, m := p1.Shape[0], p1.Shape[1], p2.Shape[1]
	op.idx12, op.idx21 = make([][]int, batch), make([][]int, batch)
	op.dist12, op.dist21 = make([][]float32, batch), make([][]float32, batch)
	sums := make([][2]float64, batch)

	parallel.ForEach(batch, op.workers, func(b int) {
		a := p1.Data[b*n*3 : (b+1)*n*3]
		c := p2.Data[b*m*3 : (b+1)*m*3]
		op.dist12[b], op.idx12[b] = sampling.Nearest(a, c)
		op.dist21[b], op.idx21[b] = sampling.Nearest(c, a)
		sums[b] = [2]float64{sqrtSum(op.dist12[b]), sqrtSum(op.dist21[b])}
	})

	var s1, s2 float64
	for _, s := range sums {
		s1 += s[0]
		s2 += s[1]
	}
	loss := (s1/float64(batch*n) + s2/float64(batch*m)) / 2
	return tensor.Attach(op, tensor.FromScalar(float32(loss)))
}

// sqrtSum clamps the squared distances in place and sums their roots.
func sqrtSum(dist2 []float32) float64 {
	var s float64
	for i, d := range dist2 {
		if d < chamferClamp {
			d = chamferClamp
			dist2[i] = 0
		}
		s += math.Sqrt(float64(d))
	}
	return s
}

func (op *chamferOp) Backward(gradOut *tensor.Tensor) []*tensor.Tensor {
	p1, p2 := op.inputs[0], op.inputs[1]
	batch, n, m := p1.Shape[0], p1.Shape[1], p2.Shape[1]
	g := float64(gradOut.Item())
	g1 := tensor.Zeros(p1.Shape...)
	g2 := tensor.Zeros(p2.Shape...)
	w12 := g / (2 * float64(batch*n))
	w21 := g / (2 * float64(batch*m))

	parallel.ForEach(batch, op.workers, func(b int) {
		a, c := p1.Data[b*n*3:], p2.Data[b*m*3:]
		ga, gc := g1.Data[b*n*3:], g2.Data[b*m*3:]
		pull := func(src, dst, gsrc, gdst []float32, i, j int, d2 float32, w float64) {
			// clamped pairs are constant and contribute nothing
			if d2 == 0 {
				return
			}
			scale := float32(w / math.Sqrt(float64(d2)))
			for k := 0; k < 3; k++ {
				diff := (src[i*3+k] - dst[j*3+k]) * scale
				gsrc[i*3+k] += diff
				gdst[j*3+k] -= diff
			}
		}
		for i, j := range op.idx12[b] {
			pull(a, c, ga, gc, i, j, op.dist12[b][i], w12)
		}
		for j, i := range op.idx21[b] {
			pull(c, a, gc, ga, j, i, op.dist21[b][j], w21)
		}
	})
	return []*tensor.Tensor{g1, g2}
}

// RMSELoss is the root of the mean squared difference of two tensors of the
// same shape, used to match latent codes.
type RMSELoss struct{}

func NewRMSELoss() *RMSELoss { return &RMSELoss{} }

func (RMSELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if !tensor.SameShape(predicted, target) {
		return nil, fmt.Errorf("predicted and target tensors must have the same shape: %v vs %v",
			predicted.Shape, target.Shape)
	}
	if predicted.NumElems == 0 {
		return nil, fmt.Errorf("RMSE of an empty tensor")
	}
	return (&rmseOp{}).Forward(predicted, target), nil
}

type rmseOp struct {
	inputs []*tensor.Tensor
	rmse   float64
}

func (op *rmseOp) Inputs() []*tensor.Tensor { return op.inputs }

func (op *rmseOp) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	a, b := inputs[0], inputs[1]
	op.inputs = inputs
	var sq float64
	for i := range a.Data {
		d := float64(a.Data[i] - b.Data[i])
		sq += d * d
	}
	op.rmse = math.Sqrt(sq / float64(a.NumElems))
	return tensor.Attach(op, tensor.FromScalar(float32(op.rmse)))
}

func (op *rmseOp) Backward(gradOut *tensor.Tensor) []*tensor.Tensor {
	a, b := op.inputs[0], op.inputs[1]
	ga, gb := tensor.Zeros(a.Shape...), tensor.Zeros(b.Shape...)
	if op.rmse == 0 {
		return []*tensor.Tensor{ga, gb}
	}
	// d sqrt(mean(d^2)) / da = d / (N * rmse)
	scale := float64(gradOut.Item()) / (float64(a.NumElems) * op.rmse)
	for i := range a.Data {
		v := float32(float64(a.Data[i]-b.Data[i]) * scale)
		ga.Data[i] = v
		gb.Data[i] = -v
	}
	return []*tensor.Tensor{ga, gb}
}
