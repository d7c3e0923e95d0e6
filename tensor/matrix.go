package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(t *Tensor, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: t.Data}
}

func transFlag(transpose bool) blas.Transpose {
	if transpose {
		return blas.Trans
	}
	return blas.NoTrans
}

// gemm computes c = op(a) * op(b) where a is stored as [ar,ac] and b as [br,bc].
func gemm(tA bool, a *Tensor, ar, ac int, tB bool, b *Tensor, br, bc int, c *Tensor, cr, cc int) {
	blas32.Gemm(transFlag(tA), transFlag(tB), 1,
		general(a, ar, ac), general(b, br, bc), 0, general(c, cr, cc))
}

// MatMulOp multiplies two 2-D tensors.
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("MatMulOp requires exactly 2 inputs")
	}
	a, b := inputs[0], inputs[1]
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		panic(fmt.Sprintf("MatMulOp requires 2-D inputs, got %v and %v", a.Shape, b.Shape))
	}
	n, k, m := a.Shape[0], a.Shape[1], b.Shape[1]
	if b.Shape[0] != k {
		panic(fmt.Sprintf("MatMulOp inner dimensions differ: %v x %v", a.Shape, b.Shape))
	}
	op.inputs = inputs

	result := Zeros(n, m)
	gemm(false, a, n, k, false, b, k, m, result, n, m)
	return Attach(op, result)
}

func (op *MatMulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	n, k, m := a.Shape[0], a.Shape[1], b.Shape[1]

	// ∂(A @ B)/∂A = G @ Bᵀ, ∂(A @ B)/∂B = Aᵀ @ G
	var gradA, gradB *Tensor
	if a.requiresGrad {
		gradA = Zeros(n, k)
		gemm(false, gradOut, n, m, true, b, k, m, gradA, n, k)
	}
	if b.requiresGrad {
		gradB = Zeros(k, m)
		gemm(true, a, n, k, false, gradOut, n, m, gradB, k, m)
	}
	return []*Tensor{gradA, gradB}
}

func MatMul(a, b *Tensor) *Tensor {
	return (&MatMulOp{}).Forward(a, b)
}

// TransposeOp swaps the last two dimensions of a 2-D or 3-D tensor.
type TransposeOp struct {
	inputs []*Tensor
}

func (op *TransposeOp) Inputs() []*Tensor { return op.inputs }

func (op *TransposeOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("TransposeOp requires exactly 1 input")
	}
	op.inputs = inputs
	return Attach(op, transposeLast2(inputs[0]))
}

func (op *TransposeOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{transposeLast2(gradOut)}
}

func transposeLast2(t *Tensor) *Tensor {
	var batch, rows, cols int
	switch len(t.Shape) {
	case 2:
		batch, rows, cols = 1, t.Shape[0], t.Shape[1]
	case 3:
		batch, rows, cols = t.Shape[0], t.Shape[1], t.Shape[2]
	default:
		panic(fmt.Sprintf("transpose requires a 2-D or 3-D tensor, got %v", t.Shape))
	}

	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	shape[len(shape)-2], shape[len(shape)-1] = cols, rows
	out := Zeros(shape...)

	plane := rows * cols
	for b := 0; b < batch; b++ {
		src := t.Data[b*plane : (b+1)*plane]
		dst := out.Data[b*plane : (b+1)*plane]
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				dst[j*rows+i] = src[i*cols+j]
			}
		}
	}
	return out
}

// Transpose swaps the last two dimensions, e.g. [B,N,3] -> [B,3,N].
func Transpose(t *Tensor) *Tensor {
	return (&TransposeOp{}).Forward(t)
}

// ReshapeOp reinterprets the data of a tensor under a new shape.
type ReshapeOp struct {
	inputs []*Tensor
	shape  []int
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("ReshapeOp requires exactly 1 input")
	}
	t := inputs[0]
	if calculateNumElements(op.shape) != t.NumElems {
		panic(fmt.Sprintf("cannot reshape %v into %v", t.Shape, op.shape))
	}
	op.inputs = inputs
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return Attach(op, mustNew(op.shape, data))
}

func (op *ReshapeOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{mustNew(op.inputs[0].Shape, gradOut.Data)}
}

func Reshape(t *Tensor, shape ...int) *Tensor {
	return (&ReshapeOp{shape: shape}).Forward(t)
}
