package tensor

import (
	"fmt"
	"math"
)

// AddOp adds two tensors of identical shape.
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("AddOp requires exactly 2 inputs")
	}
	a, b := inputs[0], inputs[1]
	if !SameShape(a, b) {
		panic(fmt.Sprintf("AddOp shape mismatch: %v vs %v", a.Shape, b.Shape))
	}
	op.inputs = inputs

	result := Zeros(a.Shape...)
	for i := range result.Data {
		result.Data[i] = a.Data[i] + b.Data[i]
	}
	return Attach(op, result)
}

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	// ∂(a + b)/∂a = 1, ∂(a + b)/∂b = 1
	return []*Tensor{gradOut, gradOut}
}

func Add(a, b *Tensor) *Tensor {
	return (&AddOp{}).Forward(a, b)
}

// SubOp subtracts two tensors of identical shape.
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("SubOp requires exactly 2 inputs")
	}
	a, b := inputs[0], inputs[1]
	if !SameShape(a, b) {
		panic(fmt.Sprintf("SubOp shape mismatch: %v vs %v", a.Shape, b.Shape))
	}
	op.inputs = inputs

	result := Zeros(a.Shape...)
	for i := range result.Data {
		result.Data[i] = a.Data[i] - b.Data[i]
	}
	return Attach(op, result)
}

func (op *SubOp) Backward(gradOut *Tensor) []*Tensor {
	neg := Zeros(gradOut.Shape...)
	for i, g := range gradOut.Data {
		neg.Data[i] = -g
	}
	return []*Tensor{gradOut, neg}
}

func Sub(a, b *Tensor) *Tensor {
	return (&SubOp{}).Forward(a, b)
}

// ScaleOp multiplies a tensor by a constant.
type ScaleOp struct {
	inputs []*Tensor
	factor float32
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("ScaleOp requires exactly 1 input")
	}
	op.inputs = inputs
	a := inputs[0]
	result := Zeros(a.Shape...)
	for i, v := range a.Data {
		result.Data[i] = v * op.factor
	}
	return Attach(op, result)
}

func (op *ScaleOp) Backward(gradOut *Tensor) []*Tensor {
	grad := Zeros(gradOut.Shape...)
	for i, g := range gradOut.Data {
		grad.Data[i] = g * op.factor
	}
	return []*Tensor{grad}
}

func Scale(a *Tensor, factor float32) *Tensor {
	return (&ScaleOp{factor: factor}).Forward(a)
}

// AddBiasOp adds a [C] vector to every row of an [N,C] matrix.
type AddBiasOp struct {
	inputs []*Tensor
}

func (op *AddBiasOp) Inputs() []*Tensor { return op.inputs }

func (op *AddBiasOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("AddBiasOp requires exactly 2 inputs")
	}
	x, bias := inputs[0], inputs[1]
	if len(x.Shape) != 2 || bias.NumElems != x.Shape[1] {
		panic(fmt.Sprintf("AddBiasOp cannot add bias %v to %v", bias.Shape, x.Shape))
	}
	op.inputs = inputs

	rows, cols := x.Shape[0], x.Shape[1]
	result := Zeros(rows, cols)
	for i := 0; i < rows; i++ {
		row := x.Data[i*cols : (i+1)*cols]
		dst := result.Data[i*cols : (i+1)*cols]
		for j := range row {
			dst[j] = row[j] + bias.Data[j]
		}
	}
	return Attach(op, result)
}

func (op *AddBiasOp) Backward(gradOut *Tensor) []*Tensor {
	bias := op.inputs[1]
	var gradB *Tensor
	if bias.requiresGrad {
		gradB = mustNew(bias.Shape, columnSums(gradOut))
	}
	return []*Tensor{gradOut, gradB}
}

func AddBias(x, bias *Tensor) *Tensor {
	return (&AddBiasOp{}).Forward(x, bias)
}

func columnSums(t *Tensor) []float32 {
	rows, cols := t.Shape[0], t.Shape[1]
	sums := make([]float32, cols)
	for i := 0; i < rows; i++ {
		addInto(sums, t.Data[i*cols:(i+1)*cols])
	}
	return sums
}

// ReLUOp applies max(0, x) element-wise.
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *ReLUOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("ReLUOp requires exactly 1 input")
	}
	op.inputs = inputs
	a := inputs[0]
	result := Zeros(a.Shape...)
	for i, v := range a.Data {
		if v > 0 {
			result.Data[i] = v
		}
	}
	return Attach(op, result)
}

func (op *ReLUOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	grad := Zeros(a.Shape...)
	for i, v := range a.Data {
		if v > 0 {
			grad.Data[i] = gradOut.Data[i]
		}
	}
	return []*Tensor{grad}
}

func ReLU(a *Tensor) *Tensor {
	return (&ReLUOp{}).Forward(a)
}

// SoftmaxOp normalises each row of an [N,C] matrix.
type SoftmaxOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *SoftmaxOp) Inputs() []*Tensor { return op.inputs }

func (op *SoftmaxOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 || len(inputs[0].Shape) != 2 {
		panic("SoftmaxOp requires exactly 1 2-D input")
	}
	op.inputs = inputs
	x := inputs[0]
	rows, cols := x.Shape[0], x.Shape[1]
	result := Zeros(rows, cols)
	for i := 0; i < rows; i++ {
		row := x.Data[i*cols : (i+1)*cols]
		dst := result.Data[i*cols : (i+1)*cols]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - maxVal))
			dst[j] = float32(e)
			sum += e
		}
		for j := range dst {
			dst[j] = float32(float64(dst[j]) / sum)
		}
	}
	op.output = result
	return Attach(op, result)
}

func (op *SoftmaxOp) Backward(gradOut *Tensor) []*Tensor {
	y := op.output
	rows, cols := y.Shape[0], y.Shape[1]
	grad := Zeros(rows, cols)
	for i := 0; i < rows; i++ {
		yr := y.Data[i*cols : (i+1)*cols]
		gr := gradOut.Data[i*cols : (i+1)*cols]
		var dot float32
		for j := range yr {
			dot += yr[j] * gr[j]
		}
		dst := grad.Data[i*cols : (i+1)*cols]
		for j := range yr {
			dst[j] = yr[j] * (gr[j] - dot)
		}
	}
	return []*Tensor{grad}
}

func Softmax(x *Tensor) *Tensor {
	return (&SoftmaxOp{}).Forward(x)
}

// MaxRowsOp reduces an [N,C] matrix to [1,C] by taking the column maxima.
// It is the symmetric pooling of a point-wise network.
type MaxRowsOp struct {
	inputs []*Tensor
	argmax []int
}

func (op *MaxRowsOp) Inputs() []*Tensor { return op.inputs }

func (op *MaxRowsOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 || len(inputs[0].Shape) != 2 {
		panic("MaxRowsOp requires exactly 1 2-D input")
	}
	op.inputs = inputs
	x := inputs[0]
	rows, cols := x.Shape[0], x.Shape[1]
	result := Zeros(1, cols)
	op.argmax = make([]int, cols)
	copy(result.Data, x.Data[:cols])
	for i := 1; i < rows; i++ {
		row := x.Data[i*cols : (i+1)*cols]
		for j, v := range row {
			if v > result.Data[j] {
				result.Data[j] = v
				op.argmax[j] = i
			}
		}
	}
	return Attach(op, result)
}

func (op *MaxRowsOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	cols := x.Shape[1]
	grad := Zeros(x.Shape...)
	for j, i := range op.argmax {
		grad.Data[i*cols+j] = gradOut.Data[j]
	}
	return []*Tensor{grad}
}

func MaxRows(x *Tensor) *Tensor {
	return (&MaxRowsOp{}).Forward(x)
}

// RepeatRowsOp tiles a [1,C] row n times into [n,C].
type RepeatRowsOp struct {
	inputs []*Tensor
	n      int
}

func (op *RepeatRowsOp) Inputs() []*Tensor { return op.inputs }

func (op *RepeatRowsOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("RepeatRowsOp requires exactly 1 input")
	}
	x := inputs[0]
	if len(x.Shape) != 2 || x.Shape[0] != 1 {
		panic(fmt.Sprintf("RepeatRowsOp requires a [1,C] input, got %v", x.Shape))
	}
	op.inputs = inputs
	cols := x.Shape[1]
	result := Zeros(op.n, cols)
	for i := 0; i < op.n; i++ {
		copy(result.Data[i*cols:(i+1)*cols], x.Data)
	}
	return Attach(op, result)
}

func (op *RepeatRowsOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{mustNew(op.inputs[0].Shape, columnSums(gradOut))}
}

func RepeatRows(x *Tensor, n int) *Tensor {
	return (&RepeatRowsOp{n: n}).Forward(x)
}

// ConcatColsOp joins [N,C1] and [N,C2] matrices into [N,C1+C2].
type ConcatColsOp struct {
	inputs []*Tensor
}

func (op *ConcatColsOp) Inputs() []*Tensor { return op.inputs }

func (op *ConcatColsOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) < 2 {
		panic("ConcatColsOp requires at least 2 inputs")
	}
	rows := inputs[0].Shape[0]
	total := 0
	for _, in := range inputs {
		if len(in.Shape) != 2 || in.Shape[0] != rows {
			panic(fmt.Sprintf("ConcatColsOp row mismatch: %v vs %v", in.Shape, inputs[0].Shape))
		}
		total += in.Shape[1]
	}
	op.inputs = inputs

	result := Zeros(rows, total)
	for i := 0; i < rows; i++ {
		offset := i * total
		for _, in := range inputs {
			c := in.Shape[1]
			copy(result.Data[offset:offset+c], in.Data[i*c:(i+1)*c])
			offset += c
		}
	}
	return Attach(op, result)
}

func (op *ConcatColsOp) Backward(gradOut *Tensor) []*Tensor {
	rows, total := gradOut.Shape[0], gradOut.Shape[1]
	grads := make([]*Tensor, len(op.inputs))
	start := 0
	for k, in := range op.inputs {
		c := in.Shape[1]
		if in.requiresGrad {
			g := Zeros(rows, c)
			for i := 0; i < rows; i++ {
				copy(g.Data[i*c:(i+1)*c], gradOut.Data[i*total+start:i*total+start+c])
			}
			grads[k] = g
		}
		start += c
	}
	return grads
}

func ConcatCols(inputs ...*Tensor) *Tensor {
	return (&ConcatColsOp{}).Forward(inputs...)
}

// StackOp stacks equally shaped tensors along a new leading dimension.
type StackOp struct {
	inputs []*Tensor
}

func (op *StackOp) Inputs() []*Tensor { return op.inputs }

func (op *StackOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) == 0 {
		panic("StackOp requires at least 1 input")
	}
	for _, in := range inputs[1:] {
		if !SameShape(in, inputs[0]) {
			panic(fmt.Sprintf("StackOp shape mismatch: %v vs %v", in.Shape, inputs[0].Shape))
		}
	}
	op.inputs = inputs

	shape := append([]int{len(inputs)}, inputs[0].Shape...)
	result := Zeros(shape...)
	n := inputs[0].NumElems
	for i, in := range inputs {
		copy(result.Data[i*n:(i+1)*n], in.Data)
	}
	return Attach(op, result)
}

func (op *StackOp) Backward(gradOut *Tensor) []*Tensor {
	n := op.inputs[0].NumElems
	grads := make([]*Tensor, len(op.inputs))
	for i, in := range op.inputs {
		if in.requiresGrad {
			grads[i] = mustNew(in.Shape, gradOut.Data[i*n:(i+1)*n])
		}
	}
	return grads
}

func Stack(inputs ...*Tensor) *Tensor {
	return (&StackOp{}).Forward(inputs...)
}

// SelectOp picks index i along the leading dimension.
type SelectOp struct {
	inputs []*Tensor
	index  int
}

func (op *SelectOp) Inputs() []*Tensor { return op.inputs }

func (op *SelectOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("SelectOp requires exactly 1 input")
	}
	x := inputs[0]
	if len(x.Shape) < 2 || op.index < 0 || op.index >= x.Shape[0] {
		panic(fmt.Sprintf("SelectOp index %d out of range for %v", op.index, x.Shape))
	}
	op.inputs = inputs
	n := x.NumElems / x.Shape[0]
	data := make([]float32, n)
	copy(data, x.Data[op.index*n:(op.index+1)*n])
	return Attach(op, mustNew(x.Shape[1:], data))
}

func (op *SelectOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	n := gradOut.NumElems
	grad := Zeros(x.Shape...)
	copy(grad.Data[op.index*n:(op.index+1)*n], gradOut.Data)
	return []*Tensor{grad}
}

func Select(x *Tensor, index int) *Tensor {
	return (&SelectOp{index: index}).Forward(x)
}

// MeanOp averages every element into a scalar.
type MeanOp struct {
	inputs []*Tensor
}

func (op *MeanOp) Inputs() []*Tensor { return op.inputs }

func (op *MeanOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("MeanOp requires exactly 1 input")
	}
	op.inputs = inputs
	var sum float64
	for _, v := range inputs[0].Data {
		sum += float64(v)
	}
	return Attach(op, FromScalar(float32(sum/float64(inputs[0].NumElems))))
}

func (op *MeanOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	return []*Tensor{Full(gradOut.Data[0]/float32(x.NumElems), x.Shape...)}
}

func Mean(x *Tensor) *Tensor {
	return (&MeanOp{}).Forward(x)
}

// RepeatInterleaveOp repeats every row of an [M,C] matrix n times in place,
// giving [M*n,C] with the copies of row i at rows i*n .. i*n+n-1.
type RepeatInterleaveOp struct {
	inputs []*Tensor
	n      int
}

func (op *RepeatInterleaveOp) Inputs() []*Tensor { return op.inputs }

func (op *RepeatInterleaveOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 || len(inputs[0].Shape) != 2 {
		panic("RepeatInterleaveOp requires exactly 1 2-D input")
	}
	if op.n <= 0 {
		panic(fmt.Sprintf("RepeatInterleaveOp repeat count must be positive, got %d", op.n))
	}
	op.inputs = inputs
	x := inputs[0]
	rows, cols := x.Shape[0], x.Shape[1]
	result := Zeros(rows*op.n, cols)
	for i := 0; i < rows; i++ {
		row := x.Data[i*cols : (i+1)*cols]
		for r := 0; r < op.n; r++ {
			k := i*op.n + r
			copy(result.Data[k*cols:(k+1)*cols], row)
		}
	}
	return Attach(op, result)
}

func (op *RepeatInterleaveOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	rows, cols := x.Shape[0], x.Shape[1]
	grad := Zeros(rows, cols)
	for i := 0; i < rows; i++ {
		dst := grad.Data[i*cols : (i+1)*cols]
		for r := 0; r < op.n; r++ {
			k := i*op.n + r
			addInto(dst, gradOut.Data[k*cols:(k+1)*cols])
		}
	}
	return []*Tensor{grad}
}

func RepeatInterleave(x *Tensor, n int) *Tensor {
	return (&RepeatInterleaveOp{n: n}).Forward(x)
}
