package tensor

import (
	"fmt"
)

// Attach records op as the creator of out when any of op's inputs requires a
// gradient. Operations defined outside this package use it to join the graph.
func Attach(op Operation, out *Tensor) *Tensor {
	for _, in := range op.Inputs() {
		if in != nil && in.requiresGrad {
			out.creator = op
			out.requiresGrad = true
			break
		}
	}
	return out
}

// Backward back-propagates from a single element tensor. Gradients of leaf
// tensors are added to whatever they already hold, so repeated calls sum.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("backward requires a single element tensor, got shape %v", t.Shape)
	}
	if !t.requiresGrad {
		return fmt.Errorf("tensor does not require gradients")
	}

	order := topoSort(t)
	grads := map[*Tensor]*Tensor{t: Ones(t.Shape...)}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g := grads[node]
		if g == nil {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			node.accumulateGrad(g)
			continue
		}

		inputs := node.creator.Inputs()
		inGrads := node.creator.Backward(g)
		if len(inGrads) != len(inputs) {
			return fmt.Errorf("operation %T returned %d gradients for %d inputs", node.creator, len(inGrads), len(inputs))
		}
		for j, in := range inputs {
			if in == nil || !in.requiresGrad || inGrads[j] == nil {
				continue
			}
			if !SameShape(in, inGrads[j]) {
				return fmt.Errorf("operation %T produced gradient of shape %v for input of shape %v",
					node.creator, inGrads[j].Shape, in.Shape)
			}
			if prev, ok := grads[in]; ok {
				addInto(prev.Data, inGrads[j].Data)
			} else {
				// Operations may hand back gradOut itself; copy before summing into it.
				grads[in] = inGrads[j].Clone()
			}
		}
	}
	return nil
}

func (t *Tensor) accumulateGrad(g *Tensor) {
	if !t.requiresGrad {
		return
	}
	if t.grad == nil {
		t.grad = g.Clone()
		return
	}
	addInto(t.grad.Data, g.Data)
}

func topoSort(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	type frame struct {
		node *Tensor
		next int
	}
	stack := []frame{{node: root}}
	visited[root] = true

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		var inputs []*Tensor
		if top.node.creator != nil {
			inputs = top.node.creator.Inputs()
		}
		if top.next < len(inputs) {
			in := inputs[top.next]
			top.next++
			if in != nil && in.requiresGrad && !visited[in] {
				visited[in] = true
				stack = append(stack, frame{node: in})
			}
			continue
		}
		order = append(order, top.node)
		stack = stack[:len(stack)-1]
	}
	return order
}

// ZeroGrad zeroes the gradient buffers of the given tensors in place.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t.grad != nil {
			for i := range t.grad.Data {
				t.grad.Data[i] = 0
			}
		}
	}
}

func addInto(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}
