package tensor

import (
	"fmt"
)

// needsGrad reports whether an op result should participate in the
// autograd graph.
func needsGrad(inputs []*Tensor) bool {
	for _, t := range inputs {
		if t.requiresGrad || t.creator != nil {
			return true
		}
	}
	return false
}

// AttachOp records op as the creator of result when autograd recording
// is enabled. Loss functions in other packages use this to register
// custom operations on the graph.
func AttachOp(result *Tensor, op Operation) {
	if !gradEnabled || !needsGrad(op.Inputs()) {
		return
	}
	result.creator = op
	result.requiresGrad = true
}

// reduceGradientToShape sums a gradient down to the shape of the input
// it belongs to. Needed when the forward op broadcast a scalar or a
// trailing-dimension operand.
func reduceGradientToShape(grad *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(grad.Shape, targetShape) {
		return grad, nil
	}

	// Scalar input: sum everything.
	if calculateNumElements(targetShape) == 1 {
		s, err := SumAll(grad)
		if err != nil {
			return nil, err
		}
		return s.Reshape(targetShape)
	}

	// Trailing-dimension input (bias): sum over leading positions.
	if len(targetShape) == 1 && targetShape[0] == grad.Shape[len(grad.Shape)-1] {
		n := targetShape[0]
		data := grad.Data.([]float32)
		out := make([]float32, n)
		for i, v := range data {
			out[i%n] += v
		}
		return NewTensor(targetShape, Float32, grad.Device, out)
	}

	return nil, fmt.Errorf("cannot reduce gradient of shape %v to %v", grad.Shape, targetShape)
}

func accumulateGrad(t *Tensor, g *Tensor) error {
	if t.grad == nil {
		t.grad = g
		return nil
	}
	sum, err := Add(t.grad, g)
	if err != nil {
		return fmt.Errorf("gradient accumulation failed: %v", err)
	}
	t.grad = sum
	return nil
}

// Backward runs reverse-mode differentiation from this tensor, seeding
// with a gradient of ones. Gradients accumulate into every reachable
// tensor that requires them.
func (t *Tensor) Backward() error {
	if t.creator == nil {
		return fmt.Errorf("Backward called on a tensor with no autograd graph")
	}

	seed, err := Ones(t.Shape, t.DType, t.Device)
	if err != nil {
		return fmt.Errorf("failed to seed gradient: %v", err)
	}
	if err := accumulateGrad(t, seed); err != nil {
		return err
	}

	// Topological order over the op graph, outputs before inputs.
	var order []*Tensor
	visited := make(map[*Tensor]bool)
	var visit func(node *Tensor)
	visit = func(node *Tensor) {
		if visited[node] || node.creator == nil {
			return
		}
		visited[node] = true
		for _, in := range node.creator.Inputs() {
			visit(in)
		}
		order = append(order, node)
	}
	visit(t)

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		if node.grad == nil {
			// Branch not reached by any gradient.
			continue
		}
		grads, err := node.creator.Backward(node.grad)
		if err != nil {
			return fmt.Errorf("backward pass failed: %v", err)
		}
		inputs := node.creator.Inputs()
		if len(grads) != len(inputs) {
			return fmt.Errorf("operation returned %d gradients for %d inputs", len(grads), len(inputs))
		}
		for j, in := range inputs {
			if grads[j] == nil {
				continue
			}
			if !in.requiresGrad && in.creator == nil {
				continue
			}
			reduced, err := reduceGradientToShape(grads[j], in.Shape)
			if err != nil {
				return err
			}
			if err := accumulateGrad(in, reduced); err != nil {
				return err
			}
		}
	}
	return nil
}

// baseOp carries the stored inputs common to every operation.
type baseOp struct {
	inputs []*Tensor
}

func (op *baseOp) Inputs() []*Tensor {
	return op.inputs
}

// AddOp implements addition on the autograd graph.
type AddOp struct {
	baseOp
}

func (op *AddOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// Gradient of a sum flows unchanged to both inputs; broadcast
	// reduction happens in the traversal.
	return []*Tensor{gradOut, gradOut}, nil
}

// SubOp implements subtraction on the autograd graph.
type SubOp struct {
	baseOp
}

func (op *SubOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	neg, err := Mul(gradOut, FromScalar(-1, gradOut.DType, gradOut.Device))
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradOut, neg}, nil
}

// MulOp implements elementwise multiplication on the autograd graph.
type MulOp struct {
	baseOp
}

func (op *MulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]
	gradA, err := Mul(gradOut, b)
	if err != nil {
		return nil, err
	}
	gradB, err := Mul(gradOut, a)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

// DivOp implements elementwise division on the autograd graph.
type DivOp struct {
	baseOp
}

func (op *DivOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]

	// d(a/b)/da = 1/b
	gradA, err := Div(gradOut, b)
	if err != nil {
		return nil, err
	}

	// d(a/b)/db = -a/b^2
	bSq, err := Mul(b, b)
	if err != nil {
		return nil, err
	}
	aOverBSq, err := Div(a, bSq)
	if err != nil {
		return nil, err
	}
	negated, err := Mul(aOverBSq, FromScalar(-1, a.DType, a.Device))
	if err != nil {
		return nil, err
	}
	gradB, err := Mul(gradOut, negated)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

// MatMulOp implements 2D matrix multiplication on the autograd graph.
type MatMulOp struct {
	baseOp
}

func (op *MatMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]

	bT, err := Transpose(b)
	if err != nil {
		return nil, err
	}
	gradA, err := MatMul(gradOut, bT)
	if err != nil {
		return nil, err
	}

	aT, err := Transpose(a)
	if err != nil {
		return nil, err
	}
	gradB, err := MatMul(aT, gradOut)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

// ReLUOp implements ReLU on the autograd graph.
type ReLUOp struct {
	baseOp
}

func (op *ReLUOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	input := op.inputs[0].Data.([]float32)
	grad, err := gradOut.Clone()
	if err != nil {
		return nil, err
	}
	data := grad.Data.([]float32)
	for i := range data {
		if input[i] <= 0 {
			data[i] = 0
		}
	}
	return []*Tensor{grad}, nil
}

// SumAllOp reduces a tensor to a scalar on the autograd graph.
type SumAllOp struct {
	baseOp
}

func (op *SumAllOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	in := op.inputs[0]
	g, err := gradOut.Item()
	if err != nil {
		return nil, err
	}
	grad, err := Full(in.Shape, g, Float32, in.Device)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// SoftmaxChannelOp applies channel softmax on the autograd graph.
type SoftmaxChannelOp struct {
	baseOp
	output *Tensor
}

func (op *SoftmaxChannelOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	if op.output == nil {
		return nil, fmt.Errorf("softmax output not stored for backward pass")
	}

	// grad_in = p * (grad_out - sum_j grad_out_j * p_j) per pixel.
	shape := op.output.Shape
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	hw := h * w
	p := op.output.Data.([]float32)
	g := gradOut.Data.([]float32)
	out := make([]float32, len(p))

	for b := 0; b < n; b++ {
		base := b * c * hw
		for px := 0; px < hw; px++ {
			var dot float32
			for j := 0; j < c; j++ {
				idx := base + j*hw + px
				dot += g[idx] * p[idx]
			}
			for j := 0; j < c; j++ {
				idx := base + j*hw + px
				out[idx] = p[idx] * (g[idx] - dot)
			}
		}
	}
	grad, err := NewTensor(shape, Float32, gradOut.Device, out)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// GlobalAvgPool2DOp averages NCHW over the spatial dimensions to NC.
type GlobalAvgPool2DOp struct {
	baseOp
}

func (op *GlobalAvgPool2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	in := op.inputs[0]
	n, c, h, w := in.Shape[0], in.Shape[1], in.Shape[2], in.Shape[3]
	hw := h * w
	g := gradOut.Data.([]float32)
	out := make([]float32, in.NumElems)

	for b := 0; b < n; b++ {
		for j := 0; j < c; j++ {
			share := g[b*c+j] / float32(hw)
			base := (b*c + j) * hw
			for p := 0; p < hw; p++ {
				out[base+p] = share
			}
		}
	}
	grad, err := NewTensor(in.Shape, Float32, in.Device, out)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// High-level wrappers that execute an op and record it on the graph.

func runBinary(op Operation, result *Tensor, err error) (*Tensor, error) {
	if err != nil {
		return nil, err
	}
	AttachOp(result, op)
	return result, nil
}

// AddAutograd performs addition with automatic differentiation.
func AddAutograd(a, b *Tensor) (*Tensor, error) {
	op := &AddOp{baseOp{inputs: []*Tensor{a, b}}}
	result, err := Add(a, b)
	return runBinary(op, result, err)
}

// SubAutograd performs subtraction with automatic differentiation.
func SubAutograd(a, b *Tensor) (*Tensor, error) {
	op := &SubOp{baseOp{inputs: []*Tensor{a, b}}}
	result, err := Sub(a, b)
	return runBinary(op, result, err)
}

// MulAutograd performs multiplication with automatic differentiation.
func MulAutograd(a, b *Tensor) (*Tensor, error) {
	op := &MulOp{baseOp{inputs: []*Tensor{a, b}}}
	result, err := Mul(a, b)
	return runBinary(op, result, err)
}

// DivAutograd performs division with automatic differentiation.
func DivAutograd(a, b *Tensor) (*Tensor, error) {
	op := &DivOp{baseOp{inputs: []*Tensor{a, b}}}
	result, err := Div(a, b)
	return runBinary(op, result, err)
}

// MatMulAutograd performs matrix multiplication with automatic differentiation.
func MatMulAutograd(a, b *Tensor) (*Tensor, error) {
	op := &MatMulOp{baseOp{inputs: []*Tensor{a, b}}}
	result, err := MatMul(a, b)
	return runBinary(op, result, err)
}

// ReLUAutograd performs ReLU activation with automatic differentiation.
func ReLUAutograd(a *Tensor) (*Tensor, error) {
	op := &ReLUOp{baseOp{inputs: []*Tensor{a}}}
	result, err := ReLU(a)
	return runBinary(op, result, err)
}

// SumAllAutograd reduces to a scalar with automatic differentiation.
func SumAllAutograd(a *Tensor) (*Tensor, error) {
	op := &SumAllOp{baseOp{inputs: []*Tensor{a}}}
	result, err := SumAll(a)
	return runBinary(op, result, err)
}

// SoftmaxChannelAutograd applies channel softmax with automatic differentiation.
func SoftmaxChannelAutograd(a *Tensor) (*Tensor, error) {
	op := &SoftmaxChannelOp{baseOp: baseOp{inputs: []*Tensor{a}}}
	result, err := SoftmaxChannel(a)
	if err != nil {
		return nil, err
	}
	op.output = result
	AttachOp(result, op)
	return result, nil
}

// GlobalAvgPool2DAutograd averages NCHW input over its spatial
// dimensions, producing NC output, with automatic differentiation.
func GlobalAvgPool2DAutograd(a *Tensor) (*Tensor, error) {
	if len(a.Shape) != 4 {
		return nil, fmt.Errorf("global average pooling expects NCHW input, got shape %v", a.Shape)
	}
	if a.DType != Float32 {
		return nil, fmt.Errorf("global average pooling only supports Float32, got %s", a.DType)
	}

	n, c, h, w := a.Shape[0], a.Shape[1], a.Shape[2], a.Shape[3]
	hw := h * w
	data := a.Data.([]float32)
	out := make([]float32, n*c)
	for b := 0; b < n; b++ {
		for j := 0; j < c; j++ {
			base := (b*c + j) * hw
			var sum float32
			for p := 0; p < hw; p++ {
				sum += data[base+p]
			}
			out[b*c+j] = sum / float32(hw)
		}
	}
	result, err := NewTensor([]int{n, c}, Float32, a.Device, out)
	if err != nil {
		return nil, err
	}
	op := &GlobalAvgPool2DOp{baseOp{inputs: []*Tensor{a}}}
	AttachOp(result, op)
	return result, nil
}
