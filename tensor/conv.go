package tensor

import (
	"fmt"
)

// Conv2DOp implements stride-1-or-more 2D convolution on the autograd
// graph. Inputs are stored as [input, weight] or [input, weight, bias].
type Conv2DOp struct {
	baseOp
	stride  int
	padding int
}

// Conv2D computes a 2D convolution over NCHW input with an
// OIHW weight tensor and optional bias of length O. With padding 0
// (valid convolution) the output shrinks by kernel-1 pixels per axis,
// which is the origin of label margins in this module.
func Conv2D(input, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	if input.DType != Float32 || weight.DType != Float32 {
		return nil, fmt.Errorf("conv2d only supports Float32 tensors")
	}
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("conv2d expects NCHW input, got shape %v", input.Shape)
	}
	if len(weight.Shape) != 4 {
		return nil, fmt.Errorf("conv2d expects OIHW weight, got shape %v", weight.Shape)
	}
	if stride < 1 {
		return nil, fmt.Errorf("stride must be at least 1, got %d", stride)
	}
	if padding < 0 {
		return nil, fmt.Errorf("padding must be non-negative, got %d", padding)
	}

	n, ci, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	co, wci, kh, kw := weight.Shape[0], weight.Shape[1], weight.Shape[2], weight.Shape[3]
	if ci != wci {
		return nil, fmt.Errorf("channel mismatch: input has %d, weight expects %d", ci, wci)
	}
	if bias != nil {
		if len(bias.Shape) != 1 || bias.Shape[0] != co {
			return nil, fmt.Errorf("bias shape %v does not match %d output channels", bias.Shape, co)
		}
	}

	outH := (h+2*padding-kh)/stride + 1
	outW := (w+2*padding-kw)/stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("kernel (%d, %d) too large for input (%d, %d) with padding %d", kh, kw, h, w, padding)
	}

	x := input.Data.([]float32)
	wt := weight.Data.([]float32)
	out := make([]float32, n*co*outH*outW)

	for b := 0; b < n; b++ {
		for o := 0; o < co; o++ {
			var bv float32
			if bias != nil {
				bv = bias.Data.([]float32)[o]
			}
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					sum := bv
					for i := 0; i < ci; i++ {
						for r := 0; r < kh; r++ {
							ih := oh*stride + r - padding
							if ih < 0 || ih >= h {
								continue
							}
							for cc := 0; cc < kw; cc++ {
								iw := ow*stride + cc - padding
								if iw < 0 || iw >= w {
									continue
								}
								sum += x[((b*ci+i)*h+ih)*w+iw] * wt[((o*ci+i)*kh+r)*kw+cc]
							}
						}
					}
					out[((b*co+o)*outH+oh)*outW+ow] = sum
				}
			}
		}
	}
	return NewTensor([]int{n, co, outH, outW}, Float32, input.Device, out)
}

// Conv2DAutograd performs a 2D convolution with automatic differentiation.
func Conv2DAutograd(input, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	result, err := Conv2D(input, weight, bias, stride, padding)
	if err != nil {
		return nil, err
	}

	inputs := []*Tensor{input, weight}
	if bias != nil {
		inputs = append(inputs, bias)
	}
	op := &Conv2DOp{
		baseOp:  baseOp{inputs: inputs},
		stride:  stride,
		padding: padding,
	}
	AttachOp(result, op)
	return result, nil
}

func (op *Conv2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	input := op.inputs[0]
	weight := op.inputs[1]
	var bias *Tensor
	if len(op.inputs) == 3 {
		bias = op.inputs[2]
	}

	n, ci, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	co, kh, kw := weight.Shape[0], weight.Shape[2], weight.Shape[3]
	outH, outW := gradOut.Shape[2], gradOut.Shape[3]

	x := input.Data.([]float32)
	wt := weight.Data.([]float32)
	g := gradOut.Data.([]float32)

	gradX := make([]float32, input.NumElems)
	gradW := make([]float32, weight.NumElems)
	var gradB []float32
	if bias != nil {
		gradB = make([]float32, co)
	}

	for b := 0; b < n; b++ {
		for o := 0; o < co; o++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					gv := g[((b*co+o)*outH+oh)*outW+ow]
					if gradB != nil {
						gradB[o] += gv
					}
					if gv == 0 {
						continue
					}
					for i := 0; i < ci; i++ {
						for r := 0; r < kh; r++ {
							ih := oh*op.stride + r - op.padding
							if ih < 0 || ih >= h {
								continue
							}
							for cc := 0; cc < kw; cc++ {
								iw := ow*op.stride + cc - op.padding
								if iw < 0 || iw >= w {
									continue
								}
								xIdx := ((b*ci+i)*h+ih)*w + iw
								wIdx := ((o*ci+i)*kh+r)*kw + cc
								gradX[xIdx] += gv * wt[wIdx]
								gradW[wIdx] += gv * x[xIdx]
							}
						}
					}
				}
			}
		}
	}

	gxT, err := NewTensor(input.Shape, Float32, input.Device, gradX)
	if err != nil {
		return nil, err
	}
	gwT, err := NewTensor(weight.Shape, Float32, weight.Device, gradW)
	if err != nil {
		return nil, err
	}
	grads := []*Tensor{gxT, gwT}
	if bias != nil {
		gbT, err := NewTensor(bias.Shape, Float32, bias.Device, gradB)
		if err != nil {
			return nil, err
		}
		grads = append(grads, gbT)
	}
	return grads, nil
}
