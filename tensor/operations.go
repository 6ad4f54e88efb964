package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("dtype mismatch: %s vs %s", t1.DType, t2.DType)
	}
	if t1.Device != t2.Device {
		return fmt.Errorf("device mismatch: %s vs %s", t1.Device, t2.Device)
	}
	return nil
}

// broadcastKind classifies the supported elementwise pairings:
// identical shapes, a single-element operand, or a trailing-dimension
// operand (bias addition).
type broadcastKind int

const (
	broadcastNone broadcastKind = iota
	broadcastScalarLeft
	broadcastScalarRight
	broadcastTrailingRight
)

func classifyBroadcast(t1, t2 *Tensor) (broadcastKind, error) {
	if shapesEqual(t1.Shape, t2.Shape) {
		return broadcastNone, nil
	}
	if t1.NumElems == 1 {
		return broadcastScalarLeft, nil
	}
	if t2.NumElems == 1 {
		return broadcastScalarRight, nil
	}
	if len(t2.Shape) == 1 && t2.Shape[0] == t1.Shape[len(t1.Shape)-1] {
		return broadcastTrailingRight, nil
	}
	return broadcastNone, fmt.Errorf("shapes %v and %v are not broadcastable", t1.Shape, t2.Shape)
}

func elementwise(t1, t2 *Tensor, op func(a, b float32) float32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	if t1.DType != Float32 {
		return nil, fmt.Errorf("elementwise ops only support Float32, got %s", t1.DType)
	}

	kind, err := classifyBroadcast(t1, t2)
	if err != nil {
		return nil, err
	}

	d1 := t1.Data.([]float32)
	d2 := t2.Data.([]float32)

	switch kind {
	case broadcastNone:
		out := make([]float32, t1.NumElems)
		for i := range out {
			out[i] = op(d1[i], d2[i])
		}
		return NewTensor(t1.Shape, Float32, t1.Device, out)
	case broadcastScalarLeft:
		out := make([]float32, t2.NumElems)
		for i := range out {
			out[i] = op(d1[0], d2[i])
		}
		return NewTensor(t2.Shape, Float32, t2.Device, out)
	case broadcastScalarRight:
		out := make([]float32, t1.NumElems)
		for i := range out {
			out[i] = op(d1[i], d2[0])
		}
		return NewTensor(t1.Shape, Float32, t1.Device, out)
	case broadcastTrailingRight:
		out := make([]float32, t1.NumElems)
		n := t2.Shape[0]
		for i := range out {
			out[i] = op(d1[i], d2[i%n])
		}
		return NewTensor(t1.Shape, Float32, t1.Device, out)
	default:
		return nil, fmt.Errorf("unsupported broadcast")
	}
}

// Add performs elementwise addition with limited broadcasting (equal
// shapes, scalar operand, or trailing-dimension bias).
func Add(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a + b })
}

// Sub performs elementwise subtraction.
func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a - b })
}

// Mul performs elementwise multiplication.
func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a * b })
}

// Div performs elementwise division.
func Div(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a / b })
}

// ReLU applies max(0, x) elementwise.
func ReLU(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("ReLU only supports Float32, got %s", t.DType)
	}
	data := t.Data.([]float32)
	out := make([]float32, len(data))
	for i, v := range data {
		if v > 0 {
			out[i] = v
		}
	}
	return NewTensor(t.Shape, t.DType, t.Device, out)
}

// SumAll sums every element into a single-element tensor.
func SumAll(t *Tensor) (*Tensor, error) {
	switch t.DType {
	case Float32:
		data := t.Data.([]float32)
		var sum float32
		for _, v := range data {
			sum += v
		}
		return NewTensor([]int{1}, Float32, t.Device, []float32{sum})
	case Int32:
		data := t.Data.([]int32)
		var sum int32
		for _, v := range data {
			sum += v
		}
		return NewTensor([]int{1}, Int32, t.Device, []int32{sum})
	default:
		return nil, fmt.Errorf("unsupported dtype for sum: %s", t.DType)
	}
}

// SoftmaxChannel applies softmax over the channel dimension of an
// NCHW tensor, independently per (batch, pixel) position.
func SoftmaxChannel(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("softmax only supports Float32, got %s", t.DType)
	}
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("softmax over channels expects NCHW input, got shape %v", t.Shape)
	}

	n, c, h, w := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	hw := h * w
	data := t.Data.([]float32)
	out := make([]float32, len(data))

	for b := 0; b < n; b++ {
		base := b * c * hw
		for p := 0; p < hw; p++ {
			// Max shift for numerical stability.
			maxVal := data[base+p]
			for j := 1; j < c; j++ {
				if v := data[base+j*hw+p]; v > maxVal {
					maxVal = v
				}
			}
			var sum float32
			for j := 0; j < c; j++ {
				e := float32(math.Exp(float64(data[base+j*hw+p] - maxVal)))
				out[base+j*hw+p] = e
				sum += e
			}
			for j := 0; j < c; j++ {
				out[base+j*hw+p] /= sum
			}
		}
	}
	return NewTensor(t.Shape, Float32, t.Device, out)
}

// ArgmaxChannel reduces an NCHW prediction to an NHW Int32 label map by
// taking the channel with the highest activation per pixel.
func ArgmaxChannel(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("argmax only supports Float32, got %s", t.DType)
	}
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("argmax over channels expects NCHW input, got shape %v", t.Shape)
	}

	n, c, h, w := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	hw := h * w
	data := t.Data.([]float32)
	out := make([]int32, n*hw)

	for b := 0; b < n; b++ {
		base := b * c * hw
		for p := 0; p < hw; p++ {
			best := 0
			bestVal := data[base+p]
			for j := 1; j < c; j++ {
				if v := data[base+j*hw+p]; v > bestVal {
					bestVal = v
					best = j
				}
			}
			out[b*hw+p] = int32(best)
		}
	}
	return NewTensor([]int{n, h, w}, Int32, t.Device, out)
}

// CropSpatial removes margin pixels from each side of the last two
// dimensions. Supports NHW label tensors and NCHW image tensors; with
// margin 0 the input is returned unchanged.
func CropSpatial(t *Tensor, margin int) (*Tensor, error) {
	if margin < 0 {
		return nil, fmt.Errorf("margin must be non-negative, got %d", margin)
	}
	if margin == 0 {
		return t, nil
	}
	if len(t.Shape) != 3 && len(t.Shape) != 4 {
		return nil, fmt.Errorf("spatial crop expects NHW or NCHW input, got shape %v", t.Shape)
	}

	h := t.Shape[len(t.Shape)-2]
	w := t.Shape[len(t.Shape)-1]
	if 2*margin >= h || 2*margin >= w {
		return nil, fmt.Errorf("margin %d too large for spatial size (%d, %d)", margin, h, w)
	}

	outH := h - 2*margin
	outW := w - 2*margin
	outShape := append([]int{}, t.Shape...)
	outShape[len(outShape)-2] = outH
	outShape[len(outShape)-1] = outW

	// Number of leading planes (N or N*C).
	planes := 1
	for _, d := range t.Shape[:len(t.Shape)-2] {
		planes *= d
	}

	switch t.DType {
	case Float32:
		data := t.Data.([]float32)
		out := make([]float32, planes*outH*outW)
		for p := 0; p < planes; p++ {
			src := p * h * w
			dst := p * outH * outW
			for row := 0; row < outH; row++ {
				copy(out[dst+row*outW:dst+(row+1)*outW], data[src+(row+margin)*w+margin:src+(row+margin)*w+margin+outW])
			}
		}
		return NewTensor(outShape, Float32, t.Device, out)
	case Int32:
		data := t.Data.([]int32)
		out := make([]int32, planes*outH*outW)
		for p := 0; p < planes; p++ {
			src := p * h * w
			dst := p * outH * outW
			for row := 0; row < outH; row++ {
				copy(out[dst+row*outW:dst+(row+1)*outW], data[src+(row+margin)*w+margin:src+(row+margin)*w+margin+outW])
			}
		}
		return NewTensor(outShape, Int32, t.Device, out)
	default:
		return nil, fmt.Errorf("unsupported dtype for crop: %s", t.DType)
	}
}

// Concat concatenates tensors along the batch (first) dimension. All
// inputs must agree on dtype and trailing dimensions. Used by the
// mixed-batch engine to merge primary and secondary batches.
func Concat(tensors []*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("concat requires at least one tensor")
	}
	if len(tensors) == 1 {
		return tensors[0], nil
	}

	first := tensors[0]
	outBatch := first.Shape[0]
	for _, t := range tensors[1:] {
		if err := checkCompatibility(first, t); err != nil {
			return nil, err
		}
		if len(t.Shape) != len(first.Shape) || !shapesEqual(t.Shape[1:], first.Shape[1:]) {
			return nil, fmt.Errorf("concat shape mismatch: %v vs %v", first.Shape, t.Shape)
		}
		outBatch += t.Shape[0]
	}

	outShape := append([]int{outBatch}, first.Shape[1:]...)

	switch first.DType {
	case Float32:
		out := make([]float32, 0, calculateNumElements(outShape))
		for _, t := range tensors {
			out = append(out, t.Data.([]float32)...)
		}
		return NewTensor(outShape, Float32, first.Device, out)
	case Int32:
		out := make([]int32, 0, calculateNumElements(outShape))
		for _, t := range tensors {
			out = append(out, t.Data.([]int32)...)
		}
		return NewTensor(outShape, Int32, first.Device, out)
	default:
		return nil, fmt.Errorf("unsupported dtype for concat: %s", first.DType)
	}
}
