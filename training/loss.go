package training

import (
	"fmt"
	"math"

	"github.com/georgezywang/mrs/tensor"
)

// Loss functions here satisfy network.LossFunc and register themselves
// on the autograd graph, so the step engine can backpropagate through
// any weighted combination of them.

// SegCrossEntropy is pixelwise cross entropy for semantic segmentation:
// softmax over the channel dimension of NCHW logits against an NHW
// integer label map, averaged over every labeled pixel.
type SegCrossEntropy struct{}

// NewSegCrossEntropy creates a segmentation cross entropy loss.
func NewSegCrossEntropy() *SegCrossEntropy {
	return &SegCrossEntropy{}
}

func checkSegShapes(pred, target *tensor.Tensor) error {
	if pred.DType != tensor.Float32 || target.DType != tensor.Int32 {
		return fmt.Errorf("predicted must be Float32 and target must be Int32")
	}
	if len(pred.Shape) != 4 {
		return fmt.Errorf("predicted must be NCHW, got shape %v", pred.Shape)
	}
	if len(target.Shape) != 3 {
		return fmt.Errorf("target must be NHW, got shape %v", target.Shape)
	}
	if pred.Shape[0] != target.Shape[0] || pred.Shape[2] != target.Shape[1] || pred.Shape[3] != target.Shape[2] {
		return fmt.Errorf("prediction shape %v does not match target shape %v", pred.Shape, target.Shape)
	}
	return nil
}

type segXentOp struct {
	pred   *tensor.Tensor
	target *tensor.Tensor
	probs  *tensor.Tensor
}

func (op *segXentOp) Inputs() []*tensor.Tensor {
	return []*tensor.Tensor{op.pred}
}

func (op *segXentOp) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	g, err := gradOut.Item()
	if err != nil {
		return nil, err
	}

	n, c, h, w := op.pred.Shape[0], op.pred.Shape[1], op.pred.Shape[2], op.pred.Shape[3]
	hw := h * w
	probs := op.probs.Data.([]float32)
	labels := op.target.Data.([]int32)
	scale := float32(g) / float32(n*hw)

	grad := make([]float32, op.pred.NumElems)
	for b := 0; b < n; b++ {
		base := b * c * hw
		for p := 0; p < hw; p++ {
			lbl := int(labels[b*hw+p])
			for j := 0; j < c; j++ {
				idx := base + j*hw + p
				v := probs[idx]
				if j == lbl {
					v -= 1
				}
				grad[idx] = v * scale
			}
		}
	}

	gt, err := tensor.NewTensor(op.pred.Shape, tensor.Float32, op.pred.Device, grad)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{gt}, nil
}

// Forward computes the mean negative log likelihood over all pixels.
func (l *SegCrossEntropy) Forward(pred, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkSegShapes(pred, target); err != nil {
		return nil, err
	}

	probs, err := tensor.SoftmaxChannel(pred)
	if err != nil {
		return nil, fmt.Errorf("softmax computation failed: %v", err)
	}

	n, c, h, w := pred.Shape[0], pred.Shape[1], pred.Shape[2], pred.Shape[3]
	hw := h * w
	pd := probs.Data.([]float32)
	labels := target.Data.([]int32)

	var total float64
	for b := 0; b < n; b++ {
		base := b * c * hw
		for p := 0; p < hw; p++ {
			lbl := labels[b*hw+p]
			if lbl < 0 || int(lbl) >= c {
				return nil, fmt.Errorf("target class %d out of range [0, %d)", lbl, c)
			}
			prob := float64(pd[base+int(lbl)*hw+p])
			if prob < 1e-10 {
				prob = 1e-10
			}
			total += -math.Log(prob)
		}
	}

	loss, err := tensor.NewTensor([]int{1}, tensor.Float32, pred.Device, []float32{float32(total / float64(n*hw))})
	if err != nil {
		return nil, err
	}
	tensor.AttachOp(loss, &segXentOp{pred: pred, target: target, probs: probs})
	return loss, nil
}

// SoftDice is a soft dice loss over softmax probabilities:
// 1 - 2*|P∩Y| / (|P| + |Y|), computed over all classes at once via the
// one-hot encoded target. Built by op composition, so its gradient
// flows through the channel softmax.
type SoftDice struct{}

// NewSoftDice creates a soft dice loss.
func NewSoftDice() *SoftDice {
	return &SoftDice{}
}

// Forward computes the dice loss.
func (l *SoftDice) Forward(pred, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkSegShapes(pred, target); err != nil {
		return nil, err
	}

	probs, err := tensor.SoftmaxChannelAutograd(pred)
	if err != nil {
		return nil, fmt.Errorf("softmax computation failed: %v", err)
	}

	onehot, err := oneHotNCHW(target, pred.Shape[1])
	if err != nil {
		return nil, err
	}

	inter, err := tensor.MulAutograd(probs, onehot)
	if err != nil {
		return nil, fmt.Errorf("intersection failed: %v", err)
	}
	interSum, err := tensor.SumAllAutograd(inter)
	if err != nil {
		return nil, err
	}

	probSum, err := tensor.SumAllAutograd(probs)
	if err != nil {
		return nil, err
	}
	targetSum, err := tensor.SumAll(onehot)
	if err != nil {
		return nil, err
	}
	union, err := tensor.AddAutograd(probSum, targetSum)
	if err != nil {
		return nil, err
	}

	numerator, err := tensor.MulAutograd(interSum, tensor.FromScalar(2, tensor.Float32, pred.Device))
	if err != nil {
		return nil, err
	}
	overlap, err := tensor.DivAutograd(numerator, union)
	if err != nil {
		return nil, err
	}
	return tensor.SubAutograd(tensor.FromScalar(1, tensor.Float32, pred.Device), overlap)
}

// oneHotNCHW expands an NHW label map into a constant NCHW one-hot tensor.
func oneHotNCHW(target *tensor.Tensor, numClasses int) (*tensor.Tensor, error) {
	n, h, w := target.Shape[0], target.Shape[1], target.Shape[2]
	hw := h * w
	labels := target.Data.([]int32)
	data := make([]float32, n*numClasses*hw)
	for b := 0; b < n; b++ {
		for p := 0; p < hw; p++ {
			lbl := labels[b*hw+p]
			if lbl < 0 || int(lbl) >= numClasses {
				return nil, fmt.Errorf("target class %d out of range [0, %d)", lbl, numClasses)
			}
			data[(b*numClasses+int(lbl))*hw+p] = 1
		}
	}
	return tensor.NewTensor([]int{n, numClasses, h, w}, tensor.Float32, target.Device, data)
}

// ClsCrossEntropy is cross entropy for image-level classification:
// [batch, classes] logits against [batch] integer class labels. The
// auxiliary heads of StepAux are trained with it.
type ClsCrossEntropy struct{}

// NewClsCrossEntropy creates a classification cross entropy loss.
func NewClsCrossEntropy() *ClsCrossEntropy {
	return &ClsCrossEntropy{}
}

type clsXentOp struct {
	pred   *tensor.Tensor
	target *tensor.Tensor
	probs  []float32
}

func (op *clsXentOp) Inputs() []*tensor.Tensor {
	return []*tensor.Tensor{op.pred}
}

func (op *clsXentOp) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	g, err := gradOut.Item()
	if err != nil {
		return nil, err
	}

	n, c := op.pred.Shape[0], op.pred.Shape[1]
	labels := op.target.Data.([]int32)
	scale := float32(g) / float32(n)

	grad := make([]float32, n*c)
	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			v := op.probs[i*c+j]
			if int32(j) == labels[i] {
				v -= 1
			}
			grad[i*c+j] = v * scale
		}
	}
	gt, err := tensor.NewTensor(op.pred.Shape, tensor.Float32, op.pred.Device, grad)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{gt}, nil
}

// Forward computes the mean negative log likelihood over the batch.
func (l *ClsCrossEntropy) Forward(pred, target *tensor.Tensor) (*tensor.Tensor, error) {
	if pred.DType != tensor.Float32 || target.DType != tensor.Int32 {
		return nil, fmt.Errorf("predicted must be Float32 and target must be Int32")
	}
	if len(pred.Shape) != 2 {
		return nil, fmt.Errorf("predicted must be 2D [batch_size, num_classes], got shape %v", pred.Shape)
	}

	// Accept [batch, 1] labels the way the trainer reshaped them.
	if len(target.Shape) == 2 && target.Shape[1] == 1 {
		reshaped, err := target.Reshape([]int{target.Shape[0]})
		if err != nil {
			return nil, err
		}
		target = reshaped
	}
	if len(target.Shape) != 1 {
		return nil, fmt.Errorf("target must be 1D [batch_size], got shape %v", target.Shape)
	}

	n, c := pred.Shape[0], pred.Shape[1]
	if target.Shape[0] != n {
		return nil, fmt.Errorf("batch size mismatch: predicted %d, target %d", n, target.Shape[0])
	}

	logits := pred.Data.([]float32)
	labels := target.Data.([]int32)
	probs := make([]float32, n*c)

	var total float64
	for i := 0; i < n; i++ {
		offset := i * c

		// Max shift for numerical stability.
		maxVal := logits[offset]
		for j := 1; j < c; j++ {
			if logits[offset+j] > maxVal {
				maxVal = logits[offset+j]
			}
		}
		var sum float32
		for j := 0; j < c; j++ {
			e := float32(math.Exp(float64(logits[offset+j] - maxVal)))
			probs[offset+j] = e
			sum += e
		}
		for j := 0; j < c; j++ {
			probs[offset+j] /= sum
		}

		lbl := labels[i]
		if lbl < 0 || int(lbl) >= c {
			return nil, fmt.Errorf("target class %d out of range [0, %d)", lbl, c)
		}
		p := float64(probs[offset+int(lbl)])
		if p < 1e-10 {
			p = 1e-10
		}
		total += -math.Log(p)
	}

	loss, err := tensor.NewTensor([]int{1}, tensor.Float32, pred.Device, []float32{float32(total / float64(n))})
	if err != nil {
		return nil, err
	}
	tensor.AttachOp(loss, &clsXentOp{pred: pred, target: target, probs: probs})
	return loss, nil
}
