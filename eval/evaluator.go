// Package eval scores trained segmentation models on full tiles: it
// predicts large images patch by patch, stitches the valid interior of
// each patch into one class map, and accumulates confusion-matrix
// metrics.
package eval

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/georgezywang/mrs/network"
	"github.com/georgezywang/mrs/tensor"
)

// ConfusionMatrix accumulates pixel counts indexed by (label, prediction).
type ConfusionMatrix struct {
	numClasses int
	counts     []float64
}

// NewConfusionMatrix creates a numClasses x numClasses matrix.
func NewConfusionMatrix(numClasses int) (*ConfusionMatrix, error) {
	if numClasses < 1 {
		return nil, errors.Errorf("invalid class count %d", numClasses)
	}
	return &ConfusionMatrix{
		numClasses: numClasses,
		counts:     make([]float64, numClasses*numClasses),
	}, nil
}

// Update accumulates one prediction/label pair. Both must be Int32
// tensors of identical shape.
func (cm *ConfusionMatrix) Update(pred, label *tensor.Tensor) error {
	predData, err := pred.GetInt32Data()
	if err != nil {
		return errors.Wrap(err, "prediction is not an integer tensor")
	}
	labelData, err := label.GetInt32Data()
	if err != nil {
		return errors.Wrap(err, "label is not an integer tensor")
	}
	if len(predData) != len(labelData) {
		return errors.Errorf("prediction has %d pixels, label has %d", len(predData), len(labelData))
	}

	for i := range predData {
		p, l := int(predData[i]), int(labelData[i])
		if p < 0 || p >= cm.numClasses {
			return errors.Errorf("predicted class %d out of range [0, %d)", p, cm.numClasses)
		}
		if l < 0 || l >= cm.numClasses {
			return errors.Errorf("label class %d out of range [0, %d)", l, cm.numClasses)
		}
		cm.counts[l*cm.numClasses+p]++
	}
	return nil
}

// PixelAccuracy is the fraction of correctly classified pixels.
func (cm *ConfusionMatrix) PixelAccuracy() float64 {
	total := floats.Sum(cm.counts)
	if total == 0 {
		return 0
	}
	var correct float64
	for c := 0; c < cm.numClasses; c++ {
		correct += cm.counts[c*cm.numClasses+c]
	}
	return correct / total
}

// IoU returns the per-class intersection over union. Classes absent
// from both label and prediction report NaN.
func (cm *ConfusionMatrix) IoU() []float64 {
	iou := make([]float64, cm.numClasses)
	for c := 0; c < cm.numClasses; c++ {
		inter := cm.counts[c*cm.numClasses+c]
		var union float64
		for j := 0; j < cm.numClasses; j++ {
			union += cm.counts[c*cm.numClasses+j]
			union += cm.counts[j*cm.numClasses+c]
		}
		union -= inter
		if union == 0 {
			iou[c] = math.NaN()
		} else {
			iou[c] = inter / union
		}
	}
	return iou
}

// MeanIoU averages IoU over the classes that appear in the data.
func (cm *ConfusionMatrix) MeanIoU() float64 {
	var sum float64
	var n int
	for _, v := range cm.IoU() {
		if !math.IsNaN(v) {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Metrics is the scored outcome of an evaluation.
type Metrics struct {
	PixelAccuracy float64
	IoU           []float64
	MeanIoU       float64
}

// PatchEvaluator predicts tiles larger than the network's input window
// by sliding a fixed-size patch across the image and stitching the
// valid interior of each patch prediction.
type PatchEvaluator struct {
	model     network.Model
	patchSize int
}

// NewPatchEvaluator creates a PatchEvaluator. The patch must be larger
// than twice the model's label margin, or no valid interior remains.
func NewPatchEvaluator(m network.Model, patchSize int) (*PatchEvaluator, error) {
	if patchSize <= 2*m.LabelMargin() {
		return nil, errors.Errorf("patch size %d leaves no valid output for label margin %d",
			patchSize, m.LabelMargin())
	}
	return &PatchEvaluator{model: m, patchSize: patchSize}, nil
}

// Predict produces the class map for one CHW image. The result is an
// Int32 HW tensor covering the image interior, shrunk by the label
// margin on every side. No autograd graph is retained.
func (e *PatchEvaluator) Predict(image *tensor.Tensor) (*tensor.Tensor, error) {
	if len(image.Shape) != 3 {
		return nil, errors.Errorf("expected a CHW image, got shape %v", image.Shape)
	}

	ch, h, w := image.Shape[0], image.Shape[1], image.Shape[2]
	if h < e.patchSize || w < e.patchSize {
		return nil, errors.Errorf("image %dx%d is smaller than the %d pixel patch", h, w, e.patchSize)
	}

	margin := e.model.LabelMargin()
	valid := e.patchSize - 2*margin
	outH, outW := h-2*margin, w-2*margin
	out := make([]int32, outH*outW)

	imgData, err := image.GetFloat32Data()
	if err != nil {
		return nil, errors.Wrap(err, "image is not a float tensor")
	}

	prev := tensor.SetGradEnabled(false)
	defer tensor.SetGradEnabled(prev)

	for y0 := 0; y0 < h-2*margin; y0 += valid {
		if y0+e.patchSize > h {
			y0 = h - e.patchSize
		}
		for x0 := 0; x0 < w-2*margin; x0 += valid {
			if x0+e.patchSize > w {
				x0 = w - e.patchSize
			}

			patch, err := cutPatch(imgData, ch, h, w, y0, x0, e.patchSize)
			if err != nil {
				return nil, err
			}
			pred, err := network.Inference(e.model, patch)
			if err != nil {
				return nil, errors.Wrap(err, "patch inference failed")
			}
			classMap, err := tensor.ArgmaxChannel(pred)
			if err != nil {
				return nil, errors.Wrap(err, "patch argmax failed")
			}
			if classMap.Shape[1] != valid || classMap.Shape[2] != valid {
				return nil, errors.Errorf("model produced a %dx%d patch output, expected %dx%d",
					classMap.Shape[1], classMap.Shape[2], valid, valid)
			}

			classData, err := classMap.GetInt32Data()
			if err != nil {
				return nil, err
			}
			for dy := 0; dy < valid; dy++ {
				srcOff := dy * valid
				dstOff := (y0+dy)*outW + x0
				copy(out[dstOff:dstOff+valid], classData[srcOff:srcOff+valid])
			}

			if x0 == w-e.patchSize {
				break
			}
		}
		if y0 == h-e.patchSize {
			break
		}
	}

	return tensor.NewTensor([]int{outH, outW}, tensor.Int32, tensor.CPU, out)
}

// Evaluate predicts one tile and scores it against its HW label map.
// The label is cropped by the model's margin to align with the
// stitched prediction.
func (e *PatchEvaluator) Evaluate(image, label *tensor.Tensor) (*Metrics, error) {
	if len(label.Shape) != 2 {
		return nil, errors.Errorf("expected an HW label map, got shape %v", label.Shape)
	}

	pred, err := e.Predict(image)
	if err != nil {
		return nil, err
	}

	target := label
	if margin := e.model.LabelMargin(); margin > 0 {
		if target, err = tensor.CropSpatial(withBatchDim(label), margin); err != nil {
			return nil, errors.Wrap(err, "label crop failed")
		}
	} else {
		target = withBatchDim(label)
	}

	cm, err := NewConfusionMatrix(e.model.NumClasses())
	if err != nil {
		return nil, err
	}
	if err := cm.Update(pred, target); err != nil {
		return nil, err
	}
	return &Metrics{
		PixelAccuracy: cm.PixelAccuracy(),
		IoU:           cm.IoU(),
		MeanIoU:       cm.MeanIoU(),
	}, nil
}

// cutPatch copies a square window into a fresh 1CHW batch tensor.
func cutPatch(imgData []float32, ch, h, w, y0, x0, size int) (*tensor.Tensor, error) {
	data := make([]float32, ch*size*size)
	for c := 0; c < ch; c++ {
		for dy := 0; dy < size; dy++ {
			srcOff := (c*h+y0+dy)*w + x0
			dstOff := (c*size + dy) * size
			copy(data[dstOff:dstOff+size], imgData[srcOff:srcOff+size])
		}
	}
	return tensor.NewTensor([]int{1, ch, size, size}, tensor.Float32, tensor.CPU, data)
}

// withBatchDim views an HW label as a 1HW batch without copying.
func withBatchDim(label *tensor.Tensor) *tensor.Tensor {
	reshaped, err := label.Reshape([]int{1, label.Shape[0], label.Shape[1]})
	if err != nil {
		return label
	}
	return reshaped
}
