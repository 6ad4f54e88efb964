// Package vis builds the per-epoch diagnostic banner: a composite image
// of denormalized inputs, ground-truth labels, and predictions.
package vis

import (
	"github.com/pkg/errors"

	"github.com/georgezywang/mrs/tensor"
)

// palette holds the class colors, cycled when a dataset has more
// classes than entries.
var palette = [][3]float32{
	{0.00, 0.00, 0.00},
	{0.89, 0.10, 0.11},
	{0.22, 0.49, 0.72},
	{0.30, 0.69, 0.29},
	{0.60, 0.31, 0.64},
	{1.00, 0.50, 0.00},
	{1.00, 1.00, 0.20},
	{0.65, 0.34, 0.16},
	{0.97, 0.51, 0.75},
	{0.60, 0.60, 0.60},
}

// maxRows caps how many samples of the batch appear in the banner.
const maxRows = 8

// Banner tiles [image | label | prediction] rows into one 3HW float32
// tensor with values in [0, 1]. The image batch is denormalized with
// the dataset mean and std; label and prediction are colorized with the
// class palette. Satisfies network.VisBuilder.
func Banner(image, label, pred *tensor.Tensor, numClasses int, mean, std [3]float32) (*tensor.Tensor, error) {
	if len(image.Shape) != 4 || image.Shape[1] != 3 {
		return nil, errors.Errorf("banner expects an N3HW image batch, got shape %v", image.Shape)
	}
	if len(label.Shape) != 3 {
		return nil, errors.Errorf("banner expects an NHW label batch, got shape %v", label.Shape)
	}
	if len(pred.Shape) != 4 {
		return nil, errors.Errorf("banner expects an NCHW prediction batch, got shape %v", pred.Shape)
	}

	n, h, w := image.Shape[0], image.Shape[2], image.Shape[3]
	if label.Shape[0] != n || label.Shape[1] != h || label.Shape[2] != w {
		return nil, errors.Errorf("label shape %v does not match image shape %v", label.Shape, image.Shape)
	}
	if pred.Shape[0] != n || pred.Shape[2] != h || pred.Shape[3] != w {
		return nil, errors.Errorf("prediction shape %v does not match image shape %v", pred.Shape, image.Shape)
	}
	if numClasses < 1 {
		return nil, errors.Errorf("invalid class count %d", numClasses)
	}

	predMap, err := tensor.ArgmaxChannel(pred)
	if err != nil {
		return nil, errors.Wrap(err, "prediction argmax failed")
	}

	rows := n
	if rows > maxRows {
		rows = maxRows
	}

	imgData, err := image.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	lblData, err := label.GetInt32Data()
	if err != nil {
		return nil, err
	}
	prdData, err := predMap.GetInt32Data()
	if err != nil {
		return nil, err
	}

	outH := rows * h
	outW := 3 * w
	out := make([]float32, 3*outH*outW)
	hw := h * w

	setPixel := func(c, y, x int, v float32) {
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		out[(c*outH+y)*outW+x] = v
	}

	for r := 0; r < rows; r++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				// Denormalized input panel.
				for c := 0; c < 3; c++ {
					v := imgData[((r*3+c)*h+y)*w+x]*std[c] + mean[c]
					setPixel(c, r*h+y, x, v)
				}

				// Label and prediction panels.
				lc := palette[int(lblData[r*hw+y*w+x])%len(palette)]
				pc := palette[int(prdData[r*hw+y*w+x])%len(palette)]
				for c := 0; c < 3; c++ {
					setPixel(c, r*h+y, w+x, lc[c])
					setPixel(c, r*h+y, 2*w+x, pc[c])
				}
			}
		}
	}

	return tensor.NewTensor([]int{3, outH, outW}, tensor.Float32, tensor.CPU, out)
}
