package network

import (
	"github.com/cheggaaa/pb/v3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/georgezywang/mrs/tensor"
)

// Batch is one unit drawn from a data source: an image tensor, an
// integer label map of matching spatial extent, and optionally an
// image-level class label for the auxiliary variant.
type Batch struct {
	Image *tensor.Tensor
	Label *tensor.Tensor
	Class *tensor.Tensor
}

// DataSource produces a lazy, finite, restartable sequence of batches.
// Next returns (nil, nil) at the end of a pass; Reset begins a new one.
type DataSource interface {
	Len() int
	Reset()
	Next() (*Batch, error)
}

// Optimizer is the surface the step engines need from an optimizer.
type Optimizer interface {
	ZeroGrad()
	Step() error
}

// VisBuilder builds one composite diagnostic image from host-memory
// batches. A failing builder must not abort the epoch.
type VisBuilder func(image, label, pred *tensor.Tensor, numClasses int, mean, std [3]float32) (*tensor.Tensor, error)

// Default ImageNet normalization statistics for banner denormalization.
var (
	DefaultMean = [3]float32{0.485, 0.456, 0.406}
	DefaultStd  = [3]float32{0.229, 0.224, 0.225}
)

// StepConfig controls one epoch of the step engine.
type StepConfig struct {
	// BPLossIdx selects the criteria whose losses join the backward
	// pass. Defaults to index 0 only.
	BPLossIdx []int
	// LossWeights, when set, must match BPLossIdx in length; the
	// weights are normalized to sum to 1 and assigned positionally.
	// When unset every selected index gets weight 1.
	LossWeights []float64
	// Device the batches are moved to before the forward pass.
	Device tensor.DeviceType
	// SaveImage requests one diagnostic banner per epoch, built from
	// the first batch.
	SaveImage bool
	// Vis builds the banner. Ignored unless SaveImage is set.
	Vis VisBuilder
	// Mean and Std denormalize images for the banner. Zero values fall
	// back to DefaultMean/DefaultStd.
	Mean [3]float32
	Std  [3]float32
	// Progress draws a per-batch progress bar.
	Progress bool
}

// Report is the outcome of one epoch: the running mean of every
// criterion keyed by name, plus the diagnostic banner when requested.
type Report struct {
	Losses map[string]float64
	// Banner is the composite diagnostic image, nil when not requested
	// or when the builder failed.
	Banner *tensor.Tensor
	// BannerErr records an isolated visualization failure.
	BannerErr error
}

// normalizeLossWeights resolves the selected criterion indices and
// their weights. Missing weights default to 1 per index; provided
// weights must match the selection in length and are scaled to sum to 1.
func normalizeLossWeights(bpLossIdx []int, lossWeights []float64) (map[int]float64, error) {
	if len(bpLossIdx) == 0 {
		bpLossIdx = []int{0}
	}

	weights := make(map[int]float64, len(bpLossIdx))
	if lossWeights == nil {
		for _, idx := range bpLossIdx {
			weights[idx] = 1.0
		}
		return weights, nil
	}

	if len(lossWeights) != len(bpLossIdx) {
		return nil, errors.Errorf("loss weights length %d does not match selected criteria count %d",
			len(lossWeights), len(bpLossIdx))
	}

	normalized := append([]float64{}, lossWeights...)
	sum := floats.Sum(normalized)
	if sum <= 0 {
		return nil, errors.New("loss weights must have a positive sum")
	}
	floats.Scale(1/sum, normalized)

	for i, idx := range bpLossIdx {
		weights[idx] = normalized[i]
	}
	return weights, nil
}

// Step runs one full pass over the data source in the given phase:
// forward, label alignment, weighted multi-criterion loss, and, in the
// train phase, backpropagation and an optimizer step per batch. It
// returns the per-criterion running losses and resets the trackers.
func Step(m Model, loader DataSource, optm Optimizer, phase Phase, criteria []*Criterion, cfg StepConfig) (*Report, error) {
	return runEpoch(m, loader, nil, optm, phase, criteria, nil, 0, cfg)
}

// StepAux is the auxiliary-classification variant: batches carry a
// class label, the model produces class logits next to the prediction,
// and the classification criterion always joins the backward total with
// the fixed clsWeight, outside the normalized weight mapping.
func StepAux(m Model, loader DataSource, optm Optimizer, phase Phase, criteria []*Criterion,
	clsCriterion *Criterion, clsWeight float64, cfg StepConfig) (*Report, error) {
	if clsCriterion == nil {
		return nil, errors.New("auxiliary variant requires a classification criterion")
	}
	return runEpoch(m, loader, nil, optm, phase, criteria, clsCriterion, clsWeight, cfg)
}

// StepMixedBatch trains on a primary source plus secondary sources of
// differing length. In the train phase one batch from every secondary
// source is concatenated onto each primary batch; secondary sources
// cycle indefinitely so they never end the epoch early. Other phases
// consume the primary source alone.
func StepMixedBatch(m Model, primary DataSource, others []DataSource, optm Optimizer, phase Phase,
	criteria []*Criterion, cfg StepConfig) (*Report, error) {
	return runEpoch(m, primary, others, optm, phase, criteria, nil, 0, cfg)
}

func runEpoch(m Model, primary DataSource, others []DataSource, optm Optimizer, phase Phase,
	criteria []*Criterion, clsCriterion *Criterion, clsWeight float64, cfg StepConfig) (*Report, error) {

	if len(criteria) == 0 {
		return nil, errors.New("at least one criterion is required")
	}

	weights, err := normalizeLossWeights(cfg.BPLossIdx, cfg.LossWeights)
	if err != nil {
		return nil, err
	}

	// Secondary sources cycle only in the train phase; eval never
	// advances them.
	var cyclers []*cycler
	if phase == PhaseTrain {
		for _, src := range others {
			cyclers = append(cyclers, newCycler(src))
		}
	}

	var bar *pb.ProgressBar
	if cfg.Progress {
		bar = pb.StartNew(primary.Len())
		defer bar.Finish()
	}

	report := &Report{Losses: make(map[string]float64)}
	primary.Reset()

	for batchCnt := 0; ; batchCnt++ {
		batch, err := primary.Next()
		if err != nil {
			return nil, errors.Wrap(err, "data source failed")
		}
		if batch == nil {
			break
		}
		if bar != nil {
			bar.Increment()
		}

		image, label, cls := batch.Image, batch.Label, batch.Class
		if clsCriterion != nil && cls == nil {
			return nil, errors.New("auxiliary variant requires batches with class labels")
		}

		for _, cy := range cyclers {
			other, err := cy.next()
			if err != nil {
				return nil, errors.Wrap(err, "secondary data source failed")
			}
			image, err = tensor.Concat([]*tensor.Tensor{image, other.Image})
			if err != nil {
				return nil, errors.Wrap(err, "image concatenation failed")
			}
			label, err = tensor.Concat([]*tensor.Tensor{label, other.Label})
			if err != nil {
				return nil, errors.Wrap(err, "label concatenation failed")
			}
		}

		if image, err = image.ToDevice(cfg.Device); err != nil {
			return nil, errors.Wrap(err, "failed to move image to device")
		}
		if label, err = label.ToDevice(cfg.Device); err != nil {
			return nil, errors.Wrap(err, "failed to move label to device")
		}
		if cls != nil {
			if cls, err = cls.ToDevice(cfg.Device); err != nil {
				return nil, errors.Wrap(err, "failed to move class label to device")
			}
		}
		if phase == PhaseTrain {
			image.SetRequiresGrad(true)
		}

		optm.ZeroGrad()

		var out *Output
		if phase == PhaseTrain {
			out, err = m.Forward(image)
		} else {
			// Forward-only: retain no autograd graph. Validation sets
			// can be large and the graph is pure overhead there.
			prev := tensor.SetGradEnabled(false)
			out, err = m.Forward(image)
			tensor.SetGradEnabled(prev)
		}
		if err != nil {
			return nil, errors.Wrap(err, "forward pass failed")
		}
		if clsCriterion != nil && !out.HasAux() {
			return nil, errors.New("model did not produce an auxiliary output")
		}

		if margin := m.LabelMargin(); margin > 0 {
			if label, err = tensor.CropSpatial(label, margin); err != nil {
				return nil, errors.Wrap(err, "label margin crop failed")
			}
		}

		batchSize := image.Shape[0]
		var total *tensor.Tensor

		for i, c := range criteria {
			loss, err := c.Compute(out.Pred, label)
			if err != nil {
				return nil, errors.Wrapf(err, "criterion %q failed", c.Name())
			}
			if w, selected := weights[i]; selected && phase == PhaseTrain {
				weighted, err := tensor.MulAutograd(loss, tensor.FromScalar(w, tensor.Float32, cfg.Device))
				if err != nil {
					return nil, errors.Wrap(err, "loss weighting failed")
				}
				if total == nil {
					total = weighted
				} else if total, err = tensor.AddAutograd(total, weighted); err != nil {
					return nil, errors.Wrap(err, "loss accumulation failed")
				}
			}
			v, err := loss.Item()
			if err != nil {
				return nil, errors.Wrap(err, "loss is not a scalar")
			}
			c.Update(v, batchSize)
		}

		if clsCriterion != nil {
			loss, err := clsCriterion.Compute(out.Aux, cls)
			if err != nil {
				return nil, errors.Wrapf(err, "criterion %q failed", clsCriterion.Name())
			}
			if phase == PhaseTrain {
				weighted, err := tensor.MulAutograd(loss, tensor.FromScalar(clsWeight, tensor.Float32, cfg.Device))
				if err != nil {
					return nil, errors.Wrap(err, "classification loss weighting failed")
				}
				if total == nil {
					total = weighted
				} else if total, err = tensor.AddAutograd(total, weighted); err != nil {
					return nil, errors.Wrap(err, "loss accumulation failed")
				}
			}
			v, err := loss.Item()
			if err != nil {
				return nil, errors.Wrap(err, "classification loss is not a scalar")
			}
			clsCriterion.Update(v, batchSize)
		}

		if phase == PhaseTrain {
			if total == nil {
				return nil, errors.New("no criterion selected for backpropagation")
			}
			if err := total.Backward(); err != nil {
				return nil, errors.Wrap(err, "backward pass failed")
			}
			if err := optm.Step(); err != nil {
				return nil, errors.Wrap(err, "optimizer step failed")
			}
		}

		if batchCnt == 0 && cfg.SaveImage && cfg.Vis != nil {
			buildBanner(report, m, image, label, out.Pred, cfg)
		}
	}

	for _, c := range criteria {
		report.Losses[c.Name()] = c.Loss()
		c.Reset()
	}
	if clsCriterion != nil {
		report.Losses[clsCriterion.Name()] = clsCriterion.Loss()
		clsCriterion.Reset()
	}
	return report, nil
}

// buildBanner hands the first batch to the visualization collaborator.
// Failures are isolated into the report so a broken banner never costs
// an epoch of training.
func buildBanner(report *Report, m Model, image, label, pred *tensor.Tensor, cfg StepConfig) {
	mean, std := cfg.Mean, cfg.Std
	if mean == [3]float32{} {
		mean = DefaultMean
	}
	if std == [3]float32{} {
		std = DefaultStd
	}

	img := image.Detach()
	if margin := m.LabelMargin(); margin > 0 {
		cropped, err := tensor.CropSpatial(img, margin)
		if err != nil {
			report.BannerErr = errors.Wrap(err, "banner image crop failed")
			return
		}
		img = cropped
	}

	banner, err := cfg.Vis(img, label.Detach(), pred.Detach(), m.NumClasses(), mean, std)
	if err != nil {
		report.BannerErr = errors.Wrap(err, "banner construction failed")
		return
	}
	report.Banner = banner
}
