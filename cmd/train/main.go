// Command train runs a smoke training loop: a small valid-convolution
// segmentation network on randomly generated tiles, with per-epoch
// validation, diagnostic banners, and JSON checkpoints.
package main

import (
	"log"
	"path/filepath"

	"github.com/alexflint/go-arg"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/georgezywang/mrs/checkpoints"
	"github.com/georgezywang/mrs/eval"
	"github.com/georgezywang/mrs/network"
	"github.com/georgezywang/mrs/tensor"
	"github.com/georgezywang/mrs/training"
	"github.com/georgezywang/mrs/vis"
)

type args struct {
	Epochs      int     `arg:"--epochs" default:"3" help:"number of training epochs"`
	BatchSize   int     `arg:"--batch-size" default:"4" help:"samples per batch"`
	EncoderLR   float64 `arg:"--encoder-lr" default:"0.01" help:"encoder learning rate"`
	DecoderLR   float64 `arg:"--decoder-lr" default:"0.1" help:"decoder learning rate"`
	Momentum    float64 `arg:"--momentum" default:"0.9" help:"SGD momentum"`
	WeightDecay float64 `arg:"--weight-decay" default:"0.0001" help:"L2 weight decay"`
	Classes     int     `arg:"--classes" default:"4" help:"number of segmentation classes"`
	TileSize    int     `arg:"--tile-size" default:"24" help:"spatial extent of the training tiles"`
	TrainSize   int     `arg:"--train-size" default:"32" help:"number of training tiles"`
	ValSize     int     `arg:"--val-size" default:"8" help:"number of validation tiles"`
	Seed        int64   `arg:"--seed" default:"1" help:"random seed"`
	OutDir      string  `arg:"--out-dir" default:"runs" help:"checkpoint output directory"`
	SaveImage   bool    `arg:"--save-image" help:"build a diagnostic banner each epoch"`
}

// segNet is a small encoder/decoder built from valid convolutions, so
// predictions are two pixels smaller than the input on every side.
type segNet struct {
	network.Base
}

func (m *segNet) Forward(inputs ...*tensor.Tensor) (*network.Output, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("expected 1 input, got %d", len(inputs))
	}
	feats, err := m.Encoder.Forward(inputs[0])
	if err != nil {
		return nil, errors.Wrap(err, "encoder failed")
	}
	pred, err := m.Decoder.Forward(feats)
	if err != nil {
		return nil, errors.Wrap(err, "decoder failed")
	}
	return &network.Output{Pred: pred}, nil
}

func newSegNet(numClasses int, seed uint64) (*segNet, error) {
	conv1, err := training.NewConv2D(3, 8, 3, 1, 0, true)
	if err != nil {
		return nil, err
	}
	conv2, err := training.NewConv2D(8, numClasses, 3, 1, 0, true)
	if err != nil {
		return nil, err
	}

	return &segNet{Base: network.Base{
		// Two 3x3 valid convolutions shrink each side by 2 pixels.
		LblMargin: 2,
		NClass:    numClasses,
		Encoder:   training.NewSequential(conv1, training.NewReLU()),
		Decoder:   training.NewSequential(conv2),
		Seed:      seed,
	}}, nil
}

func main() {
	var a args
	arg.MustParse(&a)

	if err := run(a); err != nil {
		log.Fatalf("training failed: %v", err)
	}
}

func run(a args) error {
	runID := uuid.New().String()
	log.Printf("run %s: %d classes, %d epochs, batch size %d", runID, a.Classes, a.Epochs, a.BatchSize)

	training.SetRandomSeed(a.Seed)

	model, err := newSegNet(a.Classes, uint64(a.Seed))
	if err != nil {
		return errors.Wrap(err, "failed to build model")
	}
	if err := model.InitWeight(); err != nil {
		return errors.Wrap(err, "weight initialization failed")
	}

	groups, err := model.TrainParams([2]float64{a.EncoderLR, a.DecoderLR})
	if err != nil {
		return errors.Wrap(err, "failed to build parameter groups")
	}
	optm := training.NewSGD(groups, a.Momentum, a.WeightDecay)

	trainSet := training.NewRandomDataset(a.TrainSize, 3, a.TileSize, a.TileSize, a.Classes, false)
	valSet := training.NewRandomDataset(a.ValSize, 3, a.TileSize, a.TileSize, a.Classes, false)

	trainLoader, err := training.NewDataLoader(trainSet, a.BatchSize, true)
	if err != nil {
		return errors.Wrap(err, "failed to build training loader")
	}
	valLoader, err := training.NewDataLoader(valSet, a.BatchSize, false)
	if err != nil {
		return errors.Wrap(err, "failed to build validation loader")
	}

	criteria := []*network.Criterion{
		network.NewCriterion("xent", training.NewSegCrossEntropy()),
		network.NewCriterion("dice", training.NewSoftDice()),
	}

	trainCfg := network.StepConfig{
		BPLossIdx:   []int{0, 1},
		LossWeights: []float64{3, 1},
		Progress:    true,
		SaveImage:   a.SaveImage,
		Vis:         vis.Banner,
	}
	evalCfg := network.StepConfig{BPLossIdx: []int{0, 1}}

	for epoch := 1; epoch <= a.Epochs; epoch++ {
		report, err := network.Step(model, trainLoader, optm, network.PhaseTrain, criteria, trainCfg)
		if err != nil {
			return errors.Wrapf(err, "training epoch %d failed", epoch)
		}
		log.Printf("epoch %d train: xent %.4f dice %.4f", epoch, report.Losses["xent"], report.Losses["dice"])
		if report.BannerErr != nil {
			log.Printf("epoch %d banner skipped: %v", epoch, report.BannerErr)
		}

		valReport, err := network.Step(model, valLoader, optm, network.PhaseEval, criteria, evalCfg)
		if err != nil {
			return errors.Wrapf(err, "validation epoch %d failed", epoch)
		}
		log.Printf("epoch %d val:   xent %.4f dice %.4f", epoch, valReport.Losses["xent"], valReport.Losses["dice"])

		cp, err := checkpoints.FromGroups(runID, epoch, valReport.Losses, optm.Groups())
		if err != nil {
			return errors.Wrapf(err, "failed to snapshot epoch %d", epoch)
		}
		path := filepath.Join(a.OutDir, runID, "epoch.json")
		if err := cp.Save(path); err != nil {
			return errors.Wrapf(err, "failed to save epoch %d", epoch)
		}
	}

	return score(model, valSet, a.TileSize)
}

// score runs the patch evaluator over one held-out tile and logs the
// stitched metrics.
func score(model network.Model, ds training.Dataset, tileSize int) error {
	evaluator, err := eval.NewPatchEvaluator(model, tileSize/2)
	if err != nil {
		return errors.Wrap(err, "failed to build evaluator")
	}

	sample, err := ds.Get(0)
	if err != nil {
		return errors.Wrap(err, "failed to load evaluation tile")
	}
	metrics, err := evaluator.Evaluate(sample.Image, sample.Label)
	if err != nil {
		return errors.Wrap(err, "evaluation failed")
	}
	log.Printf("eval: pixel accuracy %.4f, mean IoU %.4f", metrics.PixelAccuracy, metrics.MeanIoU)
	return nil
}
