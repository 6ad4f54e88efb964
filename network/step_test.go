package network_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/georgezywang/mrs/network"
	"github.com/georgezywang/mrs/tensor"
	"github.com/georgezywang/mrs/training"
)

// recordingSource serves fixed batches and records its lifecycle so
// tests can assert how the step engine drives it.
type recordingSource struct {
	batches   []*network.Batch
	pos       int
	resets    int
	nextCalls int
	served    []int
}

func (s *recordingSource) Len() int {
	return len(s.batches)
}

func (s *recordingSource) Reset() {
	s.pos = 0
	s.resets++
}

func (s *recordingSource) Next() (*network.Batch, error) {
	s.nextCalls++
	if s.pos >= len(s.batches) {
		return nil, nil
	}
	b := s.batches[s.pos]
	s.served = append(s.served, s.pos)
	s.pos++
	return b, nil
}

// makeBatch builds one deterministic batch of 3-channel tiles with
// label values inside [0, numClasses).
func makeBatch(t *testing.T, batchSize, h, w, numClasses int, withClass bool) *network.Batch {
	t.Helper()

	imgData := make([]float32, batchSize*3*h*w)
	for i := range imgData {
		imgData[i] = float32(i%7)/7.0 - 0.5
	}
	img, err := tensor.NewTensor([]int{batchSize, 3, h, w}, tensor.Float32, tensor.CPU, imgData)
	if err != nil {
		t.Fatalf("failed to create batch image: %v", err)
	}

	lblData := make([]int32, batchSize*h*w)
	for i := range lblData {
		lblData[i] = int32(i % numClasses)
	}
	lbl, err := tensor.NewTensor([]int{batchSize, h, w}, tensor.Int32, tensor.CPU, lblData)
	if err != nil {
		t.Fatalf("failed to create batch label: %v", err)
	}

	batch := &network.Batch{Image: img, Label: lbl}
	if withClass {
		clsData := make([]int32, batchSize)
		for i := range clsData {
			clsData[i] = int32(i % numClasses)
		}
		cls, err := tensor.NewTensor([]int{batchSize}, tensor.Int32, tensor.CPU, clsData)
		if err != nil {
			t.Fatalf("failed to create batch class: %v", err)
		}
		batch.Class = cls
	}
	return batch
}

func makeSource(t *testing.T, numBatches, batchSize, h, w, numClasses int, withClass bool) *recordingSource {
	t.Helper()
	src := &recordingSource{}
	for i := 0; i < numBatches; i++ {
		src.batches = append(src.batches, makeBatch(t, batchSize, h, w, numClasses, withClass))
	}
	return src
}

func segCriteria() []*network.Criterion {
	return []*network.Criterion{
		network.NewCriterion("xent", training.NewSegCrossEntropy()),
		network.NewCriterion("dice", training.NewSoftDice()),
	}
}

func newOptimizer(t *testing.T, m network.Model) *training.SGD {
	t.Helper()
	groups, err := m.TrainParams([2]float64{0.01, 0.01})
	if err != nil {
		t.Fatalf("TrainParams failed: %v", err)
	}
	return training.NewSGD(groups, 0, 0)
}

func snapshotParams(t *testing.T, groups []network.ParamGroup) []*tensor.Tensor {
	t.Helper()
	var out []*tensor.Tensor
	for _, g := range groups {
		for _, p := range g.Params {
			c, err := p.Clone()
			if err != nil {
				t.Fatalf("failed to snapshot parameter: %v", err)
			}
			out = append(out, c)
		}
	}
	return out
}

func TestStepTrain(t *testing.T) {
	t.Run("ReportsEveryCriterionAndUpdatesParams", func(t *testing.T) {
		m := newPointwiseModel(t, 3)
		optm := newOptimizer(t, m)
		src := makeSource(t, 3, 2, 4, 4, 3, false)
		before := snapshotParams(t, optm.Groups())

		report, err := network.Step(m, src, optm, network.PhaseTrain, segCriteria(), network.StepConfig{
			BPLossIdx:   []int{0, 1},
			LossWeights: []float64{3, 1},
		})
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}

		for _, key := range []string{"xent", "dice"} {
			if _, ok := report.Losses[key]; !ok {
				t.Errorf("expected report key %q, got %v", key, report.Losses)
			}
		}
		if report.Losses["xent"] <= 0 {
			t.Errorf("expected a positive cross entropy, got %v", report.Losses["xent"])
		}

		var changed bool
		i := 0
		for _, g := range optm.Groups() {
			for _, p := range g.Params {
				if eq, _ := p.Equal(before[i]); !eq {
					changed = true
				}
				i++
			}
		}
		if !changed {
			t.Error("expected training to change at least one parameter")
		}
	})

	t.Run("DefaultSelectsFirstCriterion", func(t *testing.T) {
		m := newPointwiseModel(t, 3)
		optm := newOptimizer(t, m)
		src := makeSource(t, 2, 2, 4, 4, 3, false)

		report, err := network.Step(m, src, optm, network.PhaseTrain, segCriteria(), network.StepConfig{})
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		// Unselected criteria are still tracked.
		if _, ok := report.Losses["dice"]; !ok {
			t.Error("expected the unselected criterion to be reported")
		}
	})

	t.Run("WeightCountMismatchFailsBeforeAnyBatch", func(t *testing.T) {
		m := newPointwiseModel(t, 3)
		optm := newOptimizer(t, m)
		src := makeSource(t, 2, 2, 4, 4, 3, false)

		_, err := network.Step(m, src, optm, network.PhaseTrain, segCriteria(), network.StepConfig{
			BPLossIdx:   []int{0, 1},
			LossWeights: []float64{1},
		})
		if err == nil {
			t.Fatal("expected error for mismatched weight count")
		}
		if !strings.Contains(err.Error(), "does not match") {
			t.Errorf("unexpected error: %v", err)
		}
		if src.nextCalls != 0 || src.resets != 0 {
			t.Error("expected validation to fail before the data source is touched")
		}
	})

	t.Run("NoCriteriaFails", func(t *testing.T) {
		m := newPointwiseModel(t, 3)
		optm := newOptimizer(t, m)
		src := makeSource(t, 1, 1, 4, 4, 3, false)

		if _, err := network.Step(m, src, optm, network.PhaseTrain, nil, network.StepConfig{}); err == nil {
			t.Error("expected error when no criterion is given")
		}
	})

	t.Run("TrackersResetBetweenEpochs", func(t *testing.T) {
		m := newPointwiseModel(t, 3)
		optm := newOptimizer(t, m)
		src := makeSource(t, 2, 2, 4, 4, 3, false)
		criteria := segCriteria()

		first, err := network.Step(m, src, optm, network.PhaseEval, criteria, network.StepConfig{})
		if err != nil {
			t.Fatalf("first epoch failed: %v", err)
		}
		second, err := network.Step(m, src, optm, network.PhaseEval, criteria, network.StepConfig{})
		if err != nil {
			t.Fatalf("second epoch failed: %v", err)
		}

		// Eval changes nothing, so an identical pass must report an
		// identical mean rather than a stale accumulation.
		if first.Losses["xent"] != second.Losses["xent"] {
			t.Errorf("expected identical epoch means, got %v and %v",
				first.Losses["xent"], second.Losses["xent"])
		}
	})
}

func TestStepEval(t *testing.T) {
	t.Run("LeavesParamsUnchanged", func(t *testing.T) {
		m := newPointwiseModel(t, 3)
		optm := newOptimizer(t, m)
		src := makeSource(t, 3, 2, 4, 4, 3, false)
		before := snapshotParams(t, optm.Groups())

		report, err := network.Step(m, src, optm, network.PhaseEval, segCriteria(), network.StepConfig{
			BPLossIdx: []int{0, 1},
		})
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if report.Losses["xent"] <= 0 {
			t.Errorf("expected a positive eval loss, got %v", report.Losses["xent"])
		}

		i := 0
		for _, g := range optm.Groups() {
			for _, p := range g.Params {
				if eq, _ := p.Equal(before[i]); !eq {
					t.Fatal("eval pass modified a parameter")
				}
				i++
			}
		}
	})

	t.Run("RecordsNoAutogradGraph", func(t *testing.T) {
		m := newPointwiseModel(t, 3)
		optm := newOptimizer(t, m)
		src := makeSource(t, 1, 1, 4, 4, 3, false)

		if _, err := network.Step(m, src, optm, network.PhaseEval, segCriteria(), network.StepConfig{}); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		for _, g := range optm.Groups() {
			for _, p := range g.Params {
				if p.Grad() != nil {
					t.Fatal("eval pass accumulated a gradient")
				}
			}
		}
	})
}

func TestStepMarginCrop(t *testing.T) {
	// Two 3x3 valid convolutions shrink 8x8 tiles to 4x4 predictions;
	// the engine must crop the 8x8 labels to match.
	conv1, err := training.NewConv2D(3, 4, 3, 1, 0, true)
	if err != nil {
		t.Fatalf("failed to create conv: %v", err)
	}
	conv2, err := training.NewConv2D(4, 3, 3, 1, 0, true)
	if err != nil {
		t.Fatalf("failed to create conv: %v", err)
	}
	m := &segModel{Base: network.Base{
		LblMargin: 2,
		NClass:    3,
		Encoder:   training.NewSequential(conv1, training.NewReLU()),
		Decoder:   training.NewSequential(conv2),
	}}

	optm := newOptimizer(t, m)
	src := makeSource(t, 2, 2, 8, 8, 3, false)

	report, err := network.Step(m, src, optm, network.PhaseTrain, segCriteria(), network.StepConfig{})
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if report.Losses["xent"] <= 0 {
		t.Errorf("expected a positive loss, got %v", report.Losses["xent"])
	}
}

func TestStepMixedBatch(t *testing.T) {
	t.Run("SecondaryCyclesDuringTraining", func(t *testing.T) {
		m := newPointwiseModel(t, 3)
		optm := newOptimizer(t, m)
		primary := makeSource(t, 5, 1, 4, 4, 3, false)
		secondary := makeSource(t, 2, 1, 4, 4, 3, false)

		_, err := network.StepMixedBatch(m, primary, []network.DataSource{secondary}, optm,
			network.PhaseTrain, segCriteria(), network.StepConfig{})
		if err != nil {
			t.Fatalf("StepMixedBatch failed: %v", err)
		}

		expected := []int{0, 1, 0, 1, 0}
		if len(secondary.served) != len(expected) {
			t.Fatalf("expected %d secondary draws, got %d", len(expected), len(secondary.served))
		}
		for i, v := range expected {
			if secondary.served[i] != v {
				t.Fatalf("expected secondary draw order %v, got %v", expected, secondary.served)
			}
		}
	})

	t.Run("EvalNeverAdvancesSecondary", func(t *testing.T) {
		m := newPointwiseModel(t, 3)
		optm := newOptimizer(t, m)
		primary := makeSource(t, 3, 1, 4, 4, 3, false)
		secondary := makeSource(t, 2, 1, 4, 4, 3, false)

		_, err := network.StepMixedBatch(m, primary, []network.DataSource{secondary}, optm,
			network.PhaseEval, segCriteria(), network.StepConfig{})
		if err != nil {
			t.Fatalf("StepMixedBatch failed: %v", err)
		}
		if secondary.nextCalls != 0 || secondary.resets != 0 {
			t.Errorf("expected secondary untouched in eval, got %d next calls and %d resets",
				secondary.nextCalls, secondary.resets)
		}
	})

	t.Run("EmptySecondaryFails", func(t *testing.T) {
		m := newPointwiseModel(t, 3)
		optm := newOptimizer(t, m)
		primary := makeSource(t, 2, 1, 4, 4, 3, false)
		secondary := &recordingSource{}

		_, err := network.StepMixedBatch(m, primary, []network.DataSource{secondary}, optm,
			network.PhaseTrain, segCriteria(), network.StepConfig{})
		if err == nil {
			t.Error("expected error for an empty secondary source")
		}
	})
}

// auxConvModel adds a classification head over pooled encoder features.
type auxConvModel struct {
	network.Base
	head *training.Linear
}

func (m *auxConvModel) Forward(inputs ...*tensor.Tensor) (*network.Output, error) {
	feats, err := m.Encoder.Forward(inputs[0])
	if err != nil {
		return nil, err
	}
	pred, err := m.Decoder.Forward(feats)
	if err != nil {
		return nil, err
	}

	pooled, err := tensor.GlobalAvgPool2DAutograd(feats)
	if err != nil {
		return nil, err
	}
	aux, err := m.head.Forward(pooled)
	if err != nil {
		return nil, err
	}
	return &network.Output{Pred: pred, Aux: aux}, nil
}

func newAuxModel(t *testing.T, numClasses int) *auxConvModel {
	t.Helper()
	conv1, err := training.NewConv2D(3, 4, 1, 1, 0, true)
	if err != nil {
		t.Fatalf("failed to create encoder conv: %v", err)
	}
	conv2, err := training.NewConv2D(4, numClasses, 1, 1, 0, true)
	if err != nil {
		t.Fatalf("failed to create decoder conv: %v", err)
	}
	head, err := training.NewLinear(4, numClasses, true)
	if err != nil {
		t.Fatalf("failed to create classification head: %v", err)
	}
	return &auxConvModel{
		Base: network.Base{
			NClass:  numClasses,
			Encoder: training.NewSequential(conv1),
			Decoder: training.NewSequential(conv2),
		},
		head: head,
	}
}

func TestStepAux(t *testing.T) {
	t.Run("ClassificationLossJoinsReport", func(t *testing.T) {
		m := newAuxModel(t, 3)
		optm := newOptimizer(t, m)
		src := makeSource(t, 2, 2, 4, 4, 3, true)
		cls := network.NewCriterion("cls", training.NewClsCrossEntropy())

		report, err := network.StepAux(m, src, optm, network.PhaseTrain, segCriteria(), cls, 0.4,
			network.StepConfig{})
		if err != nil {
			t.Fatalf("StepAux failed: %v", err)
		}
		for _, key := range []string{"xent", "dice", "cls"} {
			if _, ok := report.Losses[key]; !ok {
				t.Errorf("expected report key %q, got %v", key, report.Losses)
			}
		}
		if report.Losses["cls"] <= 0 {
			t.Errorf("expected a positive classification loss, got %v", report.Losses["cls"])
		}
	})

	t.Run("NilClassificationCriterionFails", func(t *testing.T) {
		m := newAuxModel(t, 3)
		optm := newOptimizer(t, m)
		src := makeSource(t, 1, 1, 4, 4, 3, true)

		if _, err := network.StepAux(m, src, optm, network.PhaseTrain, segCriteria(), nil, 0.4,
			network.StepConfig{}); err == nil {
			t.Error("expected error for a nil classification criterion")
		}
	})

	t.Run("BatchWithoutClassLabelsFails", func(t *testing.T) {
		m := newAuxModel(t, 3)
		optm := newOptimizer(t, m)
		src := makeSource(t, 1, 1, 4, 4, 3, false)
		cls := network.NewCriterion("cls", training.NewClsCrossEntropy())

		if _, err := network.StepAux(m, src, optm, network.PhaseTrain, segCriteria(), cls, 0.4,
			network.StepConfig{}); err == nil {
			t.Error("expected error for batches without class labels")
		}
	})

	t.Run("ModelWithoutAuxHeadFails", func(t *testing.T) {
		m := newPointwiseModel(t, 3)
		optm := newOptimizer(t, m)
		src := makeSource(t, 1, 1, 4, 4, 3, true)
		cls := network.NewCriterion("cls", training.NewClsCrossEntropy())

		if _, err := network.StepAux(m, src, optm, network.PhaseTrain, segCriteria(), cls, 0.4,
			network.StepConfig{}); err == nil {
			t.Error("expected error for a model without an auxiliary output")
		}
	})
}

func TestStepBanner(t *testing.T) {
	t.Run("BuiltFromFirstBatchOnly", func(t *testing.T) {
		m := newPointwiseModel(t, 3)
		optm := newOptimizer(t, m)
		src := makeSource(t, 3, 2, 4, 4, 3, false)

		var calls int
		builder := func(image, label, pred *tensor.Tensor, numClasses int, mean, std [3]float32) (*tensor.Tensor, error) {
			calls++
			return tensor.Ones([]int{3, 4, 12}, tensor.Float32, tensor.CPU)
		}

		report, err := network.Step(m, src, optm, network.PhaseTrain, segCriteria(), network.StepConfig{
			SaveImage: true,
			Vis:       builder,
		})
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if calls != 1 {
			t.Errorf("expected the builder to run once, ran %d times", calls)
		}
		if report.Banner == nil {
			t.Error("expected a banner in the report")
		}
	})

	t.Run("BuilderFailureIsIsolated", func(t *testing.T) {
		m := newPointwiseModel(t, 3)
		optm := newOptimizer(t, m)
		src := makeSource(t, 2, 2, 4, 4, 3, false)

		builder := func(image, label, pred *tensor.Tensor, numClasses int, mean, std [3]float32) (*tensor.Tensor, error) {
			return nil, errFailedBuilder
		}

		report, err := network.Step(m, src, optm, network.PhaseTrain, segCriteria(), network.StepConfig{
			SaveImage: true,
			Vis:       builder,
		})
		if err != nil {
			t.Fatalf("expected the epoch to survive a failing builder, got %v", err)
		}
		if report.BannerErr == nil {
			t.Error("expected the builder failure to be recorded")
		}
		if report.Banner != nil {
			t.Error("expected no banner after a builder failure")
		}
		if _, ok := report.Losses["xent"]; !ok {
			t.Error("expected losses despite the builder failure")
		}
	})

	t.Run("NotBuiltUnlessRequested", func(t *testing.T) {
		m := newPointwiseModel(t, 3)
		optm := newOptimizer(t, m)
		src := makeSource(t, 1, 1, 4, 4, 3, false)

		var calls int
		builder := func(image, label, pred *tensor.Tensor, numClasses int, mean, std [3]float32) (*tensor.Tensor, error) {
			calls++
			return nil, nil
		}

		if _, err := network.Step(m, src, optm, network.PhaseTrain, segCriteria(), network.StepConfig{
			Vis: builder,
		}); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if calls != 0 {
			t.Errorf("expected no builder calls without SaveImage, got %d", calls)
		}
	})
}

var errFailedBuilder = errors.New("banner builder deliberately failed")
