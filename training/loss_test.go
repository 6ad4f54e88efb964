package training

import (
	"math"
	"testing"

	"github.com/georgezywang/mrs/tensor"
)

func floatTensor(t *testing.T, shape []int, data []float32) *tensor.Tensor {
	t.Helper()
	ts, err := tensor.NewTensor(shape, tensor.Float32, tensor.CPU, data)
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}
	return ts
}

func intTensor(t *testing.T, shape []int, data []int32) *tensor.Tensor {
	t.Helper()
	ts, err := tensor.NewTensor(shape, tensor.Int32, tensor.CPU, data)
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}
	return ts
}

func TestSegCrossEntropy(t *testing.T) {
	loss := NewSegCrossEntropy()

	t.Run("UniformLogitsGiveLogC", func(t *testing.T) {
		// Zero logits over 3 classes put probability 1/3 on the target
		// everywhere, so the mean NLL is ln(3).
		pred := floatTensor(t, []int{1, 3, 2, 2}, make([]float32, 12))
		target := intTensor(t, []int{1, 2, 2}, []int32{0, 1, 2, 0})

		out, err := loss.Forward(pred, target)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		v, _ := out.Item()
		if math.Abs(v-math.Log(3)) > 1e-5 {
			t.Errorf("expected ln(3)=%v, got %v", math.Log(3), v)
		}
	})

	t.Run("ConfidentCorrectPredictionIsSmall", func(t *testing.T) {
		// Logit 10 on the true class at every pixel.
		data := make([]float32, 4)
		data[0], data[1] = 10, 10 // channel 0 at both pixels
		pred := floatTensor(t, []int{1, 2, 1, 2}, data)
		target := intTensor(t, []int{1, 1, 2}, []int32{0, 0})

		out, err := loss.Forward(pred, target)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		v, _ := out.Item()
		if v > 0.001 {
			t.Errorf("expected near-zero loss, got %v", v)
		}
	})

	t.Run("GradientSumsToZeroPerPixel", func(t *testing.T) {
		pred := floatTensor(t, []int{1, 3, 1, 2}, []float32{0.5, -1, 2, 0, -0.5, 1})
		pred.SetRequiresGrad(true)
		target := intTensor(t, []int{1, 1, 2}, []int32{2, 0})

		out, err := loss.Forward(pred, target)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if err := out.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}

		grad, err := pred.Grad().GetFloat32Data()
		if err != nil {
			t.Fatalf("gradient is not a float tensor: %v", err)
		}
		// softmax minus one-hot sums to zero over the channel dimension.
		for p := 0; p < 2; p++ {
			sum := grad[p] + grad[2+p] + grad[4+p]
			if math.Abs(float64(sum)) > 1e-6 {
				t.Errorf("pixel %d: channel gradients sum to %v, expected 0", p, sum)
			}
		}
	})

	t.Run("ShapeValidation", func(t *testing.T) {
		pred := floatTensor(t, []int{1, 3, 2, 2}, make([]float32, 12))
		badTarget := intTensor(t, []int{1, 3, 3}, make([]int32, 9))
		if _, err := loss.Forward(pred, badTarget); err == nil {
			t.Error("expected error for spatial mismatch")
		}
	})

	t.Run("OutOfRangeClassFails", func(t *testing.T) {
		pred := floatTensor(t, []int{1, 2, 1, 1}, make([]float32, 2))
		target := intTensor(t, []int{1, 1, 1}, []int32{5})
		if _, err := loss.Forward(pred, target); err == nil {
			t.Error("expected error for out-of-range target class")
		}
	})
}

func TestSoftDice(t *testing.T) {
	loss := NewSoftDice()

	t.Run("PerfectPredictionNearZero", func(t *testing.T) {
		// Saturated logits on the true class drive the overlap to 1.
		pred := floatTensor(t, []int{1, 2, 1, 2}, []float32{20, -20, -20, 20})
		target := intTensor(t, []int{1, 1, 2}, []int32{0, 1})

		out, err := loss.Forward(pred, target)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		v, _ := out.Item()
		if v > 0.001 {
			t.Errorf("expected near-zero dice loss, got %v", v)
		}
	})

	t.Run("UniformPredictionGivesHalf", func(t *testing.T) {
		// Uniform probabilities over 2 classes overlap the one-hot target
		// by exactly one half.
		pred := floatTensor(t, []int{1, 2, 2, 2}, make([]float32, 8))
		target := intTensor(t, []int{1, 2, 2}, []int32{0, 1, 0, 1})

		out, err := loss.Forward(pred, target)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		v, _ := out.Item()
		if math.Abs(v-0.5) > 1e-5 {
			t.Errorf("expected 0.5, got %v", v)
		}
	})

	t.Run("GradientFlowsToLogits", func(t *testing.T) {
		pred := floatTensor(t, []int{1, 2, 1, 2}, []float32{1, -1, 0, 0.5})
		pred.SetRequiresGrad(true)
		target := intTensor(t, []int{1, 1, 2}, []int32{0, 1})

		out, err := loss.Forward(pred, target)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if err := out.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		if pred.Grad() == nil {
			t.Fatal("expected a gradient on the logits")
		}
	})
}

func TestClsCrossEntropy(t *testing.T) {
	loss := NewClsCrossEntropy()

	t.Run("UniformLogitsGiveLogC", func(t *testing.T) {
		pred := floatTensor(t, []int{2, 4}, make([]float32, 8))
		target := intTensor(t, []int{2}, []int32{1, 3})

		out, err := loss.Forward(pred, target)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		v, _ := out.Item()
		if math.Abs(v-math.Log(4)) > 1e-5 {
			t.Errorf("expected ln(4)=%v, got %v", math.Log(4), v)
		}
	})

	t.Run("AcceptsColumnVectorTarget", func(t *testing.T) {
		pred := floatTensor(t, []int{2, 3}, make([]float32, 6))
		target := intTensor(t, []int{2, 1}, []int32{0, 2})

		if _, err := loss.Forward(pred, target); err != nil {
			t.Errorf("expected [batch, 1] targets to be accepted, got %v", err)
		}
	})

	t.Run("GradientIsSoftmaxMinusOneHot", func(t *testing.T) {
		pred := floatTensor(t, []int{1, 2}, []float32{0, 0})
		pred.SetRequiresGrad(true)
		target := intTensor(t, []int{1}, []int32{0})

		out, err := loss.Forward(pred, target)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if err := out.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}

		grad, _ := pred.Grad().GetFloat32Data()
		// Uniform softmax is 0.5, so the gradient is [-0.5, 0.5].
		if math.Abs(float64(grad[0]+0.5)) > 1e-6 || math.Abs(float64(grad[1]-0.5)) > 1e-6 {
			t.Errorf("expected gradient [-0.5 0.5], got %v", grad)
		}
	})

	t.Run("BatchSizeMismatchFails", func(t *testing.T) {
		pred := floatTensor(t, []int{2, 3}, make([]float32, 6))
		target := intTensor(t, []int{3}, []int32{0, 1, 2})
		if _, err := loss.Forward(pred, target); err == nil {
			t.Error("expected error for batch size mismatch")
		}
	})

	t.Run("OutOfRangeClassFails", func(t *testing.T) {
		pred := floatTensor(t, []int{1, 2}, make([]float32, 2))
		target := intTensor(t, []int{1}, []int32{2})
		if _, err := loss.Forward(pred, target); err == nil {
			t.Error("expected error for out-of-range class")
		}
	})
}
