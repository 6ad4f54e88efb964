package network

import (
	"testing"

	"github.com/georgezywang/mrs/tensor"
)

// listSource serves a fixed list of batches and records its lifecycle.
type listSource struct {
	batches []*Batch
	pos     int
	resets  int
	served  []int
}

func newListSource(t *testing.T, n int) *listSource {
	t.Helper()
	src := &listSource{}
	for i := 0; i < n; i++ {
		// Encode the batch index into the image so tests can identify
		// which batch was served.
		img, err := tensor.Full([]int{1, 1, 1, 1}, float64(i), tensor.Float32, tensor.CPU)
		if err != nil {
			t.Fatalf("failed to create batch image: %v", err)
		}
		lbl, err := tensor.Zeros([]int{1, 1, 1}, tensor.Int32, tensor.CPU)
		if err != nil {
			t.Fatalf("failed to create batch label: %v", err)
		}
		src.batches = append(src.batches, &Batch{Image: img, Label: lbl})
	}
	return src
}

func (s *listSource) Len() int {
	return len(s.batches)
}

func (s *listSource) Reset() {
	s.pos = 0
	s.resets++
}

func (s *listSource) Next() (*Batch, error) {
	if s.pos >= len(s.batches) {
		return nil, nil
	}
	b := s.batches[s.pos]
	s.served = append(s.served, s.pos)
	s.pos++
	return b, nil
}

func TestCycler(t *testing.T) {
	t.Run("WrapsAroundOnExhaustion", func(t *testing.T) {
		src := newListSource(t, 2)
		cy := newCycler(src)

		var got []float64
		for i := 0; i < 5; i++ {
			b, err := cy.next()
			if err != nil {
				t.Fatalf("next failed on draw %d: %v", i, err)
			}
			v, _ := b.Image.Item()
			got = append(got, v)
		}

		expected := []float64{0, 1, 0, 1, 0}
		for i, v := range expected {
			if got[i] != v {
				t.Fatalf("expected draw order %v, got %v", expected, got)
			}
		}
	})

	t.Run("ResetsOnFirstUseOnly", func(t *testing.T) {
		src := newListSource(t, 3)
		cy := newCycler(src)

		if _, err := cy.next(); err != nil {
			t.Fatalf("next failed: %v", err)
		}
		if _, err := cy.next(); err != nil {
			t.Fatalf("next failed: %v", err)
		}
		if src.resets != 1 {
			t.Errorf("expected 1 reset mid-pass, got %d", src.resets)
		}
	})

	t.Run("EmptySourceFails", func(t *testing.T) {
		src := newListSource(t, 0)
		cy := newCycler(src)
		if _, err := cy.next(); err == nil {
			t.Error("expected error cycling an empty source")
		}
	})
}

func TestNormalizeLossWeights(t *testing.T) {
	t.Run("DefaultsToFirstCriterion", func(t *testing.T) {
		weights, err := normalizeLossWeights(nil, nil)
		if err != nil {
			t.Fatalf("normalizeLossWeights failed: %v", err)
		}
		if len(weights) != 1 || weights[0] != 1.0 {
			t.Errorf("expected {0: 1.0}, got %v", weights)
		}
	})

	t.Run("NormalizesToUnitSum", func(t *testing.T) {
		weights, err := normalizeLossWeights([]int{0, 1}, []float64{3, 1})
		if err != nil {
			t.Fatalf("normalizeLossWeights failed: %v", err)
		}
		if weights[0] != 0.75 || weights[1] != 0.25 {
			t.Errorf("expected {0: 0.75, 1: 0.25}, got %v", weights)
		}
	})

	t.Run("MissingWeightsDefaultToOne", func(t *testing.T) {
		weights, err := normalizeLossWeights([]int{1, 2}, nil)
		if err != nil {
			t.Fatalf("normalizeLossWeights failed: %v", err)
		}
		if weights[1] != 1.0 || weights[2] != 1.0 {
			t.Errorf("expected weight 1 per selected index, got %v", weights)
		}
	})

	t.Run("LengthMismatchFails", func(t *testing.T) {
		if _, err := normalizeLossWeights([]int{0, 1}, []float64{1}); err == nil {
			t.Error("expected error for weight count mismatch")
		}
	})

	t.Run("NonPositiveSumFails", func(t *testing.T) {
		if _, err := normalizeLossWeights([]int{0, 1}, []float64{1, -1}); err == nil {
			t.Error("expected error for zero weight sum")
		}
	})
}
