package network

import (
	"github.com/georgezywang/mrs/tensor"
)

// LossFunc computes a scalar loss tensor from a prediction and a
// target. Implementations that participate in backpropagation must
// register themselves on the autograd graph.
type LossFunc interface {
	Forward(pred, target *tensor.Tensor) (*tensor.Tensor, error)
}

// Criterion wraps a loss function with running-average bookkeeping.
// The running mean is weighted by batch size so uneven final batches do
// not skew the epoch loss. Trackers are owned by a single epoch at a
// time and must be Reset before reuse.
type Criterion struct {
	name  string
	fn    LossFunc
	total float64
	count int
}

// NewCriterion creates a named criterion around a loss function.
func NewCriterion(name string, fn LossFunc) *Criterion {
	return &Criterion{name: name, fn: fn}
}

// Name returns the report key this criterion's running loss appears under.
func (c *Criterion) Name() string {
	return c.name
}

// Compute evaluates the wrapped loss function.
func (c *Criterion) Compute(pred, target *tensor.Tensor) (*tensor.Tensor, error) {
	return c.fn.Forward(pred, target)
}

// Update folds a new observation into the running average.
func (c *Criterion) Update(loss float64, batchSize int) {
	c.total += loss * float64(batchSize)
	c.count += batchSize
}

// Loss returns the running mean over all observations since the last
// Reset, or zero when nothing has been observed.
func (c *Criterion) Loss() float64 {
	if c.count == 0 {
		return 0
	}
	return c.total / float64(c.count)
}

// Reset clears the accumulated state. Must be called after every epoch;
// stale accumulation across epochs corrupts the reported means.
func (c *Criterion) Reset() {
	c.total = 0
	c.count = 0
}
