// Package network is the architecture-agnostic training core: the model
// contract every segmentation network implements, criterion bookkeeping,
// and the epoch step engines.
package network

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/georgezywang/mrs/tensor"
)

// Phase gates gradient computation and weight updates. Train and eval
// are the only two phases.
type Phase int

const (
	PhaseTrain Phase = iota
	PhaseEval
)

func (p Phase) String() string {
	switch p {
	case PhaseTrain:
		return "train"
	case PhaseEval:
		return "eval"
	default:
		return "unknown"
	}
}

// ErrForwardNotImplemented is returned by Base.Forward when a concrete
// model does not override the forward pass.
var ErrForwardNotImplemented = errors.New("forward is not implemented by this model")

// Output is the tagged result of a forward pass: the segmentation
// prediction plus an optional auxiliary head (image-level class
// logits).
type Output struct {
	Pred *tensor.Tensor
	Aux  *tensor.Tensor
}

// HasAux reports whether the forward pass produced an auxiliary output.
func (o *Output) HasAux() bool {
	return o != nil && o.Aux != nil
}

// Module is the minimal layer surface the harness needs from network
// building blocks.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
}

// Container is implemented by modules composed of sublayers.
type Container interface {
	Children() []Module
}

// Conv is implemented by convolutional layers; InitWeight uses it to
// find the tensors to reinitialize.
type Conv interface {
	WeightTensor() *tensor.Tensor
	BiasTensor() *tensor.Tensor
}

// ParamGroup pairs a set of parameters with its own learning rate.
type ParamGroup struct {
	Params []*tensor.Tensor
	LR     float64
}

// Model is the polymorphic contract every segmentation network
// satisfies so the step engines stay architecture-agnostic.
type Model interface {
	// Forward runs the full training forward pass. It may produce an
	// auxiliary output; inference discards it.
	Forward(inputs ...*tensor.Tensor) (*Output, error)
	// LabelMargin is the number of pixels cropped from each side of the
	// ground truth when the architecture shrinks spatial dimensions.
	LabelMargin() int
	// NumClasses is the number of segmentation classes.
	NumClasses() int
	// TrainParams returns the encoder parameters at lr[0] and the
	// decoder parameters at lr[1], in that order.
	TrainParams(lr [2]float64) ([]ParamGroup, error)
	// InitWeight reinitializes convolutional sublayers.
	InitWeight() error
}

// Base carries the shared state and default behavior of the model
// contract. Concrete models embed it and override Forward.
type Base struct {
	LblMargin int
	NClass    int
	Encoder   Module
	Decoder   Module
	Seed      uint64
}

// Forward on the bare Base is a contract violation.
func (b *Base) Forward(inputs ...*tensor.Tensor) (*Output, error) {
	return nil, ErrForwardNotImplemented
}

func (b *Base) LabelMargin() int {
	return b.LblMargin
}

func (b *Base) NumClasses() int {
	return b.NClass
}

// TrainParams builds the two optimizer parameter groups. Models without
// an encoder/decoder split cannot use per-group learning rates.
func (b *Base) TrainParams(lr [2]float64) ([]ParamGroup, error) {
	if b.Encoder == nil || b.Decoder == nil {
		return nil, errors.New("model does not define encoder and decoder parameter groups")
	}
	return []ParamGroup{
		{Params: b.Encoder.Parameters(), LR: lr[0]},
		{Params: b.Decoder.Parameters(), LR: lr[1]},
	}, nil
}

// InitWeight walks the convolutional sublayers of the encoder and
// decoder, resampling weights with Xavier-uniform and zeroing biases.
// Bias tensors are deliberately not Xavier-initialized.
func (b *Base) InitWeight() error {
	seed := b.Seed
	if seed == 0 {
		seed = 1
	}
	src := rand.NewSource(seed)

	for _, root := range []Module{b.Encoder, b.Decoder} {
		if root == nil {
			continue
		}
		for _, m := range Sublayers(root) {
			conv, ok := m.(Conv)
			if !ok {
				continue
			}
			if err := xavierUniform(conv.WeightTensor(), src); err != nil {
				return errors.Wrap(err, "xavier initialization failed")
			}
			if bias := conv.BiasTensor(); bias != nil {
				data, err := bias.GetFloat32Data()
				if err != nil {
					return errors.Wrap(err, "bias initialization failed")
				}
				for i := range data {
					data[i] = 0
				}
			}
		}
	}
	return nil
}

// xavierUniform resamples an OIHW weight tensor from
// U(-sqrt(6/(fanIn+fanOut)), +sqrt(6/(fanIn+fanOut))).
func xavierUniform(weight *tensor.Tensor, src rand.Source) error {
	if weight == nil {
		return errors.New("nil weight tensor")
	}
	if len(weight.Shape) != 4 {
		return errors.Errorf("expected OIHW weight tensor, got shape %v", weight.Shape)
	}

	kh, kw := weight.Shape[2], weight.Shape[3]
	fanOut := float64(weight.Shape[0] * kh * kw)
	fanIn := float64(weight.Shape[1] * kh * kw)
	bound := math.Sqrt(6.0 / (fanIn + fanOut))

	dist := distuv.Uniform{Min: -bound, Max: bound, Src: src}
	data, err := weight.GetFloat32Data()
	if err != nil {
		return err
	}
	for i := range data {
		data[i] = float32(dist.Rand())
	}
	return nil
}

// Sublayers returns m and all modules reachable through Container
// children, depth first.
func Sublayers(root Module) []Module {
	out := []Module{root}
	if c, ok := root.(Container); ok {
		for _, child := range c.Children() {
			out = append(out, Sublayers(child)...)
		}
	}
	return out
}

// Inference runs the forward pass and unwraps the tagged output to the
// segmentation prediction, discarding any auxiliary head.
func Inference(m Model, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	out, err := m.Forward(inputs...)
	if err != nil {
		return nil, err
	}
	return out.Pred, nil
}
