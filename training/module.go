// Package training provides the building blocks the harness trains
// with: layers, segmentation losses, the SGD optimizer, and data
// loading.
package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/georgezywang/mrs/network"
	"github.com/georgezywang/mrs/tensor"
)

// Global random source for deterministic layer construction.
var globalRng = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight
// initialization at construction time.
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// Conv2D implements a 2D convolution layer over NCHW input. With zero
// padding (valid convolution) every layer shrinks the spatial extent by
// kernel-1 pixels, which is what gives a network a label margin.
type Conv2D struct {
	weight  *tensor.Tensor
	bias    *tensor.Tensor
	stride  int
	padding int
}

// NewConv2D creates a Conv2D layer with Xavier-uniform weights and a
// zero bias.
func NewConv2D(inputChannels, outputChannels, kernelSize, stride, padding int, bias bool) (*Conv2D, error) {
	if kernelSize < 1 {
		return nil, fmt.Errorf("kernel size must be at least 1, got %d", kernelSize)
	}

	fanIn := float64(inputChannels * kernelSize * kernelSize)
	fanOut := float64(outputChannels * kernelSize * kernelSize)
	bound := math.Sqrt(6.0 / (fanIn + fanOut))

	weightData := make([]float32, outputChannels*inputChannels*kernelSize*kernelSize)
	for i := range weightData {
		weightData[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}

	weight, err := tensor.NewTensor([]int{outputChannels, inputChannels, kernelSize, kernelSize},
		tensor.Float32, tensor.CPU, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	conv := &Conv2D{weight: weight, stride: stride, padding: padding}

	if bias {
		biasT, err := tensor.Zeros([]int{outputChannels}, tensor.Float32, tensor.CPU)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		conv.bias = biasT
	}
	return conv, nil
}

// Forward performs the convolution.
func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv2DAutograd(input, c.weight, c.bias, c.stride, c.padding)
}

// Parameters returns the trainable parameters.
func (c *Conv2D) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{c.weight}
	if c.bias != nil {
		params = append(params, c.bias)
	}
	return params
}

// WeightTensor exposes the weight for reinitialization.
func (c *Conv2D) WeightTensor() *tensor.Tensor {
	return c.weight
}

// BiasTensor exposes the bias for reinitialization, nil when absent.
func (c *Conv2D) BiasTensor() *tensor.Tensor {
	return c.bias
}

// Linear implements a fully connected layer: y = xW + b.
type Linear struct {
	weight *tensor.Tensor
	bias   *tensor.Tensor
}

// NewLinear creates a Linear layer with Xavier-uniform weights and a
// zero bias.
func NewLinear(inputSize, outputSize int, bias bool) (*Linear, error) {
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))

	weightData := make([]float32, inputSize*outputSize)
	for i := range weightData {
		weightData[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}

	weight, err := tensor.NewTensor([]int{inputSize, outputSize}, tensor.Float32, tensor.CPU, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{weight: weight}

	if bias {
		biasT, err := tensor.Zeros([]int{outputSize}, tensor.Float32, tensor.CPU)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		linear.bias = biasT
	}
	return linear, nil
}

// Forward performs the forward pass on [batch, features] input.
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear layer expects 2D input [batch_size, input_size], got shape %v", input.Shape)
	}
	if input.Shape[1] != l.weight.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Shape[0], input.Shape[1])
	}

	output, err := tensor.MatMulAutograd(input, l.weight)
	if err != nil {
		return nil, fmt.Errorf("matmul failed: %v", err)
	}
	if l.bias != nil {
		output, err = tensor.AddAutograd(output, l.bias)
		if err != nil {
			return nil, fmt.Errorf("bias addition failed: %v", err)
		}
	}
	return output, nil
}

// Parameters returns the trainable parameters.
func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

// ReLU implements the ReLU activation module.
type ReLU struct{}

// NewReLU creates a ReLU activation module.
func NewReLU() *ReLU {
	return &ReLU{}
}

// Forward applies ReLU.
func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input)
}

// Parameters returns an empty slice; ReLU has no parameters.
func (r *ReLU) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// GlobalAvgPool2D averages NCHW feature maps over their spatial
// dimensions, producing NC output. Auxiliary classification heads use
// it to reduce a feature map before the final Linear layer.
type GlobalAvgPool2D struct{}

// NewGlobalAvgPool2D creates a global average pooling module.
func NewGlobalAvgPool2D() *GlobalAvgPool2D {
	return &GlobalAvgPool2D{}
}

// Forward performs the pooling.
func (g *GlobalAvgPool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.GlobalAvgPool2DAutograd(input)
}

// Parameters returns an empty slice; pooling has no parameters.
func (g *GlobalAvgPool2D) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Sequential chains modules, feeding each output into the next.
type Sequential struct {
	modules []network.Module
}

// NewSequential creates a Sequential container.
func NewSequential(modules ...network.Module) *Sequential {
	return &Sequential{modules: modules}
}

// Forward runs the chain.
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out := input
	var err error
	for i, m := range s.modules {
		out, err = m.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("sequential module %d failed: %v", i, err)
		}
	}
	return out, nil
}

// Parameters returns the concatenated parameters of every module.
func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, m := range s.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

// Children exposes the contained modules for sublayer traversal.
func (s *Sequential) Children() []network.Module {
	return s.modules
}
