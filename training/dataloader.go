package training

import (
	"fmt"
	"math/rand"

	"github.com/georgezywang/mrs/network"
	"github.com/georgezywang/mrs/tensor"
)

// Sample is one dataset element: a CHW image, an HW integer label map,
// and optionally an image-level class label for the auxiliary variant.
type Sample struct {
	Image *tensor.Tensor
	Label *tensor.Tensor
	Class *tensor.Tensor
}

// Dataset is the surface the loader needs from tiled imagery.
type Dataset interface {
	Len() int
	Get(idx int) (*Sample, error)
}

// DataLoader batches a Dataset into network.Batch values. It satisfies
// network.DataSource: one Reset/Next pass per epoch, restartable any
// number of times.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	indices   []int
	position  int
}

// NewDataLoader creates a DataLoader.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool) (*DataLoader, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be at least 1, got %d", batchSize)
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		indices:   indices,
	}, nil
}

// Len returns the number of batches in one pass.
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset starts a new pass, reshuffling when enabled.
func (dl *DataLoader) Reset() {
	dl.position = 0
	if dl.shuffle {
		rand.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch, or (nil, nil) at the end of the pass.
func (dl *DataLoader) Next() (*network.Batch, error) {
	if dl.position >= len(dl.indices) {
		return nil, nil
	}

	end := dl.position + dl.batchSize
	if end > len(dl.indices) {
		end = len(dl.indices)
	}
	batchIndices := dl.indices[dl.position:end]
	dl.position = end

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %v", err)
	}
	return batch, nil
}

// loadBatch stacks samples into batched tensors.
func (dl *DataLoader) loadBatch(indices []int) (*network.Batch, error) {
	first, err := dl.dataset.Get(indices[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load sample %d: %v", indices[0], err)
	}

	batchSize := len(indices)
	imageShape := append([]int{batchSize}, first.Image.Shape...)
	labelShape := append([]int{batchSize}, first.Label.Shape...)

	batchImage, err := tensor.Zeros(imageShape, first.Image.DType, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch image tensor: %v", err)
	}
	batchLabel, err := tensor.Zeros(labelShape, first.Label.DType, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch label tensor: %v", err)
	}

	var batchClass *tensor.Tensor
	if first.Class != nil {
		batchClass, err = tensor.Zeros([]int{batchSize}, tensor.Int32, tensor.CPU)
		if err != nil {
			return nil, fmt.Errorf("failed to create batch class tensor: %v", err)
		}
	}

	for i, idx := range indices {
		sample, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %v", idx, err)
		}
		if err := copyInto(batchImage, sample.Image, i); err != nil {
			return nil, fmt.Errorf("failed to copy image for sample %d: %v", idx, err)
		}
		if err := copyInto(batchLabel, sample.Label, i); err != nil {
			return nil, fmt.Errorf("failed to copy label for sample %d: %v", idx, err)
		}
		if batchClass != nil {
			if sample.Class == nil {
				return nil, fmt.Errorf("sample %d is missing its class label", idx)
			}
			if err := copyInto(batchClass, sample.Class, i); err != nil {
				return nil, fmt.Errorf("failed to copy class for sample %d: %v", idx, err)
			}
		}
	}

	return &network.Batch{Image: batchImage, Label: batchLabel, Class: batchClass}, nil
}

// copyInto copies a sample tensor into one batch position.
func copyInto(batchTensor, sampleTensor *tensor.Tensor, batchIndex int) error {
	if batchTensor.DType != sampleTensor.DType {
		return fmt.Errorf("dtype mismatch: batch %s, sample %s", batchTensor.DType, sampleTensor.DType)
	}

	sampleSize := sampleTensor.NumElems
	offset := batchIndex * sampleSize

	switch batchTensor.DType {
	case tensor.Float32:
		batchData := batchTensor.Data.([]float32)
		sampleData := sampleTensor.Data.([]float32)
		copy(batchData[offset:offset+sampleSize], sampleData)
	case tensor.Int32:
		batchData := batchTensor.Data.([]int32)
		sampleData := sampleTensor.Data.([]int32)
		copy(batchData[offset:offset+sampleSize], sampleData)
	default:
		return fmt.Errorf("unsupported dtype for batch copying: %s", batchTensor.DType)
	}
	return nil
}

// SliceDataset serves pre-built samples from memory.
type SliceDataset struct {
	samples []*Sample
}

// NewSliceDataset creates a SliceDataset.
func NewSliceDataset(samples []*Sample) *SliceDataset {
	return &SliceDataset{samples: samples}
}

// Len returns the number of samples.
func (ds *SliceDataset) Len() int {
	return len(ds.samples)
}

// Get returns the sample at idx.
func (ds *SliceDataset) Get(idx int) (*Sample, error) {
	if idx < 0 || idx >= len(ds.samples) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.samples))
	}
	return ds.samples[idx], nil
}

// RandomDataset generates random tiles, for tests and smoke training.
type RandomDataset struct {
	size       int
	channels   int
	height     int
	width      int
	numClasses int
	withClass  bool
}

// NewRandomDataset creates a RandomDataset of CHW images with HW label
// maps drawn from numClasses, optionally with image-level class labels.
func NewRandomDataset(size, channels, height, width, numClasses int, withClass bool) *RandomDataset {
	return &RandomDataset{
		size:       size,
		channels:   channels,
		height:     height,
		width:      width,
		numClasses: numClasses,
		withClass:  withClass,
	}
}

// Len returns the dataset size.
func (rd *RandomDataset) Len() int {
	return rd.size
}

// Get generates a random sample.
func (rd *RandomDataset) Get(idx int) (*Sample, error) {
	if idx < 0 || idx >= rd.size {
		return nil, fmt.Errorf("index %d out of range [0, %d)", idx, rd.size)
	}

	imageData := make([]float32, rd.channels*rd.height*rd.width)
	for i := range imageData {
		imageData[i] = rand.Float32()*2.0 - 1.0
	}
	image, err := tensor.NewTensor([]int{rd.channels, rd.height, rd.width}, tensor.Float32, tensor.CPU, imageData)
	if err != nil {
		return nil, fmt.Errorf("failed to create image tensor: %v", err)
	}

	labelData := make([]int32, rd.height*rd.width)
	for i := range labelData {
		labelData[i] = int32(rand.Intn(rd.numClasses))
	}
	label, err := tensor.NewTensor([]int{rd.height, rd.width}, tensor.Int32, tensor.CPU, labelData)
	if err != nil {
		return nil, fmt.Errorf("failed to create label tensor: %v", err)
	}

	sample := &Sample{Image: image, Label: label}
	if rd.withClass {
		cls, err := tensor.NewTensor([]int{1}, tensor.Int32, tensor.CPU, []int32{int32(rand.Intn(rd.numClasses))})
		if err != nil {
			return nil, fmt.Errorf("failed to create class tensor: %v", err)
		}
		sample.Class = cls
	}
	return sample, nil
}
