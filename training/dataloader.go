package training

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/medvision/pneumoseg/tensor"
)

// Dataset interface defines methods that all datasets must implement.
// Get returns one (image, mask) sample: image [C H W], mask [1 H W].
type Dataset interface {
	Len() int
	Get(idx int) (image *tensor.Tensor, mask *tensor.Tensor, err error)
}

// Batch is one ordered pair of stacked image and mask tensors:
// images [N C H W], masks [N 1 H W]. Consumers never mutate a batch.
type Batch struct {
	Images *tensor.Tensor
	Masks  *tensor.Tensor
}

// DataLoader provides batching and optional shuffling over a dataset.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a DataLoader. Shuffling uses its own seeded
// source so epochs are reproducible.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, seed int64) *DataLoader {
	if batchSize <= 0 {
		batchSize = 1
	}
	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}
}

// Len returns the number of batches in an epoch.
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset prepares the loader for a new epoch.
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if dl.shuffle {
		for i := len(dl.indices) - 1; i > 0; i-- {
			j := dl.rng.Intn(i + 1)
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		}
	}
}

// Next returns the next batch, or nil when the epoch is complete.
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil // End of epoch
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}
	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	return dl.loadBatch(batchIndices)
}

// loadBatch stacks individual samples into one batch pair.
func (dl *DataLoader) loadBatch(batchIndices []int) (*Batch, error) {
	n := len(batchIndices)
	var images, masks *tensor.Tensor
	var imgStride, maskStride int

	for pos, idx := range batchIndices {
		img, mask, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %v", idx, err)
		}
		if len(img.Shape) != 3 || len(mask.Shape) != 3 {
			return nil, fmt.Errorf("sample %d: expected rank-3 image and mask, got %v and %v",
				idx, img.Shape, mask.Shape)
		}

		if images == nil {
			imgStride = img.NumElems()
			maskStride = mask.NumElems()
			images, err = tensor.Zeros(append([]int{n}, img.Shape...))
			if err != nil {
				return nil, err
			}
			masks, err = tensor.Zeros(append([]int{n}, mask.Shape...))
			if err != nil {
				return nil, err
			}
		} else if img.NumElems() != imgStride || mask.NumElems() != maskStride {
			return nil, fmt.Errorf("sample %d: inconsistent sample size within batch", idx)
		}

		copy(images.Data[pos*imgStride:(pos+1)*imgStride], img.Data)
		copy(masks.Data[pos*maskStride:(pos+1)*maskStride], mask.Data)
	}

	return &Batch{Images: images, Masks: masks}, nil
}
