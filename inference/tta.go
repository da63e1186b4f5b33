// Package inference runs the ensembled, test-time-augmented prediction
// pipeline: per-fold classify-then-segment cascades fused into final
// binary masks and written as run-length-encoded submissions.
package inference

import (
	"fmt"
	"image"
	"math"

	"github.com/medvision/pneumoseg/model"
	"github.com/medvision/pneumoseg/tensor"
	"github.com/medvision/pneumoseg/vision/preprocessing"
)

// TTAOptions configures the per-view preprocessing of test-time
// augmentation.
type TTAOptions struct {
	InputSize int        // model input resolution
	Mean      [3]float64 // per-channel normalization mean
	Std       [3]float64 // per-channel normalization std
}

// DefaultTTAOptions returns the ImageNet normalization at the given
// input resolution.
func DefaultTTAOptions(inputSize int) TTAOptions {
	return TTAOptions{
		InputSize: inputSize,
		Mean:      preprocessing.ImageNetMean,
		Std:       preprocessing.ImageNetStd,
	}
}

// PredictTTA produces one averaged prediction map from three forward
// passes over transformed views of the image:
//
//  1. horizontal mirror, with the prediction mirrored back,
//  2. CLAHE, which is pixel-aligned and needs no inverse,
//  3. the unmodified image.
//
// The result is the elementwise mean of the three maps. Pure function of
// (image, model); the model must already be in eval mode. Deterministic:
// repeated calls on fixed inputs produce identical output.
func PredictTTA(img image.Image, m model.Model, opts TTAOptions) (*tensor.Tensor, error) {
	mirrored, err := predictView(preprocessing.FlipH(img), m, opts)
	if err != nil {
		return nil, fmt.Errorf("mirror view: %v", err)
	}
	mirrored, err = preprocessing.MirrorMap(mirrored)
	if err != nil {
		return nil, err
	}

	clahe, err := predictView(preprocessing.CLAHE(img), m, opts)
	if err != nil {
		return nil, fmt.Errorf("clahe view: %v", err)
	}

	identity, err := predictView(img, m, opts)
	if err != nil {
		return nil, fmt.Errorf("identity view: %v", err)
	}

	out := mirrored
	for i := range out.Data {
		out.Data[i] = (out.Data[i] + clahe.Data[i] + identity.Data[i]) / 3.0
	}
	return out, nil
}

func sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(-float64(x))))
}

// predictView runs one forward pass: resize to the model resolution,
// normalize, forward, sigmoid, reshape to a 2D prediction map.
func predictView(img image.Image, m model.Model, opts TTAOptions) (*tensor.Tensor, error) {
	resized := preprocessing.Resize(img, opts.InputSize)
	input, err := preprocessing.ToTensor(resized, opts.Mean, opts.Std)
	if err != nil {
		return nil, err
	}
	logits, err := m.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %v", err)
	}
	if logits.NumElems() != opts.InputSize*opts.InputSize {
		return nil, fmt.Errorf("model output %v does not match input resolution %d",
			logits.Shape, opts.InputSize)
	}

	pred, err := logits.Reshape([]int{opts.InputSize, opts.InputSize})
	if err != nil {
		return nil, err
	}
	pred = pred.Clone()
	for i, z := range pred.Data {
		pred.Data[i] = sigmoid(z)
	}
	return pred, nil
}
