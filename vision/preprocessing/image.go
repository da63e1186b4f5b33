// Package preprocessing converts images into normalized model input
// tensors and provides the deterministic augmentations used at test time.
package preprocessing

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/medvision/pneumoseg/tensor"
)

// ImageNetMean and ImageNetStd are the per-channel normalization
// constants the pretrained backbones expect.
var (
	ImageNetMean = [3]float64{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float64{0.229, 0.224, 0.225}
)

// Resize scales an image to size x size with Lanczos resampling.
func Resize(img image.Image, size int) image.Image {
	return imaging.Resize(img, size, size, imaging.Lanczos)
}

// FlipH mirrors an image horizontally.
func FlipH(img image.Image) image.Image {
	return imaging.FlipH(img)
}

// ToTensor converts an image to a [1 3 H W] tensor: pixel values scaled
// to [0,1] then normalized per channel as (v - mean) / std.
func ToTensor(img image.Image, mean, std [3]float64) (*tensor.Tensor, error) {
	for c := 0; c < 3; c++ {
		if std[c] == 0 {
			return nil, fmt.Errorf("std for channel %d is zero", c)
		}
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out, err := tensor.Zeros([]int{1, 3, h, w})
	if err != nil {
		return nil, err
	}

	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			idx := y*w + x
			out.Data[idx] = float32((float64(r)/65535.0 - mean[0]) / std[0])
			out.Data[plane+idx] = float32((float64(g)/65535.0 - mean[1]) / std[1])
			out.Data[2*plane+idx] = float32((float64(b)/65535.0 - mean[2]) / std[2])
		}
	}
	return out, nil
}

// MirrorMap flips a 2D prediction map horizontally, undoing the mirror
// augmentation on its prediction.
func MirrorMap(m *tensor.Tensor) (*tensor.Tensor, error) {
	if len(m.Shape) != 2 {
		return nil, fmt.Errorf("MirrorMap expects a rank-2 map, got shape %v", m.Shape)
	}
	h, w := m.Shape[0], m.Shape[1]
	out, err := tensor.Zeros([]int{h, w})
	if err != nil {
		return nil, err
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Data[y*w+x] = m.Data[y*w+(w-1-x)]
		}
	}
	return out, nil
}

// ResizeMask nearest-neighbor scales a binary mask map to size x size.
// Nearest keeps the mask binary, which the run-length encoder requires.
func ResizeMask(m *tensor.Tensor, size int) (*tensor.Tensor, error) {
	if len(m.Shape) != 2 {
		return nil, fmt.Errorf("ResizeMask expects a rank-2 map, got shape %v", m.Shape)
	}
	h, w := m.Shape[0], m.Shape[1]
	out, err := tensor.Zeros([]int{size, size})
	if err != nil {
		return nil, err
	}
	for y := 0; y < size; y++ {
		srcY := y * h / size
		for x := 0; x < size; x++ {
			srcX := x * w / size
			out.Data[y*size+x] = m.Data[srcY*w+srcX]
		}
	}
	return out, nil
}
