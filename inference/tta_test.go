package inference

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/medvision/pneumoseg/model"
	"github.com/medvision/pneumoseg/tensor"
)

// constModel predicts the same logit for every pixel, ignoring input.
type constModel struct {
	logit float32
	calls int
}

func (m *constModel) Forward(batch *tensor.Tensor) (*tensor.Tensor, error) {
	m.calls++
	if len(batch.Shape) != 4 {
		return nil, fmt.Errorf("expected rank-4 input, got %v", batch.Shape)
	}
	h, w := batch.Shape[2], batch.Shape[3]
	out, err := tensor.Full([]int{batch.Shape[0], 1, h, w}, m.logit)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *constModel) Backward(*tensor.Tensor) error  { return fmt.Errorf("inference only") }
func (m *constModel) Parameters() []*model.Parameter { return nil }
func (m *constModel) Train()                         {}
func (m *constModel) Eval()                          {}
func (m *constModel) IsTraining() bool               { return false }

// channelModel echoes the first input channel as its logit map, so the
// prediction follows the image content.
type channelModel struct{}

func (channelModel) Forward(batch *tensor.Tensor) (*tensor.Tensor, error) {
	h, w := batch.Shape[2], batch.Shape[3]
	out, err := tensor.Zeros([]int{batch.Shape[0], 1, h, w})
	if err != nil {
		return nil, err
	}
	copy(out.Data, batch.Data[:h*w])
	return out, nil
}

func (channelModel) Backward(*tensor.Tensor) error  { return fmt.Errorf("inference only") }
func (channelModel) Parameters() []*model.Parameter { return nil }
func (channelModel) Train()                         {}
func (channelModel) Eval()                          {}
func (channelModel) IsTraining() bool               { return false }

// wrongSizeModel predicts at half the requested resolution.
type wrongSizeModel struct{}

func (wrongSizeModel) Forward(batch *tensor.Tensor) (*tensor.Tensor, error) {
	h, w := batch.Shape[2]/2, batch.Shape[3]/2
	return tensor.Zeros([]int{batch.Shape[0], 1, h, w})
}

func (wrongSizeModel) Backward(*tensor.Tensor) error  { return fmt.Errorf("inference only") }
func (wrongSizeModel) Parameters() []*model.Parameter { return nil }
func (wrongSizeModel) Train()                         {}
func (wrongSizeModel) Eval()                          {}
func (wrongSizeModel) IsTraining() bool               { return false }

func halfBrightImage(size int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := uint8(30)
			if x < size/2 {
				v = 220
			}
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img
}

func TestPredictTTAShapeAndRange(t *testing.T) {
	opts := DefaultTTAOptions(8)
	pred, err := PredictTTA(halfBrightImage(16), &constModel{logit: 0}, opts)
	if err != nil {
		t.Fatalf("PredictTTA failed: %v", err)
	}
	if len(pred.Shape) != 2 || pred.Shape[0] != 8 || pred.Shape[1] != 8 {
		t.Fatalf("prediction shape %v, want [8 8]", pred.Shape)
	}
	for i, v := range pred.Data {
		if v < 0 || v > 1 {
			t.Fatalf("probability %v at pixel %d outside [0, 1]", v, i)
		}
	}
}

func TestPredictTTAAveragesThreeViews(t *testing.T) {
	// A constant model predicts the same logit on every view, so the
	// three-view mean equals the single-view probability.
	m := &constModel{logit: 1.5}
	opts := DefaultTTAOptions(4)
	pred, err := PredictTTA(halfBrightImage(8), m, opts)
	if err != nil {
		t.Fatalf("PredictTTA failed: %v", err)
	}
	if m.calls != 3 {
		t.Errorf("model ran %d forward passes, want 3", m.calls)
	}
	want := 1.0 / (1.0 + math.Exp(-1.5))
	for i, v := range pred.Data {
		if math.Abs(float64(v)-want) > 1e-6 {
			t.Fatalf("pixel %d = %v, want %v", i, v, want)
		}
	}
}

func TestPredictTTAMirrorsPredictionBack(t *testing.T) {
	// The model echoes image intensity, so the bright left half must
	// stay on the left of the fused map even though one view was
	// predicted on the mirrored image.
	opts := DefaultTTAOptions(8)
	pred, err := PredictTTA(halfBrightImage(16), channelModel{}, opts)
	if err != nil {
		t.Fatalf("PredictTTA failed: %v", err)
	}

	var left, right float64
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if x < 4 {
				left += float64(pred.Data[y*8+x])
			} else {
				right += float64(pred.Data[y*8+x])
			}
		}
	}
	if left <= right {
		t.Errorf("left mass %v <= right mass %v, mirror view was not flipped back", left, right)
	}
}

func TestPredictTTAIsDeterministic(t *testing.T) {
	img := halfBrightImage(16)
	opts := DefaultTTAOptions(8)

	first, err := PredictTTA(img, channelModel{}, opts)
	if err != nil {
		t.Fatalf("PredictTTA failed: %v", err)
	}
	second, err := PredictTTA(img, channelModel{}, opts)
	if err != nil {
		t.Fatalf("second PredictTTA failed: %v", err)
	}
	for i := range first.Data {
		if first.Data[i] != second.Data[i] {
			t.Fatalf("pixel %d differs across identical runs", i)
		}
	}
}

func TestPredictTTARejectsWrongOutputResolution(t *testing.T) {
	if _, err := PredictTTA(halfBrightImage(16), wrongSizeModel{}, DefaultTTAOptions(8)); err == nil {
		t.Error("expected error for model output resolution mismatch")
	}
}

var (
	_ model.Model = (*constModel)(nil)
	_ model.Model = channelModel{}
	_ model.Model = wrongSizeModel{}
)
