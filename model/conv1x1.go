package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/medvision/pneumoseg/tensor"
)

// Global random source for deterministic weight initialization.
var globalRng *rand.Rand = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight
// initialization across runs.
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

func init() {
	Register("conv1x1", func(cfg Config) (Model, error) {
		return NewConv1x1(cfg)
	})
}

// Conv1x1 is a per-pixel logistic model: one 1x1 convolution collapsing
// the input channels into a single logit per pixel. It is the reference
// architecture exercising the trainer, threshold search, and ensembler;
// real segmentation backbones register alongside it.
type Conv1x1 struct {
	weight   *Parameter // [img_channels]
	bias     *Parameter // [1]
	training bool

	// Forward input retained for the matching Backward call.
	lastInput *tensor.Tensor
}

// NewConv1x1 creates a per-pixel logistic model with Xavier-initialized
// channel weights and a zero bias.
func NewConv1x1(cfg Config) (*Conv1x1, error) {
	if cfg.ImgChannels <= 0 {
		return nil, fmt.Errorf("conv1x1 requires positive input channels, got %d", cfg.ImgChannels)
	}
	if cfg.OutputChannels != 1 {
		return nil, fmt.Errorf("conv1x1 predicts a single channel, got output channels %d", cfg.OutputChannels)
	}

	bound := math.Sqrt(6.0 / float64(cfg.ImgChannels+1))
	weightData := make([]float32, cfg.ImgChannels)
	for i := range weightData {
		weightData[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}
	weight, err := tensor.New([]int{cfg.ImgChannels}, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weightGrad, _ := tensor.Zeros([]int{cfg.ImgChannels})
	bias, _ := tensor.Zeros([]int{1})
	biasGrad, _ := tensor.Zeros([]int{1})

	return &Conv1x1{
		weight:   &Parameter{Name: "conv1x1.weight", Value: weight, Grad: weightGrad},
		bias:     &Parameter{Name: "conv1x1.bias", Value: bias, Grad: biasGrad},
		training: true,
	}, nil
}

// Forward computes logit[n,0,h,w] = sum_c weight[c]*input[n,c,h,w] + bias.
func (m *Conv1x1) Forward(batch *tensor.Tensor) (*tensor.Tensor, error) {
	if len(batch.Shape) != 4 {
		return nil, fmt.Errorf("conv1x1 expects rank-4 input [N C H W], got shape %v", batch.Shape)
	}
	n, c, h, w := batch.Shape[0], batch.Shape[1], batch.Shape[2], batch.Shape[3]
	if c != len(m.weight.Value.Data) {
		return nil, fmt.Errorf("channel mismatch: model has %d, input has %d", len(m.weight.Value.Data), c)
	}

	out, err := tensor.Zeros([]int{n, 1, h, w})
	if err != nil {
		return nil, err
	}

	plane := h * w
	bias := m.bias.Value.Data[0]
	for ni := 0; ni < n; ni++ {
		for ci := 0; ci < c; ci++ {
			wgt := m.weight.Value.Data[ci]
			src := batch.Data[(ni*c+ci)*plane : (ni*c+ci+1)*plane]
			dst := out.Data[ni*plane : (ni+1)*plane]
			for i, v := range src {
				dst[i] += wgt * v
			}
		}
		dst := out.Data[ni*plane : (ni+1)*plane]
		for i := range dst {
			dst[i] += bias
		}
	}

	if m.training {
		m.lastInput = batch
	} else {
		m.lastInput = nil
	}
	return out, nil
}

// Backward accumulates parameter gradients from the logit gradient of the
// most recent training-mode Forward.
func (m *Conv1x1) Backward(gradOut *tensor.Tensor) error {
	if m.lastInput == nil {
		return fmt.Errorf("conv1x1: Backward called without a preceding training-mode Forward")
	}
	in := m.lastInput
	n, c, h, w := in.Shape[0], in.Shape[1], in.Shape[2], in.Shape[3]
	plane := h * w
	if gradOut.NumElems() != n*plane {
		return fmt.Errorf("gradient shape %v does not match forward output [%d 1 %d %d]", gradOut.Shape, n, h, w)
	}

	for ni := 0; ni < n; ni++ {
		g := gradOut.Data[ni*plane : (ni+1)*plane]
		for ci := 0; ci < c; ci++ {
			src := in.Data[(ni*c+ci)*plane : (ni*c+ci+1)*plane]
			var acc float32
			for i, gv := range g {
				acc += gv * src[i]
			}
			m.weight.Grad.Data[ci] += acc
		}
		var biasAcc float32
		for _, gv := range g {
			biasAcc += gv
		}
		m.bias.Grad.Data[0] += biasAcc
	}
	return nil
}

// Parameters returns the trainable parameters.
func (m *Conv1x1) Parameters() []*Parameter {
	return []*Parameter{m.weight, m.bias}
}

// Train sets training mode.
func (m *Conv1x1) Train() { m.training = true }

// Eval sets evaluation mode and drops cached activations.
func (m *Conv1x1) Eval() {
	m.training = false
	m.lastInput = nil
}

// IsTraining reports the current mode.
func (m *Conv1x1) IsTraining() bool { return m.training }
