// Package model defines the network capability consumed by the trainer and
// the inference ensembler. Architectures are opaque to the rest of the
// module: anything that can run a forward pass over a batch tensor and
// route a gradient back into its parameters qualifies.
package model

import (
	"github.com/medvision/pneumoseg/tensor"
)

// Parameter is one trainable tensor with its gradient accumulator.
// Gradients accumulate across Backward calls until the optimizer clears
// them, which is what makes deferred-step gradient accumulation work.
type Parameter struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

// Model is the single capability the training loop and the ensembler
// depend on. Forward accepts a [batch, channel, height, width] image batch
// and returns [batch, 1, height, width] logits. Backward accepts the loss
// gradient with respect to those logits and accumulates parameter
// gradients; it must be called after the Forward whose activations it
// differentiates.
type Model interface {
	Forward(batch *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) error
	Parameters() []*Parameter

	// Train and Eval switch normalization/dropout behavior. Validation and
	// inference always run in eval mode.
	Train()
	Eval()
	IsTraining() bool
}

// Config carries the architecture-independent construction settings.
type Config struct {
	ImgChannels    int // input channels, 3 for RGB X-ray renders
	OutputChannels int // prediction channels, 1 for binary masks
}
