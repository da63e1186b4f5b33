package training

import (
	"fmt"
	"math"

	"github.com/medvision/pneumoseg/checkpoints"
	"github.com/medvision/pneumoseg/model"
)

// Optimizer defines the common interface for parameter optimizers. State
// extraction and restore exist so checkpoints can carry the optimizer
// across a resume.
type Optimizer interface {
	// Step applies accumulated parameter gradients. Gradients are left in
	// place; callers decide when to clear them, which is what the
	// accumulation path relies on.
	Step() error

	// ZeroGrad clears all parameter gradients.
	ZeroGrad()

	// SetLearningRate updates the learning rate used by subsequent steps.
	SetLearningRate(lr float64)

	// LearningRate returns the current learning rate.
	LearningRate() float64

	// State extracts optimizer state for checkpointing.
	State() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint.
	LoadState(state *checkpoints.OptimizerState) error
}

// AdamConfig holds configuration for the Adam optimizer.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns the module's default Adam hyperparameters.
// Weight decay 5e-4 is the setting the segmentation runs train with.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  5e-4,
	}
}

// Adam implements the Adam optimizer with bias correction and L2 weight
// decay over a model's parameters.
type Adam struct {
	params []*model.Parameter

	lr          float64
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64

	stepCount uint64
	momentum  [][]float64 // first moment per parameter
	variance  [][]float64 // second moment per parameter
}

// NewAdam creates an Adam optimizer over the given parameters.
func NewAdam(params []*model.Parameter, config AdamConfig) (*Adam, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	a := &Adam{
		params:      params,
		lr:          config.LearningRate,
		beta1:       config.Beta1,
		beta2:       config.Beta2,
		epsilon:     config.Epsilon,
		weightDecay: config.WeightDecay,
		momentum:    make([][]float64, len(params)),
		variance:    make([][]float64, len(params)),
	}
	for i, p := range params {
		a.momentum[i] = make([]float64, p.Value.NumElems())
		a.variance[i] = make([]float64, p.Value.NumElems())
	}
	return a, nil
}

// Step performs one Adam update using the gradients currently accumulated
// on the parameters.
func (a *Adam) Step() error {
	a.stepCount++
	bc1 := 1 - math.Pow(a.beta1, float64(a.stepCount))
	bc2 := 1 - math.Pow(a.beta2, float64(a.stepCount))

	for i, p := range a.params {
		m := a.momentum[i]
		v := a.variance[i]
		for j := range p.Value.Data {
			g := float64(p.Grad.Data[j]) + a.weightDecay*float64(p.Value.Data[j])
			m[j] = a.beta1*m[j] + (1-a.beta1)*g
			v[j] = a.beta2*v[j] + (1-a.beta2)*g*g
			mHat := m[j] / bc1
			vHat := v[j] / bc2
			p.Value.Data[j] -= float32(a.lr * mHat / (math.Sqrt(vHat) + a.epsilon))
		}
	}
	return nil
}

// ZeroGrad clears all parameter gradients.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		for j := range p.Grad.Data {
			p.Grad.Data[j] = 0
		}
	}
}

// SetLearningRate updates the learning rate for subsequent steps.
func (a *Adam) SetLearningRate(lr float64) {
	a.lr = lr
}

// LearningRate returns the current learning rate.
func (a *Adam) LearningRate() float64 {
	return a.lr
}

// State extracts the optimizer state for checkpointing.
func (a *Adam) State() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"lr":           a.lr,
			"beta1":        a.beta1,
			"beta2":        a.beta2,
			"epsilon":      a.epsilon,
			"weight_decay": a.weightDecay,
			"step_count":   float64(a.stepCount),
		},
	}
	for i, p := range a.params {
		shape := make([]int, len(p.Value.Shape))
		copy(shape, p.Value.Shape)
		state.StateData = append(state.StateData,
			checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("momentum_%d", i),
				Shape:     shape,
				Data:      toFloat32(a.momentum[i]),
				StateType: "momentum",
			},
			checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("variance_%d", i),
				Shape:     shape,
				Data:      toFloat32(a.variance[i]),
				StateType: "variance",
			})
	}
	return state, nil
}

// LoadState restores momentum, variance, step count, and hyperparameters
// from a checkpoint.
func (a *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if state.Type != "Adam" {
		return fmt.Errorf("state type mismatch: expected Adam, got %s", state.Type)
	}
	if lr, ok := state.Parameters["lr"]; ok {
		a.lr = lr
	}
	if sc, ok := state.Parameters["step_count"]; ok {
		a.stepCount = uint64(sc)
	}

	byName := make(map[string][]float32, len(state.StateData))
	for _, st := range state.StateData {
		byName[st.Name] = st.Data
	}
	for i := range a.params {
		mom, ok := byName[fmt.Sprintf("momentum_%d", i)]
		if !ok {
			return fmt.Errorf("optimizer state missing momentum for parameter %d", i)
		}
		vr, ok := byName[fmt.Sprintf("variance_%d", i)]
		if !ok {
			return fmt.Errorf("optimizer state missing variance for parameter %d", i)
		}
		if len(mom) != len(a.momentum[i]) || len(vr) != len(a.variance[i]) {
			return fmt.Errorf("optimizer state size mismatch for parameter %d", i)
		}
		for j := range mom {
			a.momentum[i][j] = float64(mom[j])
			a.variance[i][j] = float64(vr[j])
		}
	}
	return nil
}

func toFloat32(src []float64) []float32 {
	dst := make([]float32, len(src))
	for i, v := range src {
		dst[i] = float32(v)
	}
	return dst
}
