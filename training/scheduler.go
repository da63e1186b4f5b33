package training

import (
	"math"
)

// LRScheduler defines the interface for learning rate scheduling
// strategies. Schedulers are stateless pure functions of the epoch so a
// resumed run can rebuild its schedule from the checkpoint alone.
type LRScheduler interface {
	// GetLR returns the learning rate for the given epoch within the
	// schedule. This is a pure function - no state modifications.
	GetLR(epoch int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// CosineAnnealingLR anneals the learning rate from baseLR to EtaMin over
// TMax epochs following a half cosine. The solver constructs it with
// TMax equal to the epochs remaining in the stage, so a resumed run
// anneals from its resume point rather than from epoch 0.
type CosineAnnealingLR struct {
	TMax   int     // Number of epochs in the annealing window
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLR creates a cosine annealing scheduler.
func NewCosineAnnealingLR(tMax int, etaMin float64) *CosineAnnealingLR {
	if tMax <= 0 {
		tMax = 1
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLR{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLR) GetLR(epoch int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}

	// Cosine annealing formula
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLR) GetName() string {
	return "CosineAnnealingLR"
}

// ConstantLR maintains a constant learning rate.
type ConstantLR struct{}

func (s *ConstantLR) GetLR(epoch int, baseLR float64) float64 {
	return baseLR
}

func (s *ConstantLR) GetName() string {
	return "ConstantLR"
}
