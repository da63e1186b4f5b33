package training

import (
	"context"
	"fmt"

	"github.com/medvision/pneumoseg/checkpoints"
)

// ThresholdResult is the outcome of a two-phase threshold grid search.
type ThresholdResult struct {
	BestScore     float64
	BestThreshold float64
}

// ChooseThreshold loads the referenced checkpoint's weights into the
// solver's model and runs a coarse-then-fine grid search over decision
// thresholds, maximizing mean validation Dice.
//
// Phase 1 scans 0.1..0.9 at step 0.1; phase 2 refines over
// [t0-0.05, t0+0.05) at step 0.01. The result is the phase-2 arg-max.
// The fine best can in principle fall below the coarse best when the true
// optimum lies outside the refined window; that approximation is
// accepted. Deterministic for a fixed model and validation set.
func (s *Solver) ChooseThreshold(ctx context.Context, checkpointPath string) (ThresholdResult, error) {
	cp, err := checkpoints.Load(checkpointPath)
	if err != nil {
		return ThresholdResult{}, err
	}
	if err := checkpoints.LoadWeights(cp.Weights, s.m); err != nil {
		return ThresholdResult{}, fmt.Errorf("failed to restore weights from %s: %v", checkpointPath, err)
	}
	s.logger.Infof("loaded from %s for threshold search", checkpointPath)
	s.m.Eval()

	coarse := make([]float64, 0, 9)
	for i := 1; i <= 9; i++ {
		coarse = append(coarse, float64(i)/10)
	}
	_, coarseBest, err := s.scanThresholds(ctx, coarse)
	if err != nil {
		return ThresholdResult{}, err
	}

	fine := make([]float64, 0, 10)
	for i := 0; i < 10; i++ {
		fine = append(fine, coarseBest-0.05+float64(i)*0.01)
	}
	bestScore, bestThreshold, err := s.scanThresholds(ctx, fine)
	if err != nil {
		return ThresholdResult{}, err
	}

	s.logger.Infof("best threshold: %.2f, score: %.7f", bestThreshold, bestScore)
	s.progress.Printf("best_thrs: %.2f, score: %.7f", bestThreshold, bestScore)
	return ThresholdResult{BestScore: bestScore, BestThreshold: bestThreshold}, nil
}

// scanThresholds evaluates mean validation Dice at each candidate
// threshold and returns the arg-max.
func (s *Solver) scanThresholds(ctx context.Context, thresholds []float64) (bestScore, bestThreshold float64, err error) {
	bestScore = -1
	for _, th := range thresholds {
		score, err := s.meanDiceAt(ctx, th)
		if err != nil {
			return 0, 0, err
		}
		if score > bestScore {
			bestScore = score
			bestThreshold = th
		}
	}
	return bestScore, bestThreshold, nil
}

// meanDiceAt computes the mean validation Dice with predictions
// binarized at the given threshold on sigmoid-activated output.
func (s *Solver) meanDiceAt(ctx context.Context, th float64) (float64, error) {
	s.validLoader.Reset()
	var diceSum float64
	batches := 0
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		batch, err := s.validLoader.Next()
		if err != nil {
			return 0, err
		}
		if batch == nil {
			break
		}
		output, err := s.m.Forward(batch.Images)
		if err != nil {
			return 0, fmt.Errorf("forward pass failed: %v", err)
		}
		dice, err := MeanDice(BinarizeLogits(output, th), batch.Masks)
		if err != nil {
			return 0, err
		}
		diceSum += dice
		batches++
	}
	if batches == 0 {
		return 0, fmt.Errorf("validation loader produced no batches")
	}
	return diceSum / float64(batches), nil
}
