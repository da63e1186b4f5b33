package training

import (
	"context"
	"errors"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"github.com/medvision/pneumoseg/checkpoints"
	"github.com/medvision/pneumoseg/model"
)

// ErrNonFiniteLoss reports a NaN or Inf batch loss. Training aborts the
// moment one is observed; carrying it forward would silently corrupt the
// running epoch-average loss.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// SolverConfig holds the training hyperparameters for one
// (model type, fold) run.
type SolverConfig struct {
	ModelType      string
	Fold           int
	ImgChannels    int
	OutputChannels int

	LR       float64 // stage 1 base learning rate
	LRStage2 float64 // stage 2 base learning rate

	EpochStage1 int
	EpochStage2 int

	// Gradient accumulation is active only during the final
	// EpochStage2Accumulation epochs of stage 2, stepping once every
	// AccumulationSteps batches.
	EpochStage2Accumulation int
	AccumulationSteps       int

	WeightDecay   float64
	CheckpointDir string
}

func (c *SolverConfig) validate() error {
	if c.ModelType == "" {
		return fmt.Errorf("model type is required")
	}
	if c.EpochStage1 <= 0 || c.EpochStage2 <= 0 {
		return fmt.Errorf("stage epoch counts must be positive, got %d and %d", c.EpochStage1, c.EpochStage2)
	}
	if c.EpochStage2Accumulation < 0 || c.EpochStage2Accumulation > c.EpochStage2 {
		return fmt.Errorf("accumulation epochs %d out of range for stage 2 length %d",
			c.EpochStage2Accumulation, c.EpochStage2)
	}
	if c.EpochStage2Accumulation > 0 && c.AccumulationSteps <= 0 {
		return fmt.Errorf("accumulation steps must be positive when accumulation epochs are set")
	}
	return nil
}

// Solver drives supervised optimization over two sequential resolution
// stages for one cross-validation fold, with checkpoint/resume support.
type Solver struct {
	cfg       SolverConfig
	m         model.Model
	criterion Loss
	store     *checkpoints.Store

	trainLoader *DataLoader
	validLoader *DataLoader

	progress *ProgressLog
	logger   *log.Entry

	maxDice float64
}

// NewSolver constructs a solver with a fresh model instance from the
// registry. The criterion defaults to BCE-with-logits.
func NewSolver(cfg SolverConfig, trainLoader, validLoader *DataLoader, progress *ProgressLog) (*Solver, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m, err := model.New(cfg.ModelType, model.Config{
		ImgChannels:    cfg.ImgChannels,
		OutputChannels: cfg.OutputChannels,
	})
	if err != nil {
		return nil, err
	}
	return &Solver{
		cfg:         cfg,
		m:           m,
		criterion:   NewBCEWithLogitsLoss(),
		store:       checkpoints.NewStore(cfg.CheckpointDir, cfg.ModelType),
		trainLoader: trainLoader,
		validLoader: validLoader,
		progress:    progress,
		logger: log.WithFields(log.Fields{
			"model": cfg.ModelType,
			"fold":  cfg.Fold,
		}),
	}, nil
}

// SetCriterion replaces the training criterion.
func (s *Solver) SetCriterion(l Loss) {
	s.criterion = l
}

// SetLoaders replaces the data loaders. Stage 1 and stage 2 run at
// different input resolutions, so a two-stage run swaps loaders between
// stages while keeping the model and its weights.
func (s *Solver) SetLoaders(trainLoader, validLoader *DataLoader) {
	s.trainLoader = trainLoader
	s.validLoader = validLoader
}

// Model returns the solver's model instance.
func (s *Solver) Model() model.Model {
	return s.m
}

// MaxDice returns the best validation Dice observed so far.
func (s *Solver) MaxDice() float64 {
	return s.maxDice
}

// Store returns the checkpoint store the solver saves into.
func (s *Solver) Store() *checkpoints.Store {
	return s.store
}

func (s *Solver) stageEpochs(stage int) int {
	if stage == 1 {
		return s.cfg.EpochStage1
	}
	return s.cfg.EpochStage2
}

func (s *Solver) stageBaseLR(stage int) float64 {
	if stage == 1 {
		return s.cfg.LR
	}
	return s.cfg.LRStage2
}

// Train runs both stages back to back. Stage 2 starts from the stage-1
// weights carried in memory, which is the no-resume transition case.
func (s *Solver) Train(ctx context.Context) error {
	if err := s.RunStage(ctx, 1, ""); err != nil {
		return err
	}
	return s.RunStage(ctx, 2, "")
}

// RunStage runs one training stage. An empty resumePath starts the stage
// fresh; otherwise the checkpoint's descriptor decides how much state is
// restored:
//
//   - checkpoint from this stage: weights, optimizer state, and epoch
//     counter are restored and the run continues mid-stage, annealing
//     from the checkpointed learning rate over the remaining epochs;
//   - stage-1 checkpoint resuming stage 2: only weights are loaded and
//     the epoch counter restarts at zero;
//   - anything else is a configuration error.
func (s *Solver) RunStage(ctx context.Context, stage int, resumePath string) error {
	if stage != 1 && stage != 2 {
		return fmt.Errorf("unknown stage %d", stage)
	}
	epochs := s.stageEpochs(stage)
	baseLR := s.stageBaseLR(stage)

	opt, err := NewAdam(s.m.Parameters(), AdamConfig{
		LearningRate: baseLR,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  s.cfg.WeightDecay,
	})
	if err != nil {
		return err
	}

	startEpoch := 0
	if resumePath != "" {
		cp, err := checkpoints.Load(resumePath)
		if err != nil {
			return err
		}
		switch {
		case cp.Descriptor.Stage == stage:
			if err := checkpoints.LoadWeights(cp.Weights, s.m); err != nil {
				return fmt.Errorf("failed to restore weights from %s: %v", resumePath, err)
			}
			if cp.OptimizerState != nil {
				if err := opt.LoadState(cp.OptimizerState); err != nil {
					return fmt.Errorf("failed to restore optimizer state from %s: %v", resumePath, err)
				}
			}
			startEpoch = cp.Descriptor.Epoch
			s.maxDice = cp.TrainingState.MaxDice
			// Anneal from the checkpointed rate over the remaining epochs,
			// not from the stage's base rate over the full stage.
			baseLR = cp.TrainingState.LearningRate
		case stage == 2 && cp.Descriptor.Stage == 1:
			if err := checkpoints.LoadWeights(cp.Weights, s.m); err != nil {
				return fmt.Errorf("failed to restore weights from %s: %v", resumePath, err)
			}
			s.maxDice = cp.TrainingState.MaxDice
			startEpoch = 0
		default:
			return fmt.Errorf("checkpoint %s is for stage %d, cannot resume stage %d",
				resumePath, cp.Descriptor.Stage, stage)
		}
		s.logger.Infof("%s loaded from %s (stage %d, epoch %d)",
			s.cfg.ModelType, resumePath, cp.Descriptor.Stage, cp.Descriptor.Epoch)
		s.progress.Printf("%s loaded from %s", s.cfg.ModelType, resumePath)
	}

	scheduler := NewCosineAnnealingLR(epochs-startEpoch, 0)

	for epoch := startEpoch; epoch < epochs; epoch++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lr := scheduler.GetLR(epoch-startEpoch, baseLR)
		opt.SetLearningRate(lr)

		avgLoss, err := s.trainEpoch(ctx, opt, stage, epoch)
		if err != nil {
			return err
		}
		s.logger.Infof("finish stage%d epoch [%d/%d], average loss: %.7f, lr: %.12f",
			stage, epoch+1, epochs, avgLoss, lr)
		s.progress.Printf("Finish Stage%d Epoch [%d/%d], Average Loss: %.7f",
			stage, epoch+1, epochs, avgLoss)

		lossMean, diceMean, err := s.Validate(ctx)
		if err != nil {
			return err
		}
		s.progress.Printf("Val Loss: %.7f, dice: %.7f", lossMean, diceMean)

		isBest := diceMean > s.maxDice
		if isBest {
			s.maxDice = diceMean
			s.logger.Info("saving best model")
			s.progress.Printf("Saving Best Model.")
		}

		cp := &checkpoints.Checkpoint{
			Descriptor: checkpoints.Descriptor{
				ModelType: s.cfg.ModelType,
				Stage:     stage,
				Fold:      s.cfg.Fold,
				Epoch:     epoch + 1,
			},
			Weights: checkpoints.ExtractWeights(s.m),
			TrainingState: checkpoints.TrainingState{
				Epoch:        epoch + 1,
				LearningRate: lr,
				MaxDice:      s.maxDice,
			},
		}
		if optState, err := opt.State(); err == nil {
			cp.OptimizerState = optState
		} else {
			return fmt.Errorf("failed to extract optimizer state: %v", err)
		}
		if err := s.store.Save(cp, isBest); err != nil {
			return err
		}
	}
	return nil
}

// trainEpoch iterates all training batches once. The standard path steps
// the optimizer every batch; the accumulation path (final
// EpochStage2Accumulation epochs of stage 2) defers the step until
// AccumulationSteps batches have accumulated gradients. A window never
// crosses an epoch boundary: the remainder is committed before returning.
func (s *Solver) trainEpoch(ctx context.Context, opt Optimizer, stage, epoch int) (float64, error) {
	accumulate := stage == 2 && epoch >= s.cfg.EpochStage2-s.cfg.EpochStage2Accumulation

	s.m.Train()
	s.trainLoader.Reset()
	if accumulate {
		opt.ZeroGrad()
	}

	var epochLoss float64
	batches := 0
	pending := 0
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		batch, err := s.trainLoader.Next()
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
		lossVal, err := s.criterion.Forward(output, batch.Masks)
		if err != nil {
			return 0, fmt.Errorf("loss computation failed: %v", err)
		}
		if math.IsNaN(lossVal) || math.IsInf(lossVal, 0) {
			return 0, fmt.Errorf("%w: %v at stage %d epoch %d batch %d",
				ErrNonFiniteLoss, lossVal, stage, epoch+1, batches)
		}
		epochLoss += lossVal
		batches++

		grad, err := s.criterion.Backward(output, batch.Masks)
		if err != nil {
			return 0, fmt.Errorf("loss backward failed: %v", err)
		}

		if !accumulate {
			opt.ZeroGrad()
			if err := s.m.Backward(grad); err != nil {
				return 0, fmt.Errorf("model backward failed: %v", err)
			}
			if err := opt.Step(); err != nil {
				return 0, fmt.Errorf("optimizer step failed: %v", err)
			}
		} else {
			if err := s.m.Backward(grad); err != nil {
				return 0, fmt.Errorf("model backward failed: %v", err)
			}
			pending++
			if pending == s.cfg.AccumulationSteps {
				if err := opt.Step(); err != nil {
					return 0, fmt.Errorf("optimizer step failed: %v", err)
				}
				opt.ZeroGrad()
				pending = 0
			}
		}
	}

	// Close out a partial window at the epoch boundary.
	if accumulate && pending > 0 {
		if err := opt.Step(); err != nil {
			return 0, fmt.Errorf("optimizer step failed: %v", err)
		}
		opt.ZeroGrad()
	}

	if batches == 0 {
		return 0, fmt.Errorf("training loader produced no batches")
	}
	return epochLoss / float64(batches), nil
}

// Validate runs the model in evaluation mode over the full validation
// set and returns the mean loss and mean Dice. Predictions are
// binarized at 0.5 on the sigmoid-activated output. No side effects
// beyond metric logging.
func (s *Solver) Validate(ctx context.Context) (float64, float64, error) {
	s.m.Eval()
	s.validLoader.Reset()

	var lossSum, diceSum float64
	batches := 0
	for {
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		default:
		}

		batch, err := s.validLoader.Next()
		if err != nil {
			return 0, 0, err
		}
		if batch == nil {
			break
		}

		output, err := s.m.Forward(batch.Images)
		if err != nil {
			return 0, 0, fmt.Errorf("validation forward pass failed: %v", err)
		}
		lossVal, err := s.criterion.Forward(output, batch.Masks)
		if err != nil {
			return 0, 0, fmt.Errorf("validation loss computation failed: %v", err)
		}
		lossSum += lossVal

		dice, err := MeanDice(BinarizeLogits(output, 0.5), batch.Masks)
		if err != nil {
			return 0, 0, err
		}
		diceSum += dice
		batches++
	}
	if batches == 0 {
		return 0, 0, fmt.Errorf("validation loader produced no batches")
	}

	lossMean := lossSum / float64(batches)
	diceMean := diceSum / float64(batches)
	s.logger.Infof("val loss: %.7f, dice: %.7f", lossMean, diceMean)
	return lossMean, diceMean, nil
}
