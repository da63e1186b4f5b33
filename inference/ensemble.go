package inference

import (
	"context"
	"fmt"
	"image"

	log "github.com/sirupsen/logrus"

	"github.com/medvision/pneumoseg/checkpoints"
	"github.com/medvision/pneumoseg/model"
	"github.com/medvision/pneumoseg/tensor"
	"github.com/medvision/pneumoseg/training"
)

// ImageSource supplies the images of one inference run in a stable
// order.
type ImageSource interface {
	Len() int
	Get(idx int) (id string, img image.Image, err error)
}

// LabeledImageSource additionally supplies ground-truth masks at the
// ensemble output resolution, for validation-set evaluation.
type LabeledImageSource interface {
	ImageSource
	Mask(idx int) (*tensor.Tensor, error)
}

// EnsemblerConfig configures one ensemble inference run.
type EnsemblerConfig struct {
	ModelType      string
	ImgChannels    int
	OutputChannels int

	Folds         []int
	StageClassify int // stage whose weights act as the classifier
	StageSegment  int // stage whose weights act as the segmenter
	UseBest       bool

	Fusion        FusionMode
	TTA           TTAOptions
	CheckpointDir string
}

// Result is one image's final fused binary mask.
type Result struct {
	ImageID string
	Mask    *tensor.Tensor
}

// Ensembler fuses per-fold classify-then-segment cascades into final
// binary masks. Folds are processed strictly sequentially; per-fold
// results are collected into an ordered sequence and combined by a pure
// fusion reducer.
type Ensembler struct {
	cfg    EnsemblerConfig
	table  *ThresholdTable
	store  *checkpoints.Store
	logger *log.Entry
}

// NewEnsembler creates an ensembler, verifying the threshold table has
// an entry for every configured fold.
func NewEnsembler(cfg EnsemblerConfig, table *ThresholdTable) (*Ensembler, error) {
	if len(cfg.Folds) == 0 {
		return nil, fmt.Errorf("no folds configured")
	}
	for _, fold := range cfg.Folds {
		if _, ok := table.Classify[fold]; !ok {
			return nil, fmt.Errorf("%w: fold %d (classify)", ErrThresholdMissing, fold)
		}
		if _, ok := table.Seg[fold]; !ok {
			return nil, fmt.Errorf("%w: fold %d (seg)", ErrThresholdMissing, fold)
		}
	}
	return &Ensembler{
		cfg:    cfg,
		table:  table,
		store:  checkpoints.NewStore(cfg.CheckpointDir, cfg.ModelType),
		logger: log.WithField("model", cfg.ModelType),
	}, nil
}

// loadModel constructs a fresh model instance and loads the requested
// fold/stage weights into it. A missing weight file is fatal: silently
// skipping a fold would change the majority-vote denominator.
func (e *Ensembler) loadModel(stage, fold int) (model.Model, error) {
	m, err := model.New(e.cfg.ModelType, model.Config{
		ImgChannels:    e.cfg.ImgChannels,
		OutputChannels: e.cfg.OutputChannels,
	})
	if err != nil {
		return nil, err
	}

	var cp *checkpoints.Checkpoint
	if e.cfg.UseBest {
		cp, err = e.store.LoadBest(stage, fold)
	} else {
		cp, err = e.store.LoadLatest(stage, fold)
	}
	if err != nil {
		return nil, err
	}
	if err := checkpoints.LoadWeights(cp.Weights, m); err != nil {
		return nil, fmt.Errorf("failed to load weights for stage %d fold %d: %v", stage, fold, err)
	}
	m.Eval()
	return m, nil
}

// Run executes the full cascade over every image and returns the fused
// binary masks in source order.
func (e *Ensembler) Run(ctx context.Context, src ImageSource) ([]Result, error) {
	perImage, err := e.predictFolds(ctx, src)
	if err != nil {
		return nil, err
	}

	results := make([]Result, src.Len())
	for i := range results {
		id, _, err := src.Get(i)
		if err != nil {
			return nil, err
		}
		mask, err := e.fuse(perImage[i])
		if err != nil {
			return nil, fmt.Errorf("failed to fuse image %s: %v", id, err)
		}
		results[i] = Result{ImageID: id, Mask: mask}
	}
	return results, nil
}

// EvaluateFolds runs the cascade against a labeled validation source and
// returns the mean Dice of the fused masks.
func (e *Ensembler) EvaluateFolds(ctx context.Context, src LabeledImageSource) (float64, error) {
	perImage, err := e.predictFolds(ctx, src)
	if err != nil {
		return 0, err
	}

	var diceSum float64
	for i := range perImage {
		fused, err := e.fuse(perImage[i])
		if err != nil {
			return 0, err
		}
		truth, err := src.Mask(i)
		if err != nil {
			return 0, err
		}
		dices, err := training.DiceOverall(
			&tensor.Tensor{Shape: []int{1, fused.NumElems()}, Data: fused.Data},
			&tensor.Tensor{Shape: []int{1, truth.NumElems()}, Data: truth.Data},
		)
		if err != nil {
			return 0, err
		}
		diceSum += dices[0]
	}
	mean := diceSum / float64(len(perImage))
	e.logger.Infof("ensemble validation dice: %.7f", mean)
	return mean, nil
}

// predictFolds runs the classify-then-segment cascade for every
// (fold, image) pair, returning per-image ordered fold contributions.
// Models are loaded fresh per fold iteration.
func (e *Ensembler) predictFolds(ctx context.Context, src ImageSource) ([][]*tensor.Tensor, error) {
	n := src.Len()
	perImage := make([][]*tensor.Tensor, n)
	for i := range perImage {
		perImage[i] = make([]*tensor.Tensor, 0, len(e.cfg.Folds))
	}

	for _, fold := range e.cfg.Folds {
		clsModel, err := e.loadModel(e.cfg.StageClassify, fold)
		if err != nil {
			return nil, err
		}
		segModel, err := e.loadModel(e.cfg.StageSegment, fold)
		if err != nil {
			return nil, err
		}

		gatePassed := 0
		for i := 0; i < n; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}

			id, img, err := src.Get(i)
			if err != nil {
				return nil, fmt.Errorf("failed to load image %d: %v", i, err)
			}

			contribution, passed, err := e.predictOne(img, fold, clsModel, segModel)
			if err != nil {
				return nil, fmt.Errorf("fold %d image %s: %v", fold, id, err)
			}
			if passed {
				gatePassed++
			}
			perImage[i] = append(perImage[i], contribution)
		}
		e.logger.Infof("fold %d detected %d masks in classify", fold, gatePassed)
	}
	return perImage, nil
}

// predictOne runs one fold's cascade on one image. The classification
// stage binarizes its TTA prediction and applies the positive-pixel-count
// gate; the segmentation stage runs only when the gate passes.
func (e *Ensembler) predictOne(img image.Image, fold int, clsModel, segModel model.Model) (*tensor.Tensor, bool, error) {
	clsThreshold := e.table.Classify[fold]

	pred, err := PredictTTA(img, clsModel, e.cfg.TTA)
	if err != nil {
		return nil, false, err
	}
	positives := 0
	for i, v := range pred.Data {
		if float64(v) > clsThreshold.Threshold {
			pred.Data[i] = 1
			positives++
		} else {
			pred.Data[i] = 0
		}
	}

	// Denoising gate: a mask too small to be credible is judged empty,
	// and the segmentation stage is never invoked for it.
	if positives < clsThreshold.MinPositivePixels {
		zero, err := tensor.Zeros(pred.Shape)
		if err != nil {
			return nil, false, err
		}
		return zero, false, nil
	}

	segPred, err := PredictTTA(img, segModel, e.cfg.TTA)
	if err != nil {
		return nil, false, err
	}
	if e.cfg.Fusion == FusionVote {
		th := e.table.Seg[fold].Threshold
		for i, v := range segPred.Data {
			if float64(v) > th {
				segPred.Data[i] = 1
			} else {
				segPred.Data[i] = 0
			}
		}
	}
	return segPred, true, nil
}

// fuse applies the configured pure reduction to one image's ordered
// fold contributions.
func (e *Ensembler) fuse(contributions []*tensor.Tensor) (*tensor.Tensor, error) {
	if e.cfg.Fusion == FusionVote {
		return FuseVote(contributions, VoteTicket(len(e.cfg.Folds)))
	}
	// The average path applies no post-fusion pixel-count floor.
	return FuseAverage(contributions, e.table.AverageThreshold)
}
