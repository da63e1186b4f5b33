// Command pneumoseg trains pneumothorax segmentation folds and produces
// ensembled submissions.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/medvision/pneumoseg/config"
	"github.com/medvision/pneumoseg/inference"
	"github.com/medvision/pneumoseg/model"
	"github.com/medvision/pneumoseg/training"
	"github.com/medvision/pneumoseg/vision/dataset"
)

var (
	cfgPath string
	cfg     *config.Config
)

func main() {
	root := &cobra.Command{
		Use:   "pneumoseg",
		Short: "Pneumothorax segmentation training and ensembled inference",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return err
			}
			model.SetRandomSeed(cfg.Seed)
			return nil
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")

	root.AddCommand(newTrainCmd(), newThresholdCmd(), newSubmitCmd(), newEvalCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}

func stageSize(stage int) int {
	if stage == 1 {
		return cfg.ImageSizeStage1
	}
	return cfg.ImageSizeStage2
}

func buildLoaders(stage int) (*training.DataLoader, *training.DataLoader, error) {
	size := stageSize(stage)
	trainSet, err := dataset.NewSegmentationFolder(cfg.TrainImageDir, cfg.TrainMaskDir, size)
	if err != nil {
		return nil, nil, err
	}
	validSet, err := dataset.NewSegmentationFolder(cfg.ValidImageDir, cfg.ValidMaskDir, size)
	if err != nil {
		return nil, nil, err
	}
	trainLoader := training.NewDataLoader(trainSet, cfg.BatchSize, true, cfg.Seed)
	validLoader := training.NewDataLoader(validSet, cfg.BatchSize, false, cfg.Seed)
	return trainLoader, validLoader, nil
}

func newSolver(fold int, stage int) (*training.Solver, *training.ProgressLog, error) {
	trainLoader, validLoader, err := buildLoaders(stage)
	if err != nil {
		return nil, nil, err
	}
	progress, err := training.OpenProgressLog(cfg.LogDir)
	if err != nil {
		return nil, nil, err
	}
	solver, err := training.NewSolver(training.SolverConfig{
		ModelType:               cfg.ModelType,
		Fold:                    fold,
		ImgChannels:             cfg.ImgChannels,
		OutputChannels:          cfg.OutputChannels,
		LR:                      cfg.LR,
		LRStage2:                cfg.LRStage2,
		EpochStage1:             cfg.EpochStage1,
		EpochStage2:             cfg.EpochStage2,
		EpochStage2Accumulation: cfg.EpochStage2Accumulation,
		AccumulationSteps:       cfg.AccumulationSteps,
		WeightDecay:             cfg.WeightDecay,
		CheckpointDir:           cfg.CheckpointDir,
	}, trainLoader, validLoader, progress)
	if err != nil {
		progress.Close()
		return nil, nil, err
	}
	return solver, progress, nil
}

func newTrainCmd() *cobra.Command {
	var fold, stage int
	var resume string

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train one fold (one stage, or both stages back to back)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stage == 0 {
				solver, progress, err := newSolver(fold, 1)
				if err != nil {
					return err
				}
				defer progress.Close()
				if err := solver.RunStage(cmd.Context(), 1, resume); err != nil {
					return err
				}
				trainLoader, validLoader, err := buildLoaders(2)
				if err != nil {
					return err
				}
				solver.SetLoaders(trainLoader, validLoader)
				return solver.RunStage(cmd.Context(), 2, "")
			}

			solver, progress, err := newSolver(fold, stage)
			if err != nil {
				return err
			}
			defer progress.Close()
			if stage == 2 && resume == "" {
				resume = solver.Store().LatestPath(1, fold)
			}
			return solver.RunStage(cmd.Context(), stage, resume)
		},
	}
	cmd.Flags().IntVar(&fold, "fold", 0, "cross-validation fold index")
	cmd.Flags().IntVar(&stage, "stage", 0, "stage to train (1 or 2; 0 runs both)")
	cmd.Flags().StringVar(&resume, "resume", "", "checkpoint path to resume from")
	return cmd
}

func newThresholdCmd() *cobra.Command {
	var fold, stage, minPixels int

	cmd := &cobra.Command{
		Use:   "threshold",
		Short: "Grid-search the decision threshold for one fold's best checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			solver, progress, err := newSolver(fold, stage)
			if err != nil {
				return err
			}
			defer progress.Close()

			store := solver.Store()
			result, err := solver.ChooseThreshold(cmd.Context(), store.BestPath(stage, fold))
			if err != nil {
				return err
			}
			fmt.Printf("fold %d: best threshold %.2f, score %.7f\n", fold, result.BestThreshold, result.BestScore)

			path := filepath.Join(cfg.CheckpointDir, fmt.Sprintf("result_stage%d.json", stage))
			return mergeThresholdEntry(path, fold, result.BestThreshold, minPixels)
		},
	}
	cmd.Flags().IntVar(&fold, "fold", 0, "cross-validation fold index")
	cmd.Flags().IntVar(&stage, "stage", 2, "stage whose best checkpoint is searched")
	cmd.Flags().IntVar(&minPixels, "min-pixels", 4096, "minimum positive pixel count recorded with the threshold")
	return cmd
}

// mergeThresholdEntry updates one fold's entry in a threshold config
// file, creating the file if needed.
func mergeThresholdEntry(path string, fold int, threshold float64, minPixels int) error {
	table := map[string][]float64{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &table); err != nil {
			return fmt.Errorf("failed to parse existing threshold config %s: %v", path, err)
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	table[strconv.Itoa(fold)] = []float64{threshold, float64(minPixels)}
	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func newEnsembler() (*inference.Ensembler, error) {
	table, err := inference.LoadThresholdTable(cfg.ThresholdClassify, cfg.ThresholdSeg, cfg.Folds)
	if err != nil {
		return nil, err
	}

	fusion := inference.FusionVote
	if cfg.Fusion == "average" {
		fusion = inference.FusionAverage
	}
	return inference.NewEnsembler(inference.EnsemblerConfig{
		ModelType:      cfg.ModelType,
		ImgChannels:    cfg.ImgChannels,
		OutputChannels: cfg.OutputChannels,
		Folds:          cfg.Folds,
		StageClassify:  cfg.StageClassify,
		StageSegment:   cfg.StageSegment,
		UseBest:        cfg.UseBest,
		Fusion:         fusion,
		TTA:            inference.DefaultTTAOptions(stageSize(cfg.StageClassify)),
		CheckpointDir:  cfg.CheckpointDir,
	}, table)
}

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Run the ensembled TTA cascade and write a submission CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			ensembler, err := newEnsembler()
			if err != nil {
				return err
			}

			src, err := dataset.NewCSVImageSource(cfg.TestCSV, cfg.TestImageDir, "")
			if err != nil {
				return err
			}
			results, err := ensembler.Run(cmd.Context(), src)
			if err != nil {
				return err
			}

			out, err := os.Create(cfg.SubmissionPath)
			if err != nil {
				return fmt.Errorf("failed to create submission file: %v", err)
			}
			defer out.Close()
			masked, err := inference.WriteSubmission(out, results)
			if err != nil {
				return err
			}
			log.Infof("wrote %s: %d of %d images predicted with masks", cfg.SubmissionPath, masked, len(results))
			return nil
		},
	}
	return cmd
}

func newEvalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Run the ensembled cascade on the validation set and report mean Dice",
		RunE: func(cmd *cobra.Command, args []string) error {
			ensembler, err := newEnsembler()
			if err != nil {
				return err
			}

			src, err := dataset.NewLabeledImageFolder(
				cfg.ValidImageDir, cfg.ValidMaskDir, stageSize(cfg.StageClassify))
			if err != nil {
				return err
			}
			dice, err := ensembler.EvaluateFolds(cmd.Context(), src)
			if err != nil {
				return err
			}
			fmt.Printf("validation dice: %.7f\n", dice)
			return nil
		},
	}
	return cmd
}
