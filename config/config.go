// Package config loads run configuration from a file plus environment
// overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config carries the settings shared by training and inference runs.
type Config struct {
	ModelType      string  `mapstructure:"model_type"`
	ImgChannels    int     `mapstructure:"img_channels"`
	OutputChannels int     `mapstructure:"output_channels"`
	CheckpointDir  string  `mapstructure:"checkpoint_dir"`
	LogDir         string  `mapstructure:"log_dir"`
	Seed           int64   `mapstructure:"seed"`

	// Training
	LR                      float64 `mapstructure:"lr"`
	LRStage2                float64 `mapstructure:"lr_stage2"`
	EpochStage1             int     `mapstructure:"epoch_stage1"`
	EpochStage2             int     `mapstructure:"epoch_stage2"`
	EpochStage2Accumulation int     `mapstructure:"epoch_stage2_accumulation"`
	AccumulationSteps       int     `mapstructure:"accumulation_steps"`
	WeightDecay             float64 `mapstructure:"weight_decay"`
	BatchSize               int     `mapstructure:"batch_size"`
	ImageSizeStage1         int     `mapstructure:"image_size_stage1"`
	ImageSizeStage2         int     `mapstructure:"image_size_stage2"`
	TrainImageDir           string  `mapstructure:"train_image_dir"`
	TrainMaskDir            string  `mapstructure:"train_mask_dir"`
	ValidImageDir           string  `mapstructure:"valid_image_dir"`
	ValidMaskDir            string  `mapstructure:"valid_mask_dir"`

	// Inference
	Folds             []int  `mapstructure:"folds"`
	StageClassify     int    `mapstructure:"stage_classify"`
	StageSegment      int    `mapstructure:"stage_segment"`
	UseBest           bool   `mapstructure:"use_best"`
	Fusion            string `mapstructure:"fusion"` // "vote" or "average"
	ThresholdClassify string `mapstructure:"threshold_classify"`
	ThresholdSeg      string `mapstructure:"threshold_seg"`
	TestCSV           string `mapstructure:"test_csv"`
	TestImageDir      string `mapstructure:"test_image_dir"`
	SubmissionPath    string `mapstructure:"submission_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model_type", "conv1x1")
	v.SetDefault("img_channels", 3)
	v.SetDefault("output_channels", 1)
	v.SetDefault("checkpoint_dir", "checkpoints")
	v.SetDefault("log_dir", "logs")
	v.SetDefault("seed", 1)

	v.SetDefault("lr", 2e-4)
	v.SetDefault("lr_stage2", 5e-5)
	v.SetDefault("epoch_stage1", 40)
	v.SetDefault("epoch_stage2", 25)
	v.SetDefault("epoch_stage2_accumulation", 10)
	v.SetDefault("accumulation_steps", 4)
	v.SetDefault("weight_decay", 5e-4)
	v.SetDefault("batch_size", 4)
	v.SetDefault("image_size_stage1", 768)
	v.SetDefault("image_size_stage2", 1024)

	v.SetDefault("folds", []int{0, 1, 2, 3, 4})
	v.SetDefault("stage_classify", 2)
	v.SetDefault("stage_segment", 2)
	v.SetDefault("use_best", true)
	v.SetDefault("fusion", "vote")
	v.SetDefault("submission_path", "submission.csv")
}

// Load reads configuration from the given file (optional; empty path
// uses defaults only) with PNEUMOSEG_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("pneumoseg")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %v", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %v", err)
	}
	if cfg.Fusion != "vote" && cfg.Fusion != "average" {
		return nil, fmt.Errorf("fusion must be \"vote\" or \"average\", got %q", cfg.Fusion)
	}
	return &cfg, nil
}
