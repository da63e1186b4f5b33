// Package checkpoints persists and restores complete training-run state:
// model weights, optimizer state, learning rate, epoch counter, and the
// best validation Dice observed so far. Checkpoints are keyed by
// (model type, stage, fold); each slot has a "latest" file written every
// epoch and a "best" file that is a byte-identical copy promoted only
// after the full write has been made durable.
package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrWeightFileNotFound reports a missing checkpoint file. Resuming a run
// or ensembling over folds cannot proceed without the referenced weights,
// so callers treat this as fatal.
var ErrWeightFileNotFound = errors.New("weight file not found")

// Descriptor identifies the training position a checkpoint was taken at.
// Resume logic branches on these fields rather than on filename
// conventions.
type Descriptor struct {
	ModelType string `json:"model_type"`
	Stage     int    `json:"stage"`
	Fold      int    `json:"fold"`
	Epoch     int    `json:"epoch"`
}

// WeightTensor is one model parameter with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures the optimizer-independent training progress.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	LearningRate float64 `json:"lr"`
	MaxDice      float64 `json:"max_dice"`
}

// OptimizerTensor is one optimizer state tensor (momentum, variance, ...).
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// OptimizerState captures optimizer hyperparameters and per-parameter
// state so a resumed run continues exactly where it stopped.
type OptimizerState struct {
	Type       string             `json:"type"`
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// Metadata contains checkpoint provenance.
type Metadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint is an immutable snapshot of one training run at one epoch.
type Checkpoint struct {
	Descriptor     Descriptor      `json:"descriptor"`
	Weights        []WeightTensor  `json:"state_dict"`
	TrainingState  TrainingState   `json:"training_state"`
	OptimizerState *OptimizerState `json:"optimizer,omitempty"`
	Metadata       Metadata        `json:"metadata"`
}

// Store reads and writes checkpoints for one model type under a base
// directory.
type Store struct {
	dir       string
	modelType string
}

// NewStore creates a checkpoint store rooted at dir for the given model
// type. The directory is created on first save.
func NewStore(dir, modelType string) *Store {
	return &Store{dir: dir, modelType: modelType}
}

// LatestPath returns the per-epoch checkpoint path for a (stage, fold) slot.
func (s *Store) LatestPath(stage, fold int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%d_%d.json", s.modelType, stage, fold))
}

// BestPath returns the best-checkpoint path for a (stage, fold) slot.
func (s *Store) BestPath(stage, fold int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%d_%d_best.json", s.modelType, stage, fold))
}

// Save writes the checkpoint to its latest slot, and when isBest is set
// promotes a byte-identical copy to the best slot. The latest write is
// made durable before the best marker is touched; an interrupted save can
// therefore lose an epoch but never leave best pointing at weights that
// were not fully written.
func (s *Store) Save(cp *Checkpoint, isBest bool) error {
	if cp.Metadata.Framework == "" {
		cp.Metadata.Framework = "pneumoseg"
		cp.Metadata.Version = "1.0.0"
		cp.Metadata.CreatedAt = time.Now()
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %v", err)
	}

	latest := s.LatestPath(cp.Descriptor.Stage, cp.Descriptor.Fold)
	if err := writeFileDurable(latest, data); err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %v", latest, err)
	}

	if isBest {
		best := s.BestPath(cp.Descriptor.Stage, cp.Descriptor.Fold)
		if err := writeFileDurable(best, data); err != nil {
			return fmt.Errorf("failed to write best checkpoint %s: %v", best, err)
		}
	}
	return nil
}

// writeFileDurable writes via a temp file, fsyncs, then renames into place
// so readers never observe a partially written checkpoint.
func writeFileDurable(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Load reads a checkpoint from an explicit path. A missing file reports
// ErrWeightFileNotFound with the offending path.
func Load(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrWeightFileNotFound, path)
		}
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var cp Checkpoint
	if err := json.NewDecoder(file).Decode(&cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %v", path, err)
	}
	return &cp, nil
}

// LoadLatest reads the per-epoch checkpoint for a (stage, fold) slot.
func (s *Store) LoadLatest(stage, fold int) (*Checkpoint, error) {
	return Load(s.LatestPath(stage, fold))
}

// LoadBest reads the best checkpoint for a (stage, fold) slot.
func (s *Store) LoadBest(stage, fold int) (*Checkpoint, error) {
	return Load(s.BestPath(stage, fold))
}
