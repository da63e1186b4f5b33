package inference

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
)

// ErrThresholdMissing reports a threshold config with no entry for a
// requested fold. A missing threshold cannot be defaulted safely, so the
// run aborts.
var ErrThresholdMissing = errors.New("threshold config missing fold")

// FoldThreshold is one fold's decision threshold plus the
// minimum-positive-pixel cutoff below which a classification-stage mask
// is judged empty.
type FoldThreshold struct {
	Threshold         float64
	MinPositivePixels int
}

// ThresholdTable holds the per-fold thresholds for the classification
// and segmentation stages. Loaded once per inference run, immutable
// thereafter.
type ThresholdTable struct {
	Classify map[int]FoldThreshold
	Seg      map[int]FoldThreshold

	// AverageThreshold is the decision threshold for average-mode fusion:
	// the mean of the per-fold segmentation thresholds.
	AverageThreshold float64
}

// LoadThresholdTable reads the classification- and segmentation-stage
// threshold files and verifies every requested fold has an entry in
// both. Each file maps a fold-index string to a
// [threshold, min_positive_pixels] pair.
func LoadThresholdTable(classifyPath, segPath string, folds []int) (*ThresholdTable, error) {
	classify, err := loadThresholdFile(classifyPath, folds)
	if err != nil {
		return nil, err
	}
	seg, err := loadThresholdFile(segPath, folds)
	if err != nil {
		return nil, err
	}

	var sum float64
	for _, fold := range folds {
		sum += seg[fold].Threshold
	}

	return &ThresholdTable{
		Classify:         classify,
		Seg:              seg,
		AverageThreshold: sum / float64(len(folds)),
	}, nil
}

func loadThresholdFile(path string, folds []int) (map[int]FoldThreshold, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read threshold config %s: %v", path, err)
	}

	var raw map[string][]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse threshold config %s: %v", path, err)
	}

	table := make(map[int]FoldThreshold, len(folds))
	for _, fold := range folds {
		entry, ok := raw[strconv.Itoa(fold)]
		if !ok {
			return nil, fmt.Errorf("%w: fold %d in %s", ErrThresholdMissing, fold, path)
		}
		if len(entry) != 2 {
			return nil, fmt.Errorf("threshold entry for fold %d in %s has %d elements, expected 2",
				fold, path, len(entry))
		}
		table[fold] = FoldThreshold{
			Threshold:         entry[0],
			MinPositivePixels: int(entry[1]),
		}
	}
	return table, nil
}
