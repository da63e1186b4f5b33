package inference

import (
	"fmt"
	"math"

	"github.com/medvision/pneumoseg/tensor"
)

// FusionMode selects how per-fold results are combined into one mask.
type FusionMode int

const (
	// FusionAverage accumulates raw probability maps and thresholds
	// their mean.
	FusionAverage FusionMode = iota
	// FusionVote accumulates per-fold binary masks and requires a strict
	// majority per pixel.
	FusionVote
)

func (m FusionMode) String() string {
	switch m {
	case FusionAverage:
		return "average"
	case FusionVote:
		return "vote"
	default:
		return "unknown"
	}
}

// VoteTicket is the vote count a pixel must strictly exceed to be
// positive under majority fusion: round(folds/2).
func VoteTicket(folds int) int {
	return int(math.Round(float64(folds) / 2.0))
}

// FuseVote reduces per-fold binary masks into one mask: a pixel is
// positive where its accumulated vote count strictly exceeds ticket.
// With 5 folds and ticket 3, three votes are not enough; four are.
func FuseVote(masks []*tensor.Tensor, ticket int) (*tensor.Tensor, error) {
	sum, err := sumMaps(masks)
	if err != nil {
		return nil, err
	}
	for i, v := range sum.Data {
		if v > float32(ticket) {
			sum.Data[i] = 1
		} else {
			sum.Data[i] = 0
		}
	}
	return sum, nil
}

// FuseAverage reduces per-fold probability maps into one mask: a pixel
// is positive where the mean probability exceeds threshold.
func FuseAverage(maps []*tensor.Tensor, threshold float64) (*tensor.Tensor, error) {
	sum, err := sumMaps(maps)
	if err != nil {
		return nil, err
	}
	k := float64(len(maps))
	for i, v := range sum.Data {
		if float64(v)/k > threshold {
			sum.Data[i] = 1
		} else {
			sum.Data[i] = 0
		}
	}
	return sum, nil
}

// sumMaps elementwise-sums an ordered sequence of equally shaped maps.
func sumMaps(maps []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(maps) == 0 {
		return nil, fmt.Errorf("no maps to fuse")
	}
	sum := maps[0].Clone()
	for i, m := range maps[1:] {
		if !tensor.SameShape(sum, m) {
			return nil, fmt.Errorf("map %d shape %v does not match %v", i+1, m.Shape, sum.Shape)
		}
		for j, v := range m.Data {
			sum.Data[j] += v
		}
	}
	return sum, nil
}
