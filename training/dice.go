package training

import (
	"fmt"

	"github.com/medvision/pneumoseg/tensor"
)

// DiceOverall computes the Dice coefficient per sample over flattened
// binary pixel sets: 2|P∩T| / (|P|+|T|). When both sets are empty the
// 0/0 case is resolved by substituting intersection 1 and union 2, so a
// correct all-negative prediction scores exactly 1.
//
// Both tensors must be binary {0,1} with the first dimension as the
// sample dimension.
func DiceOverall(preds, targets *tensor.Tensor) ([]float64, error) {
	if !tensor.SameShape(preds, targets) {
		return nil, fmt.Errorf("prediction shape %v does not match target shape %v", preds.Shape, targets.Shape)
	}
	n := batchSize(preds)
	perSample := preds.NumElems() / n

	dices := make([]float64, n)
	for s := 0; s < n; s++ {
		var intersect, union float64
		for i := s * perSample; i < (s+1)*perSample; i++ {
			p := float64(preds.Data[i])
			t := float64(targets.Data[i])
			intersect += p * t
			union += p + t
		}
		if union == 0 {
			intersect = 1
			union = 2
		}
		dices[s] = 2 * intersect / union
	}
	return dices, nil
}

// MeanDice is DiceOverall averaged over the batch.
func MeanDice(preds, targets *tensor.Tensor) (float64, error) {
	dices, err := DiceOverall(preds, targets)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, d := range dices {
		sum += d
	}
	return sum / float64(len(dices)), nil
}

// BinarizeLogits thresholds sigmoid-activated logits into a {0,1} mask
// tensor. sigmoid(z) > th is equivalent to comparing probabilities, and
// the sigmoid is applied explicitly so thresholds other than 0.5 behave
// exactly as documented.
func BinarizeLogits(logits *tensor.Tensor, th float64) *tensor.Tensor {
	out := logits.Clone()
	for i, z := range out.Data {
		if float64(sigmoid(z)) > th {
			out.Data[i] = 1
		} else {
			out.Data[i] = 0
		}
	}
	return out
}
