package training

import (
	"math"
	"testing"

	"github.com/medvision/pneumoseg/tensor"
)

func binaryTensor(t *testing.T, shape []int, data []float32) *tensor.Tensor {
	t.Helper()
	out, err := tensor.New(shape, data)
	if err != nil {
		t.Fatalf("failed to build tensor: %v", err)
	}
	return out
}

func TestDiceOverall(t *testing.T) {
	tests := []struct {
		name    string
		preds   []float32
		targets []float32
		want    float64
	}{
		{
			name:    "both empty scores one",
			preds:   []float32{0, 0, 0, 0},
			targets: []float32{0, 0, 0, 0},
			want:    1.0,
		},
		{
			name:    "perfect match",
			preds:   []float32{1, 0, 1, 0},
			targets: []float32{1, 0, 1, 0},
			want:    1.0,
		},
		{
			name:    "false positive on empty target",
			preds:   []float32{1, 1, 0, 0},
			targets: []float32{0, 0, 0, 0},
			want:    0.0,
		},
		{
			name:    "missed mask",
			preds:   []float32{0, 0, 0, 0},
			targets: []float32{1, 1, 0, 0},
			want:    0.0,
		},
		{
			name:    "half overlap",
			preds:   []float32{1, 1, 0, 0},
			targets: []float32{1, 0, 1, 0},
			want:    0.5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			preds := binaryTensor(t, []int{1, 4}, tt.preds)
			targets := binaryTensor(t, []int{1, 4}, tt.targets)
			dices, err := DiceOverall(preds, targets)
			if err != nil {
				t.Fatalf("DiceOverall failed: %v", err)
			}
			if len(dices) != 1 {
				t.Fatalf("got %d scores, want 1", len(dices))
			}
			if math.Abs(dices[0]-tt.want) > 1e-9 {
				t.Errorf("dice = %v, want %v", dices[0], tt.want)
			}
		})
	}
}

func TestDiceOverallIsSymmetric(t *testing.T) {
	a := binaryTensor(t, []int{1, 6}, []float32{1, 1, 0, 0, 1, 0})
	b := binaryTensor(t, []int{1, 6}, []float32{1, 0, 1, 0, 1, 1})
	ab, err := DiceOverall(a, b)
	if err != nil {
		t.Fatal(err)
	}
	ba, err := DiceOverall(b, a)
	if err != nil {
		t.Fatal(err)
	}
	if ab[0] != ba[0] {
		t.Errorf("dice(a,b) = %v but dice(b,a) = %v", ab[0], ba[0])
	}
}

func TestDiceOverallPerSample(t *testing.T) {
	// Two samples: a perfect match and a correctly predicted empty.
	preds := binaryTensor(t, []int{2, 3}, []float32{1, 0, 1, 0, 0, 0})
	targets := binaryTensor(t, []int{2, 3}, []float32{1, 0, 1, 0, 0, 0})
	dices, err := DiceOverall(preds, targets)
	if err != nil {
		t.Fatal(err)
	}
	if len(dices) != 2 || dices[0] != 1.0 || dices[1] != 1.0 {
		t.Errorf("per-sample dices = %v, want [1 1]", dices)
	}
}

func TestDiceOverallShapeMismatch(t *testing.T) {
	a := binaryTensor(t, []int{1, 4}, []float32{0, 0, 0, 0})
	b := binaryTensor(t, []int{1, 3}, []float32{0, 0, 0})
	if _, err := DiceOverall(a, b); err == nil {
		t.Error("expected error for mismatched shapes")
	}
}

func TestMeanDice(t *testing.T) {
	preds := binaryTensor(t, []int{2, 4}, []float32{
		1, 1, 0, 0, // dice 0.5 against target below
		0, 0, 0, 0, // dice 1.0 against empty target
	})
	targets := binaryTensor(t, []int{2, 4}, []float32{
		1, 0, 1, 0,
		0, 0, 0, 0,
	})
	mean, err := MeanDice(preds, targets)
	if err != nil {
		t.Fatalf("MeanDice failed: %v", err)
	}
	if math.Abs(mean-0.75) > 1e-9 {
		t.Errorf("mean dice = %v, want 0.75", mean)
	}
}

func TestBinarizeLogits(t *testing.T) {
	logits := binaryTensor(t, []int{1, 3}, []float32{-2, 0, 2})

	// sigmoid(-2) ~ 0.12, sigmoid(0) = 0.5, sigmoid(2) ~ 0.88.
	got := BinarizeLogits(logits, 0.5)
	want := []float32{0, 0, 1} // the comparison is strict, 0.5 is not > 0.5
	for i := range want {
		if got.Data[i] != want[i] {
			t.Errorf("threshold 0.5: pixel %d = %v, want %v", i, got.Data[i], want[i])
		}
	}

	got = BinarizeLogits(logits, 0.1)
	want = []float32{1, 1, 1}
	for i := range want {
		if got.Data[i] != want[i] {
			t.Errorf("threshold 0.1: pixel %d = %v, want %v", i, got.Data[i], want[i])
		}
	}

	// Input logits are left untouched.
	if logits.Data[0] != -2 {
		t.Error("BinarizeLogits mutated its input")
	}
}
