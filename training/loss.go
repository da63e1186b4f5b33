package training

import (
	"fmt"
	"math"

	"github.com/medvision/pneumoseg/tensor"
)

// Loss defines the interface all loss strategies implement. Forward
// returns the scalar loss; Backward returns the gradient of the loss with
// respect to the prediction logits, shaped like the prediction. Both are
// pure functions of (prediction, target).
type Loss interface {
	Forward(pred, target *tensor.Tensor) (float64, error)
	Backward(pred, target *tensor.Tensor) (*tensor.Tensor, error)
}

const probEps = 1e-8

func sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(-float64(x))))
}

func clampProb(p float64) float64 {
	if p < probEps {
		return probEps
	}
	if p > 1-probEps {
		return 1 - probEps
	}
	return p
}

func checkSameShape(pred, target *tensor.Tensor) error {
	if !tensor.SameShape(pred, target) {
		return fmt.Errorf("prediction shape %v does not match target shape %v", pred.Shape, target.Shape)
	}
	return nil
}

// batchSize treats the first dimension as the sample dimension, falling
// back to 1 for flat tensors.
func batchSize(t *tensor.Tensor) int {
	if len(t.Shape) < 2 {
		return 1
	}
	return t.Shape[0]
}

// BCEWithLogitsLoss is binary cross-entropy computed directly on logits,
// using the numerically stable max(z,0) - z*t + log(1+exp(-|z|)) form.
// It is the solver's default criterion.
type BCEWithLogitsLoss struct{}

// NewBCEWithLogitsLoss creates the default segmentation criterion.
func NewBCEWithLogitsLoss() *BCEWithLogitsLoss {
	return &BCEWithLogitsLoss{}
}

func (l *BCEWithLogitsLoss) Forward(pred, target *tensor.Tensor) (float64, error) {
	if err := checkSameShape(pred, target); err != nil {
		return 0, err
	}
	var total float64
	for i, z := range pred.Data {
		zf := float64(z)
		tf := float64(target.Data[i])
		total += math.Max(zf, 0) - zf*tf + math.Log1p(math.Exp(-math.Abs(zf)))
	}
	return total / float64(pred.NumElems()), nil
}

func (l *BCEWithLogitsLoss) Backward(pred, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkSameShape(pred, target); err != nil {
		return nil, err
	}
	grad, err := tensor.Zeros(pred.Shape)
	if err != nil {
		return nil, err
	}
	invN := 1.0 / float64(pred.NumElems())
	for i, z := range pred.Data {
		grad.Data[i] = float32((float64(sigmoid(z)) - float64(target.Data[i])) * invN)
	}
	return grad, nil
}

// DiceLoss is 1 - softDice(sigmoid(pred), target), where soft Dice uses
// continuous probabilities with Laplace smoothing 1 in numerator and
// denominator. The smoothing keeps the loss finite and the gradient
// nonzero when both prediction and target are empty.
type DiceLoss struct{}

// NewDiceLoss creates a soft Dice loss.
func NewDiceLoss() *DiceLoss {
	return &DiceLoss{}
}

// softDiceTerms returns, per sample, the smoothed intersection and union
// sums used by both Forward and Backward.
func softDiceTerms(pred, target *tensor.Tensor) (probs []float64, inter, denom []float64) {
	n := batchSize(pred)
	perSample := pred.NumElems() / n
	probs = make([]float64, pred.NumElems())
	inter = make([]float64, n)
	denom = make([]float64, n)
	for s := 0; s < n; s++ {
		var sumPT, sumP, sumT float64
		for i := s * perSample; i < (s+1)*perSample; i++ {
			p := float64(sigmoid(pred.Data[i]))
			probs[i] = p
			tf := float64(target.Data[i])
			sumPT += p * tf
			sumP += p
			sumT += tf
		}
		inter[s] = sumPT + 1
		denom[s] = sumP + sumT + 1
	}
	return probs, inter, denom
}

func (l *DiceLoss) Forward(pred, target *tensor.Tensor) (float64, error) {
	if err := checkSameShape(pred, target); err != nil {
		return 0, err
	}
	_, inter, denom := softDiceTerms(pred, target)
	var mean float64
	for s := range inter {
		mean += 2 * inter[s] / denom[s]
	}
	mean /= float64(len(inter))
	if mean > 1 {
		mean = 1
	}
	return 1 - mean, nil
}

func (l *DiceLoss) Backward(pred, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkSameShape(pred, target); err != nil {
		return nil, err
	}
	probs, inter, denom := softDiceTerms(pred, target)
	n := len(inter)
	perSample := pred.NumElems() / n

	grad, err := tensor.Zeros(pred.Shape)
	if err != nil {
		return nil, err
	}
	invN := 1.0 / float64(n)
	for s := 0; s < n; s++ {
		d2 := denom[s] * denom[s]
		for i := s * perSample; i < (s+1)*perSample; i++ {
			p := probs[i]
			tf := float64(target.Data[i])
			// d(softDice)/dp = (2*t*denom - 2*inter) / denom^2
			dDice := (2*tf*denom[s] - 2*inter[s]) / d2
			// loss = 1 - meanDice, chain through dp/dz = p(1-p)
			grad.Data[i] = float32(-dDice * p * (1 - p) * invN)
		}
	}
	return grad, nil
}

// BCEDiceLoss is the additive combination of binary cross-entropy and
// soft Dice loss.
type BCEDiceLoss struct {
	bce  *BCEWithLogitsLoss
	dice *DiceLoss
}

// NewBCEDiceLoss creates the combined BCE + Dice loss.
func NewBCEDiceLoss() *BCEDiceLoss {
	return &BCEDiceLoss{bce: NewBCEWithLogitsLoss(), dice: NewDiceLoss()}
}

func (l *BCEDiceLoss) Forward(pred, target *tensor.Tensor) (float64, error) {
	bce, err := l.bce.Forward(pred, target)
	if err != nil {
		return 0, err
	}
	dice, err := l.dice.Forward(pred, target)
	if err != nil {
		return 0, err
	}
	return bce + dice, nil
}

func (l *BCEDiceLoss) Backward(pred, target *tensor.Tensor) (*tensor.Tensor, error) {
	bceGrad, err := l.bce.Backward(pred, target)
	if err != nil {
		return nil, err
	}
	diceGrad, err := l.dice.Backward(pred, target)
	if err != nil {
		return nil, err
	}
	for i := range bceGrad.Data {
		bceGrad.Data[i] += diceGrad.Data[i]
	}
	return bceGrad, nil
}

// FocalLoss is the binary focal loss: easy high-confidence examples are
// down-weighted by (1-p)^gamma on the correctly-classified probability.
// Probabilities are clamped to [1e-8, 1-1e-8] before the logarithm and the
// focal factor is clamped to [0, 2].
type FocalLoss struct {
	Gamma float64
	// Alpha weights the positive class; the negative class gets 1-Alpha.
	// Nil applies no class weighting.
	Alpha *float64
}

// NewFocalLoss creates a binary focal loss. Pass a negative alpha to
// disable class weighting.
func NewFocalLoss(gamma, alpha float64) *FocalLoss {
	fl := &FocalLoss{Gamma: gamma}
	if alpha >= 0 {
		a := alpha
		fl.Alpha = &a
	}
	return fl
}

func (l *FocalLoss) classWeights() (posW, negW float64) {
	if l.Alpha == nil {
		return 1, 1
	}
	return *l.Alpha, 1 - *l.Alpha
}

func clampFocus(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 2 {
		return 2
	}
	return f
}

func (l *FocalLoss) Forward(pred, target *tensor.Tensor) (float64, error) {
	if err := checkSameShape(pred, target); err != nil {
		return 0, err
	}
	posW, negW := l.classWeights()
	var posSum, negSum float64
	var posCount, negCount int
	for i, z := range pred.Data {
		p := clampProb(float64(sigmoid(z)))
		if target.Data[i] == 1 {
			posSum += clampFocus(math.Pow(1-p, l.Gamma)) * -math.Log(p)
			posCount++
		} else {
			pn := 1 - p
			negSum += clampFocus(math.Pow(1-pn, l.Gamma)) * -math.Log(pn)
			negCount++
		}
	}
	var loss float64
	if posCount > 0 {
		loss += posW * posSum / float64(posCount)
	}
	if negCount > 0 {
		loss += negW * negSum / float64(negCount)
	}
	return loss, nil
}

func (l *FocalLoss) Backward(pred, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkSameShape(pred, target); err != nil {
		return nil, err
	}
	posW, negW := l.classWeights()

	var posCount, negCount int
	for i := range pred.Data {
		if target.Data[i] == 1 {
			posCount++
		} else {
			negCount++
		}
	}

	grad, err := tensor.Zeros(pred.Shape)
	if err != nil {
		return nil, err
	}
	for i, z := range pred.Data {
		p := clampProb(float64(sigmoid(z)))
		dpdz := p * (1 - p)
		if target.Data[i] == 1 {
			// d/dp [-(1-p)^g * ln p] = g(1-p)^(g-1) ln p - (1-p)^g / p
			dldp := l.Gamma*math.Pow(1-p, l.Gamma-1)*math.Log(p) - math.Pow(1-p, l.Gamma)/p
			grad.Data[i] = float32(posW * dldp * dpdz / float64(posCount))
		} else {
			// d/dp [-p^g * ln(1-p)] = -g*p^(g-1) ln(1-p) + p^g / (1-p)
			dldp := -l.Gamma*math.Pow(p, l.Gamma-1)*math.Log(1-p) + math.Pow(p, l.Gamma)/(1-p)
			grad.Data[i] = float32(negW * dldp * dpdz / float64(negCount))
		}
	}
	return grad, nil
}

// MultiFocalLoss is the softmax generalization of focal loss. Predictions
// are [batch, classes, ...] logits; targets hold the class index per
// position.
type MultiFocalLoss struct {
	Gamma float64
	// Alpha holds per-class weights; nil disables weighting.
	Alpha []float64
}

// NewMultiFocalLoss creates a multi-class focal loss.
func NewMultiFocalLoss(gamma float64, alpha []float64) *MultiFocalLoss {
	return &MultiFocalLoss{Gamma: gamma, Alpha: alpha}
}

// perClassLayout interprets pred as [N, C, spatial...] and returns sizes.
func perClassLayout(pred *tensor.Tensor) (n, classes, spatial int, err error) {
	if len(pred.Shape) < 2 {
		return 0, 0, 0, fmt.Errorf("multi-class prediction requires rank >= 2, got shape %v", pred.Shape)
	}
	n = pred.Shape[0]
	classes = pred.Shape[1]
	spatial = 1
	for _, d := range pred.Shape[2:] {
		spatial *= d
	}
	return n, classes, spatial, nil
}

func (l *MultiFocalLoss) classWeight(class int) float64 {
	if l.Alpha == nil {
		return 1
	}
	return l.Alpha[class]
}

func (l *MultiFocalLoss) Forward(pred, target *tensor.Tensor) (float64, error) {
	n, classes, spatial, err := perClassLayout(pred)
	if err != nil {
		return 0, err
	}
	if target.NumElems() != n*spatial {
		return 0, fmt.Errorf("target has %d elements, expected %d", target.NumElems(), n*spatial)
	}

	var total float64
	count := n * spatial
	for s := 0; s < n; s++ {
		for px := 0; px < spatial; px++ {
			cls := int(target.Data[s*spatial+px])
			if cls < 0 || cls >= classes {
				return 0, fmt.Errorf("target class %d out of range [0, %d)", cls, classes)
			}
			logpt := logSoftmaxAt(pred, s, cls, classes, spatial, px)
			pt := math.Exp(logpt)
			total += -l.classWeight(cls) * math.Pow(1-pt, l.Gamma) * logpt
		}
	}
	return total / float64(count), nil
}

func (l *MultiFocalLoss) Backward(pred, target *tensor.Tensor) (*tensor.Tensor, error) {
	n, classes, spatial, err := perClassLayout(pred)
	if err != nil {
		return nil, err
	}
	if target.NumElems() != n*spatial {
		return nil, fmt.Errorf("target has %d elements, expected %d", target.NumElems(), n*spatial)
	}

	grad, err := tensor.Zeros(pred.Shape)
	if err != nil {
		return nil, err
	}
	invCount := 1.0 / float64(n*spatial)
	softmaxBuf := make([]float64, classes)
	for s := 0; s < n; s++ {
		for px := 0; px < spatial; px++ {
			cls := int(target.Data[s*spatial+px])
			if cls < 0 || cls >= classes {
				return nil, fmt.Errorf("target class %d out of range [0, %d)", cls, classes)
			}
			softmaxColumn(pred, s, classes, spatial, px, softmaxBuf)
			pt := clampProb(softmaxBuf[cls])
			logpt := math.Log(pt)
			// dL/dpt for L = -alpha*(1-pt)^g * log(pt)
			dldpt := l.classWeight(cls) * (l.Gamma*math.Pow(1-pt, l.Gamma-1)*logpt - math.Pow(1-pt, l.Gamma)/pt)
			for c := 0; c < classes; c++ {
				// dpt/dz_c = pt * (delta(c,cls) - softmax_c)
				delta := 0.0
				if c == cls {
					delta = 1.0
				}
				idx := (s*classes+c)*spatial + px
				grad.Data[idx] += float32(dldpt * pt * (delta - softmaxBuf[c]) * invCount)
			}
		}
	}
	return grad, nil
}

// logSoftmaxAt computes log softmax of class cls at one spatial position.
func logSoftmaxAt(pred *tensor.Tensor, sample, cls, classes, spatial, px int) float64 {
	maxVal := math.Inf(-1)
	for c := 0; c < classes; c++ {
		v := float64(pred.Data[(sample*classes+c)*spatial+px])
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for c := 0; c < classes; c++ {
		sum += math.Exp(float64(pred.Data[(sample*classes+c)*spatial+px]) - maxVal)
	}
	z := float64(pred.Data[(sample*classes+cls)*spatial+px])
	return z - maxVal - math.Log(sum)
}

// softmaxColumn fills out with the softmax over classes at one position.
func softmaxColumn(pred *tensor.Tensor, sample, classes, spatial, px int, out []float64) {
	maxVal := math.Inf(-1)
	for c := 0; c < classes; c++ {
		v := float64(pred.Data[(sample*classes+c)*spatial+px])
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for c := 0; c < classes; c++ {
		e := math.Exp(float64(pred.Data[(sample*classes+c)*spatial+px]) - maxVal)
		out[c] = e
		sum += e
	}
	for c := 0; c < classes; c++ {
		out[c] /= sum
	}
}

// CompositeLoss combines a list of loss strategies with optional per-term
// weights. When SigmoidFlag is set, predictions are passed through sigmoid
// before dispatch so component losses receive probabilities instead of
// logits; the chain rule factor is applied on the way back.
type CompositeLoss struct {
	Losses      []Loss
	Weights     []float64
	SigmoidFlag bool
}

// NewCompositeLoss builds a weighted sum of losses. Weights may be nil for
// an unweighted sum; otherwise it must match the loss count.
func NewCompositeLoss(losses []Loss, weights []float64, sigmoidFlag bool) (*CompositeLoss, error) {
	if len(losses) == 0 {
		return nil, fmt.Errorf("composite loss requires at least one component")
	}
	if weights != nil && len(weights) != len(losses) {
		return nil, fmt.Errorf("got %d weights for %d losses", len(weights), len(losses))
	}
	return &CompositeLoss{Losses: losses, Weights: weights, SigmoidFlag: sigmoidFlag}, nil
}

func (l *CompositeLoss) weight(i int) float64 {
	if l.Weights == nil {
		return 1
	}
	return l.Weights[i]
}

func (l *CompositeLoss) dispatchInput(pred *tensor.Tensor) *tensor.Tensor {
	if !l.SigmoidFlag {
		return pred
	}
	probs := pred.Clone()
	for i, z := range probs.Data {
		probs.Data[i] = sigmoid(z)
	}
	return probs
}

func (l *CompositeLoss) Forward(pred, target *tensor.Tensor) (float64, error) {
	input := l.dispatchInput(pred)
	var total float64
	for i, loss := range l.Losses {
		v, err := loss.Forward(input, target)
		if err != nil {
			return 0, fmt.Errorf("composite loss component %d: %v", i, err)
		}
		total += l.weight(i) * v
	}
	return total, nil
}

func (l *CompositeLoss) Backward(pred, target *tensor.Tensor) (*tensor.Tensor, error) {
	input := l.dispatchInput(pred)
	grad, err := tensor.Zeros(pred.Shape)
	if err != nil {
		return nil, err
	}
	for i, loss := range l.Losses {
		g, err := loss.Backward(input, target)
		if err != nil {
			return nil, fmt.Errorf("composite loss component %d: %v", i, err)
		}
		w := float32(l.weight(i))
		for j := range grad.Data {
			grad.Data[j] += w * g.Data[j]
		}
	}
	if l.SigmoidFlag {
		for j := range grad.Data {
			p := float64(input.Data[j])
			grad.Data[j] = float32(float64(grad.Data[j]) * p * (1 - p))
		}
	}
	return grad, nil
}
