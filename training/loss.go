package training

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-fgp/tensor"
)

// Criterion names accepted by NewLoss
const (
	CriterionCrossEntropy      = "cross_entropy"
	CriterionMeanSquareError   = "mean_square_error"
	CriterionMeanAbsoluteError = "mean_absolute_error"
	CriterionSmoothL1          = "smooth_L1"
	CriterionKappa             = "kappa_loss"
	CriterionFocal             = "focal_loss"
)

// ErrUnsupportedCriterion is returned for an unknown criterion name
var ErrUnsupportedCriterion = errors.New("unsupported criterion")

// Loss interface defines methods that all loss functions must implement.
// Forward returns the scalar loss; Backward returns its gradient with respect to predicted.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (float64, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// WeightedLoss is a loss with per-class weights that can change between epochs
type WeightedLoss interface {
	Loss
	SetWeight(weight []float32) error
}

// IsRegression reports whether criterion treats the model output as a single real value
func IsRegression(criterion string) bool {
	switch criterion {
	case CriterionMeanSquareError, CriterionMeanAbsoluteError, CriterionSmoothL1:
		return true
	}
	return false
}

// TargetDType returns the label dtype a criterion expects: class indices or real values
func TargetDType(criterion string) (tensor.DType, error) {
	switch criterion {
	case CriterionCrossEntropy, CriterionKappa, CriterionFocal:
		return tensor.Int32, nil
	case CriterionMeanSquareError, CriterionMeanAbsoluteError, CriterionSmoothL1:
		return tensor.Float32, nil
	default:
		return tensor.Float32, fmt.Errorf("%w: %q", ErrUnsupportedCriterion, criterion)
	}
}

// OutFeatures returns the model output width for criterion
func OutFeatures(numClasses int, criterion string) int {
	if IsRegression(criterion) {
		return 1
	}
	return numClasses
}

// NewLoss builds the loss for criterion. weight is only accepted by cross_entropy.
func NewLoss(criterion string, numClasses int, weight []float32, labelSmoothing float64) (Loss, error) {
	if weight != nil && criterion != CriterionCrossEntropy {
		return nil, fmt.Errorf("class weights are only supported by %s, not %s", CriterionCrossEntropy, criterion)
	}
	switch criterion {
	case CriterionCrossEntropy:
		ce := NewCrossEntropyLoss(numClasses, labelSmoothing)
		if weight != nil {
			if err := ce.SetWeight(weight); err != nil {
				return nil, err
			}
		}
		return ce, nil
	case CriterionMeanSquareError:
		return NewMSELoss("mean"), nil
	case CriterionMeanAbsoluteError:
		return NewL1Loss("mean"), nil
	case CriterionSmoothL1:
		return NewSmoothL1Loss("mean", 1.0), nil
	case CriterionKappa:
		return NewKappaLoss(numClasses), nil
	case CriterionFocal:
		return NewFocalLoss(2.0), nil
	default:
		return nil, fmt.Errorf("%w: %q (expected one of %s)", ErrUnsupportedCriterion, criterion, strings.Join(Criteria(), ", "))
	}
}

// Criteria lists the supported criterion names
func Criteria() []string {
	return []string{
		CriterionCrossEntropy,
		CriterionMeanSquareError,
		CriterionMeanAbsoluteError,
		CriterionSmoothL1,
		CriterionKappa,
		CriterionFocal,
	}
}

// classInputs validates logits [batch, classes] against integer labels [batch]
func classInputs(predicted, target *tensor.Tensor, numClasses int) (batch, classes int, labels []int32, err error) {
	if predicted.DType != tensor.Float32 || len(predicted.Shape) != 2 {
		return 0, 0, nil, fmt.Errorf("predicted must be Float32 [batch, classes], got %s %v", predicted.DType, predicted.Shape)
	}
	if target.DType != tensor.Int32 {
		return 0, 0, nil, fmt.Errorf("target must be Int32 class indices, got %s", target.DType)
	}
	batch, classes = predicted.Shape[0], predicted.Shape[1]
	if numClasses > 0 && classes != numClasses {
		return 0, 0, nil, fmt.Errorf("predicted has %d classes, expected %d", classes, numClasses)
	}
	labels = target.Int32Data()
	if len(labels) != batch {
		return 0, 0, nil, fmt.Errorf("target has %d labels for a batch of %d", len(labels), batch)
	}
	for i, y := range labels {
		if y < 0 || int(y) >= classes {
			return 0, 0, nil, fmt.Errorf("label %d at index %d is out of range [0, %d)", y, i, classes)
		}
	}
	return batch, classes, labels, nil
}

// logSoftmax writes the log-probabilities of row into dst
func logSoftmax(dst []float64, row []float32) {
	for i, v := range row {
		dst[i] = float64(v)
	}
	floats.AddConst(-floats.LogSumExp(dst), dst)
}

// softmaxRows returns probabilities for every row of logits
func softmaxRows(logits []float32, batch, classes int) []float64 {
	out := make([]float64, batch*classes)
	for b := 0; b < batch; b++ {
		row := out[b*classes : (b+1)*classes]
		logSoftmax(row, logits[b*classes:(b+1)*classes])
		for i, v := range row {
			row[i] = math.Exp(v)
		}
	}
	return out
}

func gradTensor(shape []int, grad []float64) (*tensor.Tensor, error) {
	out := make([]float32, len(grad))
	for i, g := range grad {
		out[i] = float32(g)
	}
	return tensor.FromFloat32(shape, out)
}

// CrossEntropyLoss implements softmax cross-entropy with optional class weights and label smoothing.
// The weighted mean divides by the summed weight of the target classes.
type CrossEntropyLoss struct {
	numClasses     int
	weight         []float32
	labelSmoothing float64
}

// NewCrossEntropyLoss creates a cross-entropy loss over numClasses classes
func NewCrossEntropyLoss(numClasses int, labelSmoothing float64) *CrossEntropyLoss {
	if labelSmoothing < 0 || labelSmoothing >= 1 {
		labelSmoothing = 0
	}
	return &CrossEntropyLoss{numClasses: numClasses, labelSmoothing: labelSmoothing}
}

// SetWeight replaces the per-class weights. nil removes weighting.
func (ce *CrossEntropyLoss) SetWeight(weight []float32) error {
	if weight == nil {
		ce.weight = nil
		return nil
	}
	if len(weight) != ce.numClasses {
		return fmt.Errorf("expected %d class weights, got %d", ce.numClasses, len(weight))
	}
	ce.weight = append([]float32(nil), weight...)
	return nil
}

// Weight returns a copy of the current class weights
func (ce *CrossEntropyLoss) Weight() []float32 {
	return append([]float32(nil), ce.weight...)
}

func (ce *CrossEntropyLoss) w(c int) float64 {
	if ce.weight == nil {
		return 1
	}
	return float64(ce.weight[c])
}

// Forward computes sum_b [(1-e) w_y (-log p_y) + e/C sum_c w_c (-log p_c)] / sum_b w_y
func (ce *CrossEntropyLoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	batch, classes, labels, err := classInputs(predicted, target, ce.numClasses)
	if err != nil {
		return 0, err
	}

	logits := predicted.Float32Data()
	eps := ce.labelSmoothing
	lp := make([]float64, classes)
	var total, weightSum float64
	for b := 0; b < batch; b++ {
		logSoftmax(lp, logits[b*classes:(b+1)*classes])
		y := int(labels[b])
		wy := ce.w(y)
		total += (1 - eps) * wy * -lp[y]
		if eps > 0 {
			var smooth float64
			for c := 0; c < classes; c++ {
				smooth += ce.w(c) * -lp[c]
			}
			total += eps / float64(classes) * smooth
		}
		weightSum += wy
	}
	return total / weightSum, nil
}

// Backward returns the gradient of Forward with respect to the logits
func (ce *CrossEntropyLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	batch, classes, labels, err := classInputs(predicted, target, ce.numClasses)
	if err != nil {
		return nil, err
	}

	probs := softmaxRows(predicted.Float32Data(), batch, classes)
	eps := ce.labelSmoothing

	var weightSum, classWeightSum float64
	for _, y := range labels {
		weightSum += ce.w(int(y))
	}
	for c := 0; c < classes; c++ {
		classWeightSum += ce.w(c)
	}

	grad := make([]float64, batch*classes)
	for b := 0; b < batch; b++ {
		y := int(labels[b])
		wy := ce.w(y)
		for k := 0; k < classes; k++ {
			p := probs[b*classes+k]
			delta := 0.0
			if k == y {
				delta = 1
			}
			g := (1 - eps) * wy * (p - delta)
			if eps > 0 {
				g += eps / float64(classes) * (classWeightSum*p - ce.w(k))
			}
			grad[b*classes+k] = g / weightSum
		}
	}
	return gradTensor(predicted.Shape, grad)
}

// regressionInputs flattens predicted [batch, 1] or [batch] against real targets [batch]
func regressionInputs(predicted, target *tensor.Tensor) ([]float32, []float32, error) {
	if predicted.DType != tensor.Float32 {
		return nil, nil, fmt.Errorf("predicted must be Float32, got %s", predicted.DType)
	}
	if target.DType != tensor.Float32 {
		return nil, nil, fmt.Errorf("target must be Float32 for a regression loss, got %s", target.DType)
	}
	if predicted.NumElems != target.NumElems {
		return nil, nil, fmt.Errorf("predicted %v and target %v must have the same number of elements", predicted.Shape, target.Shape)
	}
	return predicted.Float32Data(), target.Float32Data(), nil
}

// pointwiseLoss implements the elementwise regression losses
type pointwiseLoss struct {
	reduction string // "mean" or "sum"
	value     func(d float64) float64
	deriv     func(d float64) float64
}

func newPointwiseLoss(reduction string, value, deriv func(d float64) float64) pointwiseLoss {
	if reduction != "sum" {
		reduction = "mean"
	}
	return pointwiseLoss{reduction: reduction, value: value, deriv: deriv}
}

func (l pointwiseLoss) scale(n int) float64 {
	if l.reduction == "mean" && n > 0 {
		return 1.0 / float64(n)
	}
	return 1.0
}

func (l pointwiseLoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	pred, y, err := regressionInputs(predicted, target)
	if err != nil {
		return 0, err
	}
	terms := make([]float64, len(pred))
	for i := range pred {
		terms[i] = l.value(float64(pred[i]) - float64(y[i]))
	}
	return floats.Sum(terms) * l.scale(len(pred)), nil
}

func (l pointwiseLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	pred, y, err := regressionInputs(predicted, target)
	if err != nil {
		return nil, err
	}
	s := l.scale(len(pred))
	grad := make([]float64, len(pred))
	for i := range pred {
		grad[i] = l.deriv(float64(pred[i])-float64(y[i])) * s
	}
	return gradTensor(predicted.Shape, grad)
}

// MSELoss implements Mean Squared Error loss function
type MSELoss struct {
	pointwiseLoss
}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss(reduction string) *MSELoss {
	return &MSELoss{newPointwiseLoss(reduction,
		func(d float64) float64 { return d * d },
		func(d float64) float64 { return 2 * d },
	)}
}

// L1Loss implements Mean Absolute Error
type L1Loss struct {
	pointwiseLoss
}

// NewL1Loss creates a mean absolute error loss
func NewL1Loss(reduction string) *L1Loss {
	return &L1Loss{newPointwiseLoss(reduction,
		math.Abs,
		sign,
	)}
}

// SmoothL1Loss is quadratic within beta of the target and linear outside
type SmoothL1Loss struct {
	pointwiseLoss
	Beta float64
}

// NewSmoothL1Loss creates a smooth L1 (Huber-style) loss
func NewSmoothL1Loss(reduction string, beta float64) *SmoothL1Loss {
	if beta <= 0 {
		beta = 1.0
	}
	return &SmoothL1Loss{
		pointwiseLoss: newPointwiseLoss(reduction,
			func(d float64) float64 {
				if a := math.Abs(d); a < beta {
					return 0.5 * d * d / beta
				}
				return math.Abs(d) - 0.5*beta
			},
			func(d float64) float64 {
				if math.Abs(d) < beta {
					return d / beta
				}
				return sign(d)
			},
		),
		Beta: beta,
	}
}

func sign(d float64) float64 {
	switch {
	case d > 0:
		return 1
	case d < 0:
		return -1
	}
	return 0
}

// FocalLoss down-weights well-classified samples: mean of -(1-p_y)^gamma * log p_y
type FocalLoss struct {
	Gamma float64
}

// NewFocalLoss creates a focal loss
func NewFocalLoss(gamma float64) *FocalLoss {
	if gamma < 0 {
		gamma = 2.0
	}
	return &FocalLoss{Gamma: gamma}
}

func (fl *FocalLoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	batch, classes, labels, err := classInputs(predicted, target, 0)
	if err != nil {
		return 0, err
	}
	logits := predicted.Float32Data()
	lp := make([]float64, classes)
	terms := make([]float64, batch)
	for b := 0; b < batch; b++ {
		logSoftmax(lp, logits[b*classes:(b+1)*classes])
		lt := lp[labels[b]]
		terms[b] = -math.Pow(1-math.Exp(lt), fl.Gamma) * lt
	}
	return floats.Sum(terms) / float64(batch), nil
}

func (fl *FocalLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	batch, classes, labels, err := classInputs(predicted, target, 0)
	if err != nil {
		return nil, err
	}
	logits := predicted.Float32Data()
	lp := make([]float64, classes)
	grad := make([]float64, batch*classes)
	for b := 0; b < batch; b++ {
		logSoftmax(lp, logits[b*classes:(b+1)*classes])
		y := int(labels[b])
		lt := lp[y]
		pt := math.Exp(lt)
		q := 1 - pt

		// d loss / d log p_y
		dlt := -math.Pow(q, fl.Gamma)
		if q > 0 {
			dlt += fl.Gamma * math.Pow(q, fl.Gamma-1) * pt * lt
		}
		for k := 0; k < classes; k++ {
			delta := 0.0
			if k == y {
				delta = 1
			}
			grad[b*classes+k] = dlt * (delta - math.Exp(lp[k])) / float64(batch)
		}
	}
	return gradTensor(predicted.Shape, grad)
}

// KappaLoss is the differentiable quadratic weighted kappa loss over softmax outputs:
// sum(W * O) / (sum(W * E) / batch), with O the soft confusion matrix and E the outer
// product of the predicted and true class histograms.
type KappaLoss struct {
	NumClasses int
	YPow       float64
	Eps        float64
}

// NewKappaLoss creates a kappa loss with squared predictions
func NewKappaLoss(numClasses int) *KappaLoss {
	return &KappaLoss{NumClasses: numClasses, YPow: 2, Eps: 1e-10}
}

// kappaWeights returns W[i][j] = (i-j)^2 / (C-1)^2
func (kl *KappaLoss) kappaWeights(classes int) *mat.Dense {
	w := mat.NewDense(classes, classes, nil)
	norm := float64((classes - 1) * (classes - 1))
	if norm == 0 {
		norm = 1
	}
	for i := 0; i < classes; i++ {
		for j := 0; j < classes; j++ {
			d := float64(i - j)
			w.Set(i, j, d*d/norm)
		}
	}
	return w
}

type kappaTerms struct {
	probs   []float64  // softmax
	powered []float64  // probs^YPow
	rowSum  []float64  // sum_c powered + eps
	norm    *mat.Dense // normalized predictions [batch, classes]
	onehot  *mat.Dense
	weights *mat.Dense
	nom     float64
	denom   float64
}

func (kl *KappaLoss) terms(predicted, target *tensor.Tensor) (*kappaTerms, error) {
	batch, classes, labels, err := classInputs(predicted, target, kl.NumClasses)
	if err != nil {
		return nil, err
	}

	kt := &kappaTerms{
		probs:   softmaxRows(predicted.Float32Data(), batch, classes),
		powered: make([]float64, batch*classes),
		rowSum:  make([]float64, batch),
		norm:    mat.NewDense(batch, classes, nil),
		onehot:  mat.NewDense(batch, classes, nil),
		weights: kl.kappaWeights(classes),
	}
	for b := 0; b < batch; b++ {
		row := kt.powered[b*classes : (b+1)*classes]
		for c := range row {
			row[c] = math.Pow(kt.probs[b*classes+c], kl.YPow)
		}
		kt.rowSum[b] = floats.Sum(row) + kl.Eps
		for c := range row {
			kt.norm.Set(b, c, row[c]/kt.rowSum[b])
		}
		kt.onehot.Set(b, int(labels[b]), 1)
	}

	var observed mat.Dense
	observed.Mul(kt.norm.T(), kt.onehot)
	observed.MulElem(kt.weights, &observed)
	kt.nom = mat.Sum(&observed)

	histPred := columnSums(kt.norm)
	histTrue := columnSums(kt.onehot)
	var expected mat.Dense
	expected.Outer(1, histPred, histTrue)
	expected.MulElem(kt.weights, &expected)
	kt.denom = mat.Sum(&expected)/float64(batch) + kl.Eps
	return kt, nil
}

func columnSums(m *mat.Dense) *mat.VecDense {
	_, cols := m.Dims()
	out := mat.NewVecDense(cols, nil)
	for c := 0; c < cols; c++ {
		out.SetVec(c, mat.Sum(m.ColView(c)))
	}
	return out
}

func (kl *KappaLoss) Forward(predicted, target *tensor.Tensor) (float64, error) {
	kt, err := kl.terms(predicted, target)
	if err != nil {
		return 0, err
	}
	return kt.nom / kt.denom, nil
}

func (kl *KappaLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	kt, err := kl.terms(predicted, target)
	if err != nil {
		return nil, err
	}
	batch, classes := kt.norm.Dims()

	// r = W * histTrue / batch: the denominator's sensitivity to each normalized prediction
	var r mat.VecDense
	r.MulVec(kt.weights, columnSums(kt.onehot))
	r.ScaleVec(1/float64(batch), &r)

	grad := make([]float64, batch*classes)
	gNorm := make([]float64, classes)
	gPow := make([]float64, classes)
	for b := 0; b < batch; b++ {
		y := 0
		for c := 0; c < classes; c++ {
			if kt.onehot.At(b, c) == 1 {
				y = c
			}
		}
		for i := 0; i < classes; i++ {
			gNorm[i] = kt.weights.At(i, y)/kt.denom - kt.nom/(kt.denom*kt.denom)*r.AtVec(i)
		}

		s := kt.rowSum[b]
		var dot float64
		for i := 0; i < classes; i++ {
			dot += gNorm[i] * kt.powered[b*classes+i]
		}
		for k := 0; k < classes; k++ {
			gq := gNorm[k]/s - dot/(s*s)
			p := kt.probs[b*classes+k]
			gPow[k] = gq * kl.YPow * math.Pow(p, kl.YPow-1)
		}

		var inner float64
		for i := 0; i < classes; i++ {
			inner += gPow[i] * kt.probs[b*classes+i]
		}
		for k := 0; k < classes; k++ {
			grad[b*classes+k] = kt.probs[b*classes+k] * (gPow[k] - inner)
		}
	}
	return gradTensor(predicted.Shape, grad)
}
