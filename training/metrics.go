package training

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-fgp/tensor"
)

// Estimator accumulates predictions over a pass and reports named scores.
// Scores always include "acc".
type Estimator interface {
	Reset()
	Update(predicted, target *tensor.Tensor) error
	// GetScores returns every score rounded to digits decimal places (no rounding when digits < 0)
	GetScores(digits int) map[string]float64
}

// Score names reported by MetricsEstimator
const (
	ScoreAccuracy  = "acc"
	ScoreKappa     = "kappa"
	ScoreF1        = "f1"
	ScorePrecision = "precision"
	ScoreRecall    = "recall"
	ScoreAUC       = "auc"
	ScoreMAE       = "mae"
	ScoreMSE       = "mse"
)

// Indicators lists the score names that can drive model selection
func Indicators() []string {
	return []string{ScoreAccuracy, ScoreKappa, ScoreF1, ScorePrecision, ScoreRecall, ScoreAUC}
}

// ConfusionMatrix represents a confusion matrix for classification tasks.
// Rows are true classes, columns predicted classes.
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       *mat.Dense
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     mat.NewDense(numClasses, numClasses, nil),
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	cm.Matrix.Zero()
	cm.TotalSamples = 0
}

// Add records one sample. Out-of-range classes are skipped.
func (cm *ConfusionMatrix) Add(trueClass, predClass int) {
	if trueClass < 0 || trueClass >= cm.NumClasses || predClass < 0 || predClass >= cm.NumClasses {
		return
	}
	cm.Matrix.Set(trueClass, predClass, cm.Matrix.At(trueClass, predClass)+1)
	cm.TotalSamples++
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	return mat.Trace(cm.Matrix) / float64(cm.TotalSamples)
}

// MacroPrecision averages per-class precision over classes that were predicted at least once
func (cm *ConfusionMatrix) MacroPrecision() float64 {
	sum, valid := 0.0, 0
	for class := 0; class < cm.NumClasses; class++ {
		predicted := mat.Sum(cm.Matrix.ColView(class))
		if predicted > 0 {
			sum += cm.Matrix.At(class, class) / predicted
			valid++
		}
	}
	if valid == 0 {
		return 0.0
	}
	return sum / float64(valid)
}

// MacroRecall averages per-class recall over classes that occur
func (cm *ConfusionMatrix) MacroRecall() float64 {
	sum, valid := 0.0, 0
	for class := 0; class < cm.NumClasses; class++ {
		actual := mat.Sum(cm.Matrix.RowView(class))
		if actual > 0 {
			sum += cm.Matrix.At(class, class) / actual
			valid++
		}
	}
	if valid == 0 {
		return 0.0
	}
	return sum / float64(valid)
}

// MacroF1 is the harmonic mean of macro precision and macro recall
func (cm *ConfusionMatrix) MacroF1() float64 {
	precision := cm.MacroPrecision()
	recall := cm.MacroRecall()
	if precision+recall == 0 {
		return 0.0
	}
	return 2 * (precision * recall) / (precision + recall)
}

// QuadraticWeightedKappa measures agreement between true and predicted grades,
// penalizing disagreements by squared class distance. It is 0 when the expected
// disagreement is 0 (e.g. a single observed class).
func (cm *ConfusionMatrix) QuadraticWeightedKappa() float64 {
	n := cm.NumClasses
	if cm.TotalSamples == 0 || n < 2 {
		return 0.0
	}

	weights := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			d := float64(i - j)
			weights.Set(i, j, d*d/float64((n-1)*(n-1)))
		}
	}

	rows := mat.NewVecDense(n, nil)
	cols := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		rows.SetVec(i, mat.Sum(cm.Matrix.RowView(i)))
		cols.SetVec(i, mat.Sum(cm.Matrix.ColView(i)))
	}
	var expected mat.Dense
	expected.Outer(1/float64(cm.TotalSamples), rows, cols)

	var observedW, expectedW mat.Dense
	observedW.MulElem(weights, cm.Matrix)
	expectedW.MulElem(weights, &expected)

	denom := mat.Sum(&expectedW)
	if denom == 0 {
		return 0.0
	}
	return 1 - mat.Sum(&observedW)/denom
}

// CalculateAUCROC calculates Area Under ROC Curve for binary labels (1 = positive)
func CalculateAUCROC(
	predictions []float32,
	trueLabels []int32,
	batchSize int,
) float64 {
	if len(predictions) != batchSize || len(trueLabels) != batchSize {
		return 0.0
	}

	type predLabel struct {
		score float32
		label int32
	}

	pairs := make([]predLabel, batchSize)
	for i := 0; i < batchSize; i++ {
		pairs[i] = predLabel{score: predictions[i], label: trueLabels[i]}
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].score > pairs[j].score
	})

	totalPos := 0
	totalNeg := 0
	for _, pair := range pairs {
		if pair.label == 1 {
			totalPos++
		} else {
			totalNeg++
		}
	}

	if totalPos == 0 || totalNeg == 0 {
		return 0.0
	}

	// Trapezoidal rule, stepping once per distinct score so ties share a segment
	auc := 0.0
	tp := 0
	fp := 0
	prevTPR := 0.0
	prevFPR := 0.0

	for i, pair := range pairs {
		if pair.label == 1 {
			tp++
		} else {
			fp++
		}
		if i+1 < len(pairs) && pairs[i+1].score == pair.score {
			continue
		}

		tpr := float64(tp) / float64(totalPos)
		fpr := float64(fp) / float64(totalNeg)
		auc += (fpr - prevFPR) * (tpr + prevTPR) / 2.0

		prevTPR = tpr
		prevFPR = fpr
	}

	return auc
}

// RegressionMetrics holds regression evaluation metrics
type RegressionMetrics struct {
	MAE  float64 // Mean Absolute Error
	MSE  float64 // Mean Squared Error
	RMSE float64 // Root Mean Squared Error
}

// CalculateRegressionMetrics computes regression metrics
func CalculateRegressionMetrics(predictions, trueValues []float32) *RegressionMetrics {
	n := len(predictions)
	if n == 0 || len(trueValues) != n {
		return &RegressionMetrics{}
	}

	absErr := make([]float64, n)
	sqErr := make([]float64, n)
	for i := range predictions {
		d := float64(predictions[i]) - float64(trueValues[i])
		absErr[i] = math.Abs(d)
		sqErr[i] = d * d
	}

	mse := floats.Sum(sqErr) / float64(n)
	return &RegressionMetrics{
		MAE:  floats.Sum(absErr) / float64(n),
		MSE:  mse,
		RMSE: math.Sqrt(mse),
	}
}

// MetricsEstimator is the reference Estimator for graded classification.
// Regression outputs are rounded to the nearest class and clamped to [0, numClasses).
type MetricsEstimator struct {
	criterion  string
	numClasses int
	regression bool

	cm *ConfusionMatrix

	// per-sample class probabilities and labels for AUC
	probs  [][]float64
	labels []int32

	// raw regression outputs
	values  []float32
	targets []float32
}

// NewMetricsEstimator creates an estimator for criterion over numClasses classes
func NewMetricsEstimator(criterion string, numClasses int) (*MetricsEstimator, error) {
	if _, err := TargetDType(criterion); err != nil {
		return nil, err
	}
	if numClasses < 2 {
		return nil, fmt.Errorf("metrics need at least 2 classes, got %d", numClasses)
	}
	return &MetricsEstimator{
		criterion:  criterion,
		numClasses: numClasses,
		regression: IsRegression(criterion),
		cm:         NewConfusionMatrix(numClasses),
	}, nil
}

// Reset clears everything accumulated since the last Reset
func (e *MetricsEstimator) Reset() {
	e.cm.Reset()
	e.probs = nil
	e.labels = nil
	e.values = nil
	e.targets = nil
}

// ConfusionMatrix returns the live confusion matrix
func (e *MetricsEstimator) ConfusionMatrix() *ConfusionMatrix {
	return e.cm
}

// Update adds a batch of predictions. target holds class indices (Int32) or grades (Float32).
func (e *MetricsEstimator) Update(predicted, target *tensor.Tensor) error {
	truth, err := target.AsType(tensor.Float32)
	if err != nil {
		return fmt.Errorf("failed to read targets: %w", err)
	}
	y := truth.Float32Data()
	batch := len(y)
	if batch == 0 {
		return nil
	}

	pred := predicted.Float32Data()
	if e.regression {
		if len(pred) != batch {
			return fmt.Errorf("expected %d regression outputs, got %d", batch, len(pred))
		}
		for i := 0; i < batch; i++ {
			e.cm.Add(int(y[i]), e.clampClass(math.Round(float64(pred[i]))))
			e.values = append(e.values, pred[i])
			e.targets = append(e.targets, y[i])
		}
		return nil
	}

	if len(pred) != batch*e.numClasses {
		return fmt.Errorf("expected %d x %d logits, got %d values", batch, e.numClasses, len(pred))
	}
	probs := softmaxRows(pred, batch, e.numClasses)
	for i := 0; i < batch; i++ {
		row := probs[i*e.numClasses : (i+1)*e.numClasses]
		e.cm.Add(int(y[i]), floats.MaxIdx(row))
		e.probs = append(e.probs, append([]float64(nil), row...))
		e.labels = append(e.labels, int32(y[i]))
	}
	return nil
}

func (e *MetricsEstimator) clampClass(v float64) int {
	c := int(v)
	if c < 0 {
		return 0
	}
	if c >= e.numClasses {
		return e.numClasses - 1
	}
	return c
}

// macroAUC averages one-vs-rest AUC over classes that have both positives and negatives
func (e *MetricsEstimator) macroAUC() float64 {
	n := len(e.labels)
	if n == 0 {
		return 0.0
	}
	var sum float64
	var valid int
	scores := make([]float32, n)
	binary := make([]int32, n)
	for c := 0; c < e.numClasses; c++ {
		pos := 0
		for i := 0; i < n; i++ {
			scores[i] = float32(e.probs[i][c])
			binary[i] = 0
			if int(e.labels[i]) == c {
				binary[i] = 1
				pos++
			}
		}
		if pos == 0 || pos == n {
			continue
		}
		sum += CalculateAUCROC(scores, binary, n)
		valid++
	}
	if valid == 0 {
		return 0.0
	}
	return sum / float64(valid)
}

// GetScores reports accuracy, quadratic weighted kappa, macro f1/precision/recall and,
// for classification criteria, macro one-vs-rest AUC; regression criteria add mae and mse.
func (e *MetricsEstimator) GetScores(digits int) map[string]float64 {
	scores := map[string]float64{
		ScoreAccuracy:  e.cm.GetAccuracy(),
		ScoreKappa:     e.cm.QuadraticWeightedKappa(),
		ScoreF1:        e.cm.MacroF1(),
		ScorePrecision: e.cm.MacroPrecision(),
		ScoreRecall:    e.cm.MacroRecall(),
	}
	if e.regression {
		rm := CalculateRegressionMetrics(e.values, e.targets)
		scores[ScoreMAE] = rm.MAE
		scores[ScoreMSE] = rm.MSE
		scores[ScoreAUC] = 0
	} else {
		scores[ScoreAUC] = e.macroAUC()
	}
	for k, v := range scores {
		scores[k] = roundTo(v, digits)
	}
	return scores
}

func roundTo(v float64, digits int) float64 {
	if digits < 0 {
		return v
	}
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}
