package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/tsawler/go-fgp/checkpoints"
	"github.com/tsawler/go-fgp/models"
	"github.com/tsawler/go-fgp/tensor"
)

var (
	// ErrNonFiniteLoss is returned when a training batch produces a NaN or infinite loss
	ErrNonFiniteLoss = errors.New("non-finite loss")
	// ErrBatchLayout is returned for a batch whose layout does not match the configured preload mode
	ErrBatchLayout = errors.New("batch layout does not match preload mode")
)

// TrainingConfig holds the epoch-loop settings
type TrainingConfig struct {
	Epochs          int
	Regime          string // A, B or C, for logging
	Indicator       string // validation score used for model selection
	Patience        int    // validated epochs without improvement before stopping (0 = never)
	EvalInterval    int    // validate when epoch % EvalInterval == 0
	ScoreDigits     int    // rounding of reported scores, -1 for none
	BNUpdateBatches int    // batches swept to recalibrate averaged batch norm statistics
	ResumePath      string
	ShowProgress    bool
	ModelName       string
	Plot            bool // write loss and indicator plots at the end of the run
}

// DefaultTrainingConfig returns the settings used when a field is left zero
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Epochs:          10,
		Regime:          RegimeBaseline,
		Indicator:       ScoreAccuracy,
		EvalInterval:    1,
		ScoreDigits:     4,
		BNUpdateBatches: DefaultBNUpdateBatches,
		ModelName:       "model",
		Plot:            true,
	}
}

// Components are the collaborators a Trainer drives
type Components struct {
	Model       models.Classifier
	Strategy    StepStrategy
	Criterion   Loss
	Estimator   Estimator
	Resolver    *BatchResolver
	TrainLoader *DataLoader
	ValLoader   *DataLoader
	Checkpoints *CheckpointManager
	// LossWeights, when set, re-weights a WeightedLoss criterion at the start of every epoch
	LossWeights *LossWeightsScheduler
}

// Result summarizes a finished run
type Result struct {
	History       *History
	StartEpoch    int
	LastEpoch     int
	BestIndicator float64
	HasBest       bool
	StoppedEarly  bool
	GlobalStep    int
}

// Trainer runs the epoch loop shared by every regime
type Trainer struct {
	cfg TrainingConfig
	Components

	logger     *slog.Logger
	history    *History
	selector   *ModelSelector
	globalStep int
	onEpoch    func(EpochRecord)
	plotter    *PlottingService
}

// TrainerOption configures a Trainer
type TrainerOption func(*Trainer)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) TrainerOption {
	return func(t *Trainer) {
		t.logger = logger
	}
}

// WithEpochCallback registers fn to run after every recorded epoch
func WithEpochCallback(fn func(EpochRecord)) TrainerOption {
	return func(t *Trainer) {
		t.onEpoch = fn
	}
}

// WithPlottingService also publishes the end-of-run plots to a sidecar plotting service
func WithPlottingService(ps *PlottingService) TrainerOption {
	return func(t *Trainer) {
		t.plotter = ps
	}
}

// NewTrainer validates the configuration and creates a Trainer
func NewTrainer(cfg TrainingConfig, c Components, opts ...TrainerOption) (*Trainer, error) {
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", cfg.Epochs)
	}
	if cfg.EvalInterval <= 0 {
		return nil, fmt.Errorf("eval interval must be positive, got %d", cfg.EvalInterval)
	}
	if cfg.Patience < 0 {
		return nil, fmt.Errorf("early stopping patience cannot be negative: %d", cfg.Patience)
	}
	if cfg.Indicator == "" {
		cfg.Indicator = ScoreAccuracy
	}
	if cfg.BNUpdateBatches == 0 {
		cfg.BNUpdateBatches = DefaultBNUpdateBatches
	}
	if cfg.ModelName == "" {
		cfg.ModelName = "model"
	}
	switch {
	case c.Model == nil:
		return nil, fmt.Errorf("trainer requires a model")
	case c.Strategy == nil:
		return nil, fmt.Errorf("trainer requires a step strategy")
	case c.Criterion == nil:
		return nil, fmt.Errorf("trainer requires a loss")
	case c.Estimator == nil:
		return nil, fmt.Errorf("trainer requires a metric estimator")
	case c.Resolver == nil:
		return nil, fmt.Errorf("trainer requires a batch resolver")
	case c.TrainLoader == nil || c.ValLoader == nil:
		return nil, fmt.Errorf("trainer requires training and validation loaders")
	case c.Checkpoints == nil:
		return nil, fmt.Errorf("trainer requires a checkpoint manager")
	}
	if c.LossWeights != nil {
		if _, ok := c.Criterion.(WeightedLoss); !ok {
			return nil, fmt.Errorf("loss weights need a weighted criterion, got %T", c.Criterion)
		}
	}

	t := &Trainer{
		cfg:        cfg,
		Components: c,
		logger:     slog.Default(),
		history:    NewHistory(cfg.Indicator),
		selector:   NewModelSelector(cfg.Patience),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// History returns the epochs recorded so far
func (t *Trainer) History() *History {
	return t.history
}

// Run trains from epoch 0, or from the epoch after the checkpoint in ResumePath, until
// the configured epoch count or early stopping. Both ends finish by saving the final
// weights and, when averaging ran, the recalibrated averaged weights.
func (t *Trainer) Run(ctx context.Context) (*Result, error) {
	start := 0
	if t.cfg.ResumePath != "" {
		var err error
		if start, err = t.resume(t.cfg.ResumePath); err != nil {
			return nil, err
		}
	}

	result := &Result{History: t.history, StartEpoch: start, LastEpoch: start - 1}
	t.logger.Info("starting training",
		"regime", t.cfg.Regime,
		"strategy", t.Strategy.Name(),
		"optimizer", t.Strategy.Optimizer().Name(),
		"epochs", t.cfg.Epochs,
		"start_epoch", start,
		"steps_per_epoch", t.TrainLoader.Len())

	for epoch := start; epoch < t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, err := t.trainEpoch(ctx, epoch)
		if err != nil {
			return nil, err
		}
		if err := t.Strategy.EndEpoch(epoch, t.Model); err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}

		if epoch%t.cfg.EvalInterval == 0 {
			if err := t.validate(ctx, epoch, &rec); err != nil {
				return nil, err
			}
		}

		if err := t.history.Append(rec); err != nil {
			return nil, err
		}
		if err := t.history.Save(t.Checkpoints.Path(HistoryFile)); err != nil {
			t.logger.Warn("failed to save history", "error", err)
		}

		if t.Checkpoints.ShouldSave(epoch) {
			if err := t.saveCheckpoint(epoch); err != nil {
				return nil, err
			}
		}

		t.logEpoch(rec)
		if t.onEpoch != nil {
			t.onEpoch(rec)
		}
		result.LastEpoch = epoch

		if t.selector.ShouldStop() {
			result.StoppedEarly = true
			t.logger.Info("early stopping", "epoch", epoch, "patience", t.selector.Patience())
			break
		}
	}

	if err := t.finalize(ctx); err != nil {
		return nil, err
	}
	result.BestIndicator, result.HasBest = t.selector.Best()
	result.GlobalStep = t.globalStep
	return result, nil
}

func (t *Trainer) averaged() *AveragedModel {
	if av, ok := t.Strategy.(Averager); ok {
		return av.Averaged()
	}
	return nil
}

func (t *Trainer) resume(path string) (int, error) {
	state, err := t.Checkpoints.LoadCheckpoint(path, t.Model, t.Strategy.Optimizer(), t.averaged())
	if err != nil {
		return 0, fmt.Errorf("failed to resume from %s: %w", path, err)
	}
	t.globalStep = state.GlobalStep
	t.selector.Restore(state.BestIndicator, state.HasBest, state.EpochsNoImprove)

	if h, err := LoadHistory(t.Checkpoints.Path(HistoryFile)); err == nil {
		h.TruncateAfter(state.Epoch)
		h.Indicator = t.cfg.Indicator
		t.history = h
	}

	t.logger.Info("resumed from checkpoint", "path", path, "epoch", state.Epoch, "global_step", state.GlobalStep)
	return state.Epoch + 1, nil
}

func (t *Trainer) saveCheckpoint(epoch int) error {
	best, hasBest := t.selector.Best()
	state := checkpoints.TrainingState{
		Epoch:           epoch,
		GlobalStep:      t.globalStep,
		HasBest:         hasBest,
		BestIndicator:   best,
		EpochsNoImprove: t.selector.EpochsNoImprove(),
	}
	if err := t.Checkpoints.SaveCheckpoint(t.Model, t.Strategy.Optimizer(), state, t.averaged()); err != nil {
		return fmt.Errorf("epoch %d: %w", epoch, err)
	}
	t.logger.Debug("saved checkpoint", "epoch", epoch, "path", t.Checkpoints.Path(CheckpointFile))
	return nil
}

// forwardBackward returns the Pass for one resolved batch
func (t *Trainer) forwardBackward(in *ModelInputs, epoch, step int) Pass {
	return func() (float64, *tensor.Tensor, error) {
		logits, err := t.Model.Forward(in.Side, in.Key, in.Value)
		if err != nil {
			return 0, nil, fmt.Errorf("forward pass failed: %w", err)
		}
		loss, err := t.Criterion.Forward(logits, in.Labels)
		if err != nil {
			return 0, nil, fmt.Errorf("loss computation failed: %w", err)
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return 0, nil, fmt.Errorf("%w at epoch %d step %d: %v", ErrNonFiniteLoss, epoch, step, loss)
		}
		grad, err := t.Criterion.Backward(logits, in.Labels)
		if err != nil {
			return 0, nil, fmt.Errorf("loss gradient failed: %w", err)
		}
		if err := t.Model.Backward(grad); err != nil {
			return 0, nil, fmt.Errorf("backward pass failed: %w", err)
		}
		return loss, logits, nil
	}
}

// trainEpoch runs one training pass and returns the epoch record without validation results
func (t *Trainer) trainEpoch(ctx context.Context, epoch int) (EpochRecord, error) {
	begin := time.Now()
	t.Model.Train()
	if t.LossWeights != nil {
		weights := t.LossWeights.WeightsAt(epoch)
		if err := t.Criterion.(WeightedLoss).SetWeight(weights); err != nil {
			return EpochRecord{}, fmt.Errorf("epoch %d: failed to set loss weights: %w", epoch, err)
		}
		t.LossWeights.SetEpoch(epoch + 1)
	}

	t.Estimator.Reset()
	t.TrainLoader.SetEpoch(epoch)
	it := t.TrainLoader.Iterator(ctx)
	defer it.Close()
	steps := it.Len()

	var bar *ProgressBar
	if t.cfg.ShowProgress {
		bar = NewProgressBar(fmt.Sprintf("Epoch %d/%d (Training)", epoch+1, t.cfg.Epochs), steps)
	}

	var total float64
	n := 0
	for step := 0; ; step++ {
		b, err := it.Next()
		if err != nil {
			return EpochRecord{}, fmt.Errorf("epoch %d step %d: %w", epoch, step, err)
		}
		if b == nil {
			break
		}
		in, err := t.Resolver.Resolve(b)
		if err != nil {
			return EpochRecord{}, fmt.Errorf("epoch %d step %d: %w", epoch, step, err)
		}

		t.Strategy.PrepareStep(epoch, step, steps)
		loss, logits, err := t.Strategy.ComputeAndApplyUpdate(epoch, t.forwardBackward(in, epoch, step))
		if err != nil {
			return EpochRecord{}, fmt.Errorf("epoch %d step %d: %w", epoch, step, err)
		}
		t.globalStep++

		total += loss
		n++
		if err := t.Estimator.Update(logits, in.Labels); err != nil {
			return EpochRecord{}, fmt.Errorf("epoch %d: failed to update metrics: %w", epoch, err)
		}
		if bar != nil {
			bar.Update(n, map[string]float64{"loss": total / float64(n), "lr": currentLR(t.Strategy.Optimizer())})
		}
	}
	if bar != nil {
		bar.Finish()
	}
	if n == 0 {
		return EpochRecord{}, fmt.Errorf("epoch %d: training loader yielded no batches", epoch)
	}

	return EpochRecord{
		Epoch:       epoch,
		LR:          currentLR(t.Strategy.Optimizer()),
		TrainLoss:   total / float64(n),
		TrainScores: t.Estimator.GetScores(t.cfg.ScoreDigits),
		Duration:    time.Since(begin),
	}, nil
}

// validate evaluates the regime's evaluation model and updates model selection
func (t *Trainer) validate(ctx context.Context, epoch int, rec *EpochRecord) error {
	evalModel := t.Strategy.EvalModel(epoch, t.Model)
	if av := t.averaged(); av != nil && evalModel == av.Model() {
		if _, err := UpdateBN(ctx, evalModel, t.TrainLoader, t.Resolver, t.cfg.BNUpdateBatches); err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
	}

	var bar *ProgressBar
	if t.cfg.ShowProgress {
		bar = NewProgressBar(fmt.Sprintf("Epoch %d/%d (Validation)", epoch+1, t.cfg.Epochs), t.ValLoader.Len())
	}
	res, err := Evaluate(ctx, evalModel, t.ValLoader, t.Resolver, t.Criterion, t.Estimator, t.cfg.ScoreDigits, bar)
	if err != nil {
		return fmt.Errorf("epoch %d: %w", epoch, err)
	}
	indicator, ok := res.Scores[t.cfg.Indicator]
	if !ok {
		return fmt.Errorf("epoch %d: estimator did not report indicator %q", epoch, t.cfg.Indicator)
	}

	rec.Validated = true
	rec.ValLoss = res.Loss
	rec.ValScores = res.Scores

	if t.selector.Observe(indicator) {
		path, err := t.Checkpoints.SaveWeights(BestWeightsFile, evalModel.StateDict())
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		t.logger.Info("new best model", "epoch", epoch, "indicator", indicator, "path", path)
	}
	return nil
}

// finalize saves the final weights and, when averaging ran, recalibrates and saves the averaged model
func (t *Trainer) finalize(ctx context.Context) error {
	path, err := t.Checkpoints.SaveWeights(FinalWeightsFile, t.Model.StateDict())
	if err != nil {
		return err
	}
	t.logger.Info("saved final weights", "phase", "finalize", "path", path)

	if av := t.averaged(); av != nil {
		if av.NumAveraged() == 0 {
			t.logger.Warn("averaging phase never started; no averaged weights saved", "phase", "finalize")
		} else {
			batches, err := UpdateBN(ctx, av.Model(), t.TrainLoader, t.Resolver, t.cfg.BNUpdateBatches)
			if err != nil {
				return fmt.Errorf("finalize: %w", err)
			}
			path, err := t.Checkpoints.SaveWeights(SWAWeightsFile, av.StateDict())
			if err != nil {
				return err
			}
			t.logger.Info("saved averaged weights", "phase", "finalize", "path", path,
				"n_averaged", av.NumAveraged(), "bn_batches", batches)
		}
	}

	if t.cfg.Plot && t.history.Len() > 0 {
		t.writePlots(ctx)
	}
	return nil
}

// writePlots renders the advisory plots; failures are logged, not returned
func (t *Trainer) writePlots(ctx context.Context) {
	names := []string{"performance_plots", "indicator_plots", "lr_schedule"}
	plots := []PlotData{
		GenerateTrainingCurvesPlot(t.history, t.cfg.ModelName),
		GenerateIndicatorPlot(t.history, t.cfg.ModelName),
		GenerateLearningRateSchedulePlot(t.history, t.cfg.ModelName),
	}
	for i, pd := range plots {
		if err := pd.SaveJSON(t.Checkpoints.Path(names[i] + ".json")); err != nil {
			t.logger.Warn("failed to save plot data", "error", err)
		}
		if err := pd.RenderPNG(t.Checkpoints.Path(names[i] + ".png")); err != nil {
			t.logger.Warn("failed to render plot", "error", err)
		}
	}

	if t.plotter == nil {
		return
	}
	if err := t.plotter.CheckHealth(ctx); err != nil {
		t.logger.Warn("plotting service unavailable, plots kept locally", "error", err)
		return
	}
	resp, err := t.plotter.BatchSendPlots(ctx, plots)
	if err != nil {
		t.logger.Warn("failed to publish plots", "error", err)
		return
	}
	t.logger.Info("published plots", "dashboard", resp.DashboardURL, "batch_id", resp.BatchID)
}

func (t *Trainer) logEpoch(rec EpochRecord) {
	attrs := []any{
		"epoch", rec.Epoch,
		"lr", rec.LR,
		"train_loss", rec.TrainLoss,
		"train_" + t.cfg.Indicator, rec.TrainIndicator(t.cfg.Indicator),
		"duration", rec.Duration.Round(time.Millisecond),
	}
	if rec.Validated {
		attrs = append(attrs, "val_loss", rec.ValLoss, "indicator", rec.ValIndicator(t.cfg.Indicator))
	} else {
		attrs = append(attrs, "validated", false)
	}
	t.logger.Info("epoch finished", attrs...)
}
