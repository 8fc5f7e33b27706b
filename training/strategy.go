package training

import (
	"fmt"

	"github.com/tsawler/go-fgp/models"
	"github.com/tsawler/go-fgp/optimizer"
	"github.com/tsawler/go-fgp/tensor"
)

// Regime names
const (
	RegimeSWA      = "A"
	RegimeSAM      = "B"
	RegimeBaseline = "C"
)

// DefaultMaxGradNorm is the global L2 norm gradients are clipped to before every update
const DefaultMaxGradNorm = 1.0

// Pass runs one forward and one backward pass over the current batch,
// accumulating gradients, and returns the loss and the logits.
type Pass func() (float64, *tensor.Tensor, error)

// StepStrategy is the regime-specific part of the epoch loop. The trainer owns batch
// acquisition and bookkeeping; the strategy owns learning rates and how an update is made.
type StepStrategy interface {
	Name() string
	// Optimizer returns the optimizer whose state is checkpointed
	Optimizer() optimizer.Optimizer
	// PrepareStep sets the learning rates used by step of epoch. It depends only on
	// its arguments, so a resumed run reproduces the same rates.
	PrepareStep(epoch, step, stepsPerEpoch int)
	// ComputeAndApplyUpdate calls pass as often as the regime needs and applies one update.
	// The returned loss and logits are those of the first pass.
	ComputeAndApplyUpdate(epoch int, pass Pass) (float64, *tensor.Tensor, error)
	// EndEpoch runs after the training pass of epoch
	EndEpoch(epoch int, model models.Classifier) error
	// EvalModel returns the model validated after epoch
	EvalModel(epoch int, model models.Classifier) models.Classifier
}

// Averager is implemented by strategies that keep a running-average model
type Averager interface {
	Averaged() *AveragedModel
	// Averaging reports whether epoch is in the averaging phase
	Averaging(epoch int) bool
}

// currentLR returns the rate of the last group, the head group for the reference models
func currentLR(opt optimizer.Optimizer) float64 {
	groups := opt.ParamGroups()
	if len(groups) == 0 {
		return 0
	}
	return groups[len(groups)-1].LR
}

func clip(opt optimizer.Optimizer, maxNorm float64) {
	if maxNorm > 0 {
		optimizer.ClipGradNorm(optimizer.AllParams(opt.ParamGroups()), maxNorm)
	}
}

// Baseline is regime C: one pass per update with a per-step fractional warmup-cosine schedule
type Baseline struct {
	opt         optimizer.Optimizer
	schedule    *WarmupCosineScheduler
	maxGradNorm float64
}

// NewBaseline creates the baseline strategy. A nil schedule keeps the rates constant.
func NewBaseline(opt optimizer.Optimizer, schedule *WarmupCosineScheduler, maxGradNorm float64) (*Baseline, error) {
	if opt == nil {
		return nil, fmt.Errorf("baseline strategy requires an optimizer")
	}
	return &Baseline{opt: opt, schedule: schedule, maxGradNorm: maxGradNorm}, nil
}

func (b *Baseline) Name() string {
	return "baseline"
}

func (b *Baseline) Optimizer() optimizer.Optimizer {
	return b.opt
}

func (b *Baseline) PrepareStep(epoch, step, stepsPerEpoch int) {
	if b.schedule == nil || stepsPerEpoch <= 0 {
		return
	}
	b.schedule.Apply(b.opt.ParamGroups(), float64(epoch)+float64(step)/float64(stepsPerEpoch))
}

func (b *Baseline) ComputeAndApplyUpdate(epoch int, pass Pass) (float64, *tensor.Tensor, error) {
	b.opt.ZeroGrad()
	loss, logits, err := pass()
	if err != nil {
		return 0, nil, err
	}
	clip(b.opt, b.maxGradNorm)
	if err := b.opt.Step(); err != nil {
		return 0, nil, fmt.Errorf("optimizer step failed: %w", err)
	}
	return loss, logits, nil
}

func (b *Baseline) EndEpoch(epoch int, model models.Classifier) error {
	return nil
}

func (b *Baseline) EvalModel(epoch int, model models.Classifier) models.Classifier {
	return model
}

// SharpnessAware is regime B: plain updates before startEpoch, then two passes per update
// through the SAM adapter. Rates follow the per-epoch EpochFactor schedule, so the first
// warmup epoch already trains at a non-zero rate.
type SharpnessAware struct {
	sam         *optimizer.SAM
	schedule    *WarmupCosineScheduler
	startEpoch  int
	maxGradNorm float64
}

// NewSharpnessAware creates the SAM strategy. A nil schedule keeps the rates constant.
func NewSharpnessAware(sam *optimizer.SAM, schedule *WarmupCosineScheduler, startEpoch int, maxGradNorm float64) (*SharpnessAware, error) {
	if sam == nil {
		return nil, fmt.Errorf("sharpness-aware strategy requires a SAM optimizer")
	}
	if startEpoch < 0 {
		return nil, fmt.Errorf("SAM start epoch cannot be negative: %d", startEpoch)
	}
	return &SharpnessAware{sam: sam, schedule: schedule, startEpoch: startEpoch, maxGradNorm: maxGradNorm}, nil
}

func (s *SharpnessAware) Name() string {
	return "sam"
}

func (s *SharpnessAware) Optimizer() optimizer.Optimizer {
	return s.sam
}

func (s *SharpnessAware) PrepareStep(epoch, step, stepsPerEpoch int) {
	if s.schedule == nil {
		return
	}
	ApplyFactor(s.sam.ParamGroups(), s.schedule.EpochFactor(epoch))
}

func (s *SharpnessAware) ComputeAndApplyUpdate(epoch int, pass Pass) (float64, *tensor.Tensor, error) {
	s.sam.ZeroGrad()
	loss, logits, err := pass()
	if err != nil {
		return 0, nil, err
	}
	if epoch < s.startEpoch {
		clip(s.sam, s.maxGradNorm)
		if err := s.sam.BaseStep(); err != nil {
			return 0, nil, fmt.Errorf("optimizer step failed: %w", err)
		}
		return loss, logits, nil
	}

	pert, err := s.sam.FirstStep()
	if err != nil {
		return 0, nil, fmt.Errorf("SAM first step failed: %w", err)
	}
	s.sam.ZeroGrad()
	if _, _, err := pass(); err != nil {
		if abortErr := s.sam.Abort(pert); abortErr != nil {
			return 0, nil, fmt.Errorf("second SAM pass failed: %w (restore failed: %v)", err, abortErr)
		}
		return 0, nil, fmt.Errorf("second SAM pass failed: %w", err)
	}
	clip(s.sam, s.maxGradNorm)
	if err := s.sam.SecondStep(pert); err != nil {
		return 0, nil, fmt.Errorf("SAM second step failed: %w", err)
	}
	return loss, logits, nil
}

func (s *SharpnessAware) EndEpoch(epoch int, model models.Classifier) error {
	return nil
}

func (s *SharpnessAware) EvalModel(epoch int, model models.Classifier) models.Classifier {
	return model
}

// SWAConfig configures regime A
type SWAConfig struct {
	StartEpoch   int     // first epoch of the averaging phase
	PctStart     float64 // one-cycle warmup fraction
	SWALR        float64 // averaging-phase learning rate
	AnnealEpochs int     // epochs to anneal from the one-cycle rate to SWALR
}

// StochasticWeightAveraging is regime A: a one-cycle schedule stepped every update until
// StartEpoch, then the SWALR schedule, with the running average updated at the end of
// every averaging epoch.
type StochasticWeightAveraging struct {
	opt           optimizer.Optimizer
	cfg           SWAConfig
	stepsPerEpoch int
	oneCycle      *OneCycleScheduler
	swa           *SWAScheduler
	averaged      *AveragedModel
	maxGradNorm   float64
}

// NewStochasticWeightAveraging creates the SWA strategy. The one-cycle schedule spans
// epochs*stepsPerEpoch steps and the averaged model starts as a copy of model.
func NewStochasticWeightAveraging(opt optimizer.Optimizer, model models.Classifier, epochs, stepsPerEpoch int,
	cfg SWAConfig, maxGradNorm float64) (*StochasticWeightAveraging, error) {
	if opt == nil || model == nil {
		return nil, fmt.Errorf("SWA strategy requires an optimizer and a model")
	}
	if epochs <= 0 || stepsPerEpoch <= 0 {
		return nil, fmt.Errorf("SWA strategy requires positive epochs and steps per epoch, got %d and %d", epochs, stepsPerEpoch)
	}
	if cfg.StartEpoch < 0 {
		return nil, fmt.Errorf("SWA start epoch cannot be negative: %d", cfg.StartEpoch)
	}
	if cfg.PctStart <= 0 || cfg.PctStart >= 1 {
		return nil, fmt.Errorf("one-cycle pct_start must be in (0, 1), got %f", cfg.PctStart)
	}
	if cfg.SWALR < 0 || cfg.AnnealEpochs < 0 {
		return nil, fmt.Errorf("invalid SWALR settings: swa_lr=%f anneal_epochs=%d", cfg.SWALR, cfg.AnnealEpochs)
	}
	return &StochasticWeightAveraging{
		opt:           opt,
		cfg:           cfg,
		stepsPerEpoch: stepsPerEpoch,
		oneCycle:      NewOneCycleScheduler(epochs*stepsPerEpoch, cfg.PctStart),
		swa:           NewSWAScheduler(cfg.SWALR, cfg.AnnealEpochs),
		averaged:      NewAveragedModel(model),
		maxGradNorm:   maxGradNorm,
	}, nil
}

func (s *StochasticWeightAveraging) Name() string {
	return "swa"
}

func (s *StochasticWeightAveraging) Optimizer() optimizer.Optimizer {
	return s.opt
}

// Averaged returns the running-average model
func (s *StochasticWeightAveraging) Averaged() *AveragedModel {
	return s.averaged
}

// Averaging reports whether epoch is at or past the start of the averaging phase
func (s *StochasticWeightAveraging) Averaging(epoch int) bool {
	return epoch >= s.cfg.StartEpoch
}

// startLRs are the rates the one-cycle schedule had reached when it was suspended
func (s *StochasticWeightAveraging) startLRs() []float64 {
	groups := s.opt.ParamGroups()
	out := make([]float64, len(groups))
	for i, g := range groups {
		out[i] = s.oneCycle.LR(s.cfg.StartEpoch*s.stepsPerEpoch, g.InitialLR)
	}
	return out
}

func (s *StochasticWeightAveraging) PrepareStep(epoch, step, stepsPerEpoch int) {
	if !s.Averaging(epoch) {
		s.oneCycle.Apply(s.opt.ParamGroups(), epoch*s.stepsPerEpoch+step)
		return
	}
	s.swa.Apply(s.opt.ParamGroups(), epoch-s.cfg.StartEpoch, s.startLRs())
}

func (s *StochasticWeightAveraging) ComputeAndApplyUpdate(epoch int, pass Pass) (float64, *tensor.Tensor, error) {
	s.opt.ZeroGrad()
	loss, logits, err := pass()
	if err != nil {
		return 0, nil, err
	}
	clip(s.opt, s.maxGradNorm)
	if err := s.opt.Step(); err != nil {
		return 0, nil, fmt.Errorf("optimizer step failed: %w", err)
	}
	return loss, logits, nil
}

func (s *StochasticWeightAveraging) EndEpoch(epoch int, model models.Classifier) error {
	if !s.Averaging(epoch) {
		return nil
	}
	if err := s.averaged.Update(model); err != nil {
		return fmt.Errorf("failed to update averaged model: %w", err)
	}
	return nil
}

func (s *StochasticWeightAveraging) EvalModel(epoch int, model models.Classifier) models.Classifier {
	if s.Averaging(epoch) && s.averaged.NumAveraged() > 0 {
		return s.averaged.Model()
	}
	return model
}
