package training

import (
	"math"

	"github.com/tsawler/go-fgp/optimizer"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// All schedulers are pure functions of their inputs.
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// ApplyFactor sets every group's rate to its own base rate scaled by factor and
// returns the rate of the last group (the head group in a backbone/head split).
func ApplyFactor(groups []*optimizer.ParamGroup, factor float64) float64 {
	var lr float64
	for _, g := range groups {
		g.LR = g.InitialLR * factor
		lr = g.LR
	}
	return lr
}

// WarmupCosineScheduler ramps linearly from 0 to the base rate over WarmupEpochs,
// then decays along a half cosine to 0 at TotalEpochs. Progress may be fractional.
type WarmupCosineScheduler struct {
	WarmupEpochs float64
	TotalEpochs  float64
}

// NewWarmupCosineScheduler creates a warmup+cosine schedule
func NewWarmupCosineScheduler(warmupEpochs, totalEpochs int) *WarmupCosineScheduler {
	if warmupEpochs < 0 {
		warmupEpochs = 0
	}
	return &WarmupCosineScheduler{
		WarmupEpochs: float64(warmupEpochs),
		TotalEpochs:  float64(totalEpochs),
	}
}

// Factor returns the multiplier applied to each base rate at progress (in epochs).
// With no epochs left after warmup the decay is complete and the factor is 0.
func (s *WarmupCosineScheduler) Factor(progress float64) float64 {
	if progress < s.WarmupEpochs {
		return progress / s.WarmupEpochs
	}
	span := s.TotalEpochs - s.WarmupEpochs
	if span <= 0 {
		return 0
	}
	t := (progress - s.WarmupEpochs) / span
	if t > 1 {
		t = 1
	}
	return 0.5 * (1.0 + math.Cos(math.Pi*t))
}

// EpochFactor is the per-epoch variant that counts the current epoch as done during
// warmup, (epoch+1)/WarmupEpochs, and decays from the full rate at the first epoch after it.
func (s *WarmupCosineScheduler) EpochFactor(epoch int) float64 {
	if float64(epoch) < s.WarmupEpochs {
		return math.Min(float64(epoch+1)/s.WarmupEpochs, 1)
	}
	return s.Factor(float64(epoch))
}

// Apply writes the scheduled rate into every group for the given progress
func (s *WarmupCosineScheduler) Apply(groups []*optimizer.ParamGroup, progress float64) float64 {
	return ApplyFactor(groups, s.Factor(progress))
}

func (s *WarmupCosineScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * s.Factor(float64(epoch))
}

func (s *WarmupCosineScheduler) GetName() string {
	return "WarmupCosineLR"
}

// OneCycleScheduler is the 1cycle policy: a cosine rise from maxLR/DivFactor to maxLR over
// the first PctStart of TotalSteps, then a cosine fall to maxLR/(DivFactor*FinalDivFactor).
// Each group's InitialLR is its maxLR.
type OneCycleScheduler struct {
	TotalSteps     int
	PctStart       float64
	DivFactor      float64
	FinalDivFactor float64
}

// NewOneCycleScheduler creates a one-cycle schedule with the usual factors (25, 1e4)
func NewOneCycleScheduler(totalSteps int, pctStart float64) *OneCycleScheduler {
	if pctStart <= 0 || pctStart >= 1 {
		pctStart = 0.3
	}
	return &OneCycleScheduler{
		TotalSteps:     totalSteps,
		PctStart:       pctStart,
		DivFactor:      25,
		FinalDivFactor: 1e4,
	}
}

// LR returns the rate after step optimizer steps for a group whose peak rate is maxLR
func (s *OneCycleScheduler) LR(step int, maxLR float64) float64 {
	initial := maxLR / s.DivFactor
	final := initial / s.FinalDivFactor

	if step < 0 {
		step = 0
	}
	last := float64(s.TotalSteps - 1)
	if last <= 0 {
		return maxLR
	}
	pos := math.Min(float64(step), last)

	peak := s.PctStart*float64(s.TotalSteps) - 1
	if pos <= peak && peak > 0 {
		return annealCos(initial, maxLR, pos/peak)
	}
	if peak < 0 {
		peak = 0
	}
	if last-peak <= 0 {
		return final
	}
	return annealCos(maxLR, final, (pos-peak)/(last-peak))
}

// Apply writes the rate for the given global step into every group
func (s *OneCycleScheduler) Apply(groups []*optimizer.ParamGroup, step int) float64 {
	var lr float64
	for _, g := range groups {
		g.LR = s.LR(step, g.InitialLR)
		lr = g.LR
	}
	return lr
}

// GetLR treats step as the global step count
func (s *OneCycleScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return s.LR(step, baseLR)
}

func (s *OneCycleScheduler) GetName() string {
	return "OneCycleLR"
}

// SWAScheduler anneals from the rate in effect when averaging starts to SWALR over
// AnnealEpochs averaging steps along a cosine, then holds SWALR.
type SWAScheduler struct {
	SWALR        float64
	AnnealEpochs int
}

// NewSWAScheduler creates an averaging-phase schedule
func NewSWAScheduler(swaLR float64, annealEpochs int) *SWAScheduler {
	if annealEpochs < 0 {
		annealEpochs = 0
	}
	return &SWAScheduler{SWALR: swaLR, AnnealEpochs: annealEpochs}
}

// LR returns the rate after k averaging steps, starting from startLR
func (s *SWAScheduler) LR(k int, startLR float64) float64 {
	t := 1.0
	if s.AnnealEpochs > 0 {
		t = math.Max(0, math.Min(1, float64(k)/float64(s.AnnealEpochs)))
	}
	alpha := (1 - math.Cos(math.Pi*t)) / 2
	return s.SWALR*alpha + startLR*(1-alpha)
}

// Apply writes the averaging rate after k steps into every group. startLRs holds the
// per-group rate at the moment averaging began.
func (s *SWAScheduler) Apply(groups []*optimizer.ParamGroup, k int, startLRs []float64) float64 {
	var lr float64
	for i, g := range groups {
		start := g.LR
		if i < len(startLRs) {
			start = startLRs[i]
		}
		g.LR = s.LR(k, start)
		lr = g.LR
	}
	return lr
}

func (s *SWAScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return s.LR(epoch, baseLR)
}

func (s *SWAScheduler) GetName() string {
	return "SWALR"
}

func annealCos(start, end, pct float64) float64 {
	return end + (start-end)/2.0*(1+math.Cos(math.Pi*pct))
}
