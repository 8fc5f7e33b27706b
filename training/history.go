package training

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"
)

// EpochRecord holds the scalars of one completed epoch. When validation was
// skipped Validated is false, ValLoss is NaN and ValScores is nil.
type EpochRecord struct {
	Epoch       int
	LR          float64
	TrainLoss   float64
	TrainScores map[string]float64
	Validated   bool
	ValLoss     float64
	ValScores   map[string]float64
	Duration    time.Duration
}

// ValIndicator returns the named validation score, or NaN when the epoch was not validated
func (r EpochRecord) ValIndicator(name string) float64 {
	if !r.Validated {
		return math.NaN()
	}
	v, ok := r.ValScores[name]
	if !ok {
		return math.NaN()
	}
	return v
}

// TrainIndicator returns the named training score, or NaN when it was not reported
func (r EpochRecord) TrainIndicator(name string) float64 {
	v, ok := r.TrainScores[name]
	if !ok {
		return math.NaN()
	}
	return v
}

// epochRecordJSON keeps skipped validations as null, since JSON has no NaN
type epochRecordJSON struct {
	Epoch       int                `json:"epoch"`
	LR          float64            `json:"lr"`
	TrainLoss   float64            `json:"train_loss"`
	TrainScores map[string]float64 `json:"train_scores"`
	Validated   bool               `json:"validated"`
	ValLoss     *float64           `json:"val_loss"`
	ValScores   map[string]float64 `json:"val_scores,omitempty"`
	DurationMS  int64              `json:"duration_ms"`
}

func (r EpochRecord) MarshalJSON() ([]byte, error) {
	out := epochRecordJSON{
		Epoch:       r.Epoch,
		LR:          r.LR,
		TrainLoss:   r.TrainLoss,
		TrainScores: r.TrainScores,
		Validated:   r.Validated,
		DurationMS:  r.Duration.Milliseconds(),
	}
	if r.Validated {
		v := r.ValLoss
		out.ValLoss = &v
		out.ValScores = r.ValScores
	}
	return json.Marshal(out)
}

func (r *EpochRecord) UnmarshalJSON(data []byte) error {
	var in epochRecordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = EpochRecord{
		Epoch:       in.Epoch,
		LR:          in.LR,
		TrainLoss:   in.TrainLoss,
		TrainScores: in.TrainScores,
		Validated:   in.Validated && in.ValLoss != nil,
		ValLoss:     math.NaN(),
		Duration:    time.Duration(in.DurationMS) * time.Millisecond,
	}
	if r.Validated {
		r.ValLoss = *in.ValLoss
		r.ValScores = in.ValScores
	}
	return nil
}

// History is the append-only per-epoch record of a run
type History struct {
	Indicator string        `json:"indicator"`
	Records   []EpochRecord `json:"records"`
}

// NewHistory creates an empty history tracking indicator
func NewHistory(indicator string) *History {
	return &History{Indicator: indicator}
}

// Append adds the record of the next epoch. Epochs must strictly increase.
func (h *History) Append(rec EpochRecord) error {
	if n := len(h.Records); n > 0 && rec.Epoch <= h.Records[n-1].Epoch {
		return fmt.Errorf("history already holds epoch %d, cannot append epoch %d", h.Records[n-1].Epoch, rec.Epoch)
	}
	if !rec.Validated {
		rec.ValLoss = math.NaN()
		rec.ValScores = nil
	}
	h.Records = append(h.Records, rec)
	return nil
}

// Len returns the number of recorded epochs
func (h *History) Len() int {
	return len(h.Records)
}

// Last returns the most recent record
func (h *History) Last() (EpochRecord, bool) {
	if len(h.Records) == 0 {
		return EpochRecord{}, false
	}
	return h.Records[len(h.Records)-1], true
}

// TruncateAfter drops records past epoch, used when a resumed run replays later epochs
func (h *History) TruncateAfter(epoch int) {
	n := 0
	for _, r := range h.Records {
		if r.Epoch <= epoch {
			n++
		}
	}
	h.Records = h.Records[:n]
}

// Series is one plotted curve; NaN marks epochs without a value
type Series struct {
	Name   string
	Epochs []int
	Values []float64
}

func (h *History) series(name string, value func(EpochRecord) float64) Series {
	s := Series{Name: name}
	for _, r := range h.Records {
		s.Epochs = append(s.Epochs, r.Epoch)
		s.Values = append(s.Values, value(r))
	}
	return s
}

// LossSeries returns the training and validation loss curves
func (h *History) LossSeries() (train, val Series) {
	train = h.series("train_loss", func(r EpochRecord) float64 { return r.TrainLoss })
	val = h.series("val_loss", func(r EpochRecord) float64 { return r.ValLoss })
	return train, val
}

// IndicatorSeries returns the training and validation curves of the indicator metric
func (h *History) IndicatorSeries() (train, val Series) {
	train = h.series("train_"+h.Indicator, func(r EpochRecord) float64 { return r.TrainIndicator(h.Indicator) })
	val = h.series("val_"+h.Indicator, func(r EpochRecord) float64 { return r.ValIndicator(h.Indicator) })
	return train, val
}

// Save writes the history as JSON
func (h *History) Save(path string) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write history %s: %w", path, err)
	}
	return nil
}

// LoadHistory reads a history written by Save
func LoadHistory(path string) (*History, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read history %s: %w", path, err)
	}
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to parse history %s: %w", path, err)
	}
	return &h, nil
}

// ModelSelector tracks the best validation indicator and the early-stopping counter.
// Higher indicator values are better. A patience of 0 disables early stopping.
type ModelSelector struct {
	patience  int
	best      float64
	hasBest   bool
	noImprove int
}

// NewModelSelector creates a selector whose best value starts at -Inf
func NewModelSelector(patience int) *ModelSelector {
	return &ModelSelector{patience: patience, best: math.Inf(-1)}
}

// Observe records a validated epoch's indicator and reports whether it improved on the best
func (s *ModelSelector) Observe(indicator float64) bool {
	if !math.IsNaN(indicator) && indicator > s.best {
		s.best = indicator
		s.hasBest = true
		s.noImprove = 0
		return true
	}
	s.noImprove++
	return false
}

// ShouldStop reports whether patience is exhausted
func (s *ModelSelector) ShouldStop() bool {
	return s.patience > 0 && s.noImprove >= s.patience
}

// Best returns the best indicator seen and whether any epoch was observed
func (s *ModelSelector) Best() (float64, bool) {
	return s.best, s.hasBest
}

// EpochsNoImprove returns the number of validated epochs since the last improvement
func (s *ModelSelector) EpochsNoImprove() int {
	return s.noImprove
}

// Patience returns the configured patience
func (s *ModelSelector) Patience() int {
	return s.patience
}

// Restore sets the selector state from a checkpoint
func (s *ModelSelector) Restore(best float64, hasBest bool, noImprove int) {
	s.best = math.Inf(-1)
	if hasBest {
		s.best = best
	}
	s.hasBest = hasBest
	s.noImprove = noImprove
}
