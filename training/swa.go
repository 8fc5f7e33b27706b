package training

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-fgp/checkpoints"
	"github.com/tsawler/go-fgp/layers"
	"github.com/tsawler/go-fgp/models"
	"github.com/tsawler/go-fgp/tensor"
)

// DefaultBNUpdateBatches bounds the forward sweep that recalibrates batch norm statistics
const DefaultBNUpdateBatches = 100

// AveragedModel keeps a uniform running average of a model's parameters.
// The shadow model is used for inference only and never receives gradients.
type AveragedModel struct {
	model       models.Classifier
	numAveraged int
}

// NewAveragedModel creates the shadow model as a copy of src. No sample is averaged yet.
func NewAveragedModel(src models.Classifier) *AveragedModel {
	shadow := src.Clone()
	for _, p := range shadow.Parameters() {
		p.RequiresGrad = false
		p.Grad = nil
	}
	return &AveragedModel{model: shadow}
}

// Model returns the shadow model
func (a *AveragedModel) Model() models.Classifier {
	return a.model
}

// NumAveraged returns how many parameter samples the average holds
func (a *AveragedModel) NumAveraged() int {
	return a.numAveraged
}

func vector(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}

// Update folds the current parameters of src into the average:
// avg = avg + (p - avg) / (n + 1). The first sample is copied.
func (a *AveragedModel) Update(src models.Classifier) error {
	dst := a.model.Parameters()
	params := src.Parameters()
	if len(dst) != len(params) {
		return fmt.Errorf("averaged model has %d parameters, source has %d", len(dst), len(params))
	}
	for i, p := range params {
		if dst[i].Name != p.Name || len(dst[i].Data) != len(p.Data) {
			return fmt.Errorf("parameter %d mismatch: averaged %s%v, source %s%v", i, dst[i].Name, dst[i].Shape, p.Name, p.Shape)
		}
	}

	n := float32(a.numAveraged)
	for i, p := range params {
		if a.numAveraged == 0 {
			copy(dst[i].Data, p.Data)
			continue
		}
		avg := vector(dst[i].Data)
		blas32.Scal(n/(n+1), avg)
		blas32.Axpy(1/(n+1), vector(p.Data), avg)
	}
	a.numAveraged++
	return nil
}

// StateDict returns the shadow model weights
func (a *AveragedModel) StateDict() []checkpoints.WeightTensor {
	return a.model.StateDict()
}

// Restore loads averaged weights and the sample count, e.g. when a run resumes
func (a *AveragedModel) Restore(weights []checkpoints.WeightTensor, numAveraged int) error {
	if numAveraged < 0 {
		return fmt.Errorf("invalid averaged sample count %d", numAveraged)
	}
	if err := a.model.LoadStateDict(weights); err != nil {
		return fmt.Errorf("failed to restore averaged model: %w", err)
	}
	a.numAveraged = numAveraged
	return nil
}

// UpdateBN recomputes the batch norm running statistics of model with one
// forward-only sweep over at most maxBatches batches of loader. Every batch
// contributes equally. The model's mode and the momentum settings are restored afterwards.
func UpdateBN(ctx context.Context, model models.Classifier, loader *DataLoader, resolver *BatchResolver, maxBatches int) (int, error) {
	bns := model.BatchNorms()
	if len(bns) == 0 {
		return 0, nil
	}

	cumulative := make([]bool, len(bns))
	for i, bn := range bns {
		cumulative[i] = bn.Cumulative
		bn.ResetRunningStats()
		bn.Cumulative = true
	}
	wasTraining := model.IsTraining()
	restoreGrad := tensor.NoGrad()
	defer func() {
		restoreGrad()
		restoreMode(model, wasTraining)
		for i, bn := range bns {
			bn.Cumulative = cumulative[i]
		}
	}()
	model.Train()

	it := loader.Iterator(ctx)
	defer it.Close()

	seen := 0
	for maxBatches <= 0 || seen < maxBatches {
		b, err := it.Next()
		if err != nil {
			return seen, fmt.Errorf("batch norm update: %w", err)
		}
		if b == nil {
			break
		}
		if b.Size() < 2 {
			// train-mode batch norm needs more than one sample
			continue
		}
		in, err := resolver.Resolve(b)
		if err != nil {
			return seen, fmt.Errorf("batch norm update: %w", err)
		}
		if _, err := model.Forward(in.Side, in.Key, in.Value); err != nil {
			return seen, fmt.Errorf("batch norm update forward failed: %w", err)
		}
		seen++
	}
	return seen, nil
}

func restoreMode(m layers.Module, training bool) {
	if training {
		m.Train()
	} else {
		m.Eval()
	}
}
