package training

import (
	"context"
	"fmt"
	"math"

	"github.com/tsawler/go-fgp/models"
	"github.com/tsawler/go-fgp/tensor"
)

// ModelInputs are the resolved tensors of one batch, ready for Classifier.Forward.
// Key and Value have shape [layers, batch, seq, dim].
type ModelInputs struct {
	Side   *tensor.Tensor
	Key    *tensor.Tensor
	Value  *tensor.Tensor
	Labels *tensor.Tensor
}

// BatchResolver turns loader batches into model inputs. With Preloaded set it
// consumes cached key/value states, otherwise it runs Encoder without gradients.
// The mode comes from configuration; a batch of the other layout is an ErrBatchLayout.
type BatchResolver struct {
	Encoder     models.FrozenEncoder
	Preloaded   bool
	Interpolate bool
	Device      tensor.DeviceType
	TargetType  tensor.DType
}

// Resolve acquires key/value states, moves tensors to the device and coerces labels
func (r *BatchResolver) Resolve(b *Batch) (*ModelInputs, error) {
	if b.Preloaded() != r.Preloaded {
		return nil, fmt.Errorf("%w: preloaded=%v batch in preloaded=%v run", ErrBatchLayout, b.Preloaded(), r.Preloaded)
	}

	var key, value *tensor.Tensor
	var err error
	if r.Preloaded {
		// collated as [batch, layers, ...]; the model expects [layers, batch, ...]
		if key, err = tensor.Transpose01(b.Key); err != nil {
			return nil, fmt.Errorf("failed to transpose key states: %w", err)
		}
		if value, err = tensor.Transpose01(b.Value); err != nil {
			return nil, fmt.Errorf("failed to transpose value states: %w", err)
		}
	} else {
		if r.Encoder == nil {
			return nil, fmt.Errorf("%w: raw batch without a frozen encoder", ErrBatchLayout)
		}
		input, err := b.Input.To(r.Device)
		if err != nil {
			return nil, err
		}
		restore := tensor.NoGrad()
		_, key, value, err = r.Encoder.Encode(input, r.Interpolate)
		restore()
		if err != nil {
			return nil, fmt.Errorf("frozen encoder failed: %w", err)
		}
	}

	in := &ModelInputs{}
	if in.Side, err = b.Side.To(r.Device); err != nil {
		return nil, err
	}
	if in.Key, err = key.To(r.Device); err != nil {
		return nil, err
	}
	if in.Value, err = value.To(r.Device); err != nil {
		return nil, err
	}
	labels, err := b.Labels.AsType(r.TargetType)
	if err != nil {
		return nil, fmt.Errorf("failed to convert labels to %s: %w", r.TargetType, err)
	}
	if in.Labels, err = labels.To(r.Device); err != nil {
		return nil, err
	}
	return in, nil
}

// evalMode switches model to eval mode with gradients disabled. The returned
// func puts the model back in train mode and restores the previous gradient setting.
func evalMode(model models.Classifier) func() {
	prev := tensor.SetGradEnabled(false)
	model.Eval()
	return func() {
		model.Train()
		tensor.SetGradEnabled(prev)
	}
}

// EvalResult is the outcome of one validation pass
type EvalResult struct {
	Loss    float64 // mean of the per-batch losses
	Scores  map[string]float64
	Batches int
}

// Evaluate runs model over loader without gradients and reports the mean loss and
// the estimator scores. It never touches optimizer state, and the model is left in
// train mode with gradient tracking restored on every return path, including panics.
func Evaluate(ctx context.Context, model models.Classifier, loader *DataLoader, resolver *BatchResolver,
	criterion Loss, estimator Estimator, digits int, progress *ProgressBar) (EvalResult, error) {
	restore := evalMode(model)
	defer restore()

	estimator.Reset()
	it := loader.Iterator(ctx)
	defer it.Close()

	var res EvalResult
	var total float64
	for {
		b, err := it.Next()
		if err != nil {
			return EvalResult{}, fmt.Errorf("validation batch %d: %w", res.Batches, err)
		}
		if b == nil {
			break
		}
		in, err := resolver.Resolve(b)
		if err != nil {
			return EvalResult{}, fmt.Errorf("validation batch %d: %w", res.Batches, err)
		}
		logits, err := model.Forward(in.Side, in.Key, in.Value)
		if err != nil {
			return EvalResult{}, fmt.Errorf("validation forward failed: %w", err)
		}
		loss, err := criterion.Forward(logits, in.Labels)
		if err != nil {
			return EvalResult{}, fmt.Errorf("validation loss failed: %w", err)
		}
		if err := estimator.Update(logits, in.Labels); err != nil {
			return EvalResult{}, fmt.Errorf("failed to update metrics: %w", err)
		}
		total += loss
		res.Batches++
		if progress != nil {
			progress.Update(res.Batches, map[string]float64{"loss": total / float64(res.Batches)})
		}
	}
	if progress != nil {
		progress.Finish()
	}

	res.Loss = math.NaN()
	if res.Batches > 0 {
		res.Loss = total / float64(res.Batches)
	}
	res.Scores = estimator.GetScores(digits)
	return res, nil
}
