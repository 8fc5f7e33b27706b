package training

import (
	"io"
	"log/slog"
	"testing"

	"github.com/tsawler/go-fgp/layers"
	"github.com/tsawler/go-fgp/models"
	"github.com/tsawler/go-fgp/optimizer"
	"github.com/tsawler/go-fgp/tensor"
)

const (
	fixtureClasses = 3
	fixtureIn      = 6
	fixtureSide    = 4
	fixtureDim     = 2
)

// fixture bundles a small end-to-end setup: synthetic data, the projection
// encoder, the reference classifier and loaders over it
type fixture struct {
	model     *models.SideClassifier
	resolver  *BatchResolver
	train     *DataLoader
	val       *DataLoader
	criterion Loss
	estimator *MetricsEstimator
	dataset   *SyntheticDataset
}

func newFixture(t *testing.T, trainSize, valSize int) *fixture {
	t.Helper()
	layers.SetRandomSeed(7)

	ds, err := NewSyntheticDataset(trainSize, fixtureIn, fixtureSide, fixtureClasses, 1)
	if err != nil {
		t.Fatalf("NewSyntheticDataset failed: %v", err)
	}
	vds, err := NewSyntheticDataset(valSize, fixtureIn, fixtureSide, fixtureClasses, 2)
	if err != nil {
		t.Fatalf("NewSyntheticDataset failed: %v", err)
	}
	enc, err := models.NewProjectionEncoder(fixtureIn, 2, 3, fixtureDim, 11)
	if err != nil {
		t.Fatalf("NewProjectionEncoder failed: %v", err)
	}
	model, err := models.NewSideClassifier(models.SideClassifierConfig{
		SideFeatures: fixtureSide, Hidden: 4, StateDim: fixtureDim, NumClasses: fixtureClasses,
	})
	if err != nil {
		t.Fatalf("NewSideClassifier failed: %v", err)
	}

	train, err := NewDataLoader(ds, DataLoaderConfig{BatchSize: 4, Shuffle: true, DropLast: true, Seed: 5})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	val, err := NewDataLoader(vds, DataLoaderConfig{BatchSize: 4})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}

	criterion, err := NewLoss("cross_entropy", fixtureClasses, nil, 0)
	if err != nil {
		t.Fatalf("NewLoss failed: %v", err)
	}
	estimator, err := NewMetricsEstimator("cross_entropy", fixtureClasses)
	if err != nil {
		t.Fatalf("NewMetricsEstimator failed: %v", err)
	}
	target, err := TargetDType("cross_entropy")
	if err != nil {
		t.Fatalf("TargetDType failed: %v", err)
	}

	return &fixture{
		model:     model,
		resolver:  &BatchResolver{Encoder: enc, Device: tensor.CPU, TargetType: target},
		train:     train,
		val:       val,
		criterion: criterion,
		estimator: estimator,
		dataset:   ds,
	}
}

func (f *fixture) groups(lr float64) []*optimizer.ParamGroup {
	var groups []*optimizer.ParamGroup
	for _, g := range f.model.ParameterGroups() {
		groups = append(groups, optimizer.NewParamGroup(g.Name, g.Params, lr))
	}
	return groups
}

func (f *fixture) optimizer(t *testing.T, kind string, lr float64) optimizer.Optimizer {
	t.Helper()
	opt, err := optimizer.New(kind, f.groups(lr), optimizer.DefaultConfig())
	if err != nil {
		t.Fatalf("optimizer.New(%s) failed: %v", kind, err)
	}
	return opt
}

// firstBatch resolves the first training batch
func (f *fixture) firstBatch(t *testing.T) *ModelInputs {
	t.Helper()
	f.train.SetEpoch(0)
	b, err := f.train.loadBatch(f.train.plan()[0])
	if err != nil {
		t.Fatalf("loadBatch failed: %v", err)
	}
	in, err := f.resolver.Resolve(b)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	return in
}

// pass returns a forward/backward Pass over in that counts its calls
func (f *fixture) pass(in *ModelInputs, calls *int) Pass {
	return func() (float64, *tensor.Tensor, error) {
		*calls++
		logits, err := f.model.Forward(in.Side, in.Key, in.Value)
		if err != nil {
			return 0, nil, err
		}
		loss, err := f.criterion.Forward(logits, in.Labels)
		if err != nil {
			return 0, nil, err
		}
		grad, err := f.criterion.Backward(logits, in.Labels)
		if err != nil {
			return 0, nil, err
		}
		return loss, logits, f.model.Backward(grad)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func paramsEqual(a, b []*layers.Parameter) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i].Data) != len(b[i].Data) {
			return false
		}
		for j := range a[i].Data {
			if a[i].Data[j] != b[i].Data[j] {
				return false
			}
		}
	}
	return true
}
