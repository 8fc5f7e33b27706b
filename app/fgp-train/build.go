package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tsawler/go-fgp/config"
	"github.com/tsawler/go-fgp/layers"
	"github.com/tsawler/go-fgp/models"
	"github.com/tsawler/go-fgp/optimizer"
	"github.com/tsawler/go-fgp/preload"
	"github.com/tsawler/go-fgp/tensor"
	"github.com/tsawler/go-fgp/training"
)

// runner holds everything one run needs after configuration is resolved
type runner struct {
	model          models.Classifier
	estimator      *training.MetricsEstimator
	components     training.Components
	trainingConfig training.TrainingConfig
	testLoader     *training.DataLoader
	saveDir        string
	store          *preload.Store
	logger         *slog.Logger
}

func (r *runner) close() {
	if r.store == nil {
		return
	}
	if err := r.store.Close(); err != nil {
		r.logger.Warn("failed to persist preload cache", "path", r.store.Root(), "error", err)
	}
}

type splits struct {
	train, val, test training.Dataset
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runner, error) {
	device, err := tensor.ParseDevice(cfg.Base.Device)
	if err != nil {
		return nil, err
	}
	format, err := cfg.Format()
	if err != nil {
		return nil, err
	}
	targetType, err := training.TargetDType(cfg.Train.Criterion)
	if err != nil {
		return nil, err
	}

	seed := cfg.Base.RandomSeed
	if seed >= 0 {
		layers.SetRandomSeed(seed)
	} else {
		seed = 0
	}

	r := &runner{saveDir: cfg.Dataset.SavePath, logger: logger}
	data, err := syntheticSplits(cfg, seed)
	if err != nil {
		return nil, err
	}
	encoder, err := models.NewProjectionEncoder(cfg.Dataset.InFeatures, cfg.Network.EncoderLayers,
		cfg.Network.Seq, cfg.Network.StateDim, seed+1)
	if err != nil {
		return nil, err
	}

	resolver := &training.BatchResolver{
		Encoder:     encoder,
		Interpolate: cfg.Network.InterpolatePosEncoding,
		Device:      device,
		TargetType:  targetType,
	}
	if cfg.Dataset.PreloadPath != "" {
		if r.store, err = preload.Open(cfg.Dataset.PreloadPath,
			preload.WithLogger(logger),
			preload.WithBuildBatchSize(cfg.Train.BatchSize),
			preload.WithInterpolatePosEncoding(cfg.Network.InterpolatePosEncoding)); err != nil {
			return nil, err
		}
		if data, err = preloadSplits(ctx, r.store, encoder, data); err != nil {
			r.close()
			return nil, err
		}
		resolver.Preloaded = true
	}
	printDatasetInfo(data)

	outFeatures := training.OutFeatures(cfg.Dataset.NumClasses, cfg.Train.Criterion)
	model, err := models.NewSideClassifier(models.SideClassifierConfig{
		SideFeatures: cfg.Dataset.SideFeatures,
		Hidden:       cfg.Network.Hidden,
		StateDim:     cfg.Network.StateDim,
		NumClasses:   outFeatures,
	})
	if err != nil {
		return nil, err
	}
	r.model = model

	criterion, lossWeights, err := buildLoss(cfg, data.train)
	if err != nil {
		return nil, err
	}
	if r.estimator, err = training.NewMetricsEstimator(cfg.Train.Criterion, cfg.Dataset.NumClasses); err != nil {
		return nil, err
	}

	loaders, err := buildLoaders(cfg, data, seed)
	if err != nil {
		return nil, err
	}
	r.testLoader = loaders[2]

	strategy, err := buildStrategy(cfg, model, loaders[0].Len())
	if err != nil {
		return nil, err
	}

	r.components = training.Components{
		Model:       model,
		Strategy:    strategy,
		Criterion:   criterion,
		Estimator:   r.estimator,
		Resolver:    resolver,
		TrainLoader: loaders[0],
		ValLoader:   loaders[1],
		Checkpoints: training.NewCheckpointManager(training.CheckpointConfig{
			SaveDirectory: cfg.Dataset.SavePath,
			SaveFrequency: cfg.Train.SaveInterval,
			Format:        format,
			RunID:         cfg.RunID,
		}),
		LossWeights: lossWeights,
	}
	r.trainingConfig = training.TrainingConfig{
		Epochs:          cfg.Train.Epochs,
		Regime:          cfg.Regime,
		Indicator:       cfg.Train.Indicator,
		Patience:        cfg.Train.EarlyStoppingPatience,
		EvalInterval:    cfg.Train.EvalInterval,
		ScoreDigits:     cfg.Train.ScoreDigits,
		BNUpdateBatches: cfg.Train.BNUpdateBatches,
		ResumePath:      cfg.Base.Checkpoint,
		ShowProgress:    cfg.Base.Progress,
		ModelName:       cfg.Network.Model,
		Plot:            true,
	}
	return r, nil
}

func syntheticSplits(cfg *config.Config, seed int64) (splits, error) {
	d := cfg.Dataset
	all, err := training.NewSyntheticDataset(d.Samples, d.InFeatures, d.SideFeatures, d.NumClasses, seed)
	if err != nil {
		return splits{}, err
	}
	parts, err := training.SplitDataset(all, seed, 1-d.ValSplit-d.TestSplit, d.ValSplit, d.TestSplit)
	if err != nil {
		return splits{}, err
	}
	for i, name := range []string{"train", "val", "test"} {
		if parts[i].Len() == 0 {
			return splits{}, fmt.Errorf("%s split is empty with %d samples; raise dataset.samples", name, d.Samples)
		}
	}
	return splits{train: parts[0], val: parts[1], test: parts[2]}, nil
}

// preloadSplits encodes any sample missing from the store and serves every split from it
func preloadSplits(ctx context.Context, store *preload.Store, encoder models.FrozenEncoder, raw splits) (splits, error) {
	var out splits
	for _, s := range []struct {
		name string
		raw  training.Dataset
		dst  *training.Dataset
	}{
		{"train", raw.train, &out.train},
		{"val", raw.val, &out.val},
		{"test", raw.test, &out.test},
	} {
		if _, err := store.Build(ctx, encoder, s.raw, s.name); err != nil {
			return splits{}, fmt.Errorf("failed to preload %s split: %w", s.name, err)
		}
		ds, err := preload.NewDataset(s.raw, store, s.name)
		if err != nil {
			return splits{}, err
		}
		*s.dst = ds
	}
	return out, nil
}

func printDatasetInfo(data splits) {
	printMsg(strings.Join([]string{
		"DATASET CONFIG",
		fmt.Sprintf("Number of training samples: %d", data.train.Len()),
		fmt.Sprintf("Number of validation samples: %d", data.val.Len()),
		fmt.Sprintf("Number of test samples: %d", data.test.Len()),
	}, "\n"), false)
}

// buildLoss creates the criterion and, for the balance and dynamic policies, the
// scheduler that re-weights it every epoch
func buildLoss(cfg *config.Config, train training.Dataset) (training.Loss, *training.LossWeightsScheduler, error) {
	lw := cfg.Train.LossWeight
	criterion, err := training.NewLoss(cfg.Train.Criterion, cfg.Dataset.NumClasses, lw.Weights, cfg.Train.LabelSmoothing)
	if err != nil {
		return nil, nil, err
	}
	if lw.Policy == "" {
		return criterion, nil, nil
	}

	decay := 1.0
	if lw.Policy == training.LossWeightDynamic {
		decay = cfg.Train.LossWeightDecayRate
	}
	targets, err := training.DatasetTargets(train)
	if err != nil {
		return nil, nil, err
	}
	sched, err := training.NewLossWeightsScheduler(targets, cfg.Dataset.NumClasses, decay)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build %s loss weights: %w", lw.Policy, err)
	}
	return criterion, sched, nil
}

func buildLoaders(cfg *config.Config, data splits, seed int64) ([]*training.DataLoader, error) {
	base := training.DataLoaderConfig{
		BatchSize:  cfg.Train.BatchSize,
		NumWorkers: cfg.Train.NumWorkers,
		PinMemory:  cfg.Train.PinMemory,
		Seed:       seed,
	}
	trainCfg := base
	trainCfg.Shuffle = true
	trainCfg.DropLast = data.train.Len() > cfg.Train.BatchSize

	var loaders []*training.DataLoader
	for i, c := range []struct {
		ds  training.Dataset
		cfg training.DataLoaderConfig
	}{
		{data.train, trainCfg},
		{data.val, base},
		{data.test, base},
	} {
		dl, err := training.NewDataLoader(c.ds, c.cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create loader %d: %w", i, err)
		}
		loaders = append(loaders, dl)
	}
	return loaders, nil
}

func paramGroups(cfg *config.Config, model models.Classifier) []*optimizer.ParamGroup {
	var groups []*optimizer.ParamGroup
	for _, g := range model.ParameterGroups() {
		lr := cfg.Solver.HeadLR
		if g.Name == models.GroupBackbone {
			lr = cfg.Solver.BackboneLR
		}
		groups = append(groups, optimizer.NewParamGroup(g.Name, g.Params, lr))
	}
	return groups
}

// buildStrategy creates the step strategy of the configured regime
func buildStrategy(cfg *config.Config, model models.Classifier, stepsPerEpoch int) (training.StepStrategy, error) {
	groups := paramGroups(cfg, model)
	oc := cfg.OptimizerConfig()
	t := cfg.Train

	switch cfg.Regime {
	case config.RegimeSWA:
		opt, err := optimizer.New(cfg.Solver.Optimizer, groups, oc)
		if err != nil {
			return nil, err
		}
		return training.NewStochasticWeightAveraging(opt, model, t.Epochs, stepsPerEpoch, training.SWAConfig{
			StartEpoch:   t.SWAStartEpoch,
			PctStart:     cfg.Solver.PctStart,
			SWALR:        cfg.Solver.SWALR,
			AnnealEpochs: cfg.Solver.SWAAnnealEpochs,
		}, training.DefaultMaxGradNorm)
	case config.RegimeSAM:
		base, err := optimizer.New(optimizer.KindAdamW, groups, oc)
		if err != nil {
			return nil, err
		}
		sam, err := optimizer.NewSAM(base, cfg.Solver.Rho, cfg.Solver.Adaptive)
		if err != nil {
			return nil, err
		}
		return training.NewSharpnessAware(sam, training.NewWarmupCosineScheduler(t.WarmupEpochs, t.Epochs),
			t.SAMStartEpoch, training.DefaultMaxGradNorm)
	default:
		opt, err := optimizer.New(cfg.Solver.Optimizer, groups, oc)
		if err != nil {
			return nil, err
		}
		return training.NewBaseline(opt, training.NewWarmupCosineScheduler(t.WarmupEpochs, t.Epochs),
			training.DefaultMaxGradNorm)
	}
}
