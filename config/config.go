// Package config holds the run configuration: YAML loading, defaults,
// validation and the cfg.yaml snapshot written next to the run outputs.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-fgp/checkpoints"
	"github.com/tsawler/go-fgp/optimizer"
	"github.com/tsawler/go-fgp/tensor"
	"github.com/tsawler/go-fgp/training"
)

// SnapshotFile is the resolved configuration written into the save directory
const SnapshotFile = "cfg.yaml"

// Training regimes
const (
	RegimeSWA      = "A"
	RegimeSAM      = "B"
	RegimeBaseline = "C"
)

// ModelSideClassifier is the only network the CLI can build
const ModelSideClassifier = "side_classifier"

// Config is the resolved configuration of one run
type Config struct {
	RunID   string  `yaml:"run_id,omitempty"`
	Regime  string  `yaml:"regime"`
	Base    Base    `yaml:"base"`
	Dataset Dataset `yaml:"dataset"`
	Network Network `yaml:"network"`
	Train   Train   `yaml:"train"`
	Solver  Solver  `yaml:"solver"`
}

// Base holds run-wide settings
type Base struct {
	Device           string `yaml:"device"`
	RandomSeed       int64  `yaml:"random_seed"` // negative leaves randomness unseeded
	Overwrite        bool   `yaml:"overwrite"`
	Progress         bool   `yaml:"progress"`
	Checkpoint       string `yaml:"checkpoint"` // resume path, empty starts fresh
	CheckpointFormat string `yaml:"checkpoint_format"`
	PlotServiceURL   string `yaml:"plot_service_url"` // sidecar dashboard, empty keeps plots local
}

// Dataset describes the data and where outputs go
type Dataset struct {
	NumClasses  int    `yaml:"num_classes"`
	SavePath    string `yaml:"save_path"`
	PreloadPath string `yaml:"preload_path"` // empty runs the frozen encoder every step

	// synthetic data used by the CLI
	Samples      int     `yaml:"samples"`
	InFeatures   int     `yaml:"in_features"`
	SideFeatures int     `yaml:"side_features"`
	ValSplit     float64 `yaml:"val_split"`
	TestSplit    float64 `yaml:"test_split"`
}

// Network sizes the reference encoder and classifier
type Network struct {
	Model                  string `yaml:"model"`
	Hidden                 int    `yaml:"hidden"`
	EncoderLayers          int    `yaml:"encoder_layers"`
	Seq                    int    `yaml:"seq"`
	StateDim               int    `yaml:"state_dim"`
	InterpolatePosEncoding bool   `yaml:"interpolate_pos_encoding"`
}

// Train holds the epoch loop settings
type Train struct {
	Epochs                int        `yaml:"epochs"`
	BatchSize             int        `yaml:"batch_size"`
	NumWorkers            int        `yaml:"num_workers"`
	PinMemory             bool       `yaml:"pin_memory"`
	Criterion             string     `yaml:"criterion"`
	LossWeight            LossWeight `yaml:"loss_weight"`
	LossWeightDecayRate   float64    `yaml:"loss_weight_decay_rate"`
	LabelSmoothing        float64    `yaml:"label_smoothing"`
	Metrics               []string   `yaml:"metrics"`
	Indicator             string     `yaml:"indicator"`
	EarlyStoppingPatience int        `yaml:"early_stopping_patience"` // 0 disables early stopping
	EvalInterval          int        `yaml:"eval_interval"`
	SaveInterval          int        `yaml:"save_interval"`
	WarmupEpochs          int        `yaml:"warmup_epochs"`
	SWAStartEpoch         int        `yaml:"swa_start_epoch"`
	SAMStartEpoch         int        `yaml:"sam_start_epoch"`
	BNUpdateBatches       int        `yaml:"bn_update_batches"`
	ScoreDigits           int        `yaml:"score_digits"`
}

// Solver holds the optimizer hyperparameters
type Solver struct {
	Optimizer       string    `yaml:"optimizer"`
	BackboneLR      float64   `yaml:"backbone_lr"`
	HeadLR          float64   `yaml:"head_lr"`
	Momentum        float64   `yaml:"momentum"`
	Nesterov        bool      `yaml:"nesterov"`
	Betas           []float64 `yaml:"betas"`
	WeightDecay     float64   `yaml:"weight_decay"`
	Rho             float64   `yaml:"rho"`
	Adaptive        bool      `yaml:"adaptive"`
	SWALR           float64   `yaml:"swa_lr"`
	SWAAnnealEpochs int       `yaml:"swa_anneal_epochs"`
	PctStart        float64   `yaml:"pct_start"`
}

// LossWeight is the cross-entropy class weight policy: a named policy
// (balance or dynamic), an explicit weight per class, or neither.
type LossWeight struct {
	Policy  string
	Weights []float32
}

// IsZero reports whether no weighting is configured
func (lw LossWeight) IsZero() bool {
	return lw.Policy == "" && lw.Weights == nil
}

// UnmarshalYAML accepts a policy name, null, or a list of numbers
func (lw *LossWeight) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*lw = LossWeight{}
			return nil
		}
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		switch strings.ToLower(s) {
		case "", "none":
			*lw = LossWeight{}
		case training.LossWeightBalance, training.LossWeightDynamic:
			*lw = LossWeight{Policy: strings.ToLower(s)}
		default:
			return fmt.Errorf("line %d: unknown loss_weight policy %q (expected %s, %s or a list of weights)",
				node.Line, s, training.LossWeightBalance, training.LossWeightDynamic)
		}
		return nil
	case yaml.SequenceNode:
		var w []float32
		if err := node.Decode(&w); err != nil {
			return fmt.Errorf("line %d: loss_weight list: %w", node.Line, err)
		}
		*lw = LossWeight{Weights: w}
		return nil
	default:
		return fmt.Errorf("line %d: loss_weight must be a policy name or a list of weights", node.Line)
	}
}

// MarshalYAML writes the policy name, the weight list, or null
func (lw LossWeight) MarshalYAML() (interface{}, error) {
	switch {
	case lw.Weights != nil:
		return lw.Weights, nil
	case lw.Policy != "":
		return lw.Policy, nil
	default:
		return nil, nil
	}
}

// Default returns the configuration used when a field is not set
func Default() *Config {
	return &Config{
		Regime: RegimeBaseline,
		Base: Base{
			Device:           "cpu",
			RandomSeed:       0,
			Progress:         true,
			CheckpointFormat: "proto",
		},
		Dataset: Dataset{
			NumClasses:   2,
			SavePath:     "./runs/fgp",
			Samples:      256,
			InFeatures:   32,
			SideFeatures: 16,
			ValSplit:     0.15,
			TestSplit:    0.15,
		},
		Network: Network{
			Model:         ModelSideClassifier,
			Hidden:        32,
			EncoderLayers: 4,
			Seq:           8,
			StateDim:      16,
		},
		Train: Train{
			Epochs:                20,
			BatchSize:             16,
			Criterion:             training.CriterionCrossEntropy,
			LossWeightDecayRate:   0.9,
			Metrics:               []string{training.ScoreAccuracy, training.ScoreKappa},
			Indicator:             training.ScoreKappa,
			EarlyStoppingPatience: 10,
			EvalInterval:          1,
			SaveInterval:          1,
			WarmupEpochs:          2,
			SWAStartEpoch:         15,
			SAMStartEpoch:         0,
			BNUpdateBatches:       training.DefaultBNUpdateBatches,
			ScoreDigits:           4,
		},
		Solver: Solver{
			Optimizer:       optimizer.KindAdamW,
			BackboneLR:      1e-4,
			HeadLR:          1e-3,
			Momentum:        0.9,
			Betas:           []float64{0.9, 0.999},
			WeightDecay:     5e-4,
			Rho:             0.05,
			Adaptive:        true,
			SWALR:           5e-5,
			SWAAnnealEpochs: 10,
			PctStart:        0.1,
		},
	}
}

// Load reads path over Default and validates the result. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := Default()
	// a list in the file replaces the default list instead of merging into it
	cfg.Train.Metrics = nil
	cfg.Solver.Betas = nil

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	def := Default()
	if cfg.Train.Metrics == nil {
		cfg.Train.Metrics = def.Train.Metrics
	}
	if cfg.Solver.Betas == nil {
		cfg.Solver.Betas = def.Solver.Betas
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as YAML
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate fails on unknown names and out-of-range values before any epoch runs.
// It normalizes the regime letter to upper case.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	c.Regime = strings.ToUpper(c.Regime)
	check(slices.Contains([]string{RegimeSWA, RegimeSAM, RegimeBaseline}, c.Regime),
		"unknown regime %q (expected A, B or C)", c.Regime)
	if _, err := tensor.ParseDevice(c.Base.Device); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Format(); err != nil {
		errs = append(errs, err)
	}
	if _, err := training.TargetDType(c.Train.Criterion); err != nil {
		errs = append(errs, err)
	}
	if !optimizer.Supported(c.Solver.Optimizer) {
		errs = append(errs, fmt.Errorf("%w: %q", optimizer.ErrUnsupportedOptimizer, c.Solver.Optimizer))
	}

	check(slices.Contains(training.Indicators(), c.Train.Indicator),
		"unknown indicator %q (expected one of %s)", c.Train.Indicator, strings.Join(training.Indicators(), ", "))
	for _, m := range c.Train.Metrics {
		check(slices.Contains(training.Indicators(), m), "unknown metric %q", m)
	}
	if len(c.Train.Metrics) > 0 {
		check(slices.Contains(c.Train.Metrics, c.Train.Indicator),
			"indicator %q is not among the configured metrics %v", c.Train.Indicator, c.Train.Metrics)
	}

	check(c.Dataset.NumClasses >= 2, "num_classes must be at least 2, got %d", c.Dataset.NumClasses)
	check(c.Dataset.SavePath != "", "save_path is required")
	check(c.Train.Epochs > 0, "epochs must be positive, got %d", c.Train.Epochs)
	check(c.Train.BatchSize > 0, "batch_size must be positive, got %d", c.Train.BatchSize)
	check(c.Train.EvalInterval > 0, "eval_interval must be positive, got %d", c.Train.EvalInterval)
	check(c.Train.SaveInterval > 0, "save_interval must be positive, got %d", c.Train.SaveInterval)
	check(c.Train.NumWorkers >= 0, "num_workers cannot be negative, got %d", c.Train.NumWorkers)
	check(c.Train.EarlyStoppingPatience >= 0, "early_stopping_patience cannot be negative, got %d", c.Train.EarlyStoppingPatience)
	check(c.Train.WarmupEpochs >= 0 && c.Train.WarmupEpochs <= c.Train.Epochs,
		"warmup_epochs must be in [0, epochs], got %d", c.Train.WarmupEpochs)
	check(c.Train.SWAStartEpoch >= 0, "swa_start_epoch cannot be negative, got %d", c.Train.SWAStartEpoch)
	check(c.Train.SAMStartEpoch >= 0, "sam_start_epoch cannot be negative, got %d", c.Train.SAMStartEpoch)
	check(c.Train.LabelSmoothing >= 0 && c.Train.LabelSmoothing < 1,
		"label_smoothing must be in [0, 1), got %f", c.Train.LabelSmoothing)

	lw := c.Train.LossWeight
	if !lw.IsZero() {
		check(c.Train.Criterion == training.CriterionCrossEntropy,
			"loss_weight is only supported by %s, not %s", training.CriterionCrossEntropy, c.Train.Criterion)
	}
	if lw.Weights != nil {
		check(len(lw.Weights) == c.Dataset.NumClasses,
			"loss_weight has %d entries for %d classes", len(lw.Weights), c.Dataset.NumClasses)
	}
	if lw.Policy == training.LossWeightDynamic {
		check(c.Train.LossWeightDecayRate >= 0 && c.Train.LossWeightDecayRate <= 1,
			"loss_weight_decay_rate must be in [0, 1], got %f", c.Train.LossWeightDecayRate)
	}

	check(c.Solver.BackboneLR > 0 && c.Solver.HeadLR > 0,
		"learning rates must be positive, got backbone_lr=%g head_lr=%g", c.Solver.BackboneLR, c.Solver.HeadLR)
	check(len(c.Solver.Betas) == 2, "betas must have two entries, got %v", c.Solver.Betas)
	check(c.Solver.WeightDecay >= 0, "weight_decay cannot be negative, got %g", c.Solver.WeightDecay)
	if c.Regime == RegimeSAM {
		check(c.Solver.Rho > 0, "rho must be positive, got %g", c.Solver.Rho)
	}
	if c.Regime == RegimeSWA {
		check(c.Solver.PctStart > 0 && c.Solver.PctStart < 1, "pct_start must be in (0, 1), got %g", c.Solver.PctStart)
		check(c.Solver.SWALR >= 0, "swa_lr cannot be negative, got %g", c.Solver.SWALR)
		check(c.Solver.SWAAnnealEpochs >= 0, "swa_anneal_epochs cannot be negative, got %d", c.Solver.SWAAnnealEpochs)
	}

	n := c.Network
	check(n.Model == ModelSideClassifier, "unknown network model %q (expected %s)", n.Model, ModelSideClassifier)
	check(n.Hidden > 0 && n.EncoderLayers > 0 && n.Seq > 0 && n.StateDim > 0,
		"network sizes must be positive: %+v", n)
	d := c.Dataset
	check(d.InFeatures > 0 && d.SideFeatures > 0, "in_features and side_features must be positive")
	check(d.ValSplit >= 0 && d.TestSplit >= 0 && d.ValSplit+d.TestSplit < 1,
		"val_split and test_split must leave training samples, got %g and %g", d.ValSplit, d.TestSplit)

	return errors.Join(errs...)
}

// Format returns the checkpoint format named by base.checkpoint_format
func (c *Config) Format() (checkpoints.CheckpointFormat, error) {
	switch strings.ToLower(c.Base.CheckpointFormat) {
	case "", "proto", "pt":
		return checkpoints.FormatProto, nil
	case "json":
		return checkpoints.FormatJSON, nil
	default:
		return checkpoints.FormatProto, fmt.Errorf("unknown checkpoint_format %q (expected proto or json)", c.Base.CheckpointFormat)
	}
}

// OptimizerConfig converts the solver section for optimizer.New
func (c *Config) OptimizerConfig() optimizer.Config {
	oc := optimizer.DefaultConfig()
	oc.Momentum = c.Solver.Momentum
	oc.Nesterov = c.Solver.Nesterov
	oc.WeightDecay = c.Solver.WeightDecay
	if len(c.Solver.Betas) == 2 {
		oc.Beta1, oc.Beta2 = c.Solver.Betas[0], c.Solver.Betas[1]
	}
	return oc
}

// PrepareSaveDir creates the save directory and writes the cfg.yaml snapshot.
// An existing directory is reused when base.overwrite is set; otherwise the
// first free <save_path>_N is taken and written back into the config.
// The returned message is non-empty when the save path changed or is overwritten.
func PrepareSaveDir(c *Config) (string, error) {
	path := c.Dataset.SavePath
	var notice string
	if _, err := os.Stat(path); err == nil {
		if c.Base.Overwrite {
			notice = fmt.Sprintf("Save path %s exists and will be overwritten.", path)
		} else {
			next, err := freePath(path)
			if err != nil {
				return "", err
			}
			notice = fmt.Sprintf("Save path %s exists. New save path is set to be %s.", path, next)
			c.Dataset.SavePath = next
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to check save path: %w", err)
	}

	if err := os.MkdirAll(c.Dataset.SavePath, 0755); err != nil {
		return "", fmt.Errorf("failed to create save directory: %w", err)
	}
	if err := c.Save(filepath.Join(c.Dataset.SavePath, SnapshotFile)); err != nil {
		return "", err
	}
	return notice, nil
}

func freePath(path string) (string, error) {
	for i := 1; ; i++ {
		next := fmt.Sprintf("%s_%d", path, i)
		_, err := os.Stat(next)
		if errors.Is(err, fs.ErrNotExist) {
			return next, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to check save path: %w", err)
		}
	}
}
