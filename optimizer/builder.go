package optimizer

import (
	"fmt"
	"strings"
)

// Config collects the hyperparameters of every supported optimizer kind
type Config struct {
	Momentum    float64
	Nesterov    bool
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
}

// DefaultConfig returns torch-compatible defaults
func DefaultConfig() Config {
	adam := DefaultAdamConfig()
	return Config{
		Beta1:   adam.Beta1,
		Beta2:   adam.Beta2,
		Epsilon: adam.Epsilon,
	}
}

// Supported optimizer names
const (
	KindSGD   = "SGD"
	KindAdam  = "ADAM"
	KindAdamW = "ADAMW"
)

// New builds an optimizer by name. Names are case-insensitive; unknown names fail with ErrUnsupportedOptimizer.
func New(kind string, groups []*ParamGroup, cfg Config) (Optimizer, error) {
	var (
		opt Optimizer
		err error
	)
	switch strings.ToUpper(kind) {
	case KindSGD:
		opt, err = NewSGD(groups, SGDConfig{
			Momentum:    cfg.Momentum,
			WeightDecay: cfg.WeightDecay,
			Nesterov:    cfg.Nesterov,
		})
	case KindAdam:
		opt, err = NewAdam(groups, adamConfig(cfg))
	case KindAdamW:
		opt, err = NewAdamW(groups, adamConfig(cfg))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedOptimizer, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s optimizer: %w", strings.ToUpper(kind), err)
	}
	return opt, nil
}

// Supported reports whether New accepts kind
func Supported(kind string) bool {
	switch strings.ToUpper(kind) {
	case KindSGD, KindAdam, KindAdamW:
		return true
	}
	return false
}

func adamConfig(cfg Config) AdamConfig {
	return AdamConfig{
		Beta1:       cfg.Beta1,
		Beta2:       cfg.Beta2,
		Epsilon:     cfg.Epsilon,
		WeightDecay: cfg.WeightDecay,
	}
}
