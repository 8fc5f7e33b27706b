package optimizer

// DefaultAdamWConfig returns default AdamW configuration
func DefaultAdamWConfig() AdamConfig {
	cfg := DefaultAdamConfig()
	cfg.WeightDecay = 0.01
	return cfg
}

// NewAdamW creates an Adam optimizer with decoupled weight decay:
// parameters shrink by lr*weight_decay before the Adam update.
func NewAdamW(groups []*ParamGroup, config AdamConfig) (*Adam, error) {
	return newAdam(groups, config, true)
}
