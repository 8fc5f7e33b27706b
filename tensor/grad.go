package tensor

import "sync/atomic"

var gradDisabled atomic.Bool

// IsGradEnabled reports whether layers should record activations for a backward pass
func IsGradEnabled() bool {
	return !gradDisabled.Load()
}

// SetGradEnabled sets gradient tracking and returns the previous setting
func SetGradEnabled(enabled bool) bool {
	return !gradDisabled.Swap(!enabled)
}

// NoGrad disables gradient tracking until the returned func is called.
//
//	defer tensor.NoGrad()()
func NoGrad() func() {
	prev := SetGradEnabled(false)
	return func() {
		SetGradEnabled(prev)
	}
}
