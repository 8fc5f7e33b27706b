package optimizer

import (
	"math"

	"github.com/tsawler/go-fgp/layers"
	"gonum.org/v1/gonum/blas/blas32"
)

// GradNorm returns the global L2 norm of the gradients of all trainable parameters
func GradNorm(params []*layers.Parameter) float64 {
	var sumSq float64
	for _, p := range params {
		if !p.RequiresGrad || len(p.Grad) == 0 {
			continue
		}
		n := float64(blas32.Nrm2(vec(p.Grad)))
		sumSq += n * n
	}
	return math.Sqrt(sumSq)
}

// ClipGradNorm rescales all gradients in place so their global L2 norm is at most maxNorm.
// It returns the norm measured before clipping. Non-finite norms are not masked.
func ClipGradNorm(params []*layers.Parameter, maxNorm float64) float64 {
	total := GradNorm(params)
	coef := maxNorm / (total + 1e-6)
	if coef >= 1 {
		return total
	}
	for _, p := range params {
		if !p.RequiresGrad || len(p.Grad) == 0 {
			continue
		}
		blas32.Scal(float32(coef), vec(p.Grad))
	}
	return total
}
