package attribution

import "math"

// LassoConfig tunes the coordinate-descent solver.
type LassoConfig struct {
	Lambda  float64 // L1 regularization strength.
	Tol     float64 // Convergence threshold on sum(|delta w|). Default 1e-6.
	MaxIter int     // Iteration cap. Default 1000.
}

func (c LassoConfig) withDefaults() LassoConfig {
	if c.Tol <= 0 {
		c.Tol = 1e-6
	}
	if c.MaxIter <= 0 {
		c.MaxIter = 1000
	}
	return c
}

// Lasso minimizes ||y - Zw||^2 + lambda*||w||_1 by cyclic coordinate descent
// with soft-thresholding. When a column has zero energy its weight is pinned
// to zero; an all-zero design matrix yields zero weights, not an error.
func Lasso(z [][]float64, y []float64, cfg LassoConfig) []float64 {
	cfg = cfg.withDefaults()
	n := len(z)
	if n == 0 {
		return nil
	}
	k := len(z[0])
	w := make([]float64, k)
	if k == 0 {
		return w
	}

	// Column energies.
	zz := make([]float64, k)
	for j := 0; j < k; j++ {
		for i := 0; i < n; i++ {
			zz[j] += z[i][j] * z[i][j]
		}
	}

	// Residuals r_i = y_i - z_i . w, maintained incrementally.
	r := make([]float64, n)
	copy(r, y)

	threshold := cfg.Lambda * float64(n)
	for iter := 0; iter < cfg.MaxIter; iter++ {
		var totalDelta float64
		for j := 0; j < k; j++ {
			if zz[j] == 0 {
				w[j] = 0
				continue
			}
			// rho_j = z_j . (r + z_j * w_j): the partial residual correlation
			// with coordinate j removed.
			var rho float64
			for i := 0; i < n; i++ {
				rho += z[i][j] * (r[i] + z[i][j]*w[j])
			}
			next := softThreshold(rho, threshold) / zz[j]
			if next != w[j] {
				delta := next - w[j]
				for i := 0; i < n; i++ {
					r[i] -= z[i][j] * delta
				}
				totalDelta += math.Abs(delta)
				w[j] = next
			}
		}
		if totalDelta < cfg.Tol {
			break
		}
	}
	return w
}

// softThreshold is sign(rho) * max(|rho| - t, 0).
func softThreshold(rho, t float64) float64 {
	switch {
	case rho > t:
		return rho - t
	case rho < -t:
		return rho + t
	default:
		return 0
	}
}
