package utils

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// NormalArray draws size values from N(0, sigma^2) using src.
func NormalArray(size int, sigma float64, src rand.Source) []float64 {
	dist := distuv.Normal{Mu: 0, Sigma: sigma, Src: src}
	out := make([]float64, size)
	for i := range out {
		out[i] = dist.Rand()
	}
	return out
}

// Helper functions

func ToDense(m mat.Matrix) *mat.Dense {
	if d, ok := m.(*mat.Dense); ok {
		return d
	}
	return mat.DenseCopyOf(m)
}

func ZerosLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	return mat.NewDense(r, c, nil)
}

func OnesLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, 1)
		}
	}
	return out
}

// RowSums returns per-row sums as an (r x 1) column; used for bias gradients.
func RowSums(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, 1, nil)
	for i := 0; i < r; i++ {
		sum := 0.0
		for j := 0; j < c; j++ {
			sum += m.At(i, j)
		}
		out.Set(i, 0, sum)
	}
	return out
}

// MatrixNorm is the Frobenius norm of m.
func MatrixNorm(m *mat.Dense) float64 {
	return mat.Norm(m, 2)
}

// ClipGrads scales all grads so their combined norm <= maxNorm.
// Returns the total norm before clipping.
func ClipGrads(maxNorm float64, grads ...*mat.Dense) float64 {
	sum := 0.0
	for _, g := range grads {
		if g == nil {
			continue
		}
		n := MatrixNorm(g)
		sum += n * n
	}
	gn := math.Sqrt(sum)
	if maxNorm <= 0 || gn <= maxNorm || gn == 0 {
		return gn
	}
	s := maxNorm / (gn + 1e-6)
	for _, g := range grads {
		if g != nil {
			g.Scale(s, g)
		}
	}
	return gn
}
