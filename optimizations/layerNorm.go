package optimizations

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/masashi-y/instance-based-tagging/utils"
)

// LayerNorm normalises each column (one position) over the hidden dimension.
type LayerNorm struct {
	D     int
	Eps   float64
	Gamma *Param // (d x 1)
	Beta  *Param // (d x 1)
}

// LNCache keeps what Backward needs for one forward call.
type LNCache struct {
	Xhat   *mat.Dense // (d x T)
	InvStd []float64  // per column
}

// NewLayerNorm registers "<prefix>.weight" and "<prefix>.bias".
func NewLayerNorm(prefix string, d int, eps float64) *LayerNorm {
	g := utils.OnesLike(mat.NewDense(d, 1, nil))
	b := mat.NewDense(d, 1, nil)
	return &LayerNorm{
		D:     d,
		Eps:   eps,
		Gamma: NewParam(prefix+".weight", g),
		Beta:  NewParam(prefix+".bias", b),
	}
}

func (ln *LayerNorm) Params() []*Param { return []*Param{ln.Gamma, ln.Beta} }

func (ln *LayerNorm) Forward(X *mat.Dense) (*mat.Dense, *LNCache) {
	d, T := X.Dims()
	out := mat.NewDense(d, T, nil)
	xhat := mat.NewDense(d, T, nil)
	inv := make([]float64, T)
	gamma, beta := ln.Gamma.W, ln.Beta.W
	for t := 0; t < T; t++ {
		// mean over rows
		mu := 0.0
		for i := 0; i < d; i++ {
			mu += X.At(i, t)
		}
		mu /= float64(d)
		// variance
		var v float64
		for i := 0; i < d; i++ {
			diff := X.At(i, t) - mu
			v += diff * diff
		}
		v /= float64(d)
		istd := 1.0 / math.Sqrt(v+ln.Eps)
		inv[t] = istd
		// normalize and affine
		for i := 0; i < d; i++ {
			n := (X.At(i, t) - mu) * istd
			xhat.Set(i, t, n)
			out.Set(i, t, gamma.At(i, 0)*n+beta.At(i, 0))
		}
	}
	return out, &LNCache{Xhat: xhat, InvStd: inv}
}

// Backward accumulates dGamma/dBeta into the parameter gradients and returns dX.
func (ln *LayerNorm) Backward(c *LNCache, dY *mat.Dense) *mat.Dense {
	d, T := dY.Dims()
	gamma := ln.Gamma.W
	for i := 0; i < d; i++ {
		sumDG := 0.0
		sumDB := 0.0
		for t := 0; t < T; t++ {
			sumDG += dY.At(i, t) * c.Xhat.At(i, t)
			sumDB += dY.At(i, t)
		}
		ln.Gamma.G.Set(i, 0, ln.Gamma.G.At(i, 0)+sumDG)
		ln.Beta.G.Set(i, 0, ln.Beta.G.At(i, 0)+sumDB)
	}

	// dX (per column)
	dX := mat.NewDense(d, T, nil)
	for t := 0; t < T; t++ {
		istd := c.InvStd[t]
		sum1 := 0.0
		sum2 := 0.0
		for i := 0; i < d; i++ {
			gy := dY.At(i, t) * gamma.At(i, 0)
			sum1 += gy
			sum2 += gy * c.Xhat.At(i, t)
		}
		for i := 0; i < d; i++ {
			gy := dY.At(i, t) * gamma.At(i, 0)
			dxi := (float64(d)*gy - sum1 - c.Xhat.At(i, t)*sum2) * (istd / float64(d))
			dX.Set(i, t, dxi)
		}
	}
	return dX
}
