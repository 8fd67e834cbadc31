package transformer

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/masashi-y/instance-based-tagging/optimizations"
	"github.com/masashi-y/instance-based-tagging/utils"
)

const initRange = 0.02

// Linear is y = W x + b over columns.
type Linear struct {
	W *optimizations.Param // (out x in)
	B *optimizations.Param // (out x 1)
}

func newLinear(name string, out, in int, src rand.Source) *Linear {
	return &Linear{
		W: optimizations.NewParam(name+".weight", mat.NewDense(out, in, utils.NormalArray(out*in, initRange, src))),
		B: optimizations.NewParam(name+".bias", mat.NewDense(out, 1, nil)),
	}
}

func (l *Linear) Params() []*optimizations.Param { return []*optimizations.Param{l.W, l.B} }

func (l *Linear) Forward(X *mat.Dense) *mat.Dense {
	return utils.AddBias(utils.ToDense(utils.Dot(l.W.W, X)), l.B.W)
}

// Backward accumulates dW, db and returns dX for the input X of the forward call.
func (l *Linear) Backward(X, dY *mat.Dense) *mat.Dense {
	var dW mat.Dense
	dW.Mul(dY, X.T())
	l.W.G.Add(l.W.G, &dW)
	l.B.G.Add(l.B.G, utils.RowSums(dY))
	return utils.ToDense(utils.Dot(l.W.W.T(), dY))
}

// dropout zeroes entries with probability p and rescales survivors.
// A nil rng or p == 0 is the identity and returns a nil mask.
func dropout(X *mat.Dense, p float64, rng *rand.Rand) (*mat.Dense, *mat.Dense) {
	if rng == nil || p == 0 {
		return X, nil
	}
	r, c := X.Dims()
	mask := mat.NewDense(r, c, nil)
	keep := 1.0 / (1.0 - p)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if rng.Float64() >= p {
				mask.Set(i, j, keep)
			}
		}
	}
	return utils.ToDense(utils.Multiply(X, mask)), mask
}

func dropoutBackward(dY, mask *mat.Dense) *mat.Dense {
	if mask == nil {
		return dY
	}
	return utils.ToDense(utils.Multiply(dY, mask))
}
