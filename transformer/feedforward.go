package transformer

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/masashi-y/instance-based-tagging/optimizations"
	"github.com/masashi-y/instance-based-tagging/utils"
)

// FeedForward is intermediate dense + GELU, output dense, residual and LayerNorm.
type FeedForward struct {
	Intermediate *Linear
	Output       *Linear
	Norm         *optimizations.LayerNorm
}

type ffTape struct {
	X       *mat.Dense
	preAct  *mat.Dense
	act     *mat.Dense
	outMask *mat.Dense
	ln      *optimizations.LNCache
}

func newFeedForward(prefix string, cfg Config, src rand.Source) *FeedForward {
	return &FeedForward{
		Intermediate: newLinear(prefix+".intermediate.dense", cfg.FF, cfg.Hidden, src),
		Output:       newLinear(prefix+".output.dense", cfg.Hidden, cfg.FF, src),
		Norm:         optimizations.NewLayerNorm(prefix+".output.LayerNorm", cfg.Hidden, cfg.LNEps),
	}
}

func (ff *FeedForward) Params() []*optimizations.Param {
	ps := append(ff.Intermediate.Params(), ff.Output.Params()...)
	return append(ps, ff.Norm.Params()...)
}

func (ff *FeedForward) Forward(X *mat.Dense, p float64, rng *rand.Rand) (*mat.Dense, *ffTape) {
	tp := &ffTape{X: X}
	tp.preAct = ff.Intermediate.Forward(X)
	tp.act = utils.Apply(utils.GeluApply, tp.preAct).(*mat.Dense)
	out := ff.Output.Forward(tp.act)
	out, tp.outMask = dropout(out, p, rng)
	var res mat.Dense
	res.Add(out, X)
	y, lnc := ff.Norm.Forward(&res)
	tp.ln = lnc
	return y, tp
}

func (ff *FeedForward) Backward(tp *ffTape, dY *mat.Dense) *mat.Dense {
	dRes := ff.Norm.Backward(tp.ln, dY)
	dOut := dropoutBackward(dRes, tp.outMask)
	dAct := ff.Output.Backward(tp.act, dOut)
	dPre := utils.Multiply(dAct, utils.GeluPrime(tp.preAct)).(*mat.Dense)
	dX := mat.DenseCopyOf(dRes)
	dX.Add(dX, ff.Intermediate.Backward(tp.X, dPre))
	return dX
}
