package transformer

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/masashi-y/instance-based-tagging/optimizations"
	"github.com/masashi-y/instance-based-tagging/utils"
)

// Attention is bidirectional multi-head self-attention followed by the
// output projection, residual connection and LayerNorm.
type Attention struct {
	H      int
	DModel int
	DHead  int

	Query, Key, Value *Linear
	Output            *Linear
	Norm              *optimizations.LayerNorm
}

type attnTape struct {
	X       *mat.Dense
	Q, K, V *mat.Dense   // (dModel x T)
	A       []*mat.Dense // per head (T x T), rows are queries
	AD      []*mat.Dense // A after dropout
	ADMask  []*mat.Dense
	OCat    *mat.Dense
	OutMask *mat.Dense
	ln      *optimizations.LNCache
}

func newAttention(prefix string, cfg Config, src rand.Source) *Attention {
	d := cfg.Hidden
	return &Attention{
		H:      cfg.Heads,
		DModel: d,
		DHead:  d / cfg.Heads,
		Query:  newLinear(prefix+".self.query", d, d, src),
		Key:    newLinear(prefix+".self.key", d, d, src),
		Value:  newLinear(prefix+".self.value", d, d, src),
		Output: newLinear(prefix+".output.dense", d, d, src),
		Norm:   optimizations.NewLayerNorm(prefix+".output.LayerNorm", d, cfg.LNEps),
	}
}

func (attn *Attention) Params() []*optimizations.Param {
	var ps []*optimizations.Param
	for _, l := range []*Linear{attn.Query, attn.Key, attn.Value, attn.Output} {
		ps = append(ps, l.Params()...)
	}
	return append(ps, attn.Norm.Params()...)
}

func (attn *Attention) head(m *mat.Dense, h, T int) *mat.Dense {
	base := h * attn.DHead
	return m.Slice(base, base+attn.DHead, 0, T).(*mat.Dense)
}

// Forward maps X (dModel x T) to the block output. keyMask is the additive
// padding mask over key positions.
func (attn *Attention) Forward(X *mat.Dense, keyMask []float64, p float64, rng *rand.Rand) (*mat.Dense, *attnTape) {
	_, T := X.Dims()
	tp := &attnTape{
		X:      X,
		Q:      attn.Query.Forward(X),
		K:      attn.Key.Forward(X),
		V:      attn.Value.Forward(X),
		A:      make([]*mat.Dense, attn.H),
		AD:     make([]*mat.Dense, attn.H),
		ADMask: make([]*mat.Dense, attn.H),
		OCat:   mat.NewDense(attn.DModel, T, nil),
	}
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))
	for h := 0; h < attn.H; h++ {
		// S = (Q^T K)/sqrt(dHead)
		var scores mat.Dense
		scores.Mul(attn.head(tp.Q, h, T).T(), attn.head(tp.K, h, T))
		scores.Scale(rescale, &scores)
		a := mat.NewDense(T, T, nil)
		utils.RowSoftmaxMaskedInPlace(a, &scores, keyMask)
		tp.A[h] = a
		tp.AD[h], tp.ADMask[h] = dropout(a, p, rng)
		// O = V * A^T
		attn.head(tp.OCat, h, T).Mul(attn.head(tp.V, h, T), tp.AD[h].T())
	}
	proj := attn.Output.Forward(tp.OCat)
	proj, tp.OutMask = dropout(proj, p, rng)
	var res mat.Dense
	res.Add(proj, X)
	out, lnc := attn.Norm.Forward(&res)
	tp.ln = lnc
	return out, tp
}

// Backward accumulates parameter gradients and returns dX.
func (attn *Attention) Backward(tp *attnTape, dY *mat.Dense) *mat.Dense {
	if tp == nil {
		panic(fmt.Sprintf("attention backward without tape (H=%d)", attn.H))
	}
	_, T := tp.X.Dims()
	dRes := attn.Norm.Backward(tp.ln, dY)
	dProj := dropoutBackward(dRes, tp.OutMask)
	dOCat := attn.Output.Backward(tp.OCat, dProj)

	dQ := mat.NewDense(attn.DModel, T, nil)
	dK := mat.NewDense(attn.DModel, T, nil)
	dV := mat.NewDense(attn.DModel, T, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))
	for h := 0; h < attn.H; h++ {
		dO := attn.head(dOCat, h, T)
		// O = V AD^T
		attn.head(dV, h, T).Mul(dO, tp.AD[h])
		var dAD mat.Dense
		dAD.Mul(dO.T(), attn.head(tp.V, h, T))
		dA := dropoutBackward(&dAD, tp.ADMask[h])
		dS := utils.SoftmaxBackward(dA, tp.A[h])
		dS.Scale(rescale, dS)
		// S = Q^T K
		attn.head(dQ, h, T).Mul(attn.head(tp.K, h, T), dS.T())
		attn.head(dK, h, T).Mul(attn.head(tp.Q, h, T), dS)
	}

	dX := mat.DenseCopyOf(dRes)
	dX.Add(dX, attn.Query.Backward(tp.X, dQ))
	dX.Add(dX, attn.Key.Backward(tp.X, dK))
	dX.Add(dX, attn.Value.Backward(tp.X, dV))
	return dX
}
