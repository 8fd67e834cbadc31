package transformer

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/masashi-y/instance-based-tagging/optimizations"
	"github.com/masashi-y/instance-based-tagging/utils"
)

// Embeddings sums word and position vectors, then applies LayerNorm.
// Both tables hold one column per entry.
type Embeddings struct {
	Word     *optimizations.Param // (H x V)
	Position *optimizations.Param // (H x P)
	Norm     *optimizations.LayerNorm
}

type embTape struct {
	ids     []int
	ln      *optimizations.LNCache
	outMask *mat.Dense
}

func newEmbeddings(cfg Config, src rand.Source) *Embeddings {
	h := cfg.Hidden
	return &Embeddings{
		Word: optimizations.NewParam("embeddings.word_embeddings.weight",
			mat.NewDense(h, cfg.Vocab, utils.NormalArray(h*cfg.Vocab, initRange, src))),
		Position: optimizations.NewParam("embeddings.position_embeddings.weight",
			mat.NewDense(h, cfg.MaxPositions, utils.NormalArray(h*cfg.MaxPositions, initRange, src))),
		Norm: optimizations.NewLayerNorm("embeddings.LayerNorm", h, cfg.LNEps),
	}
}

func (e *Embeddings) Params() []*optimizations.Param {
	return append([]*optimizations.Param{e.Word, e.Position}, e.Norm.Params()...)
}

func (e *Embeddings) Forward(ids []int, p float64, rng *rand.Rand) (*mat.Dense, *embTape) {
	h, _ := e.Word.W.Dims()
	X := mat.NewDense(h, len(ids), nil)
	for t, id := range ids {
		for i := 0; i < h; i++ {
			X.Set(i, t, e.Word.W.At(i, id)+e.Position.W.At(i, t))
		}
	}
	out, lnc := e.Norm.Forward(X)
	tp := &embTape{ids: ids, ln: lnc}
	out, tp.outMask = dropout(out, p, rng)
	return out, tp
}

func (e *Embeddings) Backward(tp *embTape, dY *mat.Dense) {
	dX := e.Norm.Backward(tp.ln, dropoutBackward(dY, tp.outMask))
	h, _ := dX.Dims()
	for t, id := range tp.ids {
		for i := 0; i < h; i++ {
			g := dX.At(i, t)
			e.Word.G.Set(i, id, e.Word.G.At(i, id)+g)
			e.Position.G.Set(i, t, e.Position.G.At(i, t)+g)
		}
	}
}
