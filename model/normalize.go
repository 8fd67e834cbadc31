package model

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const normEps = 1e-12

// Normalize L2-normalises every row of every matrix, dividing by
// max(norm, 1e-12) so zero rows stay zero. The returned function maps
// gradients w.r.t. the normalised rows back to the inputs.
func Normalize(words []*mat.Dense) ([]*mat.Dense, func([]*mat.Dense) []*mat.Dense) {
	out := make([]*mat.Dense, len(words))
	norms := make([][]float64, len(words))
	for b, w := range words {
		r, _ := w.Dims()
		y := mat.DenseCopyOf(w)
		norms[b] = make([]float64, r)
		for i := 0; i < r; i++ {
			row := y.RawRowView(i)
			n := max(floats.Norm(row, 2), normEps)
			norms[b][i] = n
			floats.Scale(1/n, row)
		}
		out[b] = y
	}

	backward := func(dOut []*mat.Dense) []*mat.Dense {
		dIn := make([]*mat.Dense, len(dOut))
		for b, dy := range dOut {
			if dy == nil {
				continue
			}
			r, c := dy.Dims()
			dx := mat.NewDense(r, c, nil)
			for i := 0; i < r; i++ {
				n := norms[b][i]
				g := dx.RawRowView(i)
				mat.Row(g, i, dy)
				if n > normEps {
					// (I - y yᵀ) dy / n
					y := out[b].RawRowView(i)
					floats.AddScaled(g, -floats.Dot(y, g), y)
				}
				// zero rows scale by 1/eps; their mapper rows are zero so nothing reaches the encoder
				floats.Scale(1/n, g)
			}
			dIn[b] = dx
		}
		return dIn
	}
	return out, backward
}
