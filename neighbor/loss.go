package neighbor

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Grad holds the gradient of the summed batch loss w.r.t. each query and
// neighbor sentence, shaped like the inputs.
type Grad struct {
	Query     []*mat.Dense
	Neighbors []*mat.Dense
}

// Scale multiplies every gradient by s.
func (g *Grad) Scale(s float64) {
	for _, m := range g.Query {
		m.Scale(s, m)
	}
	for _, m := range g.Neighbors {
		m.Scale(s, m)
	}
}

// BatchLoss is the summed negative log of the probability mass each query
// word assigns to its target neighbor words under a softmax over Q·Nᵀ.
//
// targets has one row per flattened query word. Entries index flattened
// neighbor words; the value N (number of neighbor words) is the sentinel
// and never carries probability. A row made only of sentinels adds +Inf to
// the loss and nothing to the gradient.
func BatchLoss(query, neighbors []*mat.Dense, targets [][]int) (float64, *Grad, error) {
	sim, err := newSimilarity(query, neighbors)
	if err != nil {
		return 0, nil, err
	}
	R, N := sim.logp.Dims()
	if len(targets) != R {
		return 0, nil, errors.Errorf("%d target rows for %d query words", len(targets), R)
	}

	// dS = p·Σw - c, where c[j] collects the weights of targets equal to j
	dS := mat.NewDense(R, N, nil)
	total := 0.0
	var gathered []float64
	for i, row := range targets {
		gathered = gathered[:0]
		for _, t := range row {
			switch {
			case t < 0 || t > N:
				return 0, nil, errors.Errorf("query word %d: target %d outside [0, %d]", i, t, N)
			case t == N:
				gathered = append(gathered, math.Inf(-1))
			default:
				gathered = append(gathered, sim.logp.At(i, t))
			}
		}
		lse := math.Inf(-1)
		if len(gathered) > 0 {
			lse = floats.LogSumExp(gathered)
		}
		total -= lse
		if math.IsInf(lse, -1) {
			continue
		}

		d := dS.RawRowView(i)
		wsum := 0.0
		for k, t := range row {
			if t == N {
				continue
			}
			w := math.Exp(gathered[k] - lse)
			d[t] -= w
			wsum += w
		}
		for j := 0; j < N; j++ {
			d[j] += math.Exp(sim.logp.At(i, j)) * wsum
		}
	}

	var dQ, dN mat.Dense
	dQ.Mul(dS, sim.N)
	dN.Mul(dS.T(), sim.Q)
	return total, &Grad{
		Query:     unstack(&dQ, query, sim.qOff),
		Neighbors: unstack(&dN, neighbors, sim.nOff),
	}, nil
}
