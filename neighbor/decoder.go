package neighbor

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/masashi-y/instance-based-tagging/utils"
)

// ErrEmptyNeighborPool is returned when some query word scores -Inf for
// every tag, i.e. no neighbor word carries any tag of the table.
var ErrEmptyNeighborPool = errors.New("no neighbor word carries a known tag")

// TagMask is the additive mask selecting the neighbor words of one tag:
// 0 where the neighbor word has Tag, -Inf elsewhere. Mask is either
// (1 x N), shared by all query words, or (query words x N).
type TagMask struct {
	Tag  string
	Mask *mat.Dense
}

// Scores returns the (|table| x query words) matrix whose entry (t, i) is
// logsumexp_j(logp[i, j] + mask_t[i, j]).
func Scores(query, neighbors []*mat.Dense, table []TagMask) (*mat.Dense, error) {
	sim, err := newSimilarity(query, neighbors)
	if err != nil {
		return nil, err
	}
	return sim.tagScores(table)
}

func (sim *similarity) tagScores(table []TagMask) (*mat.Dense, error) {
	if len(table) == 0 {
		return nil, errors.New("empty tag table")
	}
	R, N := sim.logp.Dims()
	for _, tm := range table {
		r, c := tm.Mask.Dims()
		if c != N || (r != 1 && r != R) {
			return nil, errors.Errorf("mask for tag %q is %dx%d, want 1x%d or %dx%d", tm.Tag, r, c, N, R, N)
		}
	}
	out := mat.NewDense(len(table), R, nil)
	scratch := make([]float64, N)
	for t, tm := range table {
		broadcast := tm.Mask.RawMatrix().Rows == 1
		for i := 0; i < R; i++ {
			mrow := 0
			if !broadcast {
				mrow = i
			}
			out.Set(t, i, utils.LogSumExpMasked(sim.logp.RawRowView(i), tm.Mask.RawRowView(mrow), scratch))
		}
	}
	return out, nil
}

// Predict tags every query word with the arg-max tag of Scores, the first
// tag of the table winning ties. The result has one slice per query
// sentence with one tag per word slot, padding slots included.
func Predict(query, neighbors []*mat.Dense, table []TagMask) ([][]string, error) {
	sim, err := newSimilarity(query, neighbors)
	if err != nil {
		return nil, err
	}
	scores, err := sim.tagScores(table)
	if err != nil {
		return nil, err
	}
	_, R := scores.Dims()
	col := make([]float64, len(table))
	flat := make([]string, R)
	for i := 0; i < R; i++ {
		mat.Col(col, i, scores)
		best := floats.MaxIdx(col)
		if math.IsInf(col[best], -1) {
			return nil, errors.Wrapf(ErrEmptyNeighborPool, "query word %d", i)
		}
		flat[i] = table[best].Tag
	}

	out := make([][]string, len(query))
	for b, q := range query {
		r, _ := q.Dims()
		out[b] = flat[sim.qOff[b] : sim.qOff[b]+r : sim.qOff[b]+r]
	}
	return out, nil
}
