// Package neighbor scores query words against a pool of neighbor words.
//
// Both sides are given as one (S x H) matrix per sentence. Rows are
// flattened in order, so word w of sentence b sits at row
// b*S + w when every sentence has S rows.
package neighbor

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/masashi-y/instance-based-tagging/utils"
)

// stack concatenates the rows of ms and returns the row offset of each matrix.
func stack(ms []*mat.Dense, what string) (*mat.Dense, []int, error) {
	if len(ms) == 0 {
		return nil, nil, errors.Errorf("no %s sentences", what)
	}
	_, h := ms[0].Dims()
	rows := 0
	offsets := make([]int, len(ms))
	for i, m := range ms {
		r, c := m.Dims()
		if c != h {
			return nil, nil, errors.Errorf("%s sentence %d has hidden size %d, want %d", what, i, c, h)
		}
		if r == 0 {
			return nil, nil, errors.Errorf("%s sentence %d has no words", what, i)
		}
		offsets[i] = rows
		rows += r
	}
	out := mat.NewDense(rows, h, nil)
	for i, m := range ms {
		r, _ := m.Dims()
		out.Slice(offsets[i], offsets[i]+r, 0, h).(*mat.Dense).Copy(m)
	}
	return out, offsets, nil
}

// unstack splits m back into matrices shaped like ms.
func unstack(m *mat.Dense, like []*mat.Dense, offsets []int) []*mat.Dense {
	out := make([]*mat.Dense, len(like))
	_, h := m.Dims()
	for i, l := range like {
		r, _ := l.Dims()
		out[i] = mat.DenseCopyOf(m.Slice(offsets[i], offsets[i]+r, 0, h))
	}
	return out
}

type similarity struct {
	Q, N       *mat.Dense
	qOff, nOff []int
	logp       *mat.Dense // (R x N) row log-softmax of Q·Nᵀ
}

func stackPair(query, neighbors []*mat.Dense) (Q, N *mat.Dense, qOff, nOff []int, err error) {
	if Q, qOff, err = stack(query, "query"); err != nil {
		return
	}
	if N, nOff, err = stack(neighbors, "neighbor"); err != nil {
		return
	}
	if _, qh := Q.Dims(); qh != N.RawMatrix().Cols {
		err = errors.Errorf("query hidden size %d differs from neighbor hidden size %d", qh, N.RawMatrix().Cols)
	}
	return
}

func newSimilarity(query, neighbors []*mat.Dense) (*similarity, error) {
	Q, N, qOff, nOff, err := stackPair(query, neighbors)
	if err != nil {
		return nil, err
	}
	scores := utils.ToDense(utils.Dot(Q, N.T()))
	return &similarity{Q: Q, N: N, qOff: qOff, nOff: nOff, logp: utils.RowLogSoftmax(scores)}, nil
}

// RawScores returns Q·Nᵀ before the log-softmax, (query words x neighbor words).
func RawScores(query, neighbors []*mat.Dense) (*mat.Dense, error) {
	Q, N, _, _, err := stackPair(query, neighbors)
	if err != nil {
		return nil, err
	}
	return utils.ToDense(utils.Dot(Q, N.T())), nil
}
